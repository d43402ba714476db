// Package builder connects the control plane to builder backends: the
// capability interface adapters implement, the registry that loads them, and
// the dispatcher that owns sessions end to end.
package builder

import (
	"context"
)

// EventKind classifies a translated builder event. Remote events that do
// not map onto one of these are logged and dropped by the adapter.
type EventKind string

const (
	// EventStatus carries a session status change (running, paused).
	EventStatus EventKind = "status"
	// EventGateRequested means the builder is blocked on a permission gate.
	EventGateRequested EventKind = "gate_requested"
	// EventCompleted means the session finished successfully.
	EventCompleted EventKind = "completed"
	// EventFailed means the session failed.
	EventFailed EventKind = "failed"
	// EventLost means the stream could not be re-established and the
	// session's fate is unknown.
	EventLost EventKind = "lost"
	// EventArtifact reports a file the session produced.
	EventArtifact EventKind = "artifact"
	// EventText carries assistant output text, used for quick dispatches
	// and the conversation feed.
	EventText EventKind = "text"
)

// Event is one translated event from a builder session stream.
type Event struct {
	Kind         EventKind
	SessionID    string
	Status       string
	GateID       string
	GatePrompt   string
	Reason       string
	ArtifactPath string
	ArtifactKind string
	Text         string
}

// Health reports a backend's reachability and the sessions it knows about.
type Health struct {
	Healthy  bool
	Version  string
	Sessions map[string]string // session id -> remote status
}

// Adapter is the capability surface every builder backend provides.
type Adapter interface {
	// Kind names the backend protocol (e.g. "opencode").
	Kind() string
	// CreateSession opens a fresh remote session and returns its id.
	CreateSession(ctx context.Context) (string, error)
	// SendMessage delivers prompt text to a session.
	SendMessage(ctx context.Context, sessionID, text string) error
	// StreamEvents returns translated events for a session. The channel
	// closes when ctx is done or the session reaches a terminal event.
	// Reconnects are handled internally; exhaustion surfaces as EventLost.
	StreamEvents(ctx context.Context, sessionID string) (<-chan Event, error)
	// Abort asks the backend to stop a session. Best effort.
	Abort(ctx context.Context, sessionID string) error
	// Health probes the backend.
	Health(ctx context.Context) (*Health, error)
}

// GateResolver is implemented by adapters whose backend needs the gate
// decision forwarded to unblock the session.
type GateResolver interface {
	ResolveGate(ctx context.Context, sessionID, gateID string, approve bool, note string) error
}

// QuickRunner is implemented by adapters that can run a one-shot command in
// a throwaway session and return its output.
type QuickRunner interface {
	QuickRun(ctx context.Context, command string) (string, error)
}
