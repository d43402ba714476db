// Package eventlog implements Conversator's append-only domain event log and
// the derived state replayed from it. Every state mutation in the system goes
// through Log.Append; all other components either submit events or subscribe
// to the ordered stream.
package eventlog

import (
	"time"
)

// EventType identifies a domain event. The set is closed and the strings are
// part of the on-disk format.
type EventType string

const (
	TypeTaskCreated            EventType = "TaskCreated"
	TypeWorkingPromptUpdated   EventType = "WorkingPromptUpdated"
	TypeQuestionsRaised        EventType = "QuestionsRaised"
	TypeUserAnswered           EventType = "UserAnswered"
	TypeHandoffFrozen          EventType = "HandoffFrozen"
	TypeExternalTaskLinked     EventType = "ExternalTaskLinked"
	TypeBuilderDispatched      EventType = "BuilderDispatched"
	TypeBuilderStatusChanged   EventType = "BuilderStatusChanged"
	TypeGateRequested          EventType = "GateRequested"
	TypeGateApproved           EventType = "GateApproved"
	TypeGateDenied             EventType = "GateDenied"
	TypeBuildCompleted         EventType = "BuildCompleted"
	TypeBuildFailed            EventType = "BuildFailed"
	TypeTaskCanceled           EventType = "TaskCanceled"
	TypeQuickDispatchRequested EventType = "QuickDispatchRequested"
	TypeQuickDispatchExecuted  EventType = "QuickDispatchExecuted"
	TypeQuickDispatchBlocked   EventType = "QuickDispatchBlocked"
)

// knownTypes is the closed set accepted by the validator.
var knownTypes = map[EventType]bool{
	TypeTaskCreated:            true,
	TypeWorkingPromptUpdated:   true,
	TypeQuestionsRaised:        true,
	TypeUserAnswered:           true,
	TypeHandoffFrozen:          true,
	TypeExternalTaskLinked:     true,
	TypeBuilderDispatched:      true,
	TypeBuilderStatusChanged:   true,
	TypeGateRequested:          true,
	TypeGateApproved:           true,
	TypeGateDenied:             true,
	TypeBuildCompleted:         true,
	TypeBuildFailed:            true,
	TypeTaskCanceled:           true,
	TypeQuickDispatchRequested: true,
	TypeQuickDispatchExecuted:  true,
	TypeQuickDispatchBlocked:   true,
}

// Refs holds optional pointers carried alongside an event.
type Refs struct {
	ExternalTaskID string `json:"external_task_id,omitempty"`
	SessionID      string `json:"session_id,omitempty"`
	ArtifactPath   string `json:"artifact_path,omitempty"`
}

// IsZero reports whether no reference is set.
func (r Refs) IsZero() bool {
	return r.ExternalTaskID == "" && r.SessionID == "" && r.ArtifactPath == ""
}

// Event is one entry in the append-only log. Seq is assigned by the log on
// append and is globally monotonic and gap-free within a process epoch.
type Event struct {
	Seq     int64                  `json:"seq"`
	Time    time.Time              `json:"time"`
	Type    EventType              `json:"type"`
	TaskID  string                 `json:"task_id,omitempty"`
	Refs    Refs                   `json:"refs,omitempty"`
	Payload map[string]interface{} `json:"payload"`

	// IdempotencyKey, when set, dedupes the event: a second append with the
	// same key returns the original seq and writes nothing. Not serialized
	// into the payload; stored in its own column.
	IdempotencyKey string `json:"-"`
}

// Proposed builds an event ready for Append. Seq and Time are assigned by
// the log.
func Proposed(t EventType, taskID string, payload map[string]interface{}) *Event {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	return &Event{Type: t, TaskID: taskID, Payload: payload}
}

// WithRefs attaches reference pointers.
func (e *Event) WithRefs(refs Refs) *Event {
	e.Refs = refs
	return e
}

// WithIdempotencyKey attaches a dedupe key.
func (e *Event) WithIdempotencyKey(key string) *Event {
	e.IdempotencyKey = key
	return e
}

// PayloadString returns a string payload field, or "" when absent.
func (e *Event) PayloadString(key string) string {
	if e.Payload == nil {
		return ""
	}
	if v, ok := e.Payload[key].(string); ok {
		return v
	}
	return ""
}

// PayloadBool returns a bool payload field, or false when absent.
func (e *Event) PayloadBool(key string) bool {
	if e.Payload == nil {
		return false
	}
	if v, ok := e.Payload[key].(bool); ok {
		return v
	}
	return false
}
