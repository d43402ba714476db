package v1

import "time"

// BuilderInfo describes one registered builder backend.
type BuilderInfo struct {
	Name     string `json:"name"`
	Kind     string `json:"kind"`
	BaseURL  string `json:"base_url,omitempty"`
	Healthy  bool   `json:"healthy"`
	Default  bool   `json:"default"`
	Sessions int    `json:"sessions"`
}

// Session is the external view of a builder session.
type Session struct {
	ID        string     `json:"id"`
	TaskID    string     `json:"task_id"`
	Builder   string     `json:"builder"`
	Status    string     `json:"status"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Artifacts []Artifact `json:"artifacts,omitempty"`
}

// Artifact is a file produced by a builder session.
type Artifact struct {
	Kind      string    `json:"kind"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"created_at"`
}

// QuickDispatchRequest submits a one-shot command for classification and
// routing. Operation is "query" or "simple_mutation".
type QuickDispatchRequest struct {
	CommandID string `json:"command_id,omitempty"`
	Operation string `json:"operation" binding:"required"`
	Command   string `json:"command" binding:"required"`
}

// QuickDispatchResponse reports how a quick command was classified and what
// happened to it.
type QuickDispatchResponse struct {
	Allowed bool   `json:"allowed"`
	Success bool   `json:"success"`
	Output  string `json:"output,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Builder string `json:"builder,omitempty"`
}

// ConversationEntry is one line of the live conversation feed.
type ConversationEntry struct {
	ID        int64     `json:"id"`
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	TaskID    string    `json:"task_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthResponse reports process health.
type HealthResponse struct {
	Status   string `json:"status"`
	Degraded bool   `json:"degraded"`
	LastSeq  int64  `json:"last_seq"`
	Version  string `json:"version,omitempty"`
}
