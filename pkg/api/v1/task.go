// Package v1 defines the public API types served over REST and WebSocket.
package v1

import "time"

// Task is the external view of a task.
type Task struct {
	ID             string    `json:"id"`
	Topic          string    `json:"topic"`
	Title          string    `json:"title"`
	Status         string    `json:"status"`
	ExternalTaskID string    `json:"external_task_id,omitempty"`
	SessionID      string    `json:"session_id,omitempty"`
	Builder        string    `json:"builder,omitempty"`
	OpenQuestions  []string  `json:"open_questions,omitempty"`
	PendingGateID  string    `json:"pending_gate_id,omitempty"`
	FailureReason  string    `json:"failure_reason,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	LastEventSeq   int64     `json:"last_event_seq"`
}

// Event is the external view of one log entry.
type Event struct {
	Seq     int64                  `json:"seq"`
	Time    time.Time              `json:"time"`
	Type    string                 `json:"type"`
	TaskID  string                 `json:"task_id,omitempty"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// CreateTaskRequest starts a new task in draft.
type CreateTaskRequest struct {
	CommandID string `json:"command_id,omitempty"`
	Topic     string `json:"topic" binding:"required"`
	Title     string `json:"title"`
	Intent    string `json:"intent,omitempty"`
}

// UpdateWorkingPromptRequest replaces sections of the working prompt.
type UpdateWorkingPromptRequest struct {
	CommandID    string   `json:"command_id,omitempty"`
	Title        string   `json:"title,omitempty"`
	Intent       string   `json:"intent,omitempty"`
	Requirements []string `json:"requirements,omitempty"`
	Constraints  []string `json:"constraints,omitempty"`
	Context      string   `json:"context,omitempty"`
}

// RaiseQuestionsRequest records open questions for the user.
type RaiseQuestionsRequest struct {
	CommandID string   `json:"command_id,omitempty"`
	Questions []string `json:"questions" binding:"required"`
}

// AnswerQuestionsRequest records the user's answers.
type AnswerQuestionsRequest struct {
	CommandID string            `json:"command_id,omitempty"`
	Answers   map[string]string `json:"answers" binding:"required"`
}

// FreezeRequest freezes the working prompt into handoff artifacts.
type FreezeRequest struct {
	CommandID string `json:"command_id,omitempty"`
}

// FreezeResponse reports the artifact paths produced by a freeze.
type FreezeResponse struct {
	Task            *Task  `json:"task"`
	HandoffMDPath   string `json:"handoff_md_path"`
	HandoffJSONPath string `json:"handoff_json_path"`
	Digest          string `json:"digest"`
}

// DispatchRequest hands a frozen task to a builder.
type DispatchRequest struct {
	CommandID string `json:"command_id,omitempty"`
	Builder   string `json:"builder,omitempty"`
}

// DispatchResponse reports the session created for a dispatch.
type DispatchResponse struct {
	Task          *Task  `json:"task"`
	SessionID     string `json:"session_id"`
	DispatchToken string `json:"dispatch_token"`
}

// CancelTaskRequest cancels a task, aborting its session if one is live.
type CancelTaskRequest struct {
	CommandID string `json:"command_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// LinkExternalRequest attaches an external tracker id to a task.
type LinkExternalRequest struct {
	CommandID      string `json:"command_id,omitempty"`
	ExternalTaskID string `json:"external_task_id" binding:"required"`
}

// ResolveGateRequest approves or denies a pending permission gate.
type ResolveGateRequest struct {
	CommandID string `json:"command_id,omitempty"`
	GateID    string `json:"gate_id" binding:"required"`
	Approve   bool   `json:"approve"`
	Note      string `json:"note,omitempty"`
}

// WorkingPrompt is the external view of a task's mutable prompt.
type WorkingPrompt struct {
	Title        string    `json:"title"`
	Intent       string    `json:"intent"`
	Requirements []string  `json:"requirements"`
	Constraints  []string  `json:"constraints"`
	Context      string    `json:"context,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}
