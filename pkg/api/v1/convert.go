package v1

import (
	"github.com/logabell/conversator/internal/conversation"
	"github.com/logabell/conversator/internal/eventlog"
)

// TaskFromDomain maps a derived task to its wire form.
func TaskFromDomain(t *eventlog.Task) *Task {
	if t == nil {
		return nil
	}
	return &Task{
		ID:             t.ID,
		Topic:          t.Topic,
		Title:          t.Title,
		Status:         string(t.Status),
		ExternalTaskID: t.ExternalTaskID,
		SessionID:      t.SessionID,
		Builder:        t.BuilderKind,
		OpenQuestions:  t.OpenQuestions,
		PendingGateID:  t.PendingGateID,
		FailureReason:  t.FailureReason,
		CreatedAt:      t.CreatedAt,
		UpdatedAt:      t.UpdatedAt,
		LastEventSeq:   t.LastEventSeq,
	}
}

// EventFromDomain maps a log entry to its wire form.
func EventFromDomain(e *eventlog.Event) *Event {
	if e == nil {
		return nil
	}
	return &Event{
		Seq:     e.Seq,
		Time:    e.Time,
		Type:    string(e.Type),
		TaskID:  e.TaskID,
		Payload: e.Payload,
	}
}

// InboxItemFromDomain maps an inbox item to its wire form.
func InboxItemFromDomain(i *eventlog.InboxItem) *InboxItem {
	if i == nil {
		return nil
	}
	return &InboxItem{
		ID:             i.ID,
		TaskID:         i.TaskID,
		Severity:       i.Severity,
		Title:          i.Title,
		Body:           i.Body,
		EventSeq:       i.EventSeq,
		CreatedAt:      i.CreatedAt,
		DeliveredAt:    i.DeliveredAt,
		AcknowledgedAt: i.AcknowledgedAt,
	}
}

// SessionFromDomain maps a builder session to its wire form.
func SessionFromDomain(s *eventlog.Session) *Session {
	if s == nil {
		return nil
	}
	out := &Session{
		ID:        s.ID,
		TaskID:    s.TaskID,
		Builder:   s.Builder,
		Status:    string(s.Status),
		StartedAt: s.StartedAt,
	}
	if !s.EndedAt.IsZero() {
		ended := s.EndedAt
		out.EndedAt = &ended
	}
	for _, a := range s.Artifacts {
		out.Artifacts = append(out.Artifacts, Artifact{
			Kind:      a.Kind,
			Path:      a.Path,
			CreatedAt: a.CreatedAt,
		})
	}
	return out
}

// EntryFromDomain maps a conversation entry to its wire form.
func EntryFromDomain(e conversation.Entry) *ConversationEntry {
	return &ConversationEntry{
		ID:        e.ID,
		Role:      e.Role,
		Text:      e.Text,
		TaskID:    e.TaskID,
		Timestamp: e.Timestamp,
	}
}
