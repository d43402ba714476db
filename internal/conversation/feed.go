// Package conversation keeps the live transcript feed: a bounded in-memory
// ring of entries pushed to WebSocket clients and served over REST. The feed
// is ephemeral; durable history lives in the event log.
package conversation

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/logabell/conversator/internal/common/logger"
	"github.com/logabell/conversator/internal/events"
	"github.com/logabell/conversator/internal/events/bus"
)

// Roles an entry can carry.
const (
	RoleUser       = "user"
	RoleAssistant  = "assistant"
	RoleToolCall   = "tool_call"
	RoleToolResult = "tool_result"
	RoleSystem     = "system"
)

// Entry is one line of the transcript.
type Entry struct {
	ID        int64     `json:"id"`
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	TaskID    string    `json:"task_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Feed is the transcript ring buffer.
type Feed struct {
	bus  bus.EventBus
	logg *logger.Logger

	mu      sync.Mutex
	entries []Entry
	nextID  int64
	max     int
}

// NewFeed creates a feed holding at most maxEntries (1000 when zero).
func NewFeed(eventBus bus.EventBus, maxEntries int, logg *logger.Logger) *Feed {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	return &Feed{bus: eventBus, logg: logg, max: maxEntries}
}

// Add appends an entry, evicting the oldest past capacity, and publishes it
// for live subscribers.
func (f *Feed) Add(role, text, taskID string) Entry {
	f.mu.Lock()
	f.nextID++
	entry := Entry{
		ID:        f.nextID,
		Role:      role,
		Text:      text,
		TaskID:    taskID,
		Timestamp: time.Now().UTC(),
	}
	f.entries = append(f.entries, entry)
	if len(f.entries) > f.max {
		f.entries = f.entries[len(f.entries)-f.max:]
	}
	f.mu.Unlock()

	if f.bus != nil {
		ev := bus.NewEvent("conversation.entry", "conversation", entry)
		if err := f.bus.Publish(context.Background(), events.SubjectConversation, ev); err != nil {
			f.logg.Warn("conversation entry publish failed", zap.Error(err))
		}
	}
	return entry
}

// Recent returns up to limit entries, oldest first (all when limit is 0).
func (f *Feed) Recent(limit int) []Entry {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := len(f.entries)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Entry, n)
	copy(out, f.entries[len(f.entries)-n:])
	return out
}

// Since returns entries with ID greater than afterID, oldest first.
func (f *Feed) Since(afterID int64) []Entry {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := len(f.entries)
	for i, e := range f.entries {
		if e.ID > afterID {
			idx = i
			break
		}
	}
	out := make([]Entry, len(f.entries)-idx)
	copy(out, f.entries[idx:])
	return out
}

// Len reports the current entry count.
func (f *Feed) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}
