package v1

import "time"

// Severity levels for inbox items.
const (
	SeverityInfo     = "info"
	SeveritySuccess  = "success"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityBlocking = "blocking"
)

// InboxItem is the external view of a notification.
type InboxItem struct {
	ID             string     `json:"id"`
	TaskID         string     `json:"task_id,omitempty"`
	Severity       string     `json:"severity"`
	Title          string     `json:"title"`
	Body           string     `json:"body,omitempty"`
	EventSeq       int64      `json:"event_seq"`
	CreatedAt      time.Time  `json:"created_at"`
	DeliveredAt    *time.Time `json:"delivered_at,omitempty"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
}

// AcknowledgeRequest marks an inbox item as handled.
type AcknowledgeRequest struct {
	ItemID string `json:"item_id" binding:"required"`
}
