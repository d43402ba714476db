// Package inbox turns domain events into user-facing notifications. Items
// are derived inside the event append transaction, so an event and its
// notification commit or fail together.
package inbox

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/logabell/conversator/internal/common/errors"
	"github.com/logabell/conversator/internal/common/logger"
	"github.com/logabell/conversator/internal/events"
	"github.com/logabell/conversator/internal/events/bus"
	"github.com/logabell/conversator/internal/eventlog"
)

// Severity levels, ordered by urgency. Blocking items always deliver first
// and never coalesce.
const (
	SeverityInfo     = "info"
	SeveritySuccess  = "success"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityBlocking = "blocking"
)

// Notifier owns the inbox: it derives items from events, coalesces routine
// noise at delivery time, and serves the pending/acknowledge surface.
type Notifier struct {
	log      *eventlog.Log
	bus      bus.EventBus
	logg     *logger.Logger
	coalesce time.Duration
}

// NewNotifier wires a notifier and registers its deriver on the log. Call
// before the first append.
func NewNotifier(log *eventlog.Log, eventBus bus.EventBus, coalesce time.Duration, logg *logger.Logger) *Notifier {
	if coalesce <= 0 {
		coalesce = 30 * time.Second
	}
	n := &Notifier{
		log:      log,
		bus:      eventBus,
		logg:     logg,
		coalesce: coalesce,
	}
	log.SetDeriver(n.derive)
	return n
}

// derive maps one event to its inbox items. Runs on the log's writer
// goroutine before the event commits.
func (n *Notifier) derive(ev *eventlog.Event) []*eventlog.InboxItem {
	severity, title, body := classify(ev)
	if severity == "" {
		return nil
	}

	return []*eventlog.InboxItem{{
		ID:        uuid.New().String(),
		TaskID:    ev.TaskID,
		Severity:  severity,
		Title:     title,
		Body:      body,
		EventSeq:  ev.Seq,
		CreatedAt: ev.Time,
	}}
}

func classify(ev *eventlog.Event) (severity, title, body string) {
	switch ev.Type {
	case eventlog.TypeGateRequested:
		prompt := ev.PayloadString("prompt")
		if prompt == "" {
			prompt = "The builder needs permission to continue."
		}
		return SeverityBlocking, "Permission needed", prompt

	case eventlog.TypeQuestionsRaised:
		return SeverityInfo, "Questions need answers",
			"The working prompt has open questions waiting on you."

	case eventlog.TypeBuildCompleted:
		return SeveritySuccess, "Build completed", ""

	case eventlog.TypeBuildFailed:
		return SeverityError, "Build failed", ev.PayloadString("reason")

	case eventlog.TypeTaskCanceled:
		switch ev.PayloadString("phase") {
		case "confirmed":
			return "", "", ""
		case "unconfirmed":
			return SeverityWarning, "Abort unconfirmed",
				"The builder did not confirm the abort; the session may still be running."
		default:
			return SeverityWarning, "Task canceled", ev.PayloadString("reason")
		}

	case eventlog.TypeBuilderStatusChanged:
		if ev.PayloadString("new_status") == "lost" {
			return SeverityWarning, "Builder session lost", ""
		}
		return "", "", ""

	case eventlog.TypeQuickDispatchBlocked:
		return SeverityWarning, "Quick command blocked", ev.PayloadString("reason")

	default:
		return "", "", ""
	}
}

// Run consumes the live event stream and publishes each event's items onto
// the bus. Blocks until the subscription closes.
func (n *Notifier) Run(sub *eventlog.Subscription) {
	for ev := range sub.Events() {
		items, err := n.log.Store().ItemsForEvent(ev.Seq)
		if err != nil {
			n.logg.Error("failed to load inbox items for broadcast", zap.Error(err))
			continue
		}
		for _, item := range items {
			n.publish(item)
		}
	}
}

func (n *Notifier) publish(item *eventlog.InboxItem) {
	if n.bus == nil {
		return
	}
	ev := bus.NewEvent("inbox.item", "notifier", item)
	if err := n.bus.Publish(context.Background(), events.SubjectInboxItem, ev); err != nil {
		n.logg.Warn("inbox item publish failed", zap.Error(err))
	}
}

// PollPendingDelivery returns undelivered items, blocking first, and stamps
// them delivered. This is how a voice surface drains the inbox.
func (n *Notifier) PollPendingDelivery(limit int) ([]*eventlog.InboxItem, error) {
	items, err := n.log.Store().UndeliveredInbox(limit)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	ids := make([]string, len(items))
	now := time.Now().UTC()
	for i, item := range items {
		ids[i] = item.ID
		at := now
		item.DeliveredAt = &at
	}
	if err := n.log.Store().MarkInboxDelivered(ids, now); err != nil {
		return nil, err
	}
	return coalesceRoutine(items, n.coalesce), nil
}

// coalesceRoutine folds a task's routine items that landed inside one
// window into a single delivery hint. Urgent severities pass through
// untouched; every underlying item is still stamped delivered and stays
// individually acknowledgeable.
func coalesceRoutine(items []*eventlog.InboxItem, window time.Duration) []*eventlog.InboxItem {
	out := make([]*eventlog.InboxItem, 0, len(items))
	byTask := make(map[string][]*eventlog.InboxItem)
	var taskOrder []string

	for _, item := range items {
		if item.Severity != SeverityInfo && item.Severity != SeveritySuccess {
			out = append(out, item)
			continue
		}
		if _, ok := byTask[item.TaskID]; !ok {
			taskOrder = append(taskOrder, item.TaskID)
		}
		byTask[item.TaskID] = append(byTask[item.TaskID], item)
	}

	for _, taskID := range taskOrder {
		group := byTask[taskID]
		start := 0
		for i := 1; i <= len(group); i++ {
			if i < len(group) && group[i].CreatedAt.Sub(group[i-1].CreatedAt) < window {
				continue
			}
			out = append(out, foldRun(group[start:i]))
			start = i
		}
	}
	return out
}

func foldRun(run []*eventlog.InboxItem) *eventlog.InboxItem {
	if len(run) == 1 {
		return run[0]
	}
	last := run[len(run)-1]
	hint := *last
	hint.Title = fmt.Sprintf("%d updates on task %s", len(run), last.TaskID)
	titles := make([]string, len(run))
	for i, item := range run {
		titles[i] = item.Title
	}
	hint.Body = strings.Join(titles, "; ")
	return &hint
}

// Pending returns unacknowledged items, blocking first.
func (n *Notifier) Pending(limit int) ([]*eventlog.InboxItem, error) {
	return n.log.Store().PendingInbox(limit)
}

// List returns a task's items (all tasks when taskID is empty), newest
// first.
func (n *Notifier) List(taskID string, limit int) ([]*eventlog.InboxItem, error) {
	return n.log.Store().ListInbox(taskID, limit)
}

// Item returns one inbox item by id.
func (n *Notifier) Item(itemID string) (*eventlog.InboxItem, error) {
	item, err := n.log.Store().GetInboxItem(itemID)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, apperrors.NotFound("inbox item", itemID)
	}
	return item, nil
}

// Acknowledge marks an item handled.
func (n *Notifier) Acknowledge(itemID string) error {
	ok, err := n.log.Store().AcknowledgeInbox(itemID, time.Now().UTC())
	if err != nil {
		return err
	}
	if !ok {
		return apperrors.NotFound("inbox item", itemID)
	}
	return nil
}

// UnreadCount reports how many items await acknowledgement.
func (n *Notifier) UnreadCount() (int, error) {
	items, err := n.log.Store().PendingInbox(0)
	if err != nil {
		return 0, err
	}
	return len(items), nil
}
