package websocket

import (
	"context"

	"go.uber.org/zap"

	"github.com/logabell/conversator/internal/common/logger"
	"github.com/logabell/conversator/internal/eventlog"
	"github.com/logabell/conversator/internal/events"
	"github.com/logabell/conversator/internal/events/bus"
	v1 "github.com/logabell/conversator/pkg/api/v1"
	ws "github.com/logabell/conversator/pkg/websocket"
)

// Notifications bridges bus subjects onto the hub broadcast: every connected
// client sees task updates, inbox items, builder status, and conversation
// entries without an explicit stream subscription. Ordered event replay
// stays on the per-client stream cursor.
type Notifications struct {
	hub    *Hub
	log    *eventlog.Log
	logger *logger.Logger

	subs []bus.Subscription
}

// NewNotifications creates the bridge.
func NewNotifications(hub *Hub, log *eventlog.Log, logg *logger.Logger) *Notifications {
	return &Notifications{
		hub:    hub,
		log:    log,
		logger: logg.WithFields(zap.String("component", "ws_notifications")),
	}
}

// Start subscribes to the notification subjects.
func (n *Notifications) Start(eventBus bus.EventBus) error {
	subjects := map[string]bus.EventHandler{
		events.BuildTaskEventWildcardSubject():     n.onTaskEvent,
		events.SubjectInboxItem:                    n.forward(ws.ActionInboxItem),
		events.BuildBuilderStatusWildcardSubject(): n.forward(ws.ActionBuilderStatus),
		events.SubjectConversation:                 n.forward(ws.ActionConversationEntry),
	}
	for subject, handler := range subjects {
		sub, err := eventBus.Subscribe(subject, handler)
		if err != nil {
			n.Stop()
			return err
		}
		n.subs = append(n.subs, sub)
	}
	return nil
}

// Stop unsubscribes from the bus.
func (n *Notifications) Stop() {
	for _, sub := range n.subs {
		if err := sub.Unsubscribe(); err != nil {
			n.logger.Warn("unsubscribe failed", zap.Error(err))
		}
	}
	n.subs = nil
}

// onTaskEvent rebroadcasts the event and the refreshed task it touched.
func (n *Notifications) onTaskEvent(ctx context.Context, ev *bus.Event) error {
	taskID := taskIDFrom(ev.Data)
	note, err := ws.NewNotification(ws.ActionTaskEvent, ev.Data)
	if err != nil {
		return err
	}
	n.hub.Broadcast(note)

	if taskID == "" {
		return nil
	}
	task := n.log.Snapshot().Task(taskID)
	if task == nil {
		return nil
	}
	update, err := ws.NewNotification(ws.ActionTaskUpdated, v1.TaskFromDomain(task))
	if err != nil {
		return err
	}
	n.hub.Broadcast(update)
	return nil
}

// forward rebroadcasts a bus payload unchanged under the given action.
func (n *Notifications) forward(action string) bus.EventHandler {
	return func(ctx context.Context, ev *bus.Event) error {
		note, err := ws.NewNotification(action, ev.Data)
		if err != nil {
			return err
		}
		n.hub.Broadcast(note)
		return nil
	}
}

// taskIDFrom digs the task id out of a bus payload, which is a live domain
// event in-process and a decoded map when it crossed NATS.
func taskIDFrom(data interface{}) string {
	switch v := data.(type) {
	case *eventlog.Event:
		return v.TaskID
	case map[string]interface{}:
		if id, ok := v["task_id"].(string); ok {
			return id
		}
	}
	return ""
}
