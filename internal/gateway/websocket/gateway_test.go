package websocket

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/logabell/conversator/internal/builder"
	"github.com/logabell/conversator/internal/common/logger"
	"github.com/logabell/conversator/internal/conversation"
	"github.com/logabell/conversator/internal/eventlog"
	"github.com/logabell/conversator/internal/events/bus"
	"github.com/logabell/conversator/internal/inbox"
	"github.com/logabell/conversator/internal/orchestrator"
	"github.com/logabell/conversator/internal/prompt"
	v1 "github.com/logabell/conversator/pkg/api/v1"
	ws "github.com/logabell/conversator/pkg/websocket"
)

type fakeAdapter struct{}

func (fakeAdapter) Kind() string                                         { return "fake" }
func (fakeAdapter) CreateSession(ctx context.Context) (string, error)    { return "sess-1", nil }
func (fakeAdapter) SendMessage(ctx context.Context, id, t string) error  { return nil }
func (fakeAdapter) Abort(ctx context.Context, sessionID string) error    { return nil }
func (fakeAdapter) Health(ctx context.Context) (*builder.Health, error) {
	return &builder.Health{Healthy: true}, nil
}
func (fakeAdapter) StreamEvents(ctx context.Context, sessionID string) (<-chan builder.Event, error) {
	out := make(chan builder.Event)
	go func() {
		<-ctx.Done()
		close(out)
	}()
	return out, nil
}

type gatewayRig struct {
	hub  *Hub
	log  *eventlog.Log
	orch *orchestrator.Orchestrator
	url  string
}

func newGatewayRig(t *testing.T) *gatewayRig {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logg, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	dir := t.TempDir()
	store, err := eventlog.OpenStore(filepath.Join(dir, "events.db"), logg)
	require.NoError(t, err)
	eventBus := bus.NewMemoryEventBus(logg)
	log, err := eventlog.Open(store, eventBus, eventlog.Options{}, logg)
	require.NoError(t, err)

	workspace, err := prompt.NewWorkspace(dir, logg)
	require.NoError(t, err)
	registry := builder.NewStaticRegistry(map[string]builder.Adapter{"fake": fakeAdapter{}}, "fake")
	sessions := builder.NewDispatcher(registry, log, workspace, eventBus, builder.Config{}, logg)
	notifier := inbox.NewNotifier(log, eventBus, 0, logg)
	feed := conversation.NewFeed(eventBus, 0, logg)
	orch := orchestrator.New(log, workspace, sessions, registry, logg)

	dispatcher := ws.NewDispatcher()
	NewCommands(orch, log, notifier, feed, registry, sessions).Register(dispatcher)
	hub := NewHub(dispatcher, logg)

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	engine := gin.New()
	handler := NewHandler(hub, log, logg)
	engine.GET("/ws/events", handler.HandleConnection)
	srv := httptest.NewServer(engine)

	t.Cleanup(func() {
		srv.Close()
		cancel()
		sessions.Close()
		log.Close()
		store.Close()
	})

	return &gatewayRig{
		hub:  hub,
		log:  log,
		orch: orch,
		url:  "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/events",
	}
}

func dial(t *testing.T, url string) *gorillaws.Conn {
	t.Helper()
	conn, _, err := gorillaws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *gorillaws.Conn, id, action string, payload interface{}) {
	t.Helper()
	msg, err := ws.NewRequest(id, action, payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(msg))
}

// readFrames splits a websocket frame into its batched messages.
func readFrames(t *testing.T, conn *gorillaws.Conn) []*ws.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var out []*ws.Message
	for _, line := range strings.Split(string(data), "\n") {
		if line == "" {
			continue
		}
		var msg ws.Message
		require.NoError(t, json.Unmarshal([]byte(line), &msg))
		out = append(out, &msg)
	}
	return out
}

// waitFor reads until a message satisfies the predicate.
func waitFor(t *testing.T, conn *gorillaws.Conn, pred func(*ws.Message) bool) *ws.Message {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		for _, msg := range readFrames(t, conn) {
			if pred(msg) {
				return msg
			}
		}
	}
	t.Fatal("expected message not received")
	return nil
}

func TestHealthCheckRoundTrip(t *testing.T) {
	r := newGatewayRig(t)
	conn := dial(t, r.url)

	send(t, conn, "req-1", ws.ActionHealthCheck, nil)
	msg := waitFor(t, conn, func(m *ws.Message) bool { return m.ID == "req-1" })

	assert.Equal(t, ws.MessageTypeResponse, msg.Type)
	var health v1.HealthResponse
	require.NoError(t, msg.ParsePayload(&health))
	assert.Equal(t, "ok", health.Status)
}

func TestUnknownActionReturnsError(t *testing.T) {
	r := newGatewayRig(t)
	conn := dial(t, r.url)

	send(t, conn, "req-1", "task.selfdestruct", nil)
	msg := waitFor(t, conn, func(m *ws.Message) bool { return m.ID == "req-1" })

	assert.Equal(t, ws.MessageTypeError, msg.Type)
	var ep ws.ErrorPayload
	require.NoError(t, msg.ParsePayload(&ep))
	assert.Equal(t, ws.ErrorCodeUnknownAction, ep.Code)
}

func TestTaskCreateOverSocket(t *testing.T) {
	r := newGatewayRig(t)
	conn := dial(t, r.url)

	send(t, conn, "req-1", ws.ActionTaskCreate, &v1.CreateTaskRequest{
		Topic: "auth", Title: "Fix login", Intent: "make login survive refresh",
	})
	msg := waitFor(t, conn, func(m *ws.Message) bool { return m.ID == "req-1" })

	require.Equal(t, ws.MessageTypeResponse, msg.Type)
	var task v1.Task
	require.NoError(t, msg.ParsePayload(&task))
	assert.Equal(t, "refining", task.Status)
	assert.NotEmpty(t, task.ID)
}

func TestStreamSubscribeReplaysFromCursor(t *testing.T) {
	r := newGatewayRig(t)
	ctx := context.Background()

	task, err := r.orch.CreateTask(ctx, "", "auth", "Fix login", "fix it")
	require.NoError(t, err)
	_, err = r.orch.RaiseQuestions(ctx, "", task.ID, []string{"which provider?"})
	require.NoError(t, err)

	conn := dial(t, r.url)
	send(t, conn, "sub-1", ws.ActionStreamSubscribe, &StreamSubscribeRequest{AfterSeq: 1})

	var got []string
	waitFor(t, conn, func(m *ws.Message) bool {
		if m.Type != ws.MessageTypeNotification || m.Action != ws.ActionTaskEvent {
			return false
		}
		var ev v1.Event
		if err := m.ParsePayload(&ev); err != nil {
			return false
		}
		got = append(got, ev.Type)
		return len(got) == 2
	})
	assert.Equal(t, []string{"WorkingPromptUpdated", "QuestionsRaised"}, got)

	// Live tail continues from the replayed backlog.
	_, err = r.orch.AnswerQuestions(ctx, "", task.ID, "the OIDC one")
	require.NoError(t, err)
	msg := waitFor(t, conn, func(m *ws.Message) bool {
		if m.Action != ws.ActionTaskEvent {
			return false
		}
		var ev v1.Event
		return m.ParsePayload(&ev) == nil && ev.Type == "UserAnswered"
	})
	require.NotNil(t, msg)
}

func TestBroadcastReachesAllClients(t *testing.T) {
	r := newGatewayRig(t)
	a := dial(t, r.url)
	b := dial(t, r.url)

	require.Eventually(t, func() bool { return r.hub.ClientCount() == 2 }, 2*time.Second, 10*time.Millisecond)

	note, err := ws.NewNotification(ws.ActionSystemHealth, map[string]interface{}{"status": "ok"})
	require.NoError(t, err)
	r.hub.Broadcast(note)

	for _, conn := range []*gorillaws.Conn{a, b} {
		msg := waitFor(t, conn, func(m *ws.Message) bool { return m.Action == ws.ActionSystemHealth })
		assert.Equal(t, ws.MessageTypeNotification, msg.Type)
	}
}
