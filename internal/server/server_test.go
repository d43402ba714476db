package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
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
)

type fakeAdapter struct {
	quickOutput string
}

func (fakeAdapter) Kind() string                                        { return "fake" }
func (fakeAdapter) CreateSession(ctx context.Context) (string, error)   { return "sess-1", nil }
func (fakeAdapter) SendMessage(ctx context.Context, id, t string) error { return nil }
func (fakeAdapter) Abort(ctx context.Context, sessionID string) error   { return nil }
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
func (a fakeAdapter) QuickRun(ctx context.Context, command string) (string, error) {
	return a.quickOutput, nil
}

type restRig struct {
	engine   *gin.Engine
	orch     *orchestrator.Orchestrator
	log      *eventlog.Log
	notifier *inbox.Notifier
	feed     *conversation.Feed
}

func newRestRig(t *testing.T) *restRig {
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
	registry := builder.NewStaticRegistry(map[string]builder.Adapter{
		"fake": fakeAdapter{quickOutput: "file_a.go\nfile_b.go"},
	}, "fake")
	sessions := builder.NewDispatcher(registry, log, workspace, eventBus, builder.Config{}, logg)
	notifier := inbox.NewNotifier(log, eventBus, 0, logg)
	feed := conversation.NewFeed(eventBus, 0, logg)
	orch := orchestrator.New(log, workspace, sessions, registry, logg)

	engine := gin.New()
	NewHandlers(orch, log, notifier, feed, registry, sessions, logg).RegisterRoutes(engine)

	t.Cleanup(func() {
		sessions.Close()
		log.Close()
		store.Close()
	})

	return &restRig{engine: engine, orch: orch, log: log, notifier: notifier, feed: feed}
}

func (r *restRig) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	r.engine.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestCreateAndGetTask(t *testing.T) {
	rig := newRestRig(t)

	rec := rig.do(t, http.MethodPost, "/api/v1/tasks", v1.CreateTaskRequest{
		Topic:  "Auth Flow",
		Title:  "Fix login redirect",
		Intent: "stop the loop on expired sessions",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[v1.Task](t, rec)
	assert.Equal(t, "auth-flow", created.Topic)
	assert.Equal(t, "refining", created.Status)

	rec = rig.do(t, http.MethodGet, "/api/v1/tasks/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[v1.Task](t, rec)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, "Fix login redirect", got.Title)
}

func TestCreateTaskRequiresTopic(t *testing.T) {
	rig := newRestRig(t)

	rec := rig.do(t, http.MethodPost, "/api/v1/tasks", map[string]string{"title": "no topic"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetUnknownTaskReturns404(t *testing.T) {
	rig := newRestRig(t)

	rec := rig.do(t, http.MethodGet, "/api/v1/tasks/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListTasksFiltersByStatus(t *testing.T) {
	rig := newRestRig(t)

	rec := rig.do(t, http.MethodPost, "/api/v1/tasks", v1.CreateTaskRequest{Topic: "one", Intent: "do one"})
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = rig.do(t, http.MethodPost, "/api/v1/tasks", v1.CreateTaskRequest{Topic: "two"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = rig.do(t, http.MethodGet, "/api/v1/tasks?status=draft", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[struct {
		Tasks []v1.Task `json:"tasks"`
	}](t, rec)
	require.Len(t, list.Tasks, 1)
	assert.Equal(t, "two", list.Tasks[0].Topic)

	rec = rig.do(t, http.MethodGet, "/api/v1/tasks", nil)
	list = decode[struct {
		Tasks []v1.Task `json:"tasks"`
	}](t, rec)
	assert.Len(t, list.Tasks, 2)
}

func TestTaskEventsReturnsOnlyThatTask(t *testing.T) {
	rig := newRestRig(t)

	rec := rig.do(t, http.MethodPost, "/api/v1/tasks", v1.CreateTaskRequest{Topic: "evts", Intent: "watch the log"})
	require.Equal(t, http.StatusCreated, rec.Code)
	task := decode[v1.Task](t, rec)

	rec = rig.do(t, http.MethodPost, "/api/v1/tasks", v1.CreateTaskRequest{Topic: "other"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = rig.do(t, http.MethodGet, "/api/v1/tasks/"+task.ID+"/events", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[struct {
		Events []v1.Event `json:"events"`
	}](t, rec)
	require.Len(t, list.Events, 2)
	assert.Equal(t, "TaskCreated", list.Events[0].Type)
	assert.Equal(t, "WorkingPromptUpdated", list.Events[1].Type)
	for _, ev := range list.Events {
		assert.Equal(t, task.ID, ev.TaskID)
	}
}

func TestPromptAndQuestionFlow(t *testing.T) {
	rig := newRestRig(t)

	rec := rig.do(t, http.MethodPost, "/api/v1/tasks", v1.CreateTaskRequest{Topic: "flow", Intent: "ship it"})
	require.Equal(t, http.StatusCreated, rec.Code)
	task := decode[v1.Task](t, rec)

	rec = rig.do(t, http.MethodPut, "/api/v1/tasks/"+task.ID+"/prompt", v1.UpdateWorkingPromptRequest{
		Requirements: []string{"must keep existing URLs"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = rig.do(t, http.MethodPost, "/api/v1/tasks/"+task.ID+"/questions", v1.RaiseQuestionsRequest{
		Questions: []string{"which environments?"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[v1.Task](t, rec)
	assert.Equal(t, "awaiting_user", got.Status)

	rec = rig.do(t, http.MethodPost, "/api/v1/tasks/"+task.ID+"/answers", v1.AnswerQuestionsRequest{
		Answers: map[string]string{"which environments?": "staging only"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	got = decode[v1.Task](t, rec)
	assert.Equal(t, "refining", got.Status)
	assert.Empty(t, got.OpenQuestions)
}

func TestFreezeProducesArtifacts(t *testing.T) {
	rig := newRestRig(t)

	rec := rig.do(t, http.MethodPost, "/api/v1/tasks", v1.CreateTaskRequest{Topic: "frz", Intent: "freeze me"})
	require.Equal(t, http.StatusCreated, rec.Code)
	task := decode[v1.Task](t, rec)

	rec = rig.do(t, http.MethodPost, "/api/v1/tasks/"+task.ID+"/freeze", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	frozen := decode[v1.FreezeResponse](t, rec)
	assert.Equal(t, "ready_to_handoff", frozen.Task.Status)
	assert.NotEmpty(t, frozen.Digest)
	assert.NotEmpty(t, frozen.HandoffMDPath)
}

func TestQuickDispatchBlockedCommand(t *testing.T) {
	rig := newRestRig(t)

	rec := rig.do(t, http.MethodPost, "/api/v1/quick", v1.QuickDispatchRequest{
		Operation: "query",
		Command:   "rm -rf build",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[v1.QuickDispatchResponse](t, rec)
	assert.False(t, res.Allowed)
	assert.NotEmpty(t, res.Reason)
}

func TestQuickDispatchRunsThroughBuilder(t *testing.T) {
	rig := newRestRig(t)

	rec := rig.do(t, http.MethodPost, "/api/v1/quick", v1.QuickDispatchRequest{
		Operation: "query",
		Command:   "ls -la",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[v1.QuickDispatchResponse](t, rec)
	assert.True(t, res.Allowed)
	assert.True(t, res.Success)
	assert.Equal(t, "file_a.go\nfile_b.go", res.Output)
	assert.Equal(t, "fake", res.Builder)
}

func TestInboxLifecycleOverREST(t *testing.T) {
	rig := newRestRig(t)

	rec := rig.do(t, http.MethodPost, "/api/v1/tasks", v1.CreateTaskRequest{Topic: "inbox", Intent: "poke the inbox"})
	require.Equal(t, http.StatusCreated, rec.Code)
	task := decode[v1.Task](t, rec)

	rec = rig.do(t, http.MethodPost, "/api/v1/tasks/"+task.ID+"/questions", v1.RaiseQuestionsRequest{
		Questions: []string{"green or blue?"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = rig.do(t, http.MethodGet, "/api/v1/inbox", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[struct {
		Items  []v1.InboxItem `json:"items"`
		Unread int            `json:"unread"`
	}](t, rec)
	require.Len(t, list.Items, 1)
	assert.Equal(t, 1, list.Unread)
	item := list.Items[0]
	assert.Equal(t, v1.SeverityInfo, item.Severity)

	rec = rig.do(t, http.MethodGet, "/api/v1/inbox/items/"+item.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[v1.InboxItem](t, rec)
	assert.Equal(t, task.ID, got.TaskID)

	rec = rig.do(t, http.MethodPost, "/api/v1/inbox/ack", v1.AcknowledgeRequest{ItemID: item.ID})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = rig.do(t, http.MethodGet, "/api/v1/inbox/unread", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	count := decode[struct {
		Unread int `json:"unread"`
	}](t, rec)
	assert.Equal(t, 0, count.Unread)
}

func TestAcknowledgeUnknownInboxItem(t *testing.T) {
	rig := newRestRig(t)

	rec := rig.do(t, http.MethodPost, "/api/v1/inbox/ack", v1.AcknowledgeRequest{ItemID: "missing"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListBuildersReportsHealth(t *testing.T) {
	rig := newRestRig(t)

	rec := rig.do(t, http.MethodGet, "/api/v1/builders", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[struct {
		Builders []v1.BuilderInfo `json:"builders"`
	}](t, rec)
	require.Len(t, list.Builders, 1)
	assert.Equal(t, "fake", list.Builders[0].Name)
	assert.True(t, list.Builders[0].Healthy)
	assert.True(t, list.Builders[0].Default)
}

func TestConversationFeedEndpoint(t *testing.T) {
	rig := newRestRig(t)

	rig.feed.Add("user", "create a task for the auth flow", "")
	rig.feed.Add("assistant", "created task auth-flow", "t1")

	rec := rig.do(t, http.MethodGet, "/api/v1/conversation", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[struct {
		Entries []v1.ConversationEntry `json:"entries"`
	}](t, rec)
	require.Len(t, list.Entries, 2)
	assert.Equal(t, "user", list.Entries[0].Role)

	rec = rig.do(t, http.MethodGet, "/api/v1/conversation?after_id=1", nil)
	list = decode[struct {
		Entries []v1.ConversationEntry `json:"entries"`
	}](t, rec)
	require.Len(t, list.Entries, 1)
	assert.Equal(t, "assistant", list.Entries[0].Role)
}

func TestHealthEndpoint(t *testing.T) {
	rig := newRestRig(t)

	rec := rig.do(t, http.MethodGet, "/api/v1/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	health := decode[v1.HealthResponse](t, rec)
	assert.Equal(t, "ok", health.Status)
	assert.False(t, health.Degraded)
}
