package builder

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/logabell/conversator/internal/common/errors"
	"github.com/logabell/conversator/internal/common/logger"
	"github.com/logabell/conversator/internal/eventlog"
	"github.com/logabell/conversator/internal/prompt"
)

type fakeAdapter struct {
	mu        sync.Mutex
	nextID    int
	events    chan Event
	aborted   []string
	abortEnds bool
	health    *Health
	gateCalls []string
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		events: make(chan Event, 16),
		health: &Health{Healthy: true, Sessions: map[string]string{}},
	}
}

func (f *fakeAdapter) Kind() string { return "fake" }

func (f *fakeAdapter) CreateSession(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	return "fake-session-" + string(rune('0'+f.nextID)), nil
}

func (f *fakeAdapter) SendMessage(ctx context.Context, sessionID, text string) error {
	return nil
}

func (f *fakeAdapter) StreamEvents(ctx context.Context, sessionID string) (<-chan Event, error) {
	out := make(chan Event, 16)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-f.events:
				if !ok {
					return
				}
				ev.SessionID = sessionID
				out <- ev
				if ev.Kind == EventCompleted || ev.Kind == EventFailed || ev.Kind == EventLost {
					return
				}
			}
		}
	}()
	return out, nil
}

func (f *fakeAdapter) Abort(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	f.aborted = append(f.aborted, sessionID)
	ends := f.abortEnds
	f.mu.Unlock()
	if ends {
		close(f.events)
	}
	return nil
}

func (f *fakeAdapter) Health(ctx context.Context) (*Health, error) {
	return f.health, nil
}

func (f *fakeAdapter) ResolveGate(ctx context.Context, sessionID, gateID string, approve bool, note string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gateCalls = append(f.gateCalls, gateID)
	return nil
}

type testRig struct {
	log  *eventlog.Log
	ws   *prompt.Workspace
	disp *Dispatcher
	fake *fakeAdapter
}

func newTestRig(t *testing.T, cfg Config) *testRig {
	t.Helper()
	logg, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	dir := t.TempDir()
	store, err := eventlog.OpenStore(filepath.Join(dir, "events.db"), logg)
	require.NoError(t, err)
	log, err := eventlog.Open(store, nil, eventlog.Options{}, logg)
	require.NoError(t, err)

	ws, err := prompt.NewWorkspace(dir, logg)
	require.NoError(t, err)

	fake := newFakeAdapter()
	registry := &Registry{
		entries:  []*Entry{{Name: "fake", Kind: "fake", Default: true}},
		adapters: map[string]Adapter{"fake": fake},
		def:      "fake",
	}

	disp := NewDispatcher(registry, log, ws, nil, cfg, logg)
	t.Cleanup(func() {
		disp.Close()
		log.Close()
		store.Close()
	})
	return &testRig{log: log, ws: ws, disp: disp, fake: fake}
}

// readyTask creates a task, freezes its topic, and walks it to
// ready_to_handoff.
func (r *testRig) readyTask(t *testing.T, taskID, topic string) {
	t.Helper()
	ctx := context.Background()

	_, err := r.log.Append(ctx, eventlog.Proposed(eventlog.TypeTaskCreated, taskID,
		map[string]interface{}{"topic": topic, "title": "Test task"}))
	require.NoError(t, err)
	_, err = r.log.Append(ctx, eventlog.Proposed(eventlog.TypeWorkingPromptUpdated, taskID, nil))
	require.NoError(t, err)

	_, err = r.ws.UpdateWorking(topic, prompt.Update{Intent: "Do the thing"})
	require.NoError(t, err)
	res, err := r.ws.Freeze(topic)
	require.NoError(t, err)

	_, err = r.log.Append(ctx, eventlog.Proposed(eventlog.TypeHandoffFrozen, taskID,
		map[string]interface{}{
			"handoff_md_path":   res.HandoffMDPath,
			"handoff_json_path": res.HandoffJSONPath,
		}))
	require.NoError(t, err)
}

func (r *testRig) taskStatus(taskID string) eventlog.TaskStatus {
	task := r.log.Snapshot().Task(taskID)
	if task == nil {
		return ""
	}
	return task.Status
}

func TestDispatchRunsTaskToCompletion(t *testing.T) {
	rig := newTestRig(t, Config{})
	rig.readyTask(t, "t1", "auth")

	res, err := rig.disp.Dispatch(context.Background(), "t1", "", "")
	require.NoError(t, err)
	assert.False(t, res.Existing)
	assert.NotEmpty(t, res.SessionID)
	assert.Equal(t, eventlog.StatusHandedOff, rig.taskStatus("t1"))

	rig.fake.events <- Event{Kind: EventStatus, Status: "running"}
	require.Eventually(t, func() bool {
		return rig.taskStatus("t1") == eventlog.StatusRunning
	}, 2*time.Second, 10*time.Millisecond)

	rig.fake.events <- Event{Kind: EventCompleted}
	require.Eventually(t, func() bool {
		return rig.taskStatus("t1") == eventlog.StatusDone
	}, 2*time.Second, 10*time.Millisecond)

	sess := rig.log.Snapshot().Session(res.SessionID)
	require.NotNil(t, sess)
	assert.Equal(t, eventlog.SessionDone, sess.Status)
}

func TestDispatchCompletionWithoutRunningStatus(t *testing.T) {
	rig := newTestRig(t, Config{})
	rig.readyTask(t, "t1", "auth")

	_, err := rig.disp.Dispatch(context.Background(), "t1", "", "")
	require.NoError(t, err)

	// Terminal event arrives straight from handed_off.
	rig.fake.events <- Event{Kind: EventCompleted}
	require.Eventually(t, func() bool {
		return rig.taskStatus("t1") == eventlog.StatusDone
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDispatchDuplicateReturnsExistingSession(t *testing.T) {
	rig := newTestRig(t, Config{})
	rig.readyTask(t, "t1", "auth")

	first, err := rig.disp.Dispatch(context.Background(), "t1", "", "")
	require.NoError(t, err)

	second, err := rig.disp.Dispatch(context.Background(), "t1", "", "")
	require.NoError(t, err)
	assert.True(t, second.Existing)
	assert.Equal(t, first.SessionID, second.SessionID)
	assert.Equal(t, first.DispatchToken, second.DispatchToken)
}

func TestDispatchUnfrozenTaskRejected(t *testing.T) {
	rig := newTestRig(t, Config{})
	_, err := rig.log.Append(context.Background(),
		eventlog.Proposed(eventlog.TypeTaskCreated, "t1", map[string]interface{}{"topic": "auth"}))
	require.NoError(t, err)

	_, err = rig.disp.Dispatch(context.Background(), "t1", "", "")
	require.Error(t, err)
	assert.True(t, apperrors.IsConflict(err))
}

func TestDispatchPoolExhaustionIsBusy(t *testing.T) {
	rig := newTestRig(t, Config{MaxSessions: 1})
	rig.readyTask(t, "t1", "auth")
	rig.readyTask(t, "t2", "billing")

	_, err := rig.disp.Dispatch(context.Background(), "t1", "", "")
	require.NoError(t, err)

	_, err = rig.disp.Dispatch(context.Background(), "t2", "", "")
	require.Error(t, err)
	assert.True(t, apperrors.IsBusy(err))
}

func TestGateFlow(t *testing.T) {
	rig := newTestRig(t, Config{})
	rig.readyTask(t, "t1", "auth")

	_, err := rig.disp.Dispatch(context.Background(), "t1", "", "")
	require.NoError(t, err)

	rig.fake.events <- Event{Kind: EventStatus, Status: "running"}
	rig.fake.events <- Event{Kind: EventGateRequested, GateID: "g1", GatePrompt: "Run tests?"}
	require.Eventually(t, func() bool {
		return rig.taskStatus("t1") == eventlog.StatusAwaitingGate
	}, 2*time.Second, 10*time.Millisecond)

	task := rig.log.Snapshot().Task("t1")
	assert.Equal(t, "g1", task.PendingGateID)

	require.NoError(t, rig.disp.ResolveGate(context.Background(), "t1", "g1", true, ""))
	rig.fake.mu.Lock()
	gateCalls := append([]string(nil), rig.fake.gateCalls...)
	rig.fake.mu.Unlock()
	assert.Equal(t, []string{"g1"}, gateCalls)
}

func TestGateRequestBeforeRunningStatus(t *testing.T) {
	rig := newTestRig(t, Config{})
	rig.readyTask(t, "t1", "auth")

	_, err := rig.disp.Dispatch(context.Background(), "t1", "", "")
	require.NoError(t, err)

	// Permission request arrives straight from handed_off.
	rig.fake.events <- Event{Kind: EventGateRequested, GateID: "g1", GatePrompt: "Write files?"}
	require.Eventually(t, func() bool {
		return rig.taskStatus("t1") == eventlog.StatusAwaitingGate
	}, 2*time.Second, 10*time.Millisecond)

	task := rig.log.Snapshot().Task("t1")
	assert.Equal(t, "g1", task.PendingGateID)
}

func TestBuilderFailureFailsTask(t *testing.T) {
	rig := newTestRig(t, Config{})
	rig.readyTask(t, "t1", "auth")

	_, err := rig.disp.Dispatch(context.Background(), "t1", "", "")
	require.NoError(t, err)

	rig.fake.events <- Event{Kind: EventStatus, Status: "running"}
	rig.fake.events <- Event{Kind: EventFailed, Reason: "compile error"}

	require.Eventually(t, func() bool {
		return rig.taskStatus("t1") == eventlog.StatusFailed
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "compile error", rig.log.Snapshot().Task("t1").FailureReason)
}

func TestLostSessionFailsTask(t *testing.T) {
	rig := newTestRig(t, Config{})
	rig.readyTask(t, "t1", "auth")

	_, err := rig.disp.Dispatch(context.Background(), "t1", "", "")
	require.NoError(t, err)

	rig.fake.events <- Event{Kind: EventLost, Reason: "event stream unreachable"}
	require.Eventually(t, func() bool {
		return rig.taskStatus("t1") == eventlog.StatusFailed
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHealthPollMarksVanishedSessionLost(t *testing.T) {
	rig := newTestRig(t, Config{HealthPollInterval: 20 * time.Millisecond})
	rig.readyTask(t, "t1", "auth")

	// The backend stays healthy but never lists the session, so the
	// poll catches the drop even though the stream stays silent.
	_, err := rig.disp.Dispatch(context.Background(), "t1", "", "")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return rig.taskStatus("t1") == eventlog.StatusFailed
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAbortConfirmed(t *testing.T) {
	rig := newTestRig(t, Config{AbortConfirmTimeout: 2 * time.Second})
	rig.fake.abortEnds = true
	rig.readyTask(t, "t1", "auth")

	res, err := rig.disp.Dispatch(context.Background(), "t1", "", "")
	require.NoError(t, err)

	confirmed, err := rig.disp.Abort(context.Background(), "t1")
	require.NoError(t, err)
	assert.True(t, confirmed)
	assert.Contains(t, rig.fake.aborted, res.SessionID)
}

func TestAbortUnconfirmed(t *testing.T) {
	rig := newTestRig(t, Config{AbortConfirmTimeout: 100 * time.Millisecond})
	rig.readyTask(t, "t1", "auth")

	_, err := rig.disp.Dispatch(context.Background(), "t1", "", "")
	require.NoError(t, err)

	confirmed, err := rig.disp.Abort(context.Background(), "t1")
	require.NoError(t, err)
	assert.False(t, confirmed)
}

func TestReconcileSynthesizesCompletion(t *testing.T) {
	rig := newTestRig(t, Config{})
	rig.readyTask(t, "t1", "auth")

	// The log says a session is in flight, the backend says it finished.
	_, err := rig.log.Append(context.Background(),
		eventlog.Proposed(eventlog.TypeBuilderDispatched, "t1", map[string]interface{}{
			"builder": "fake", "dispatch_token": "tok",
		}).WithRefs(eventlog.Refs{SessionID: "s-old"}))
	require.NoError(t, err)
	rig.fake.health.Sessions["s-old"] = "done"

	rig.disp.Reconcile(context.Background())
	assert.Equal(t, eventlog.StatusDone, rig.taskStatus("t1"))
}

func TestReconcileMarksUnknownSessionLost(t *testing.T) {
	rig := newTestRig(t, Config{})
	rig.readyTask(t, "t1", "auth")

	_, err := rig.log.Append(context.Background(),
		eventlog.Proposed(eventlog.TypeBuilderDispatched, "t1", map[string]interface{}{
			"builder": "fake", "dispatch_token": "tok",
		}).WithRefs(eventlog.Refs{SessionID: "s-gone"}))
	require.NoError(t, err)

	rig.disp.Reconcile(context.Background())
	task := rig.log.Snapshot().Task("t1")
	assert.Equal(t, eventlog.StatusFailed, task.Status)
	assert.Contains(t, task.FailureReason, "unknown to builder")
}

func TestTokenBindsTaskAndDigest(t *testing.T) {
	a := Token("t1", "digest-a")
	b := Token("t1", "digest-b")
	c := Token("t2", "digest-a")
	assert.NotEqual(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}
