package builder

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/logabell/conversator/internal/common/errors"
	"github.com/logabell/conversator/internal/common/logger"
	"github.com/logabell/conversator/internal/events"
	"github.com/logabell/conversator/internal/events/bus"
	"github.com/logabell/conversator/internal/eventlog"
	"github.com/logabell/conversator/internal/prompt"
)

// Config tunes the dispatcher.
type Config struct {
	MaxSessions          int
	SessionCreateTimeout time.Duration
	SendTimeout          time.Duration
	AbortConfirmTimeout  time.Duration
	HealthPollInterval   time.Duration
	Stream               StreamOptions
}

func (c *Config) defaults() {
	if c.MaxSessions <= 0 {
		c.MaxSessions = 8
	}
	if c.SessionCreateTimeout <= 0 {
		c.SessionCreateTimeout = 15 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 30 * time.Second
	}
	if c.AbortConfirmTimeout <= 0 {
		c.AbortConfirmTimeout = 10 * time.Second
	}
	if c.HealthPollInterval <= 0 {
		c.HealthPollInterval = 30 * time.Second
	}
	c.Stream.defaults()
}

// TextSink receives assistant output text from live sessions, for the
// conversation feed.
type TextSink func(taskID, text string)

// DispatchResult reports the session a dispatch produced or matched.
type DispatchResult struct {
	SessionID     string
	DispatchToken string
	Existing      bool
}

type liveSession struct {
	taskID    string
	sessionID string
	builder   string
	adapter   Adapter

	cancel      context.CancelFunc
	done        chan struct{} // closed when the monitor exits
	remoteEnded chan struct{} // closed on any terminal remote observation
	endedOnce   sync.Once
}

// Dispatcher owns the builder session pool: it creates sessions for frozen
// tasks, streams their events into the log, aborts on cancel, and
// reconciles after a restart.
type Dispatcher struct {
	registry *Registry
	log      *eventlog.Log
	ws       *prompt.Workspace
	bus      bus.EventBus
	logg     *logger.Logger
	cfg      Config
	textSink TextSink

	mu     sync.Mutex
	active map[string]*liveSession
	slots  chan struct{}
	wg     sync.WaitGroup
}

// streamTunable is implemented by adapters whose stream reconnect behavior
// is configurable.
type streamTunable interface {
	SetStreamOptions(StreamOptions)
}

// NewDispatcher wires a dispatcher. eventBus may be nil.
func NewDispatcher(registry *Registry, log *eventlog.Log, ws *prompt.Workspace,
	eventBus bus.EventBus, cfg Config, logg *logger.Logger) *Dispatcher {
	cfg.defaults()
	for _, entry := range registry.Entries() {
		if adapter, err := registry.Get(entry.Name); err == nil {
			if tunable, ok := adapter.(streamTunable); ok {
				tunable.SetStreamOptions(cfg.Stream)
			}
		}
	}
	return &Dispatcher{
		registry: registry,
		log:      log,
		ws:       ws,
		bus:      eventBus,
		logg:     logg,
		cfg:      cfg,
		active:   make(map[string]*liveSession),
		slots:    make(chan struct{}, cfg.MaxSessions),
	}
}

// SetTextSink registers the conversation feed sink. Call during wiring.
func (d *Dispatcher) SetTextSink(sink TextSink) { d.textSink = sink }

// Token derives the dispatch token binding a task to the exact handoff
// content it was dispatched with.
func Token(taskID, handoffDigest string) string {
	sum := sha256.Sum256([]byte(taskID + ":" + handoffDigest))
	return hex.EncodeToString(sum[:])
}

// Dispatch hands a frozen task to a builder. Re-dispatching the same task
// with an unchanged handoff returns the existing session; a changed handoff
// on a live task is a conflict. A non-empty idemKey is recorded on the
// BuilderDispatched event so command retries can find it.
func (d *Dispatcher) Dispatch(ctx context.Context, taskID, builderName, idemKey string) (*DispatchResult, error) {
	snap := d.log.Snapshot()
	task := snap.Task(taskID)
	if task == nil {
		return nil, apperrors.NotFound("task", taskID)
	}

	digest, err := d.ws.HandoffDigest(task.Topic)
	if err != nil {
		return nil, apperrors.Conflict(fmt.Sprintf(
			"task %s has no frozen handoff to dispatch", taskID))
	}
	token := Token(taskID, digest)

	if task.SessionID != "" && !task.Status.Terminal() {
		if task.DispatchToken == token {
			return &DispatchResult{
				SessionID:     task.SessionID,
				DispatchToken: token,
				Existing:      true,
			}, nil
		}
		return nil, apperrors.Conflict(fmt.Sprintf(
			"task %s already has a live session for a different handoff", taskID))
	}
	if task.Status != eventlog.StatusReadyToHandoff {
		return nil, apperrors.Conflict(fmt.Sprintf(
			"task %s is %s, expected ready_to_handoff", taskID, task.Status))
	}

	if builderName == "" {
		builderName = d.registry.DefaultName()
	}
	adapter, err := d.registry.Get(builderName)
	if err != nil {
		return nil, err
	}

	select {
	case d.slots <- struct{}{}:
	default:
		return nil, apperrors.Busy("builder session pool is full")
	}
	release := func() { <-d.slots }

	_, handoffMD, err := d.ws.LoadHandoff(task.Topic)
	if err != nil {
		release()
		return nil, err
	}

	createCtx, cancelCreate := context.WithTimeout(ctx, d.cfg.SessionCreateTimeout)
	sessionID, err := adapter.CreateSession(createCtx)
	cancelCreate()
	if err != nil {
		release()
		return nil, apperrors.Wrap(err, "failed to create builder session")
	}

	sendCtx, cancelSend := context.WithTimeout(ctx, d.cfg.SendTimeout)
	err = adapter.SendMessage(sendCtx, sessionID, handoffMD)
	cancelSend()
	if err != nil {
		_ = adapter.Abort(context.Background(), sessionID)
		release()
		return nil, apperrors.Wrap(err, "failed to send handoff to builder")
	}

	ev := eventlog.Proposed(eventlog.TypeBuilderDispatched, taskID, map[string]interface{}{
		"builder":        builderName,
		"dispatch_token": token,
	}).WithRefs(eventlog.Refs{SessionID: sessionID})
	if idemKey != "" {
		ev = ev.WithIdempotencyKey(idemKey)
	}
	if _, err := d.log.Append(ctx, ev); err != nil {
		_ = adapter.Abort(context.Background(), sessionID)
		release()
		return nil, err
	}

	d.startMonitor(taskID, sessionID, builderName, adapter, release)

	d.logg.Info("task dispatched",
		zap.String("task_id", taskID),
		zap.String("session_id", sessionID),
		zap.String("builder", builderName))

	return &DispatchResult{SessionID: sessionID, DispatchToken: token}, nil
}

func (d *Dispatcher) startMonitor(taskID, sessionID, builderName string, adapter Adapter, release func()) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &liveSession{
		taskID:      taskID,
		sessionID:   sessionID,
		builder:     builderName,
		adapter:     adapter,
		cancel:      cancel,
		done:        make(chan struct{}),
		remoteEnded: make(chan struct{}),
	}

	d.mu.Lock()
	d.active[taskID] = s
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			close(s.done)
			release()
			d.mu.Lock()
			if d.active[taskID] == s {
				delete(d.active, taskID)
			}
			d.mu.Unlock()
		}()
		d.monitor(ctx, s)
	}()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.healthLoop(ctx, s)
	}()
}

// healthLoop polls the backend while the event stream runs. It catches a
// backend that dropped the session while keeping its event endpoint up,
// which the stream alone cannot detect.
func (d *Dispatcher) healthLoop(ctx context.Context, s *liveSession) {
	ticker := time.NewTicker(d.cfg.HealthPollInterval)
	defer ticker.Stop()

	misses := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.remoteEnded:
			return
		case <-ticker.C:
		}

		hctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		health, err := s.adapter.Health(hctx)
		cancel()

		if err != nil || !health.Healthy {
			misses++
			if misses < 3 {
				continue
			}
			d.logg.Warn("builder unreachable during live session",
				zap.String("task_id", s.taskID),
				zap.String("session_id", s.sessionID), zap.Error(err))
			s.markEnded()
			d.markLost(s, "builder unreachable during session")
			s.cancel()
			return
		}
		misses = 0

		if health.Sessions[s.sessionID] == "" {
			s.markEnded()
			d.markLost(s, "session no longer known to builder")
			s.cancel()
			return
		}
	}
}

func (d *Dispatcher) monitor(ctx context.Context, s *liveSession) {
	events, err := s.adapter.StreamEvents(ctx, s.sessionID)
	if err != nil {
		d.appendTerminalFailure(s, "failed to open builder event stream: "+err.Error())
		return
	}

	for ev := range events {
		switch ev.Kind {
		case EventStatus:
			d.appendSessionEvent(s, eventlog.TypeBuilderStatusChanged, map[string]interface{}{
				"new_status": ev.Status,
			}, eventlog.Refs{SessionID: s.sessionID})
			d.publishBuilderStatus(s, ev.Status)

		case EventGateRequested:
			// Some backends ask for permission before ever reporting a
			// running status.
			d.ensureRunning(s)
			d.appendSessionEvent(s, eventlog.TypeGateRequested, map[string]interface{}{
				"gate_id": ev.GateID,
				"prompt":  ev.GatePrompt,
			}, eventlog.Refs{SessionID: s.sessionID})

		case EventArtifact:
			d.appendSessionEvent(s, eventlog.TypeBuilderStatusChanged, map[string]interface{}{
				"new_status":    "running",
				"artifact_kind": ev.ArtifactKind,
			}, eventlog.Refs{SessionID: s.sessionID, ArtifactPath: ev.ArtifactPath})

		case EventText:
			if d.textSink != nil {
				d.textSink(s.taskID, ev.Text)
			}

		case EventCompleted:
			s.markEnded()
			d.ensureRunning(s)
			d.appendSessionEvent(s, eventlog.TypeBuildCompleted, nil,
				eventlog.Refs{SessionID: s.sessionID})
			d.publishBuilderStatus(s, "done")
			return

		case EventFailed:
			s.markEnded()
			d.appendSessionEvent(s, eventlog.TypeBuildFailed, map[string]interface{}{
				"reason": ev.Reason,
			}, eventlog.Refs{SessionID: s.sessionID})
			d.publishBuilderStatus(s, "failed")
			return

		case EventLost:
			s.markEnded()
			d.appendSessionEvent(s, eventlog.TypeBuilderStatusChanged, map[string]interface{}{
				"new_status": "lost",
			}, eventlog.Refs{SessionID: s.sessionID})
			d.appendTerminalFailure(s, "builder session lost: "+ev.Reason)
			d.publishBuilderStatus(s, "lost")
			return
		}
	}
	// Stream closed without a terminal event: abort or shutdown path.
	s.markEnded()
}

// ensureRunning bridges handed_off straight to a terminal event: some
// backends never report an explicit running status before finishing.
func (d *Dispatcher) ensureRunning(s *liveSession) {
	snap := d.log.Snapshot()
	task := snap.Task(s.taskID)
	if task != nil && task.Status == eventlog.StatusHandedOff {
		d.appendSessionEvent(s, eventlog.TypeBuilderStatusChanged, map[string]interface{}{
			"new_status": "running",
		}, eventlog.Refs{SessionID: s.sessionID})
	}
}

// appendSessionEvent appends on behalf of a live session, tolerating the
// races that follow cancellation: a conflict against an already terminal
// task is expected and dropped.
func (d *Dispatcher) appendSessionEvent(s *liveSession, t eventlog.EventType,
	payload map[string]interface{}, refs eventlog.Refs) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ev := eventlog.Proposed(t, s.taskID, payload).WithRefs(refs)
	if _, err := d.log.Append(ctx, ev); err != nil {
		if apperrors.IsConflict(err) {
			d.logg.Debug("session event dropped against terminal task",
				zap.String("task_id", s.taskID), zap.String("type", string(t)))
			return
		}
		d.logg.Error("failed to append session event",
			zap.String("task_id", s.taskID),
			zap.String("type", string(t)), zap.Error(err))
	}
}

func (d *Dispatcher) appendTerminalFailure(s *liveSession, reason string) {
	d.appendSessionEvent(s, eventlog.TypeBuildFailed, map[string]interface{}{
		"reason": reason,
	}, eventlog.Refs{SessionID: s.sessionID})
}

func (d *Dispatcher) publishBuilderStatus(s *liveSession, status string) {
	if d.bus == nil {
		return
	}
	ev := bus.NewEvent("builder.status", "dispatcher", map[string]interface{}{
		"task_id":    s.taskID,
		"session_id": s.sessionID,
		"builder":    s.builder,
		"status":     status,
	})
	if err := d.bus.Publish(context.Background(), events.BuildBuilderStatusSubject(s.sessionID), ev); err != nil {
		d.logg.Warn("builder status publish failed", zap.Error(err))
	}
}

func (s *liveSession) markEnded() {
	s.endedOnce.Do(func() { close(s.remoteEnded) })
}

// Abort stops a task's live session and reports whether the backend
// confirmed the stop within the configured window.
func (d *Dispatcher) Abort(ctx context.Context, taskID string) (bool, error) {
	d.mu.Lock()
	s := d.active[taskID]
	d.mu.Unlock()
	if s == nil {
		return true, nil
	}

	_ = s.adapter.Abort(ctx, s.sessionID)

	confirmed := false
	select {
	case <-s.remoteEnded:
		confirmed = true
	case <-time.After(d.cfg.AbortConfirmTimeout):
	case <-ctx.Done():
	}

	s.cancel()
	return confirmed, nil
}

// ResolveGate forwards a gate decision to the backend holding the session,
// when its adapter supports that.
func (d *Dispatcher) ResolveGate(ctx context.Context, taskID, gateID string, approve bool, note string) error {
	d.mu.Lock()
	s := d.active[taskID]
	d.mu.Unlock()
	if s == nil {
		return nil
	}
	resolver, ok := s.adapter.(GateResolver)
	if !ok {
		return nil
	}
	return resolver.ResolveGate(ctx, s.sessionID, gateID, approve, note)
}

// SessionCount reports live sessions, for health and the builder list.
func (d *Dispatcher) SessionCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.active)
}

// Reconcile runs once at boot: every task the log says is in flight gets
// checked against its backend, then resumed, closed out, or marked lost.
func (d *Dispatcher) Reconcile(ctx context.Context) {
	snap := d.log.Snapshot()
	for _, task := range snap.Tasks {
		switch task.Status {
		case eventlog.StatusHandedOff, eventlog.StatusRunning, eventlog.StatusAwaitingGate:
		default:
			continue
		}
		d.reconcileTask(ctx, task)
	}
}

func (d *Dispatcher) reconcileTask(ctx context.Context, task *eventlog.Task) {
	logg := d.logg.WithTaskID(task.ID)
	s := &liveSession{taskID: task.ID, sessionID: task.SessionID}

	adapter, err := d.registry.Get(task.BuilderKind)
	if err != nil {
		logg.Warn("reconcile: builder no longer registered",
			zap.String("builder", task.BuilderKind))
		d.markLost(s, "builder not registered after restart")
		return
	}

	health, err := adapter.Health(ctx)
	if err != nil || !health.Healthy {
		logg.Warn("reconcile: builder unreachable", zap.Error(err))
		d.markLost(s, "builder unreachable after restart")
		return
	}

	switch health.Sessions[task.SessionID] {
	case "running", "paused", "busy":
		logg.Info("reconcile: resuming session monitor",
			zap.String("session_id", task.SessionID))
		select {
		case d.slots <- struct{}{}:
		default:
			d.markLost(s, "session pool exhausted during reconcile")
			return
		}
		d.startMonitor(task.ID, task.SessionID, task.BuilderKind, adapter,
			func() { <-d.slots })

	case "done", "completed", "idle":
		logg.Info("reconcile: session finished while offline",
			zap.String("session_id", task.SessionID))
		d.appendSessionEvent(s, eventlog.TypeBuilderStatusChanged, map[string]interface{}{
			"new_status": "running",
			"reconciled": true,
		}, eventlog.Refs{SessionID: task.SessionID})
		d.appendSessionEvent(s, eventlog.TypeBuildCompleted, map[string]interface{}{
			"reconciled": true,
		}, eventlog.Refs{SessionID: task.SessionID})

	case "failed", "error":
		d.appendSessionEvent(s, eventlog.TypeBuildFailed, map[string]interface{}{
			"reason":     "session reported failed on reconcile",
			"reconciled": true,
		}, eventlog.Refs{SessionID: task.SessionID})

	default:
		logg.Warn("reconcile: session unknown to builder",
			zap.String("session_id", task.SessionID))
		d.markLost(s, "session unknown to builder after restart")
	}
}

func (d *Dispatcher) markLost(s *liveSession, reason string) {
	d.appendSessionEvent(s, eventlog.TypeBuilderStatusChanged, map[string]interface{}{
		"new_status": "lost",
	}, eventlog.Refs{SessionID: s.sessionID})
	d.appendTerminalFailure(s, reason)
}

// Close cancels all monitors and waits for them to exit.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	for _, s := range d.active {
		s.cancel()
	}
	d.mu.Unlock()
	d.wg.Wait()
}
