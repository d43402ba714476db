package eventlog

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/logabell/conversator/internal/common/errors"
	"github.com/logabell/conversator/internal/common/logger"
	"github.com/logabell/conversator/internal/events"
	"github.com/logabell/conversator/internal/events/bus"
)

// Deriver produces inbox items for an event. Items are persisted in the same
// transaction as the event. A nil return means no notification.
type Deriver func(ev *Event) []*InboxItem

// Options tunes the log. Zero values fall back to the defaults below.
type Options struct {
	// PendingHighWater caps the append queue; appends beyond it fail Busy.
	PendingHighWater int
	// SubscriberBuffer sizes each subscription's delivery channel.
	SubscriberBuffer int
	// MaxWriteFailures is the consecutive-failure count that flips the log
	// into degraded read-only mode.
	MaxWriteFailures int
}

func (o *Options) defaults() {
	if o.PendingHighWater <= 0 {
		o.PendingHighWater = 1024
	}
	if o.SubscriberBuffer <= 0 {
		o.SubscriberBuffer = 256
	}
	if o.MaxWriteFailures <= 0 {
		o.MaxWriteFailures = 3
	}
}

type appendReq struct {
	ev     *Event
	result chan appendResult
}

type appendResult struct {
	ev  *Event
	err error
}

// Log is the append-only event log. A single writer goroutine owns all
// mutations; everything else reads snapshots or subscribes to the stream.
type Log struct {
	store *Store
	log   *logger.Logger
	bus   bus.EventBus
	opts  Options

	mu      sync.RWMutex
	state   *State
	seq     int64
	idem    map[string]*Event
	subs    map[int64]*Subscription
	nextSub int64

	deriver Deriver

	pending  chan *appendReq
	failures int
	degraded atomic.Bool

	done      chan struct{}
	writerRun sync.WaitGroup
	closeOnce sync.Once
}

// Open loads the persisted stream, rebuilds the projection, and starts the
// writer. The returned log is ready to serve.
func Open(store *Store, eventBus bus.EventBus, opts Options, log *logger.Logger) (*Log, error) {
	opts.defaults()

	l := &Log{
		store:   store,
		log:     log,
		bus:     eventBus,
		opts:    opts,
		state:   NewState(),
		idem:    make(map[string]*Event),
		subs:    make(map[int64]*Subscription),
		pending: make(chan *appendReq, opts.PendingHighWater),
		done:    make(chan struct{}),
	}

	persisted, err := store.LoadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to replay event log: %w", err)
	}
	for _, ev := range persisted {
		l.state.Apply(ev)
		l.seq = ev.Seq
		if ev.IdempotencyKey != "" {
			l.idem[ev.IdempotencyKey] = ev
		}
	}
	log.Info("event log replayed",
		zap.Int("events", len(persisted)), zap.Int64("last_seq", l.seq))

	l.writerRun.Add(1)
	go l.writer()
	return l, nil
}

// SetDeriver registers the inbox deriver. Must be called before the first
// Append; typically during wiring.
func (l *Log) SetDeriver(d Deriver) { l.deriver = d }

// Close stops the writer and closes all subscriptions. Pending appends are
// drained before shutdown.
func (l *Log) Close() {
	l.closeOnce.Do(func() {
		close(l.done)
		l.writerRun.Wait()
		l.mu.Lock()
		for _, sub := range l.subs {
			sub.close()
		}
		l.subs = map[int64]*Subscription{}
		l.mu.Unlock()
	})
}

// Degraded reports whether the log has entered read-only mode after repeated
// write failures.
func (l *Log) Degraded() bool { return l.degraded.Load() }

// LastSeq returns the seq of the most recent event.
func (l *Log) LastSeq() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.seq
}

// Append validates, persists, applies, and publishes one event. It blocks
// until the writer has processed the event or ctx is done. When the pending
// queue is full the call fails fast with a Busy error.
func (l *Log) Append(ctx context.Context, ev *Event) (*Event, error) {
	if l.degraded.Load() {
		return nil, apperrors.ServiceUnavailable("event log")
	}

	req := &appendReq{ev: ev, result: make(chan appendResult, 1)}
	select {
	case l.pending <- req:
	default:
		return nil, apperrors.Busy("event log append queue is full")
	}

	select {
	case res := <-req.result:
		return res.ev, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *Log) writer() {
	defer l.writerRun.Done()
	for {
		select {
		case req := <-l.pending:
			req.result <- l.process(req.ev)
		case <-l.done:
			// Drain what is already queued.
			for {
				select {
				case req := <-l.pending:
					req.result <- l.process(req.ev)
				default:
					return
				}
			}
		}
	}
}

func (l *Log) process(ev *Event) appendResult {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.degraded.Load() {
		return appendResult{err: apperrors.ServiceUnavailable("event log")}
	}

	if ev.IdempotencyKey != "" {
		if prior, ok := l.idem[ev.IdempotencyKey]; ok {
			return appendResult{ev: prior, err: apperrors.Duplicate(fmt.Sprintf(
				"event already appended at seq %d", prior.Seq))}
		}
	}

	if err := validate(l.state, ev); err != nil {
		return appendResult{err: err}
	}

	ev.Seq = l.seq + 1
	ev.Time = time.Now().UTC()

	var items []*InboxItem
	if l.deriver != nil {
		items = l.deriver(ev)
	}

	if err := l.store.AppendTx(ev, items); err != nil {
		l.failures++
		l.log.Error("event append failed",
			zap.String("type", string(ev.Type)),
			zap.String("task_id", ev.TaskID),
			zap.Int("failures", l.failures),
			zap.Error(err))
		if l.failures >= l.opts.MaxWriteFailures {
			l.degraded.Store(true)
			l.log.Error("event log entering read-only mode",
				zap.Int("consecutive_failures", l.failures))
		}
		return appendResult{err: apperrors.InternalError("failed to persist event", err)}
	}
	l.failures = 0

	l.seq = ev.Seq
	l.state.Apply(ev)
	if ev.IdempotencyKey != "" {
		l.idem[ev.IdempotencyKey] = ev
	}

	for _, sub := range l.subs {
		sub.push(ev)
	}

	if l.bus != nil {
		subject := events.BuildTaskEventSubject(ev.TaskID)
		if ev.TaskID == "" {
			subject = events.SubjectTaskEvent
		}
		busEv := bus.NewEvent(string(ev.Type), "eventlog", ev)
		go func() {
			if err := l.bus.Publish(context.Background(), subject, busEv); err != nil {
				l.log.Warn("event bus publish failed",
					zap.String("subject", subject), zap.Error(err))
			}
		}()
	}

	return appendResult{ev: ev}
}

// Snapshot returns a point-in-time copy of the derived state: tasks,
// sessions, topics, and the last assigned seq. The inbox is not part of the
// in-memory projection; its rows change outside the event stream (delivery
// and acknowledgement timestamps), so Store is the authority for inbox reads.
func (l *Log) Snapshot() *Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state.snapshot()
}

// Events reads persisted events with seq greater than afterSeq, up to limit
// (0 means no limit).
func (l *Log) Events(afterSeq int64, limit int) ([]*Event, error) {
	return l.store.LoadRange(afterSeq, limit)
}

// Store exposes the underlying store for inbox reads and acknowledgements.
func (l *Log) Store() *Store { return l.store }

// Subscribe returns a subscription delivering every event with seq greater
// than afterSeq, in order and without gaps, followed by the live tail.
func (l *Log) Subscribe(afterSeq int64) (*Subscription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	backlog, err := l.store.LoadRange(afterSeq, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to load subscription backlog: %w", err)
	}

	l.nextSub++
	id := l.nextSub
	sub := newSubscription(id, l.opts.SubscriberBuffer, func() {
		l.mu.Lock()
		delete(l.subs, id)
		l.mu.Unlock()
	})
	for _, ev := range backlog {
		sub.push(ev)
	}
	l.subs[id] = sub
	return sub, nil
}

// Subscription is an ordered, lossless view of the event stream. The
// internal queue grows without bound rather than dropping events; consumers
// that fall behind cost memory, not correctness.
type Subscription struct {
	id     int64
	ch     chan *Event
	cancel func()

	mu        sync.Mutex
	queue     []*Event
	notify    chan struct{}
	stop      chan struct{}
	closeStop sync.Once
}

func newSubscription(id int64, buffer int, cancel func()) *Subscription {
	s := &Subscription{
		id:     id,
		ch:     make(chan *Event, buffer),
		notify: make(chan struct{}, 1),
		stop:   make(chan struct{}),
		cancel: cancel,
	}
	go s.pump()
	return s
}

// Events is the delivery channel. It is closed when the subscription ends.
func (s *Subscription) Events() <-chan *Event { return s.ch }

// Close detaches the subscription from the log and closes Events.
func (s *Subscription) Close() {
	s.cancel()
	s.close()
}

func (s *Subscription) close() {
	s.closeStop.Do(func() { close(s.stop) })
}

func (s *Subscription) push(ev *Event) {
	select {
	case <-s.stop:
		return
	default:
	}
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription) pump() {
	defer close(s.ch)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.notify:
				continue
			case <-s.stop:
				return
			}
		}
		ev := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
		select {
		case s.ch <- ev:
		case <-s.stop:
			return
		}
	}
}
