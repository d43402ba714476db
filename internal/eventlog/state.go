package eventlog

import (
	"time"
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	StatusDraft          TaskStatus = "draft"
	StatusRefining       TaskStatus = "refining"
	StatusAwaitingUser   TaskStatus = "awaiting_user"
	StatusReadyToHandoff TaskStatus = "ready_to_handoff"
	StatusHandedOff      TaskStatus = "handed_off"
	StatusRunning        TaskStatus = "running"
	StatusAwaitingGate   TaskStatus = "awaiting_gate"
	StatusDone           TaskStatus = "done"
	StatusFailed         TaskStatus = "failed"
	StatusCanceled       TaskStatus = "canceled"
)

// Terminal reports whether the status admits no further transitions.
func (s TaskStatus) Terminal() bool {
	return s == StatusDone || s == StatusFailed || s == StatusCanceled
}

// SessionStatus is the lifecycle state of a builder session as the log has
// observed it.
type SessionStatus string

const (
	SessionStarting SessionStatus = "starting"
	SessionRunning  SessionStatus = "running"
	SessionPaused   SessionStatus = "paused"
	SessionLost     SessionStatus = "lost"
	SessionDone     SessionStatus = "done"
	SessionFailed   SessionStatus = "failed"
	SessionAborted  SessionStatus = "aborted"
)

// Task is the derived view of one task. All fields are rebuilt from the
// event stream on replay.
type Task struct {
	ID             string     `json:"id"`
	Topic          string     `json:"topic"`
	Title          string     `json:"title"`
	Status         TaskStatus `json:"status"`
	ExternalTaskID string     `json:"external_task_id,omitempty"`
	SessionID      string     `json:"session_id,omitempty"`
	BuilderKind    string     `json:"builder_kind,omitempty"`
	DispatchToken  string     `json:"dispatch_token,omitempty"`
	OpenQuestions  []string   `json:"open_questions,omitempty"`
	PendingGateID  string     `json:"pending_gate_id,omitempty"`
	FailureReason  string     `json:"failure_reason,omitempty"`
	CancelPending  bool       `json:"cancel_pending,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	LastEventSeq   int64      `json:"last_event_seq"`
}

func (t *Task) clone() *Task {
	cp := *t
	if t.OpenQuestions != nil {
		cp.OpenQuestions = append([]string(nil), t.OpenQuestions...)
	}
	return &cp
}

// Artifact is a file a builder session produced, recorded by path only.
type Artifact struct {
	Kind      string    `json:"kind"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"created_at"`
}

// Session is the derived view of one builder session.
type Session struct {
	ID        string        `json:"id"`
	TaskID    string        `json:"task_id"`
	Builder   string        `json:"builder"`
	Status    SessionStatus `json:"status"`
	StartedAt time.Time     `json:"started_at"`
	EndedAt   time.Time     `json:"ended_at,omitempty"`
	Artifacts []Artifact    `json:"artifacts,omitempty"`
}

func (s *Session) clone() *Session {
	cp := *s
	if s.Artifacts != nil {
		cp.Artifacts = append([]Artifact(nil), s.Artifacts...)
	}
	return &cp
}

// Terminal reports whether the session has finished.
func (s *Session) Terminal() bool {
	return s.Status == SessionDone || s.Status == SessionFailed || s.Status == SessionAborted
}

// Topic is the derived view of a prompt-workspace topic.
type Topic struct {
	Slug            string    `json:"slug"`
	Frozen          bool      `json:"frozen"`
	HandoffMDPath   string    `json:"handoff_md_path,omitempty"`
	HandoffJSONPath string    `json:"handoff_json_path,omitempty"`
	FrozenAt        time.Time `json:"frozen_at,omitempty"`
}

// State is the in-memory projection of the event stream. It is owned by the
// Log; all access from outside is through copies handed out by Snapshot.
type State struct {
	Tasks    map[string]*Task
	Sessions map[string]*Session
	Topics   map[string]*Topic
	LastSeq  int64
}

// NewState returns an empty projection.
func NewState() *State {
	return &State{
		Tasks:    make(map[string]*Task),
		Sessions: make(map[string]*Session),
		Topics:   make(map[string]*Topic),
	}
}

// Apply folds one event into the projection. Apply assumes the event already
// passed validation; it never rejects.
func (st *State) Apply(ev *Event) {
	st.LastSeq = ev.Seq

	switch ev.Type {
	case TypeTaskCreated:
		t := &Task{
			ID:        ev.TaskID,
			Topic:     ev.PayloadString("topic"),
			Title:     ev.PayloadString("title"),
			Status:    StatusDraft,
			CreatedAt: ev.Time,
		}
		st.Tasks[t.ID] = t
		if t.Topic != "" {
			if _, ok := st.Topics[t.Topic]; !ok {
				st.Topics[t.Topic] = &Topic{Slug: t.Topic}
			}
		}
		st.touch(t, ev)

	case TypeWorkingPromptUpdated:
		if t := st.Tasks[ev.TaskID]; t != nil {
			t.Status = StatusRefining
			if title := ev.PayloadString("title"); title != "" {
				t.Title = title
			}
			st.touch(t, ev)
		}

	case TypeQuestionsRaised:
		if t := st.Tasks[ev.TaskID]; t != nil {
			t.Status = StatusAwaitingUser
			t.OpenQuestions = payloadStrings(ev.Payload, "questions")
			st.touch(t, ev)
		}

	case TypeUserAnswered:
		if t := st.Tasks[ev.TaskID]; t != nil {
			t.Status = StatusRefining
			t.OpenQuestions = nil
			st.touch(t, ev)
		}

	case TypeHandoffFrozen:
		if t := st.Tasks[ev.TaskID]; t != nil {
			t.Status = StatusReadyToHandoff
			st.touch(t, ev)
			topic := st.Topics[t.Topic]
			if topic == nil {
				topic = &Topic{Slug: t.Topic}
				st.Topics[t.Topic] = topic
			}
			topic.Frozen = true
			topic.FrozenAt = ev.Time
			topic.HandoffMDPath = ev.PayloadString("handoff_md_path")
			topic.HandoffJSONPath = ev.PayloadString("handoff_json_path")
		}

	case TypeExternalTaskLinked:
		if t := st.Tasks[ev.TaskID]; t != nil {
			t.ExternalTaskID = ev.Refs.ExternalTaskID
			st.touch(t, ev)
		}

	case TypeBuilderDispatched:
		if t := st.Tasks[ev.TaskID]; t != nil {
			t.Status = StatusHandedOff
			t.SessionID = ev.Refs.SessionID
			t.BuilderKind = ev.PayloadString("builder")
			t.DispatchToken = ev.PayloadString("dispatch_token")
			st.touch(t, ev)
		}
		if ev.Refs.SessionID != "" {
			st.Sessions[ev.Refs.SessionID] = &Session{
				ID:        ev.Refs.SessionID,
				TaskID:    ev.TaskID,
				Builder:   ev.PayloadString("builder"),
				Status:    SessionStarting,
				StartedAt: ev.Time,
			}
		}

	case TypeBuilderStatusChanged:
		newStatus := SessionStatus(ev.PayloadString("new_status"))
		if s := st.session(ev); s != nil {
			s.Status = newStatus
		}
		if t := st.Tasks[ev.TaskID]; t != nil {
			if newStatus == SessionRunning && !t.Status.Terminal() && t.PendingGateID == "" {
				t.Status = StatusRunning
			}
			st.touch(t, ev)
		}

	case TypeGateRequested:
		if t := st.Tasks[ev.TaskID]; t != nil {
			t.Status = StatusAwaitingGate
			t.PendingGateID = ev.PayloadString("gate_id")
			st.touch(t, ev)
		}
		if s := st.session(ev); s != nil {
			s.Status = SessionPaused
		}

	case TypeGateApproved, TypeGateDenied:
		if t := st.Tasks[ev.TaskID]; t != nil {
			t.Status = StatusRunning
			t.PendingGateID = ""
			st.touch(t, ev)
		}
		if s := st.session(ev); s != nil {
			s.Status = SessionRunning
		}

	case TypeBuildCompleted:
		if t := st.Tasks[ev.TaskID]; t != nil {
			t.Status = StatusDone
			t.PendingGateID = ""
			st.touch(t, ev)
		}
		st.endSession(ev, SessionDone)

	case TypeBuildFailed:
		if t := st.Tasks[ev.TaskID]; t != nil {
			t.Status = StatusFailed
			t.PendingGateID = ""
			t.FailureReason = ev.PayloadString("reason")
			st.touch(t, ev)
		}
		st.endSession(ev, SessionFailed)

	case TypeTaskCanceled:
		t := st.Tasks[ev.TaskID]
		if t == nil {
			break
		}
		switch ev.PayloadString("phase") {
		case "confirmed", "unconfirmed":
			// Follow-up after abort resolution; task is already canceled.
			t.CancelPending = false
		default:
			t.Status = StatusCanceled
			t.PendingGateID = ""
			t.CancelPending = ev.PayloadString("phase") == "pending"
			st.endSession(ev, SessionAborted)
		}
		st.touch(t, ev)

	case TypeQuickDispatchRequested, TypeQuickDispatchExecuted, TypeQuickDispatchBlocked:
		// Not task-scoped. Observed through subscriptions only.
	}

	// Artifact paths may ride on any session-scoped event.
	if ev.Refs.ArtifactPath != "" {
		if s := st.session(ev); s != nil {
			s.Artifacts = append(s.Artifacts, Artifact{
				Kind:      ev.PayloadString("artifact_kind"),
				Path:      ev.Refs.ArtifactPath,
				CreatedAt: ev.Time,
			})
		}
	}
}

func (st *State) touch(t *Task, ev *Event) {
	if t == nil {
		return
	}
	t.UpdatedAt = ev.Time
	t.LastEventSeq = ev.Seq
}

func (st *State) session(ev *Event) *Session {
	id := ev.Refs.SessionID
	if id == "" {
		if t := st.Tasks[ev.TaskID]; t != nil {
			id = t.SessionID
		}
	}
	if id == "" {
		return nil
	}
	return st.Sessions[id]
}

func (st *State) endSession(ev *Event, status SessionStatus) {
	s := st.session(ev)
	if s == nil || s.Terminal() {
		return
	}
	s.Status = status
	s.EndedAt = ev.Time
}

// Snapshot is a point-in-time copy of the projection, safe to hold after the
// log moves on.
type Snapshot struct {
	Tasks    []*Task
	Sessions []*Session
	Topics   []*Topic
	LastSeq  int64
}

// Task returns the task with the given id, or nil.
func (s *Snapshot) Task(id string) *Task {
	for _, t := range s.Tasks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// Session returns the session with the given id, or nil.
func (s *Snapshot) Session(id string) *Session {
	for _, sess := range s.Sessions {
		if sess.ID == id {
			return sess
		}
	}
	return nil
}

func (st *State) snapshot() *Snapshot {
	snap := &Snapshot{LastSeq: st.LastSeq}
	for _, t := range st.Tasks {
		snap.Tasks = append(snap.Tasks, t.clone())
	}
	for _, s := range st.Sessions {
		snap.Sessions = append(snap.Sessions, s.clone())
	}
	for _, tp := range st.Topics {
		cp := *tp
		snap.Topics = append(snap.Topics, &cp)
	}
	return snap
}

func payloadStrings(payload map[string]interface{}, key string) []string {
	if payload == nil {
		return nil
	}
	raw, ok := payload[key].([]interface{})
	if !ok {
		if typed, ok := payload[key].([]string); ok {
			return append([]string(nil), typed...)
		}
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
