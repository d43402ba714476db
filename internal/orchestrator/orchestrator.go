// Package orchestrator is the command surface of the control plane. It turns
// external commands (voice tool calls, dashboard actions) into validated
// events appended through the log, and it is the only component that
// constructs status-changing events. Observations from builders arrive via
// the dispatcher and are interpreted here only at the command boundary.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/logabell/conversator/internal/builder"
	apperrors "github.com/logabell/conversator/internal/common/errors"
	"github.com/logabell/conversator/internal/common/logger"
	"github.com/logabell/conversator/internal/eventlog"
	"github.com/logabell/conversator/internal/prompt"
)

// quickRunTimeout bounds one-shot quick dispatch executions.
const quickRunTimeout = 30 * time.Second

// Orchestrator mediates between the prompt workspace, the event log, and the
// builder dispatcher.
type Orchestrator struct {
	log        *eventlog.Log
	ws         *prompt.Workspace
	dispatcher *builder.Dispatcher
	registry   *builder.Registry
	logg       *logger.Logger
}

// New wires the orchestrator. The dispatcher may be nil in read-only setups.
func New(log *eventlog.Log, ws *prompt.Workspace, dispatcher *builder.Dispatcher,
	registry *builder.Registry, logg *logger.Logger) *Orchestrator {
	return &Orchestrator{
		log:        log,
		ws:         ws,
		dispatcher: dispatcher,
		registry:   registry,
		logg:       logg,
	}
}

// cmdKey builds the idempotency key for a client command id. Commands without
// an id are not deduplicated.
func cmdKey(commandID string) string {
	if commandID == "" {
		return ""
	}
	return "cmd:" + commandID
}

// priorCommandEvent looks up the event a command id already produced, so
// retried commands can return their original result before repeating side
// effects outside the log.
func (o *Orchestrator) priorCommandEvent(commandID string) (*eventlog.Event, error) {
	key := cmdKey(commandID)
	if key == "" {
		return nil, nil
	}
	seq, err := o.log.Store().SeqForIdempotencyKey(key)
	if err != nil || seq == 0 {
		return nil, err
	}
	evs, err := o.log.Store().LoadRange(seq-1, 1)
	if err != nil {
		return nil, err
	}
	if len(evs) == 0 {
		return nil, nil
	}
	return evs[0], nil
}

func (o *Orchestrator) task(id string) (*eventlog.Task, error) {
	t := o.log.Snapshot().Task(id)
	if t == nil {
		return nil, apperrors.NotFound("task", id)
	}
	return t, nil
}

// append sends one event through the log, treating an idempotency-key hit as
// success: the caller gets the original event back.
func (o *Orchestrator) append(ctx context.Context, ev *eventlog.Event) (*eventlog.Event, error) {
	appended, err := o.log.Append(ctx, ev)
	if err != nil && apperrors.IsDuplicate(err) {
		return appended, nil
	}
	return appended, err
}

// CreateTask opens a new draft task on a topic. A non-empty intent seeds the
// working prompt immediately, moving the task into refining.
func (o *Orchestrator) CreateTask(ctx context.Context, commandID, topic, title, intent string) (*eventlog.Task, error) {
	if topic == "" {
		return nil, apperrors.ValidationError("topic", "topic is required")
	}
	if prior, err := o.priorCommandEvent(commandID); err != nil {
		return nil, err
	} else if prior != nil {
		return o.task(prior.TaskID)
	}

	taskID := uuid.New().String()
	ev := eventlog.Proposed(eventlog.TypeTaskCreated, taskID, map[string]interface{}{
		"topic": prompt.Slugify(topic),
		"title": title,
	}).WithIdempotencyKey(cmdKey(commandID))
	appended, err := o.append(ctx, ev)
	if err != nil {
		return nil, err
	}

	if intent != "" {
		task, err := o.task(appended.TaskID)
		if err != nil {
			return nil, err
		}
		if _, err := o.ws.UpdateWorking(task.Topic, prompt.Update{Title: title, Intent: intent}); err != nil {
			return nil, err
		}
		upd := eventlog.Proposed(eventlog.TypeWorkingPromptUpdated, appended.TaskID, map[string]interface{}{
			"summary": "initial intent captured",
		})
		if _, err := o.log.Append(ctx, upd); err != nil {
			return nil, err
		}
	}

	o.logg.Info("task created",
		zap.String("task_id", appended.TaskID),
		zap.String("topic", prompt.Slugify(topic)))
	return o.task(appended.TaskID)
}

// UpdateWorkingPrompt merges an edit into the task's working prompt.
func (o *Orchestrator) UpdateWorkingPrompt(ctx context.Context, commandID, taskID string,
	u prompt.Update, summary string) (*eventlog.Task, error) {
	task, err := o.task(taskID)
	if err != nil {
		return nil, err
	}
	if prior, err := o.priorCommandEvent(commandID); err != nil {
		return nil, err
	} else if prior != nil {
		return task, nil
	}

	if _, err := o.ws.UpdateWorking(task.Topic, u); err != nil {
		return nil, err
	}
	ev := eventlog.Proposed(eventlog.TypeWorkingPromptUpdated, taskID, map[string]interface{}{
		"summary": summary,
	}).WithIdempotencyKey(cmdKey(commandID))
	if _, err := o.append(ctx, ev); err != nil {
		return nil, err
	}
	return o.task(taskID)
}

// RaiseQuestions records open questions and parks the task on the user.
func (o *Orchestrator) RaiseQuestions(ctx context.Context, commandID, taskID string,
	questions []string) (*eventlog.Task, error) {
	if len(questions) == 0 {
		return nil, apperrors.ValidationError("questions", "at least one question is required")
	}
	if _, err := o.task(taskID); err != nil {
		return nil, err
	}
	qs := make([]interface{}, len(questions))
	for i, q := range questions {
		qs[i] = q
	}
	ev := eventlog.Proposed(eventlog.TypeQuestionsRaised, taskID, map[string]interface{}{
		"questions": qs,
	}).WithIdempotencyKey(cmdKey(commandID))
	if _, err := o.append(ctx, ev); err != nil {
		return nil, err
	}
	return o.task(taskID)
}

// AnswerQuestions folds the user's answers into the prompt context and
// returns the task to refining.
func (o *Orchestrator) AnswerQuestions(ctx context.Context, commandID, taskID,
	answers string) (*eventlog.Task, error) {
	if answers == "" {
		return nil, apperrors.ValidationError("answers", "answers are required")
	}
	task, err := o.task(taskID)
	if err != nil {
		return nil, err
	}
	if prior, err := o.priorCommandEvent(commandID); err != nil {
		return nil, err
	} else if prior != nil {
		return task, nil
	}

	if _, err := o.ws.UpdateWorking(task.Topic, prompt.Update{Context: "Answers: " + answers}); err != nil {
		return nil, err
	}
	ev := eventlog.Proposed(eventlog.TypeUserAnswered, taskID, map[string]interface{}{
		"answers": answers,
	}).WithIdempotencyKey(cmdKey(commandID))
	if _, err := o.append(ctx, ev); err != nil {
		return nil, err
	}
	return o.task(taskID)
}

// FreezeOutcome reports a freeze: the resulting task plus the immutable
// handoff artifact locations.
type FreezeOutcome struct {
	Task            *eventlog.Task
	HandoffMDPath   string
	HandoffJSONPath string
	Digest          string
}

// FreezePrompt freezes the working prompt into the handoff artifacts and
// records the transition. Re-freezing an already frozen task is a no-op
// returning the original artifact paths.
func (o *Orchestrator) FreezePrompt(ctx context.Context, commandID, taskID string) (*FreezeOutcome, error) {
	task, err := o.task(taskID)
	if err != nil {
		return nil, err
	}
	switch task.Status {
	case eventlog.StatusRefining, eventlog.StatusReadyToHandoff:
	default:
		return nil, apperrors.Conflict(fmt.Sprintf(
			"task %s is %s, cannot freeze", taskID, task.Status))
	}

	res, err := o.ws.Freeze(task.Topic)
	if err != nil {
		return nil, err
	}
	if !res.AlreadyFrozen || task.Status == eventlog.StatusRefining {
		// A freeze that landed on disk but crashed before the event still
		// needs its HandoffFrozen recorded.
		ev := eventlog.Proposed(eventlog.TypeHandoffFrozen, taskID, map[string]interface{}{
			"digest":            res.Digest,
			"handoff_md_path":   res.HandoffMDPath,
			"handoff_json_path": res.HandoffJSONPath,
		}).WithIdempotencyKey(cmdKey(commandID))
		if _, err := o.append(ctx, ev); err != nil {
			return nil, err
		}
	}

	task, err = o.task(taskID)
	if err != nil {
		return nil, err
	}
	return &FreezeOutcome{
		Task:            task,
		HandoffMDPath:   res.HandoffMDPath,
		HandoffJSONPath: res.HandoffJSONPath,
		Digest:          res.Digest,
	}, nil
}

// Dispatch hands a frozen task to a builder through the dispatcher.
func (o *Orchestrator) Dispatch(ctx context.Context, commandID, taskID,
	builderName string) (*builder.DispatchResult, error) {
	if o.dispatcher == nil {
		return nil, apperrors.ServiceUnavailable("builder dispatcher")
	}
	if prior, err := o.priorCommandEvent(commandID); err != nil {
		return nil, err
	} else if prior != nil {
		task, err := o.task(taskID)
		if err != nil {
			return nil, err
		}
		return &builder.DispatchResult{
			SessionID:     task.SessionID,
			DispatchToken: task.DispatchToken,
			Existing:      true,
		}, nil
	}
	// The dispatch token makes re-dispatch of the same handoff idempotent;
	// the recorded command key short-circuits client retries above.
	return o.dispatcher.Dispatch(ctx, taskID, builderName, cmdKey(commandID))
}

// ResolveGate records the user's gate decision and forwards it to the
// builder holding the session.
func (o *Orchestrator) ResolveGate(ctx context.Context, commandID, taskID, gateID string,
	approve bool, note string) (*eventlog.Task, error) {
	task, err := o.task(taskID)
	if err != nil {
		return nil, err
	}
	if prior, err := o.priorCommandEvent(commandID); err != nil {
		return nil, err
	} else if prior != nil {
		return task, nil
	}
	if task.Status != eventlog.StatusAwaitingGate {
		return nil, apperrors.Conflict(fmt.Sprintf(
			"task %s is %s, no gate is pending", taskID, task.Status))
	}
	if gateID == "" {
		gateID = task.PendingGateID
	}
	if gateID != task.PendingGateID {
		return nil, apperrors.Conflict(fmt.Sprintf(
			"gate %s is not pending on task %s", gateID, taskID))
	}

	t := eventlog.TypeGateApproved
	if !approve {
		t = eventlog.TypeGateDenied
	}
	ev := eventlog.Proposed(t, taskID, map[string]interface{}{
		"gate_id": gateID,
		"note":    note,
	}).WithIdempotencyKey(cmdKey(commandID))
	if _, err := o.append(ctx, ev); err != nil {
		return nil, err
	}

	if o.dispatcher != nil {
		if err := o.dispatcher.ResolveGate(ctx, taskID, gateID, approve, note); err != nil {
			o.logg.Warn("gate decision forwarding failed",
				zap.String("task_id", taskID),
				zap.String("gate_id", gateID),
				zap.Error(err))
		}
	}
	return o.task(taskID)
}

// Cancel stops a task cooperatively: the cancel intent is recorded first, a
// pending gate is auto-denied, the remote session is aborted, and the abort
// outcome lands as a follow-up event.
func (o *Orchestrator) Cancel(ctx context.Context, commandID, taskID, reason string) (*eventlog.Task, error) {
	task, err := o.task(taskID)
	if err != nil {
		return nil, err
	}
	if task.Status.Terminal() {
		if task.Status == eventlog.StatusCanceled {
			return task, nil
		}
		return nil, apperrors.Conflict(fmt.Sprintf("task %s is already %s", taskID, task.Status))
	}
	if prior, err := o.priorCommandEvent(commandID); err != nil {
		return nil, err
	} else if prior != nil {
		return task, nil
	}

	if task.Status == eventlog.StatusAwaitingGate && task.PendingGateID != "" {
		deny := eventlog.Proposed(eventlog.TypeGateDenied, taskID, map[string]interface{}{
			"gate_id": task.PendingGateID,
			"note":    "task canceled",
			"auto":    true,
		})
		if _, err := o.log.Append(ctx, deny); err != nil {
			return nil, err
		}
		if o.dispatcher != nil {
			if err := o.dispatcher.ResolveGate(ctx, taskID, task.PendingGateID, false, "task canceled"); err != nil {
				o.logg.Warn("auto-deny forwarding failed",
					zap.String("task_id", taskID), zap.Error(err))
			}
		}
	}

	hadSession := task.SessionID != "" && o.dispatcher != nil

	ev := eventlog.Proposed(eventlog.TypeTaskCanceled, taskID, map[string]interface{}{
		"reason": reason,
		"phase":  phaseFor(hadSession),
	}).WithIdempotencyKey(cmdKey(commandID))
	if _, err := o.append(ctx, ev); err != nil {
		return nil, err
	}

	if hadSession {
		confirmed, err := o.dispatcher.Abort(ctx, taskID)
		if err != nil {
			o.logg.Warn("remote abort failed",
				zap.String("task_id", taskID), zap.Error(err))
		}
		phase := "confirmed"
		if !confirmed {
			phase = "unconfirmed"
		}
		followUp := eventlog.Proposed(eventlog.TypeTaskCanceled, taskID, map[string]interface{}{
			"reason": reason,
			"phase":  phase,
		})
		if _, err := o.log.Append(ctx, followUp); err != nil {
			o.logg.Warn("abort resolution append failed",
				zap.String("task_id", taskID), zap.Error(err))
		}
	}

	return o.task(taskID)
}

func phaseFor(hasSession bool) string {
	if hasSession {
		return "pending"
	}
	return ""
}

// LinkExternal attaches an external task graph id. Linking the same id again
// is a no-op; linking a different id is a conflict.
func (o *Orchestrator) LinkExternal(ctx context.Context, commandID, taskID,
	externalTaskID string) (*eventlog.Task, error) {
	if externalTaskID == "" {
		return nil, apperrors.ValidationError("external_task_id", "external task id is required")
	}
	task, err := o.task(taskID)
	if err != nil {
		return nil, err
	}
	if task.ExternalTaskID == externalTaskID {
		return task, nil
	}

	ev := eventlog.Proposed(eventlog.TypeExternalTaskLinked, taskID, nil).
		WithRefs(eventlog.Refs{ExternalTaskID: externalTaskID}).
		WithIdempotencyKey(cmdKey(commandID))
	if _, err := o.append(ctx, ev); err != nil {
		return nil, err
	}
	return o.task(taskID)
}
