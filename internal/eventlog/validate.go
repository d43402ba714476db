package eventlog

import (
	"fmt"

	"github.com/logabell/conversator/internal/common/errors"
)

// transitions maps each task-scoped event type to the statuses it may be
// appended from. Event types absent from the map carry their own rules in
// validate.
var transitions = map[EventType][]TaskStatus{
	TypeWorkingPromptUpdated: {StatusDraft, StatusRefining},
	TypeQuestionsRaised:      {StatusRefining},
	TypeUserAnswered:         {StatusAwaitingUser},
	TypeHandoffFrozen:        {StatusRefining},
	TypeBuilderDispatched:    {StatusReadyToHandoff},
	TypeBuilderStatusChanged: {StatusHandedOff, StatusRunning, StatusAwaitingGate},
	TypeGateRequested:        {StatusRunning},
	TypeGateApproved:         {StatusAwaitingGate},
	TypeGateDenied:           {StatusAwaitingGate},
	TypeBuildCompleted:       {StatusRunning, StatusAwaitingGate},
}

// validate checks an event against the current projection before it is
// assigned a seq. It is called with the writer lock held.
func validate(st *State, ev *Event) error {
	if !knownTypes[ev.Type] {
		return errors.ValidationError("type", fmt.Sprintf("unknown event type %q", ev.Type))
	}

	switch ev.Type {
	case TypeQuickDispatchRequested, TypeQuickDispatchExecuted, TypeQuickDispatchBlocked:
		// Not task-scoped; always appendable.
		return nil
	}

	if ev.TaskID == "" {
		return errors.ValidationError("task_id", fmt.Sprintf("%s requires a task id", ev.Type))
	}

	task := st.Tasks[ev.TaskID]

	if ev.Type == TypeTaskCreated {
		if task != nil {
			return errors.Conflict(fmt.Sprintf("task %s already exists", ev.TaskID))
		}
		return nil
	}

	if task == nil {
		return errors.NotFound("task", ev.TaskID)
	}

	switch ev.Type {
	case TypeExternalTaskLinked:
		if task.Status.Terminal() {
			return errors.Conflict(fmt.Sprintf("task %s is %s", task.ID, task.Status))
		}
		if ev.Refs.ExternalTaskID == "" {
			return errors.ValidationError("external_task_id", "required for external task link")
		}
		if task.ExternalTaskID != "" && task.ExternalTaskID != ev.Refs.ExternalTaskID {
			return errors.Conflict(fmt.Sprintf(
				"task %s is already linked to %s", task.ID, task.ExternalTaskID))
		}
		return nil

	case TypeBuildFailed:
		if task.Status.Terminal() {
			return errors.Conflict(fmt.Sprintf("task %s is %s", task.ID, task.Status))
		}
		return nil

	case TypeTaskCanceled:
		phase := ""
		if ev.Payload != nil {
			phase, _ = ev.Payload["phase"].(string)
		}
		if phase == "confirmed" || phase == "unconfirmed" {
			// Abort resolution follow-up; only valid once canceled.
			if task.Status != StatusCanceled {
				return errors.Conflict(fmt.Sprintf(
					"task %s is %s, expected canceled", task.ID, task.Status))
			}
			return nil
		}
		if task.Status.Terminal() {
			return errors.Conflict(fmt.Sprintf("task %s is already %s", task.ID, task.Status))
		}
		return nil

	case TypeBuilderStatusChanged:
		// A pending gate pins the task; a stray remote running status must
		// not pull it out from under the gate.
		if task.Status == StatusAwaitingGate &&
			SessionStatus(ev.PayloadString("new_status")) == SessionRunning {
			return errors.Conflict(fmt.Sprintf(
				"task %s is awaiting a gate", task.ID))
		}
	}

	allowed, ok := transitions[ev.Type]
	if !ok {
		return errors.ValidationError("type", fmt.Sprintf("no transition rule for %s", ev.Type))
	}
	for _, from := range allowed {
		if task.Status == from {
			return nil
		}
	}
	return errors.Conflict(fmt.Sprintf(
		"%s not allowed while task %s is %s", ev.Type, task.ID, task.Status))
}
