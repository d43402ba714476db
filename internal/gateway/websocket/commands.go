package websocket

import (
	"context"
	"sort"

	"github.com/logabell/conversator/internal/builder"
	apperrors "github.com/logabell/conversator/internal/common/errors"
	"github.com/logabell/conversator/internal/conversation"
	"github.com/logabell/conversator/internal/eventlog"
	"github.com/logabell/conversator/internal/inbox"
	"github.com/logabell/conversator/internal/orchestrator"
	"github.com/logabell/conversator/internal/prompt"
	v1 "github.com/logabell/conversator/pkg/api/v1"
	ws "github.com/logabell/conversator/pkg/websocket"
)

// Commands binds the voice/dashboard command surface to the dispatcher. The
// same operations are served over REST; the socket exists so a voice client
// can hold one connection for both commands and the live stream.
type Commands struct {
	orch     *orchestrator.Orchestrator
	log      *eventlog.Log
	notifier *inbox.Notifier
	feed     *conversation.Feed
	registry *builder.Registry
	sessions *builder.Dispatcher
}

// NewCommands creates the command handler set.
func NewCommands(orch *orchestrator.Orchestrator, log *eventlog.Log,
	notifier *inbox.Notifier, feed *conversation.Feed,
	registry *builder.Registry, sessions *builder.Dispatcher) *Commands {
	return &Commands{
		orch:     orch,
		log:      log,
		notifier: notifier,
		feed:     feed,
		registry: registry,
		sessions: sessions,
	}
}

// Register installs every command action on the dispatcher.
func (c *Commands) Register(d *ws.Dispatcher) {
	d.RegisterFunc(ws.ActionHealthCheck, c.healthCheck)
	d.RegisterFunc(ws.ActionTaskList, c.taskList)
	d.RegisterFunc(ws.ActionTaskGet, c.taskGet)
	d.RegisterFunc(ws.ActionTaskCreate, c.taskCreate)
	d.RegisterFunc(ws.ActionTaskUpdatePrompt, c.taskUpdatePrompt)
	d.RegisterFunc(ws.ActionTaskRaiseQuestion, c.taskRaiseQuestions)
	d.RegisterFunc(ws.ActionTaskAnswer, c.taskAnswer)
	d.RegisterFunc(ws.ActionTaskFreeze, c.taskFreeze)
	d.RegisterFunc(ws.ActionTaskDispatch, c.taskDispatch)
	d.RegisterFunc(ws.ActionTaskCancel, c.taskCancel)
	d.RegisterFunc(ws.ActionTaskLinkExternal, c.taskLinkExternal)
	d.RegisterFunc(ws.ActionTaskEvents, c.taskEvents)
	d.RegisterFunc(ws.ActionGateResolve, c.gateResolve)
	d.RegisterFunc(ws.ActionInboxList, c.inboxList)
	d.RegisterFunc(ws.ActionInboxPending, c.inboxPending)
	d.RegisterFunc(ws.ActionInboxAcknowledge, c.inboxAcknowledge)
	d.RegisterFunc(ws.ActionQuickDispatch, c.quickDispatch)
	d.RegisterFunc(ws.ActionBuilderList, c.builderList)
}

// errorResponse maps an application error onto the wire taxonomy.
func errorResponse(msg *ws.Message, err error) (*ws.Message, error) {
	code := ws.ErrorCodeInternalError
	switch {
	case apperrors.IsNotFound(err):
		code = ws.ErrorCodeNotFound
	case apperrors.IsConflict(err):
		code = ws.ErrorCodeConflict
	case apperrors.IsBusy(err):
		code = ws.ErrorCodeBusy
	case apperrors.IsValidationError(err):
		code = ws.ErrorCodeValidation
	case apperrors.IsBadRequest(err):
		code = ws.ErrorCodeBadRequest
	case apperrors.IsServiceUnavailable(err):
		code = ws.ErrorCodeUnavailable
	}
	return ws.NewError(msg.ID, msg.Action, code, err.Error(), nil)
}

func (c *Commands) healthCheck(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	return ws.NewResponse(msg.ID, msg.Action, &v1.HealthResponse{
		Status:   "ok",
		Degraded: c.log.Degraded(),
		LastSeq:  c.log.LastSeq(),
	})
}

type taskListRequest struct {
	Status string `json:"status,omitempty"`
}

func (c *Commands) taskList(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req taskListRequest
	if msg.Payload != nil {
		if err := msg.ParsePayload(&req); err != nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, err.Error(), nil)
		}
	}

	snap := c.log.Snapshot()
	tasks := make([]*v1.Task, 0, len(snap.Tasks))
	for _, t := range snap.Tasks {
		if req.Status != "" && string(t.Status) != req.Status {
			continue
		}
		tasks = append(tasks, v1.TaskFromDomain(t))
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].CreatedAt.Before(tasks[j].CreatedAt) })
	return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{"tasks": tasks})
}

type taskRef struct {
	TaskID string `json:"task_id"`
}

func (c *Commands) taskGet(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req taskRef
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, err.Error(), nil)
	}
	t := c.log.Snapshot().Task(req.TaskID)
	if t == nil {
		return errorResponse(msg, apperrors.NotFound("task", req.TaskID))
	}
	return ws.NewResponse(msg.ID, msg.Action, v1.TaskFromDomain(t))
}

func (c *Commands) taskCreate(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req v1.CreateTaskRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, err.Error(), nil)
	}
	task, err := c.orch.CreateTask(ctx, req.CommandID, req.Topic, req.Title, req.Intent)
	if err != nil {
		return errorResponse(msg, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, v1.TaskFromDomain(task))
}

type updatePromptRequest struct {
	TaskID string `json:"task_id"`
	v1.UpdateWorkingPromptRequest
}

func (c *Commands) taskUpdatePrompt(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req updatePromptRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, err.Error(), nil)
	}
	task, err := c.orch.UpdateWorkingPrompt(ctx, req.CommandID, req.TaskID, prompt.Update{
		Title:        req.Title,
		Intent:       req.Intent,
		Requirements: req.Requirements,
		Constraints:  req.Constraints,
		Context:      req.Context,
	}, "prompt updated")
	if err != nil {
		return errorResponse(msg, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, v1.TaskFromDomain(task))
}

type raiseQuestionsRequest struct {
	TaskID string `json:"task_id"`
	v1.RaiseQuestionsRequest
}

func (c *Commands) taskRaiseQuestions(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req raiseQuestionsRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, err.Error(), nil)
	}
	task, err := c.orch.RaiseQuestions(ctx, req.CommandID, req.TaskID, req.Questions)
	if err != nil {
		return errorResponse(msg, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, v1.TaskFromDomain(task))
}

type answerRequest struct {
	TaskID string `json:"task_id"`
	v1.AnswerQuestionsRequest
}

func (c *Commands) taskAnswer(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req answerRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, err.Error(), nil)
	}
	task, err := c.orch.AnswerQuestions(ctx, req.CommandID, req.TaskID, flattenAnswers(req.Answers))
	if err != nil {
		return errorResponse(msg, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, v1.TaskFromDomain(task))
}

type freezeRequest struct {
	TaskID string `json:"task_id"`
	v1.FreezeRequest
}

func (c *Commands) taskFreeze(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req freezeRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, err.Error(), nil)
	}
	out, err := c.orch.FreezePrompt(ctx, req.CommandID, req.TaskID)
	if err != nil {
		return errorResponse(msg, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, &v1.FreezeResponse{
		Task:            v1.TaskFromDomain(out.Task),
		HandoffMDPath:   out.HandoffMDPath,
		HandoffJSONPath: out.HandoffJSONPath,
		Digest:          out.Digest,
	})
}

type dispatchRequest struct {
	TaskID string `json:"task_id"`
	v1.DispatchRequest
}

func (c *Commands) taskDispatch(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req dispatchRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, err.Error(), nil)
	}
	res, err := c.orch.Dispatch(ctx, req.CommandID, req.TaskID, req.Builder)
	if err != nil {
		return errorResponse(msg, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, &v1.DispatchResponse{
		Task:          v1.TaskFromDomain(c.log.Snapshot().Task(req.TaskID)),
		SessionID:     res.SessionID,
		DispatchToken: res.DispatchToken,
	})
}

type cancelRequest struct {
	TaskID string `json:"task_id"`
	v1.CancelTaskRequest
}

func (c *Commands) taskCancel(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req cancelRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, err.Error(), nil)
	}
	task, err := c.orch.Cancel(ctx, req.CommandID, req.TaskID, req.Reason)
	if err != nil {
		return errorResponse(msg, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, v1.TaskFromDomain(task))
}

type linkExternalRequest struct {
	TaskID string `json:"task_id"`
	v1.LinkExternalRequest
}

func (c *Commands) taskLinkExternal(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req linkExternalRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, err.Error(), nil)
	}
	task, err := c.orch.LinkExternal(ctx, req.CommandID, req.TaskID, req.ExternalTaskID)
	if err != nil {
		return errorResponse(msg, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, v1.TaskFromDomain(task))
}

type taskEventsRequest struct {
	TaskID   string `json:"task_id"`
	AfterSeq int64  `json:"after_seq,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

func (c *Commands) taskEvents(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req taskEventsRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, err.Error(), nil)
	}
	evs, err := c.log.Events(req.AfterSeq, req.Limit)
	if err != nil {
		return errorResponse(msg, err)
	}
	out := make([]*v1.Event, 0, len(evs))
	for _, ev := range evs {
		if req.TaskID != "" && ev.TaskID != req.TaskID {
			continue
		}
		out = append(out, v1.EventFromDomain(ev))
	}
	return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{"events": out})
}

type gateResolveRequest struct {
	TaskID string `json:"task_id"`
	v1.ResolveGateRequest
}

func (c *Commands) gateResolve(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req gateResolveRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, err.Error(), nil)
	}
	task, err := c.orch.ResolveGate(ctx, req.CommandID, req.TaskID, req.GateID, req.Approve, req.Note)
	if err != nil {
		return errorResponse(msg, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, v1.TaskFromDomain(task))
}

type inboxListRequest struct {
	TaskID string `json:"task_id,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

func (c *Commands) inboxList(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req inboxListRequest
	if msg.Payload != nil {
		if err := msg.ParsePayload(&req); err != nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, err.Error(), nil)
		}
	}
	items, err := c.notifier.List(req.TaskID, req.Limit)
	if err != nil {
		return errorResponse(msg, err)
	}
	unread, err := c.notifier.UnreadCount()
	if err != nil {
		return errorResponse(msg, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
		"items":  inboxToAPI(items),
		"unread": unread,
	})
}

type inboxPendingRequest struct {
	Limit int `json:"limit,omitempty"`
}

// inboxPending drains the deliver-now queue: the voice layer calls this at
// natural pauses and speaks whatever comes back.
func (c *Commands) inboxPending(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req inboxPendingRequest
	if msg.Payload != nil {
		if err := msg.ParsePayload(&req); err != nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, err.Error(), nil)
		}
	}
	items, err := c.notifier.PollPendingDelivery(req.Limit)
	if err != nil {
		return errorResponse(msg, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
		"items": inboxToAPI(items),
	})
}

func (c *Commands) inboxAcknowledge(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req v1.AcknowledgeRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, err.Error(), nil)
	}
	if err := c.notifier.Acknowledge(req.ItemID); err != nil {
		return errorResponse(msg, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{"success": true})
}

func (c *Commands) quickDispatch(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req v1.QuickDispatchRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, err.Error(), nil)
	}
	res, err := c.orch.QuickDispatch(ctx, req.CommandID, req.Operation, req.Command)
	if err != nil {
		return errorResponse(msg, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, &v1.QuickDispatchResponse{
		Allowed: res.Allowed,
		Success: res.Success,
		Output:  res.Output,
		Reason:  res.Reason,
		Builder: res.Builder,
	})
}

func (c *Commands) builderList(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	infos := builderInfos(ctx, c.registry, c.sessions)
	return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{"builders": infos})
}

// builderInfos probes every registered builder. Shared with the REST
// surface.
func builderInfos(ctx context.Context, registry *builder.Registry, sessions *builder.Dispatcher) []*v1.BuilderInfo {
	var infos []*v1.BuilderInfo
	for _, entry := range registry.Entries() {
		info := &v1.BuilderInfo{
			Name:    entry.Name,
			Kind:    entry.Kind,
			BaseURL: entry.BaseURL,
			Default: entry.Name == registry.DefaultName(),
		}
		if adapter, err := registry.Get(entry.Name); err == nil {
			if h, err := adapter.Health(ctx); err == nil {
				info.Healthy = h.Healthy
			}
		}
		if sessions != nil {
			info.Sessions = sessions.SessionCount()
		}
		infos = append(infos, info)
	}
	return infos
}

func inboxToAPI(items []*eventlog.InboxItem) []*v1.InboxItem {
	out := make([]*v1.InboxItem, 0, len(items))
	for _, item := range items {
		out = append(out, v1.InboxItemFromDomain(item))
	}
	return out
}

// flattenAnswers renders a question->answer map as prompt text.
func flattenAnswers(answers map[string]string) string {
	keys := make([]string, 0, len(answers))
	for k := range answers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b []byte
	for i, k := range keys {
		if i > 0 {
			b = append(b, '\n')
		}
		b = append(b, (k + ": " + answers[k])...)
	}
	return string(b)
}
