package server

import (
	"context"
	"net/http"
	"sort"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/logabell/conversator/internal/builder"
	apperrors "github.com/logabell/conversator/internal/common/errors"
	"github.com/logabell/conversator/internal/common/logger"
	"github.com/logabell/conversator/internal/conversation"
	"github.com/logabell/conversator/internal/eventlog"
	"github.com/logabell/conversator/internal/inbox"
	"github.com/logabell/conversator/internal/orchestrator"
	"github.com/logabell/conversator/internal/prompt"
	v1 "github.com/logabell/conversator/pkg/api/v1"
)

// Handlers binds the REST routes to the control plane.
type Handlers struct {
	orch     *orchestrator.Orchestrator
	log      *eventlog.Log
	notifier *inbox.Notifier
	feed     *conversation.Feed
	registry *builder.Registry
	sessions *builder.Dispatcher
	logger   *logger.Logger
}

// NewHandlers creates the REST handler set.
func NewHandlers(orch *orchestrator.Orchestrator, log *eventlog.Log,
	notifier *inbox.Notifier, feed *conversation.Feed,
	registry *builder.Registry, sessions *builder.Dispatcher,
	logg *logger.Logger) *Handlers {
	return &Handlers{
		orch:     orch,
		log:      log,
		notifier: notifier,
		feed:     feed,
		registry: registry,
		sessions: sessions,
		logger:   logg,
	}
}

// RegisterRoutes installs all REST endpoints under /api/v1.
func (h *Handlers) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api/v1")

	api.GET("/tasks", h.listTasks)
	api.POST("/tasks", h.createTask)
	api.GET("/tasks/:id", h.getTask)
	api.GET("/tasks/:id/events", h.taskEvents)
	api.PUT("/tasks/:id/prompt", h.updatePrompt)
	api.POST("/tasks/:id/questions", h.raiseQuestions)
	api.POST("/tasks/:id/answers", h.answerQuestions)
	api.POST("/tasks/:id/freeze", h.freeze)
	api.POST("/tasks/:id/dispatch", h.dispatch)
	api.POST("/tasks/:id/gate", h.resolveGate)
	api.POST("/tasks/:id/cancel", h.cancel)
	api.POST("/tasks/:id/link", h.linkExternal)

	api.GET("/inbox", h.listInbox)
	api.GET("/inbox/pending", h.pendingInbox)
	api.GET("/inbox/unread", h.unreadCount)
	api.GET("/inbox/items/:id", h.getInboxItem)
	api.POST("/inbox/ack", h.acknowledgeInbox)

	api.GET("/builders", h.listBuilders)
	api.GET("/sessions/:id", h.getSession)
	api.POST("/quick", h.quickDispatch)

	api.GET("/conversation", h.conversationFeed)
	api.GET("/health", h.health)
}

func (h *Handlers) respondError(c *gin.Context, err error) {
	status := apperrors.GetHTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func (h *Handlers) listTasks(c *gin.Context) {
	status := c.Query("status")
	snap := h.log.Snapshot()
	tasks := make([]*v1.Task, 0, len(snap.Tasks))
	for _, t := range snap.Tasks {
		if status != "" && string(t.Status) != status {
			continue
		}
		tasks = append(tasks, v1.TaskFromDomain(t))
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].CreatedAt.Before(tasks[j].CreatedAt) })
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

func (h *Handlers) createTask(c *gin.Context) {
	var req v1.CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	task, err := h.orch.CreateTask(c.Request.Context(), req.CommandID, req.Topic, req.Title, req.Intent)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, v1.TaskFromDomain(task))
}

func (h *Handlers) getTask(c *gin.Context) {
	id := c.Param("id")
	t := h.log.Snapshot().Task(id)
	if t == nil {
		h.respondError(c, apperrors.NotFound("task", id))
		return
	}
	c.JSON(http.StatusOK, v1.TaskFromDomain(t))
}

func (h *Handlers) taskEvents(c *gin.Context) {
	id := c.Param("id")
	afterSeq, _ := strconv.ParseInt(c.DefaultQuery("after_seq", "0"), 10, 64)
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))

	if h.log.Snapshot().Task(id) == nil {
		h.respondError(c, apperrors.NotFound("task", id))
		return
	}
	evs, err := h.log.Events(afterSeq, limit)
	if err != nil {
		h.respondError(c, err)
		return
	}
	out := make([]*v1.Event, 0, len(evs))
	for _, ev := range evs {
		if ev.TaskID != id {
			continue
		}
		out = append(out, v1.EventFromDomain(ev))
	}
	c.JSON(http.StatusOK, gin.H{"events": out})
}

func (h *Handlers) updatePrompt(c *gin.Context) {
	var req v1.UpdateWorkingPromptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	task, err := h.orch.UpdateWorkingPrompt(c.Request.Context(), req.CommandID, c.Param("id"), prompt.Update{
		Title:        req.Title,
		Intent:       req.Intent,
		Requirements: req.Requirements,
		Constraints:  req.Constraints,
		Context:      req.Context,
	}, "prompt updated")
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, v1.TaskFromDomain(task))
}

func (h *Handlers) raiseQuestions(c *gin.Context) {
	var req v1.RaiseQuestionsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	task, err := h.orch.RaiseQuestions(c.Request.Context(), req.CommandID, c.Param("id"), req.Questions)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, v1.TaskFromDomain(task))
}

func (h *Handlers) answerQuestions(c *gin.Context) {
	var req v1.AnswerQuestionsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	task, err := h.orch.AnswerQuestions(c.Request.Context(), req.CommandID, c.Param("id"), flattenAnswers(req.Answers))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, v1.TaskFromDomain(task))
}

func (h *Handlers) freeze(c *gin.Context) {
	var req v1.FreezeRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	out, err := h.orch.FreezePrompt(c.Request.Context(), req.CommandID, c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, &v1.FreezeResponse{
		Task:            v1.TaskFromDomain(out.Task),
		HandoffMDPath:   out.HandoffMDPath,
		HandoffJSONPath: out.HandoffJSONPath,
		Digest:          out.Digest,
	})
}

func (h *Handlers) dispatch(c *gin.Context) {
	var req v1.DispatchRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	id := c.Param("id")
	res, err := h.orch.Dispatch(c.Request.Context(), req.CommandID, id, req.Builder)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, &v1.DispatchResponse{
		Task:          v1.TaskFromDomain(h.log.Snapshot().Task(id)),
		SessionID:     res.SessionID,
		DispatchToken: res.DispatchToken,
	})
}

func (h *Handlers) resolveGate(c *gin.Context) {
	var req v1.ResolveGateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	task, err := h.orch.ResolveGate(c.Request.Context(), req.CommandID, c.Param("id"), req.GateID, req.Approve, req.Note)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, v1.TaskFromDomain(task))
}

func (h *Handlers) cancel(c *gin.Context) {
	var req v1.CancelTaskRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	task, err := h.orch.Cancel(c.Request.Context(), req.CommandID, c.Param("id"), req.Reason)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, v1.TaskFromDomain(task))
}

func (h *Handlers) linkExternal(c *gin.Context) {
	var req v1.LinkExternalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	task, err := h.orch.LinkExternal(c.Request.Context(), req.CommandID, c.Param("id"), req.ExternalTaskID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, v1.TaskFromDomain(task))
}

func (h *Handlers) listInbox(c *gin.Context) {
	taskID := c.Query("task_id")
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))
	items, err := h.notifier.List(taskID, limit)
	if err != nil {
		h.respondError(c, err)
		return
	}
	unread, err := h.notifier.UnreadCount()
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"items":  inboxToAPI(items),
		"unread": unread,
	})
}

// pendingInbox drains the deliver-now queue. Items returned here count as
// delivered; callers acknowledge separately.
func (h *Handlers) pendingInbox(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))
	items, err := h.notifier.PollPendingDelivery(limit)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": inboxToAPI(items)})
}

func (h *Handlers) unreadCount(c *gin.Context) {
	unread, err := h.notifier.UnreadCount()
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"unread": unread})
}

func (h *Handlers) getInboxItem(c *gin.Context) {
	item, err := h.notifier.Item(c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, v1.InboxItemFromDomain(item))
}

func (h *Handlers) acknowledgeInbox(c *gin.Context) {
	var req v1.AcknowledgeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.notifier.Acknowledge(req.ItemID); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *Handlers) listBuilders(c *gin.Context) {
	infos := builderInfos(c.Request.Context(), h.registry, h.sessions)
	c.JSON(http.StatusOK, gin.H{"builders": infos})
}

func (h *Handlers) getSession(c *gin.Context) {
	id := c.Param("id")
	s := h.log.Snapshot().Session(id)
	if s == nil {
		h.respondError(c, apperrors.NotFound("session", id))
		return
	}
	c.JSON(http.StatusOK, v1.SessionFromDomain(s))
}

func (h *Handlers) quickDispatch(c *gin.Context) {
	var req v1.QuickDispatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res, err := h.orch.QuickDispatch(c.Request.Context(), req.CommandID, req.Operation, req.Command)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, &v1.QuickDispatchResponse{
		Allowed: res.Allowed,
		Success: res.Success,
		Output:  res.Output,
		Reason:  res.Reason,
		Builder: res.Builder,
	})
}

func (h *Handlers) conversationFeed(c *gin.Context) {
	afterID, _ := strconv.ParseInt(c.DefaultQuery("after_id", "0"), 10, 64)
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))

	var entries []conversation.Entry
	if afterID > 0 {
		entries = h.feed.Since(afterID)
	} else {
		entries = h.feed.Recent(limit)
	}
	out := make([]*v1.ConversationEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, v1.EntryFromDomain(e))
	}
	c.JSON(http.StatusOK, gin.H{"entries": out})
}

func (h *Handlers) health(c *gin.Context) {
	status := "ok"
	if h.log.Degraded() {
		status = "degraded"
	}
	c.JSON(http.StatusOK, &v1.HealthResponse{
		Status:   status,
		Degraded: h.log.Degraded(),
		LastSeq:  h.log.LastSeq(),
	})
}

// builderInfos probes every registered builder.
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
