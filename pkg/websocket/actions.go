package websocket

// Action constants for WebSocket messages.
const (
	// Health
	ActionHealthCheck = "health.check"

	// Task commands
	ActionTaskList          = "task.list"
	ActionTaskCreate        = "task.create"
	ActionTaskGet           = "task.get"
	ActionTaskUpdatePrompt  = "task.update_prompt"
	ActionTaskRaiseQuestion = "task.raise_questions"
	ActionTaskAnswer        = "task.answer"
	ActionTaskFreeze        = "task.freeze"
	ActionTaskDispatch      = "task.dispatch"
	ActionTaskCancel        = "task.cancel"
	ActionTaskLinkExternal  = "task.link_external"
	ActionTaskEvents        = "task.events"

	// Gate commands
	ActionGateResolve = "gate.resolve"

	// Inbox commands
	ActionInboxList        = "inbox.list"
	ActionInboxPending     = "inbox.pending"
	ActionInboxAcknowledge = "inbox.acknowledge"

	// Quick dispatch
	ActionQuickDispatch = "quick.dispatch"

	// Builder registry
	ActionBuilderList = "builder.list"

	// Subscription control
	ActionStreamSubscribe   = "stream.subscribe"
	ActionStreamUnsubscribe = "stream.unsubscribe"

	// Notification actions (server -> client)
	ActionTaskEvent         = "task.event"
	ActionTaskUpdated       = "task.updated"
	ActionInboxItem         = "inbox.item"
	ActionBuilderStatus     = "builder.status"
	ActionConversationEntry = "conversation.entry"
	ActionSystemHealth      = "system.health"
)

// Error codes
const (
	ErrorCodeBadRequest    = "BAD_REQUEST"
	ErrorCodeNotFound      = "NOT_FOUND"
	ErrorCodeConflict      = "CONFLICT"
	ErrorCodeBusy          = "BUSY"
	ErrorCodeInternalError = "INTERNAL_ERROR"
	ErrorCodeValidation    = "VALIDATION_ERROR"
	ErrorCodeUnavailable   = "SERVICE_UNAVAILABLE"
	ErrorCodeUnknownAction = "UNKNOWN_ACTION"
)
