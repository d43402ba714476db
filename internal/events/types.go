// Package events defines bus subjects for Conversator's live notification plane.
//
// The bus carries already-ordered notifications from the event log and the
// conversation feed out to the websocket gateway and other in-process
// consumers. Ordering and durability truth stays in the event log.
package events

// Subjects for domain event notifications.
const (
	SubjectTaskEvent     = "task.event"     // every appended domain event
	SubjectTaskUpdated   = "task.updated"   // derived task state changed
	SubjectInboxItem     = "inbox.item"     // new inbox item created
	SubjectBuilderStatus = "builder.status" // builder health / session status changed
	SubjectConversation  = "conversation.entry"
)

// BuildTaskEventSubject creates a task event subject scoped to one task.
func BuildTaskEventSubject(taskID string) string {
	return SubjectTaskEvent + "." + taskID
}

// BuildTaskEventWildcardSubject creates a wildcard subscription for all task events.
func BuildTaskEventWildcardSubject() string {
	return SubjectTaskEvent + ".*"
}

// BuildBuilderStatusSubject creates a builder status subject for one builder.
func BuildBuilderStatusSubject(name string) string {
	return SubjectBuilderStatus + "." + name
}

// BuildBuilderStatusWildcardSubject creates a wildcard subscription for all builder status events.
func BuildBuilderStatusWildcardSubject() string {
	return SubjectBuilderStatus + ".*"
}
