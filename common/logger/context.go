package logger

import "context"

type contextKey string

const logFieldsKey contextKey = "log_fields"

// LogFields contains structured fields automatically added to all logs within a context.
// Fields flow through context enrichment, so business context (task_id, persona_id, ...)
// shows up in every log line without being passed around explicitly.
type LogFields struct {
	TaskID        *int64  // Queue task ID
	PersonaID     *int64  // Persona the work is done for
	ReviewItemID  *int64  // Review queue item ID
	PolicyVersion *int64  // Policy release version in effect
	WorkerID      *string // Execution worker identity
	MessageID     *string // Redis stream message ID
	IntentID      *string // Task intent ID
	TaskType      *string // reply, vote, post, comment
	Component     string  // Component name, e.g. "governor.queue.reaper"
}

// WithLogFields enriches context with structured log fields.
// Multiple calls merge fields, with newer non-nil/non-empty values taking precedence.
func WithLogFields(ctx context.Context, fields LogFields) context.Context {
	existing := GetLogFields(ctx)
	merged := mergeFields(existing, fields)
	return context.WithValue(ctx, logFieldsKey, merged)
}

// GetLogFields retrieves log fields from context.
// Returns empty LogFields if none are set.
func GetLogFields(ctx context.Context) LogFields {
	if fields, ok := ctx.Value(logFieldsKey).(LogFields); ok {
		return fields
	}
	return LogFields{}
}

func mergeFields(existing, new LogFields) LogFields {
	result := existing

	if new.TaskID != nil {
		result.TaskID = new.TaskID
	}
	if new.PersonaID != nil {
		result.PersonaID = new.PersonaID
	}
	if new.ReviewItemID != nil {
		result.ReviewItemID = new.ReviewItemID
	}
	if new.PolicyVersion != nil {
		result.PolicyVersion = new.PolicyVersion
	}
	if new.WorkerID != nil {
		result.WorkerID = new.WorkerID
	}
	if new.MessageID != nil {
		result.MessageID = new.MessageID
	}
	if new.IntentID != nil {
		result.IntentID = new.IntentID
	}
	if new.TaskType != nil {
		result.TaskType = new.TaskType
	}
	if new.Component != "" {
		result.Component = new.Component
	}

	return result
}

// Ptr is a helper to create a pointer from a value.
// Useful for setting LogFields inline: logger.WithLogFields(ctx, logger.LogFields{TaskID: logger.Ptr(id)})
func Ptr[T any](v T) *T {
	return &v
}

// Truncate truncates a string to maxLen bytes, appending "..." if truncated.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
