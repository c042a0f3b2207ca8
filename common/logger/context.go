package logger

import "context"

type contextKey string

const logFieldsKey contextKey = "log_fields"

// LogFields contains structured fields automatically added to all logs within a context.
// Fields flow through context enrichment, enabling zero-touch logging where business
// context (job_id, thread_id, etc.) is automatically included in all log statements.
type LogFields struct {
	JobID     *string // Job / thread identifier for the execution
	TraceID   *string // Upstream trace identifier carried with the job
	MessageID *string // Redis stream message ID
	EventType *string // Progress event type (e.g., "state-update", "tool-start")
	Attempt   *int    // Delivery attempt for queued messages
	Component string  // Component name (OTel semantic convention style, e.g., "executor.coordinator")
}

// WithLogFields enriches context with structured log fields.
// Multiple calls merge fields, with newer non-nil/non-empty values taking precedence.
// Context timeouts and cancellation are preserved.
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

// mergeFields merges two LogFields, preferring non-nil/non-empty values from 'new'.
func mergeFields(existing, new LogFields) LogFields {
	result := existing

	if new.JobID != nil {
		result.JobID = new.JobID
	}
	if new.TraceID != nil {
		result.TraceID = new.TraceID
	}
	if new.MessageID != nil {
		result.MessageID = new.MessageID
	}
	if new.EventType != nil {
		result.EventType = new.EventType
	}
	if new.Attempt != nil {
		result.Attempt = new.Attempt
	}
	if new.Component != "" {
		result.Component = new.Component
	}

	return result
}

// Ptr is a helper to create a pointer from a value.
// Useful for setting LogFields inline: logger.WithLogFields(ctx, logger.LogFields{JobID: logger.Ptr(id)})
func Ptr[T any](v T) *T {
	return &v
}

// Truncate truncates a string to maxLen characters, appending "..." if truncated.
// Useful for logging potentially long strings like payloads or error messages.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
