// Package coordinator drives a single job execution end to end: it
// consumes the workload runner's stream, fans progress out to the event
// bus, and emits exactly one terminal notification per attempt.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"agentforge.dev/executor/common/logger"
	"agentforge.dev/executor/internal/job"
	"agentforge.dev/executor/internal/metrics"
	"agentforge.dev/executor/internal/runner"
)

// EventBus publishes ephemeral progress events.
type EventBus interface {
	Publish(ctx context.Context, threadID, eventType string, data map[string]any) error
	PublishEnd(ctx context.Context, threadID string) error
}

// Notifier emits durable terminal status notifications.
type Notifier interface {
	NotifyCompleted(ctx context.Context, jobID string, result map[string]any, traceID string) error
	NotifyFailed(ctx context.Context, jobID string, failure job.ExecutionFailure, traceID string) error
}

// Registry records job lifecycle transitions for the state endpoint.
type Registry interface {
	MarkRunning(ctx context.Context, threadID string) error
	MarkCompleted(ctx context.Context, threadID string, result map[string]any) error
	MarkFailed(ctx context.Context, threadID string, failure *job.ExecutionFailure) error
}

// ExecutionError wraps a runner failure after the failed-status
// notification has been emitted. Queue callers acknowledge messages
// carrying this error: the failure has already been communicated.
type ExecutionError struct {
	JobID string
	Err   error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("job %s execution failed: %v", e.JobID, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

type Coordinator struct {
	runner   runner.Runner
	bus      EventBus
	notifier Notifier
	registry Registry
}

func New(r runner.Runner, bus EventBus, notifier Notifier, registry Registry) *Coordinator {
	return &Coordinator{runner: r, bus: bus, notifier: notifier, registry: registry}
}

// Execute runs one job to a terminal outcome. The job must already be
// validated. Progress publish failures never abort the execution; the
// terminal notification's own failure is logged and metered but not
// re-raised, matching the at-most-once-effects contract.
func (c *Coordinator) Execute(ctx context.Context, j job.Job) (job.Outcome, error) {
	sc := logger.StartSpanFromTraceID(ctx, normalizedTraceID(j.TraceID), "coordinator.execute",
		trace.WithSpanKind(trace.SpanKindInternal))
	defer sc.End()
	ctx = sc.Context()

	ctx = logger.WithLogFields(ctx, logger.LogFields{
		JobID:     logger.Ptr(j.JobID),
		TraceID:   logger.Ptr(j.TraceID),
		Component: "executor.coordinator",
	})

	if err := c.registry.MarkRunning(ctx, j.JobID); err != nil {
		slog.WarnContext(ctx, "failed to record running state", "error", err)
	}

	slog.InfoContext(ctx, "job execution started")
	start := time.Now()

	items, errc := c.runner.Stream(ctx, runner.StreamRequest{
		ThreadID:   j.JobID,
		Definition: j.WorkloadDefinition,
		Input:      j.InputPayload,
	})

	var (
		eventCount int
		lastState  map[string]any
	)

	for item := range items {
		eventCount++
		eventType, data := classify(item)

		if item.Mode == runner.ModeState {
			lastState = item.Payload
		}

		if err := c.bus.Publish(ctx, j.JobID, eventType, data); err != nil {
			// Progress delivery is best-effort: losing an event must not
			// fail the job.
			slog.WarnContext(ctx, "progress event publish failed",
				"event_type", eventType,
				"error", err)
		}
	}

	err := <-errc
	duration := time.Since(start)
	metrics.JobDuration.Observe(duration.Seconds())

	if err != nil {
		sc.RecordError(err)
		metrics.Jobs.WithLabelValues(string(job.StatusFailed)).Inc()

		failure := job.ExecutionFailure{
			Message:    err.Error(),
			Type:       errorKind(err),
			StackTrace: fmt.Sprintf("%+v", err),
		}
		if notifyErr := c.notifier.NotifyFailed(ctx, j.JobID, failure, j.TraceID); notifyErr != nil {
			slog.ErrorContext(ctx, "failed-status notification could not be published",
				"error", notifyErr)
		}
		if regErr := c.registry.MarkFailed(ctx, j.JobID, &failure); regErr != nil {
			slog.WarnContext(ctx, "failed to record failed state", "error", regErr)
		}

		slog.ErrorContext(ctx, "job execution failed",
			"duration_ms", duration.Milliseconds(),
			"event_count", eventCount,
			"error", err)

		outcome := job.Outcome{JobID: j.JobID, Status: job.StatusFailed, Error: &failure}
		return outcome, &ExecutionError{JobID: j.JobID, Err: err}
	}

	if endErr := c.bus.PublishEnd(ctx, j.JobID); endErr != nil {
		slog.WarnContext(ctx, "end event publish failed", "error", endErr)
	}

	result := extractFinalResult(lastState)
	if notifyErr := c.notifier.NotifyCompleted(ctx, j.JobID, result, j.TraceID); notifyErr != nil {
		slog.ErrorContext(ctx, "completed-status notification could not be published",
			"error", notifyErr)
	}
	if regErr := c.registry.MarkCompleted(ctx, j.JobID, result); regErr != nil {
		slog.WarnContext(ctx, "failed to record completed state", "error", regErr)
	}

	metrics.Jobs.WithLabelValues(string(job.StatusCompleted)).Inc()
	slog.InfoContext(ctx, "job execution completed",
		"duration_ms", duration.Milliseconds(),
		"event_count", eventCount)

	return job.Outcome{JobID: j.JobID, Status: job.StatusCompleted, Result: result}, nil
}

// classify maps a runner item to a bus event type and its payload.
func classify(item runner.Item) (string, map[string]any) {
	switch item.Mode {
	case runner.ModeState:
		return "state-update", item.Payload
	case runner.ModeToken:
		return "token-stream", item.Payload
	case runner.ModeEvent:
		kind, _ := item.Payload["event"].(string)
		data := item.Payload
		if nested, ok := item.Payload["data"].(map[string]any); ok {
			data = nested
		}
		switch {
		case strings.Contains(kind, "tool_start"):
			return "tool-start", data
		case strings.Contains(kind, "tool_end"):
			return "tool-end", data
		default:
			return "generic", data
		}
	default:
		return "generic", item.Payload
	}
}

// extractFinalResult derives the job result from the last full state
// snapshot: the content of the final message when one exists, the raw
// state otherwise, and a null-output placeholder when the stream ended
// without any state at all.
func extractFinalResult(lastState map[string]any) map[string]any {
	if lastState == nil {
		return map[string]any{"output": nil, "status": string(job.StatusCompleted)}
	}

	msgs, ok := lastState["messages"].([]any)
	if !ok || len(msgs) == 0 {
		return lastState
	}

	last, ok := msgs[len(msgs)-1].(map[string]any)
	if !ok {
		return lastState
	}

	return map[string]any{
		"output": last["content"],
		"status": string(job.StatusCompleted),
	}
}

// errorKind names the concrete cause for the failure payload's type field.
func errorKind(err error) string {
	if job.IsValidation(err) {
		return "ValidationError"
	}
	return fmt.Sprintf("%T", rootCause(err))
}

func rootCause(err error) error {
	for {
		unwrapped := unwrapOnce(err)
		if unwrapped == nil {
			return err
		}
		err = unwrapped
	}
}

func unwrapOnce(err error) error {
	u, ok := err.(interface{ Unwrap() error })
	if !ok {
		return nil
	}
	return u.Unwrap()
}

// normalizedTraceID strips separators so opaque upstream ids can seed
// OTel trace contexts when they happen to be hex.
func normalizedTraceID(traceID string) string {
	return strings.ToLower(strings.ReplaceAll(traceID, "-", ""))
}
