// Package notifier publishes exactly-one terminal status notification per
// job as a CloudEvents envelope on durable Redis streams.
package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"agentforge.dev/executor/internal/job"
	"agentforge.dev/executor/internal/metrics"
)

type Config struct {
	// Source identifies this service in the CloudEvents envelope.
	Source string
	// TypePrefix is extended with ".completed" / ".failed".
	TypePrefix      string
	CompletedStream string
	FailedStream    string
}

func (c Config) withDefaults() Config {
	if c.Source == "" {
		c.Source = "agent-executor"
	}
	if c.TypePrefix == "" {
		c.TypePrefix = "dev.agentforge.job"
	}
	if c.CompletedStream == "" {
		c.CompletedStream = "agent:status:completed"
	}
	if c.FailedStream == "" {
		c.FailedStream = "agent:status:failed"
	}
	return c
}

// streamAppender abstracts the XADD call so envelope construction can be
// tested without a live Redis.
type streamAppender interface {
	Append(ctx context.Context, stream string, values map[string]any) error
}

type redisAppender struct {
	client *redis.Client
}

func (a redisAppender) Append(ctx context.Context, stream string, values map[string]any) error {
	return a.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: values,
	}).Err()
}

type cloudEvent struct {
	SpecVersion string         `json:"specversion"`
	Type        string         `json:"type"`
	Source      string         `json:"source"`
	Subject     string         `json:"subject"`
	ID          string         `json:"id"`
	TraceParent string         `json:"traceparent"`
	Data        map[string]any `json:"data"`
}

type Notifier struct {
	appender streamAppender
	cfg      Config
}

func New(client *redis.Client, cfg Config) *Notifier {
	return &Notifier{appender: redisAppender{client: client}, cfg: cfg.withDefaults()}
}

func newWithAppender(a streamAppender, cfg Config) *Notifier {
	return &Notifier{appender: a, cfg: cfg.withDefaults()}
}

// NotifyCompleted publishes the completed-status event for a job.
func (n *Notifier) NotifyCompleted(ctx context.Context, jobID string, result map[string]any, traceID string) error {
	if err := validateArgs(jobID, traceID); err != nil {
		return err
	}
	return n.publish(ctx, n.cfg.CompletedStream, n.cfg.TypePrefix+".completed", jobID, traceID, map[string]any{
		"job_id": jobID,
		"result": result,
	})
}

// NotifyFailed publishes the failed-status event for a job. The failure
// must carry a non-empty message.
func (n *Notifier) NotifyFailed(ctx context.Context, jobID string, failure job.ExecutionFailure, traceID string) error {
	if err := validateArgs(jobID, traceID); err != nil {
		return err
	}
	if strings.TrimSpace(failure.Message) == "" {
		return &job.ValidationError{Field: "error.message", Reason: "must be a non-empty string"}
	}
	return n.publish(ctx, n.cfg.FailedStream, n.cfg.TypePrefix+".failed", jobID, traceID, map[string]any{
		"job_id": jobID,
		"error":  failure,
	})
}

func (n *Notifier) publish(ctx context.Context, stream, eventType, jobID, traceID string, data map[string]any) error {
	traceparent, err := BuildTraceparent(traceID)
	if err != nil {
		return &job.ValidationError{Field: "trace_id", Reason: err.Error()}
	}

	event := cloudEvent{
		SpecVersion: "1.0",
		Type:        eventType,
		Source:      n.cfg.Source,
		Subject:     jobID,
		ID:          uuid.NewString(),
		TraceParent: traceparent,
		Data:        data,
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding %s notification: %w", eventType, err)
	}

	if err := n.appender.Append(ctx, stream, map[string]any{
		"payload": string(payload),
		"type":    eventType,
		"subject": jobID,
	}); err != nil {
		metrics.NotifyErrors.Inc()
		return fmt.Errorf("publishing %s notification: %w", eventType, err)
	}

	slog.InfoContext(ctx, "terminal notification published",
		"stream", stream,
		"type", eventType,
		"subject", jobID)
	return nil
}

func validateArgs(jobID, traceID string) error {
	if strings.TrimSpace(jobID) == "" {
		return &job.ValidationError{Field: "job_id", Reason: "must be a non-empty string"}
	}
	if strings.TrimSpace(traceID) == "" {
		return &job.ValidationError{Field: "trace_id", Reason: "must be a non-empty string"}
	}
	return nil
}
