package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"agentforge.dev/executor/internal/job"
)

// Submission is one job enqueued onto the jobs stream.
type Submission struct {
	Job     job.Job
	Attempt int
}

type Producer interface {
	Enqueue(ctx context.Context, sub Submission) error
	Close() error
}

type redisProducer struct {
	client *redis.Client
	stream string
	logger *slog.Logger
}

func NewRedisProducer(client *redis.Client, stream string, logger *slog.Logger) Producer {
	if logger == nil {
		logger = slog.Default()
	}
	return &redisProducer{
		client: client,
		stream: stream,
		logger: logger,
	}
}

func (p *redisProducer) Enqueue(ctx context.Context, sub Submission) error {
	if err := sub.Job.Validate(); err != nil {
		return err
	}

	attempt := sub.Attempt
	if attempt <= 0 {
		attempt = 1
	}

	payload, err := json.Marshal(sub.Job)
	if err != nil {
		return fmt.Errorf("encoding job envelope: %w", err)
	}

	fields := map[string]any{
		"payload":  string(payload),
		"trace_id": sub.Job.TraceID,
		"attempt":  attempt,
	}

	if err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		Values: fields,
	}).Err(); err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}

	p.logger.InfoContext(ctx, "enqueued job", "job_id", sub.Job.JobID, "trace_id", sub.Job.TraceID, "attempt", attempt)
	return nil
}

func (p *redisProducer) Close() error {
	return p.client.Close()
}
