// Package worker consumes job submissions from the Redis stream and
// hands them to the execution coordinator, with bounded retries and a
// dead-letter stream for poison messages.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"agentforge.dev/executor/common/logger"
	"agentforge.dev/executor/internal/coordinator"
	"agentforge.dev/executor/internal/job"
	"agentforge.dev/executor/internal/metrics"
	"agentforge.dev/executor/internal/queue"
)

// Executor runs one validated job to a terminal outcome.
// Mirrors coordinator.Coordinator - defined here for mockability.
type Executor interface {
	Execute(ctx context.Context, j job.Job) (job.Outcome, error)
}

// Consumer is the slice of queue.RedisConsumer the worker needs.
type Consumer interface {
	Read(ctx context.Context) ([]queue.Message, error)
	Ack(ctx context.Context, msg queue.Message) error
	Requeue(ctx context.Context, msg queue.Message, errMsg string) error
	SendDLQ(ctx context.Context, msg queue.Message, errMsg string) error
	Health(ctx context.Context) error
}

type Config struct {
	MaxAttempts  int
	ErrorBackoff time.Duration
}

type Worker struct {
	consumer Consumer
	executor Executor
	cfg      Config

	running   atomic.Bool
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

func New(consumer Consumer, executor Executor, cfg Config) *Worker {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = time.Second
	}
	return &Worker{
		consumer:  consumer,
		executor:  executor,
		cfg:       cfg,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

func (w *Worker) Run(ctx context.Context) error {
	defer close(w.stoppedCh)

	w.running.Store(true)
	defer w.running.Store(false)

	slog.InfoContext(ctx, "worker started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stopCh:
			slog.InfoContext(ctx, "worker stopping")
			return nil
		default:
			if err := w.processOneBatch(ctx); err != nil {
				slog.ErrorContext(ctx, "batch processing error", "error", err)
				// Brief backoff on fetch-level errors so a dead broker
				// doesn't turn into a hot loop.
				time.Sleep(w.cfg.ErrorBackoff)
			}
		}
	}
}

func (w *Worker) Stop() {
	close(w.stopCh)
	<-w.stoppedCh
}

// Healthy reports whether the loop is running and the broker reachable.
func (w *Worker) Healthy(ctx context.Context) error {
	if !w.running.Load() {
		return errors.New("worker loop not running")
	}
	return w.consumer.Health(ctx)
}

func (w *Worker) processOneBatch(ctx context.Context) error {
	messages, err := w.consumer.Read(ctx)
	if err != nil {
		return fmt.Errorf("reading from stream: %w", err)
	}

	for _, msg := range messages {
		if err := w.processMessageSafe(ctx, msg); err != nil {
			slog.ErrorContext(ctx, "message processing failed",
				"error", err,
				"message_id", msg.ID)
			w.handleFailedMessage(ctx, msg, err)
		}
	}

	return nil
}

func (w *Worker) processMessageSafe(ctx context.Context, msg queue.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "panic recovered in message processing",
				"panic", r,
				"message_id", msg.ID)
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return w.ProcessMessage(ctx, msg)
}

// ProcessMessage decodes and executes one job submission. Exported so
// it can be reused by the reclaimer.
//
// A returned error means the message was NOT settled and the caller
// must requeue or dead-letter it. Handled execution failures return
// nil: the coordinator has already published the failed-status
// notification, so redelivery would only duplicate work.
func (w *Worker) ProcessMessage(ctx context.Context, msg queue.Message) error {
	sc := logger.StartSpanFromTraceID(ctx, msg.TraceID, "worker.process_message",
		trace.WithSpanKind(trace.SpanKindConsumer))
	defer sc.End()
	ctx = sc.Context()

	ctx = logger.WithLogFields(ctx, logger.LogFields{
		MessageID: logger.Ptr(msg.ID),
		Attempt:   logger.Ptr(msg.Attempt),
		Component: "executor.worker",
	})

	slog.InfoContext(ctx, "processing message")

	j, err := job.Decode(msg.Payload)
	if err != nil {
		return fmt.Errorf("decoding job: %w", err)
	}
	if j.TraceID == "" {
		j.TraceID = msg.TraceID
	}
	if err := j.Validate(); err != nil {
		return err
	}

	ctx = logger.WithLogFields(ctx, logger.LogFields{JobID: logger.Ptr(j.JobID)})

	_, err = w.executor.Execute(ctx, j)

	var execErr *coordinator.ExecutionError
	if errors.As(err, &execErr) {
		// The failure has already been communicated downstream. Settle
		// the message so the broker does not redeliver it.
		slog.WarnContext(ctx, "job failed, outcome already notified", "error", err)
		if ackErr := w.consumer.Ack(ctx, msg); ackErr != nil {
			slog.WarnContext(ctx, "failed to ACK message", "error", ackErr)
		}
		metrics.QueueProcessed.Inc()
		return nil
	}
	if err != nil {
		sc.RecordError(err)
		return err
	}

	if ackErr := w.consumer.Ack(ctx, msg); ackErr != nil {
		// Log but don't fail - the reclaimer will re-settle it and the
		// checkpointed thread makes the rerun resume, not repeat.
		slog.WarnContext(ctx, "failed to ACK message", "error", ackErr)
	}
	metrics.QueueProcessed.Inc()
	return nil
}

// HandleReclaimed is the processor the reclaimer runs for claimed
// messages. Same retry and dead-letter policy as the main loop.
func (w *Worker) HandleReclaimed(ctx context.Context, msg queue.Message) error {
	if err := w.processMessageSafe(ctx, msg); err != nil {
		w.handleFailedMessage(ctx, msg, err)
		return err
	}
	return nil
}

func (w *Worker) handleFailedMessage(ctx context.Context, msg queue.Message, err error) {
	metrics.QueueFailed.Inc()

	if msg.Attempt >= w.cfg.MaxAttempts {
		slog.ErrorContext(ctx, "max attempts reached, sending to DLQ",
			"message_id", msg.ID,
			"attempts", msg.Attempt)
		if dlqErr := w.consumer.SendDLQ(ctx, msg, err.Error()); dlqErr != nil {
			slog.ErrorContext(ctx, "failed to send to DLQ", "error", dlqErr)
		}
		return
	}

	slog.WarnContext(ctx, "requeuing failed message",
		"message_id", msg.ID,
		"attempt", msg.Attempt)
	if requeueErr := w.consumer.Requeue(ctx, msg, err.Error()); requeueErr != nil {
		slog.ErrorContext(ctx, "failed to requeue message", "error", requeueErr)
	}
}
