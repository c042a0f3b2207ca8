package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"agentforge.dev/executor/common/logger"
	"agentforge.dev/executor/internal/queue"
)

// RedisReclaimerConfig controls recovery of messages left pending by
// crashed or wedged consumers.
type RedisReclaimerConfig struct {
	Stream    string
	Group     string
	Consumer  string
	MinIdle   time.Duration
	Interval  time.Duration
	BatchSize int64
}

// RedisReclaimer periodically claims stale pending entries from the
// consumer group and runs them through the worker's processor.
type RedisReclaimer struct {
	client    *redis.Client
	cfg       RedisReclaimerConfig
	consumer  *queue.RedisConsumer
	processor func(ctx context.Context, msg queue.Message) error

	stopCh    chan struct{}
	stoppedCh chan struct{}
}

func NewRedisReclaimer(
	client *redis.Client,
	cfg RedisReclaimerConfig,
	consumer *queue.RedisConsumer,
	processor func(ctx context.Context, msg queue.Message) error,
) *RedisReclaimer {
	if cfg.MinIdle <= 0 {
		cfg.MinIdle = 5 * time.Minute
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	return &RedisReclaimer{
		client:    client,
		cfg:       cfg,
		consumer:  consumer,
		processor: processor,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

func (r *RedisReclaimer) Run(ctx context.Context) {
	defer close(r.stoppedCh)

	ctx = logger.WithLogFields(ctx, logger.LogFields{
		Component: "executor.worker.reclaimer",
	})

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	slog.InfoContext(ctx, "reclaimer started",
		"min_idle", r.cfg.MinIdle.String(),
		"interval", r.cfg.Interval.String())

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			slog.InfoContext(ctx, "reclaimer stopping")
			return
		case <-ticker.C:
			if err := r.reclaimOnce(ctx); err != nil {
				slog.ErrorContext(ctx, "reclaim pass failed", "error", err)
			}
		}
	}
}

func (r *RedisReclaimer) Stop() {
	close(r.stopCh)
	<-r.stoppedCh
}

func (r *RedisReclaimer) reclaimOnce(ctx context.Context) error {
	pending, err := r.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: r.cfg.Stream,
		Group:  r.cfg.Group,
		Idle:   r.cfg.MinIdle,
		Start:  "-",
		End:    "+",
		Count:  r.cfg.BatchSize,
	}).Result()
	if err != nil {
		return fmt.Errorf("listing pending entries: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	slog.InfoContext(ctx, "reclaiming stale messages", "count", len(pending))

	for _, entry := range pending {
		r.reclaimMessage(ctx, entry)
	}
	return nil
}

func (r *RedisReclaimer) reclaimMessage(ctx context.Context, entry redis.XPendingExt) {
	claimed, err := r.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   r.cfg.Stream,
		Group:    r.cfg.Group,
		Consumer: r.cfg.Consumer,
		MinIdle:  r.cfg.MinIdle,
		Messages: []string{entry.ID},
	}).Result()
	if err != nil {
		slog.ErrorContext(ctx, "failed to claim message",
			"message_id", entry.ID,
			"error", err)
		return
	}

	for _, raw := range claimed {
		msg, err := queue.ParseMessage(raw)
		if err != nil {
			// Unparseable entries would be reclaimed forever. Settle
			// them so they leave the pending list.
			slog.ErrorContext(ctx, "acking unparseable reclaimed message",
				"message_id", raw.ID,
				"error", err)
			if ackErr := r.consumer.Ack(ctx, queue.Message{ID: raw.ID, Raw: raw}); ackErr != nil {
				slog.ErrorContext(ctx, "failed to ACK unparseable message", "error", ackErr)
			}
			continue
		}

		mctx := logger.WithLogFields(ctx, logger.LogFields{
			MessageID: logger.Ptr(msg.ID),
			Attempt:   logger.Ptr(msg.Attempt),
		})
		slog.InfoContext(mctx, "reprocessing reclaimed message",
			"idle", entry.Idle.String(),
			"deliveries", entry.RetryCount)

		if err := r.processor(mctx, msg); err != nil {
			slog.ErrorContext(mctx, "reclaimed message failed", "error", err)
		}
	}
}
