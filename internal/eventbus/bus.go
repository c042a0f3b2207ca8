// Package eventbus publishes per-job progress events over Redis pub/sub.
// Events are ephemeral: no persistence, no delivery guarantee. Consumers
// that need durable outcomes use the status streams instead.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"agentforge.dev/executor/common/logger"
	"agentforge.dev/executor/internal/metrics"
)

// EventTypeEnd signals that no further events will arrive for a job.
const EventTypeEnd = "end"

type Config struct {
	// Namespace prefixes every channel name, e.g. "agentgraph".
	Namespace string
}

type Bus struct {
	client *redis.Client
	ns     string
}

func New(client *redis.Client, cfg Config) *Bus {
	ns := cfg.Namespace
	if ns == "" {
		ns = "agentgraph"
	}
	return &Bus{client: client, ns: ns}
}

// Channel returns the pub/sub channel name for a job's progress stream.
func (b *Bus) Channel(threadID string) string {
	return fmt.Sprintf("%s:stream:%s", b.ns, threadID)
}

// Publish sends one progress event to the job's channel. Data that cannot
// be JSON-encoded is coerced to its string form rather than dropped.
func (b *Bus) Publish(ctx context.Context, threadID, eventType string, data map[string]any) error {
	payload, err := json.Marshal(map[string]any{
		"event_type": eventType,
		"data":       Sanitize(data),
	})
	if err != nil {
		metrics.EventPublishErrors.Inc()
		return fmt.Errorf("encoding %s event: %w", eventType, err)
	}

	if err := b.client.Publish(ctx, b.Channel(threadID), payload).Err(); err != nil {
		metrics.EventPublishErrors.Inc()
		return fmt.Errorf("publishing %s event: %w", eventType, err)
	}

	metrics.EventsPublished.WithLabelValues(eventType).Inc()
	slog.DebugContext(ctx, "progress event published",
		"channel", b.Channel(threadID),
		"event_type", eventType)
	return nil
}

// PublishEnd emits the stream-termination marker for a job.
func (b *Bus) PublishEnd(ctx context.Context, threadID string) error {
	ctx = logger.WithLogFields(ctx, logger.LogFields{EventType: logger.Ptr(EventTypeEnd)})
	return b.Publish(ctx, threadID, EventTypeEnd, map[string]any{})
}

// Subscribe opens a pub/sub subscription on the job's channel.
// The caller owns the returned subscription and must Close it.
func (b *Bus) Subscribe(ctx context.Context, threadID string) *redis.PubSub {
	return b.client.Subscribe(ctx, b.Channel(threadID))
}

// Health verifies the Redis connection.
func (b *Bus) Health(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("event bus unhealthy: %w", err)
	}
	return nil
}
