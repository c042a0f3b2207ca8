package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"agentforge.dev/executor/common/logger"
)

type ConsumerConfig struct {
	Stream       string        // Redis stream name
	Group        string        // Redis consumer group name
	Consumer     string        // Redis consumer name
	DLQStream    string        // Dead letter queue stream for failed messages
	BatchSize    int64         // Number of messages to process per batch
	Block        time.Duration // How long to block/poll for new messages
	MaxAttempts  int           // Maximum retry attempts before moving to DLQ
	RequeueDelay time.Duration // Delay before retrying failed messages
}

// Message is one job submission read from the stream. Payload carries
// the JSON job envelope; TraceID and Attempt are stream-level metadata
// so they survive requeues without re-decoding the envelope.
type Message struct {
	ID        string
	Payload   []byte
	TraceID   string
	Attempt   int
	LastError string
	Raw       redis.XMessage
}

// MessageProcessor processes a queue message.
type MessageProcessor func(ctx context.Context, msg Message) error

type RedisConsumer struct {
	client *redis.Client
	cfg    ConsumerConfig
}

func NewRedisConsumer(client *redis.Client, cfg ConsumerConfig) (*RedisConsumer, error) {
	consumer := &RedisConsumer{
		client: client,
		cfg:    cfg,
	}

	if err := consumer.ensureGroup(context.Background()); err != nil { //nolint:contextcheck
		return nil, err
	}

	return consumer, nil
}

func (c *RedisConsumer) ensureGroup(ctx context.Context) error {
	// Consumer groups are just readers, messages live in the stream itself.
	// If we recreate the group, we want to see everything that's already there.
	// Starting from "0" instead of "$" means we don't lose messages during restarts.
	if err := c.client.XGroupCreateMkStream(ctx, c.cfg.Stream, c.cfg.Group, "0").Err(); err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
		return fmt.Errorf("creating consumer group: %w", err)
	}
	return nil
}

func (c *RedisConsumer) Read(ctx context.Context) ([]Message, error) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		Component: "executor.queue.consumer",
	})

	streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.cfg.Group,
		Consumer: c.cfg.Consumer,
		// > = New messages not yet delivered to anyone. 0 = this consumer's pending messages.
		// Unacked messages will be handled by the reclaimer running on a different goroutine.
		Streams: []string{c.cfg.Stream, ">"},
		Count:   c.cfg.BatchSize,
		Block:   c.cfg.Block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []Message{}, nil
		}
		return nil, fmt.Errorf("reading from stream: %w", err)
	}

	var messages []Message
	// XReadGroup supports multiple streams, but we only read one so this outer loop only runs once.
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			parsed, parseErr := ParseMessage(msg)
			if parseErr != nil {
				slog.ErrorContext(ctx, "failed to parse message",
					"error", parseErr,
					"raw_message_id", msg.ID,
					"raw_payload", logger.Truncate(fmt.Sprintf("%v", msg.Values), 256),
					"stream", c.cfg.Stream)
				_ = c.Ack(ctx, Message{ID: msg.ID, Raw: msg})
				continue
			}
			messages = append(messages, parsed)
		}
	}

	if len(messages) > 0 {
		slog.DebugContext(ctx, "read messages from stream",
			"count", len(messages),
			"stream", c.cfg.Stream,
			"consumer", c.cfg.Consumer)
	}

	return messages, nil
}

func (c *RedisConsumer) Ack(ctx context.Context, msg Message) error {
	if err := c.client.XAck(ctx, c.cfg.Stream, c.cfg.Group, msg.ID).Err(); err != nil {
		return fmt.Errorf("xack (stream=%s): %w", c.cfg.Stream, err)
	}

	slog.DebugContext(ctx, "message acknowledged", "stream", c.cfg.Stream)
	return nil
}

func (c *RedisConsumer) Requeue(ctx context.Context, msg Message, errMsg string) error {
	nextAttempt := msg.Attempt + 1
	return c.RequeueWithAttempt(ctx, msg, nextAttempt, errMsg)
}

func (c *RedisConsumer) RequeueWithAttempt(ctx context.Context, msg Message, attempt int, errMsg string) error {
	if attempt <= 0 {
		attempt = msg.Attempt
		if attempt <= 0 {
			attempt = 1
		}
	}

	if err := c.Ack(ctx, msg); err != nil {
		return fmt.Errorf("acking failed message for requeue: %w", err)
	}

	values := messageValues(msg, attempt)
	if errMsg != "" {
		values["last_error"] = errMsg
	}

	// The re-add may outlive the read that triggered it.
	addCtx := context.WithoutCancel(ctx)
	if c.cfg.RequeueDelay <= 0 {
		return c.readd(addCtx, values, attempt, errMsg)
	}

	// Must not block: the consume loop calls this inline.
	deferFunc(c.cfg.RequeueDelay, func() {
		if err := c.readd(addCtx, values, attempt, errMsg); err != nil {
			slog.ErrorContext(addCtx, "delayed requeue failed",
				"error", err,
				"next_attempt", attempt)
		}
	})
	return nil
}

func (c *RedisConsumer) readd(ctx context.Context, values map[string]any, attempt int, errMsg string) error {
	if err := c.client.XAdd(ctx, &redis.XAddArgs{
		Stream: c.cfg.Stream,
		Values: values,
	}).Err(); err != nil {
		return fmt.Errorf("xadd requeue: %w", err)
	}

	slog.InfoContext(ctx, "message requeued for retry",
		"next_attempt", attempt,
		"reason", errMsg)
	return nil
}

// deferFunc runs fn after d without blocking the caller. A
// non-positive delay runs fn inline.
func deferFunc(d time.Duration, fn func()) {
	if d <= 0 {
		fn()
		return
	}
	time.AfterFunc(d, fn)
}

func (c *RedisConsumer) SendDLQ(ctx context.Context, msg Message, errMsg string) error {
	if err := c.Ack(ctx, msg); err != nil {
		return fmt.Errorf("acking failed message for dlq: %w", err)
	}

	values := messageValues(msg, msg.Attempt)
	values["error"] = errMsg

	if err := c.client.XAdd(ctx, &redis.XAddArgs{
		Stream: c.cfg.DLQStream,
		Values: values,
	}).Err(); err != nil {
		return fmt.Errorf("xadd dlq (stream=%s): %w", c.cfg.DLQStream, err)
	}

	slog.ErrorContext(ctx, "message sent to DLQ",
		"final_error", errMsg,
		"dlq_stream", c.cfg.DLQStream)
	return nil
}

// Health verifies the Redis connection behind the consumer.
func (c *RedisConsumer) Health(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("queue consumer unhealthy: %w", err)
	}
	return nil
}

// MaxAttempts exposes the configured retry limit.
func (c *RedisConsumer) MaxAttempts() int {
	return c.cfg.MaxAttempts
}

func ParseMessage(msg redis.XMessage) (Message, error) {
	payload, err := parseString(msg.Values, "payload")
	if err != nil {
		return Message{}, err
	}
	if payload == "" {
		return Message{}, fmt.Errorf("empty payload")
	}

	traceID, err := parseOptionalString(msg.Values, "trace_id")
	if err != nil {
		return Message{}, err
	}
	lastError, err := parseOptionalString(msg.Values, "last_error")
	if err != nil {
		return Message{}, err
	}

	attempt, err := parseOptionalInt(msg.Values, "attempt")
	if err != nil {
		return Message{}, err
	}
	if attempt == 0 {
		attempt = 1
	}

	return Message{
		ID:        msg.ID,
		Payload:   []byte(payload),
		TraceID:   traceID,
		Attempt:   attempt,
		LastError: lastError,
		Raw:       msg,
	}, nil
}

func parseString(values map[string]any, key string) (string, error) {
	raw, ok := values[key]
	if !ok {
		return "", fmt.Errorf("missing %s", key)
	}
	return fmt.Sprint(raw), nil
}

func parseOptionalInt(values map[string]any, key string) (int, error) {
	raw, ok := values[key]
	if !ok {
		return 0, nil
	}
	str := fmt.Sprint(raw)
	num, err := strconv.Atoi(str)
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", key, err)
	}
	return num, nil
}

func parseOptionalString(values map[string]any, key string) (string, error) {
	raw, ok := values[key]
	if !ok {
		return "", nil
	}
	return fmt.Sprint(raw), nil
}

func messageValues(msg Message, attempt int) map[string]any {
	values := map[string]any{
		"payload": string(msg.Payload),
		"attempt": attempt,
	}

	if msg.TraceID != "" {
		values["trace_id"] = msg.TraceID
	}

	return values
}
