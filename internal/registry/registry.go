// Package registry tracks job existence and terminal results in Redis
// strings, letting the state endpoint distinguish a running job from an
// unknown job id. Entries expire after a configurable TTL.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"agentforge.dev/executor/internal/job"
)

var ErrNotFound = errors.New("job not found")

const keyPrefix = "agentjob:"

// Record is the registry entry for one job.
type Record struct {
	ThreadID  string                `json:"thread_id"`
	Status    job.Status            `json:"status"`
	Result    map[string]any        `json:"result,omitempty"`
	Error     *job.ExecutionFailure `json:"error,omitempty"`
	UpdatedAt time.Time             `json:"updated_at"`
}

type Store struct {
	client *redis.Client
	ttl    time.Duration
}

func New(client *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Store{client: client, ttl: ttl}
}

func (s *Store) MarkRunning(ctx context.Context, threadID string) error {
	return s.set(ctx, Record{ThreadID: threadID, Status: job.StatusRunning})
}

func (s *Store) MarkCompleted(ctx context.Context, threadID string, result map[string]any) error {
	return s.set(ctx, Record{ThreadID: threadID, Status: job.StatusCompleted, Result: result})
}

func (s *Store) MarkFailed(ctx context.Context, threadID string, failure *job.ExecutionFailure) error {
	return s.set(ctx, Record{ThreadID: threadID, Status: job.StatusFailed, Error: failure})
}

// Get returns the registry entry for the thread, or ErrNotFound when no
// entry exists (never submitted, or expired).
func (s *Store) Get(ctx context.Context, threadID string) (Record, error) {
	raw, err := s.client.Get(ctx, keyPrefix+threadID).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("reading job record %s: %w", threadID, err)
	}

	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, fmt.Errorf("decoding job record %s: %w", threadID, err)
	}
	return rec, nil
}

// Health verifies the Redis connection.
func (s *Store) Health(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("job registry unhealthy: %w", err)
	}
	return nil
}

func (s *Store) set(ctx context.Context, rec Record) error {
	rec.UpdatedAt = time.Now().UTC()

	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding job record %s: %w", rec.ThreadID, err)
	}
	if err := s.client.Set(ctx, keyPrefix+rec.ThreadID, raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("writing job record %s: %w", rec.ThreadID, err)
	}
	return nil
}
