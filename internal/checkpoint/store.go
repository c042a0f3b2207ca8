// Package checkpoint persists workload progress snapshots in Postgres.
// Checkpoints for a thread form an append-only, totally ordered sequence;
// recording a new step never mutates an existing row.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"agentforge.dev/executor/core/db"
	"agentforge.dev/executor/internal/metrics"
)

var ErrNotFound = errors.New("checkpoint not found")

// Snapshot is one durable step of a workload execution.
type Snapshot struct {
	ThreadID  string
	Seq       int64
	NodeID    string
	State     map[string]any
	CreatedAt time.Time
}

type Store struct {
	db *db.DB
}

func New(database *db.DB) *Store {
	return &Store{db: database}
}

// Setup creates the checkpoint table if it does not exist yet.
func (s *Store) Setup(ctx context.Context) error {
	_, err := s.db.Pool().Exec(ctx, `
		CREATE TABLE IF NOT EXISTS agent_checkpoints (
			thread_id  TEXT        NOT NULL,
			seq        BIGINT      NOT NULL,
			node_id    TEXT        NOT NULL DEFAULT '',
			state      JSONB       NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (thread_id, seq)
		)`)
	if err != nil {
		return fmt.Errorf("creating checkpoint table: %w", err)
	}
	return nil
}

// SaveStep appends the next checkpoint for the thread and returns its
// sequence number. Sequence numbers start at 1.
func (s *Store) SaveStep(ctx context.Context, threadID, nodeID string, state map[string]any) (int64, error) {
	encoded, err := json.Marshal(state)
	if err != nil {
		return 0, fmt.Errorf("encoding checkpoint state: %w", err)
	}

	// Sequence assignment and insert run in one transaction so two
	// writers on the same thread cannot race to the same seq.
	var seq int64
	err = s.db.WithTx(ctx, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, `
			INSERT INTO agent_checkpoints (thread_id, seq, node_id, state)
			SELECT $1, COALESCE(MAX(seq), 0) + 1, $2, $3::jsonb
			FROM agent_checkpoints
			WHERE thread_id = $1
			RETURNING seq`,
			threadID, nodeID, string(encoded),
		).Scan(&seq)
	})
	if err != nil {
		metrics.DBConnectionErrors.Inc()
		return 0, fmt.Errorf("saving checkpoint for thread %s: %w", threadID, err)
	}
	return seq, nil
}

// Latest returns the most recent checkpoint for the thread.
// Returns ErrNotFound when the thread has no checkpoints.
func (s *Store) Latest(ctx context.Context, threadID string) (Snapshot, error) {
	var (
		snap    Snapshot
		encoded []byte
	)
	err := s.db.Pool().QueryRow(ctx, `
		SELECT thread_id, seq, node_id, state, created_at
		FROM agent_checkpoints
		WHERE thread_id = $1
		ORDER BY seq DESC
		LIMIT 1`,
		threadID,
	).Scan(&snap.ThreadID, &snap.Seq, &snap.NodeID, &encoded, &snap.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Snapshot{}, ErrNotFound
	}
	if err != nil {
		metrics.DBConnectionErrors.Inc()
		return Snapshot{}, fmt.Errorf("loading latest checkpoint for thread %s: %w", threadID, err)
	}

	if err := json.Unmarshal(encoded, &snap.State); err != nil {
		return Snapshot{}, fmt.Errorf("decoding checkpoint state: %w", err)
	}
	return snap, nil
}

// History returns all checkpoints for the thread in sequence order.
func (s *Store) History(ctx context.Context, threadID string) ([]Snapshot, error) {
	rows, err := s.db.Pool().Query(ctx, `
		SELECT thread_id, seq, node_id, state, created_at
		FROM agent_checkpoints
		WHERE thread_id = $1
		ORDER BY seq ASC`,
		threadID,
	)
	if err != nil {
		metrics.DBConnectionErrors.Inc()
		return nil, fmt.Errorf("loading checkpoint history for thread %s: %w", threadID, err)
	}
	defer rows.Close()

	var snaps []Snapshot
	for rows.Next() {
		var (
			snap    Snapshot
			encoded []byte
		)
		if err := rows.Scan(&snap.ThreadID, &snap.Seq, &snap.NodeID, &encoded, &snap.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning checkpoint row: %w", err)
		}
		if err := json.Unmarshal(encoded, &snap.State); err != nil {
			return nil, fmt.Errorf("decoding checkpoint state: %w", err)
		}
		snaps = append(snaps, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating checkpoint rows: %w", err)
	}
	return snaps, nil
}

// Health verifies the backing database connection.
func (s *Store) Health(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		metrics.DBConnectionErrors.Inc()
		return fmt.Errorf("checkpoint store unhealthy: %w", err)
	}
	return nil
}
