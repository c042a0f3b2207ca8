// Package runner executes workload definitions as multi-agent graphs,
// streaming progress items and checkpointing after every node step.
package runner

import (
	"context"

	"agentforge.dev/executor/internal/checkpoint"
)

// Mode distinguishes the kinds of items a workload stream yields.
type Mode string

const (
	// ModeState carries a full state snapshot after a node step.
	ModeState Mode = "state"
	// ModeToken carries incremental model output.
	ModeToken Mode = "token"
	// ModeEvent carries a structured runtime event (tool calls etc).
	ModeEvent Mode = "event"
)

// Item is one element of a workload progress stream.
type Item struct {
	Mode    Mode
	NodeID  string
	Payload map[string]any
}

// StreamRequest binds one execution to its checkpoint thread.
type StreamRequest struct {
	ThreadID   string
	Definition map[string]any
	Input      map[string]any
}

// Runner streams workload execution. The items channel is closed when
// the stream ends; the error channel then yields exactly one value,
// nil on success. Invoking Stream with a previously-used thread id
// resumes from the last durable checkpoint rather than restarting.
type Runner interface {
	Stream(ctx context.Context, req StreamRequest) (<-chan Item, <-chan error)
	Health(ctx context.Context) error
}

// CheckpointStore is the durable step storage the runner depends on.
type CheckpointStore interface {
	SaveStep(ctx context.Context, threadID, nodeID string, state map[string]any) (int64, error)
	Latest(ctx context.Context, threadID string) (checkpoint.Snapshot, error)
	Health(ctx context.Context) error
}
