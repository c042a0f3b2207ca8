package handler_test

import (
	"context"

	"agentforge.dev/executor/internal/checkpoint"
	"agentforge.dev/executor/internal/job"
	"agentforge.dev/executor/internal/registry"
)

type mockExecutor struct {
	executeFn func(ctx context.Context, j job.Job) (job.Outcome, error)

	executed chan job.Job
}

func newMockExecutor() *mockExecutor {
	return &mockExecutor{executed: make(chan job.Job, 8)}
}

func (m *mockExecutor) Execute(ctx context.Context, j job.Job) (job.Outcome, error) {
	m.executed <- j
	if m.executeFn != nil {
		return m.executeFn(ctx, j)
	}
	return job.Outcome{JobID: j.JobID, Status: job.StatusCompleted}, nil
}

type mockStateReader struct {
	getFn func(ctx context.Context, threadID string) (registry.Record, error)
}

func (m *mockStateReader) Get(ctx context.Context, threadID string) (registry.Record, error) {
	if m.getFn != nil {
		return m.getFn(ctx, threadID)
	}
	return registry.Record{}, registry.ErrNotFound
}

type mockCheckpointReader struct {
	historyFn func(ctx context.Context, threadID string) ([]checkpoint.Snapshot, error)
}

func (m *mockCheckpointReader) History(ctx context.Context, threadID string) ([]checkpoint.Snapshot, error) {
	if m.historyFn != nil {
		return m.historyFn(ctx, threadID)
	}
	return nil, nil
}
