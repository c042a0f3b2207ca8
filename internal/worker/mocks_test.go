package worker_test

import (
	"context"

	"agentforge.dev/executor/internal/job"
	"agentforge.dev/executor/internal/queue"
)

type mockConsumer struct {
	readFn func(ctx context.Context) ([]queue.Message, error)

	acked    []string
	requeued []string
	dlq      []string

	ackErr     error
	requeueErr error
	dlqErr     error
	healthErr  error
}

func (m *mockConsumer) Read(ctx context.Context) ([]queue.Message, error) {
	if m.readFn != nil {
		return m.readFn(ctx)
	}
	return nil, nil
}

func (m *mockConsumer) Ack(ctx context.Context, msg queue.Message) error {
	m.acked = append(m.acked, msg.ID)
	return m.ackErr
}

func (m *mockConsumer) Requeue(ctx context.Context, msg queue.Message, errMsg string) error {
	m.requeued = append(m.requeued, msg.ID)
	return m.requeueErr
}

func (m *mockConsumer) SendDLQ(ctx context.Context, msg queue.Message, errMsg string) error {
	m.dlq = append(m.dlq, msg.ID)
	return m.dlqErr
}

func (m *mockConsumer) Health(ctx context.Context) error {
	return m.healthErr
}

type mockExecutor struct {
	executeFn func(ctx context.Context, j job.Job) (job.Outcome, error)

	executed []job.Job
}

func (m *mockExecutor) Execute(ctx context.Context, j job.Job) (job.Outcome, error) {
	m.executed = append(m.executed, j)
	if m.executeFn != nil {
		return m.executeFn(ctx, j)
	}
	return job.Outcome{JobID: j.JobID, Status: job.StatusCompleted}, nil
}
