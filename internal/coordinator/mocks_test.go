package coordinator

import (
	"context"

	"agentforge.dev/executor/internal/job"
	"agentforge.dev/executor/internal/runner"
)

// mockRunner replays a fixed sequence of items then returns finalErr.
type mockRunner struct {
	items    []runner.Item
	finalErr error
	requests []runner.StreamRequest
}

func (m *mockRunner) Stream(ctx context.Context, req runner.StreamRequest) (<-chan runner.Item, <-chan error) {
	m.requests = append(m.requests, req)

	items := make(chan runner.Item)
	errc := make(chan error, 1)
	go func() {
		defer close(items)
		for _, it := range m.items {
			select {
			case items <- it:
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			}
		}
		errc <- m.finalErr
	}()
	return items, errc
}

func (m *mockRunner) Health(context.Context) error { return nil }

type publishedEvent struct {
	threadID  string
	eventType string
	data      map[string]any
}

type mockBus struct {
	published  []publishedEvent
	endCalls   []string
	publishErr error
	endErr     error
}

func (m *mockBus) Publish(_ context.Context, threadID, eventType string, data map[string]any) error {
	m.published = append(m.published, publishedEvent{threadID: threadID, eventType: eventType, data: data})
	return m.publishErr
}

func (m *mockBus) PublishEnd(_ context.Context, threadID string) error {
	m.endCalls = append(m.endCalls, threadID)
	return m.endErr
}

type completedNotification struct {
	jobID   string
	result  map[string]any
	traceID string
}

type failedNotification struct {
	jobID   string
	failure job.ExecutionFailure
	traceID string
}

type mockNotifier struct {
	completed   []completedNotification
	failed      []failedNotification
	completeErr error
	failErr     error
}

func (m *mockNotifier) NotifyCompleted(_ context.Context, jobID string, result map[string]any, traceID string) error {
	m.completed = append(m.completed, completedNotification{jobID: jobID, result: result, traceID: traceID})
	return m.completeErr
}

func (m *mockNotifier) NotifyFailed(_ context.Context, jobID string, failure job.ExecutionFailure, traceID string) error {
	m.failed = append(m.failed, failedNotification{jobID: jobID, failure: failure, traceID: traceID})
	return m.failErr
}

type mockRegistry struct {
	running   []string
	completed []string
	failed    []string
	markErr   error
}

func (m *mockRegistry) MarkRunning(_ context.Context, threadID string) error {
	m.running = append(m.running, threadID)
	return m.markErr
}

func (m *mockRegistry) MarkCompleted(_ context.Context, threadID string, _ map[string]any) error {
	m.completed = append(m.completed, threadID)
	return m.markErr
}

func (m *mockRegistry) MarkFailed(_ context.Context, threadID string, _ *job.ExecutionFailure) error {
	m.failed = append(m.failed, threadID)
	return m.markErr
}
