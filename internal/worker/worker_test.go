package worker_test

import (
	"context"
	"encoding/json"
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"agentforge.dev/executor/internal/coordinator"
	"agentforge.dev/executor/internal/job"
	"agentforge.dev/executor/internal/queue"
	"agentforge.dev/executor/internal/worker"
)

func validPayload() []byte {
	data, err := json.Marshal(job.Job{
		TraceID: "trace-1",
		JobID:   "job-1",
		WorkloadDefinition: map[string]any{
			"nodes": []any{map[string]any{"type": "orchestrator"}},
		},
		InputPayload: map[string]any{"messages": []any{"hello"}},
	})
	Expect(err).NotTo(HaveOccurred())
	return data
}

var _ = Describe("Worker", func() {
	var (
		ctx      context.Context
		consumer *mockConsumer
		executor *mockExecutor
		w        *worker.Worker
	)

	BeforeEach(func() {
		ctx = context.Background()
		consumer = &mockConsumer{}
		executor = &mockExecutor{}
		w = worker.New(consumer, executor, worker.Config{MaxAttempts: 3})
	})

	Describe("ProcessMessage", func() {
		It("executes the decoded job and acks on success", func() {
			msg := queue.Message{ID: "1-0", Payload: validPayload(), Attempt: 1}

			err := w.ProcessMessage(ctx, msg)

			Expect(err).NotTo(HaveOccurred())
			Expect(executor.executed).To(HaveLen(1))
			Expect(executor.executed[0].JobID).To(Equal("job-1"))
			Expect(consumer.acked).To(Equal([]string{"1-0"}))
		})

		It("falls back to the message trace id when the envelope has none", func() {
			raw, err := json.Marshal(map[string]any{
				"job_id":              "job-2",
				"workload_definition": map[string]any{"nodes": []any{}},
				"input_payload":       map[string]any{"k": "v"},
			})
			Expect(err).NotTo(HaveOccurred())
			msg := queue.Message{ID: "2-0", Payload: raw, TraceID: "upstream-trace", Attempt: 1}

			err = w.ProcessMessage(ctx, msg)

			Expect(err).NotTo(HaveOccurred())
			Expect(executor.executed).To(HaveLen(1))
			Expect(executor.executed[0].TraceID).To(Equal("upstream-trace"))
		})

		It("acks jobs whose failure was already notified downstream", func() {
			executor.executeFn = func(ctx context.Context, j job.Job) (job.Outcome, error) {
				return job.Outcome{JobID: j.JobID, Status: job.StatusFailed},
					&coordinator.ExecutionError{JobID: j.JobID, Err: errors.New("model exploded")}
			}
			msg := queue.Message{ID: "3-0", Payload: validPayload(), Attempt: 1}

			err := w.ProcessMessage(ctx, msg)

			Expect(err).NotTo(HaveOccurred())
			Expect(consumer.acked).To(Equal([]string{"3-0"}))
			Expect(consumer.requeued).To(BeEmpty())
			Expect(consumer.dlq).To(BeEmpty())
		})

		It("returns infrastructure errors unsettled", func() {
			executor.executeFn = func(ctx context.Context, j job.Job) (job.Outcome, error) {
				return job.Outcome{}, errors.New("redis: connection refused")
			}
			msg := queue.Message{ID: "4-0", Payload: validPayload(), Attempt: 1}

			err := w.ProcessMessage(ctx, msg)

			Expect(err).To(MatchError(ContainSubstring("connection refused")))
			Expect(consumer.acked).To(BeEmpty())
		})

		It("rejects undecodable payloads", func() {
			msg := queue.Message{ID: "5-0", Payload: []byte("not json"), Attempt: 1}

			err := w.ProcessMessage(ctx, msg)

			Expect(err).To(HaveOccurred())
			Expect(executor.executed).To(BeEmpty())
		})

		It("rejects envelopes that fail validation", func() {
			raw, err := json.Marshal(map[string]any{
				"trace_id": "t", "job_id": "j",
			})
			Expect(err).NotTo(HaveOccurred())
			msg := queue.Message{ID: "6-0", Payload: raw, Attempt: 1}

			err = w.ProcessMessage(ctx, msg)

			Expect(job.IsValidation(err)).To(BeTrue())
			Expect(executor.executed).To(BeEmpty())
		})
	})

	Describe("HandleReclaimed", func() {
		It("requeues a failed message below the attempt limit", func() {
			executor.executeFn = func(ctx context.Context, j job.Job) (job.Outcome, error) {
				return job.Outcome{}, errors.New("transient")
			}
			msg := queue.Message{ID: "7-0", Payload: validPayload(), Attempt: 1}

			err := w.HandleReclaimed(ctx, msg)

			Expect(err).To(HaveOccurred())
			Expect(consumer.requeued).To(Equal([]string{"7-0"}))
			Expect(consumer.dlq).To(BeEmpty())
		})

		It("dead-letters a message at the attempt limit", func() {
			executor.executeFn = func(ctx context.Context, j job.Job) (job.Outcome, error) {
				return job.Outcome{}, errors.New("still broken")
			}
			msg := queue.Message{ID: "8-0", Payload: validPayload(), Attempt: 3}

			err := w.HandleReclaimed(ctx, msg)

			Expect(err).To(HaveOccurred())
			Expect(consumer.dlq).To(Equal([]string{"8-0"}))
			Expect(consumer.requeued).To(BeEmpty())
		})

		It("recovers from a panicking executor and requeues", func() {
			executor.executeFn = func(ctx context.Context, j job.Job) (job.Outcome, error) {
				panic("nil map write")
			}
			msg := queue.Message{ID: "9-0", Payload: validPayload(), Attempt: 1}

			err := w.HandleReclaimed(ctx, msg)

			Expect(err).To(MatchError(ContainSubstring("panic")))
			Expect(consumer.requeued).To(Equal([]string{"9-0"}))
		})
	})

	Describe("Healthy", func() {
		It("fails before the loop has started", func() {
			Expect(w.Healthy(ctx)).NotTo(Succeed())
		})
	})
})
