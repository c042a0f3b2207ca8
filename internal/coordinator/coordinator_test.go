package coordinator

import (
	"context"
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"agentforge.dev/executor/internal/job"
	"agentforge.dev/executor/internal/runner"
)

func stateItem(content string) runner.Item {
	return runner.Item{
		Mode:   runner.ModeState,
		NodeID: "main",
		Payload: map[string]any{
			"messages": []any{map[string]any{"role": "assistant", "content": content}},
			"node":     "main",
		},
	}
}

var _ = Describe("Coordinator", func() {
	var (
		mRunner   *mockRunner
		mBus      *mockBus
		mNotifier *mockNotifier
		mRegistry *mockRegistry
		c         *Coordinator
		testJob   job.Job
		ctx       context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
		mRunner = &mockRunner{}
		mBus = &mockBus{}
		mNotifier = &mockNotifier{}
		mRegistry = &mockRegistry{}
		c = New(mRunner, mBus, mNotifier, mRegistry)
		testJob = job.Job{
			TraceID:            "t1",
			JobID:              "j1",
			WorkloadDefinition: map[string]any{"nodes": []any{}},
			InputPayload:       map[string]any{"q": "hi"},
		}
	})

	Describe("successful execution", func() {
		BeforeEach(func() {
			mRunner.items = []runner.Item{
				stateItem("step one"),
				stateItem("step two"),
				stateItem("final answer"),
			}
		})

		It("forwards every runner item plus the end marker", func() {
			_, err := c.Execute(ctx, testJob)
			Expect(err).NotTo(HaveOccurred())

			Expect(mBus.published).To(HaveLen(3))
			for _, event := range mBus.published {
				Expect(event.threadID).To(Equal("j1"))
				Expect(event.eventType).To(Equal("state-update"))
			}
			Expect(mBus.endCalls).To(Equal([]string{"j1"}))
		})

		It("emits exactly one completed notification with the final result", func() {
			outcome, err := c.Execute(ctx, testJob)
			Expect(err).NotTo(HaveOccurred())

			Expect(mNotifier.completed).To(HaveLen(1))
			Expect(mNotifier.failed).To(BeEmpty())
			Expect(mNotifier.completed[0].jobID).To(Equal("j1"))
			Expect(mNotifier.completed[0].traceID).To(Equal("t1"))
			Expect(mNotifier.completed[0].result["output"]).To(Equal("final answer"))

			Expect(outcome.Status).To(Equal(job.StatusCompleted))
			Expect(outcome.Result["output"]).To(Equal("final answer"))
		})

		It("binds the stream to the job id as thread id", func() {
			_, err := c.Execute(ctx, testJob)
			Expect(err).NotTo(HaveOccurred())

			Expect(mRunner.requests).To(HaveLen(1))
			Expect(mRunner.requests[0].ThreadID).To(Equal("j1"))
		})

		It("records the lifecycle in the registry", func() {
			_, err := c.Execute(ctx, testJob)
			Expect(err).NotTo(HaveOccurred())

			Expect(mRegistry.running).To(Equal([]string{"j1"}))
			Expect(mRegistry.completed).To(Equal([]string{"j1"}))
			Expect(mRegistry.failed).To(BeEmpty())
		})

		It("swallows progress publish failures", func() {
			mBus.publishErr = errors.New("pubsub down")

			outcome, err := c.Execute(ctx, testJob)
			Expect(err).NotTo(HaveOccurred())
			Expect(outcome.Status).To(Equal(job.StatusCompleted))
			Expect(mNotifier.completed).To(HaveLen(1))
		})

		It("swallows terminal notification failures", func() {
			mNotifier.completeErr = errors.New("stream down")

			outcome, err := c.Execute(ctx, testJob)
			Expect(err).NotTo(HaveOccurred())
			Expect(outcome.Status).To(Equal(job.StatusCompleted))
		})
	})

	Describe("mixed-mode streams", func() {
		It("classifies token and structured events", func() {
			mRunner.items = []runner.Item{
				{Mode: runner.ModeToken, Payload: map[string]any{"content": "hel"}},
				{Mode: runner.ModeEvent, Payload: map[string]any{"event": "on_tool_start", "name": "text_stats"}},
				{Mode: runner.ModeEvent, Payload: map[string]any{"event": "on_tool_end", "name": "text_stats"}},
				{Mode: runner.ModeEvent, Payload: map[string]any{"event": "on_delegate"}},
				stateItem("done"),
			}

			_, err := c.Execute(ctx, testJob)
			Expect(err).NotTo(HaveOccurred())

			var types []string
			for _, e := range mBus.published {
				types = append(types, e.eventType)
			}
			Expect(types).To(Equal([]string{"token-stream", "tool-start", "tool-end", "generic", "state-update"}))
		})

		It("uses a null-output result when no state arrived", func() {
			mRunner.items = []runner.Item{
				{Mode: runner.ModeToken, Payload: map[string]any{"content": "partial"}},
			}

			outcome, err := c.Execute(ctx, testJob)
			Expect(err).NotTo(HaveOccurred())
			Expect(outcome.Result).To(HaveKey("output"))
			Expect(outcome.Result["output"]).To(BeNil())
			Expect(outcome.Result["status"]).To(Equal("completed"))
		})
	})

	Describe("failed execution", func() {
		BeforeEach(func() {
			mRunner.items = []runner.Item{stateItem("partial")}
			mRunner.finalErr = errors.New("boom")
		})

		It("emits exactly one failed notification and no end marker", func() {
			outcome, err := c.Execute(ctx, testJob)

			var execErr *ExecutionError
			Expect(errors.As(err, &execErr)).To(BeTrue())
			Expect(execErr.JobID).To(Equal("j1"))

			Expect(mNotifier.failed).To(HaveLen(1))
			Expect(mNotifier.completed).To(BeEmpty())
			Expect(mNotifier.failed[0].failure.Message).To(ContainSubstring("boom"))
			Expect(mNotifier.failed[0].failure.Type).NotTo(BeEmpty())
			Expect(mBus.endCalls).To(BeEmpty())

			Expect(outcome.Status).To(Equal(job.StatusFailed))
			Expect(outcome.Error.Message).To(ContainSubstring("boom"))
		})

		It("still forwards the events received before the failure", func() {
			_, _ = c.Execute(ctx, testJob)
			Expect(mBus.published).To(HaveLen(1))
			Expect(mBus.published[0].eventType).To(Equal("state-update"))
		})

		It("records the failure in the registry", func() {
			_, _ = c.Execute(ctx, testJob)
			Expect(mRegistry.failed).To(Equal([]string{"j1"}))
			Expect(mRegistry.completed).To(BeEmpty())
		})

		It("propagates the execution error even when the notification fails", func() {
			mNotifier.failErr = errors.New("stream down")

			_, err := c.Execute(ctx, testJob)
			var execErr *ExecutionError
			Expect(errors.As(err, &execErr)).To(BeTrue())
		})
	})
})
