package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/gin-gonic/gin"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"agentforge.dev/executor/internal/checkpoint"
	"agentforge.dev/executor/internal/http/handler"
	"agentforge.dev/executor/internal/job"
	"agentforge.dev/executor/internal/registry"
)

func invokeBody(overrides map[string]any) []byte {
	body := map[string]any{
		"trace_id": "trace-http-1",
		"workload_definition": map[string]any{
			"nodes": []any{map[string]any{"type": "orchestrator"}},
		},
		"input_payload": map[string]any{"messages": []any{"hi"}},
	}
	for k, v := range overrides {
		body[k] = v
	}
	data, err := json.Marshal(body)
	Expect(err).NotTo(HaveOccurred())
	return data
}

var _ = Describe("ExecutionHandler", func() {
	var (
		router      *gin.Engine
		executor    *mockExecutor
		states      *mockStateReader
		checkpoints *mockCheckpointReader
	)

	BeforeEach(func() {
		gin.SetMode(gin.TestMode)
		router = gin.New()
		executor = newMockExecutor()
		states = &mockStateReader{}
		checkpoints = &mockCheckpointReader{}
		h := handler.NewExecutionHandler(executor, states, checkpoints, nil, time.Minute)
		router.POST("/invoke", h.Invoke)
		router.GET("/state/:thread_id", h.State)
		router.GET("/checkpoints/:thread_id", h.Checkpoints)
	})

	Describe("Invoke", func() {
		It("starts execution and echoes the thread id", func() {
			req := httptest.NewRequest(http.MethodPost, "/invoke", bytes.NewBuffer(invokeBody(map[string]any{"job_id": "job-42"})))
			req.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()

			router.ServeHTTP(w, req)

			Expect(w.Code).To(Equal(http.StatusOK))
			var resp map[string]any
			Expect(json.Unmarshal(w.Body.Bytes(), &resp)).To(Succeed())
			Expect(resp["thread_id"]).To(Equal("job-42"))
			Expect(resp["status"]).To(Equal("started"))

			var executed job.Job
			Eventually(executor.executed).Should(Receive(&executed))
			Expect(executed.JobID).To(Equal("job-42"))
			Expect(executed.TraceID).To(Equal("trace-http-1"))
		})

		It("assigns a job id when the client omits one", func() {
			req := httptest.NewRequest(http.MethodPost, "/invoke", bytes.NewBuffer(invokeBody(nil)))
			req.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()

			router.ServeHTTP(w, req)

			Expect(w.Code).To(Equal(http.StatusOK))
			var resp map[string]any
			Expect(json.Unmarshal(w.Body.Bytes(), &resp)).To(Succeed())
			Expect(resp["thread_id"]).NotTo(BeEmpty())

			var executed job.Job
			Eventually(executor.executed).Should(Receive(&executed))
			Expect(executed.JobID).To(Equal(resp["thread_id"]))
		})

		It("rejects a body without a trace id", func() {
			body, _ := json.Marshal(map[string]any{
				"workload_definition": map[string]any{"nodes": []any{}},
				"input_payload":       map[string]any{"k": "v"},
			})
			req := httptest.NewRequest(http.MethodPost, "/invoke", bytes.NewBuffer(body))
			req.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()

			router.ServeHTTP(w, req)

			Expect(w.Code).To(Equal(http.StatusBadRequest))
			Consistently(executor.executed).ShouldNot(Receive())
		})

		It("rejects malformed json", func() {
			req := httptest.NewRequest(http.MethodPost, "/invoke", bytes.NewBufferString(`{`))
			req.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()

			router.ServeHTTP(w, req)

			Expect(w.Code).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("State", func() {
		It("returns the terminal record", func() {
			states.getFn = func(_ context.Context, threadID string) (registry.Record, error) {
				return registry.Record{
					ThreadID: threadID,
					Status:   job.StatusCompleted,
					Result:   map[string]any{"output": "done"},
				}, nil
			}

			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/state/job-7", nil))

			Expect(w.Code).To(Equal(http.StatusOK))
			var resp map[string]any
			Expect(json.Unmarshal(w.Body.Bytes(), &resp)).To(Succeed())
			Expect(resp["thread_id"]).To(Equal("job-7"))
			Expect(resp["status"]).To(Equal("completed"))
			Expect(resp["result"]).To(HaveKeyWithValue("output", "done"))
		})

		It("returns 404 for an unknown thread id", func() {
			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/state/nope", nil))

			Expect(w.Code).To(Equal(http.StatusNotFound))
		})

		It("returns 500 when the registry is unreachable", func() {
			states.getFn = func(_ context.Context, _ string) (registry.Record, error) {
				return registry.Record{}, errors.New("redis down")
			}

			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/state/job-7", nil))

			Expect(w.Code).To(Equal(http.StatusInternalServerError))
		})
	})

	Describe("Checkpoints", func() {
		It("lists persisted steps in order", func() {
			checkpoints.historyFn = func(_ context.Context, threadID string) ([]checkpoint.Snapshot, error) {
				return []checkpoint.Snapshot{
					{ThreadID: threadID, Seq: 1, NodeID: "orchestrator", State: map[string]any{"turn": float64(1)}, CreatedAt: time.Now()},
					{ThreadID: threadID, Seq: 2, NodeID: "orchestrator", State: map[string]any{"turn": float64(2)}, CreatedAt: time.Now()},
				}, nil
			}

			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/checkpoints/job-9", nil))

			Expect(w.Code).To(Equal(http.StatusOK))
			var resp struct {
				ThreadID    string `json:"thread_id"`
				Checkpoints []struct {
					Seq    int64  `json:"seq"`
					NodeID string `json:"node_id"`
				} `json:"checkpoints"`
			}
			Expect(json.Unmarshal(w.Body.Bytes(), &resp)).To(Succeed())
			Expect(resp.Checkpoints).To(HaveLen(2))
			Expect(resp.Checkpoints[0].Seq).To(Equal(int64(1)))
		})

		It("returns 404 when the thread has no checkpoints", func() {
			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/checkpoints/none", nil))

			Expect(w.Code).To(Equal(http.StatusNotFound))
		})
	})
})

var _ = Describe("HealthHandler", func() {
	var router *gin.Engine

	setup := func(checks ...handler.HealthCheck) {
		gin.SetMode(gin.TestMode)
		router = gin.New()
		h := handler.NewHealthHandler(checks...)
		router.GET("/health", h.Liveness)
		router.GET("/ready", h.Readiness)
	}

	It("always reports liveness", func() {
		setup()
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
		Expect(w.Code).To(Equal(http.StatusOK))
	})

	It("reports ready when every check passes", func() {
		setup(
			handler.HealthCheck{Name: "postgres", Check: func(context.Context) error { return nil }},
			handler.HealthCheck{Name: "redis", Check: func(context.Context) error { return nil }},
		)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
		Expect(w.Code).To(Equal(http.StatusOK))
	})

	It("reports 503 and names the failing check", func() {
		setup(
			handler.HealthCheck{Name: "postgres", Check: func(context.Context) error { return nil }},
			handler.HealthCheck{Name: "queue", Check: func(context.Context) error { return errors.New("consumer stopped") }},
		)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready", nil))

		Expect(w.Code).To(Equal(http.StatusServiceUnavailable))
		var resp map[string]any
		Expect(json.Unmarshal(w.Body.Bytes(), &resp)).To(Succeed())
		Expect(resp["checks"]).To(HaveKeyWithValue("queue", ContainSubstring("consumer stopped")))
	})
})
