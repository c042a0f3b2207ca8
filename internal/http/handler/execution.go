package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"agentforge.dev/executor/common/id"
	"agentforge.dev/executor/common/logger"
	"agentforge.dev/executor/internal/checkpoint"
	"agentforge.dev/executor/internal/eventbus"
	"agentforge.dev/executor/internal/http/dto"
	"agentforge.dev/executor/internal/job"
	"agentforge.dev/executor/internal/metrics"
	"agentforge.dev/executor/internal/registry"
)

// Executor runs one job to completion. Satisfied by the coordinator.
type Executor interface {
	Execute(ctx context.Context, j job.Job) (job.Outcome, error)
}

// StateReader looks up a job's lifecycle record.
type StateReader interface {
	Get(ctx context.Context, threadID string) (registry.Record, error)
}

// CheckpointReader lists the persisted steps of a thread.
type CheckpointReader interface {
	History(ctx context.Context, threadID string) ([]checkpoint.Snapshot, error)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type ExecutionHandler struct {
	executor       Executor
	states         StateReader
	checkpoints    CheckpointReader
	bus            *eventbus.Bus
	streamDeadline time.Duration
}

func NewExecutionHandler(executor Executor, states StateReader, checkpoints CheckpointReader, bus *eventbus.Bus, streamDeadline time.Duration) *ExecutionHandler {
	if streamDeadline <= 0 {
		streamDeadline = 5 * time.Minute
	}
	return &ExecutionHandler{
		executor:       executor,
		states:         states,
		checkpoints:    checkpoints,
		bus:            bus,
		streamDeadline: streamDeadline,
	}
}

// Invoke accepts a job over HTTP and starts execution in the
// background. The response carries the thread id to subscribe on;
// progress flows over the stream endpoint, not this response.
func (h *ExecutionHandler) Invoke(c *gin.Context) {
	ctx := c.Request.Context()

	var req dto.InvokeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		slog.WarnContext(ctx, "invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	j := req.ToJob()
	if j.JobID == "" {
		j.JobID = id.NewString()
	}
	if err := j.Validate(); err != nil {
		slog.WarnContext(ctx, "invalid job envelope", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// Execution outlives this request. Keep trace linkage from the
	// request context but drop its cancellation.
	execCtx := context.WithoutCancel(ctx)
	go func() {
		if _, err := h.executor.Execute(execCtx, j); err != nil {
			slog.ErrorContext(execCtx, "background execution failed",
				"job_id", j.JobID,
				"error", err)
		}
	}()

	c.JSON(http.StatusOK, dto.InvokeResponse{ThreadID: j.JobID, Status: "started"})
}

// State reports the current lifecycle record for a thread.
func (h *ExecutionHandler) State(c *gin.Context) {
	ctx := c.Request.Context()
	threadID := c.Param("thread_id")

	rec, err := h.states.Get(ctx, threadID)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown thread id"})
			return
		}
		slog.ErrorContext(ctx, "state lookup failed", "thread_id", threadID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read job state"})
		return
	}

	c.JSON(http.StatusOK, dto.StateResponse{
		ThreadID: rec.ThreadID,
		Status:   rec.Status,
		Result:   rec.Result,
		Error:    rec.Error,
	})
}

// Checkpoints lists the persisted execution steps of a thread in
// order, mostly useful when diagnosing a stuck or resumed run.
func (h *ExecutionHandler) Checkpoints(c *gin.Context) {
	ctx := c.Request.Context()
	threadID := c.Param("thread_id")

	snapshots, err := h.checkpoints.History(ctx, threadID)
	if err != nil {
		slog.ErrorContext(ctx, "checkpoint lookup failed", "thread_id", threadID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read checkpoints"})
		return
	}
	if len(snapshots) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown thread id"})
		return
	}

	out := make([]dto.CheckpointResponse, 0, len(snapshots))
	for _, s := range snapshots {
		out = append(out, dto.CheckpointResponse{
			Seq:       s.Seq,
			NodeID:    s.NodeID,
			State:     s.State,
			CreatedAt: s.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	c.JSON(http.StatusOK, gin.H{"thread_id": threadID, "checkpoints": out})
}

// streamEnvelope mirrors the pub/sub message body, read back only to
// classify relayed frames.
type streamEnvelope struct {
	EventType string         `json:"event_type"`
	Data      map[string]any `json:"data"`
}

// Stream upgrades to a websocket and relays the thread's live events
// until the end marker, the deadline, or client disconnect. A
// subscriber arriving after the job finished gets a terminal snapshot
// instead of silence.
func (h *ExecutionHandler) Stream(c *gin.Context) {
	threadID := c.Param("thread_id")
	ctx := logger.WithLogFields(c.Request.Context(), logger.LogFields{
		JobID:     logger.Ptr(threadID),
		Component: "executor.http.stream",
	})

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.WarnContext(ctx, "websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	metrics.WebsocketActive.Inc()
	defer metrics.WebsocketActive.Dec()

	// Subscribe before the terminal check so events published in
	// between are not lost.
	sub := h.bus.Subscribe(ctx, threadID)
	defer sub.Close()

	if h.replayTerminal(ctx, conn, threadID) {
		return
	}

	relayCtx, cancel := context.WithTimeout(ctx, h.streamDeadline)
	defer cancel()

	// Reader pump: the client never sends data frames, but reading is
	// the only way to notice a close.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ch := sub.Channel()
	for {
		select {
		case <-relayCtx.Done():
			if errors.Is(relayCtx.Err(), context.DeadlineExceeded) {
				h.writeEvent(ctx, conn, "generic", map[string]any{"error": "stream deadline exceeded"})
				h.writeEvent(ctx, conn, eventbus.EventTypeEnd, map[string]any{})
			}
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var env streamEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				slog.WarnContext(ctx, "dropping malformed stream event", "error", err)
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, []byte(msg.Payload)); err != nil {
				slog.InfoContext(ctx, "websocket write failed, closing", "error", err)
				return
			}
			metrics.WebsocketMessages.WithLabelValues(env.EventType).Inc()
			if env.EventType == eventbus.EventTypeEnd {
				return
			}
		}
	}
}

// replayTerminal sends a snapshot plus end marker when the thread has
// already finished. Returns true when the stream is complete.
func (h *ExecutionHandler) replayTerminal(ctx context.Context, conn *websocket.Conn, threadID string) bool {
	rec, err := h.states.Get(ctx, threadID)
	if err != nil {
		if !errors.Is(err, registry.ErrNotFound) {
			slog.WarnContext(ctx, "terminal check failed", "error", err)
		}
		return false
	}

	switch rec.Status {
	case job.StatusCompleted:
		h.writeEvent(ctx, conn, "state-update", rec.Result)
	case job.StatusFailed:
		data := map[string]any{}
		if rec.Error != nil {
			data["error"] = rec.Error
		}
		h.writeEvent(ctx, conn, "generic", data)
	default:
		return false
	}

	h.writeEvent(ctx, conn, eventbus.EventTypeEnd, map[string]any{})
	return true
}

func (h *ExecutionHandler) writeEvent(ctx context.Context, conn *websocket.Conn, eventType string, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	payload, err := json.Marshal(map[string]any{"event_type": eventType, "data": data})
	if err != nil {
		slog.WarnContext(ctx, "failed to encode stream event", "error", err)
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		slog.InfoContext(ctx, "websocket write failed", "error", err)
		return
	}
	metrics.WebsocketMessages.WithLabelValues(eventType).Inc()
}
