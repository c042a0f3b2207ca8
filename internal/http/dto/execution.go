package dto

import "agentforge.dev/executor/internal/job"

// InvokeRequest is the HTTP job submission body. JobID is optional;
// the server assigns one when absent.
type InvokeRequest struct {
	TraceID            string         `json:"trace_id" binding:"required"`
	JobID              string         `json:"job_id"`
	WorkloadDefinition map[string]any `json:"workload_definition" binding:"required"`
	InputPayload       map[string]any `json:"input_payload" binding:"required"`
}

func (r InvokeRequest) ToJob() job.Job {
	return job.Job{
		TraceID:            r.TraceID,
		JobID:              r.JobID,
		WorkloadDefinition: r.WorkloadDefinition,
		InputPayload:       r.InputPayload,
	}
}

type InvokeResponse struct {
	ThreadID string `json:"thread_id"`
	Status   string `json:"status"`
}

type StateResponse struct {
	ThreadID string                `json:"thread_id"`
	Status   job.Status            `json:"status"`
	Result   map[string]any        `json:"result,omitempty"`
	Error    *job.ExecutionFailure `json:"error,omitempty"`
}

type CheckpointResponse struct {
	Seq       int64          `json:"seq"`
	NodeID    string         `json:"node_id"`
	State     map[string]any `json:"state"`
	CreatedAt string         `json:"created_at"`
}
