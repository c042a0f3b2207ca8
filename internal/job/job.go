// Package job defines the job envelope accepted by both ingress paths
// and the outcome types produced by execution.
package job

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Status describes where a job is in its lifecycle.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Job is a single request to execute a workload. JobID doubles as the
// checkpoint thread identifier: resubmitting the same id resumes from
// the last checkpoint rather than starting fresh.
type Job struct {
	TraceID            string         `json:"trace_id"`
	JobID              string         `json:"job_id"`
	WorkloadDefinition map[string]any `json:"workload_definition"`
	InputPayload       map[string]any `json:"input_payload"`
}

// ExecutionFailure is the error payload carried by failed-status
// notifications and state queries.
type ExecutionFailure struct {
	Message    string `json:"message"`
	Type       string `json:"type"`
	StackTrace string `json:"stack_trace,omitempty"`
}

// Outcome is the terminal result of one execution attempt.
type Outcome struct {
	JobID  string
	Status Status
	Result map[string]any
	Error  *ExecutionFailure
}

// ValidationError marks an envelope that must be rejected before it
// reaches the coordinator.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid job envelope: %s %s", e.Field, e.Reason)
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Validate checks the envelope invariants: both string fields non-empty
// after trimming, both payload objects non-empty.
func (j Job) Validate() error {
	if strings.TrimSpace(j.TraceID) == "" {
		return &ValidationError{Field: "trace_id", Reason: "must be a non-empty string"}
	}
	if strings.TrimSpace(j.JobID) == "" {
		return &ValidationError{Field: "job_id", Reason: "must be a non-empty string"}
	}
	if len(j.WorkloadDefinition) == 0 {
		return &ValidationError{Field: "workload_definition", Reason: "must be a non-empty object"}
	}
	if len(j.InputPayload) == 0 {
		return &ValidationError{Field: "input_payload", Reason: "must be a non-empty object"}
	}
	return nil
}

// Decode parses a job envelope from raw bytes. Producers may wrap the
// envelope in a CloudEvents-style body; when a "data" object is present
// it is treated as the envelope.
func Decode(data []byte) (Job, error) {
	var probe struct {
		Data  json.RawMessage `json:"data"`
		JobID string          `json:"job_id"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return Job{}, &ValidationError{Field: "envelope", Reason: fmt.Sprintf("not valid JSON: %v", err)}
	}

	body := data
	if probe.JobID == "" && len(probe.Data) > 0 {
		body = probe.Data
	}

	var j Job
	if err := json.Unmarshal(body, &j); err != nil {
		return Job{}, &ValidationError{Field: "envelope", Reason: fmt.Sprintf("malformed payload: %v", err)}
	}
	return j, nil
}
