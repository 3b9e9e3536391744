// Package job defines the data model shared by the Scheduler and the Core:
// jobs, worker tasks, worker events and results, and the error class
// taxonomy that drives retry decisions.
//
// Ownership: the Scheduler owns Job values; a serialised copy crosses the
// IPC boundary. Jobs are immutable after creation — every mutable runtime
// attribute (attempt index, backoff count, permits) lives in side tables
// keyed by JobID.
package job

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type classifies what a job asks the Core to do.
type Type string

const (
	TypeLLM         Type = "LLM"
	TypeTool        Type = "TOOL"
	TypeWorkerTask  Type = "WORKER_TASK"
	TypePluginEvent Type = "PLUGIN_EVENT"
	TypeMaintenance Type = "MAINTENANCE"
)

// Valid reports whether t is a recognised job type.
func (t Type) Valid() bool {
	switch t {
	case TypeLLM, TypeTool, TypeWorkerTask, TypePluginEvent, TypeMaintenance:
		return true
	}
	return false
}

// Class splits jobs into scheduling classes. Interactive jobs preempt batch
// jobs of equal priority value.
type Class string

const (
	ClassInteractive Class = "INTERACTIVE"
	ClassBatch       Class = "BATCH"
)

// Priority orders jobs in the scheduler queue.
type Priority struct {
	Value int   `json:"value"`
	Class Class `json:"class"`
}

// Limits bounds a job's execution.
type Limits struct {
	// TimeoutMs bounds a single attempt; the permit deadline derives from
	// it (capped by the Core's global deadline).
	TimeoutMs int64 `json:"timeoutMs"`

	// MaxAttempts bounds total submissions to a worker. 0 means the
	// scheduler default applies.
	MaxAttempts int `json:"maxAttempts"`
}

// Context carries tracing identifiers through logs and IPC.
type Context struct {
	TraceID       string `json:"traceId"`
	CorrelationID string `json:"correlationId"`
}

// Job is the unit of work submitted to the Scheduler. Immutable after
// creation.
type Job struct {
	JobID    string          `json:"jobId"`
	Type     Type            `json:"type"`
	Priority Priority        `json:"priority"`
	Key      string          `json:"key,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Limits   Limits          `json:"limits"`
	Context  Context         `json:"context"`
}

// Timeout returns the per-attempt timeout as a duration, or 0 if unset.
func (j *Job) Timeout() time.Duration {
	if j.Limits.TimeoutMs <= 0 {
		return 0
	}
	return time.Duration(j.Limits.TimeoutMs) * time.Millisecond
}

// Outcome is the terminal disposition of a job attempt, as reported in
// job_completed messages.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// ErrorClass classifies worker failures. Only the four RETRYABLE_* classes
// are retried; everything else dead-letters (FATAL additionally halts).
type ErrorClass string

const (
	ErrClassNonRetryable       ErrorClass = "NON_RETRYABLE"
	ErrClassRetryableTransient ErrorClass = "RETRYABLE_TRANSIENT"
	ErrClassRetryableRateLimit ErrorClass = "RETRYABLE_RATE_LIMIT"
	ErrClassRetryableNetwork   ErrorClass = "RETRYABLE_NETWORK"
	ErrClassRetryableService   ErrorClass = "RETRYABLE_SERVICE"
	ErrClassFatal              ErrorClass = "FATAL"
)

// Retryable reports whether the class participates in the retry policy.
func (c ErrorClass) Retryable() bool {
	switch c {
	case ErrClassRetryableTransient, ErrClassRetryableRateLimit,
		ErrClassRetryableNetwork, ErrClassRetryableService:
		return true
	}
	return false
}

// ─── Worker task ──────────────────────────────────────────────────────────────

// OutputMode selects how a worker delivers its output.
type OutputMode string

const (
	OutputBatch  OutputMode = "BATCH"
	OutputStream OutputMode = "STREAM"
)

// TaskBudget bounds a delegated worker task.
type TaskBudget struct {
	// DeadlineAtMs is the wall-clock deadline (unix ms). 0 inherits the
	// permit deadline.
	DeadlineAtMs int64 `json:"deadlineAt,omitempty"`

	// MaxSteps bounds agent reasoning steps, when the adapter supports it.
	MaxSteps int `json:"maxSteps,omitempty"`

	// MaxCommandTimeMs bounds any single command the worker runs.
	MaxCommandTimeMs int64 `json:"maxCommandTimeMs,omitempty"`
}

// Task is the payload of a WORKER_TASK job: the instructions handed to a
// worker adapter. Validated at the Core boundary before delegation.
type Task struct {
	WorkerTaskID string            `json:"workerTaskId"`
	WorkerKind   string            `json:"workerKind"`
	WorkspaceRef string            `json:"workspaceRef"`
	Instructions string            `json:"instructions"`
	Capabilities []string          `json:"capabilities,omitempty"`
	OutputMode   OutputMode        `json:"outputMode"`
	Model        string            `json:"model,omitempty"`
	Budget       TaskBudget        `json:"budget"`
	Env          map[string]string `json:"env,omitempty"`
}

// ParseTask decodes and validates a WORKER_TASK payload.
// Any violation is a non-retryable failure: the payload will not get better
// on retry.
func ParseTask(payload json.RawMessage) (*Task, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("job.ParseTask: empty payload")
	}
	var t Task
	if err := json.Unmarshal(payload, &t); err != nil {
		return nil, fmt.Errorf("job.ParseTask: decode: %w", err)
	}
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("job.ParseTask: %w", err)
	}
	return &t, nil
}

// Validate checks the task field-by-field.
func (t *Task) Validate() error {
	switch {
	case t.WorkerTaskID == "":
		return fmt.Errorf("workerTaskId must not be empty")
	case t.WorkerKind == "":
		return fmt.Errorf("workerKind must not be empty")
	case t.WorkspaceRef == "":
		return fmt.Errorf("workspaceRef must not be empty")
	case t.Instructions == "":
		return fmt.Errorf("instructions must not be empty")
	}
	switch t.OutputMode {
	case OutputBatch, OutputStream:
	default:
		return fmt.Errorf("outputMode must be BATCH or STREAM, got %q", t.OutputMode)
	}
	if t.Budget.MaxSteps < 0 || t.Budget.MaxCommandTimeMs < 0 {
		return fmt.Errorf("budget values must not be negative")
	}
	return nil
}

// ─── Worker events ────────────────────────────────────────────────────────────

// EventKind tags a worker event variant.
type EventKind string

const (
	EventStdout   EventKind = "stdout"
	EventStderr   EventKind = "stderr"
	EventProgress EventKind = "progress"
	EventPatch    EventKind = "patch"
)

// Event is a tagged variant emitted by a worker adapter and consumed by the
// event throttle. Exactly the fields for the tagged kind are set.
type Event struct {
	Kind EventKind `json:"kind"`

	// stdout / stderr
	Data string `json:"data,omitempty"`

	// progress
	Message string   `json:"message,omitempty"`
	Percent *float64 `json:"percent,omitempty"`

	// patch
	FilePath string `json:"filePath,omitempty"`
	Diff     string `json:"diff,omitempty"`
}

// Progress constructs a progress event.
func Progress(message string) Event {
	return Event{Kind: EventProgress, Message: message}
}

// ─── Worker results ───────────────────────────────────────────────────────────

// ResultStatus is the worker-reported terminal status.
type ResultStatus string

const (
	StatusSucceeded ResultStatus = "SUCCEEDED"
	StatusFailed    ResultStatus = "FAILED"
	StatusCancelled ResultStatus = "CANCELLED"
)

// Cost accounts for a worker run.
type Cost struct {
	WallTimeMs      int64 `json:"wallTimeMs"`
	EstimatedTokens int64 `json:"estimatedTokens,omitempty"`
}

// Result is the structured outcome of a delegated worker task.
type Result struct {
	Status       ResultStatus `json:"status"`
	ErrorClass   ErrorClass   `json:"errorClass,omitempty"`
	ErrorMessage string       `json:"errorMessage,omitempty"`
	Cost         Cost         `json:"cost"`
	Artifacts    []string     `json:"artifacts,omitempty"`
	Observations []string     `json:"observations,omitempty"`
	ExitCode     *int         `json:"exitCode,omitempty"`
}

// Outcome maps a result status to the job_completed outcome.
func (r *Result) Outcome() Outcome {
	switch r.Status {
	case StatusSucceeded:
		return OutcomeSucceeded
	case StatusCancelled:
		return OutcomeCancelled
	default:
		return OutcomeFailed
	}
}
