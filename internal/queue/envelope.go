package queue

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Priority determines which sub-queue an envelope lands on. It is fixed at
// enqueue time and never changes after creation.
type Priority string

// Declared priority levels, highest first.
const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// Priorities lists all levels in strict drain order: a worker must fully drain
// critical before touching high, and so on.
var Priorities = []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow}

// Valid reports whether p is a declared priority level.
func (p Priority) Valid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow:
		return true
	default:
		return false
	}
}

// RetryStrategy selects how retry delays grow with the attempt number.
type RetryStrategy string

const (
	StrategyFixedDelay         RetryStrategy = "fixed_delay"
	StrategyLinearBackoff      RetryStrategy = "linear_backoff"
	StrategyExponentialBackoff RetryStrategy = "exponential_backoff"
	StrategyImmediate          RetryStrategy = "immediate"
)

// Valid reports whether s is a declared retry strategy.
func (s RetryStrategy) Valid() bool {
	switch s {
	case StrategyFixedDelay, StrategyLinearBackoff, StrategyExponentialBackoff, StrategyImmediate:
		return true
	default:
		return false
	}
}

// RetryPolicy describes how failures of a task are retried. Delays are in
// seconds to keep the wire format language-neutral.
type RetryPolicy struct {
	Strategy      RetryStrategy `json:"strategy"`
	MaxRetries    int           `json:"max_retries"`
	BaseDelay     float64       `json:"base_delay"`
	MaxDelay      float64       `json:"max_delay"`
	BackoffFactor float64       `json:"backoff_factor"`
	Jitter        bool          `json:"jitter"`

	// RetryableErrors and NonRetryableErrors hold failure-kind names that
	// force the retry decision either way; kinds not listed fall back to the
	// classifier's defaults.
	RetryableErrors    []string `json:"retryable_errors,omitempty"`
	NonRetryableErrors []string `json:"non_retryable_errors,omitempty"`
}

// DefaultRetryPolicy returns the policy applied when neither the submission
// nor the work ref's job spec provides one.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Strategy:      StrategyExponentialBackoff,
		MaxRetries:    3,
		BaseDelay:     1,
		MaxDelay:      300,
		BackoffFactor: 2,
		Jitter:        true,
	}
}

// Metadata keys mutated by retry/requeue operations. All other metadata is
// free-form and owned by the submitter.
const (
	MetaRetryCount     = "retry_count"
	MetaOriginalTaskID = "original_task_id"
)

// Envelope is the serialized unit of work placed on a priority sub-queue.
// It is immutable once enqueued except for the retry bookkeeping carried in
// Metadata.
type Envelope struct {
	TaskID         uuid.UUID         `json:"task_id"`
	WorkRef        string            `json:"work_ref"`
	Args           json.RawMessage   `json:"args,omitempty"`
	Kwargs         json.RawMessage   `json:"kwargs,omitempty"`
	Priority       Priority          `json:"priority"`
	TimeoutSeconds int               `json:"timeout_seconds"`
	RetryPolicy    RetryPolicy       `json:"retry_policy"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	EnqueuedAt     time.Time         `json:"enqueued_at"`
}

// RetryCount reads the retry bookkeeping from metadata. A missing or
// malformed entry counts as zero (a first attempt).
func (e *Envelope) RetryCount() int {
	raw, ok := e.Metadata[MetaRetryCount]
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// LineageRoot returns the task id that started this retry lineage: the
// original_task_id metadata entry when present, otherwise the envelope's own
// id.
func (e *Envelope) LineageRoot() uuid.UUID {
	raw, ok := e.Metadata[MetaOriginalTaskID]
	if !ok {
		return e.TaskID
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return e.TaskID
	}
	return id
}

// Timeout returns the envelope's execution deadline as a duration.
func (e *Envelope) Timeout() time.Duration {
	return time.Duration(e.TimeoutSeconds) * time.Second
}

// withRetry returns a copy of the envelope for the next attempt in the
// lineage: a fresh task id, incremented retry count, and a pointer back to
// the lineage root. Everything else is carried over unchanged.
func (e *Envelope) withRetry() *Envelope {
	next := *e
	next.TaskID = uuid.New()
	next.EnqueuedAt = time.Now().UTC()

	next.Metadata = make(map[string]string, len(e.Metadata)+2)
	for k, v := range e.Metadata {
		next.Metadata[k] = v
	}
	next.Metadata[MetaRetryCount] = strconv.Itoa(e.RetryCount() + 1)
	next.Metadata[MetaOriginalTaskID] = e.LineageRoot().String()

	return &next
}

// JobSpec carries the static defaults registered for a work ref: the
// priority, timeout and retry policy applied when a submission leaves them
// unset. Registration happens explicitly at startup through the worker
// registry rather than being inferred from handler attributes.
type JobSpec struct {
	Priority       Priority
	TimeoutSeconds int
	RetryPolicy    RetryPolicy
}

// SpecResolver resolves the registered JobSpec for a work ref. The worker
// registry implements it; the queue client consults it for submission
// defaults.
type SpecResolver interface {
	SpecFor(workRef string) (JobSpec, bool)
}
