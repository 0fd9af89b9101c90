package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/taskhive/internal/broker"
	"github.com/phrazzld/taskhive/internal/platform/logger"
)

// Common errors returned by the queue client.
var (
	// ErrTaskNotFound is returned when no result record exists for a task id.
	ErrTaskNotFound = errors.New("task not found")

	// ErrInvalidPriority is returned by Enqueue for undeclared priority values.
	ErrInvalidPriority = errors.New("invalid priority")

	// ErrInvalidWorkRef is returned by Enqueue when the work ref is empty.
	ErrInvalidWorkRef = errors.New("work ref must not be empty")

	// ErrNotFailed is returned by RetryFailed when the task is not in the
	// FAILED state.
	ErrNotFailed = errors.New("task is not in failed state")

	// ErrRetriesExhausted is the no-op signal returned when a retry is
	// requested but the envelope's retry budget is spent.
	ErrRetriesExhausted = errors.New("retries exhausted")

	// ErrInvalidTransition is returned when a status update would violate the
	// task lifecycle state machine.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// ClientConfig holds configuration for the queue client.
type ClientConfig struct {
	// DefaultTimeoutSeconds is the global execution timeout applied when
	// neither the submission nor the work ref's job spec provides one.
	DefaultTimeoutSeconds int

	// ResultTTL bounds how long a result record survives after reaching a
	// terminal state.
	ResultTTL time.Duration

	// Resolver supplies per-work-ref defaults (priority, timeout, retry
	// policy). Optional; without it only the global defaults apply.
	Resolver SpecResolver
}

// DefaultClientConfig returns a ClientConfig with the documented defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		DefaultTimeoutSeconds: 120,
		ResultTTL:             24 * time.Hour,
	}
}

// Client exposes enqueue/status/cancel/retry operations over the priority
// sub-queues. It is constructed once at process start and passed by
// dependency injection to all producers and consumers; there is no global
// instance.
type Client struct {
	broker broker.Broker
	config ClientConfig
	logger *slog.Logger
}

// NewClient creates a queue client over the given broker.
func NewClient(b broker.Broker, cfg ClientConfig, log *slog.Logger) *Client {
	if cfg.DefaultTimeoutSeconds <= 0 {
		cfg.DefaultTimeoutSeconds = 120
	}
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = 24 * time.Hour
	}
	return &Client{
		broker: b,
		config: cfg,
		logger: log.With("component", "task_queue"),
	}
}

// SubmitRequest carries the caller-supplied fields of an enqueue operation.
// Unset fields fall back to the work ref's job spec, then to global defaults.
type SubmitRequest struct {
	WorkRef        string
	Args           json.RawMessage
	Kwargs         json.RawMessage
	Priority       Priority
	TimeoutSeconds int
	RetryPolicy    *RetryPolicy
	Metadata       map[string]string
}

// Enqueue validates the request, writes the envelope to the sub-queue for its
// priority and creates the initial QUEUED result record. It never blocks on
// worker availability.
func (c *Client) Enqueue(ctx context.Context, req SubmitRequest) (*Envelope, error) {
	if req.WorkRef == "" {
		return nil, ErrInvalidWorkRef
	}

	var spec JobSpec
	var hasSpec bool
	if c.config.Resolver != nil {
		spec, hasSpec = c.config.Resolver.SpecFor(req.WorkRef)
	}

	priority := req.Priority
	if priority == "" {
		if hasSpec && spec.Priority != "" {
			priority = spec.Priority
		} else {
			priority = PriorityNormal
		}
	}
	if !priority.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPriority, priority)
	}

	timeout := req.TimeoutSeconds
	if timeout <= 0 {
		if hasSpec && spec.TimeoutSeconds > 0 {
			timeout = spec.TimeoutSeconds
		} else {
			timeout = c.config.DefaultTimeoutSeconds
		}
	}

	policy := DefaultRetryPolicy()
	if hasSpec {
		policy = spec.RetryPolicy
	}
	if req.RetryPolicy != nil {
		policy = *req.RetryPolicy
	}
	if !policy.Strategy.Valid() {
		policy.Strategy = StrategyExponentialBackoff
	}

	metadata := make(map[string]string, len(req.Metadata))
	for k, v := range req.Metadata {
		metadata[k] = v
	}

	env := &Envelope{
		TaskID:         uuid.New(),
		WorkRef:        req.WorkRef,
		Args:           req.Args,
		Kwargs:         req.Kwargs,
		Priority:       priority,
		TimeoutSeconds: timeout,
		RetryPolicy:    policy,
		Metadata:       metadata,
		EnqueuedAt:     time.Now().UTC(),
	}

	if err := c.enqueueEnvelope(ctx, env, 0); err != nil {
		return nil, err
	}

	c.logger.Debug("task enqueued",
		"task_id", env.TaskID,
		"work_ref", env.WorkRef,
		"priority", env.Priority)
	return env, nil
}

// enqueueEnvelope writes the QUEUED result record and pushes the envelope to
// its priority sub-queue, optionally delayed.
func (c *Client) enqueueEnvelope(ctx context.Context, env *Envelope, delay time.Duration) error {
	record := &ResultRecord{
		TaskID:    env.TaskID,
		Status:    StatusQueued,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
		Envelope:  env,
	}
	if err := c.writeRecord(ctx, record); err != nil {
		return err
	}

	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	if delay > 0 {
		err = c.broker.PushDelayed(ctx, QueueKey(env.Priority), payload, delay)
	} else {
		err = c.broker.Push(ctx, QueueKey(env.Priority), payload)
	}
	if err != nil {
		return fmt.Errorf("failed to push envelope to queue: %w", err)
	}
	return nil
}

// GetStatus returns the task's result record. The record is authoritative
// even when the queued job itself has been consumed or dropped.
func (c *Client) GetStatus(ctx context.Context, taskID uuid.UUID) (*ResultRecord, error) {
	return c.loadRecord(ctx, taskID)
}

// Cancel flips the task to CANCELLED, best-effort. It cannot preempt a worker
// that has already dequeued the envelope; such a task may still finish and
// report its outcome. Returns true when the record was cancelled.
func (c *Client) Cancel(ctx context.Context, taskID uuid.UUID) (bool, error) {
	record, err := c.loadRecord(ctx, taskID)
	if err != nil {
		return false, err
	}

	if !CanTransition(record.Status, StatusCancelled) {
		return false, nil
	}

	now := time.Now().UTC()
	record.Status = StatusCancelled
	record.CompletedAt = &now
	record.UpdatedAt = now
	if err := c.writeRecord(ctx, record); err != nil {
		return false, err
	}

	c.logger.Info("task cancelled", "task_id", taskID)
	return true, nil
}

// RetryFailed re-enqueues a FAILED task as a new task id in the same priority
// sub-queue, linked to the original via metadata. Returns ErrNotFailed when
// the task is in any other state and ErrRetriesExhausted when the retry
// budget is spent.
func (c *Client) RetryFailed(ctx context.Context, taskID uuid.UUID) (*Envelope, error) {
	record, err := c.loadRecord(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if record.Status != StatusFailed {
		return nil, fmt.Errorf("%w: status is %q", ErrNotFailed, record.Status)
	}
	if record.Envelope == nil {
		return nil, fmt.Errorf("result record for task %s has no envelope", taskID)
	}
	return c.Requeue(ctx, record.Envelope, 0)
}

// Requeue re-enqueues a failed envelope's lineage: a fresh task id with
// incremented retry count, pushed (optionally delayed) onto the same priority
// sub-queue. The failed record is marked RETRY and stays terminal for its own
// id. Returns ErrRetriesExhausted without side effects when the retry budget
// is spent.
func (c *Client) Requeue(ctx context.Context, env *Envelope, delay time.Duration) (*Envelope, error) {
	if env.RetryCount() >= env.RetryPolicy.MaxRetries {
		return nil, fmt.Errorf("%w: task %s used %d of %d retries",
			ErrRetriesExhausted, env.TaskID, env.RetryCount(), env.RetryPolicy.MaxRetries)
	}

	next := env.withRetry()
	if err := c.enqueueEnvelope(ctx, next, delay); err != nil {
		return nil, err
	}

	// Mark the failed record as retried. Best effort: the new attempt is
	// already queued, so a record write failure only loses the marker.
	if err := c.markRetried(ctx, env.TaskID); err != nil {
		c.logger.Warn("failed to mark task as retried",
			"task_id", env.TaskID,
			"error", err)
	}

	c.logger.Info("task re-enqueued",
		"task_id", next.TaskID,
		"original_task_id", next.LineageRoot(),
		"retry_count", next.RetryCount(),
		"delay", delay,
		"priority", next.Priority)
	return next, nil
}

// markRetried transitions a FAILED record to RETRY.
func (c *Client) markRetried(ctx context.Context, taskID uuid.UUID) error {
	record, err := c.loadRecord(ctx, taskID)
	if err != nil {
		return err
	}
	if !CanTransition(record.Status, StatusRetry) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, record.Status, StatusRetry)
	}
	record.Status = StatusRetry
	record.UpdatedAt = time.Now().UTC()
	return c.writeRecord(ctx, record)
}

// MarkStarted transitions the task to STARTED and stamps started_at. Called
// by the worker that dequeued the envelope.
func (c *Client) MarkStarted(ctx context.Context, taskID uuid.UUID) error {
	record, err := c.loadRecord(ctx, taskID)
	if err != nil {
		return err
	}
	if !CanTransition(record.Status, StatusStarted) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, record.Status, StatusStarted)
	}

	now := time.Now().UTC()
	record.Status = StatusStarted
	record.StartedAt = &now
	record.UpdatedAt = now
	if err := c.writeRecord(ctx, record); err != nil {
		return err
	}
	c.incrCounter(ctx, record.Envelope, "started")
	return nil
}

// MarkProgress records an interim completion percentage (clamped to 0-100).
func (c *Client) MarkProgress(ctx context.Context, taskID uuid.UUID, percent int) error {
	record, err := c.loadRecord(ctx, taskID)
	if err != nil {
		return err
	}
	if !CanTransition(record.Status, StatusProgress) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, record.Status, StatusProgress)
	}

	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	record.Status = StatusProgress
	record.Progress = percent
	record.UpdatedAt = time.Now().UTC()
	return c.writeRecord(ctx, record)
}

// MarkCompleted transitions the task to COMPLETED with its result payload.
func (c *Client) MarkCompleted(ctx context.Context, taskID uuid.UUID, result json.RawMessage) error {
	record, err := c.loadRecord(ctx, taskID)
	if err != nil {
		return err
	}
	if !CanTransition(record.Status, StatusCompleted) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, record.Status, StatusCompleted)
	}

	now := time.Now().UTC()
	record.Status = StatusCompleted
	record.Progress = 100
	record.Result = result
	record.Error = ""
	record.CompletedAt = &now
	record.UpdatedAt = now
	if err := c.writeRecord(ctx, record); err != nil {
		return err
	}
	c.incrCounter(ctx, record.Envelope, "finished")
	return nil
}

// MarkFailed transitions the task to FAILED with its error message.
func (c *Client) MarkFailed(ctx context.Context, taskID uuid.UUID, errMsg string) error {
	record, err := c.loadRecord(ctx, taskID)
	if err != nil {
		return err
	}
	if !CanTransition(record.Status, StatusFailed) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, record.Status, StatusFailed)
	}

	now := time.Now().UTC()
	record.Status = StatusFailed
	record.Error = errMsg
	record.Result = nil
	record.CompletedAt = &now
	record.UpdatedAt = now
	if err := c.writeRecord(ctx, record); err != nil {
		return err
	}
	c.incrCounter(ctx, record.Envelope, "failed")
	return nil
}

// PriorityStats is the per-priority slice of a queue stats snapshot.
type PriorityStats struct {
	Depth    int64 `json:"depth"`
	Started  int64 `json:"started"`
	Finished int64 `json:"finished"`
	Failed   int64 `json:"failed"`
}

// QueueStats is an eventually-consistent snapshot of queue depths, lifecycle
// counters and worker totals.
type QueueStats struct {
	Queues      map[Priority]PriorityStats `json:"queues"`
	TotalDepth  int64                      `json:"total_depth"`
	WorkerCount int                        `json:"worker_count"`
}

// GetQueueStats collects per-priority depth and counters plus the registered
// worker count. The snapshot is read-only and eventually consistent.
func (c *Client) GetQueueStats(ctx context.Context) (*QueueStats, error) {
	stats := &QueueStats{Queues: make(map[Priority]PriorityStats, len(Priorities))}

	counters, err := c.broker.Fields(ctx, queueStatsKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read queue counters: %w", err)
	}

	for _, p := range Priorities {
		depth, err := c.broker.ListLen(ctx, QueueKey(p))
		if err != nil {
			return nil, fmt.Errorf("failed to read depth of %s queue: %w", p, err)
		}
		stats.Queues[p] = PriorityStats{
			Depth:    depth,
			Started:  counters[counterField(p, "started")],
			Finished: counters[counterField(p, "finished")],
			Failed:   counters[counterField(p, "failed")],
		}
		stats.TotalDepth += depth
	}

	workers, err := c.broker.SetMembers(ctx, WorkersSetKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read worker set: %w", err)
	}
	stats.WorkerCount = len(workers)

	return stats, nil
}

// loadRecord reads and decodes a result record.
func (c *Client) loadRecord(ctx context.Context, taskID uuid.UUID) (*ResultRecord, error) {
	raw, err := c.broker.Get(ctx, ResultKey(taskID))
	if err != nil {
		if errors.Is(err, broker.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
		}
		return nil, fmt.Errorf("failed to read result record: %w", err)
	}

	var record ResultRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("failed to decode result record: %w", err)
	}
	return &record, nil
}

// writeRecord encodes and stores a result record, applying the result TTL
// once the record is terminal. TTL expiry is the only deletion path.
func (c *Client) writeRecord(ctx context.Context, record *ResultRecord) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode result record: %w", err)
	}

	var ttl time.Duration
	if record.Status.Terminal() {
		ttl = c.config.ResultTTL
	}
	if err := c.broker.Set(ctx, ResultKey(record.TaskID), raw, ttl); err != nil {
		return fmt.Errorf("failed to write result record: %w", err)
	}
	return nil
}

// incrCounter bumps a per-priority lifecycle counter. Counter writes are
// best-effort; they never fail the lifecycle transition that triggered them.
func (c *Client) incrCounter(ctx context.Context, env *Envelope, kind string) {
	priority := PriorityNormal
	if env != nil {
		priority = env.Priority
	}
	if _, err := c.broker.IncrField(ctx, queueStatsKey, counterField(priority, kind), 1); err != nil {
		log := logger.FromContextOrDefault(ctx, c.logger)
		log.Warn("failed to increment queue counter",
			"priority", priority,
			"counter", kind,
			"error", err)
	}
}

func counterField(p Priority, kind string) string {
	return string(p) + ":" + kind
}
