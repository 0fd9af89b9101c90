package failure

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/taskhive/internal/broker"
	"github.com/phrazzld/taskhive/internal/events"
	"github.com/phrazzld/taskhive/internal/queue"
)

// DLQType names one of the three dead-letter queues.
type DLQType string

const (
	// DLQPermanentFailure holds envelopes whose error kind is never retried.
	DLQPermanentFailure DLQType = "permanent_failure"

	// DLQRetryExhausted holds envelopes that were retryable but spent their
	// retry budget.
	DLQRetryExhausted DLQType = "retry_exhausted"

	// DLQInvestigate holds critical failures and anything that fits neither
	// of the other queues.
	DLQInvestigate DLQType = "investigate"
)

// DeadLetterEntry wraps a terminal envelope with its failure metadata. It is
// created exactly once per terminal failure and removed only by operator
// cleanup or retention sweeps, never by the core.
type DeadLetterEntry struct {
	Envelope     queue.Envelope `json:"envelope"`
	ErrorType    Kind           `json:"error_type"`
	ErrorMessage string         `json:"error_message"`
	FailedAt     time.Time      `json:"failed_at"`
	RetryCount   int            `json:"retry_count"`
	Severity     Severity       `json:"severity"`
	DLQType      DLQType        `json:"dlq_type"`
	WorkerID     string         `json:"worker_id,omitempty"`
}

// HandlerConfig holds configuration for the error handler.
type HandlerConfig struct {
	// DailyErrorThreshold triggers a rate alert once the per-day error total
	// crosses it.
	DailyErrorThreshold int
}

// DefaultHandlerConfig returns a HandlerConfig with the documented defaults.
func DefaultHandlerConfig() HandlerConfig {
	return HandlerConfig{DailyErrorThreshold: 100}
}

// Handler decides the outcome of failed executions: classify, retry with
// backoff, or route to a dead-letter queue; always update error counters and
// evaluate alert thresholds.
type Handler struct {
	queue   *queue.Client
	broker  broker.Broker
	emitter events.AlertEmitter
	config  HandlerConfig
	logger  *slog.Logger
	rand01  func() float64
}

// HandlerOption customizes a Handler.
type HandlerOption func(*Handler)

// WithRandSource overrides the jitter random source; rand01 must return
// values in [0, 1). Used by tests for determinism.
func WithRandSource(rand01 func() float64) HandlerOption {
	return func(h *Handler) {
		if rand01 != nil {
			h.rand01 = rand01
		}
	}
}

// NewHandler creates an error handler over the given queue client and broker.
// The emitter may be nil, in which case alerts are only logged.
func NewHandler(
	q *queue.Client,
	b broker.Broker,
	emitter events.AlertEmitter,
	cfg HandlerConfig,
	log *slog.Logger,
	opts ...HandlerOption,
) *Handler {
	if cfg.DailyErrorThreshold <= 0 {
		cfg.DailyErrorThreshold = 100
	}
	h := &Handler{
		queue:   q,
		broker:  b,
		emitter: emitter,
		config:  cfg,
		logger:  log.With("component", "error_handler"),
		rand01:  rand.Float64,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Outcome reports what the handler did with a failure.
type Outcome struct {
	Kind     Kind
	Severity Severity

	// Retried is true when the lineage was re-enqueued; RetryTaskID is the
	// new attempt's task id and Delay the backoff applied.
	Retried     bool
	RetryTaskID uuid.UUID
	Delay       time.Duration

	// DLQ names the dead-letter queue the envelope was routed to when the
	// failure was terminal.
	DLQ DLQType
}

// HandleFailure classifies the execution error and either re-enqueues the
// envelope's lineage with a backoff delay or writes a dead-letter entry.
// Error counters and alert thresholds are updated in both cases.
func (h *Handler) HandleFailure(ctx context.Context, env *queue.Envelope, execErr error, workerID string) (*Outcome, error) {
	kind, severity := Classify(execErr)
	outcome := &Outcome{Kind: kind, Severity: severity}

	log := h.logger.With(
		"task_id", env.TaskID,
		"work_ref", env.WorkRef,
		"error_kind", kind,
		"severity", severity,
		"retry_count", env.RetryCount(),
	)

	h.recordError(ctx, env, kind, severity)

	canRetry := retryDecision(kind, severity, env.RetryPolicy)
	if canRetry && env.RetryCount() < env.RetryPolicy.MaxRetries {
		delay := BackoffWithJitter(env.RetryPolicy, env.RetryCount(), h.rand01)

		next, err := h.queue.Requeue(ctx, env, delay)
		if err == nil {
			outcome.Retried = true
			outcome.RetryTaskID = next.TaskID
			outcome.Delay = delay
			log.Info("failed task scheduled for retry",
				"retry_task_id", next.TaskID,
				"delay", delay,
				"error", execErr)
			return outcome, nil
		}
		if !errors.Is(err, queue.ErrRetriesExhausted) {
			return nil, fmt.Errorf("failed to re-enqueue task %s: %w", env.TaskID, err)
		}
		// Lost the race against the retry budget; fall through to the DLQ.
	}

	dlq := routeDLQ(kind, severity, canRetry, env)
	outcome.DLQ = dlq
	if err := h.deadLetter(ctx, env, execErr, kind, severity, dlq, workerID); err != nil {
		return nil, err
	}

	log.Warn("failed task routed to dead-letter queue",
		"dlq_type", dlq,
		"error", execErr)
	return outcome, nil
}

// retryDecision applies the retryability rules: the policy's explicit
// non-retryable list and the fixed non-retryable kind set win, then the
// policy's explicit retryable list, then the default (retryable unless the
// failure is critical).
func retryDecision(kind Kind, severity Severity, policy queue.RetryPolicy) bool {
	if containsKind(policy.NonRetryableErrors, kind) {
		return false
	}
	if nonRetryableKinds[kind] {
		return false
	}
	if containsKind(policy.RetryableErrors, kind) {
		return true
	}
	return severity != SeverityCritical
}

// routeDLQ picks the dead-letter queue for a terminal failure: critical
// failures always need human eyes; a retryable failure that ran out of
// budget is retry_exhausted; a non-retryable kind is a permanent failure;
// anything else falls back to investigate.
func routeDLQ(kind Kind, severity Severity, canRetry bool, env *queue.Envelope) DLQType {
	switch {
	case severity == SeverityCritical:
		return DLQInvestigate
	case canRetry && env.RetryCount() >= env.RetryPolicy.MaxRetries:
		return DLQRetryExhausted
	case !canRetry:
		return DLQPermanentFailure
	default:
		return DLQInvestigate
	}
}

// deadLetter writes the dead-letter entry for a terminal failure.
func (h *Handler) deadLetter(
	ctx context.Context,
	env *queue.Envelope,
	execErr error,
	kind Kind,
	severity Severity,
	dlq DLQType,
	workerID string,
) error {
	entry := DeadLetterEntry{
		Envelope:     *env,
		ErrorType:    kind,
		ErrorMessage: execErr.Error(),
		FailedAt:     time.Now().UTC(),
		RetryCount:   env.RetryCount(),
		Severity:     severity,
		DLQType:      dlq,
		WorkerID:     workerID,
	}

	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal dead-letter entry: %w", err)
	}
	if err := h.broker.Push(ctx, queue.DLQKey(string(dlq)), payload); err != nil {
		return fmt.Errorf("failed to write dead-letter entry for task %s: %w", env.TaskID, err)
	}
	return nil
}

// recordError updates the per-day error counters and evaluates alert
// thresholds. Counter failures are logged, never propagated: alerting must
// not change the outcome of failure handling.
func (h *Handler) recordError(ctx context.Context, env *queue.Envelope, kind Kind, severity Severity) {
	day := time.Now().UTC()
	key := queue.ErrorStatsKey(day)

	total, err := h.broker.IncrField(ctx, key, "total", 1)
	if err != nil {
		h.logger.Warn("failed to update error counters", "error", err)
		return
	}
	for _, field := range []string{
		"type:" + string(kind),
		"func:" + env.WorkRef,
		"severity:" + string(severity),
	} {
		if _, err := h.broker.IncrField(ctx, key, field, 1); err != nil {
			h.logger.Warn("failed to update error counter", "field", field, "error", err)
		}
	}

	if severity == SeverityCritical {
		event := events.NewAlertEvent(events.AlertCriticalFailure,
			fmt.Sprintf("critical failure in %s", env.WorkRef))
		event.TaskID = env.TaskID
		event.WorkRef = env.WorkRef
		event.Severity = string(severity)
		h.emit(ctx, event)
	}

	// Fire the rate alert once, at the crossing.
	if total == int64(h.config.DailyErrorThreshold)+1 {
		event := events.NewAlertEvent(events.AlertErrorRate,
			fmt.Sprintf("error rate exceeded %d errors today", h.config.DailyErrorThreshold))
		event.Count = total
		h.emit(ctx, event)
	}
}

func (h *Handler) emit(ctx context.Context, event *events.AlertEvent) {
	if h.emitter == nil {
		h.logger.Error("alert", "alert_kind", event.Kind, "message", event.Message)
		return
	}
	if err := h.emitter.EmitAlert(ctx, event); err != nil {
		h.logger.Warn("failed to emit alert", "alert_kind", event.Kind, "error", err)
	}
}

func containsKind(kinds []string, kind Kind) bool {
	for _, k := range kinds {
		if Kind(k) == kind {
			return true
		}
	}
	return false
}
