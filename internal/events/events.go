package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Alert kinds emitted by the error-handling subsystem.
const (
	// AlertCriticalFailure fires on every CRITICAL-severity task failure.
	AlertCriticalFailure = "critical_failure"

	// AlertErrorRate fires when the per-day error count crosses the
	// configured threshold.
	AlertErrorRate = "error_rate"
)

// AlertEvent describes an alerting condition detected by the error handler.
// It carries enough context for an external pager/monitoring integration
// without coupling the handler to any delivery mechanism.
type AlertEvent struct {
	// ID is a unique identifier for this event.
	ID uuid.UUID `json:"id"`

	// Kind is one of the Alert* constants.
	Kind string `json:"kind"`

	// Message is a human-readable summary of the condition.
	Message string `json:"message"`

	// TaskID and WorkRef identify the failing task, when the alert concerns
	// a single task.
	TaskID  uuid.UUID `json:"task_id,omitempty"`
	WorkRef string    `json:"work_ref,omitempty"`

	// Severity is the classified severity of the triggering failure.
	Severity string `json:"severity,omitempty"`

	// Count is the running total behind rate alerts.
	Count int64 `json:"count,omitempty"`

	// CreatedAt is the timestamp when the event was created.
	CreatedAt time.Time `json:"created_at"`
}

// NewAlertEvent creates an AlertEvent of the given kind.
func NewAlertEvent(kind, message string) *AlertEvent {
	return &AlertEvent{
		ID:        uuid.New(),
		Kind:      kind,
		Message:   message,
		CreatedAt: time.Now().UTC(),
	}
}

// AlertHandler defines an interface for components that consume alerts.
type AlertHandler interface {
	// HandleAlert processes the given alert within the provided context.
	// Returns an error if the alert cannot be handled successfully.
	HandleAlert(ctx context.Context, event *AlertEvent) error
}

// AlertEmitter defines an interface for components that emit alerts. This
// allows the error handler to publish conditions without direct knowledge of
// the consumers.
type AlertEmitter interface {
	// EmitAlert publishes the given alert to all registered handlers.
	EmitAlert(ctx context.Context, event *AlertEvent) error
}
