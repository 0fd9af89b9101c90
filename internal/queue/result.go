package queue

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status represents the current state of a task's result record.
type Status string

// Possible task status values.
const (
	StatusPending   Status = "pending"
	StatusQueued    Status = "queued"
	StatusStarted   Status = "started"
	StatusProgress  Status = "progress"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusRetry     Status = "retry"
	StatusCancelled Status = "cancelled"
)

// Valid reports whether s is a declared status value.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusQueued, StatusStarted, StatusProgress,
		StatusCompleted, StatusFailed, StatusRetry, StatusCancelled:
		return true
	default:
		return false
	}
}

// transitions encodes the task lifecycle state machine. PENDING exists only
// transiently in submission code and is never persisted; records are created
// at QUEUED. FAILED may move to RETRY when the error handler re-enqueues the
// lineage under a new task id; the retried record is then terminal for its
// own id.
var transitions = map[Status][]Status{
	StatusPending:  {StatusQueued},
	StatusQueued:   {StatusStarted, StatusCancelled},
	StatusStarted:  {StatusProgress, StatusCompleted, StatusFailed, StatusCancelled},
	StatusProgress: {StatusProgress, StatusCompleted, StatusFailed, StatusCancelled},
	StatusFailed:   {StatusRetry},
}

// CanTransition reports whether moving from one status to another is a legal
// step in the task lifecycle.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether a record in status s will never transition again
// under its own task id. FAILED is terminal in the sense that only the retry
// marker (a bookkeeping transition, not a resumption) can follow it.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusRetry, StatusCancelled:
		return true
	default:
		return false
	}
}

// ResultRecord is the mutable, TTL-bounded record of a task's outcome, keyed
// by task id. The envelope is embedded so status reads and operator retries
// survive the queued job itself being consumed or dropped.
type ResultRecord struct {
	TaskID      uuid.UUID       `json:"task_id"`
	Status      Status          `json:"status"`
	Progress    int             `json:"progress,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`

	Envelope *Envelope `json:"envelope,omitempty"`
}
