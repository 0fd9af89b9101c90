package api

import (
	"encoding/json"
	"time"

	"github.com/phrazzld/taskhive/internal/queue"
)

// SubmitTaskRequest is the body for POST /api/tasks.
type SubmitTaskRequest struct {
	WorkRef        string            `json:"work_ref"         validate:"required"`
	Args           json.RawMessage   `json:"args,omitempty"`
	Kwargs         json.RawMessage   `json:"kwargs,omitempty"`
	Priority       string            `json:"priority,omitempty"        validate:"omitempty,oneof=critical high normal low"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty" validate:"omitempty,min=1"`
	MaxRetries     *int              `json:"max_retries,omitempty"     validate:"omitempty,min=0"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// SubmitTaskResponse acknowledges an accepted task.
type SubmitTaskResponse struct {
	TaskID   string `json:"task_id"`
	WorkRef  string `json:"work_ref"`
	Priority string `json:"priority"`
	Status   string `json:"status"`
}

// TaskStatusResponse mirrors a task's result record.
type TaskStatusResponse struct {
	TaskID      string          `json:"task_id"`
	WorkRef     string          `json:"work_ref"`
	Priority    string          `json:"priority"`
	Status      string          `json:"status"`
	Progress    int             `json:"progress"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	RetryCount  int             `json:"retry_count"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// CancelTaskResponse reports the outcome of a cancellation attempt.
type CancelTaskResponse struct {
	TaskID    string `json:"task_id"`
	Cancelled bool   `json:"cancelled"`
}

// RetryTaskResponse reports the replacement task minted by a manual retry.
type RetryTaskResponse struct {
	TaskID         string `json:"task_id"`
	OriginalTaskID string `json:"original_task_id"`
	RetryCount     int    `json:"retry_count"`
}

// ScaleRequest is the body for POST /api/workers/scale.
type ScaleRequest struct {
	Targets map[string]int `json:"targets" validate:"required,min=1"`
}

func recordToResponse(record *queue.ResultRecord) TaskStatusResponse {
	resp := TaskStatusResponse{
		TaskID:      record.TaskID.String(),
		Status:      string(record.Status),
		Progress:    record.Progress,
		Result:      record.Result,
		Error:       record.Error,
		CreatedAt:   record.CreatedAt,
		StartedAt:   record.StartedAt,
		CompletedAt: record.CompletedAt,
	}
	if record.Envelope != nil {
		resp.WorkRef = record.Envelope.WorkRef
		resp.Priority = string(record.Envelope.Priority)
		resp.RetryCount = record.Envelope.RetryCount()
	}
	return resp
}
