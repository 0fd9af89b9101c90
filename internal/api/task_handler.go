package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/phrazzld/taskhive/internal/api/shared"
	"github.com/phrazzld/taskhive/internal/platform/logger"
	"github.com/phrazzld/taskhive/internal/queue"
)

// TaskHandler handles task submission and lifecycle HTTP requests.
type TaskHandler struct {
	client *queue.Client
	logger *slog.Logger
}

// NewTaskHandler creates a new TaskHandler.
func NewTaskHandler(client *queue.Client, log *slog.Logger) *TaskHandler {
	if log == nil {
		// ALLOW-PANIC: Constructor enforcing required dependency
		panic("logger cannot be nil for TaskHandler")
	}
	return &TaskHandler{
		client: client,
		logger: log.With(slog.String("component", "task_handler")),
	}
}

// SubmitTask handles POST /api/tasks. It enqueues the task and returns 202
// immediately; execution happens asynchronously on the worker fleet.
func (h *TaskHandler) SubmitTask(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContextOrDefault(r.Context(), h.logger)

	var req SubmitTaskRequest
	if err := shared.DecodeJSON(r, &req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := shared.ValidateRequest(req); err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, "Invalid request", err)
		return
	}

	submit := queue.SubmitRequest{
		WorkRef:        req.WorkRef,
		Args:           req.Args,
		Kwargs:         req.Kwargs,
		Priority:       queue.Priority(req.Priority),
		TimeoutSeconds: req.TimeoutSeconds,
		Metadata:       req.Metadata,
	}
	if req.MaxRetries != nil {
		policy := queue.DefaultRetryPolicy()
		policy.MaxRetries = *req.MaxRetries
		submit.RetryPolicy = &policy
	}

	env, err := h.client.Enqueue(r.Context(), submit)
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}

	log.Info("task accepted",
		slog.String("task_id", env.TaskID.String()),
		slog.String("work_ref", env.WorkRef),
		slog.String("priority", string(env.Priority)))

	shared.RespondWithJSON(w, r, http.StatusAccepted, SubmitTaskResponse{
		TaskID:   env.TaskID.String(),
		WorkRef:  env.WorkRef,
		Priority: string(env.Priority),
		Status:   string(queue.StatusQueued),
	})
}

// GetTaskStatus handles GET /api/tasks/{id}.
func (h *TaskHandler) GetTaskStatus(w http.ResponseWriter, r *http.Request) {
	taskID, ok := h.taskIDFromURL(w, r)
	if !ok {
		return
	}

	record, err := h.client.GetStatus(r.Context(), taskID)
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}

	shared.RespondWithJSON(w, r, http.StatusOK, recordToResponse(record))
}

// CancelTask handles DELETE /api/tasks/{id}. Cancellation is advisory: a task
// already claimed by a worker may still run to completion, and the response
// says whether the record actually flipped to cancelled.
func (h *TaskHandler) CancelTask(w http.ResponseWriter, r *http.Request) {
	taskID, ok := h.taskIDFromURL(w, r)
	if !ok {
		return
	}

	cancelled, err := h.client.Cancel(r.Context(), taskID)
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}

	shared.RespondWithJSON(w, r, http.StatusOK, CancelTaskResponse{
		TaskID:    taskID.String(),
		Cancelled: cancelled,
	})
}

// RetryTask handles POST /api/tasks/{id}/retry. Only failed tasks with retry
// budget left can be retried; the retry runs under a fresh task id.
func (h *TaskHandler) RetryTask(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContextOrDefault(r.Context(), h.logger)

	taskID, ok := h.taskIDFromURL(w, r)
	if !ok {
		return
	}

	env, err := h.client.RetryFailed(r.Context(), taskID)
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}

	log.Info("task retried",
		slog.String("original_task_id", taskID.String()),
		slog.String("task_id", env.TaskID.String()),
		slog.Int("retry_count", env.RetryCount()))

	shared.RespondWithJSON(w, r, http.StatusAccepted, RetryTaskResponse{
		TaskID:         env.TaskID.String(),
		OriginalTaskID: taskID.String(),
		RetryCount:     env.RetryCount(),
	})
}

// taskIDFromURL parses the {id} path parameter, writing a 400 on failure.
func (h *TaskHandler) taskIDFromURL(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := chi.URLParam(r, "id")
	taskID, err := uuid.Parse(raw)
	if err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid task ID")
		return uuid.Nil, false
	}
	return taskID, true
}
