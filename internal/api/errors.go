package api

import (
	"errors"
	"net/http"

	"github.com/phrazzld/taskhive/internal/broker"
	"github.com/phrazzld/taskhive/internal/queue"
	"github.com/phrazzld/taskhive/internal/worker"
)

// MapErrorToStatusCode maps a domain error to the HTTP status code the client
// should see.
func MapErrorToStatusCode(err error) int {
	switch {
	case errors.Is(err, queue.ErrTaskNotFound),
		errors.Is(err, worker.ErrWorkerNotFound):
		return http.StatusNotFound
	case errors.Is(err, queue.ErrInvalidPriority),
		errors.Is(err, queue.ErrInvalidWorkRef),
		errors.Is(err, worker.ErrUnknownWorkRef):
		return http.StatusBadRequest
	case errors.Is(err, queue.ErrNotFailed),
		errors.Is(err, queue.ErrRetriesExhausted),
		errors.Is(err, queue.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, broker.ErrUnavailable), errors.Is(err, broker.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// GetSafeErrorMessage returns a client-safe message for a domain error;
// internals are never exposed.
func GetSafeErrorMessage(err error) string {
	switch {
	case errors.Is(err, queue.ErrTaskNotFound):
		return "Task not found"
	case errors.Is(err, worker.ErrWorkerNotFound):
		return "Worker not found"
	case errors.Is(err, queue.ErrInvalidPriority):
		return "Invalid priority"
	case errors.Is(err, queue.ErrInvalidWorkRef),
		errors.Is(err, worker.ErrUnknownWorkRef):
		return "Unknown task type"
	case errors.Is(err, queue.ErrNotFailed):
		return "Task is not in a failed state"
	case errors.Is(err, queue.ErrRetriesExhausted):
		return "Task has exhausted its retries"
	case errors.Is(err, queue.ErrInvalidTransition):
		return "Task is not in a state that allows this operation"
	case errors.Is(err, broker.ErrUnavailable), errors.Is(err, broker.ErrClosed):
		return "Queue backend is unavailable"
	default:
		return "An internal error occurred"
	}
}
