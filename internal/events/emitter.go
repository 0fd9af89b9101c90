package events

import (
	"context"
	"log/slog"
	"sync"
)

// InMemoryAlertEmitter is a simple implementation of the AlertEmitter
// interface that stores registered handlers in memory and dispatches alerts
// to them.
type InMemoryAlertEmitter struct {
	handlers []AlertHandler
	mu       sync.RWMutex
	logger   *slog.Logger
}

// NewInMemoryAlertEmitter creates a new instance of InMemoryAlertEmitter.
func NewInMemoryAlertEmitter(logger *slog.Logger) *InMemoryAlertEmitter {
	return &InMemoryAlertEmitter{
		handlers: make([]AlertHandler, 0),
		logger:   logger.With("component", "alert_emitter"),
	}
}

// RegisterHandler adds a new alert handler to receive alerts.
func (e *InMemoryAlertEmitter) RegisterHandler(handler AlertHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = append(e.handlers, handler)
	e.logger.Debug("registered new alert handler", "handler_count", len(e.handlers))
}

// EmitAlert publishes the given alert to all registered handlers. If any
// handler returns an error, the alert is still sent to all other handlers,
// and the first error encountered is returned.
func (e *InMemoryAlertEmitter) EmitAlert(ctx context.Context, event *AlertEvent) error {
	e.mu.RLock()
	handlers := make([]AlertHandler, len(e.handlers))
	copy(handlers, e.handlers)
	e.mu.RUnlock()

	if len(handlers) == 0 {
		// Alerts must never vanish silently: without a consumer they at
		// least reach the log.
		e.logger.Warn("alert emitted with no handlers registered",
			"alert_id", event.ID,
			"alert_kind", event.Kind,
			"message", event.Message)
		return nil
	}

	var firstErr error
	for i, handler := range handlers {
		if err := handler.HandleAlert(ctx, event); err != nil {
			e.logger.Error("handler failed to process alert",
				"error", err,
				"handler_index", i,
				"alert_id", event.ID,
				"alert_kind", event.Kind)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	return firstErr
}

// LogAlertHandler is the default alert consumer: it writes each alert to the
// structured log at error level.
type LogAlertHandler struct {
	logger *slog.Logger
}

// NewLogAlertHandler creates a LogAlertHandler over the given logger.
func NewLogAlertHandler(logger *slog.Logger) *LogAlertHandler {
	return &LogAlertHandler{logger: logger.With("component", "alert_log")}
}

// HandleAlert logs the alert.
func (h *LogAlertHandler) HandleAlert(ctx context.Context, event *AlertEvent) error {
	h.logger.Error("alert",
		"alert_id", event.ID,
		"alert_kind", event.Kind,
		"message", event.Message,
		"task_id", event.TaskID,
		"work_ref", event.WorkRef,
		"severity", event.Severity,
		"count", event.Count)
	return nil
}
