package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/phrazzld/taskhive/internal/api/shared"
	"github.com/phrazzld/taskhive/internal/health"
	"github.com/phrazzld/taskhive/internal/platform/logger"
	"github.com/phrazzld/taskhive/internal/queue"
	"github.com/phrazzld/taskhive/internal/worker"
)

// Fleet is the worker-management surface the ops endpoints need.
// *worker.Manager satisfies it.
type Fleet interface {
	GetAllWorkersStatus(ctx context.Context) ([]worker.HealthRecord, error)
	AutoScale(ctx context.Context, targets map[queue.Priority]int) error
}

// OpsHandler exposes operational state: queue stats, worker fleet status,
// aggregated health snapshots, and manual scaling.
type OpsHandler struct {
	client   *queue.Client
	fleet    Fleet
	reporter *health.Reporter
	logger   *slog.Logger
}

// NewOpsHandler creates a new OpsHandler.
func NewOpsHandler(
	client *queue.Client,
	fleet Fleet,
	reporter *health.Reporter,
	log *slog.Logger,
) *OpsHandler {
	if log == nil {
		// ALLOW-PANIC: Constructor enforcing required dependency
		panic("logger cannot be nil for OpsHandler")
	}
	return &OpsHandler{
		client:   client,
		fleet:    fleet,
		reporter: reporter,
		logger:   log.With(slog.String("component", "ops_handler")),
	}
}

// GetQueueStats handles GET /api/queue/stats.
func (h *OpsHandler) GetQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.client.GetQueueStats(r.Context())
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, stats)
}

// GetWorkers handles GET /api/workers.
func (h *OpsHandler) GetWorkers(w http.ResponseWriter, r *http.Request) {
	records, err := h.fleet.GetAllWorkersStatus(r.Context())
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, map[string]interface{}{
		"workers": records,
		"count":   len(records),
	})
}

// GetHealth handles GET /api/health. It serves the reporter's cached snapshot
// so health checks stay cheap; before the first poll completes it falls back
// to an on-demand snapshot.
func (h *OpsHandler) GetHealth(w http.ResponseWriter, r *http.Request) {
	snapshot := h.reporter.Latest()
	if snapshot == nil {
		var err error
		snapshot, err = h.reporter.Snapshot(r.Context())
		if err != nil {
			shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
			return
		}
	}
	shared.RespondWithJSON(w, r, http.StatusOK, snapshot)
}

// ScaleWorkers handles POST /api/workers/scale, applying per-priority target
// worker counts.
func (h *OpsHandler) ScaleWorkers(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContextOrDefault(r.Context(), h.logger)

	var req ScaleRequest
	if err := shared.DecodeJSON(r, &req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := shared.ValidateRequest(req); err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, "Invalid request", err)
		return
	}

	targets := make(map[queue.Priority]int, len(req.Targets))
	for p, n := range req.Targets {
		priority := queue.Priority(p)
		if !priority.Valid() {
			shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid priority: "+p)
			return
		}
		targets[priority] = n
	}

	if err := h.fleet.AutoScale(r.Context(), targets); err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}

	log.Info("worker fleet scaled", slog.Any("targets", req.Targets))
	w.WriteHeader(http.StatusNoContent)
}
