package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/taskhive/internal/broker"
	"github.com/phrazzld/taskhive/internal/health"
	"github.com/phrazzld/taskhive/internal/queue"
	"github.com/phrazzld/taskhive/internal/worker"
)

// stubFleet captures scale requests and serves fixed worker records.
type stubFleet struct {
	records     []worker.HealthRecord
	lastTargets map[queue.Priority]int
}

func (s *stubFleet) GetAllWorkersStatus(_ context.Context) ([]worker.HealthRecord, error) {
	return s.records, nil
}

func (s *stubFleet) AutoScale(_ context.Context, targets map[queue.Priority]int) error {
	s.lastTargets = targets
	return nil
}

func newOpsRouter(t *testing.T, fleet *stubFleet) (*chi.Mux, *queue.Client) {
	t.Helper()
	m := broker.NewMemory(broker.WithPollInterval(5 * time.Millisecond))
	t.Cleanup(func() { _ = m.Close() })
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	client := queue.NewClient(m, queue.DefaultClientConfig(), log)
	reporter := health.NewReporter(client, fleet, m, time.Minute, log)

	handler := NewOpsHandler(client, fleet, reporter, log)
	r := chi.NewRouter()
	r.Get("/api/queue/stats", handler.GetQueueStats)
	r.Get("/api/workers", handler.GetWorkers)
	r.Post("/api/workers/scale", handler.ScaleWorkers)
	r.Get("/api/health", handler.GetHealth)
	return r, client
}

func TestGetQueueStatsEndpoint(t *testing.T) {
	router, client := newOpsRouter(t, &stubFleet{})
	ctx := context.Background()

	_, err := client.Enqueue(ctx, queue.SubmitRequest{WorkRef: "report.build", Priority: queue.PriorityCritical})
	require.NoError(t, err)

	w := doJSON(t, router, http.MethodGet, "/api/queue/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var stats queue.QueueStats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, int64(1), stats.Queues[queue.PriorityCritical].Depth)
	assert.Equal(t, int64(1), stats.TotalDepth)
}

func TestGetWorkersEndpoint(t *testing.T) {
	fleet := &stubFleet{records: []worker.HealthRecord{
		{WorkerID: "w1", State: worker.StateIdle},
		{WorkerID: "w2", State: worker.StateBusy},
	}}
	router, _ := newOpsRouter(t, fleet)

	w := doJSON(t, router, http.MethodGet, "/api/workers", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Workers []worker.HealthRecord `json:"workers"`
		Count   int                   `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Count)
	assert.Len(t, resp.Workers, 2)
}

func TestGetHealthEndpoint(t *testing.T) {
	router, _ := newOpsRouter(t, &stubFleet{})

	// The reporter hasn't polled; the handler falls back to an on-demand
	// snapshot.
	w := doJSON(t, router, http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var snapshot health.Snapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snapshot))
	assert.False(t, snapshot.TakenAt.IsZero())
	require.NotNil(t, snapshot.Queues)
	assert.Equal(t, int64(0), snapshot.Queues.TotalDepth)
}

func TestScaleWorkersEndpoint(t *testing.T) {
	fleet := &stubFleet{}
	router, _ := newOpsRouter(t, fleet)

	w := doJSON(t, router, http.MethodPost, "/api/workers/scale", ScaleRequest{
		Targets: map[string]int{"high": 3, "low": 1},
	})
	require.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, map[queue.Priority]int{
		queue.PriorityHigh: 3,
		queue.PriorityLow:  1,
	}, fleet.lastTargets)
}

func TestScaleWorkersRejectsBadInput(t *testing.T) {
	fleet := &stubFleet{}
	router, _ := newOpsRouter(t, fleet)

	w := doJSON(t, router, http.MethodPost, "/api/workers/scale", ScaleRequest{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, router, http.MethodPost, "/api/workers/scale", ScaleRequest{
		Targets: map[string]int{"urgent": 2},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Nil(t, fleet.lastTargets)
}
