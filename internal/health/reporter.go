package health

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/phrazzld/taskhive/internal/broker"
	"github.com/phrazzld/taskhive/internal/queue"
	"github.com/phrazzld/taskhive/internal/worker"
)

// Snapshot is one poll of the system's health: queue stats, the live worker
// fleet, and the running error tally for the current day.
type Snapshot struct {
	TakenAt     time.Time             `json:"taken_at"`
	Queues      *queue.QueueStats     `json:"queues"`
	Workers     []worker.HealthRecord `json:"workers"`
	ErrorCounts map[string]int64      `json:"error_counts"`
}

// WorkerStatusReader reads worker health records. *worker.Manager satisfies it.
type WorkerStatusReader interface {
	GetAllWorkersStatus(ctx context.Context) ([]worker.HealthRecord, error)
}

// Reporter polls queue and worker health on a fixed interval and serves the
// latest snapshot to callers (the ops API reads it rather than hitting the
// broker on every request).
type Reporter struct {
	client   *queue.Client
	workers  WorkerStatusReader
	broker   broker.Broker
	interval time.Duration
	logger   *slog.Logger

	mu     sync.RWMutex
	latest *Snapshot

	cancel context.CancelFunc
	done   chan struct{}
}

// NewReporter creates a reporter polling at the given interval.
func NewReporter(
	client *queue.Client,
	workers WorkerStatusReader,
	b broker.Broker,
	interval time.Duration,
	log *slog.Logger,
) *Reporter {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Reporter{
		client:   client,
		workers:  workers,
		broker:   b,
		interval: interval,
		logger:   log.With("component", "health_reporter"),
	}
}

// Start begins the poll loop. It takes an immediate first snapshot so Latest
// is populated before the first tick.
func (r *Reporter) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)
		r.poll(ctx)

		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.poll(ctx)
			}
		}
	}()
}

// Stop halts the poll loop and waits for it to exit.
func (r *Reporter) Stop() {
	if r.cancel != nil {
		r.cancel()
		<-r.done
		r.cancel = nil
	}
}

// Latest returns the most recent snapshot, or nil before the first poll
// completes.
func (r *Reporter) Latest() *Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.latest
}

// Snapshot polls the system on demand, bypassing the cached copy.
func (r *Reporter) Snapshot(ctx context.Context) (*Snapshot, error) {
	stats, err := r.client.GetQueueStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read queue stats: %w", err)
	}
	workers, err := r.workers.GetAllWorkersStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read worker statuses: %w", err)
	}
	errCounts, err := r.broker.Fields(ctx, queue.ErrorStatsKey(time.Now().UTC()))
	if err != nil {
		return nil, fmt.Errorf("failed to read error stats: %w", err)
	}

	return &Snapshot{
		TakenAt:     time.Now().UTC(),
		Queues:      stats,
		Workers:     workers,
		ErrorCounts: errCounts,
	}, nil
}

func (r *Reporter) poll(ctx context.Context) {
	snapshot, err := r.Snapshot(ctx)
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Error("health poll failed", "error", err)
		}
		return
	}

	r.mu.Lock()
	r.latest = snapshot
	r.mu.Unlock()

	busy := 0
	for _, w := range snapshot.Workers {
		if w.State == worker.StateBusy {
			busy++
		}
	}
	r.logger.Info("system health",
		"total_depth", snapshot.Queues.TotalDepth,
		"workers", len(snapshot.Workers),
		"busy_workers", busy,
		"errors_today", snapshot.ErrorCounts["total"])
}
