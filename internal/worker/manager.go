package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/phrazzld/taskhive/internal/broker"
	"github.com/phrazzld/taskhive/internal/failure"
	"github.com/phrazzld/taskhive/internal/queue"
)

// ErrWorkerNotFound is returned for operations on unknown worker ids.
var ErrWorkerNotFound = errors.New("worker not found")

// AutoscalePolicy tunes the depth-threshold control loop.
type AutoscalePolicy struct {
	// Interval is how often queue depths are compared against thresholds.
	Interval time.Duration

	// ScaleUpDepth adds a worker to a priority whose queue depth exceeds it.
	ScaleUpDepth int

	// ScaleDownDepth removes a worker from a priority whose queue depth is
	// at or below it.
	ScaleDownDepth int

	// MinWorkers and MaxWorkers bound the per-priority fleet size.
	MinWorkers int
	MaxWorkers int
}

// DefaultAutoscalePolicy returns the documented default thresholds.
func DefaultAutoscalePolicy() AutoscalePolicy {
	return AutoscalePolicy{
		Interval:       30 * time.Second,
		ScaleUpDepth:   50,
		ScaleDownDepth: 5,
		MinWorkers:     0,
		MaxWorkers:     8,
	}
}

// Manager supervises a fleet of workers: it starts and stops them, exposes
// their aggregated health, and optionally runs a depth-threshold autoscale
// loop per priority queue.
type Manager struct {
	mu      sync.Mutex
	workers map[string]*Worker

	client     *queue.Client
	registry   *Registry
	errHandler *failure.Handler
	broker     broker.Broker
	defaults   Config
	policy     AutoscalePolicy
	logger     *slog.Logger

	loopCancel context.CancelFunc
	loopDone   chan struct{}
}

// NewManager creates a worker manager. The defaults config seeds every worker
// started without explicit settings; the policy drives RunAutoscaler.
func NewManager(
	client *queue.Client,
	registry *Registry,
	errHandler *failure.Handler,
	b broker.Broker,
	defaults Config,
	policy AutoscalePolicy,
	log *slog.Logger,
) *Manager {
	if policy.Interval <= 0 {
		policy.Interval = 30 * time.Second
	}
	if policy.MaxWorkers <= 0 {
		policy.MaxWorkers = 8
	}
	return &Manager{
		workers:    make(map[string]*Worker),
		client:     client,
		registry:   registry,
		errHandler: errHandler,
		broker:     b,
		defaults:   defaults,
		policy:     policy,
		logger:     log.With("component", "worker_manager"),
	}
}

// StartWorker starts a new worker with the given config, filling unset fields
// from the manager's defaults.
func (m *Manager) StartWorker(cfg Config) (*Worker, error) {
	if len(cfg.Queues) == 0 {
		cfg.Queues = m.defaults.Queues
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = m.defaults.HeartbeatInterval
	}
	if cfg.MaxJobs == 0 {
		cfg.MaxJobs = m.defaults.MaxJobs
	}
	if cfg.DequeueWait <= 0 {
		cfg.DequeueWait = m.defaults.DequeueWait
	}

	w := New(cfg, m.client, m.registry, m.errHandler, m.broker, m.logger)
	if err := w.Start(); err != nil {
		return nil, fmt.Errorf("failed to start worker: %w", err)
	}

	m.mu.Lock()
	m.workers[w.ID()] = w
	m.mu.Unlock()

	// Retired workers (max jobs) exit on their own; reap them so the fleet
	// view stays accurate.
	go func() {
		<-w.Done()
		m.mu.Lock()
		delete(m.workers, w.ID())
		m.mu.Unlock()
	}()

	return w, nil
}

// StopWorker stops a managed worker. With graceful set it waits for the
// worker's current job to finish; otherwise it only signals and returns,
// abandoning (not killing) whatever is in flight.
func (m *Manager) StopWorker(id string, graceful bool) error {
	m.mu.Lock()
	w, ok := m.workers[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrWorkerNotFound, id)
	}

	w.Stop()
	if graceful {
		<-w.Done()
	}
	return nil
}

// GetWorkerStatus reads a worker's health record from the broker.
func (m *Manager) GetWorkerStatus(ctx context.Context, id string) (*HealthRecord, error) {
	raw, err := m.broker.Get(ctx, queue.WorkerHealthKey(id))
	if err != nil {
		if errors.Is(err, broker.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrWorkerNotFound, id)
		}
		return nil, fmt.Errorf("failed to read worker health: %w", err)
	}
	var record HealthRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("failed to decode worker health: %w", err)
	}
	return &record, nil
}

// GetAllWorkersStatus reads the health records of every registered worker.
// Workers whose records have expired (crashed or just-stopped) are skipped.
func (m *Manager) GetAllWorkersStatus(ctx context.Context) ([]HealthRecord, error) {
	ids, err := m.broker.SetMembers(ctx, queue.WorkersSetKey)
	if err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}

	records := make([]HealthRecord, 0, len(ids))
	for _, id := range ids {
		record, err := m.GetWorkerStatus(ctx, id)
		if err != nil {
			if errors.Is(err, ErrWorkerNotFound) {
				continue
			}
			return nil, err
		}
		records = append(records, *record)
	}
	return records, nil
}

// AutoScale reconciles the per-priority worker counts against the target map.
// Only workers dedicated to a single priority queue count toward (and are
// eligible for) scaling; the boot-time fleet draining all queues is left
// alone. Scale-down prefers idle workers over busy ones where determinable.
func (m *Manager) AutoScale(ctx context.Context, targets map[queue.Priority]int) error {
	for priority, target := range targets {
		if !priority.Valid() {
			return fmt.Errorf("%w: %q", queue.ErrInvalidPriority, priority)
		}
		if target < 0 {
			target = 0
		}

		current := m.dedicatedWorkers(priority)

		switch {
		case len(current) < target:
			for i := len(current); i < target; i++ {
				if _, err := m.StartWorker(Config{Queues: []queue.Priority{priority}}); err != nil {
					return fmt.Errorf("autoscale failed to add %s worker: %w", priority, err)
				}
			}
			m.logger.Info("scaled up",
				"priority", priority,
				"from", len(current),
				"to", target)

		case len(current) > target:
			victims := m.pickScaleDownVictims(ctx, current, len(current)-target)
			for _, w := range victims {
				w.Stop()
			}
			m.logger.Info("scaled down",
				"priority", priority,
				"from", len(current),
				"to", target)
		}
	}
	return nil
}

// dedicatedWorkers returns the live workers assigned exactly one queue, the
// given priority.
func (m *Manager) dedicatedWorkers(priority queue.Priority) []*Worker {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Worker
	for _, w := range m.workers {
		qs := w.Queues()
		if len(qs) == 1 && qs[0] == priority {
			out = append(out, w)
		}
	}
	return out
}

// pickScaleDownVictims selects n workers to stop, idle ones first. Health
// reads are best-effort; when state is unknown the worker is treated as busy
// and picked last.
func (m *Manager) pickScaleDownVictims(ctx context.Context, candidates []*Worker, n int) []*Worker {
	var idle, busy []*Worker
	for _, w := range candidates {
		record, err := m.GetWorkerStatus(ctx, w.ID())
		if err == nil && record.State == StateIdle {
			idle = append(idle, w)
		} else {
			busy = append(busy, w)
		}
	}

	victims := append(idle, busy...)
	if n > len(victims) {
		n = len(victims)
	}
	return victims[:n]
}

// RunAutoscaler starts the depth-threshold control loop: on every interval it
// compares per-priority queue depth against the policy thresholds and applies
// the resulting target map. Stop it with StopAutoscaler or ShutdownAll.
func (m *Manager) RunAutoscaler() {
	ctx, cancel := context.WithCancel(context.Background())
	m.loopCancel = cancel
	m.loopDone = make(chan struct{})

	go func() {
		defer close(m.loopDone)
		ticker := time.NewTicker(m.policy.Interval)
		defer ticker.Stop()

		m.logger.Info("autoscaler started",
			"interval", m.policy.Interval,
			"scale_up_depth", m.policy.ScaleUpDepth,
			"scale_down_depth", m.policy.ScaleDownDepth)

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := m.autoscaleOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
					m.logger.Error("autoscale pass failed", "error", err)
				}
			}
		}
	}()
}

// autoscaleOnce computes the target map from current depths and applies it.
func (m *Manager) autoscaleOnce(ctx context.Context) error {
	stats, err := m.client.GetQueueStats(ctx)
	if err != nil {
		return fmt.Errorf("failed to read queue stats: %w", err)
	}

	targets := make(map[queue.Priority]int)
	for _, priority := range queue.Priorities {
		depth := stats.Queues[priority].Depth
		current := len(m.dedicatedWorkers(priority))

		target := current
		if depth > int64(m.policy.ScaleUpDepth) && current < m.policy.MaxWorkers {
			target = current + 1
		} else if depth <= int64(m.policy.ScaleDownDepth) && current > m.policy.MinWorkers {
			target = current - 1
		}
		if target != current {
			targets[priority] = target
		}
	}

	if len(targets) == 0 {
		return nil
	}
	return m.AutoScale(ctx, targets)
}

// StopAutoscaler stops the control loop if it is running.
func (m *Manager) StopAutoscaler() {
	if m.loopCancel != nil {
		m.loopCancel()
		<-m.loopDone
		m.loopCancel = nil
	}
}

// ShutdownAll stops every managed worker and waits up to timeout for clean
// exits. Stragglers are abandoned (their goroutines are signalled but not
// killed) and logged. Returns an error naming how many workers failed to stop
// in time.
func (m *Manager) ShutdownAll(graceful bool, timeout time.Duration) error {
	m.StopAutoscaler()

	m.mu.Lock()
	workers := make([]*Worker, 0, len(m.workers))
	for _, w := range m.workers {
		workers = append(workers, w)
	}
	m.mu.Unlock()

	m.logger.Info("shutting down all workers",
		"count", len(workers),
		"graceful", graceful,
		"timeout", timeout)

	for _, w := range workers {
		w.Stop()
	}

	if !graceful {
		return nil
	}

	deadline := time.After(timeout)
	var stragglers []string
	for _, w := range workers {
		select {
		case <-w.Done():
		case <-deadline:
			stragglers = append(stragglers, w.ID())
		}
	}

	if len(stragglers) > 0 {
		m.logger.Error("abandoned workers that failed to stop in time",
			"worker_ids", stragglers)
		return fmt.Errorf("%d workers failed to stop within %s", len(stragglers), timeout)
	}

	m.logger.Info("all workers stopped")
	return nil
}

// WorkerCount returns the number of currently managed workers.
func (m *Manager) WorkerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.workers)
}
