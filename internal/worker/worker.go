package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/taskhive/internal/broker"
	"github.com/phrazzld/taskhive/internal/failure"
	"github.com/phrazzld/taskhive/internal/queue"
)

// State represents the lifecycle state of a worker.
type State string

// Possible worker states.
const (
	StateStarting State = "starting"
	StateIdle     State = "idle"
	StateBusy     State = "busy"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StateError    State = "error"
)

// HealthRecord is a worker's ephemeral health snapshot, written only by the
// worker's own health goroutine and read by the manager and the metrics
// reporter. Its TTL is twice the heartbeat interval, so a crashed worker's
// record disappears on its own.
type HealthRecord struct {
	WorkerID      string           `json:"worker_id"`
	State         State            `json:"state"`
	Queues        []queue.Priority `json:"queues"`
	JobsProcessed int64            `json:"jobs_processed"`
	JobsFailed    int64            `json:"jobs_failed"`
	CurrentTaskID string           `json:"current_task_id,omitempty"`
	LastHeartbeat time.Time        `json:"last_heartbeat"`
}

// Config holds configuration for a single worker.
type Config struct {
	// ID identifies the worker; a fresh one is generated when empty.
	ID string

	// Queues is the priority set the worker drains, always in strict
	// priority order regardless of the order given here.
	Queues []queue.Priority

	// HeartbeatInterval is how often the health record is refreshed even
	// when no job completes.
	HeartbeatInterval time.Duration

	// MaxJobs retires the worker after that many completed jobs; zero
	// disables retirement.
	MaxJobs int

	// DequeueWait bounds each blocking dequeue attempt so the worker
	// observes shutdown promptly.
	DequeueWait time.Duration
}

// DefaultConfig returns a worker Config with reasonable defaults: all
// priority queues, 15s heartbeats, no retirement.
func DefaultConfig() Config {
	return Config{
		Queues:            queue.Priorities,
		HeartbeatInterval: 15 * time.Second,
		DequeueWait:       time.Second,
	}
}

// healthUpdate is the message the execution loop sends to the health
// goroutine. All mutable health state is owned by that goroutine alone.
type healthUpdate struct {
	state          State
	currentTaskID  string
	processedDelta int64
	failedDelta    int64
}

// Worker is a single logical execution unit: it drains its assigned priority
// queues in strict order, executes registered work functions under their
// timeout, reports results, and heartbeats its health record.
type Worker struct {
	id        string
	config    Config
	queueKeys []string

	client     *queue.Client
	registry   *Registry
	errHandler *failure.Handler
	broker     broker.Broker
	logger     *slog.Logger

	updates chan healthUpdate
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a Worker. Start must be called before it processes anything.
func New(
	cfg Config,
	client *queue.Client,
	registry *Registry,
	errHandler *failure.Handler,
	b broker.Broker,
	log *slog.Logger,
) *Worker {
	if cfg.ID == "" {
		cfg.ID = "worker-" + uuid.New().String()[:8]
	}
	if len(cfg.Queues) == 0 {
		cfg.Queues = queue.Priorities
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}
	if cfg.DequeueWait <= 0 {
		cfg.DequeueWait = time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		id:         cfg.ID,
		config:     cfg,
		queueKeys:  queue.QueueKeys(orderedQueues(cfg.Queues)),
		client:     client,
		registry:   registry,
		errHandler: errHandler,
		broker:     b,
		logger:     log.With("component", "worker", "worker_id", cfg.ID),
		updates:    make(chan healthUpdate, 16),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// orderedQueues sorts the assigned queue set into strict priority order:
// critical before high before normal before low, whatever order was given.
func orderedQueues(assigned []queue.Priority) []queue.Priority {
	member := make(map[queue.Priority]bool, len(assigned))
	for _, p := range assigned {
		member[p] = true
	}
	ordered := make([]queue.Priority, 0, len(assigned))
	for _, p := range queue.Priorities {
		if member[p] {
			ordered = append(ordered, p)
		}
	}
	return ordered
}

// ID returns the worker's identifier.
func (w *Worker) ID() string {
	return w.id
}

// Queues returns the worker's assigned priority set in drain order.
func (w *Worker) Queues() []queue.Priority {
	return orderedQueues(w.config.Queues)
}

// Start registers the worker and launches its execution and health
// goroutines.
func (w *Worker) Start() error {
	if err := w.broker.AddSetMember(w.ctx, queue.WorkersSetKey, w.id); err != nil {
		return fmt.Errorf("failed to register worker %s: %w", w.id, err)
	}

	go w.healthLoop()
	go w.run()

	w.logger.Info("worker started",
		"queues", w.config.Queues,
		"max_jobs", w.config.MaxJobs)
	return nil
}

// Stop asks the worker to shut down gracefully: it stops dequeuing, lets the
// job in flight finish, then exits. It does not wait; use Done.
func (w *Worker) Stop() {
	w.cancel()
}

// Done is closed once the worker has fully exited.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// run is the execution loop: strict-priority dequeue, execute, report,
// repeat until shutdown or retirement.
func (w *Worker) run() {
	defer close(w.done)
	defer w.shutdown()

	w.sendUpdate(healthUpdate{state: StateIdle})

	var completed int
	for {
		select {
		case <-w.ctx.Done():
			w.logger.Debug("stopping worker")
			return
		default:
		}

		key, payload, err := w.broker.Pop(w.ctx, w.queueKeys, w.config.DequeueWait)
		if err != nil {
			if errors.Is(err, broker.ErrEmpty) {
				continue
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, broker.ErrClosed) {
				return
			}
			w.logger.Error("dequeue failed", "error", err)
			w.sendUpdate(healthUpdate{state: StateError})
			continue
		}

		var env queue.Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			// A payload that does not decode has no task id to report
			// against; all we can do is log and drop it.
			w.logger.Error("failed to decode envelope, dropping",
				"queue_key", key,
				"error", err)
			continue
		}

		w.process(&env)
		completed++

		if w.config.MaxJobs > 0 && completed >= w.config.MaxJobs {
			w.logger.Info("worker reached max jobs, retiring",
				"jobs_completed", completed,
				"max_jobs", w.config.MaxJobs)
			return
		}
	}
}

// process executes one envelope and reports its outcome. Bookkeeping uses a
// background context so a shutdown signal cannot abort result reporting for
// a job that already ran.
func (w *Worker) process(env *queue.Envelope) {
	ctx := context.Background()
	log := w.logger.With(
		"task_id", env.TaskID,
		"work_ref", env.WorkRef,
		"priority", env.Priority,
	)

	if err := w.client.MarkStarted(ctx, env.TaskID); err != nil {
		if errors.Is(err, queue.ErrInvalidTransition) {
			// Cancelled (or otherwise already terminal) before we got to it.
			log.Info("skipping task, no longer startable", "error", err)
			return
		}
		log.Error("failed to mark task started", "error", err)
		return
	}

	w.sendUpdate(healthUpdate{state: StateBusy, currentTaskID: env.TaskID.String()})
	log.Info("processing task")

	result, execErr := w.execute(env)

	if execErr != nil {
		log.Error("task execution failed", "error", execErr)
		if err := w.client.MarkFailed(ctx, env.TaskID, execErr.Error()); err != nil {
			log.Error("failed to mark task failed", "error", err)
		}
		if _, err := w.errHandler.HandleFailure(ctx, env, execErr, w.id); err != nil {
			log.Error("error handler failed", "error", err)
		}
		w.sendUpdate(healthUpdate{state: StateIdle, failedDelta: 1, processedDelta: 1})
		return
	}

	log.Info("task completed")
	if err := w.client.MarkCompleted(ctx, env.TaskID, result); err != nil {
		log.Error("failed to mark task completed", "error", err)
	}
	w.sendUpdate(healthUpdate{state: StateIdle, processedDelta: 1})
}

// execute resolves the handler and invokes it under the envelope's wall-clock
// deadline, converting panics and deadline overruns into classified errors.
func (w *Worker) execute(env *queue.Envelope) (result json.RawMessage, execErr error) {
	handler, err := w.registry.Resolve(env.WorkRef)
	if err != nil {
		return nil, failure.Validation(err)
	}

	jobCtx, cancel := context.WithTimeout(context.Background(), env.Timeout())
	defer cancel()

	job := &Job{
		TaskID:   env.TaskID,
		WorkRef:  env.WorkRef,
		Args:     env.Args,
		Kwargs:   env.Kwargs,
		Metadata: env.Metadata,
		progress: func(ctx context.Context, percent int) error {
			return w.client.MarkProgress(ctx, env.TaskID, percent)
		},
	}

	func() {
		defer func() {
			if r := recover(); r != nil {
				w.logger.Error("work function panicked",
					"task_id", env.TaskID,
					"panic", r,
					"stack", string(debug.Stack()))
				execErr = failure.Internal(fmt.Errorf("panic: %v", r))
			}
		}()
		result, execErr = handler(jobCtx, job)
	}()

	// A deadline overrun is handled identically to a raised error.
	if execErr == nil && jobCtx.Err() != nil {
		execErr = failure.Timeout(jobCtx.Err())
	}
	return result, execErr
}

// shutdown writes the final health states and deregisters the worker.
func (w *Worker) shutdown() {
	w.sendUpdate(healthUpdate{state: StateStopping})
	w.sendUpdate(healthUpdate{state: StateStopped})
	close(w.updates)
}

// sendUpdate hands a health message to the health goroutine.
func (w *Worker) sendUpdate(u healthUpdate) {
	w.updates <- u
}

// healthLoop owns the worker's mutable health state exclusively. It applies
// updates from the execution loop and refreshes the broker record on every
// update and on the heartbeat interval.
func (w *Worker) healthLoop() {
	record := HealthRecord{
		WorkerID: w.id,
		State:    StateStarting,
		Queues:   w.Queues(),
	}
	w.writeHealth(&record)

	ticker := time.NewTicker(w.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case u, ok := <-w.updates:
			if !ok {
				// Execution loop exited; deregister after the final record.
				w.deregister()
				return
			}
			record.State = u.state
			record.JobsProcessed += u.processedDelta
			record.JobsFailed += u.failedDelta
			if u.state == StateBusy {
				record.CurrentTaskID = u.currentTaskID
			} else {
				record.CurrentTaskID = ""
			}
			w.writeHealth(&record)
		case <-ticker.C:
			w.writeHealth(&record)
		}
	}
}

// writeHealth stamps and persists the health record with a TTL of twice the
// heartbeat interval.
func (w *Worker) writeHealth(record *HealthRecord) {
	record.LastHeartbeat = time.Now().UTC()
	payload, err := json.Marshal(record)
	if err != nil {
		w.logger.Error("failed to encode health record", "error", err)
		return
	}
	ttl := 2 * w.config.HeartbeatInterval
	if err := w.broker.Set(context.Background(), queue.WorkerHealthKey(w.id), payload, ttl); err != nil {
		if !errors.Is(err, broker.ErrClosed) {
			w.logger.Warn("failed to write health record", "error", err)
		}
	}
}

// deregister removes the worker from the registered set; its health record is
// left to expire via TTL.
func (w *Worker) deregister() {
	if err := w.broker.RemoveSetMember(context.Background(), queue.WorkersSetKey, w.id); err != nil {
		if !errors.Is(err, broker.ErrClosed) {
			w.logger.Warn("failed to deregister worker", "error", err)
		}
	}
	w.logger.Info("worker stopped")
}
