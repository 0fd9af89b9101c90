package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/taskhive/internal/broker"
	"github.com/phrazzld/taskhive/internal/events"
	"github.com/phrazzld/taskhive/internal/failure"
	"github.com/phrazzld/taskhive/internal/queue"
)

type workerFixture struct {
	broker   *broker.Memory
	client   *queue.Client
	registry *Registry
	handler  *failure.Handler
	logger   *slog.Logger
}

func newWorkerFixture(t *testing.T) *workerFixture {
	t.Helper()
	m := broker.NewMemory(broker.WithPollInterval(2 * time.Millisecond))
	t.Cleanup(func() { _ = m.Close() })

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := NewRegistry()
	cfg := queue.DefaultClientConfig()
	cfg.Resolver = registry
	client := queue.NewClient(m, cfg, log)
	emitter := events.NewInMemoryAlertEmitter(log)
	errHandler := failure.NewHandler(client, m, emitter, failure.DefaultHandlerConfig(), log)

	return &workerFixture{
		broker:   m,
		client:   client,
		registry: registry,
		handler:  errHandler,
		logger:   log,
	}
}

func (f *workerFixture) startWorker(t *testing.T, cfg Config) *Worker {
	t.Helper()
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 50 * time.Millisecond
	}
	if cfg.DequeueWait == 0 {
		cfg.DequeueWait = 20 * time.Millisecond
	}
	w := New(cfg, f.client, f.registry, f.handler, f.broker, f.logger)
	require.NoError(t, w.Start())
	t.Cleanup(func() {
		w.Stop()
		select {
		case <-w.Done():
		case <-time.After(2 * time.Second):
			t.Log("worker did not stop in time")
		}
	})
	return w
}

// waitForStatus polls until the task's record reaches the wanted status.
func (f *workerFixture) waitForStatus(t *testing.T, env *queue.Envelope, want queue.Status) *queue.ResultRecord {
	t.Helper()
	var record *queue.ResultRecord
	require.Eventually(t, func() bool {
		var err error
		record, err = f.client.GetStatus(context.Background(), env.TaskID)
		return err == nil && record.Status == want
	}, 3*time.Second, 5*time.Millisecond, "task never reached %s", want)
	return record
}

func TestWorkerProcessesTask(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()

	require.NoError(t, f.registry.Register("math.double", queue.JobSpec{}, func(_ context.Context, job *Job) (json.RawMessage, error) {
		var n int
		require.NoError(t, json.Unmarshal(job.Args, &n))
		return json.Marshal(n * 2)
	}))

	f.startWorker(t, Config{})

	env, err := f.client.Enqueue(ctx, queue.SubmitRequest{
		WorkRef: "math.double",
		Args:    json.RawMessage(`21`),
	})
	require.NoError(t, err)

	record := f.waitForStatus(t, env, queue.StatusCompleted)
	assert.Equal(t, json.RawMessage(`42`), record.Result)
	assert.Equal(t, 100, record.Progress)
	assert.NotNil(t, record.StartedAt)
	assert.NotNil(t, record.CompletedAt)
}

func TestWorkerDrainsInStrictPriorityOrder(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()

	var mu sync.Mutex
	var order []string
	require.NoError(t, f.registry.Register("record.order", queue.JobSpec{}, func(_ context.Context, job *Job) (json.RawMessage, error) {
		mu.Lock()
		order = append(order, job.Metadata["label"])
		mu.Unlock()
		return nil, nil
	}))

	// Enqueue out of priority order before any worker exists.
	labels := []struct {
		label    string
		priority queue.Priority
	}{
		{"low", queue.PriorityLow},
		{"normal", queue.PriorityNormal},
		{"critical", queue.PriorityCritical},
		{"high", queue.PriorityHigh},
	}
	for _, l := range labels {
		_, err := f.client.Enqueue(ctx, queue.SubmitRequest{
			WorkRef:  "record.order",
			Priority: l.priority,
			Metadata: map[string]string{"label": l.label},
		})
		require.NoError(t, err)
	}

	f.startWorker(t, Config{})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 4
	}, 3*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"critical", "high", "normal", "low"}, order)
}

func TestWorkerRetriesFailedTask(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()

	var mu sync.Mutex
	attempts := 0
	require.NoError(t, f.registry.Register("flaky.op", queue.JobSpec{
		RetryPolicy: queue.RetryPolicy{
			Strategy:   queue.StrategyImmediate,
			MaxRetries: 3,
		},
	}, func(_ context.Context, _ *Job) (json.RawMessage, error) {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts < 3 {
			return nil, failure.Network(errors.New("connection reset"))
		}
		return json.RawMessage(`"ok"`), nil
	}))

	f.startWorker(t, Config{})

	env, err := f.client.Enqueue(ctx, queue.SubmitRequest{WorkRef: "flaky.op"})
	require.NoError(t, err)

	// The first attempt's record ends in RETRY; the lineage eventually
	// completes on the third attempt.
	f.waitForStatus(t, env, queue.StatusRetry)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return attempts == 3
	}, 3*time.Second, 5*time.Millisecond)
}

func TestWorkerRoutesNonRetryableToDLQ(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()

	require.NoError(t, f.registry.Register("strict.op", queue.JobSpec{}, func(_ context.Context, _ *Job) (json.RawMessage, error) {
		return nil, failure.Validation(errors.New("bad input"))
	}))

	f.startWorker(t, Config{})

	env, err := f.client.Enqueue(ctx, queue.SubmitRequest{WorkRef: "strict.op"})
	require.NoError(t, err)

	f.waitForStatus(t, env, queue.StatusFailed)

	require.Eventually(t, func() bool {
		n, err := f.broker.ListLen(ctx, queue.DLQKey(string(failure.DLQPermanentFailure)))
		return err == nil && n == 1
	}, 3*time.Second, 5*time.Millisecond, "dead-letter entry never appeared")
}

func TestWorkerRecoversFromPanic(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()

	require.NoError(t, f.registry.Register("panics.op", queue.JobSpec{
		RetryPolicy: queue.RetryPolicy{Strategy: queue.StrategyImmediate, MaxRetries: 0},
	}, func(_ context.Context, _ *Job) (json.RawMessage, error) {
		panic("boom")
	}))

	w := f.startWorker(t, Config{})

	env, err := f.client.Enqueue(ctx, queue.SubmitRequest{WorkRef: "panics.op"})
	require.NoError(t, err)

	record := f.waitForStatus(t, env, queue.StatusFailed)
	assert.Contains(t, record.Error, "panic")

	// The worker itself must survive the panic.
	select {
	case <-w.Done():
		t.Fatal("worker exited after a handler panic")
	default:
	}
}

func TestWorkerEnforcesTaskTimeout(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()

	require.NoError(t, f.registry.Register("slow.op", queue.JobSpec{
		TimeoutSeconds: 1,
		RetryPolicy:    queue.RetryPolicy{Strategy: queue.StrategyImmediate, MaxRetries: 0},
	}, func(jobCtx context.Context, _ *Job) (json.RawMessage, error) {
		<-jobCtx.Done()
		return nil, failure.Timeout(jobCtx.Err())
	}))

	f.startWorker(t, Config{})

	env, err := f.client.Enqueue(ctx, queue.SubmitRequest{WorkRef: "slow.op"})
	require.NoError(t, err)

	record := f.waitForStatus(t, env, queue.StatusFailed)
	assert.Contains(t, record.Error, "timeout")
}

func TestWorkerSkipsCancelledTask(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()

	var mu sync.Mutex
	ran := false
	require.NoError(t, f.registry.Register("never.runs", queue.JobSpec{}, func(_ context.Context, _ *Job) (json.RawMessage, error) {
		mu.Lock()
		ran = true
		mu.Unlock()
		return nil, nil
	}))

	// Cancel before any worker exists, then start one.
	env, err := f.client.Enqueue(ctx, queue.SubmitRequest{WorkRef: "never.runs"})
	require.NoError(t, err)
	cancelled, err := f.client.Cancel(ctx, env.TaskID)
	require.NoError(t, err)
	require.True(t, cancelled)

	f.startWorker(t, Config{})

	// Give the worker time to dequeue and skip the envelope.
	time.Sleep(150 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.False(t, ran, "cancelled task must not execute")

	record, err := f.client.GetStatus(ctx, env.TaskID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusCancelled, record.Status)
}

func TestWorkerRetiresAfterMaxJobs(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()

	require.NoError(t, f.registry.Register("quick.op", queue.JobSpec{}, noopHandler))

	w := f.startWorker(t, Config{MaxJobs: 2})

	for i := 0; i < 2; i++ {
		_, err := f.client.Enqueue(ctx, queue.SubmitRequest{WorkRef: "quick.op"})
		require.NoError(t, err)
	}

	select {
	case <-w.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("worker did not retire after max jobs")
	}
}

func TestWorkerHealthRecordLifecycle(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()

	require.NoError(t, f.registry.Register("quick.op", queue.JobSpec{}, noopHandler))
	w := f.startWorker(t, Config{ID: "worker-health-test"})

	// Registered in the workers set with an idle health record.
	require.Eventually(t, func() bool {
		raw, err := f.broker.Get(ctx, queue.WorkerHealthKey(w.ID()))
		if err != nil {
			return false
		}
		var record HealthRecord
		return json.Unmarshal(raw, &record) == nil && record.State == StateIdle
	}, 3*time.Second, 5*time.Millisecond)

	members, err := f.broker.SetMembers(ctx, queue.WorkersSetKey)
	require.NoError(t, err)
	assert.Contains(t, members, "worker-health-test")

	_, err = f.client.Enqueue(ctx, queue.SubmitRequest{WorkRef: "quick.op"})
	require.NoError(t, err)

	// After processing, the counter moves and the worker returns to idle.
	require.Eventually(t, func() bool {
		raw, err := f.broker.Get(ctx, queue.WorkerHealthKey(w.ID()))
		if err != nil {
			return false
		}
		var record HealthRecord
		if json.Unmarshal(raw, &record) != nil {
			return false
		}
		return record.JobsProcessed == 1 && record.State == StateIdle
	}, 3*time.Second, 5*time.Millisecond)

	// Stopping deregisters the worker.
	w.Stop()
	<-w.Done()
	require.Eventually(t, func() bool {
		members, err := f.broker.SetMembers(ctx, queue.WorkersSetKey)
		if err != nil {
			return false
		}
		for _, m := range members {
			if m == "worker-health-test" {
				return false
			}
		}
		return true
	}, 3*time.Second, 5*time.Millisecond)
}
