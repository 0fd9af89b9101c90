package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/taskhive/internal/queue"
)

func newTestManager(t *testing.T, policy AutoscalePolicy) (*Manager, *workerFixture) {
	t.Helper()
	f := newWorkerFixture(t)
	defaults := Config{
		HeartbeatInterval: 50 * time.Millisecond,
		DequeueWait:       20 * time.Millisecond,
	}
	m := NewManager(f.client, f.registry, f.handler, f.broker, defaults, policy, f.logger)
	t.Cleanup(func() { _ = m.ShutdownAll(true, 2*time.Second) })
	return m, f
}

func TestManagerStartAndStopWorker(t *testing.T) {
	m, _ := newTestManager(t, DefaultAutoscalePolicy())

	w, err := m.StartWorker(Config{})
	require.NoError(t, err)
	assert.Equal(t, 1, m.WorkerCount())

	require.NoError(t, m.StopWorker(w.ID(), true))
	assert.Eventually(t, func() bool {
		return m.WorkerCount() == 0
	}, 2*time.Second, 5*time.Millisecond, "stopped worker should be reaped")
}

func TestManagerStopUnknownWorker(t *testing.T) {
	m, _ := newTestManager(t, DefaultAutoscalePolicy())

	err := m.StopWorker("no-such-worker", true)
	assert.ErrorIs(t, err, ErrWorkerNotFound)
}

func TestManagerGetWorkerStatus(t *testing.T) {
	m, _ := newTestManager(t, DefaultAutoscalePolicy())
	ctx := context.Background()

	w, err := m.StartWorker(Config{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		record, err := m.GetWorkerStatus(ctx, w.ID())
		return err == nil && record.WorkerID == w.ID()
	}, 2*time.Second, 5*time.Millisecond)

	records, err := m.GetAllWorkersStatus(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, w.ID(), records[0].WorkerID)

	_, err = m.GetWorkerStatus(ctx, "missing")
	assert.ErrorIs(t, err, ErrWorkerNotFound)
}

func TestManagerAutoScaleUpAndDown(t *testing.T) {
	m, _ := newTestManager(t, DefaultAutoscalePolicy())
	ctx := context.Background()

	require.NoError(t, m.AutoScale(ctx, map[queue.Priority]int{queue.PriorityHigh: 3}))
	assert.Len(t, m.dedicatedWorkers(queue.PriorityHigh), 3)

	// Dedicated workers drain exactly their one priority.
	for _, w := range m.dedicatedWorkers(queue.PriorityHigh) {
		assert.Equal(t, []queue.Priority{queue.PriorityHigh}, w.Queues())
	}

	require.NoError(t, m.AutoScale(ctx, map[queue.Priority]int{queue.PriorityHigh: 1}))
	assert.Eventually(t, func() bool {
		return len(m.dedicatedWorkers(queue.PriorityHigh)) == 1
	}, 2*time.Second, 5*time.Millisecond, "scale-down should stop two workers")
}

func TestManagerAutoScaleRejectsBadPriority(t *testing.T) {
	m, _ := newTestManager(t, DefaultAutoscalePolicy())

	err := m.AutoScale(context.Background(), map[queue.Priority]int{"urgent": 1})
	assert.ErrorIs(t, err, queue.ErrInvalidPriority)
}

func TestManagerAutoScaleIgnoresGeneralWorkers(t *testing.T) {
	m, _ := newTestManager(t, DefaultAutoscalePolicy())
	ctx := context.Background()

	// A boot-time worker draining all queues is not counted per-priority.
	_, err := m.StartWorker(Config{})
	require.NoError(t, err)
	assert.Empty(t, m.dedicatedWorkers(queue.PriorityHigh))

	require.NoError(t, m.AutoScale(ctx, map[queue.Priority]int{queue.PriorityHigh: 1}))
	assert.Len(t, m.dedicatedWorkers(queue.PriorityHigh), 1)
	assert.Equal(t, 2, m.WorkerCount())
}

func TestManagerShutdownAll(t *testing.T) {
	m, _ := newTestManager(t, DefaultAutoscalePolicy())

	for i := 0; i < 3; i++ {
		_, err := m.StartWorker(Config{})
		require.NoError(t, err)
	}
	require.Equal(t, 3, m.WorkerCount())

	require.NoError(t, m.ShutdownAll(true, 2*time.Second))
	assert.Eventually(t, func() bool {
		return m.WorkerCount() == 0
	}, 2*time.Second, 5*time.Millisecond)
}
