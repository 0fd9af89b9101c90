package queue

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/taskhive/internal/broker"
)

// stubResolver returns a fixed spec for one work ref.
type stubResolver struct {
	workRef string
	spec    JobSpec
}

func (r *stubResolver) SpecFor(workRef string) (JobSpec, bool) {
	if workRef == r.workRef {
		return r.spec, true
	}
	return JobSpec{}, false
}

func newTestClient(t *testing.T, cfg ClientConfig) (*Client, *broker.Memory) {
	t.Helper()
	m := broker.NewMemory(broker.WithPollInterval(5 * time.Millisecond))
	t.Cleanup(func() { _ = m.Close() })
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewClient(m, cfg, log), m
}

func TestEnqueueAppliesDefaults(t *testing.T) {
	client, m := newTestClient(t, DefaultClientConfig())
	ctx := context.Background()

	env, err := client.Enqueue(ctx, SubmitRequest{WorkRef: "report.build"})
	require.NoError(t, err)

	assert.Equal(t, PriorityNormal, env.Priority)
	assert.Equal(t, 120, env.TimeoutSeconds)
	assert.Equal(t, DefaultRetryPolicy(), env.RetryPolicy)
	assert.NotEqual(t, uuid.Nil, env.TaskID)

	// The envelope must land on the normal sub-queue.
	key, payload, err := m.Pop(ctx, []string{QueueKey(PriorityNormal)}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, QueueKey(PriorityNormal), key)

	var queued Envelope
	require.NoError(t, json.Unmarshal(payload, &queued))
	assert.Equal(t, env.TaskID, queued.TaskID)

	// And the result record starts at QUEUED.
	record, err := client.GetStatus(ctx, env.TaskID)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, record.Status)
	require.NotNil(t, record.Envelope)
	assert.Equal(t, "report.build", record.Envelope.WorkRef)
}

func TestEnqueueUsesResolverSpec(t *testing.T) {
	cfg := DefaultClientConfig()
	cfg.Resolver = &stubResolver{
		workRef: "billing.charge",
		spec: JobSpec{
			Priority:       PriorityCritical,
			TimeoutSeconds: 30,
			RetryPolicy: RetryPolicy{
				Strategy:   StrategyFixedDelay,
				MaxRetries: 5,
				BaseDelay:  2,
				MaxDelay:   10,
			},
		},
	}
	client, _ := newTestClient(t, cfg)

	env, err := client.Enqueue(context.Background(), SubmitRequest{WorkRef: "billing.charge"})
	require.NoError(t, err)
	assert.Equal(t, PriorityCritical, env.Priority)
	assert.Equal(t, 30, env.TimeoutSeconds)
	assert.Equal(t, 5, env.RetryPolicy.MaxRetries)

	// Explicit submission fields still win over the spec.
	env, err = client.Enqueue(context.Background(), SubmitRequest{
		WorkRef:        "billing.charge",
		Priority:       PriorityLow,
		TimeoutSeconds: 7,
	})
	require.NoError(t, err)
	assert.Equal(t, PriorityLow, env.Priority)
	assert.Equal(t, 7, env.TimeoutSeconds)
}

func TestEnqueueRejectsBadInput(t *testing.T) {
	client, _ := newTestClient(t, DefaultClientConfig())
	ctx := context.Background()

	_, err := client.Enqueue(ctx, SubmitRequest{})
	assert.ErrorIs(t, err, ErrInvalidWorkRef)

	_, err = client.Enqueue(ctx, SubmitRequest{WorkRef: "x", Priority: "urgent"})
	assert.ErrorIs(t, err, ErrInvalidPriority)
}

func TestGetStatusUnknownTask(t *testing.T) {
	client, _ := newTestClient(t, DefaultClientConfig())

	_, err := client.GetStatus(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestCancelQueuedTask(t *testing.T) {
	client, _ := newTestClient(t, DefaultClientConfig())
	ctx := context.Background()

	env, err := client.Enqueue(ctx, SubmitRequest{WorkRef: "report.build"})
	require.NoError(t, err)

	cancelled, err := client.Cancel(ctx, env.TaskID)
	require.NoError(t, err)
	assert.True(t, cancelled)

	record, err := client.GetStatus(ctx, env.TaskID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, record.Status)
	assert.NotNil(t, record.CompletedAt)

	// Cancelling again is a no-op, not an error.
	cancelled, err = client.Cancel(ctx, env.TaskID)
	require.NoError(t, err)
	assert.False(t, cancelled)
}

func TestCancelCompletedTaskIsNoOp(t *testing.T) {
	client, _ := newTestClient(t, DefaultClientConfig())
	ctx := context.Background()

	env, err := client.Enqueue(ctx, SubmitRequest{WorkRef: "report.build"})
	require.NoError(t, err)
	require.NoError(t, client.MarkStarted(ctx, env.TaskID))
	require.NoError(t, client.MarkCompleted(ctx, env.TaskID, json.RawMessage(`{"ok":true}`)))

	cancelled, err := client.Cancel(ctx, env.TaskID)
	require.NoError(t, err)
	assert.False(t, cancelled)

	record, err := client.GetStatus(ctx, env.TaskID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, record.Status)
}

func TestLifecycleTransitions(t *testing.T) {
	client, _ := newTestClient(t, DefaultClientConfig())
	ctx := context.Background()

	env, err := client.Enqueue(ctx, SubmitRequest{WorkRef: "report.build"})
	require.NoError(t, err)

	// Completing before starting violates the state machine.
	err = client.MarkCompleted(ctx, env.TaskID, nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	require.NoError(t, client.MarkStarted(ctx, env.TaskID))
	record, err := client.GetStatus(ctx, env.TaskID)
	require.NoError(t, err)
	assert.Equal(t, StatusStarted, record.Status)
	assert.NotNil(t, record.StartedAt)

	require.NoError(t, client.MarkProgress(ctx, env.TaskID, 40))
	record, err = client.GetStatus(ctx, env.TaskID)
	require.NoError(t, err)
	assert.Equal(t, StatusProgress, record.Status)
	assert.Equal(t, 40, record.Progress)

	require.NoError(t, client.MarkCompleted(ctx, env.TaskID, json.RawMessage(`"done"`)))
	record, err = client.GetStatus(ctx, env.TaskID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, record.Status)
	assert.Equal(t, 100, record.Progress)
	assert.Equal(t, json.RawMessage(`"done"`), record.Result)
}

func TestMarkProgressClampsPercent(t *testing.T) {
	client, _ := newTestClient(t, DefaultClientConfig())
	ctx := context.Background()

	env, err := client.Enqueue(ctx, SubmitRequest{WorkRef: "report.build"})
	require.NoError(t, err)
	require.NoError(t, client.MarkStarted(ctx, env.TaskID))

	require.NoError(t, client.MarkProgress(ctx, env.TaskID, 250))
	record, err := client.GetStatus(ctx, env.TaskID)
	require.NoError(t, err)
	assert.Equal(t, 100, record.Progress)
}

func TestRetryFailedMintsNewLineage(t *testing.T) {
	client, m := newTestClient(t, DefaultClientConfig())
	ctx := context.Background()

	env, err := client.Enqueue(ctx, SubmitRequest{WorkRef: "email.send"})
	require.NoError(t, err)
	require.NoError(t, client.MarkStarted(ctx, env.TaskID))
	require.NoError(t, client.MarkFailed(ctx, env.TaskID, "smtp timeout"))

	// Drain the original push so the retry is the only queued item.
	_, _, err = m.Pop(ctx, []string{QueueKey(PriorityNormal)}, time.Second)
	require.NoError(t, err)

	retry, err := client.RetryFailed(ctx, env.TaskID)
	require.NoError(t, err)
	assert.NotEqual(t, env.TaskID, retry.TaskID)
	assert.Equal(t, 1, retry.RetryCount())
	assert.Equal(t, env.TaskID, retry.LineageRoot())

	// The failed record flips to RETRY; the new attempt has its own record.
	record, err := client.GetStatus(ctx, env.TaskID)
	require.NoError(t, err)
	assert.Equal(t, StatusRetry, record.Status)

	record, err = client.GetStatus(ctx, retry.TaskID)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, record.Status)
}

func TestRetryFailedRequiresFailedState(t *testing.T) {
	client, _ := newTestClient(t, DefaultClientConfig())
	ctx := context.Background()

	env, err := client.Enqueue(ctx, SubmitRequest{WorkRef: "email.send"})
	require.NoError(t, err)

	_, err = client.RetryFailed(ctx, env.TaskID)
	assert.ErrorIs(t, err, ErrNotFailed)
}

func TestRequeueExhaustedBudget(t *testing.T) {
	client, _ := newTestClient(t, DefaultClientConfig())
	ctx := context.Background()

	policy := DefaultRetryPolicy()
	policy.MaxRetries = 2
	env := &Envelope{
		TaskID:      uuid.New(),
		WorkRef:     "email.send",
		Priority:    PriorityNormal,
		RetryPolicy: policy,
		Metadata:    map[string]string{MetaRetryCount: "2"},
	}

	_, err := client.Requeue(ctx, env, 0)
	assert.ErrorIs(t, err, ErrRetriesExhausted)
}

func TestGetQueueStats(t *testing.T) {
	client, _ := newTestClient(t, DefaultClientConfig())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := client.Enqueue(ctx, SubmitRequest{WorkRef: "report.build", Priority: PriorityHigh})
		require.NoError(t, err)
	}
	env, err := client.Enqueue(ctx, SubmitRequest{WorkRef: "report.build", Priority: PriorityLow})
	require.NoError(t, err)
	require.NoError(t, client.MarkStarted(ctx, env.TaskID))
	require.NoError(t, client.MarkCompleted(ctx, env.TaskID, nil))

	stats, err := client.GetQueueStats(ctx)
	require.NoError(t, err)

	assert.Equal(t, int64(3), stats.Queues[PriorityHigh].Depth)
	assert.Equal(t, int64(1), stats.Queues[PriorityLow].Started)
	assert.Equal(t, int64(1), stats.Queues[PriorityLow].Finished)
	assert.Equal(t, int64(4), stats.TotalDepth)
}
