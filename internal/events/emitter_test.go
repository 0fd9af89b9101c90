package events

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingHandler captures alerts and optionally fails.
type recordingHandler struct {
	alerts []*AlertEvent
	err    error
}

func (h *recordingHandler) HandleAlert(ctx context.Context, event *AlertEvent) error {
	h.alerts = append(h.alerts, event)
	return h.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEmitAlertDispatchesToAllHandlers(t *testing.T) {
	emitter := NewInMemoryAlertEmitter(testLogger())
	first := &recordingHandler{}
	second := &recordingHandler{}
	emitter.RegisterHandler(first)
	emitter.RegisterHandler(second)

	event := NewAlertEvent(AlertCriticalFailure, "worker exploded")
	require.NoError(t, emitter.EmitAlert(context.Background(), event))

	require.Len(t, first.alerts, 1)
	require.Len(t, second.alerts, 1)
	assert.Equal(t, event.ID, first.alerts[0].ID)
}

func TestEmitAlertContinuesPastFailingHandler(t *testing.T) {
	emitter := NewInMemoryAlertEmitter(testLogger())
	failing := &recordingHandler{err: errors.New("pager down")}
	healthy := &recordingHandler{}
	emitter.RegisterHandler(failing)
	emitter.RegisterHandler(healthy)

	err := emitter.EmitAlert(context.Background(), NewAlertEvent(AlertErrorRate, "too many errors"))

	require.Error(t, err, "first handler error should be surfaced")
	assert.Len(t, healthy.alerts, 1, "remaining handlers must still receive the alert")
}

func TestEmitAlertWithNoHandlers(t *testing.T) {
	emitter := NewInMemoryAlertEmitter(testLogger())
	assert.NoError(t, emitter.EmitAlert(context.Background(), NewAlertEvent(AlertErrorRate, "ignored")))
}
