package failure

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyTaggedErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		kind     Kind
		severity Severity
	}{
		{"validation", Validation(errors.New("bad payload")), KindValidation, SeverityMedium},
		{"permission", Permission(errors.New("denied")), KindPermission, SeverityHigh},
		{"timeout", Timeout(errors.New("too slow")), KindTimeout, SeverityMedium},
		{"network", Network(errors.New("refused")), KindNetwork, SeverityMedium},
		{"database", Database(errors.New("deadlock")), KindDatabase, SeverityHigh},
		{"resource exhausted", ResourceExhausted(errors.New("oom")), KindResourceExhausted, SeverityCritical},
		{"internal", Internal(errors.New("boom")), KindInternal, SeverityMedium},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			kind, severity := Classify(tc.err)
			assert.Equal(t, tc.kind, kind)
			assert.Equal(t, tc.severity, severity)
		})
	}
}

func TestClassifyWrappedTaggedError(t *testing.T) {
	err := fmt.Errorf("handler failed: %w", Network(errors.New("connection reset")))
	kind, severity := Classify(err)
	assert.Equal(t, KindNetwork, kind)
	assert.Equal(t, SeverityMedium, severity)
}

func TestClassifyDeadlineExceeded(t *testing.T) {
	kind, severity := Classify(fmt.Errorf("job: %w", context.DeadlineExceeded))
	assert.Equal(t, KindTimeout, kind)
	assert.Equal(t, SeverityMedium, severity)
}

func TestClassifyUntaggedByMessage(t *testing.T) {
	tests := []struct {
		msg  string
		kind Kind
	}{
		{"connection refused by upstream", KindNetwork},
		{"read timed out after 30s", KindTimeout},
		{"sql: constraint violation", KindDatabase},
		{"permission denied for bucket", KindPermission},
		{"cannot allocate memory", KindResourceExhausted},
		{"invalid argument count", KindValidation},
		{"something unexpected happened", KindInternal},
	}

	for _, tc := range tests {
		t.Run(tc.msg, func(t *testing.T) {
			kind, _ := Classify(errors.New(tc.msg))
			assert.Equal(t, tc.kind, kind)
		})
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := Database(cause)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "database")
	assert.Contains(t, err.Error(), "root cause")
}
