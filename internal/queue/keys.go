package queue

import (
	"time"

	"github.com/google/uuid"
)

// Broker key namespace. This layout is stable across restarts; no component
// writes these keys except through the queue, error handler, worker and
// worker manager APIs.
const (
	queueKeyPrefix        = "queue:"
	dlqKeyPrefix          = "dlq:"
	resultKeyPrefix       = "result:"
	workerHealthKeyPrefix = "worker:health:"

	// WorkersSetKey holds the ids of all registered workers.
	WorkersSetKey = "workers"

	// queueStatsKey is the counter hash holding per-priority
	// started/finished/failed counters.
	queueStatsKey = "stats:queue"

	errorStatsKeyPrefix = "errors:stats:"
)

// QueueKey returns the list key for a priority sub-queue.
func QueueKey(p Priority) string {
	return queueKeyPrefix + string(p)
}

// QueueKeys returns list keys for the given priorities in the order given.
// Passing queue.Priorities yields the strict drain order.
func QueueKeys(priorities []Priority) []string {
	keys := make([]string, len(priorities))
	for i, p := range priorities {
		keys[i] = QueueKey(p)
	}
	return keys
}

// PriorityFromQueueKey maps a list key back to its priority level.
func PriorityFromQueueKey(key string) Priority {
	if len(key) <= len(queueKeyPrefix) {
		return ""
	}
	return Priority(key[len(queueKeyPrefix):])
}

// DLQKey returns the list key for a dead-letter queue type.
func DLQKey(dlqType string) string {
	return dlqKeyPrefix + dlqType
}

// ResultKey returns the KV key for a task's result record.
func ResultKey(taskID uuid.UUID) string {
	return resultKeyPrefix + taskID.String()
}

// WorkerHealthKey returns the KV key for a worker's health record.
func WorkerHealthKey(workerID string) string {
	return workerHealthKeyPrefix + workerID
}

// ErrorStatsKey returns the counter-hash key for a day's error statistics.
func ErrorStatsKey(day time.Time) string {
	return errorStatsKeyPrefix + day.UTC().Format("2006-01-02")
}
