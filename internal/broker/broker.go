package broker

import (
	"context"
	"errors"
	"time"
)

// Common errors returned by broker implementations.
var (
	// ErrNotFound is returned when a requested key does not exist or has
	// expired.
	ErrNotFound = errors.New("broker: key not found")

	// ErrEmpty is returned by Pop when no item became available within the
	// wait window.
	ErrEmpty = errors.New("broker: no item available")

	// ErrClosed is returned when an operation is attempted on a closed broker.
	ErrClosed = errors.New("broker: closed")

	// ErrUnavailable wraps infrastructure failures (connection loss, query
	// errors). Callers can distinguish them from not-found/empty conditions
	// with errors.Is and decide whether to retry at their own layer.
	ErrUnavailable = errors.New("broker: unavailable")
)

// Broker is the contract for the shared, atomic key-value/queue store the core
// runs against. Pop is exclusive: no two callers ever receive the same item.
// All mutual exclusion for queue contention comes from the implementation's
// atomicity, not from in-process locks held by callers.
type Broker interface {
	// Push appends an item to the back of the named list.
	Push(ctx context.Context, key string, value []byte) error

	// PushDelayed appends an item to the back of the named list once delay
	// has elapsed. The item is invisible to Pop until then.
	PushDelayed(ctx context.Context, key string, value []byte, delay time.Duration) error

	// Pop atomically removes and returns the head item of the first non-empty
	// list in keys, checked in order. It waits up to wait for an item to
	// appear and returns ErrEmpty when none does. The returned key names the
	// list the item came from.
	Pop(ctx context.Context, keys []string, wait time.Duration) (key string, value []byte, err error)

	// ListLen reports the number of visible items in the named list.
	ListLen(ctx context.Context, key string) (int64, error)

	// Get returns the value stored at key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value at key. A non-zero ttl bounds the record's lifetime;
	// a zero ttl keeps it until overwritten or deleted.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes the value stored at key. Deleting a missing key is a
	// no-op.
	Delete(ctx context.Context, key string) error

	// AddSetMember adds member to the named set.
	AddSetMember(ctx context.Context, key, member string) error

	// RemoveSetMember removes member from the named set.
	RemoveSetMember(ctx context.Context, key, member string) error

	// SetMembers returns all members of the named set.
	SetMembers(ctx context.Context, key string) ([]string, error)

	// IncrField atomically adds delta to a field of the named counter hash
	// and returns the new value. Missing hashes and fields start at zero.
	IncrField(ctx context.Context, key, field string, delta int64) (int64, error)

	// Fields returns all fields of the named counter hash. A missing hash
	// yields an empty map, not an error.
	Fields(ctx context.Context, key string) (map[string]int64, error)

	// Close releases the broker's resources. Operations after Close return
	// ErrClosed.
	Close() error
}
