package broker

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Broker for tests and single-node deployments. All
// operations take the same mutex, which is what makes Pop exclusive; blocked
// pops poll rather than hold the lock.
type Memory struct {
	mu     sync.Mutex
	lists  map[string][][]byte
	kv     map[string]kvEntry
	sets   map[string]map[string]struct{}
	hashes map[string]map[string]int64

	pollInterval time.Duration
	timers       map[*time.Timer]struct{}
	closed       bool
}

type kvEntry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

// MemoryOption customizes a Memory broker.
type MemoryOption func(*Memory)

// WithPollInterval overrides how often blocked pops re-check for items.
func WithPollInterval(d time.Duration) MemoryOption {
	return func(m *Memory) {
		if d > 0 {
			m.pollInterval = d
		}
	}
}

// NewMemory creates an empty in-memory broker.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		lists:        make(map[string][][]byte),
		kv:           make(map[string]kvEntry),
		sets:         make(map[string]map[string]struct{}),
		hashes:       make(map[string]map[string]int64),
		pollInterval: 10 * time.Millisecond,
		timers:       make(map[*time.Timer]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Push appends an item to the back of the named list.
func (m *Memory) Push(ctx context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.lists[key] = append(m.lists[key], value)
	return nil
}

// PushDelayed makes the item visible on the named list after delay.
func (m *Memory) PushDelayed(ctx context.Context, key string, value []byte, delay time.Duration) error {
	if delay <= 0 {
		return m.Push(ctx, key, value)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.timers, timer)
		if m.closed {
			return
		}
		m.lists[key] = append(m.lists[key], value)
	})
	m.timers[timer] = struct{}{}
	return nil
}

// Pop removes the head of the first non-empty list in keys, waiting up to wait.
func (m *Memory) Pop(ctx context.Context, keys []string, wait time.Duration) (string, []byte, error) {
	deadline := time.Now().Add(wait)

	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return "", nil, ErrClosed
		}
		for _, key := range keys {
			items := m.lists[key]
			if len(items) == 0 {
				continue
			}
			head := items[0]
			if len(items) == 1 {
				delete(m.lists, key)
			} else {
				m.lists[key] = items[1:]
			}
			m.mu.Unlock()
			return key, head, nil
		}
		m.mu.Unlock()

		if ctx.Err() != nil {
			return "", nil, ctx.Err()
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return "", nil, ErrEmpty
		}

		sleep := m.pollInterval
		if remaining < sleep {
			sleep = remaining
		}
		select {
		case <-ctx.Done():
			return "", nil, ctx.Err()
		case <-time.After(sleep):
		}
	}
}

// ListLen reports the number of visible items in the named list.
func (m *Memory) ListLen(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	return int64(len(m.lists[key])), nil
}

// Get returns the value stored at key, honoring TTL expiry lazily.
func (m *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	entry, ok := m.kv[key]
	if !ok {
		return nil, ErrNotFound
	}
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		delete(m.kv, key)
		return nil, ErrNotFound
	}
	return entry.value, nil
}

// Set stores value at key with an optional TTL.
func (m *Memory) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	entry := kvEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}
	m.kv[key] = entry
	return nil
}

// Delete removes the value stored at key.
func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.kv, key)
	return nil
}

// AddSetMember adds member to the named set.
func (m *Memory) AddSetMember(ctx context.Context, key, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	set, ok := m.sets[key]
	if !ok {
		set = make(map[string]struct{})
		m.sets[key] = set
	}
	set[member] = struct{}{}
	return nil
}

// RemoveSetMember removes member from the named set.
func (m *Memory) RemoveSetMember(ctx context.Context, key, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.sets[key], member)
	return nil
}

// SetMembers returns all members of the named set.
func (m *Memory) SetMembers(ctx context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	members := make([]string, 0, len(m.sets[key]))
	for member := range m.sets[key] {
		members = append(members, member)
	}
	return members, nil
}

// IncrField atomically adds delta to a counter hash field.
func (m *Memory) IncrField(ctx context.Context, key, field string, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	hash, ok := m.hashes[key]
	if !ok {
		hash = make(map[string]int64)
		m.hashes[key] = hash
	}
	hash[field] += delta
	return hash[field], nil
}

// Fields returns a copy of all fields of the named counter hash.
func (m *Memory) Fields(ctx context.Context, key string) (map[string]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make(map[string]int64, len(m.hashes[key]))
	for field, value := range m.hashes[key] {
		out[field] = value
	}
	return out, nil
}

// Close discards all state and stops pending delayed pushes.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for timer := range m.timers {
		timer.Stop()
	}
	m.timers = nil
	m.lists = nil
	m.kv = nil
	m.sets = nil
	m.hashes = nil
	return nil
}
