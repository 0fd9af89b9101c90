package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	// Registers the "pgx" driver with database/sql.
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/phrazzld/taskhive/internal/broker"
)

// defaultPollInterval paces Pop's retry loop while it waits for an item.
const defaultPollInterval = 100 * time.Millisecond

// Broker implements broker.Broker on PostgreSQL. Queue exclusivity comes from
// a delete-returning pop guarded by FOR UPDATE SKIP LOCKED, so concurrent
// workers never receive the same item and never block each other.
type Broker struct {
	db           *sql.DB
	pollInterval time.Duration
}

// Option configures a Broker.
type Option func(*Broker)

// WithPollInterval overrides how often Pop re-checks for items while waiting.
func WithPollInterval(d time.Duration) Option {
	return func(b *Broker) {
		if d > 0 {
			b.pollInterval = d
		}
	}
}

// Connect opens a pgx-backed connection pool for the given URL and verifies
// it with a ping.
func Connect(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// NewBroker creates a Broker over an open connection pool. The broker takes
// ownership of the pool; Close closes it.
func NewBroker(db *sql.DB, opts ...Option) *Broker {
	b := &Broker{
		db:           db,
		pollInterval: defaultPollInterval,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// wrapErr tags infrastructure failures so callers can match them with
// errors.Is(err, broker.ErrUnavailable).
func wrapErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", broker.ErrUnavailable, op, err)
}

// Push appends an item to the back of the named list.
func (b *Broker) Push(ctx context.Context, key string, value []byte) error {
	return b.PushDelayed(ctx, key, value, 0)
}

// PushDelayed appends an item that becomes visible to Pop after delay.
func (b *Broker) PushDelayed(ctx context.Context, key string, value []byte, delay time.Duration) error {
	query := `
		INSERT INTO queue_items (queue, payload, visible_at)
		VALUES ($1, $2, now() + $3 * interval '1 millisecond')
	`
	if _, err := b.db.ExecContext(ctx, query, key, value, delay.Milliseconds()); err != nil {
		return wrapErr("push", err)
	}
	return nil
}

// Pop atomically claims the head item of the first non-empty list in keys,
// checked in order, waiting up to wait for one to appear.
func (b *Broker) Pop(ctx context.Context, keys []string, wait time.Duration) (string, []byte, error) {
	deadline := time.Now().Add(wait)
	for {
		for _, key := range keys {
			value, err := b.popOne(ctx, key)
			if err == nil {
				return key, value, nil
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return "", nil, wrapErr("pop", err)
			}
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return "", nil, broker.ErrEmpty
		}
		sleep := b.pollInterval
		if sleep > remaining {
			sleep = remaining
		}
		select {
		case <-ctx.Done():
			return "", nil, ctx.Err()
		case <-time.After(sleep):
		}
	}
}

// popOne claims one visible item from a single queue. SKIP LOCKED lets
// concurrent poppers pass over rows another transaction is already claiming.
func (b *Broker) popOne(ctx context.Context, key string) ([]byte, error) {
	query := `
		DELETE FROM queue_items
		WHERE id = (
			SELECT id FROM queue_items
			WHERE queue = $1 AND visible_at <= now()
			ORDER BY id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING payload
	`
	var payload []byte
	err := b.db.QueryRowContext(ctx, query, key).Scan(&payload)
	if err != nil {
		return nil, err
	}
	return payload, nil
}

// ListLen reports the number of visible items in the named list.
func (b *Broker) ListLen(ctx context.Context, key string) (int64, error) {
	query := `SELECT count(*) FROM queue_items WHERE queue = $1 AND visible_at <= now()`
	var n int64
	if err := b.db.QueryRowContext(ctx, query, key).Scan(&n); err != nil {
		return 0, wrapErr("list len", err)
	}
	return n, nil
}

// Get returns the value stored at key. Expired records read as missing;
// cleanup of the dead row is left to the next Set or Delete.
func (b *Broker) Get(ctx context.Context, key string) ([]byte, error) {
	query := `
		SELECT value FROM kv_records
		WHERE key = $1 AND (expires_at IS NULL OR expires_at > now())
	`
	var value []byte
	err := b.db.QueryRowContext(ctx, query, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, broker.ErrNotFound
	}
	if err != nil {
		return nil, wrapErr("get", err)
	}
	return value, nil
}

// Set stores value at key, replacing any previous record and its TTL.
func (b *Broker) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	query := `
		INSERT INTO kv_records (key, value, expires_at)
		VALUES ($1, $2, CASE WHEN $3::bigint > 0 THEN now() + $3 * interval '1 millisecond' END)
		ON CONFLICT (key) DO UPDATE
		SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at
	`
	if _, err := b.db.ExecContext(ctx, query, key, value, ttl.Milliseconds()); err != nil {
		return wrapErr("set", err)
	}
	return nil
}

// Delete removes the record at key.
func (b *Broker) Delete(ctx context.Context, key string) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM kv_records WHERE key = $1`, key); err != nil {
		return wrapErr("delete", err)
	}
	return nil
}

// AddSetMember adds member to the named set.
func (b *Broker) AddSetMember(ctx context.Context, key, member string) error {
	query := `
		INSERT INTO set_members (key, member)
		VALUES ($1, $2)
		ON CONFLICT (key, member) DO NOTHING
	`
	if _, err := b.db.ExecContext(ctx, query, key, member); err != nil {
		return wrapErr("add set member", err)
	}
	return nil
}

// RemoveSetMember removes member from the named set.
func (b *Broker) RemoveSetMember(ctx context.Context, key, member string) error {
	query := `DELETE FROM set_members WHERE key = $1 AND member = $2`
	if _, err := b.db.ExecContext(ctx, query, key, member); err != nil {
		return wrapErr("remove set member", err)
	}
	return nil
}

// SetMembers returns all members of the named set.
func (b *Broker) SetMembers(ctx context.Context, key string) ([]string, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT member FROM set_members WHERE key = $1 ORDER BY member`, key)
	if err != nil {
		return nil, wrapErr("set members", err)
	}
	defer func() { _ = rows.Close() }()

	var members []string
	for rows.Next() {
		var member string
		if err := rows.Scan(&member); err != nil {
			return nil, wrapErr("set members", err)
		}
		members = append(members, member)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("set members", err)
	}
	return members, nil
}

// IncrField atomically adds delta to a counter-hash field and returns the new
// value.
func (b *Broker) IncrField(ctx context.Context, key, field string, delta int64) (int64, error) {
	query := `
		INSERT INTO counter_hashes (key, field, value)
		VALUES ($1, $2, $3)
		ON CONFLICT (key, field) DO UPDATE
		SET value = counter_hashes.value + EXCLUDED.value
		RETURNING value
	`
	var value int64
	if err := b.db.QueryRowContext(ctx, query, key, field, delta).Scan(&value); err != nil {
		return 0, wrapErr("incr field", err)
	}
	return value, nil
}

// Fields returns all fields of the named counter hash.
func (b *Broker) Fields(ctx context.Context, key string) (map[string]int64, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT field, value FROM counter_hashes WHERE key = $1`, key)
	if err != nil {
		return nil, wrapErr("fields", err)
	}
	defer func() { _ = rows.Close() }()

	fields := make(map[string]int64)
	for rows.Next() {
		var (
			field string
			value int64
		)
		if err := rows.Scan(&field, &value); err != nil {
			return nil, wrapErr("fields", err)
		}
		fields[field] = value
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("fields", err)
	}
	return fields, nil
}

// Close releases the underlying connection pool.
func (b *Broker) Close() error {
	return b.db.Close()
}
