// Package postgres provides the PostgreSQL-backed broker: durable queues
// popped with FOR UPDATE SKIP LOCKED, TTL'd key-value records, sets and
// counter hashes, all sharing one connection pool.
package postgres
