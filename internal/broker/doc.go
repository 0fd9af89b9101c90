// Package broker defines the contract for the shared, atomic key-value/queue
// store the task core runs against, along with an in-process implementation.
// The contract covers exactly the primitives the core needs: exclusive list
// pop across an ordered key set, delayed push, TTL-bounded records, set
// membership, and atomic counter hashes. A database-backed implementation
// lives in internal/platform/postgres.
package broker
