// Package health aggregates queue depths, worker liveness and error tallies
// into periodic snapshots for operators.
package health
