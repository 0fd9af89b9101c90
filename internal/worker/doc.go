// Package worker runs the task-executing side of the system. A Worker drains
// its assigned priority queues in strict priority order, executes registered
// handlers with per-task timeouts and panic recovery, and reports liveness
// through TTL'd health records. The Manager supervises a fleet of workers and
// can grow or shrink it from queue depth.
package worker
