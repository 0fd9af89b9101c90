// Package failure implements the error-handling subsystem of the task core:
// a tagged error taxonomy carrying kind and severity as data, backoff delay
// computation, retry-or-dead-letter routing, and per-day error statistics
// with alert threshold evaluation.
package failure
