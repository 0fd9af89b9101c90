// Package api provides the HTTP surface of the system: task submission and
// lifecycle endpoints plus operational endpoints for queue stats, worker
// status and scaling.
package api
