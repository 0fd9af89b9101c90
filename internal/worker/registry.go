package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/phrazzld/taskhive/internal/queue"
)

// ErrAlreadyRegistered is returned when a work ref is registered twice.
var ErrAlreadyRegistered = errors.New("work ref already registered")

// ErrUnknownWorkRef is returned when no handler exists for a work ref.
var ErrUnknownWorkRef = errors.New("unknown work ref")

// Job is the view of a dequeued envelope handed to a work function. The core
// treats args, kwargs and the returned result as opaque payloads.
type Job struct {
	TaskID   uuid.UUID
	WorkRef  string
	Args     json.RawMessage
	Kwargs   json.RawMessage
	Metadata map[string]string

	progress func(ctx context.Context, percent int) error
}

// ReportProgress records an interim completion percentage on the task's
// result record. Optional; a handler that never calls it simply goes straight
// from STARTED to its terminal state.
func (j *Job) ReportProgress(ctx context.Context, percent int) error {
	if j.progress == nil {
		return nil
	}
	return j.progress(ctx, percent)
}

// Handler is a registered work function. It receives the job view and
// returns an opaque result payload or an error. Errors should be tagged with
// the failure package's constructors so classification works on data rather
// than message text.
type Handler func(ctx context.Context, job *Job) (json.RawMessage, error)

// Registry maps stable work refs to handlers and their static job specs.
// Registration happens explicitly at startup; nothing is inferred from the
// handlers themselves. It implements queue.SpecResolver so the queue client
// can consult registered defaults at enqueue time.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]registration
}

type registration struct {
	spec    queue.JobSpec
	handler Handler
}

// NewRegistry creates an empty work-function registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]registration)}
}

// Register binds a work ref to a handler and its job spec. Registering the
// same ref twice is an error; specs are static, not re-bindable at runtime.
func (r *Registry) Register(workRef string, spec queue.JobSpec, handler Handler) error {
	if workRef == "" {
		return errors.New("work ref must not be empty")
	}
	if handler == nil {
		return fmt.Errorf("handler for %q must not be nil", workRef)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[workRef]; exists {
		return fmt.Errorf("%w: %q", ErrAlreadyRegistered, workRef)
	}
	r.entries[workRef] = registration{spec: spec, handler: handler}
	return nil
}

// Resolve returns the handler registered for a work ref.
func (r *Registry) Resolve(workRef string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.entries[workRef]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownWorkRef, workRef)
	}
	return reg.handler, nil
}

// SpecFor returns the job spec registered for a work ref. Implements
// queue.SpecResolver.
func (r *Registry) SpecFor(workRef string) (queue.JobSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.entries[workRef]
	return reg.spec, ok
}

// WorkRefs returns all registered work refs.
func (r *Registry) WorkRefs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	refs := make([]string, 0, len(r.entries))
	for ref := range r.entries {
		refs = append(refs, ref)
	}
	return refs
}
