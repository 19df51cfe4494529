package relay

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var (
	// ErrStopped is the cancellation cause of a turn stopped by its client.
	ErrStopped = errors.New("generation stopped by client")
	// ErrSuperseded is the cancellation cause of a turn replaced by a newer
	// turn for the same session.
	ErrSuperseded = errors.New("generation superseded by a newer turn")
)

// Handle is the cancellation capability of one in-flight turn. The registry
// owns it; the upstream call only borrows its context.
type Handle struct {
	ctx      context.Context
	cancel   context.CancelCauseFunc
	signaled atomic.Bool
}

func newHandle(parent context.Context) *Handle {
	ctx, cancel := context.WithCancelCause(parent)
	return &Handle{ctx: ctx, cancel: cancel}
}

// Signal cancels the turn with ErrStopped.
func (h *Handle) Signal() {
	h.signal(ErrStopped)
}

func (h *Handle) signal(cause error) {
	if h.signaled.CompareAndSwap(false, true) {
		h.cancel(cause)
	}
}

// Signaled reports whether Signal (or a supersede) has fired.
func (h *Handle) Signaled() bool {
	return h.signaled.Load()
}

// Context is cancelled once the handle is signalled or released.
func (h *Handle) Context() context.Context {
	return h.ctx
}

// Cause returns why the handle's context ended, or nil while it is live.
func (h *Handle) Cause() error {
	return context.Cause(h.ctx)
}

// Registry maps session IDs to the handle of their in-flight turn. At most one
// handle exists per session; every operation on a slot is linearizable.
type Registry struct {
	mu      sync.Mutex
	handles map[string]*Handle
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handles: make(map[string]*Handle)}
}

// Register creates the handle for a new turn of sessionID. A turn already in
// flight for the session is signalled with ErrSuperseded before it is replaced.
func (r *Registry) Register(parent context.Context, sessionID string) *Handle {
	h := newHandle(parent)

	r.mu.Lock()
	prev := r.handles[sessionID]
	r.handles[sessionID] = h
	r.mu.Unlock()

	if prev != nil {
		prev.signal(ErrSuperseded)
	}
	return h
}

// Cancel signals and removes the handle for sessionID. It reports whether a
// turn was in flight; calling it with nothing to cancel changes nothing.
func (r *Registry) Cancel(sessionID string) bool {
	r.mu.Lock()
	h, ok := r.handles[sessionID]
	if ok {
		delete(r.handles, sessionID)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	h.Signal()
	return true
}

// Release ends the turn owning h. The slot is cleared only while it still
// holds h, so a superseded turn cannot evict its successor. Safe to repeat.
func (r *Registry) Release(sessionID string, h *Handle) {
	r.mu.Lock()
	if current, ok := r.handles[sessionID]; ok && current == h {
		delete(r.handles, sessionID)
	}
	r.mu.Unlock()

	// Frees the context without marking the handle as signalled.
	h.cancel(context.Canceled)
}

// Active reports whether sessionID has a turn in flight.
func (r *Registry) Active(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.handles[sessionID]
	return ok
}

// Len returns the number of in-flight turns.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}
