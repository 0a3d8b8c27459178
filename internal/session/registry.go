// Package session holds the in-memory handle table for running jobs.
package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/leadscout/leadscout/internal/orchestrator"
)

// Handle is the registry entry for one executing job. Entries outlive the
// HTTP request that created them and are reachable by later, independent
// pause/stop requests.
type Handle struct {
	Orc       *orchestrator.Orchestrator
	Done      <-chan struct{}
	CreatedAt time.Time

	completed atomic.Bool
}

// Completed reports whether the job behind this handle has finished. The
// flag is written by the completion goroutine and read by request handlers
// that fetched the handle earlier, so it is atomic rather than
// registry-lock-guarded.
func (h *Handle) Completed() bool {
	return h.completed.Load()
}

// Registry is a concurrent-safe map from session id to live handle. It is
// the only mutable shared map in the core and is guarded by one mutex.
type Registry struct {
	mu      sync.RWMutex
	handles map[string]*Handle
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		handles: make(map[string]*Handle),
	}
}

// Set registers a handle for a job that has started executing.
func (r *Registry) Set(jobID string, handle *Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handles[jobID] = handle
}

// Get returns the handle for a job, or false when unknown.
func (r *Registry) Get(jobID string) (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[jobID]
	return h, ok
}

// Delete removes the handle.
func (r *Registry) Delete(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handles, jobID)
}

// MarkComplete flags a handle as finished without removing it, so late
// readers can still pull final results before cleanup.
func (r *Registry) MarkComplete(jobID string) {
	r.mu.RLock()
	h, ok := r.handles[jobID]
	r.mu.RUnlock()
	if ok {
		h.completed.Store(true)
	}
}

// Len returns the number of registered handles.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}

// IDs returns the registered session ids.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handles))
	for id := range r.handles {
		out = append(out, id)
	}
	return out
}
