package camera

import "sync"

// Registry publishes handles of cameras already opened by the orchestrator so
// that secondary consumers do not open the same device a second time. The
// registry never closes a handle; ownership stays with whoever opened it.
type Registry struct {
	handles map[int]Handle
	mu      sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		handles: make(map[int]Handle),
	}
}

// Register publishes a handle for a camera index, replacing any previous one.
func (r *Registry) Register(index int, h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handles[index] = h
}

// Get returns the handle for a camera index, if one is published.
func (r *Registry) Get(index int) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[index]
	return h, ok
}

// Unregister removes the handle only if it is still the one registered, so a
// stale owner cannot withdraw a handle published after a source swap.
func (r *Registry) Unregister(index int, h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.handles[index]; ok && current == h {
		delete(r.handles, index)
		return true
	}
	return false
}

// Indexes returns the published camera indexes.
func (r *Registry) Indexes() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]int, 0, len(r.handles))
	for idx := range r.handles {
		out = append(out, idx)
	}
	return out
}
