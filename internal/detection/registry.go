package detection

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"candyline/internal/camera"
)

// Registry manages available detectors and the one currently in use.
// It is itself a Detector that delegates to the active entry, so the backend
// can be switched at runtime without touching camera pipelines.
type Registry struct {
	detectors map[string]Detector
	active    string
	mu        sync.RWMutex
}

// NewRegistry creates a new detector registry.
func NewRegistry() *Registry {
	return &Registry{
		detectors: make(map[string]Detector),
	}
}

// Register adds a detector. The first registered detector becomes active.
func (r *Registry) Register(detector Detector) error {
	if detector == nil {
		return fmt.Errorf("detector cannot be nil")
	}

	name := detector.Name()
	if name == "" {
		return fmt.Errorf("detector name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.detectors[name]; exists {
		return fmt.Errorf("detector %q already registered", name)
	}

	r.detectors[name] = detector
	if r.active == "" {
		r.active = name
	}
	return nil
}

// Get returns a detector by name.
func (r *Registry) Get(name string) (Detector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.detectors[name]
	return d, ok
}

// SetActive switches the detector used by Detect.
func (r *Registry) SetActive(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.detectors[name]; !ok {
		return fmt.Errorf("detector %q not found", name)
	}
	r.active = name
	return nil
}

// Active returns the name of the active detector, or "" if none.
func (r *Registry) Active() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// Names returns the sorted names of all registered detectors.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.detectors))
	for name := range r.detectors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Unregister removes a detector. Removing the active one leaves no active
// detector until SetActive is called.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.detectors[name]; !exists {
		return fmt.Errorf("detector %q not found", name)
	}

	delete(r.detectors, name)
	if r.active == name {
		r.active = ""
	}
	return nil
}

func (r *Registry) Name() string { return "registry" }

// Detect delegates to the active detector.
func (r *Registry) Detect(ctx context.Context, frame camera.Frame, opts Options) ([]Detection, error) {
	r.mu.RLock()
	d, ok := r.detectors[r.active]
	r.mu.RUnlock()

	if !ok {
		return nil, ErrUnavailable
	}
	return d.Detect(ctx, frame, opts)
}

// Health probes the active detector when it supports health checks.
func (r *Registry) Health(ctx context.Context) error {
	r.mu.RLock()
	d, ok := r.detectors[r.active]
	r.mu.RUnlock()

	if !ok {
		return ErrUnavailable
	}
	if hc, ok := d.(HealthChecker); ok {
		return hc.Health(ctx)
	}
	return nil
}

// Close releases all detector resources.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for name, d := range r.detectors {
		if err := d.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("error closing detector %q: %w", name, err)
		}
		delete(r.detectors, name)
	}
	r.active = ""
	return firstErr
}

var _ Detector = (*Registry)(nil)
