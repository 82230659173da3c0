package detection

import (
	"context"
	"sync"

	"candyline/internal/camera"
)

// Serialized guards a detector that is not safe for concurrent use. Cameras
// sharing one model instance go through a single Serialized.
type Serialized struct {
	mu    sync.Mutex
	inner Detector
}

// NewSerialized wraps d.
func NewSerialized(d Detector) *Serialized {
	return &Serialized{inner: d}
}

func (s *Serialized) Name() string { return s.inner.Name() }

// Detect runs the wrapped detector under the lock.
func (s *Serialized) Detect(ctx context.Context, frame camera.Frame, opts Options) ([]Detection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.Detect(ctx, frame, opts)
}

// Health forwards to the wrapped detector when supported.
func (s *Serialized) Health(ctx context.Context) error {
	if hc, ok := s.inner.(HealthChecker); ok {
		return hc.Health(ctx)
	}
	return nil
}

func (s *Serialized) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.Close()
}

var _ Detector = (*Serialized)(nil)
