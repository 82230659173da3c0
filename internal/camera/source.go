package camera

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Source is the primary consumer of one device. Read, Set and Close may be
// called from different goroutines.
type Source struct {
	settings Settings

	mu     sync.Mutex
	device Device
	closed bool
	seq    uint64

	latestMu sync.RWMutex
	latest   Frame
	notify   chan struct{}
	done     chan struct{}
}

// Open opens the device and applies resolution, exposure and focus settings.
// Property failures are not fatal: many UVC devices reject some of them.
func Open(opener Opener, settings Settings) (*Source, []error, error) {
	device, err := opener(settings)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: index %d: %v", ErrOpen, settings.Index, err)
	}

	var propErrs []error
	set := func(p Property, v float64) {
		if err := device.Set(p, v); err != nil {
			propErrs = append(propErrs, fmt.Errorf("set %s=%v: %w", p, v, err))
		}
	}

	if settings.Width > 0 && settings.Height > 0 {
		set(PropFrameWidth, float64(settings.Width))
		set(PropFrameHeight, float64(settings.Height))
	}
	if settings.Exposure != 0 {
		set(PropAutoExposure, 0)
		set(PropExposure, settings.Exposure)
	}
	if settings.Focus != 0 {
		set(PropAutoFocus, 0)
		set(PropFocus, settings.Focus)
	}

	return &Source{
		settings: settings,
		device:   device,
		notify:   make(chan struct{}),
		done:     make(chan struct{}),
	}, propErrs, nil
}

// Settings returns the settings the source was opened with.
func (s *Source) Settings() Settings {
	return s.settings
}

// Index returns the camera index.
func (s *Source) Index() int {
	return s.settings.Index
}

// Size returns the device frame size.
func (s *Source) Size() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, 0
	}
	return s.device.Size()
}

// Read captures the next frame and publishes it to shared handles.
func (s *Source) Read() (Frame, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Frame{}, ErrClosed
	}
	img, err := s.device.Read()
	if err != nil {
		s.mu.Unlock()
		return Frame{}, fmt.Errorf("%w: index %d: %v", ErrRead, s.settings.Index, err)
	}
	if img == nil {
		s.mu.Unlock()
		return Frame{}, fmt.Errorf("%w: index %d: empty frame", ErrRead, s.settings.Index)
	}
	s.seq++
	frame := Frame{
		Camera:    s.settings.Index,
		Seq:       s.seq,
		Timestamp: time.Now(),
		Image:     img,
	}
	s.mu.Unlock()

	s.latestMu.Lock()
	s.latest = frame
	close(s.notify)
	s.notify = make(chan struct{})
	s.latestMu.Unlock()

	return frame, nil
}

// Set writes a device property.
func (s *Source) Set(prop Property, value float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if err := s.device.Set(prop, value); err != nil {
		return fmt.Errorf("set %s on camera %d: %w", prop, s.settings.Index, err)
	}
	return nil
}

// Close releases the device. Shared handles observe ErrClosed.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)
	return s.device.Close()
}

// Shared returns the read-only handle published through the Registry.
func (s *Source) Shared() Handle {
	return sharedHandle{s}
}

type sharedHandle struct {
	src *Source
}

func (h sharedHandle) Index() int        { return h.src.Index() }
func (h sharedHandle) Size() (int, int) { return h.src.Size() }

func (h sharedHandle) Next(ctx context.Context, after uint64) (Frame, error) {
	for {
		h.src.latestMu.RLock()
		frame := h.src.latest
		wait := h.src.notify
		h.src.latestMu.RUnlock()

		if frame.Seq > after {
			return frame, nil
		}

		select {
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		case <-h.src.done:
			return Frame{}, ErrClosed
		case <-wait:
		}
	}
}
