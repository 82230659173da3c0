package camera

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Sink receives recorded frames.
type Sink interface {
	Write(frame Frame) error
	Close() error
}

// SinkFactory creates a sink for a recording.
type SinkFactory func(path string, fps float64, width, height int) (Sink, error)

const (
	handleRetryDelay    = 20 * time.Millisecond
	maxHandleRetryDelay = time.Second
)

var errNoHandle = errors.New("no shared handle published")

// Recorder is a secondary consumer that writes one camera to a sink. It
// prefers the handle published in the Registry and waits up to handleWait for
// the owning loop to publish one. Only then does it open the device itself,
// which may contend with other users of the device.
type Recorder struct {
	registry   *Registry
	opener     Opener
	newSink    SinkFactory
	handleWait time.Duration
	retryDelay time.Duration
	logger     *zap.Logger
}

// NewRecorder creates a recorder. handleWait bounds the wait for a shared
// handle at start; zero falls back to a private open immediately.
func NewRecorder(registry *Registry, opener Opener, newSink SinkFactory, handleWait time.Duration, logger *zap.Logger) *Recorder {
	if handleWait < 0 {
		handleWait = 0
	}
	return &Recorder{
		registry:   registry,
		opener:     opener,
		newSink:    newSink,
		handleWait: handleWait,
		retryDelay: handleRetryDelay,
		logger:     logger.Named("recorder"),
	}
}

// Record writes frames at fps until ctx ends. It returns nil on a clean stop.
//
// A shared handle closes whenever its owner reconnects or switches source.
// Recording then pauses until the owner publishes the next handle.
func (r *Recorder) Record(ctx context.Context, settings Settings, path string, fps float64) error {
	if fps <= 0 {
		return fmt.Errorf("recorder fps must be positive, got %v", fps)
	}

	deadline := time.NewTimer(r.handleWait)
	handle, err := r.waitHandle(ctx, settings.Index, nil, deadline.C)
	deadline.Stop()
	shared := err == nil
	switch {
	case shared:
	case errors.Is(err, errNoHandle):
		r.logger.Warn("No shared handle, opening device directly",
			zap.Int("camera", settings.Index),
			zap.Duration("waited", r.handleWait))
		own, propErrs, err := Open(r.opener, settings)
		if err != nil {
			return err
		}
		for _, pe := range propErrs {
			r.logger.Warn("Device property rejected", zap.Int("camera", settings.Index), zap.Error(pe))
		}
		defer own.Close()

		readCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go r.pump(readCtx, own)
		handle = own.Shared()
	default:
		return r.stopErr(err)
	}

	ticker := time.NewTicker(time.Duration(float64(time.Second) / fps))
	defer ticker.Stop()

	var (
		sink    Sink
		last    uint64
		written int
	)
	defer func() {
		if sink != nil {
			sink.Close()
		}
	}()

	for {
		frame, err := handle.Next(ctx, last)
		if errors.Is(err, ErrClosed) && shared {
			r.logger.Info("Camera handle closed, waiting for the camera to reopen",
				zap.Int("camera", settings.Index))
			var next Handle
			if next, err = r.waitHandle(ctx, settings.Index, handle, nil); err == nil {
				handle, last = next, 0
				r.logger.Info("Recording resumed on new handle", zap.Int("camera", settings.Index))
				continue
			}
		}
		if err != nil {
			r.logger.Info("Recording stopped", zap.Int("camera", settings.Index), zap.Int("frames", written))
			return r.stopErr(err)
		}

		if sink == nil {
			if sink, err = r.newSink(path, fps, frame.Width(), frame.Height()); err != nil {
				return fmt.Errorf("failed to open recording %s: %w", path, err)
			}
			r.logger.Info("Recording started",
				zap.Int("camera", settings.Index),
				zap.String("path", path),
				zap.Float64("fps", fps),
				zap.Bool("shared", shared))
		}
		if err := sink.Write(frame); err != nil {
			return fmt.Errorf("failed to write frame: %w", err)
		}
		last = frame.Seq
		written++

		select {
		case <-ctx.Done():
			r.logger.Info("Recording stopped", zap.Int("camera", settings.Index), zap.Int("frames", written))
			return nil
		case <-ticker.C:
		}
	}
}

// waitHandle polls the registry with backoff until a handle other than stale
// is published for index. A nil deadline waits until ctx ends.
func (r *Recorder) waitHandle(ctx context.Context, index int, stale Handle, deadline <-chan time.Time) (Handle, error) {
	delay := r.retryDelay
	for {
		if h, ok := r.registry.Get(index); ok && h != stale {
			return h, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return nil, errNoHandle
		case <-time.After(delay):
		}
		delay = min(delay*2, maxHandleRetryDelay)
	}
}

// pump drives a privately opened source, since no primary loop reads it.
func (r *Recorder) pump(ctx context.Context, src *Source) {
	for ctx.Err() == nil {
		if _, err := src.Read(); err != nil {
			if errors.Is(err, ErrClosed) {
				return
			}
			r.logger.Debug("Recorder read failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(50 * time.Millisecond):
			}
		}
	}
}

func (r *Recorder) stopErr(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}
