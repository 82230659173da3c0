// Package relay drives the network-controlled ejector.
//
// A pulse is two HTTP calls: POST {endpoint}?value=1 after the travel delay,
// then POST {endpoint}?value=0 after the pulse width. Every pulse runs on its
// own goroutine so the camera loop never waits for it.
package relay

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Command is one ejection request.
type Command struct {
	Endpoint string
	// Delay compensates the camera-to-ejector travel time.
	Delay time.Duration
	// Duration is the pulse width.
	Duration time.Duration

	Camera  int
	TrackID uint64
}

// NewCommand builds a command from millisecond settings.
func NewCommand(endpoint string, delayMs, durationMs int) Command {
	return Command{
		Endpoint: endpoint,
		Delay:    time.Duration(delayMs) * time.Millisecond,
		Duration: time.Duration(durationMs) * time.Millisecond,
	}
}

// Config configures the actuator.
type Config struct {
	// Timeout bounds each POST.
	Timeout time.Duration
	// MaxInFlight bounds concurrent pulses; further triggers are dropped.
	MaxInFlight int64
}

// Stats counts pulse outcomes since start.
type Stats struct {
	Dispatched uint64 `json:"dispatched"`
	Dropped    uint64 `json:"dropped"`
	Failed     uint64 `json:"failed"`
	InFlight   int64  `json:"in_flight"`
}

// Actuator executes relay pulses asynchronously, at most once and without
// retries. Failures are logged, never returned.
type Actuator struct {
	client  *resty.Client
	timeout time.Duration
	sem     *semaphore.Weighted
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex // guards closed and wg.Add
	wg     sync.WaitGroup
	closed bool

	dispatched atomic.Uint64
	dropped    atomic.Uint64
	failed     atomic.Uint64
	inFlight   atomic.Int64
}

// New creates an actuator.
func New(cfg Config, logger *zap.Logger) *Actuator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 64
	}

	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetRetryCount(0)

	ctx, cancel := context.WithCancel(context.Background())
	return &Actuator{
		client:  client,
		timeout: cfg.Timeout,
		sem:     semaphore.NewWeighted(cfg.MaxInFlight),
		logger:  logger.Named("relay"),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Trigger schedules a pulse and returns immediately. The returned id is
// empty when the pulse was dropped.
func (a *Actuator) Trigger(cmd Command) string {
	if cmd.Endpoint == "" {
		a.dropped.Add(1)
		a.logger.Warn("Relay command without endpoint dropped",
			zap.Int("camera", cmd.Camera),
			zap.Uint64("track_id", cmd.TrackID))
		return ""
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		a.dropped.Add(1)
		return ""
	}
	if !a.sem.TryAcquire(1) {
		a.dropped.Add(1)
		a.logger.Warn("Relay pulse dropped, too many in flight",
			zap.Int("camera", cmd.Camera),
			zap.Uint64("track_id", cmd.TrackID))
		return ""
	}

	id := uuid.NewString()
	a.dispatched.Add(1)
	a.inFlight.Add(1)
	a.wg.Add(1)
	go a.pulse(id, cmd)
	return id
}

func (a *Actuator) pulse(id string, cmd Command) {
	defer a.wg.Done()
	defer a.sem.Release(1)
	defer a.inFlight.Add(-1)

	log := a.logger.With(
		zap.String("pulse_id", id),
		zap.Int("camera", cmd.Camera),
		zap.Uint64("track_id", cmd.TrackID),
		zap.String("endpoint", cmd.Endpoint))

	if !a.wait(cmd.Delay) {
		log.Debug("Pulse abandoned before switching on")
		return
	}

	// once started, the on/off calls are not cut short by Close: a relay left
	// on would keep the ejector firing
	if err := a.post(cmd.Endpoint, 1); err != nil {
		a.failed.Add(1)
		log.Error("Relay on failed", zap.Error(err))
		return
	}

	if !a.wait(cmd.Duration) {
		log.Info("Shutting down, switching relay off early")
	}

	if err := a.post(cmd.Endpoint, 0); err != nil {
		a.failed.Add(1)
		log.Error("Relay off failed", zap.Error(err))
		return
	}
	log.Debug("Pulse completed",
		zap.Duration("delay", cmd.Delay),
		zap.Duration("duration", cmd.Duration))
}

// wait sleeps for d and reports false if the actuator was closed meanwhile.
func (a *Actuator) wait(d time.Duration) bool {
	if d <= 0 {
		return a.ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-a.ctx.Done():
		return false
	}
}

func (a *Actuator) post(endpoint string, value int) error {
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()

	resp, err := a.client.R().
		SetContext(ctx).
		SetQueryParam("value", strconv.Itoa(value)).
		Post(endpoint)
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("relay returned status %d", resp.StatusCode())
	}
	return nil
}

// Stats returns pulse counters.
func (a *Actuator) Stats() Stats {
	return Stats{
		Dispatched: a.dispatched.Load(),
		Dropped:    a.dropped.Load(),
		Failed:     a.failed.Load(),
		InFlight:   a.inFlight.Load(),
	}
}

// Close stops accepting pulses, abandons pulses still waiting to switch on,
// switches active pulses off and waits for them.
func (a *Actuator) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	a.cancel()
	a.wg.Wait()
	return nil
}
