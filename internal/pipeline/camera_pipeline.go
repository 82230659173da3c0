package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"candyline/internal/camera"
	"candyline/internal/config"
	"candyline/internal/detection"
	"candyline/internal/relay"
	"candyline/internal/stream"
	"candyline/internal/tracking"
)

// op is a configuration change executed by the camera loop between frames.
type op struct {
	name string
	fn   func(p *CameraPipeline) error
	done chan error
}

// CameraPipeline runs capture → detect → track → count for one camera on a
// single goroutine. Everything except the frame cache, the relay pause flag
// and the op queue is owned by that goroutine.
type CameraPipeline struct {
	index  int
	cfg    config.CameraConfig
	tuning config.OrchestratorConfig

	opener   camera.Opener
	detector detection.Detector
	actuator Actuator
	registry *camera.Registry
	bus      *EventBus
	report   func(CameraStats)
	logger   *zap.Logger

	opts    detection.Options
	set     *tracking.TrackSet
	memory  *tracking.Memory
	tracker *tracking.Tracker
	counter *tracking.Counter

	source *camera.Source
	handle camera.Handle
	state  State
	paused bool // loop paused by the operator

	frameIndex     int64
	readFailCount  int
	detectFailures int
	needsReconnect bool
	detectErrors   uint64
	ejections      uint64
	lastFrameAt    time.Time

	relayPaused atomic.Bool
	ops         chan op
	stopCh      chan struct{}
	done        chan struct{}
	stopOnce    sync.Once

	frameMu   sync.RWMutex
	raw       *image.RGBA
	processed *image.RGBA
	seq       uint64
}

// pipelineDeps are the collaborators shared by all cameras.
type pipelineDeps struct {
	opener   camera.Opener
	detector detection.Detector
	actuator Actuator
	registry *camera.Registry
	bus      *EventBus
	tracking config.TrackingConfig
	tuning   config.OrchestratorConfig
	conf     float32
	report   func(CameraStats)
	logger   *zap.Logger
}

func newCameraPipeline(cfg config.CameraConfig, deps pipelineDeps) *CameraPipeline {
	mem := tracking.NewMemory(deps.tracking.Memory.RadiusPx, deps.tracking.Memory.WindowFrames, deps.tracking.Memory.Capacity)

	opts := detection.Options{
		ConfThreshold: deps.conf,
		Kalman:        cfg.Kalman,
		Scales:        cfg.Scales,
	}
	if cfg.ROI != nil {
		r := image.Rect(cfg.ROI.X, cfg.ROI.Y, cfg.ROI.X+cfg.ROI.W, cfg.ROI.Y+cfg.ROI.H)
		opts.ROI = &r
	}

	p := &CameraPipeline{
		index:    cfg.CameraIndex,
		cfg:      cfg,
		tuning:   deps.tuning,
		opener:   deps.opener,
		detector: deps.detector,
		actuator: deps.actuator,
		registry: deps.registry,
		bus:      deps.bus,
		report:   deps.report,
		logger:   deps.logger.With(zap.Int("camera", cfg.CameraIndex), zap.String("camera_name", cfg.Name)),
		opts:     opts,
		set:      tracking.NewTrackSet(),
		memory:   mem,
		tracker:  tracking.NewTracker(deps.tracking.DistanceThresholdPx, mem),
		counter: tracking.NewCounter(tracking.CounterConfig{
			Line:            tracking.Line{X1: cfg.DetectionLineX1, X2: cfg.DetectionLineX2},
			MaxMissedFrames: deps.tracking.MaxMissedFrames,
			OutOfFrameGrace: deps.tracking.OutOfFrameGrace,
		}, mem),
		state:  StateOpening,
		ops:    make(chan op),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	p.relayPaused.Store(cfg.RelayPaused)
	return p
}

func (p *CameraPipeline) settings() camera.Settings {
	return camera.Settings{
		Index:    p.cfg.CameraIndex,
		Source:   p.cfg.Source,
		Width:    p.cfg.FrameWidth,
		Height:   p.cfg.FrameHeight,
		Exposure: p.cfg.Exposure,
		Focus:    p.cfg.Focus,
	}
}

// run is the camera loop.
func (p *CameraPipeline) run(ctx context.Context) {
	defer close(p.done)
	defer func() {
		p.closeSource()
		p.state = StateClosed
		p.publishStats()
		p.logger.Info("Camera loop stopped")
	}()

	p.logger.Info("Camera loop started")
	p.publishStats()

	for {
		if p.stopped(ctx) {
			return
		}
		p.drainOps()

		switch {
		case p.paused:
			if !p.idle(ctx, 0) {
				return
			}
		case p.source == nil:
			if !p.open() {
				if !p.idle(ctx, p.tuning.ReopenBackoff) {
					return
				}
			}
		case p.needsReconnect:
			p.logger.Warn("Reopening camera after repeated read failures")
			p.closeSource()
		default:
			if !p.step(ctx) {
				if !p.idle(ctx, p.tuning.ReadRetryDelay) {
					return
				}
			}
		}
	}
}

func (p *CameraPipeline) stopped(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-p.stopCh:
		return true
	default:
		return false
	}
}

// idle waits for d (forever when d is 0) while still serving ops. It returns
// false when the loop must stop.
func (p *CameraPipeline) idle(ctx context.Context, d time.Duration) bool {
	var timer <-chan time.Time
	if d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		timer = t.C
	}

	select {
	case <-ctx.Done():
		return false
	case <-p.stopCh:
		return false
	case o := <-p.ops:
		p.exec(o)
		return true
	case <-timer:
		return true
	}
}

func (p *CameraPipeline) drainOps() {
	for {
		select {
		case o := <-p.ops:
			p.exec(o)
		default:
			return
		}
	}
}

func (p *CameraPipeline) exec(o op) {
	err := o.fn(p)
	if err != nil {
		p.logger.Warn("Camera operation failed", zap.String("op", o.name), zap.Error(err))
	} else {
		p.logger.Info("Camera operation applied", zap.String("op", o.name))
	}
	p.publishStats()
	o.done <- err
}

// submit queues fn for the camera loop and waits for its result.
func (p *CameraPipeline) submit(ctx context.Context, name string, fn func(p *CameraPipeline) error) error {
	o := op{name: name, fn: fn, done: make(chan error, 1)}
	select {
	case p.ops <- o:
	case <-p.done:
		return fmt.Errorf("camera %d: %w", p.index, camera.ErrClosed)
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-o.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *CameraPipeline) open() bool {
	p.state = StateOpening
	src, propErrs, err := camera.Open(p.opener, p.settings())
	if err != nil {
		p.logger.Warn("Failed to open camera", zap.Error(err), zap.Duration("retry_in", p.tuning.ReopenBackoff))
		p.publishStats()
		return false
	}
	for _, perr := range propErrs {
		p.logger.Warn("Camera property not applied", zap.Error(perr))
	}

	p.source = src
	p.handle = src.Shared()
	p.registry.Register(p.index, p.handle)
	p.readFailCount = 0
	p.needsReconnect = false
	p.state = StateReady

	w, h := src.Size()
	p.logger.Info("Camera opened", zap.Int("width", w), zap.Int("height", h), zap.String("source", p.cfg.Source))
	p.publishStats()
	return true
}

func (p *CameraPipeline) closeSource() {
	if p.source == nil {
		return
	}
	p.registry.Unregister(p.index, p.handle)
	if err := p.source.Close(); err != nil {
		p.logger.Warn("Failed to close camera", zap.Error(err))
	}
	p.source, p.handle = nil, nil
	p.state = StateOpening
}

// detect runs the detector, turning a panic into an error so a faulty
// backend only loses this frame.
func (p *CameraPipeline) detect(ctx context.Context, frame camera.Frame) (dets []detection.Detection, err error) {
	defer func() {
		if r := recover(); r != nil {
			dets, err = nil, fmt.Errorf("%w: detector panic: %v", detection.ErrUnavailable, r)
		}
	}()
	return p.detector.Detect(ctx, frame, p.opts)
}

// step processes one frame. It returns false after a read failure.
func (p *CameraPipeline) step(ctx context.Context) bool {
	frame, err := p.source.Read()
	if err != nil {
		p.readFailed(err)
		return false
	}
	if p.readFailCount > 0 {
		p.logger.Info("Camera reads recovered", zap.Int("failed_reads", p.readFailCount))
		p.readFailCount = 0
	}
	p.state = StateReading
	p.frameIndex++
	p.lastFrameAt = frame.Timestamp

	dets, err := p.detect(ctx, frame)
	if err != nil {
		p.detectErrors++
		p.detectFailures++
		if p.detectFailures == 1 || p.detectFailures%p.logEvery() == 0 {
			p.logger.Warn("Detection failed, treating frame as empty",
				zap.Error(err),
				zap.Int("consecutive_failures", p.detectFailures))
		}
		dets = nil
	} else {
		p.detectFailures = 0
	}

	p.tracker.Update(p.set, dets, p.frameIndex)
	paused := p.relayPaused.Load()
	res := p.counter.Evaluate(p.set, frame.Width(), frame.Height(), p.frameIndex, paused)

	pulses := make(map[uint64]string, len(res.Ejections))
	for _, tr := range res.Ejections {
		cmd := relay.NewCommand(p.cfg.RelayURL, p.cfg.RelayDelayMs, p.cfg.RelayDurationMs)
		cmd.Camera = p.index
		cmd.TrackID = tr.ID
		pulses[tr.ID] = p.actuator.Trigger(cmd)
		p.ejections++
	}

	totals := p.counter.Totals()
	for _, tr := range res.Counted {
		class := detection.ClassNormal
		if tr.SeenAbnormal {
			class = detection.ClassAbnormal
		}
		p.bus.Publish(&CountEvent{
			ID:          uuid.NewString(),
			Camera:      p.index,
			CameraName:  p.cfg.Name,
			TrackID:     tr.ID,
			Class:       class,
			Triggered:   tr.Triggered,
			PulseID:     pulses[tr.ID],
			RelayPaused: tr.SeenAbnormal && paused,
			Totals:      totals,
			Timestamp:   frame.Timestamp,
		})
	}

	annotated := stream.Annotate(frame.Image, p.overlay(totals, paused))
	p.cache(frame.Image, annotated)
	p.publishStats()
	return true
}

func (p *CameraPipeline) logEvery() int {
	if p.tuning.ReadFailLogEvery <= 0 {
		return 30
	}
	return p.tuning.ReadFailLogEvery
}

func (p *CameraPipeline) readFailed(err error) {
	p.state = StateRetrying
	p.readFailCount++

	if p.readFailCount == 1 || p.readFailCount%p.logEvery() == 0 {
		p.logger.Warn("Camera read failed",
			zap.Error(err),
			zap.Int("read_fail_count", p.readFailCount))
	}

	if errors.Is(err, camera.ErrClosed) || (p.tuning.ReconnectThreshold > 0 && p.readFailCount >= p.tuning.ReconnectThreshold) {
		p.logger.Error("Camera flagged for reconnect", zap.Int("read_fail_count", p.readFailCount))
		p.readFailCount = 0
		p.needsReconnect = true
	}
	p.publishStats()
}

func (p *CameraPipeline) overlay(totals tracking.Totals, paused bool) stream.Overlay {
	tracks := p.set.Ordered()
	boxes := make([]stream.Box, 0, len(tracks))
	for _, tr := range tracks {
		if tr.MissedFrames > 0 {
			continue
		}
		boxes = append(boxes, stream.Box{
			Rect:     tr.BBox.Rect(),
			Label:    fmt.Sprintf("#%d %s", tr.ID, tr.LastClass),
			Abnormal: tr.SeenAbnormal,
			Counted:  tr.Counted,
		})
	}
	return stream.Overlay{
		LineX1: p.cfg.DetectionLineX1,
		LineX2: p.cfg.DetectionLineX2,
		Boxes:  boxes,
		Header: []string{
			p.cfg.Name,
			fmt.Sprintf("total %d  normal %d  abnormal %d", totals.Total, totals.Normal, totals.Abnormal),
		},
		RelayPaused: paused,
	}
}

func (p *CameraPipeline) cache(raw, processed *image.RGBA) {
	p.frameMu.Lock()
	p.raw = raw
	p.processed = processed
	p.seq++
	p.frameMu.Unlock()
}

// Latest returns the most recent raw and annotated frames.
func (p *CameraPipeline) Latest() (raw, processed *image.RGBA, seq uint64) {
	p.frameMu.RLock()
	defer p.frameMu.RUnlock()
	return p.raw, p.processed, p.seq
}

func (p *CameraPipeline) publishStats() {
	if p.report == nil {
		return
	}
	s := CameraStats{
		Index:          p.index,
		Name:           p.cfg.Name,
		State:          p.state,
		Totals:         p.counter.Totals(),
		TrackingCount:  p.set.Len(),
		ReadFailCount:  p.readFailCount,
		NeedsReconnect: p.needsReconnect,
		RelayPaused:    p.relayPaused.Load(),
		FrameSeq:       uint64(p.frameIndex),
		DetectErrors:   p.detectErrors,
		Ejections:      p.ejections,
		LastFrameAt:    p.lastFrameAt,
	}
	if p.source != nil {
		s.Width, s.Height = p.source.Size()
	}
	p.report(s)
}

func (p *CameraPipeline) stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	<-p.done
}

// Operations below run on the camera loop through submit.

func (p *CameraPipeline) setFocus(value float64) error {
	if value < p.cfg.FocusMin {
		value = p.cfg.FocusMin
	}
	if value > p.cfg.FocusMax {
		value = p.cfg.FocusMax
	}
	p.cfg.Focus = value
	if p.source == nil {
		return nil
	}
	if err := p.source.Set(camera.PropAutoFocus, 0); err != nil {
		p.logger.Debug("Auto focus not disabled", zap.Error(err))
	}
	return p.source.Set(camera.PropFocus, value)
}

func (p *CameraPipeline) setExposure(value float64) error {
	p.cfg.Exposure = value
	if p.source == nil {
		return nil
	}
	if value == 0 {
		return p.source.Set(camera.PropAutoExposure, 1)
	}
	if err := p.source.Set(camera.PropAutoExposure, 0); err != nil {
		p.logger.Debug("Auto exposure not disabled", zap.Error(err))
	}
	return p.source.Set(camera.PropExposure, value)
}

// switchSource closes the device and clears tracking; the loop reopens with
// the new source on its next iteration.
func (p *CameraPipeline) switchSource(source string) error {
	p.closeSource()
	p.cfg.Source = source
	p.set.Clear()
	p.memory.Reset()
	p.frameMu.Lock()
	p.raw, p.processed = nil, nil
	p.frameMu.Unlock()
	return nil
}

func (p *CameraPipeline) resetCounters() error {
	p.counter.Reset()
	p.set.Clear()
	p.memory.Reset()
	p.ejections = 0
	return nil
}

func (p *CameraPipeline) setPaused(paused bool) error {
	p.paused = paused
	if paused {
		p.state = StatePaused
	} else if p.source != nil {
		p.state = StateReady
	} else {
		p.state = StateOpening
	}
	return nil
}
