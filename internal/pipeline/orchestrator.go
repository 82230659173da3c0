package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"slices"
	"sort"
	"sync"

	"go.uber.org/zap"

	"candyline/internal/camera"
	"candyline/internal/config"
	"candyline/internal/detection"
	"candyline/internal/stream"
)

// ErrUnknownCamera is returned for operations on a camera index that is not running.
var ErrUnknownCamera = errors.New("unknown camera")

// OrchestratorConfig holds the collaborators shared by every camera.
type OrchestratorConfig struct {
	Opener   camera.Opener
	Detector detection.Detector
	Actuator Actuator
	Registry *camera.Registry
	Bus      *EventBus

	Tracking      config.TrackingConfig
	Tuning        config.OrchestratorConfig
	ConfThreshold float32
}

// Orchestrator runs one CameraPipeline per camera and aggregates their stats
// and frames.
type Orchestrator struct {
	cfg    OrchestratorConfig
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.RWMutex
	pipelines map[int]*CameraPipeline

	statsMu sync.Mutex
	stats   map[int]CameraStats

	compositeMu   sync.Mutex
	compositeKeys []frameKey
	compositeSeq  uint64

	closeOnce sync.Once
}

// NewOrchestrator creates an orchestrator with no cameras.
func NewOrchestrator(cfg OrchestratorConfig, logger *zap.Logger) *Orchestrator {
	if cfg.Registry == nil {
		cfg.Registry = camera.NewRegistry()
	}
	if cfg.Bus == nil {
		cfg.Bus = NewEventBus()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:       cfg,
		logger:    logger.Named("pipeline"),
		ctx:       ctx,
		cancel:    cancel,
		pipelines: make(map[int]*CameraPipeline),
		stats:     make(map[int]CameraStats),
	}
}

// Bus returns the count event bus.
func (o *Orchestrator) Bus() *EventBus { return o.cfg.Bus }

// Registry returns the shared camera registry.
func (o *Orchestrator) Registry() *camera.Registry { return o.cfg.Registry }

// AddCamera starts the loop for cam. Opening happens on the loop, so a device
// that cannot be opened does not fail the call.
func (o *Orchestrator) AddCamera(cam config.CameraConfig) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.ctx.Err() != nil {
		return fmt.Errorf("add camera %d: orchestrator closed", cam.CameraIndex)
	}
	if _, exists := o.pipelines[cam.CameraIndex]; exists {
		return fmt.Errorf("camera %d already running", cam.CameraIndex)
	}

	p := newCameraPipeline(cam, pipelineDeps{
		opener:   o.cfg.Opener,
		detector: o.cfg.Detector,
		actuator: o.cfg.Actuator,
		registry: o.cfg.Registry,
		bus:      o.cfg.Bus,
		tracking: o.cfg.Tracking,
		tuning:   o.cfg.Tuning,
		conf:     o.cfg.ConfThreshold,
		report:   o.report,
		logger:   o.logger,
	})
	o.pipelines[cam.CameraIndex] = p
	go p.run(o.ctx)

	o.logger.Info("Camera added",
		zap.Int("camera", cam.CameraIndex),
		zap.String("camera_name", cam.Name),
		zap.String("relay_url", cam.RelayURL))
	return nil
}

// RemoveCamera stops the camera loop, releases the device and drops its stats.
func (o *Orchestrator) RemoveCamera(index int) error {
	o.mu.Lock()
	p, ok := o.pipelines[index]
	delete(o.pipelines, index)
	o.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownCamera, index)
	}
	p.stop()

	o.statsMu.Lock()
	delete(o.stats, index)
	o.statsMu.Unlock()

	o.logger.Info("Camera removed", zap.Int("camera", index))
	return nil
}

func (o *Orchestrator) pipeline(index int) (*CameraPipeline, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	p, ok := o.pipelines[index]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownCamera, index)
	}
	return p, nil
}

// Cameras returns the running camera indexes in ascending order.
func (o *Orchestrator) Cameras() []int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]int, 0, len(o.pipelines))
	for idx := range o.pipelines {
		out = append(out, idx)
	}
	sort.Ints(out)
	return out
}

// SetRelayPaused toggles ejection for one camera. Counting continues.
// It takes effect on the next frame.
func (o *Orchestrator) SetRelayPaused(index int, paused bool) error {
	p, err := o.pipeline(index)
	if err != nil {
		return err
	}
	p.relayPaused.Store(paused)
	o.logger.Info("Relay pause changed", zap.Int("camera", index), zap.Bool("relay_paused", paused))
	return nil
}

// SetFocus switches the camera to manual focus at value, clamped to the
// camera's focus range.
func (o *Orchestrator) SetFocus(ctx context.Context, index int, value float64) error {
	p, err := o.pipeline(index)
	if err != nil {
		return err
	}
	return p.submit(ctx, "set_focus", func(p *CameraPipeline) error { return p.setFocus(value) })
}

// SetExposure sets manual exposure, or auto exposure when value is 0.
func (o *Orchestrator) SetExposure(ctx context.Context, index int, value float64) error {
	p, err := o.pipeline(index)
	if err != nil {
		return err
	}
	return p.submit(ctx, "set_exposure", func(p *CameraPipeline) error { return p.setExposure(value) })
}

// SwitchSource closes the camera's device and reopens it from source.
// Tracks and recent-abnormal memory are cleared; totals are kept.
func (o *Orchestrator) SwitchSource(ctx context.Context, index int, source string) error {
	p, err := o.pipeline(index)
	if err != nil {
		return err
	}
	return p.submit(ctx, "switch_source", func(p *CameraPipeline) error { return p.switchSource(source) })
}

// ResetCounters zeroes totals and clears tracks for one camera.
func (o *Orchestrator) ResetCounters(ctx context.Context, index int) error {
	p, err := o.pipeline(index)
	if err != nil {
		return err
	}
	return p.submit(ctx, "reset_counters", func(p *CameraPipeline) error { return p.resetCounters() })
}

// PauseCamera stops reading frames while keeping the device open.
func (o *Orchestrator) PauseCamera(ctx context.Context, index int) error {
	p, err := o.pipeline(index)
	if err != nil {
		return err
	}
	return p.submit(ctx, "pause", func(p *CameraPipeline) error { return p.setPaused(true) })
}

// ResumeCamera resumes a paused camera.
func (o *Orchestrator) ResumeCamera(ctx context.Context, index int) error {
	p, err := o.pipeline(index)
	if err != nil {
		return err
	}
	return p.submit(ctx, "resume", func(p *CameraPipeline) error { return p.setPaused(false) })
}

func (o *Orchestrator) report(s CameraStats) {
	o.statsMu.Lock()
	defer o.statsMu.Unlock()
	if s.State == StateClosed {
		if _, ok := o.stats[s.Index]; !ok {
			return
		}
	}
	o.stats[s.Index] = s
}

// Stats returns a snapshot of every camera's stats ordered by index.
func (o *Orchestrator) Stats() []CameraStats {
	o.statsMu.Lock()
	out := make([]CameraStats, 0, len(o.stats))
	for _, s := range o.stats {
		out = append(out, s)
	}
	o.statsMu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// CameraStats returns the stats of one camera.
func (o *Orchestrator) CameraStats(index int) (CameraStats, bool) {
	o.statsMu.Lock()
	defer o.statsMu.Unlock()
	s, ok := o.stats[index]
	return s, ok
}

// Raw returns the latest unannotated frame of a camera.
func (o *Orchestrator) Raw(index int) (*image.RGBA, uint64, bool) {
	p, err := o.pipeline(index)
	if err != nil {
		return nil, 0, false
	}
	raw, _, seq := p.Latest()
	return raw, seq, raw != nil
}

// Processed returns the latest annotated frame of a camera.
func (o *Orchestrator) Processed(index int) (*image.RGBA, uint64, bool) {
	p, err := o.pipeline(index)
	if err != nil {
		return nil, 0, false
	}
	_, processed, seq := p.Latest()
	return processed, seq, processed != nil
}

// frameKey identifies one cached frame of one pipeline instance.
type frameKey struct {
	pipeline *CameraPipeline
	seq      uint64
}

// Composite joins the latest annotated frame of every camera side by side.
// The returned sequence only grows, and grows whenever the set of frames
// making up the composite changes.
func (o *Orchestrator) Composite() (*image.RGBA, uint64, bool) {
	o.mu.RLock()
	indexes := make([]int, 0, len(o.pipelines))
	for idx := range o.pipelines {
		indexes = append(indexes, idx)
	}
	pipelines := make([]*CameraPipeline, 0, len(indexes))
	sort.Ints(indexes)
	for _, idx := range indexes {
		pipelines = append(pipelines, o.pipelines[idx])
	}
	o.mu.RUnlock()

	var (
		frames []*image.RGBA
		keys   []frameKey
	)
	for _, p := range pipelines {
		_, img, s := p.Latest()
		if img == nil {
			continue
		}
		frames = append(frames, img)
		keys = append(keys, frameKey{pipeline: p, seq: s})
	}

	out := stream.Compose(frames, o.cfg.Tuning.DisplayHeight, o.cfg.Tuning.MaxOutputWidth)
	if out == nil {
		return nil, 0, false
	}
	return out, o.compositeSeqFor(keys), true
}

func (o *Orchestrator) compositeSeqFor(keys []frameKey) uint64 {
	o.compositeMu.Lock()
	defer o.compositeMu.Unlock()
	if !slices.Equal(keys, o.compositeKeys) {
		o.compositeKeys = keys
		o.compositeSeq++
	}
	return o.compositeSeq
}

// Close stops every camera loop and releases all devices.
func (o *Orchestrator) Close() error {
	o.closeOnce.Do(func() {
		o.mu.Lock()
		o.cancel()
		pipelines := make([]*CameraPipeline, 0, len(o.pipelines))
		for _, p := range o.pipelines {
			pipelines = append(pipelines, p)
		}
		o.mu.Unlock()

		var wg sync.WaitGroup
		for _, p := range pipelines {
			wg.Add(1)
			go func(p *CameraPipeline) {
				defer wg.Done()
				p.stop()
			}(p)
		}
		wg.Wait()
		o.logger.Info("Orchestrator stopped", zap.Int("cameras", len(pipelines)))
	})
	return nil
}

var _ stream.FrameSource = (*Orchestrator)(nil)
