package ws

import (
	"context"
	"encoding/base64"
	"image"
	"time"

	"go.uber.org/zap"

	"candyline/internal/pipeline"
	"candyline/internal/relay"
	"candyline/internal/stream"
)

// Source is what the broadcaster reads from; *pipeline.Orchestrator
// implements it.
type Source interface {
	Stats() []pipeline.CameraStats
	Composite() (*image.RGBA, uint64, bool)
}

var _ Source = (*pipeline.Orchestrator)(nil)

// BroadcasterConfig sets the push rates. A zero FrameInterval disables
// frame pushes.
type BroadcasterConfig struct {
	StatsInterval time.Duration
	FrameInterval time.Duration
	JPEGQuality   int
}

// Broadcaster pushes stats, count events and composite frames to the hub.
type Broadcaster struct {
	hub    *Hub
	src    Source
	relay  func() relay.Stats
	cfg    BroadcasterConfig
	logger *zap.Logger

	lastFrameSeq uint64
}

// NewBroadcaster creates a broadcaster. relayStats may be nil.
func NewBroadcaster(hub *Hub, src Source, relayStats func() relay.Stats, cfg BroadcasterConfig) *Broadcaster {
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = time.Second
	}
	if cfg.JPEGQuality <= 0 {
		cfg.JPEGQuality = 70
	}
	return &Broadcaster{
		hub:    hub,
		src:    src,
		relay:  relayStats,
		cfg:    cfg,
		logger: hub.logger,
	}
}

// Run pushes until ctx is done. Count events are forwarded as they arrive.
func (b *Broadcaster) Run(ctx context.Context, events <-chan *pipeline.CountEvent) {
	statsTicker := time.NewTicker(b.cfg.StatsInterval)
	defer statsTicker.Stop()

	var frames <-chan time.Time
	if b.cfg.FrameInterval > 0 {
		t := time.NewTicker(b.cfg.FrameInterval)
		defer t.Stop()
		frames = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-statsTicker.C:
			b.pushStats()
		case <-frames:
			b.pushFrame()
		case event, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			b.hub.BroadcastJSON(TopicEvents, NewCountMessage(event))
		}
	}
}

func (b *Broadcaster) pushStats() {
	if !b.hub.HasClients(TopicStats) {
		return
	}
	msg := NewStatsMessage(b.src.Stats())
	if b.relay != nil {
		rs := b.relay()
		msg.Relay = &rs
	}
	b.hub.BroadcastJSON(TopicStats, msg)
}

func (b *Broadcaster) pushFrame() {
	if !b.hub.HasClients(TopicFrames) {
		return
	}
	img, seq, ok := b.src.Composite()
	if !ok || seq == b.lastFrameSeq {
		return
	}
	b.lastFrameSeq = seq

	data, err := stream.EncodeJPEG(img, b.cfg.JPEGQuality)
	if err != nil {
		b.logger.Warn("Failed to encode composite frame", zap.Error(err))
		return
	}
	bounds := img.Bounds()
	b.hub.BroadcastJSON(TopicFrames, NewFrameMessage(bounds.Dx(), bounds.Dy(), base64.StdEncoding.EncodeToString(data)))
}
