package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"candyline/internal/config"
	"candyline/internal/pipeline"
)

// StatsSource provides the per-camera stats snapshot.
type StatsSource interface {
	Stats() []pipeline.CameraStats
}

var _ StatsSource = (*pipeline.Orchestrator)(nil)

// NewRedisClient creates a Redis client from configuration.
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// StatsPublisher mirrors camera stats into Redis: one expiring key per camera
// plus a pub/sub notification with the full snapshot.
type StatsPublisher struct {
	client   *redis.Client
	src      StatsSource
	prefix   string
	ttl      time.Duration
	interval time.Duration
	logger   *zap.Logger
}

// NewStatsPublisher creates a publisher writing keys under cfg.KeyPrefix.
func NewStatsPublisher(client *redis.Client, src StatsSource, cfg config.RedisConfig, logger *zap.Logger) *StatsPublisher {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Second
	}
	return &StatsPublisher{
		client:   client,
		src:      src,
		prefix:   cfg.KeyPrefix,
		ttl:      cfg.TTL,
		interval: interval,
		logger:   logger.Named("redis"),
	}
}

// CameraKey is the key holding one camera's latest stats.
func (p *StatsPublisher) CameraKey(index int) string {
	return fmt.Sprintf("%scamera:%d:stats", p.prefix, index)
}

// Channel is the pub/sub channel carrying full snapshots.
func (p *StatsPublisher) Channel() string {
	return p.prefix + "stats"
}

// Publish writes the current snapshot once.
func (p *StatsPublisher) Publish(ctx context.Context) error {
	stats := p.src.Stats()

	pipe := p.client.TxPipeline()
	for _, s := range stats {
		data, err := json.Marshal(s)
		if err != nil {
			return fmt.Errorf("failed to marshal camera %d stats: %w", s.Index, err)
		}
		pipe.Set(ctx, p.CameraKey(s.Index), data, p.ttl)
	}

	snapshot, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("failed to marshal stats snapshot: %w", err)
	}
	pipe.Publish(ctx, p.Channel(), snapshot)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to publish stats: %w", err)
	}
	return nil
}

// Run publishes every interval until ctx is done. Failures are logged on
// the first occurrence and on recovery.
func (p *StatsPublisher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	failing := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := p.Publish(ctx)
			switch {
			case err != nil && !failing:
				failing = true
				p.logger.Warn("Stats publish failing", zap.Error(err))
			case err == nil && failing:
				failing = false
				p.logger.Info("Stats publish recovered")
			}
		}
	}
}
