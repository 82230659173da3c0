package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"candyline/internal/camera"
	"candyline/internal/capture"
	"candyline/internal/config"
	"candyline/internal/database"
	"candyline/internal/detection"
	"candyline/internal/logging"
	"candyline/internal/pipeline"
	"candyline/internal/publish"
	"candyline/internal/relay"
	"candyline/internal/ws"
)

func main() {
	var (
		configF = flag.String("config", "candyline.yaml", "Path to the YAML configuration file")
		addrF   = flag.String("http-addr", "", "HTTP listen address (overrides http.addr)")
		debugF  = flag.Bool("debug", false, "Log at debug level")
	)
	flag.Parse()

	cfg, err := config.Load(*configF)
	if err != nil {
		fmt.Fprintf(os.Stderr, "candyline: %v\n", err)
		os.Exit(1)
	}
	if *addrF != "" {
		cfg.HTTP.Addr = *addrF
	}
	if *debugF {
		cfg.Log.Level = "debug"
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, "candyline")
	if err != nil {
		fmt.Fprintf(os.Stderr, "candyline: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("Exiting", zap.Error(err))
	}
	logger.Info("Exited")
}

func run(cfg *config.Config, logger *zap.Logger) error {
	cameras, cameraErrs, err := cfg.Validate()
	if err != nil {
		return err
	}
	for _, camErr := range cameraErrs {
		logger.Error("Camera disabled by invalid configuration",
			zap.Int("camera", camErr.Index),
			zap.String("camera_name", camErr.Name),
			zap.Error(camErr.Err))
	}
	if len(cameras) == 0 {
		logger.Warn("No valid cameras configured")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup

	// Event store
	var db *database.Database
	if cfg.Storage.Path != "" {
		db, err = database.New(cfg.Storage.Path)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.Migrate(); err != nil {
			return err
		}
		restoreRelayPause(db, cameras, logger)
	}

	// Detectors
	detectors := detection.NewRegistry()
	defer detectors.Close()
	if err := registerDetector(detectors, cfg.Detector, logger); err != nil {
		return err
	}
	var detector detection.Detector = detectors
	if cfg.Detector.Shared {
		detector = detection.NewSerialized(detectors)
	}

	actuator := relay.New(relay.Config{Timeout: cfg.Relay.Timeout, MaxInFlight: cfg.Relay.MaxInFlight}, logger)
	defer actuator.Close()

	orch := pipeline.NewOrchestrator(pipeline.OrchestratorConfig{
		Opener:        capture.Open,
		Detector:      detector,
		Actuator:      actuator,
		Registry:      camera.NewRegistry(),
		Bus:           pipeline.NewEventBus(),
		Tracking:      cfg.Tracking,
		Tuning:        cfg.Orchestrator,
		ConfThreshold: cfg.Detector.ConfThreshold,
	}, logger)
	bus := orch.Bus()
	defer bus.Close()

	// Subscribers are attached before cameras start so no count is missed.
	if db != nil {
		events, unsubscribe := bus.SubscribeChannel(256)
		defer unsubscribe()
		goRun(&wg, func() { db.Consume(ctx, events, logger) })
	}

	if cfg.MQTT.Enabled {
		client, err := publish.ConnectMQTT(cfg.MQTT, logger)
		if err != nil {
			logger.Error("MQTT reject feed disabled", zap.Error(err))
		} else {
			defer client.Disconnect(250)
			rejects := publish.NewRejectPublisher(client, cfg.MQTT.Topic, cfg.MQTT.QoS, logger)
			events, unsubscribe := bus.SubscribeChannel(256)
			defer unsubscribe()
			goRun(&wg, func() { rejects.Consume(ctx, events) })
		}
	}

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = publish.NewRedisClient(cfg.Redis)
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Warn("Redis not reachable yet, stats publisher will keep retrying", zap.Error(err))
		}
		statsPub := publish.NewStatsPublisher(redisClient, orch, cfg.Redis, logger)
		goRun(&wg, func() { statsPub.Run(ctx) })
	}

	hub := ws.NewHub(logger)
	defer hub.Close()
	{
		events, unsubscribe := bus.SubscribeChannel(256)
		defer unsubscribe()
		broadcaster := ws.NewBroadcaster(hub, orch, actuator.Stats, ws.BroadcasterConfig{
			StatsInterval: cfg.HTTP.StatsInterval,
			FrameInterval: cfg.HTTP.FrameInterval,
		})
		goRun(&wg, func() { broadcaster.Run(ctx, events) })
	}

	for _, cam := range cameras {
		if err := orch.AddCamera(cam); err != nil {
			logger.Error("Failed to start camera", zap.Int("camera", cam.CameraIndex), zap.Error(err))
			continue
		}
		if db != nil {
			record := &database.CameraRecord{
				Index:    cam.CameraIndex,
				Name:     cam.Name,
				Source:   cam.Source,
				RelayURL: cam.RelayURL,
				State:    string(pipeline.StateOpening),
			}
			if err := db.SaveCamera(record); err != nil {
				logger.Warn("Failed to store camera", zap.Int("camera", cam.CameraIndex), zap.Error(err))
			}
		}
	}
	if db != nil {
		goRun(&wg, func() { persistStates(ctx, orch, db, cfg.HTTP.StatsInterval, logger) })
		if cfg.Storage.Retention > 0 {
			goRun(&wg, func() { pruneEvents(ctx, db, cfg.Storage.Retention, logger) })
		}
	}

	if cfg.Recorder.Enabled {
		recorder := camera.NewRecorder(orch.Registry(), capture.Open, capture.NewSinkFactory(cfg.Recorder.Codec), cfg.Recorder.HandleWait, logger)
		settings := camera.Settings{Index: cfg.Recorder.CameraIndex}
		for _, cam := range cameras {
			if cam.CameraIndex == cfg.Recorder.CameraIndex {
				settings = camera.Settings{Index: cam.CameraIndex, Source: cam.Source, Width: cam.FrameWidth, Height: cam.FrameHeight}
			}
		}
		goRun(&wg, func() {
			if err := recorder.Record(ctx, settings, cfg.Recorder.OutputPath, cfg.Recorder.FPS); err != nil {
				logger.Error("Recorder stopped", zap.Error(err))
			}
		})
	}

	// Create channel used by both the signal handler and server goroutines
	// to notify the main goroutine when to stop the server.
	errc := make(chan error, 2)

	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	handler := newHTTPHandler(httpDeps{
		orch:      orch,
		detectors: detectors,
		db:        db,
		hub:       hub,
		relay:     actuator.Stats,
		frameRate: cfg.HTTP.FrameInterval,
	}, logger)
	handleHTTPServer(ctx, cfg.HTTP.Addr, handler, &wg, errc, logger)

	logger.Info("Exiting", zap.Any("reason", <-errc))

	cancel()
	if err := orch.Close(); err != nil {
		logger.Warn("Orchestrator close failed", zap.Error(err))
	}
	wg.Wait()
	return nil
}

func goRun(wg *sync.WaitGroup, fn func()) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		fn()
	}()
}

func registerDetector(reg *detection.Registry, cfg config.DetectorConfig, logger *zap.Logger) error {
	var det detection.Detector
	switch cfg.Kind {
	case "grpc":
		d, err := detection.NewGRPCDetector(detection.GRPCDetectorConfig{
			Endpoint: cfg.Endpoint,
			Method:   cfg.Method,
			Timeout:  cfg.Timeout,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to create grpc detector: %w", err)
		}
		det = d
	default:
		det = detection.NewHTTPDetector(cfg.Endpoint, cfg.Timeout, logger)
	}
	if err := reg.Register(det); err != nil {
		return err
	}
	logger.Info("Detector registered", zap.String("detector", det.Name()), zap.String("endpoint", cfg.Endpoint))
	return nil
}

// restoreRelayPause applies the operator's last relay choice over the file
// configuration.
func restoreRelayPause(db *database.Database, cameras []config.CameraConfig, logger *zap.Logger) {
	for i := range cameras {
		paused, ok, err := db.RelayPaused(cameras[i].CameraIndex)
		if err != nil {
			logger.Warn("Ignoring stored relay pause", zap.Int("camera", cameras[i].CameraIndex), zap.Error(err))
			continue
		}
		if ok {
			cameras[i].RelayPaused = paused
		}
	}
}

// persistStates mirrors camera state changes into the cameras table.
func persistStates(ctx context.Context, orch *pipeline.Orchestrator, db *database.Database, interval time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := make(map[int]pipeline.State)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, s := range orch.Stats() {
				if last[s.Index] == s.State {
					continue
				}
				if err := db.UpdateCameraState(s.Index, string(s.State)); err != nil {
					logger.Warn("Failed to store camera state", zap.Int("camera", s.Index), zap.Error(err))
					continue
				}
				last[s.Index] = s.State
			}
		}
	}
}

// pruneEvents deletes count events older than retention once an hour.
func pruneEvents(ctx context.Context, db *database.Database, retention time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		deleted, err := db.DeleteOldCountEvents(time.Now().Add(-retention))
		if err != nil {
			logger.Warn("Failed to prune count events", zap.Error(err))
		} else if deleted > 0 {
			logger.Info("Pruned count events", zap.Int64("deleted", deleted), zap.Duration("retention", retention))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
