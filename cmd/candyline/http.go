package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"candyline/internal/database"
	"candyline/internal/detection"
	"candyline/internal/middleware"
	"candyline/internal/pipeline"
	"candyline/internal/relay"
	"candyline/internal/services"
	"candyline/internal/stream"
	"candyline/internal/ws"
)

type httpDeps struct {
	orch      *pipeline.Orchestrator
	detectors *detection.Registry
	db        *database.Database
	hub       *ws.Hub
	relay     func() relay.Stats
	frameRate time.Duration
}

// newHTTPHandler builds the router serving probes, operator controls,
// video and websocket feeds.
func newHTTPHandler(deps httpDeps, logger *zap.Logger) http.Handler {
	router := gin.New()
	router.Use(middleware.RequestID(), middleware.Log(logger), middleware.Recovery(logger))

	services.NewHealthService(deps.orch, deps.detectors, logger).Mount(router)

	var (
		settings services.RelaySettings
		events   services.EventStore
	)
	if deps.db != nil {
		settings = deps.db
		events = deps.db
	}
	services.NewCameraService(deps.orch, settings, logger).Mount(router)
	services.NewSystemService(deps.orch, events, deps.detectors, deps.relay, logger).Mount(router)

	interval := deps.frameRate
	if interval <= 0 {
		interval = 66 * time.Millisecond
	}
	video := router.Group("/video")
	video.GET("/stream/:name", gin.WrapH(stream.NewMJPEGHandler(deps.orch, interval, logger)))
	video.GET("/snapshot/:name", gin.WrapH(stream.NewSnapshotHandler(deps.orch)))
	router.GET("/ws/:topic", gin.WrapH(ws.NewHandler(deps.hub)))

	return router
}

// handleHTTPServer starts the HTTP server on addr. It shuts the server down
// when ctx is cancelled.
func handleHTTPServer(ctx context.Context, addr string, handler http.Handler, wg *sync.WaitGroup, errc chan error, logger *zap.Logger) {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 60 * time.Second,
		// streaming handlers end when the service stops
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	wg.Add(1)
	go func() {
		defer wg.Done()

		go func() {
			logger.Info("HTTP server listening", zap.String("addr", addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- err
			}
		}()

		<-ctx.Done()
		logger.Info("Shutting down HTTP server", zap.String("addr", addr))

		// Shutdown gracefully with a 30s timeout.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Failed to shutdown", zap.Error(err))
		}
	}()
}
