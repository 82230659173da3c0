package main

import (
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"candyline/internal/config"
	"candyline/internal/detection"
	"candyline/internal/pipeline"
	"candyline/internal/relay"
	"candyline/internal/ws"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

func TestHTTPHandlerRoutes(t *testing.T) {
	logger := zap.NewNop()
	cfg := config.Default()
	orch := pipeline.NewOrchestrator(pipeline.OrchestratorConfig{
		Detector: detection.NewRegistry(),
		Tracking: cfg.Tracking,
		Tuning:   cfg.Orchestrator,
	}, logger)
	defer orch.Close()

	h := newHTTPHandler(httpDeps{
		orch:      orch,
		detectors: detection.NewRegistry(),
		hub:       ws.NewHub(logger),
		relay:     func() relay.Stats { return relay.Stats{} },
	}, logger)

	cases := []struct {
		method, path string
		want         int
	}{
		{http.MethodGet, "/healthz", http.StatusOK},
		{http.MethodGet, "/readyz", http.StatusServiceUnavailable},
		{http.MethodGet, "/api/stats", http.StatusOK},
		{http.MethodGet, "/api/cameras", http.StatusOK},
		{http.MethodPost, "/api/cameras/0/reset", http.StatusNotFound},
		{http.MethodGet, "/api/detectors", http.StatusOK},
		{http.MethodGet, "/api/events", http.StatusNotFound},
		{http.MethodGet, "/video/snapshot/0", http.StatusServiceUnavailable},
		{http.MethodGet, "/ws/nope", http.StatusNotFound},
		{http.MethodGet, "/api/nothing", http.StatusNotFound},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(tc.method, tc.path, nil))
		assert.Equal(t, tc.want, rec.Code, "%s %s", tc.method, tc.path)
		assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
	}
}
