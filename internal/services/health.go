package services

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"candyline/internal/detection"
	"candyline/internal/pipeline"
)

// HealthService implements the liveness and readiness probes
type HealthService struct {
	ctrl     Controller
	detector detection.HealthChecker
	timeout  time.Duration
	logger   *zap.Logger
}

// NewHealthService creates the health service. detector may be nil.
func NewHealthService(ctrl Controller, detector detection.HealthChecker, logger *zap.Logger) *HealthService {
	return &HealthService{ctrl: ctrl, detector: detector, timeout: 2 * time.Second, logger: logger.Named("services")}
}

// Mount registers the routes on r.
func (s *HealthService) Mount(r gin.IRouter) {
	r.GET("/healthz", s.healthz)
	r.GET("/readyz", s.readyz)
}

type cameraHealth struct {
	Index          int            `json:"camera_index"`
	Name           string         `json:"name"`
	State          pipeline.State `json:"state"`
	NeedsReconnect bool           `json:"needs_reconnect"`
}

type healthResponse struct {
	Status   string         `json:"status"`
	Detector string         `json:"detector,omitempty"`
	Cameras  []cameraHealth `json:"cameras"`
}

func (s *HealthService) cameras() []cameraHealth {
	stats := s.ctrl.Stats()
	out := make([]cameraHealth, 0, len(stats))
	for _, st := range stats {
		out = append(out, cameraHealth{Index: st.Index, Name: st.Name, State: st.State, NeedsReconnect: st.NeedsReconnect})
	}
	return out
}

// healthz is the liveness probe: the process answers, cameras are reported
// whatever their state.
func (s *HealthService) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, healthResponse{Status: "ok", Cameras: s.cameras()})
}

// readyz requires a healthy detector and at least one camera delivering
// frames.
func (s *HealthService) readyz(c *gin.Context) {
	resp := healthResponse{Status: "ready", Detector: "ok", Cameras: s.cameras()}
	status := http.StatusOK

	if s.detector != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), s.timeout)
		defer cancel()
		if err := s.detector.Health(ctx); err != nil {
			resp.Detector = err.Error()
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
		}
	}

	reading := false
	for _, c := range resp.Cameras {
		if c.State == pipeline.StateReading {
			reading = true
			break
		}
	}
	if !reading {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}

	c.JSON(status, resp)
}
