package services

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RelaySettings persists operator relay choices across restarts.
type RelaySettings interface {
	SaveRelayPaused(cameraIndex int, paused bool) error
}

// CameraService exposes per-camera operator controls.
type CameraService struct {
	ctrl     Controller
	settings RelaySettings
	logger   *zap.Logger
}

// NewCameraService creates the camera service. settings may be nil.
func NewCameraService(ctrl Controller, settings RelaySettings, logger *zap.Logger) *CameraService {
	return &CameraService{ctrl: ctrl, settings: settings, logger: logger.Named("services")}
}

// Mount registers the routes on r.
func (s *CameraService) Mount(r gin.IRouter) {
	cameras := r.Group("/api/cameras")
	cameras.GET("", s.list)
	cameras.GET("/:index", s.get)

	ops := cameras.Group("/:index")
	ops.POST("/relay", s.setRelay)
	ops.POST("/focus", s.setFocus)
	ops.POST("/exposure", s.setExposure)
	ops.POST("/source", s.switchSource)
	ops.POST("/reset", s.run(s.ctrl.ResetCounters))
	ops.POST("/pause", s.run(s.ctrl.PauseCamera))
	ops.POST("/resume", s.run(s.ctrl.ResumeCamera))
}

func (s *CameraService) list(c *gin.Context) {
	c.JSON(http.StatusOK, s.ctrl.Stats())
}

func (s *CameraService) get(c *gin.Context) {
	idx, err := cameraIndex(c)
	if err != nil {
		abortWithError(c, s.logger, err)
		return
	}
	stats, ok := s.ctrl.CameraStats(idx)
	if !ok {
		c.JSON(http.StatusNotFound, errorBody{Error: "camera not found"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

type relayRequest struct {
	Paused bool `json:"paused"`
}

func (s *CameraService) setRelay(c *gin.Context) {
	idx, err := cameraIndex(c)
	if err != nil {
		abortWithError(c, s.logger, err)
		return
	}
	var req relayRequest
	if err := bind(c, &req); err != nil {
		abortWithError(c, s.logger, err)
		return
	}
	if err := s.ctrl.SetRelayPaused(idx, req.Paused); err != nil {
		abortWithError(c, s.logger, err)
		return
	}
	if s.settings != nil {
		if err := s.settings.SaveRelayPaused(idx, req.Paused); err != nil {
			s.logger.Warn("Relay pause applied but not persisted", zap.Int("camera", idx), zap.Error(err))
		}
	}
	s.respondStats(c, idx)
}

type valueRequest struct {
	Value float64 `json:"value"`
}

func (s *CameraService) setFocus(c *gin.Context) {
	s.setValue(c, s.ctrl.SetFocus)
}

func (s *CameraService) setExposure(c *gin.Context) {
	s.setValue(c, s.ctrl.SetExposure)
}

func (s *CameraService) setValue(c *gin.Context, fn func(ctx context.Context, index int, value float64) error) {
	idx, err := cameraIndex(c)
	if err != nil {
		abortWithError(c, s.logger, err)
		return
	}
	var req valueRequest
	if err := bind(c, &req); err != nil {
		abortWithError(c, s.logger, err)
		return
	}
	if err := fn(c.Request.Context(), idx, req.Value); err != nil {
		abortWithError(c, s.logger, err)
		return
	}
	s.respondStats(c, idx)
}

type sourceRequest struct {
	Source string `json:"source"`
}

func (s *CameraService) switchSource(c *gin.Context) {
	idx, err := cameraIndex(c)
	if err != nil {
		abortWithError(c, s.logger, err)
		return
	}
	var req sourceRequest
	if err := bind(c, &req); err != nil {
		abortWithError(c, s.logger, err)
		return
	}
	if err := s.ctrl.SwitchSource(c.Request.Context(), idx, req.Source); err != nil {
		abortWithError(c, s.logger, err)
		return
	}
	s.respondStats(c, idx)
}

// run adapts a parameterless camera operation to a handler.
func (s *CameraService) run(fn func(ctx context.Context, index int) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		idx, err := cameraIndex(c)
		if err != nil {
			abortWithError(c, s.logger, err)
			return
		}
		if err := fn(c.Request.Context(), idx); err != nil {
			abortWithError(c, s.logger, err)
			return
		}
		s.respondStats(c, idx)
	}
}

func (s *CameraService) respondStats(c *gin.Context, idx int) {
	stats, _ := s.ctrl.CameraStats(idx)
	c.JSON(http.StatusOK, stats)
}
