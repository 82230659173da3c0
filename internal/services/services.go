package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"candyline/internal/middleware"
	"candyline/internal/pipeline"
)

// Controller is the orchestrator surface the services drive.
type Controller interface {
	Cameras() []int
	Stats() []pipeline.CameraStats
	CameraStats(index int) (pipeline.CameraStats, bool)
	SetRelayPaused(index int, paused bool) error
	SetFocus(ctx context.Context, index int, value float64) error
	SetExposure(ctx context.Context, index int, value float64) error
	SwitchSource(ctx context.Context, index int, source string) error
	ResetCounters(ctx context.Context, index int) error
	PauseCamera(ctx context.Context, index int) error
	ResumeCamera(ctx context.Context, index int) error
}

var _ Controller = (*pipeline.Orchestrator)(nil)

// errorBody is the JSON error envelope
type errorBody struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

var errBadRequest = errors.New("bad request")

// abortWithError maps err to a status code and ends the request.
func abortWithError(c *gin.Context, logger *zap.Logger, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, pipeline.ErrUnknownCamera):
		status = http.StatusNotFound
	case errors.Is(err, errBadRequest):
		status = http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		status = http.StatusGatewayTimeout
	}

	id := middleware.GetRequestID(c.Request.Context())
	if status >= http.StatusInternalServerError {
		logger.Error("Request failed", zap.String("request_id", id), zap.String("path", c.Request.URL.Path), zap.Error(err))
	}
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, errorBody{Error: err.Error(), RequestID: id})
}

func cameraIndex(c *gin.Context) (int, error) {
	idx, err := strconv.Atoi(c.Param("index"))
	if err != nil || idx < 0 {
		return 0, fmt.Errorf("%w: camera index must be a non-negative integer", errBadRequest)
	}
	return idx, nil
}

func bind(c *gin.Context, v any) error {
	if err := c.ShouldBindJSON(v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}
