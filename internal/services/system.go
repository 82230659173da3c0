package services

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"candyline/internal/database"
	"candyline/internal/pipeline"
	"candyline/internal/relay"
)

// EventStore is the read side of the count event log.
type EventStore interface {
	ListCountEvents(cameraIndex int, since *time.Time, limit int) ([]*database.CountEventRecord, error)
	CountTotals(cameraIndex int, since *time.Time) (database.Totals, error)
}

// DetectorSwitch selects the active detection backend.
type DetectorSwitch interface {
	Names() []string
	Active() string
	SetActive(name string) error
}

// SystemService reports line-wide status and history
type SystemService struct {
	ctrl       Controller
	events     EventStore
	detectors  DetectorSwitch
	relayStats func() relay.Stats
	startTime  time.Time
	logger     *zap.Logger
}

// NewSystemService creates the system service. events, detectors and
// relayStats may be nil; the matching routes then answer 404 or omit the data.
func NewSystemService(ctrl Controller, events EventStore, detectors DetectorSwitch, relayStats func() relay.Stats, logger *zap.Logger) *SystemService {
	return &SystemService{
		ctrl:       ctrl,
		events:     events,
		detectors:  detectors,
		relayStats: relayStats,
		startTime:  time.Now(),
		logger:     logger.Named("services"),
	}
}

// Mount registers the routes on r.
func (s *SystemService) Mount(r gin.IRouter) {
	api := r.Group("/api")
	api.GET("/stats", s.status)
	if s.events != nil {
		api.GET("/events", s.listEvents)
		api.GET("/totals", s.totals)
	}
	if s.detectors != nil {
		api.GET("/detectors", s.listDetectors)
		api.PUT("/detectors/active", s.setDetector)
	}
}

type statusResponse struct {
	Uptime  string                 `json:"uptime"`
	Cameras []pipeline.CameraStats `json:"cameras"`
	Totals  totalsResponse         `json:"totals"`
	Relay   *relay.Stats           `json:"relay,omitempty"`
}

type totalsResponse struct {
	Total    int `json:"total"`
	Normal   int `json:"normal"`
	Abnormal int `json:"abnormal"`
}

func (s *SystemService) status(c *gin.Context) {
	resp := statusResponse{
		Uptime:  time.Since(s.startTime).Truncate(time.Second).String(),
		Cameras: s.ctrl.Stats(),
	}
	for _, c := range resp.Cameras {
		resp.Totals.Total += c.Totals.Total
		resp.Totals.Normal += c.Totals.Normal
		resp.Totals.Abnormal += c.Totals.Abnormal
	}
	if s.relayStats != nil {
		rs := s.relayStats()
		resp.Relay = &rs
	}
	c.JSON(http.StatusOK, resp)
}

// eventQuery parses ?camera=&since=&limit=. A missing camera selects all.
func eventQuery(c *gin.Context) (camera int, since *time.Time, limit int, err error) {
	camera = -1
	if v := c.Query("camera"); v != "" {
		if camera, err = strconv.Atoi(v); err != nil || camera < 0 {
			return 0, nil, 0, fmt.Errorf("%w: invalid camera %q", errBadRequest, v)
		}
	}
	if v := c.Query("since"); v != "" {
		t, perr := time.Parse(time.RFC3339, v)
		if perr != nil {
			return 0, nil, 0, fmt.Errorf("%w: %v", errBadRequest, perr)
		}
		since = &t
	}
	limit = 100
	if v := c.Query("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit <= 0 {
			return 0, nil, 0, fmt.Errorf("%w: invalid limit %q", errBadRequest, v)
		}
	}
	return camera, since, limit, nil
}

type eventResponse struct {
	ID          string    `json:"id"`
	CameraIndex int       `json:"camera_index"`
	CameraName  string    `json:"camera_name"`
	TrackID     int64     `json:"track_id"`
	Class       string    `json:"class"`
	Triggered   bool      `json:"triggered"`
	PulseID     string    `json:"pulse_id,omitempty"`
	RelayPaused bool      `json:"relay_paused"`
	Timestamp   time.Time `json:"timestamp"`
}

func (s *SystemService) listEvents(c *gin.Context) {
	camera, since, limit, err := eventQuery(c)
	if err != nil {
		abortWithError(c, s.logger, err)
		return
	}
	records, err := s.events.ListCountEvents(camera, since, limit)
	if err != nil {
		abortWithError(c, s.logger, err)
		return
	}

	out := make([]eventResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, eventResponse{
			ID:          rec.ID,
			CameraIndex: rec.CameraIndex,
			CameraName:  rec.CameraName,
			TrackID:     rec.TrackID,
			Class:       rec.Class,
			Triggered:   rec.Triggered,
			PulseID:     rec.PulseID,
			RelayPaused: rec.RelayPaused,
			Timestamp:   rec.Timestamp,
		})
	}
	c.JSON(http.StatusOK, out)
}

func (s *SystemService) totals(c *gin.Context) {
	camera, since, _, err := eventQuery(c)
	if err != nil {
		abortWithError(c, s.logger, err)
		return
	}
	totals, err := s.events.CountTotals(camera, since)
	if err != nil {
		abortWithError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, totals)
}

type detectorsResponse struct {
	Active    string   `json:"active"`
	Available []string `json:"available"`
}

func (s *SystemService) listDetectors(c *gin.Context) {
	c.JSON(http.StatusOK, detectorsResponse{Active: s.detectors.Active(), Available: s.detectors.Names()})
}

type setDetectorRequest struct {
	Name string `json:"name" binding:"required"`
}

func (s *SystemService) setDetector(c *gin.Context) {
	var req setDetectorRequest
	if err := bind(c, &req); err != nil {
		abortWithError(c, s.logger, err)
		return
	}
	if err := s.detectors.SetActive(req.Name); err != nil {
		abortWithError(c, s.logger, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	s.logger.Info("Active detector changed", zap.String("detector", req.Name))
	s.listDetectors(c)
}
