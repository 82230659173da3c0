package ws

import (
	"time"

	"candyline/internal/pipeline"
	"candyline/internal/relay"
)

// StatsMessage is the periodic per-camera stats broadcast
type StatsMessage struct {
	Type      string                 `json:"type"` // "stats"
	Timestamp time.Time              `json:"timestamp"`
	Cameras   []pipeline.CameraStats `json:"cameras"`
	Relay     *relay.Stats           `json:"relay,omitempty"`
}

// NewStatsMessage creates a new stats message
func NewStatsMessage(cameras []pipeline.CameraStats) *StatsMessage {
	return &StatsMessage{
		Type:      "stats",
		Timestamp: time.Now(),
		Cameras:   cameras,
	}
}

// CountMessage announces one counted item
type CountMessage struct {
	Type  string               `json:"type"` // "count"
	Event *pipeline.CountEvent `json:"event"`
}

// NewCountMessage creates a new count message
func NewCountMessage(event *pipeline.CountEvent) *CountMessage {
	return &CountMessage{Type: "count", Event: event}
}

// FrameMessage represents a composite frame broadcast
type FrameMessage struct {
	Type        string    `json:"type"` // "frame"
	Timestamp   time.Time `json:"timestamp"`
	FrameWidth  int       `json:"frame_width"`
	FrameHeight int       `json:"frame_height"`
	Frame       string    `json:"frame"` // Base64 encoded JPEG frame
}

// NewFrameMessage creates a new frame message for live streaming
func NewFrameMessage(frameWidth, frameHeight int, frameBase64 string) *FrameMessage {
	return &FrameMessage{
		Type:        "frame",
		Timestamp:   time.Now(),
		FrameWidth:  frameWidth,
		FrameHeight: frameHeight,
		Frame:       frameBase64,
	}
}
