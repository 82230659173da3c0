package pipeline

import (
	"time"

	"candyline/internal/detection"
	"candyline/internal/tracking"
)

// State is the coarse lifecycle state of one camera.
type State string

const (
	// StateOpening - acquiring the device, retried with backoff
	StateOpening State = "opening"
	// StateReady - device open, no frame read yet
	StateReady State = "ready"
	// StateReading - frames are flowing
	StateReading State = "reading"
	// StateRetrying - the last read failed
	StateRetrying State = "retrying"
	// StatePaused - the loop holds the device but does not read
	StatePaused State = "paused"
	// StateClosed - the camera was removed or the orchestrator shut down
	StateClosed State = "closed"
)

// CameraStats is the per-camera stats surface, refreshed every cycle.
type CameraStats struct {
	Index          int             `json:"camera_index"`
	Name           string          `json:"name"`
	State          State           `json:"state"`
	Totals         tracking.Totals `json:"totals"`
	TrackingCount  int             `json:"tracking_count"`
	ReadFailCount  int             `json:"read_fail_count"`
	NeedsReconnect bool            `json:"needs_reconnect"`
	RelayPaused    bool            `json:"relay_paused"`
	FrameSeq       uint64          `json:"frame_seq"`
	Width          int             `json:"width"`
	Height         int             `json:"height"`
	DetectErrors   uint64          `json:"detect_errors"`
	Ejections      uint64          `json:"ejections"`
	LastFrameAt    time.Time       `json:"last_frame_at"`
}

// CountEvent is published once per counted item.
type CountEvent struct {
	ID         string          `json:"id"`
	Camera     int             `json:"camera_index"`
	CameraName string          `json:"camera_name"`
	TrackID    uint64          `json:"track_id"`
	Class      detection.Class `json:"class"`
	// Triggered is true when an ejection pulse was dispatched for the item.
	Triggered bool   `json:"triggered"`
	PulseID   string `json:"pulse_id,omitempty"`
	// RelayPaused is true when the item was abnormal but the relay was paused.
	RelayPaused bool            `json:"relay_paused"`
	Totals      tracking.Totals `json:"totals"`
	Timestamp   time.Time       `json:"timestamp"`
}

// Abnormal reports whether the counted item was a reject.
func (e *CountEvent) Abnormal() bool {
	return e.Class == detection.ClassAbnormal
}
