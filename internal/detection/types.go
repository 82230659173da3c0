// Package detection adapts external detection models to the line.
//
// The model itself is opaque: a Detector turns a camera frame into a list of
// normal/abnormal detections. Backends live behind HTTP or gRPC.
package detection

import (
	"context"
	"errors"
	"image"
	"math"
	"strings"

	"candyline/internal/camera"
)

// ErrUnavailable is returned when no detector can serve a request.
var ErrUnavailable = errors.New("detector unavailable")

// Class is the inspection verdict for one item.
type Class string

const (
	ClassNormal   Class = "normal"
	ClassAbnormal Class = "abnormal"
)

// ParseClass maps a model label to a Class.
func ParseClass(label string) (Class, bool) {
	switch strings.ToLower(strings.TrimSpace(label)) {
	case "normal":
		return ClassNormal, true
	case "abnormal":
		return ClassAbnormal, true
	default:
		return "", false
	}
}

// Point is a pixel position.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Dist returns the Euclidean distance to q.
func (p Point) Dist(q Point) float64 {
	return math.Hypot(p.X-q.X, p.Y-q.Y)
}

// BBox is a pixel bounding box.
type BBox struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Center returns the box centroid.
func (b BBox) Center() Point {
	return Point{X: b.X + b.W/2, Y: b.Y + b.H/2}
}

// Rect converts the box to an integer rectangle.
func (b BBox) Rect() image.Rectangle {
	return image.Rect(int(b.X), int(b.Y), int(b.X+b.W), int(b.Y+b.H))
}

// Detection is a single model output for one frame.
type Detection struct {
	BBox       BBox    `json:"bbox"`
	Class      Class   `json:"class"`
	Confidence float32 `json:"confidence"`
}

// Options are detection-stage toggles passed to the backend untouched.
type Options struct {
	ConfThreshold float32          `json:"conf_threshold"`
	ROI           *image.Rectangle `json:"roi,omitempty"`
	Kalman        bool             `json:"kalman"`
	Scales        []float64        `json:"scales,omitempty"`
}

// Detector runs the external model on a frame.
type Detector interface {
	Name() string
	Detect(ctx context.Context, frame camera.Frame, opts Options) ([]Detection, error)
	Close() error
}

// HealthChecker is implemented by detectors that can probe their backend.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// rawDetection is the wire form shared by the HTTP and gRPC backends.
type rawDetection struct {
	BBox       []float64 `json:"bbox"` // [x, y, w, h]
	Class      string    `json:"class"`
	Confidence float64   `json:"confidence"`
}

// convert drops entries with an unknown class or a malformed box and returns
// how many were dropped.
func convert(raw []rawDetection) ([]Detection, int) {
	out := make([]Detection, 0, len(raw))
	dropped := 0
	for _, r := range raw {
		class, ok := ParseClass(r.Class)
		if !ok || len(r.BBox) < 4 {
			dropped++
			continue
		}
		conf := r.Confidence
		if conf < 0 {
			conf = 0
		} else if conf > 1 {
			conf = 1
		}
		out = append(out, Detection{
			BBox:       BBox{X: r.BBox[0], Y: r.BBox[1], W: r.BBox[2], H: r.BBox[3]},
			Class:      class,
			Confidence: float32(conf),
		})
	}
	return out, dropped
}
