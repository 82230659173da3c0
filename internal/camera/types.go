// Package camera owns camera device handles and the rules for sharing them.
//
// A Source is the single primary consumer of a Device: the per-camera
// detection loop reads from it. Secondary consumers such as the recorder never
// read the device directly; they obtain a read-only Handle from the Registry,
// which replays the frames the primary consumer already captured.
package camera

import (
	"context"
	"errors"
	"image"
	"time"
)

var (
	// ErrOpen is returned when a device cannot be opened.
	ErrOpen = errors.New("camera open failed")
	// ErrRead is returned when a frame cannot be read from an open device.
	ErrRead = errors.New("camera read failed")
	// ErrClosed is returned by operations on a closed source.
	ErrClosed = errors.New("camera closed")
)

// Frame is one captured image. The image must not be modified once the frame
// has been handed out.
type Frame struct {
	Camera    int
	Seq       uint64
	Timestamp time.Time
	Image     *image.RGBA
}

// Width returns the frame width in pixels.
func (f Frame) Width() int {
	if f.Image == nil {
		return 0
	}
	return f.Image.Bounds().Dx()
}

// Height returns the frame height in pixels.
func (f Frame) Height() int {
	if f.Image == nil {
		return 0
	}
	return f.Image.Bounds().Dy()
}

// Property identifies a device property that can be written while the device
// is open.
type Property int

const (
	PropFrameWidth Property = iota
	PropFrameHeight
	PropAutoFocus
	PropFocus
	PropAutoExposure
	PropExposure
)

func (p Property) String() string {
	switch p {
	case PropFrameWidth:
		return "frame_width"
	case PropFrameHeight:
		return "frame_height"
	case PropAutoFocus:
		return "auto_focus"
	case PropFocus:
		return "focus"
	case PropAutoExposure:
		return "auto_exposure"
	case PropExposure:
		return "exposure"
	default:
		return "unknown"
	}
}

// Device is a raw capture device. Implementations need not be safe for
// concurrent use; Source serialises access.
type Device interface {
	Read() (*image.RGBA, error)
	Set(prop Property, value float64) error
	Size() (width, height int)
	Close() error
}

// Settings describe how to open a device.
type Settings struct {
	Index int
	// Source, when set, is a file path or stream URL used instead of Index.
	Source   string
	Width    int
	Height   int
	Exposure float64 // 0 keeps auto exposure
	Focus    float64 // 0 keeps auto focus
}

// Opener opens a Device for the given settings.
type Opener func(Settings) (Device, error)

// Handle is the read-only view of an opened camera given to secondary
// consumers. It never owns the device.
type Handle interface {
	Index() int
	Size() (width, height int)
	// Next blocks until a frame with a sequence number greater than after is
	// available, the context ends, or the owning source closes.
	Next(ctx context.Context, after uint64) (Frame, error)
}
