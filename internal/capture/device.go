// Package capture implements camera.Device and camera.Sink on top of OpenCV
// through gocv.
package capture

import (
	"fmt"
	"image"
	"image/draw"
	"strconv"

	"gocv.io/x/gocv"

	"candyline/internal/camera"
)

// Device wraps a gocv.VideoCapture.
type Device struct {
	cap *gocv.VideoCapture
	mat gocv.Mat
}

// Open implements camera.Opener. A numeric Source or an empty Source opens a
// local device by index; anything else is passed to OpenCV as a file or URL.
func Open(settings camera.Settings) (camera.Device, error) {
	var (
		vc  *gocv.VideoCapture
		err error
	)

	switch {
	case settings.Source == "":
		vc, err = gocv.VideoCaptureDevice(settings.Index)
	default:
		if idx, convErr := strconv.Atoi(settings.Source); convErr == nil {
			vc, err = gocv.VideoCaptureDevice(idx)
		} else {
			vc, err = gocv.OpenVideoCapture(settings.Source)
		}
	}
	if err != nil {
		return nil, err
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, fmt.Errorf("device %d not opened", settings.Index)
	}

	// keep latency low: the detection loop wants the newest frame
	vc.Set(gocv.VideoCaptureBufferSize, 1)

	return &Device{cap: vc, mat: gocv.NewMat()}, nil
}

// Read grabs the next frame and converts it to RGBA.
func (d *Device) Read() (*image.RGBA, error) {
	if ok := d.cap.Read(&d.mat); !ok {
		return nil, fmt.Errorf("read returned no frame")
	}
	if d.mat.Empty() {
		return nil, fmt.Errorf("empty frame")
	}

	img, err := d.mat.ToImage()
	if err != nil {
		return nil, fmt.Errorf("convert frame: %w", err)
	}
	if rgba, ok := img.(*image.RGBA); ok {
		return rgba, nil
	}

	rgba := image.NewRGBA(img.Bounds())
	draw.Draw(rgba, rgba.Bounds(), img, img.Bounds().Min, draw.Src)
	return rgba, nil
}

// Set writes a capture property.
func (d *Device) Set(prop camera.Property, value float64) error {
	var p gocv.VideoCaptureProperties
	switch prop {
	case camera.PropFrameWidth:
		p = gocv.VideoCaptureFrameWidth
	case camera.PropFrameHeight:
		p = gocv.VideoCaptureFrameHeight
	case camera.PropAutoFocus:
		p = gocv.VideoCaptureAutoFocus
	case camera.PropFocus:
		p = gocv.VideoCaptureFocus
	case camera.PropAutoExposure:
		p = gocv.VideoCaptureAutoExposure
		// V4L2 uses 1 for manual and 3 for aperture priority
		if value == 0 {
			value = 1
		} else {
			value = 3
		}
	case camera.PropExposure:
		p = gocv.VideoCaptureExposure
	default:
		return fmt.Errorf("unsupported property %s", prop)
	}

	d.cap.Set(p, value)
	return nil
}

// Size returns the negotiated frame size.
func (d *Device) Size() (int, int) {
	return int(d.cap.Get(gocv.VideoCaptureFrameWidth)), int(d.cap.Get(gocv.VideoCaptureFrameHeight))
}

// Close releases the capture and the frame buffer.
func (d *Device) Close() error {
	d.mat.Close()
	return d.cap.Close()
}

var _ camera.Opener = Open
