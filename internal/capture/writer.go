package capture

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"

	"candyline/internal/camera"
)

// VideoSink writes frames to a video file with gocv.VideoWriter.
type VideoSink struct {
	writer *gocv.VideoWriter
	width  int
	height int
}

// NewSinkFactory returns a camera.SinkFactory writing with the given FourCC
// codec (e.g. "MJPG").
func NewSinkFactory(codec string) camera.SinkFactory {
	return func(path string, fps float64, width, height int) (camera.Sink, error) {
		w, err := gocv.VideoWriterFile(path, codec, fps, width, height, true)
		if err != nil {
			return nil, err
		}
		if !w.IsOpened() {
			w.Close()
			return nil, fmt.Errorf("video writer for %s not opened", path)
		}
		return &VideoSink{writer: w, width: width, height: height}, nil
	}
}

// Write encodes one frame. Frames of a different size are resized.
func (s *VideoSink) Write(frame camera.Frame) error {
	rgba, err := gocv.ImageToMatRGBA(frame.Image)
	if err != nil {
		return fmt.Errorf("convert frame: %w", err)
	}
	defer rgba.Close()

	bgr := gocv.NewMat()
	defer bgr.Close()
	gocv.CvtColor(rgba, &bgr, gocv.ColorRGBAToBGR)

	if bgr.Cols() != s.width || bgr.Rows() != s.height {
		resized := gocv.NewMat()
		defer resized.Close()
		gocv.Resize(bgr, &resized, image.Pt(s.width, s.height), 0, 0, gocv.InterpolationLinear)
		return s.writer.Write(resized)
	}
	return s.writer.Write(bgr)
}

// Close finalises the file.
func (s *VideoSink) Close() error {
	return s.writer.Close()
}
