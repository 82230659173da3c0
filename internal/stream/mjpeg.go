package stream

import (
	"fmt"
	"image"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// FrameSource exposes the latest processed frames. The sequence number
// changes whenever a newer frame is available.
type FrameSource interface {
	Processed(camera int) (*image.RGBA, uint64, bool)
	Composite() (*image.RGBA, uint64, bool)
}

// compositeName selects the side-by-side view instead of one camera.
const compositeName = "composite"

// lookup resolves the last path segment to a frame.
func lookup(frames FrameSource, path string) (func() (*image.RGBA, uint64, bool), error) {
	parts := strings.Split(strings.TrimRight(path, "/"), "/")
	name := parts[len(parts)-1]
	if name == compositeName {
		return frames.Composite, nil
	}
	idx, err := strconv.Atoi(name)
	if err != nil {
		return nil, fmt.Errorf("invalid camera %q", name)
	}
	return func() (*image.RGBA, uint64, bool) { return frames.Processed(idx) }, nil
}

// MJPEGHandler streams processed frames as multipart/x-mixed-replace.
//
//	GET /video/stream/{camera_index}
//	GET /video/stream/composite
type MJPEGHandler struct {
	frames   FrameSource
	interval time.Duration
	quality  int
	logger   *zap.Logger
}

// NewMJPEGHandler creates a handler polling for new frames every interval.
func NewMJPEGHandler(frames FrameSource, interval time.Duration, logger *zap.Logger) *MJPEGHandler {
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	return &MJPEGHandler{
		frames:   frames,
		interval: interval,
		quality:  80,
		logger:   logger.Named("mjpeg"),
	}
}

// ServeHTTP serves the MJPEG stream to a client.
func (h *MJPEGHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	get, err := lookup(h.frames, r.URL.Path)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	h.logger.Debug("Client connected", zap.String("path", r.URL.Path))
	defer h.logger.Debug("Client disconnected", zap.String("path", r.URL.Path))

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	var lastSeq uint64
	sent := false
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			img, seq, ok := get()
			if !ok || img == nil || (sent && seq == lastSeq) {
				continue
			}
			data, err := EncodeJPEG(img, h.quality)
			if err != nil {
				h.logger.Warn("Encode failed", zap.Error(err))
				continue
			}

			fmt.Fprintf(w, "--frame\r\n")
			fmt.Fprintf(w, "Content-Type: image/jpeg\r\n")
			fmt.Fprintf(w, "Content-Length: %d\r\n\r\n", len(data))
			if _, err := w.Write(data); err != nil {
				return
			}
			fmt.Fprintf(w, "\r\n")
			flusher.Flush()

			lastSeq, sent = seq, true
		}
	}
}

// SnapshotHandler serves a single JPEG.
//
//	GET /video/snapshot/{camera_index}
//	GET /video/snapshot/composite
type SnapshotHandler struct {
	frames FrameSource
}

// NewSnapshotHandler creates a snapshot handler.
func NewSnapshotHandler(frames FrameSource) *SnapshotHandler {
	return &SnapshotHandler{frames: frames}
}

// ServeHTTP serves a single JPEG snapshot.
func (h *SnapshotHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	get, err := lookup(h.frames, r.URL.Path)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	img, _, ok := get()
	if !ok || img == nil {
		http.Error(w, "No frame available", http.StatusServiceUnavailable)
		return
	}

	data, err := EncodeJPEG(img, 90)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Write(data)
}
