package detection

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image/jpeg"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"time"

	"go.uber.org/zap"

	"candyline/internal/camera"
)

// HTTPDetector posts JPEG frames to a detection service.
//
//	POST {endpoint}/detect   multipart: file=frame.jpg, options=<json>
//	GET  {endpoint}/health
type HTTPDetector struct {
	endpoint string
	client   *http.Client
	quality  int
	logger   *zap.Logger
}

// httpDetectResponse is the detection service response body.
type httpDetectResponse struct {
	Detections      []rawDetection `json:"detections"`
	InferenceTimeMs float32        `json:"inference_time_ms"`
}

// NewHTTPDetector creates a detector for the service at endpoint.
func NewHTTPDetector(endpoint string, timeout time.Duration, logger *zap.Logger) *HTTPDetector {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &HTTPDetector{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		quality:  90,
		logger:   logger.Named("detector.http"),
	}
}

func (d *HTTPDetector) Name() string { return "http" }

// Health checks the /health endpoint.
func (d *HTTPDetector) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.endpoint+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: health returned status %d", ErrUnavailable, resp.StatusCode)
	}
	return nil
}

// Detect uploads the frame and decodes the detections.
func (d *HTTPDetector) Detect(ctx context.Context, frame camera.Frame, opts Options) ([]Detection, error) {
	if frame.Image == nil {
		return nil, fmt.Errorf("frame %d has no image", frame.Seq)
	}

	var b bytes.Buffer
	w := multipart.NewWriter(&b)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="frame.jpg"`)
	h.Set("Content-Type", "image/jpeg")
	fw, err := w.CreatePart(h)
	if err != nil {
		return nil, err
	}
	if err := jpeg.Encode(fw, frame.Image, &jpeg.Options{Quality: d.quality}); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}

	optJSON, err := json.Marshal(opts)
	if err != nil {
		return nil, err
	}
	if err := w.WriteField("options", string(optJSON)); err != nil {
		return nil, fmt.Errorf("failed to write options field: %w", err)
	}
	if err := w.WriteField("conf_threshold", fmt.Sprintf("%.2f", opts.ConfThreshold)); err != nil {
		return nil, fmt.Errorf("failed to write conf_threshold field: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint+"/detect", &b)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("detection failed: status %d: %s", resp.StatusCode, string(body))
	}

	var result httpDetectResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode detections: %w", err)
	}

	detections, dropped := convert(result.Detections)
	if dropped > 0 {
		d.logger.Debug("Dropped unrecognised detections",
			zap.Int("camera", frame.Camera),
			zap.Int("dropped", dropped))
	}
	return detections, nil
}

// Close is a no-op; the HTTP client holds no dedicated resources.
func (d *HTTPDetector) Close() error {
	return nil
}

var _ Detector = (*HTTPDetector)(nil)
