package detection

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image/jpeg"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"

	"candyline/internal/camera"
)

// DefaultGRPCMethod is the full method name of the unary detect call.
const DefaultGRPCMethod = "/candyline.detection.v1.DetectionService/Detect"

// GRPCDetector calls a unary detection RPC. Request and response are
// google.protobuf.Struct messages so the service contract stays schemaless:
//
//	request:  {camera, seq, image_jpeg (base64), conf_threshold, kalman, scales, roi}
//	response: {detections: [{bbox: [x, y, w, h], class, confidence}]}
type GRPCDetector struct {
	endpoint string
	method   string
	timeout  time.Duration
	conn     *grpc.ClientConn
	logger   *zap.Logger
}

// GRPCDetectorConfig holds configuration for the gRPC detector.
type GRPCDetectorConfig struct {
	Endpoint string
	Method   string
	Timeout  time.Duration
	// DialOptions are appended to the defaults; tests use them to inject a
	// bufconn dialer.
	DialOptions []grpc.DialOption
}

// NewGRPCDetector creates the client connection. The connection is lazy, so
// an unreachable service surfaces on the first Detect call.
func NewGRPCDetector(cfg GRPCDetectorConfig, logger *zap.Logger) (*GRPCDetector, error) {
	if cfg.Method == "" {
		cfg.Method = DefaultGRPCMethod
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}

	kacp := keepalive.ClientParameters{
		Time:                10 * time.Second,
		Timeout:             5 * time.Second,
		PermitWithoutStream: true,
	}
	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	}, cfg.DialOptions...)

	conn, err := grpc.NewClient(cfg.Endpoint, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create detection client: %w", err)
	}

	logger = logger.Named("detector.grpc")
	logger.Info("Detection client created", zap.String("endpoint", cfg.Endpoint), zap.String("method", cfg.Method))

	return &GRPCDetector{
		endpoint: cfg.Endpoint,
		method:   cfg.Method,
		timeout:  cfg.Timeout,
		conn:     conn,
		logger:   logger,
	}, nil
}

func (d *GRPCDetector) Name() string { return "grpc" }

// Health uses the standard gRPC health service.
func (d *GRPCDetector) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	resp, err := healthpb.NewHealthClient(d.conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("%w: status %s", ErrUnavailable, resp.GetStatus())
	}
	return nil
}

// Detect encodes the frame and performs the unary call.
func (d *GRPCDetector) Detect(ctx context.Context, frame camera.Frame, opts Options) ([]Detection, error) {
	if frame.Image == nil {
		return nil, fmt.Errorf("frame %d has no image", frame.Seq)
	}

	req, err := buildRequest(frame, opts)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	resp := &structpb.Struct{}
	if err := d.conn.Invoke(ctx, d.method, req, resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return d.convertResponse(frame.Camera, resp)
}

func buildRequest(frame camera.Frame, opts Options) (*structpb.Struct, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, frame.Image, &jpeg.Options{Quality: 90}); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}

	fields := map[string]interface{}{
		"camera":         frame.Camera,
		"seq":            float64(frame.Seq),
		"image_jpeg":     base64.StdEncoding.EncodeToString(buf.Bytes()),
		"conf_threshold": float64(opts.ConfThreshold),
		"kalman":         opts.Kalman,
	}
	if len(opts.Scales) > 0 {
		scales := make([]interface{}, len(opts.Scales))
		for i, s := range opts.Scales {
			scales[i] = s
		}
		fields["scales"] = scales
	}
	if opts.ROI != nil {
		r := opts.ROI
		fields["roi"] = []interface{}{r.Min.X, r.Min.Y, r.Dx(), r.Dy()}
	}

	req, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	return req, nil
}

func (d *GRPCDetector) convertResponse(cam int, resp *structpb.Struct) ([]Detection, error) {
	raw, err := json.Marshal(resp.AsMap())
	if err != nil {
		return nil, fmt.Errorf("decode detections: %w", err)
	}
	var body struct {
		Detections []rawDetection `json:"detections"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("decode detections: %w", err)
	}

	detections, dropped := convert(body.Detections)
	if dropped > 0 {
		d.logger.Debug("Dropped unrecognised detections", zap.Int("camera", cam), zap.Int("dropped", dropped))
	}
	return detections, nil
}

// Close tears down the client connection.
func (d *GRPCDetector) Close() error {
	if d.conn != nil {
		return d.conn.Close()
	}
	return nil
}

var _ Detector = (*GRPCDetector)(nil)
