// Package config loads the line configuration from YAML with environment
// overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config holds the whole application configuration.
type Config struct {
	Log          LogConfig          `yaml:"log"`
	HTTP         HTTPConfig         `yaml:"http"`
	Detector     DetectorConfig     `yaml:"detector"`
	Tracking     TrackingConfig     `yaml:"tracking"`
	Relay        RelayConfig        `yaml:"relay"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Storage      StorageConfig      `yaml:"storage"`
	Redis        RedisConfig        `yaml:"redis"`
	MQTT         MQTTConfig         `yaml:"mqtt"`
	Recorder     RecorderConfig     `yaml:"recorder"`
	Cameras      []CameraConfig     `yaml:"cameras"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
	// StatsInterval is how often stats are pushed to websocket clients.
	StatsInterval time.Duration `yaml:"stats_interval"`
	// FrameInterval is how often the composite frame is pushed; 0 disables it.
	FrameInterval time.Duration `yaml:"frame_interval"`
}

// DetectorConfig selects the external detection backend.
type DetectorConfig struct {
	Kind     string        `yaml:"kind"` // "http" or "grpc"
	Endpoint string        `yaml:"endpoint"`
	Method   string        `yaml:"method"` // gRPC full method name
	Timeout  time.Duration `yaml:"timeout"`
	// Shared uses one detector instance for every camera, serialised by a mutex.
	Shared        bool    `yaml:"shared"`
	ConfThreshold float32 `yaml:"conf_threshold"`
}

// TrackingConfig tunes the tracker and the line counter.
type TrackingConfig struct {
	DistanceThresholdPx float64      `yaml:"distance_threshold_px"`
	MaxMissedFrames     int          `yaml:"max_missed_frames"`
	OutOfFrameGrace     int          `yaml:"out_of_frame_grace"`
	Memory              MemoryConfig `yaml:"memory"`
}

// MemoryConfig tunes the recent-abnormal memory used to re-classify
// re-acquired objects.
type MemoryConfig struct {
	RadiusPx     float64 `yaml:"radius_px"`
	WindowFrames int64   `yaml:"window_frames"`
	Capacity     int     `yaml:"capacity"`
}

type RelayConfig struct {
	Timeout     time.Duration `yaml:"timeout"`
	MaxInFlight int64         `yaml:"max_in_flight"`
}

type OrchestratorConfig struct {
	ReadFailLogEvery   int           `yaml:"read_fail_log_every"`
	ReconnectThreshold int           `yaml:"reconnect_threshold"`
	ReopenBackoff      time.Duration `yaml:"reopen_backoff"`
	ReadRetryDelay     time.Duration `yaml:"read_retry_delay"`
	DisplayHeight      int           `yaml:"display_height"`
	MaxOutputWidth     int           `yaml:"max_output_width"`
}

type StorageConfig struct {
	Path string `yaml:"path"`
	// Retention prunes count events older than this; 0 keeps everything.
	Retention time.Duration `yaml:"retention"`
}

type RedisConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	KeyPrefix string        `yaml:"key_prefix"`
	TTL       time.Duration `yaml:"ttl"`
	Interval  time.Duration `yaml:"interval"`
}

type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Topic    string `yaml:"topic"`
	QoS      byte   `yaml:"qos"`
}

type RecorderConfig struct {
	Enabled     bool    `yaml:"enabled"`
	CameraIndex int     `yaml:"camera_index"`
	OutputPath  string  `yaml:"output_path"`
	FPS         float64 `yaml:"fps"`
	Codec       string  `yaml:"codec"`

	// HandleWait bounds how long the recorder waits for the camera loop to
	// publish its handle before opening the device itself.
	HandleWait time.Duration `yaml:"handle_wait"`
}

// CameraConfig is one inspection station.
type CameraConfig struct {
	Name        string `yaml:"name"`
	CameraIndex int    `yaml:"camera_index"`
	// Source overrides the device index with a file path or stream URL.
	Source      string  `yaml:"source"`
	FrameWidth  int     `yaml:"frame_width"`
	FrameHeight int     `yaml:"frame_height"`
	Exposure    float64 `yaml:"exposure"`
	Focus       float64 `yaml:"focus"`
	FocusMin    float64 `yaml:"focus_min"`
	FocusMax    float64 `yaml:"focus_max"`

	RelayURL        string `yaml:"relay_url"`
	RelayDelayMs    int    `yaml:"relay_delay_ms"`
	RelayDurationMs int    `yaml:"relay_duration_ms"`
	RelayPaused     bool   `yaml:"relay_paused"`

	DetectionLineX1 int `yaml:"detection_line_x1"`
	DetectionLineX2 int `yaml:"detection_line_x2"`

	// Detection-stage toggles, passed through untouched.
	ROI    *ROIConfig `yaml:"roi"`
	Kalman bool       `yaml:"kalman"`
	Scales []float64  `yaml:"scales"`
}

type ROIConfig struct {
	X int `yaml:"x"`
	Y int `yaml:"y"`
	W int `yaml:"w"`
	H int `yaml:"h"`
}

// CameraError reports a camera section that failed validation. Only that
// camera is dropped.
type CameraError struct {
	Index int
	Name  string
	Err   error
}

func (e *CameraError) Error() string {
	return fmt.Sprintf("camera %d (%s): %v", e.Index, e.Name, e.Err)
}

func (e *CameraError) Unwrap() error { return e.Err }

// Default returns a configuration with every tunable set.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Format: "json"},
		HTTP: HTTPConfig{
			Addr:          ":8080",
			StatsInterval: time.Second,
		},
		Detector: DetectorConfig{
			Kind:          "http",
			Endpoint:      "http://localhost:8000",
			Method:        "/candyline.detection.v1.DetectionService/Detect",
			Timeout:       2 * time.Second,
			Shared:        true,
			ConfThreshold: 0.5,
		},
		Tracking: TrackingConfig{
			DistanceThresholdPx: 80,
			MaxMissedFrames:     10,
			OutOfFrameGrace:     1,
			Memory: MemoryConfig{
				RadiusPx:     60,
				WindowFrames: 45,
				Capacity:     32,
			},
		},
		Relay: RelayConfig{
			Timeout:     2 * time.Second,
			MaxInFlight: 64,
		},
		Orchestrator: OrchestratorConfig{
			ReadFailLogEvery:   30,
			ReconnectThreshold: 300,
			ReopenBackoff:      2 * time.Second,
			ReadRetryDelay:     10 * time.Millisecond,
			DisplayHeight:      480,
			MaxOutputWidth:     1920,
		},
		Storage: StorageConfig{Path: "candyline.db", Retention: 30 * 24 * time.Hour},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			KeyPrefix: "candyline:",
			TTL:       30 * time.Second,
			Interval:  time.Second,
		},
		MQTT: MQTTConfig{
			ClientID: "candyline",
			Topic:    "candyline/rejects",
			QoS:      1,
		},
		Recorder: RecorderConfig{
			OutputPath: "recording.avi",
			FPS:        15,
			Codec:      "MJPG",
			HandleWait: 10 * time.Second,
		},
	}
}

// Load reads the YAML file at path (if non-empty), then applies environment
// overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	cfg.applyCameraDefaults()

	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Log.Level = getEnvOrDefault("CANDYLINE_LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnvOrDefault("CANDYLINE_LOG_FORMAT", c.Log.Format)
	c.HTTP.Addr = getEnvOrDefault("CANDYLINE_HTTP_ADDR", c.HTTP.Addr)
	c.Detector.Endpoint = getEnvOrDefault("CANDYLINE_DETECTOR_ENDPOINT", c.Detector.Endpoint)
	c.Storage.Path = getEnvOrDefault("CANDYLINE_DB_PATH", c.Storage.Path)
	if addr := os.Getenv("CANDYLINE_REDIS_ADDR"); addr != "" {
		c.Redis.Addr = addr
		c.Redis.Enabled = true
	}
	if broker := os.Getenv("CANDYLINE_MQTT_BROKER"); broker != "" {
		c.MQTT.Broker = broker
		c.MQTT.Enabled = true
	}
	c.Relay.MaxInFlight = int64(getEnvAsIntOrDefault("CANDYLINE_RELAY_MAX_IN_FLIGHT", int(c.Relay.MaxInFlight)))
}

func (c *Config) applyCameraDefaults() {
	for i := range c.Cameras {
		cam := &c.Cameras[i]
		if cam.FrameWidth == 0 {
			cam.FrameWidth = 1280
		}
		if cam.FrameHeight == 0 {
			cam.FrameHeight = 720
		}
		if cam.Name == "" {
			cam.Name = fmt.Sprintf("camera-%d", cam.CameraIndex)
		}
		if cam.FocusMax == 0 && cam.FocusMin == 0 {
			cam.FocusMax = 255
		}
	}
}

// Validate checks the global sections and every camera. A non-nil error means
// the process cannot start; camera errors only disable the affected camera.
func (c *Config) Validate() (cameras []CameraConfig, cameraErrs []*CameraError, err error) {
	if c.Detector.Kind != "http" && c.Detector.Kind != "grpc" {
		return nil, nil, fmt.Errorf("%w: detector.kind must be http or grpc, got %q", ErrInvalid, c.Detector.Kind)
	}
	if c.Detector.Endpoint == "" {
		return nil, nil, fmt.Errorf("%w: detector.endpoint is required", ErrInvalid)
	}
	if c.Tracking.DistanceThresholdPx <= 0 {
		return nil, nil, fmt.Errorf("%w: tracking.distance_threshold_px must be positive", ErrInvalid)
	}
	if c.Tracking.MaxMissedFrames < 0 {
		return nil, nil, fmt.Errorf("%w: tracking.max_missed_frames must not be negative", ErrInvalid)
	}
	if c.Relay.MaxInFlight <= 0 {
		return nil, nil, fmt.Errorf("%w: relay.max_in_flight must be positive", ErrInvalid)
	}

	seen := make(map[int]bool)
	for _, cam := range c.Cameras {
		if camErr := cam.validate(); camErr != nil {
			cameraErrs = append(cameraErrs, &CameraError{Index: cam.CameraIndex, Name: cam.Name, Err: camErr})
			continue
		}
		if seen[cam.CameraIndex] {
			cameraErrs = append(cameraErrs, &CameraError{
				Index: cam.CameraIndex,
				Name:  cam.Name,
				Err:   fmt.Errorf("%w: duplicate camera_index", ErrInvalid),
			})
			continue
		}
		seen[cam.CameraIndex] = true
		cameras = append(cameras, cam)
	}

	return cameras, cameraErrs, nil
}

func (cam CameraConfig) validate() error {
	if cam.CameraIndex < 0 {
		return fmt.Errorf("%w: camera_index must not be negative", ErrInvalid)
	}
	if cam.FrameWidth <= 0 || cam.FrameHeight <= 0 {
		return fmt.Errorf("%w: frame size must be positive", ErrInvalid)
	}
	if cam.DetectionLineX1 > cam.DetectionLineX2 {
		return fmt.Errorf("%w: detection_line_x1 > detection_line_x2", ErrInvalid)
	}
	if cam.DetectionLineX2 > cam.FrameWidth {
		return fmt.Errorf("%w: detection line outside frame width", ErrInvalid)
	}
	if cam.RelayDelayMs < 0 || cam.RelayDurationMs < 0 {
		return fmt.Errorf("%w: relay timings must not be negative", ErrInvalid)
	}
	if cam.FocusMin > cam.FocusMax {
		return fmt.Errorf("%w: focus_min > focus_max", ErrInvalid)
	}
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
