package detection

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"candyline/internal/camera"
)

func testFrame() camera.Frame {
	return camera.Frame{Camera: 1, Seq: 7, Timestamp: time.Now(), Image: image.NewRGBA(image.Rect(0, 0, 64, 48))}
}

func TestParseClass(t *testing.T) {
	c, ok := ParseClass(" Abnormal ")
	assert.True(t, ok)
	assert.Equal(t, ClassAbnormal, c)

	c, ok = ParseClass("normal")
	assert.True(t, ok)
	assert.Equal(t, ClassNormal, c)

	_, ok = ParseClass("wrapper")
	assert.False(t, ok)
}

func TestBBoxCenter(t *testing.T) {
	b := BBox{X: 10, Y: 20, W: 30, H: 40}
	assert.Equal(t, Point{X: 25, Y: 40}, b.Center())
	assert.Equal(t, image.Rect(10, 20, 40, 60), b.Rect())
	assert.InDelta(t, 5.0, Point{}.Dist(Point{X: 3, Y: 4}), 1e-9)
}

func TestConvert_DropsUnknown(t *testing.T) {
	out, dropped := convert([]rawDetection{
		{BBox: []float64{1, 2, 3, 4}, Class: "abnormal", Confidence: 0.9},
		{BBox: []float64{1, 2, 3, 4}, Class: "foreign", Confidence: 0.9},
		{BBox: []float64{1, 2}, Class: "normal", Confidence: 0.9},
		{BBox: []float64{5, 6, 7, 8}, Class: "normal", Confidence: 1.4},
	})
	assert.Equal(t, 2, dropped)
	require.Len(t, out, 2)
	assert.Equal(t, ClassAbnormal, out[0].Class)
	assert.Equal(t, float32(1), out[1].Confidence)
}

func TestHTTPDetector_Detect(t *testing.T) {
	var (
		gotOptions   Options
		gotThreshold string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			w.WriteHeader(http.StatusOK)
		case "/detect":
			if !assert.NoError(t, r.ParseMultipartForm(1<<20)) {
				return
			}
			_, hdr, err := r.FormFile("file")
			if assert.NoError(t, err) {
				assert.Equal(t, "frame.jpg", hdr.Filename)
			}
			assert.NoError(t, json.Unmarshal([]byte(r.FormValue("options")), &gotOptions))
			gotThreshold = r.FormValue("conf_threshold")

			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"detections":[
				{"bbox":[100,50,20,20],"class":"normal","confidence":0.8},
				{"bbox":[300,50,20,20],"class":"abnormal","confidence":0.7},
				{"bbox":[0,0,1,1],"class":"person","confidence":0.99}
			]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	d := NewHTTPDetector(srv.URL, time.Second, zap.NewNop())
	require.NoError(t, d.Health(context.Background()))

	out, err := d.Detect(context.Background(), testFrame(), Options{ConfThreshold: 0.5, Kalman: true, Scales: []float64{1, 0.5}})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, BBox{X: 100, Y: 50, W: 20, H: 20}, out[0].BBox)
	assert.Equal(t, ClassAbnormal, out[1].Class)

	assert.True(t, gotOptions.Kalman)
	assert.Equal(t, []float64{1, 0.5}, gotOptions.Scales)
	assert.Equal(t, "0.50", gotThreshold, "multipart body is closed after every field")
}

func TestHTTPDetector_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	d := NewHTTPDetector(srv.URL, time.Second, zap.NewNop())
	_, err := d.Detect(context.Background(), testFrame(), Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.ErrorIs(t, d.Health(context.Background()), ErrUnavailable)

	_, err = d.Detect(context.Background(), camera.Frame{}, Options{})
	assert.Error(t, err)

	srv.Close()
	_, err = d.Detect(context.Background(), testFrame(), Options{})
	assert.ErrorIs(t, err, ErrUnavailable)
}

// startGRPC serves the detect method via an unknown-service handler on an
// in-memory listener.
func startGRPC(t *testing.T, handle func(req *structpb.Struct) (*structpb.Struct, error)) *GRPCDetector {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.UnknownServiceHandler(func(_ interface{}, stream grpc.ServerStream) error {
		method, _ := grpc.MethodFromServerStream(stream)
		if method != DefaultGRPCMethod {
			return errors.New("unexpected method " + method)
		}
		req := &structpb.Struct{}
		if err := stream.RecvMsg(req); err != nil {
			return err
		}
		resp, err := handle(req)
		if err != nil {
			return err
		}
		return stream.SendMsg(resp)
	}))
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)

	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	d, err := NewGRPCDetector(GRPCDetectorConfig{
		Endpoint: "passthrough:///bufnet",
		Timeout:  time.Second,
		DialOptions: []grpc.DialOption{
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
				return lis.DialContext(ctx)
			}),
		},
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func TestGRPCDetector_Detect(t *testing.T) {
	var gotReq *structpb.Struct
	d := startGRPC(t, func(req *structpb.Struct) (*structpb.Struct, error) {
		gotReq = req
		return structpb.NewStruct(map[string]interface{}{
			"detections": []interface{}{
				map[string]interface{}{"bbox": []interface{}{10.0, 10.0, 8.0, 8.0}, "class": "abnormal", "confidence": 0.9},
				map[string]interface{}{"bbox": []interface{}{1.0, 1.0, 1.0, 1.0}, "class": "unknown", "confidence": 0.9},
			},
		})
	})

	roi := image.Rect(5, 5, 25, 15)
	out, err := d.Detect(context.Background(), testFrame(), Options{ConfThreshold: 0.25, ROI: &roi})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, ClassAbnormal, out[0].Class)
	assert.Equal(t, Point{X: 14, Y: 14}, out[0].BBox.Center())

	fields := gotReq.AsMap()
	assert.Equal(t, float64(1), fields["camera"])
	assert.NotEmpty(t, fields["image_jpeg"])
	assert.Equal(t, []interface{}{5.0, 5.0, 20.0, 10.0}, fields["roi"])

	require.NoError(t, d.Health(context.Background()))
}

func TestGRPCDetector_ServerError(t *testing.T) {
	d := startGRPC(t, func(*structpb.Struct) (*structpb.Struct, error) {
		return nil, errors.New("inference failed")
	})
	_, err := d.Detect(context.Background(), testFrame(), Options{})
	assert.ErrorIs(t, err, ErrUnavailable)
}

type stubDetector struct {
	name   string
	calls  atomic.Int64
	active atomic.Int64
	peak   atomic.Int64
	closed bool
}

func (s *stubDetector) Name() string { return s.name }

func (s *stubDetector) Detect(ctx context.Context, frame camera.Frame, opts Options) ([]Detection, error) {
	n := s.active.Add(1)
	for {
		p := s.peak.Load()
		if n <= p || s.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(2 * time.Millisecond)
	s.active.Add(-1)
	s.calls.Add(1)
	return []Detection{{Class: ClassNormal}}, nil
}

func (s *stubDetector) Close() error { s.closed = true; return nil }

func TestRegistry_ActiveSwap(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Detect(context.Background(), testFrame(), Options{})
	assert.ErrorIs(t, err, ErrUnavailable)

	a, b := &stubDetector{name: "http"}, &stubDetector{name: "grpc"}
	require.NoError(t, reg.Register(a))
	require.NoError(t, reg.Register(b))
	assert.Error(t, reg.Register(&stubDetector{name: "http"}))
	assert.Error(t, reg.Register(nil))

	assert.Equal(t, "http", reg.Active())
	assert.Equal(t, []string{"grpc", "http"}, reg.Names())

	_, err = reg.Detect(context.Background(), testFrame(), Options{})
	require.NoError(t, err)
	require.NoError(t, reg.SetActive("grpc"))
	_, err = reg.Detect(context.Background(), testFrame(), Options{})
	require.NoError(t, err)

	assert.Equal(t, int64(1), a.calls.Load())
	assert.Equal(t, int64(1), b.calls.Load())
	assert.Error(t, reg.SetActive("onnx"))

	require.NoError(t, reg.Unregister("grpc"))
	assert.Equal(t, "", reg.Active())

	require.NoError(t, reg.Close())
	assert.True(t, a.closed)
	assert.Empty(t, reg.Names())
}

func TestSerialized_OneAtATime(t *testing.T) {
	inner := &stubDetector{name: "shared"}
	s := NewSerialized(inner)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Detect(context.Background(), testFrame(), Options{})
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(8), inner.calls.Load())
	assert.Equal(t, int64(1), inner.peak.Load())
	assert.Equal(t, "shared", s.Name())
}
