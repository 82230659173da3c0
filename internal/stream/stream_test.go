package stream

import (
	"bufio"
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func solid(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	return img
}

func TestAnnotate_DrawsOnCopy(t *testing.T) {
	black := color.RGBA{0, 0, 0, 255}
	src := solid(200, 100, black)

	out := Annotate(src, Overlay{
		LineX1: 90,
		LineX2: 110,
		Boxes: []Box{
			{Rect: image.Rect(20, 40, 60, 80), Label: "#1 abnormal", Abnormal: true},
			{Rect: image.Rect(130, 40, 170, 80), Label: "#2 normal"},
		},
		Header:      []string{"total 2"},
		RelayPaused: true,
	})

	assert.Equal(t, black, src.RGBAAt(90, 50), "source untouched")
	assert.Equal(t, colorLine, out.RGBAAt(90, 50))
	assert.Equal(t, colorLine, out.RGBAAt(110, 99))
	assert.Equal(t, colorAbnormal, out.RGBAAt(20, 60))
	assert.Equal(t, colorNormal, out.RGBAAt(169, 60))
	assert.Equal(t, black, out.RGBAAt(40, 60), "box interior untouched")
}

func TestAnnotate_ClipsOutOfBounds(t *testing.T) {
	src := solid(50, 50, color.RGBA{0, 0, 0, 255})
	assert.NotPanics(t, func() {
		Annotate(src, Overlay{
			LineX1: -5, LineX2: 500,
			Boxes: []Box{{Rect: image.Rect(-20, -20, 80, 80), Label: "#9 normal"}},
		})
	})
}

func TestCompose(t *testing.T) {
	assert.Nil(t, Compose(nil, 480, 1920))
	assert.Nil(t, Compose([]*image.RGBA{nil}, 480, 1920))

	red := solid(640, 480, color.RGBA{255, 0, 0, 255})
	blue := solid(320, 120, color.RGBA{0, 0, 255, 255})

	out := Compose([]*image.RGBA{red, blue}, 240, 0)
	require.NotNil(t, out)
	assert.Equal(t, 240, out.Bounds().Dy())
	assert.Equal(t, 320+640, out.Bounds().Dx())
	assert.Equal(t, color.RGBA{255, 0, 0, 255}, out.RGBAAt(100, 100))
	assert.Equal(t, color.RGBA{0, 0, 255, 255}, out.RGBAAt(700, 100))

	out = Compose([]*image.RGBA{red, blue}, 240, 480)
	assert.Equal(t, 480, out.Bounds().Dx())
	assert.Equal(t, 120, out.Bounds().Dy())

	single := Compose([]*image.RGBA{red}, 240, 0)
	assert.Equal(t, red.Bounds(), single.Bounds(), "a single camera is not resized")
}

type fakeFrames struct {
	mu  sync.Mutex
	img *image.RGBA
	seq uint64
}

func (f *fakeFrames) Processed(camera int) (*image.RGBA, uint64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if camera != 0 || f.img == nil {
		return nil, 0, false
	}
	return f.img, f.seq, true
}

func (f *fakeFrames) Composite() (*image.RGBA, uint64, bool) {
	return f.Processed(0)
}

func TestSnapshotHandler(t *testing.T) {
	frames := &fakeFrames{img: solid(32, 16, color.RGBA{10, 20, 30, 255}), seq: 1}
	h := NewSnapshotHandler(frames)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/video/snapshot/0", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/jpeg", rec.Header().Get("Content-Type"))
	img, err := jpeg.Decode(bytes.NewReader(rec.Body.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, 32, img.Bounds().Dx())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/video/snapshot/3", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/video/snapshot/left", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/video/snapshot/composite", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMJPEGHandler_StreamsNewFrames(t *testing.T) {
	frames := &fakeFrames{img: solid(16, 16, color.RGBA{0, 0, 0, 255}), seq: 1}
	srv := httptest.NewServer(NewMJPEGHandler(frames, 5*time.Millisecond, zap.NewNop()))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/video/stream/0", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.True(t, strings.HasPrefix(resp.Header.Get("Content-Type"), "multipart/x-mixed-replace"))

	go func() {
		time.Sleep(30 * time.Millisecond)
		frames.mu.Lock()
		frames.seq = 2
		frames.mu.Unlock()
	}()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 1<<16), 1<<20)
	parts := 0
	for parts < 2 && scanner.Scan() {
		if scanner.Text() == "--frame" {
			parts++
		}
	}
	assert.Equal(t, 2, parts, "one part per distinct frame")
}
