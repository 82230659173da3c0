package ws

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"candyline/internal/detection"
	"candyline/internal/pipeline"
	"candyline/internal/relay"
	"candyline/internal/tracking"
)

type fakeSource struct{}

func (fakeSource) Stats() []pipeline.CameraStats {
	return []pipeline.CameraStats{{
		Index:  0,
		Name:   "left",
		State:  pipeline.StateReading,
		Totals: tracking.Totals{Total: 4, Normal: 3, Abnormal: 1},
	}}
}

func (fakeSource) Composite() (*image.RGBA, uint64, bool) {
	return image.NewRGBA(image.Rect(0, 0, 8, 4)), 1, true
}

func dial(t *testing.T, srv *httptest.Server, hub *Hub, topic string) *websocket.Conn {
	t.Helper()
	before := hub.ClientCount()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/" + topic
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.Eventually(t, func() bool { return hub.ClientCount() == before+1 }, time.Second, 5*time.Millisecond)
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, v))
}

func TestHandler_RejectsUnknownTopic(t *testing.T) {
	h := NewHandler(NewHub(zap.NewNop()))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws/detections/0", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBroadcaster(t *testing.T) {
	hub := NewHub(zap.NewNop())
	defer hub.Close()
	srv := httptest.NewServer(NewHandler(hub))
	defer srv.Close()

	statsConn := dial(t, srv, hub, TopicStats)
	eventsConn := dial(t, srv, hub, TopicEvents)
	framesConn := dial(t, srv, hub, TopicFrames)

	b := NewBroadcaster(hub, fakeSource{}, func() relay.Stats { return relay.Stats{Dispatched: 2} }, BroadcasterConfig{
		StatsInterval: 10 * time.Millisecond,
		FrameInterval: 10 * time.Millisecond,
	})

	events := make(chan *pipeline.CountEvent, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx, events)

	events <- &pipeline.CountEvent{ID: "e1", Camera: 0, TrackID: 3, Class: detection.ClassAbnormal, Triggered: true}

	var count CountMessage
	readJSON(t, eventsConn, &count)
	assert.Equal(t, "count", count.Type)
	require.NotNil(t, count.Event)
	assert.Equal(t, "e1", count.Event.ID)
	assert.True(t, count.Event.Abnormal())

	var stats StatsMessage
	readJSON(t, statsConn, &stats)
	assert.Equal(t, "stats", stats.Type)
	require.Len(t, stats.Cameras, 1)
	assert.Equal(t, 4, stats.Cameras[0].Totals.Total)
	assert.Equal(t, pipeline.StateReading, stats.Cameras[0].State)
	require.NotNil(t, stats.Relay)
	assert.Equal(t, uint64(2), stats.Relay.Dispatched)

	var frame FrameMessage
	readJSON(t, framesConn, &frame)
	assert.Equal(t, 8, frame.FrameWidth)
	jpg, err := base64.StdEncoding.DecodeString(frame.Frame)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFF, 0xD8}, jpg[:2])

	// same sequence, so no second frame
	framesConn.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	_, _, err = framesConn.ReadMessage()
	assert.Error(t, err)
}

func TestHub_UnregisterOnDisconnect(t *testing.T) {
	hub := NewHub(zap.NewNop())
	srv := httptest.NewServer(NewHandler(hub))
	defer srv.Close()

	conn := dial(t, srv, hub, TopicStats)
	assert.True(t, hub.HasClients(TopicStats))
	assert.False(t, hub.HasClients(TopicEvents))

	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, time.Second, 5*time.Millisecond)
}
