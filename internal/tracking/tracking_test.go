package tracking

import (
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"candyline/internal/detection"
)

const (
	frameW = 1280
	frameH = 720
)

// det builds a 20x20 detection centred on (x, y).
func det(x, y float64, class detection.Class) detection.Detection {
	return detection.Detection{
		BBox:       detection.BBox{X: x - 10, Y: y - 10, W: 20, H: 20},
		Class:      class,
		Confidence: 0.9,
	}
}

type harness struct {
	set     *TrackSet
	memory  *Memory
	tracker *Tracker
	counter *Counter
	frame   int64
}

func newHarness() *harness {
	mem := NewMemory(60, 45, 8)
	return &harness{
		set:     NewTrackSet(),
		memory:  mem,
		tracker: NewTracker(80, mem),
		counter: NewCounter(CounterConfig{Line: Line{X1: 480, X2: 520}, MaxMissedFrames: 10, OutOfFrameGrace: 1}, mem),
	}
}

func (h *harness) step(paused bool, dets ...detection.Detection) Result {
	h.frame++
	h.tracker.Update(h.set, dets, h.frame)
	return h.counter.Evaluate(h.set, frameW, frameH, h.frame, paused)
}

func TestLine_CrossingExample(t *testing.T) {
	l := Line{X1: 480, X2: 520}
	assert.Equal(t, 500.0, l.Mid())
	assert.True(t, l.Crossed(490, 510))
	assert.False(t, l.Crossed(490, 495))
	assert.True(t, l.Crossed(510, 490), "either direction")
	assert.True(t, l.Crossed(499, 500), "mid belongs to the right side")
	assert.False(t, l.Crossed(500, 501))
}

func TestCounter_CountsCrossingOnce(t *testing.T) {
	h := newHarness()

	res := h.step(false, det(490, 300, detection.ClassNormal))
	assert.Empty(t, res.Counted)

	res = h.step(false, det(510, 300, detection.ClassNormal))
	require.Len(t, res.Counted, 1)
	assert.True(t, res.Counted[0].Counted)

	// jitter back and forth over the mid
	for _, x := range []float64{498, 502, 499, 505, 530} {
		res = h.step(false, det(x, 300, detection.ClassNormal))
		assert.Empty(t, res.Counted, "x=%v", x)
	}
	assert.Equal(t, Totals{Total: 1, Normal: 1}, h.counter.Totals())
}

func TestCounter_NoCrossingOnSameSide(t *testing.T) {
	h := newHarness()
	h.step(false, det(490, 300, detection.ClassNormal))
	res := h.step(false, det(495, 300, detection.ClassNormal))
	assert.Empty(t, res.Counted)
	assert.Equal(t, Totals{}, h.counter.Totals())
}

func TestTracker_StickyAbnormal(t *testing.T) {
	h := newHarness()
	h.step(false, det(100, 300, detection.ClassNormal))
	h.step(false, det(110, 300, detection.ClassAbnormal))

	for i := 0; i < 20; i++ {
		h.step(false, det(120+float64(i)*5, 300, detection.ClassNormal))
		tr, ok := h.set.Get(1)
		require.True(t, ok)
		assert.True(t, tr.SeenAbnormal)
		assert.Equal(t, detection.ClassAbnormal, tr.LastClass)
	}
}

func TestCounter_AbnormalCrossingEjectsOnce(t *testing.T) {
	h := newHarness()
	h.step(false, det(480, 300, detection.ClassAbnormal))
	res := h.step(false, det(505, 300, detection.ClassNormal))

	require.Len(t, res.Ejections, 1)
	assert.Equal(t, uint64(1), res.Ejections[0].ID)
	assert.True(t, res.Ejections[0].Triggered)

	res = h.step(false, det(490, 300, detection.ClassNormal))
	res2 := h.step(false, det(510, 300, detection.ClassAbnormal))
	assert.Empty(t, res.Ejections)
	assert.Empty(t, res2.Ejections)
	assert.Equal(t, Totals{Total: 1, Abnormal: 1}, h.counter.Totals())
}

func TestCounter_PausedStillCounts(t *testing.T) {
	h := newHarness()
	h.step(true, det(480, 300, detection.ClassAbnormal))
	res := h.step(true, det(520, 300, detection.ClassAbnormal))

	assert.Len(t, res.Counted, 1)
	assert.Empty(t, res.Ejections)
	assert.Equal(t, Totals{Total: 1, Abnormal: 1}, h.counter.Totals())

	tr, _ := h.set.Get(1)
	assert.False(t, tr.Triggered)

	// unpausing later does not fire for an already counted item
	res = h.step(false, det(540, 300, detection.ClassAbnormal))
	assert.Empty(t, res.Ejections)
}

func TestCounter_EvictionAfterMaxMissed(t *testing.T) {
	h := newHarness()
	h.step(false, det(200, 300, detection.ClassNormal))

	for i := 0; i < 10; i++ {
		res := h.step(false)
		assert.Empty(t, res.Evicted, "miss %d", i+1)
	}
	tr, ok := h.set.Get(1)
	require.True(t, ok)
	assert.Equal(t, 10, tr.MissedFrames)

	res := h.step(false)
	require.Len(t, res.Evicted, 1)
	assert.Equal(t, 11, res.Evicted[0].MissedFrames)
	assert.Equal(t, 0, h.set.Len())
}

func TestCounter_EvictsOutOfFrame(t *testing.T) {
	h := newHarness()
	h.step(false, det(1270, 300, detection.ClassNormal))
	h.step(false, det(1285, 300, detection.ClassNormal))
	assert.Equal(t, 1, h.set.Len(), "matched this frame, not yet missed")

	res := h.step(false)
	require.Len(t, res.Evicted, 1)
}

func TestMemory_ReclassifiesNearbyTrack(t *testing.T) {
	set := NewTrackSet()
	mem := NewMemory(60, 45, 8)
	tracker := NewTracker(80, mem)
	counter := NewCounter(CounterConfig{Line: Line{X1: 480, X2: 520}, MaxMissedFrames: 0}, mem)

	tracker.Update(set, []detection.Detection{det(300, 200, detection.ClassAbnormal)}, 99)
	counter.Evaluate(set, frameW, frameH, 99, false)

	tracker.Update(set, nil, 100)
	res := counter.Evaluate(set, frameW, frameH, 100, false)
	require.Len(t, res.Evicted, 1)
	assert.Equal(t, 1, mem.Len(100))

	created := tracker.Update(set, []detection.Detection{det(340, 210, detection.ClassNormal)}, 130)
	require.Len(t, created, 1)
	assert.True(t, created[0].SeenAbnormal)
	assert.Equal(t, detection.ClassAbnormal, created[0].LastClass)
	assert.Equal(t, uint64(2), created[0].ID, "ids are never reused")

	// the memory entry was consumed
	created = tracker.Update(set, []detection.Detection{det(900, 600, detection.ClassNormal), det(345, 215, detection.ClassNormal)}, 131)
	for _, tr := range created {
		assert.False(t, tr.SeenAbnormal)
	}
}

func TestMemory_Window(t *testing.T) {
	mem := NewMemory(60, 45, 2)
	mem.Push(detection.Point{X: 300, Y: 200}, 100)

	assert.False(t, mem.Match(detection.Point{X: 340, Y: 210}, 146), "outside window")
	assert.False(t, mem.Match(detection.Point{X: 400, Y: 200}, 110), "outside radius")
	assert.True(t, mem.Match(detection.Point{X: 340, Y: 210}, 145))

	mem.Push(detection.Point{X: 10, Y: 10}, 1)
	mem.Push(detection.Point{X: 600, Y: 10}, 2)
	mem.Push(detection.Point{X: 1200, Y: 10}, 3)
	assert.False(t, mem.Match(detection.Point{X: 10, Y: 10}, 4), "overwritten when full")
	assert.True(t, mem.Match(detection.Point{X: 1200, Y: 10}, 4))
	assert.Equal(t, 1, mem.Len(4))

	mem.Reset()
	assert.Equal(t, 0, mem.Len(4))
}

func TestTracker_OlderTrackWinsTie(t *testing.T) {
	set := NewTrackSet()
	tracker := NewTracker(80, nil)

	tracker.Update(set, []detection.Detection{det(100, 100, detection.ClassNormal), det(140, 100, detection.ClassNormal)}, 1)
	// one detection equidistant from both tracks
	tracker.Update(set, []detection.Detection{det(120, 100, detection.ClassAbnormal)}, 2)

	t1, _ := set.Get(1)
	t2, _ := set.Get(2)
	assert.Equal(t, 0, t1.MissedFrames)
	assert.True(t, t1.SeenAbnormal)
	assert.Equal(t, 1, t2.MissedFrames)
	assert.False(t, t2.SeenAbnormal)
}

func TestTracker_UpdateFields(t *testing.T) {
	set := NewTrackSet()
	tracker := NewTracker(80, nil)
	tracker.Update(set, []detection.Detection{det(100, 100, detection.ClassNormal)}, 1)
	tracker.Update(set, []detection.Detection{det(130, 105, detection.ClassNormal)}, 2)

	want := []Track{{
		ID:         1,
		Center:     detection.Point{X: 130, Y: 105},
		PrevCenter: detection.Point{X: 100, Y: 100},
		BBox:       detection.BBox{X: 120, Y: 95, W: 20, H: 20},
		Score:      0.9,
		Age:        2,
		LastClass:  detection.ClassNormal,
		FirstFrame: 1,
	}}
	if diff := cmp.Diff(want, set.Snapshot()); diff != "" {
		t.Errorf("tracks mismatch (-want +got):\n%s", diff)
	}
}

// Items move left to right with noisy detections and occasional dropouts.
// Every item that crosses must be counted exactly once.
func TestCounter_ExactlyOnceRandomised(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	h := newHarness()

	type item struct {
		x, y     float64
		abnormal bool
	}
	items := []item{
		{x: 100, y: 100, abnormal: false},
		{x: 60, y: 300, abnormal: true},
		{x: 20, y: 500, abnormal: false},
	}

	for f := 0; f < 200; f++ {
		var dets []detection.Detection
		for i := range items {
			items[i].x += 8
			if items[i].x >= frameW {
				continue
			}
			if rng.Intn(10) == 0 {
				continue // dropout
			}
			class := detection.ClassNormal
			// the abnormal item is only recognised some of the time
			if items[i].abnormal && rng.Intn(3) == 0 {
				class = detection.ClassAbnormal
			}
			jitter := rng.Float64()*4 - 2
			dets = append(dets, det(items[i].x+jitter, items[i].y, class))
		}
		h.step(false, dets...)
	}

	got := h.counter.Totals()
	assert.Equal(t, 3, got.Total)
	assert.Equal(t, got.Total, got.Normal+got.Abnormal)
	assert.Equal(t, 0, h.set.Len(), "all items left the frame")
}

func TestTrackSet_Clear(t *testing.T) {
	set := NewTrackSet()
	tracker := NewTracker(80, nil)
	tracker.Update(set, []detection.Detection{det(1, 1, detection.ClassNormal)}, 1)
	set.Clear()
	created := tracker.Update(set, []detection.Detection{det(1, 1, detection.ClassNormal)}, 2)
	require.Len(t, created, 1)
	assert.Equal(t, uint64(2), created[0].ID)

	opt := cmpopts.IgnoreFields(Track{}, "ID", "FirstFrame")
	assert.True(t, cmp.Equal(*created[0], Track{
		Center: detection.Point{X: 1, Y: 1}, PrevCenter: detection.Point{X: 1, Y: 1},
		BBox: detection.BBox{X: -9, Y: -9, W: 20, H: 20}, Score: 0.9, Age: 1, LastClass: detection.ClassNormal,
	}, opt))
}
