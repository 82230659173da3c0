package tracking

// Line is the vertical detection line, given as the two x coordinates of
// the band drawn on screen.
type Line struct {
	X1, X2 int
}

// Mid returns the x coordinate used for crossing decisions.
func (l Line) Mid() float64 {
	return float64(l.X1+l.X2) / 2
}

// Crossed reports whether moving from prevX to x changes side. A point
// exactly on the mid belongs to the right side, so jitter around the mid
// cannot produce two crossings in the same direction.
func (l Line) Crossed(prevX, x float64) bool {
	mid := l.Mid()
	return (prevX < mid) != (x < mid)
}

// Totals are the per-camera counters.
type Totals struct {
	Total    int `json:"total"`
	Normal   int `json:"normal"`
	Abnormal int `json:"abnormal"`
}

// CounterConfig tunes eviction.
type CounterConfig struct {
	Line Line
	// MaxMissedFrames evicts a track once its missed count exceeds it.
	MaxMissedFrames int
	// OutOfFrameGrace evicts a track whose center left the frame once it
	// has been missed at least this many frames.
	OutOfFrameGrace int
}

// Result is what one Evaluate call produced. Tracks are copies taken at the
// moment of the event.
type Result struct {
	Counted []Track
	// Ejections are counted abnormal tracks that should fire the relay.
	Ejections []Track
	Evicted   []Track
}

// Counter applies the line rule and eviction to a TrackSet.
type Counter struct {
	cfg    CounterConfig
	memory *Memory
	totals Totals
}

// NewCounter creates a counter. Evicted abnormal tracks are pushed into
// memory when it is not nil.
func NewCounter(cfg CounterConfig, memory *Memory) *Counter {
	if cfg.OutOfFrameGrace < 1 {
		cfg.OutOfFrameGrace = 1
	}
	return &Counter{cfg: cfg, memory: memory}
}

// Line returns the configured detection line.
func (c *Counter) Line() Line { return c.cfg.Line }

// Totals returns the running totals.
func (c *Counter) Totals() Totals { return c.totals }

// Reset zeroes the totals.
func (c *Counter) Reset() { c.totals = Totals{} }

// Evaluate counts first crossings, marks ejections and evicts stale tracks.
// width and height are the frame dimensions. relayPaused suppresses
// ejections without affecting counts.
func (c *Counter) Evaluate(set *TrackSet, width, height int, frame int64, relayPaused bool) Result {
	var res Result

	for _, tr := range set.Ordered() {
		if !tr.Counted && c.cfg.Line.Crossed(tr.PrevCenter.X, tr.Center.X) {
			tr.Counted = true
			c.totals.Total++
			if tr.SeenAbnormal {
				c.totals.Abnormal++
				if !tr.Triggered && !relayPaused {
					tr.Triggered = true
					res.Ejections = append(res.Ejections, *tr)
				}
			} else {
				c.totals.Normal++
			}
			res.Counted = append(res.Counted, *tr)
		}

		if c.evictable(tr, width, height) {
			if tr.SeenAbnormal && c.memory != nil {
				c.memory.Push(tr.Center, frame)
			}
			set.remove(tr.ID)
			res.Evicted = append(res.Evicted, *tr)
		}
	}
	return res
}

func (c *Counter) evictable(tr *Track, width, height int) bool {
	if tr.MissedFrames > c.cfg.MaxMissedFrames {
		return true
	}
	if tr.MissedFrames < c.cfg.OutOfFrameGrace {
		return false
	}
	x, y := tr.Center.X, tr.Center.Y
	return x < 0 || y < 0 || x >= float64(width) || y >= float64(height)
}
