package tracking

import "candyline/internal/detection"

type memoryEntry struct {
	pos   detection.Point
	frame int64
	used  bool
}

// Memory remembers where abnormal tracks were recently evicted so a new
// track appearing nearby shortly afterwards starts out abnormal, even if its
// first detection says normal. It is a fixed-size ring: when full the oldest
// entry is overwritten.
type Memory struct {
	radius  float64
	window  int64
	entries []memoryEntry
	next    int
	size    int
}

// NewMemory creates a memory matching within radius pixels and window frames.
func NewMemory(radius float64, window int64, capacity int) *Memory {
	if capacity <= 0 {
		capacity = 1
	}
	return &Memory{
		radius:  radius,
		window:  window,
		entries: make([]memoryEntry, capacity),
	}
}

// Push records an eviction.
func (m *Memory) Push(pos detection.Point, frame int64) {
	m.entries[m.next] = memoryEntry{pos: pos, frame: frame}
	m.next = (m.next + 1) % len(m.entries)
	if m.size < len(m.entries) {
		m.size++
	}
}

// Match reports whether pos at frame lies within the radius and window of a
// remembered eviction. The closest match is consumed so one evicted item
// re-classifies at most one new track.
func (m *Memory) Match(pos detection.Point, frame int64) bool {
	best := -1
	bestDist := 0.0
	for i := 0; i < m.size; i++ {
		e := &m.entries[i]
		if e.used {
			continue
		}
		age := frame - e.frame
		if age < 0 || age > m.window {
			continue
		}
		d := pos.Dist(e.pos)
		if d > m.radius {
			continue
		}
		if best < 0 || d < bestDist {
			best, bestDist = i, d
		}
	}
	if best < 0 {
		return false
	}
	m.entries[best].used = true
	return true
}

// Len returns the number of entries still able to match at frame.
func (m *Memory) Len(frame int64) int {
	n := 0
	for i := 0; i < m.size; i++ {
		e := m.entries[i]
		if !e.used && frame-e.frame <= m.window {
			n++
		}
	}
	return n
}

// Reset forgets every entry.
func (m *Memory) Reset() {
	for i := range m.entries {
		m.entries[i] = memoryEntry{}
	}
	m.next, m.size = 0, 0
}
