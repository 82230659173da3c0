// Package tracking follows items across frames and counts them as they
// cross the detection line.
//
// A Tracker associates detections with tracks, a Counter decides when a
// track is counted, ejected or evicted. Both operate on a TrackSet owned by a
// single camera loop; none of the types here are safe for concurrent use.
package tracking

import (
	"sort"

	"candyline/internal/detection"
)

// Track is one physical item followed across consecutive frames.
type Track struct {
	ID           uint64
	Center       detection.Point
	PrevCenter   detection.Point
	BBox         detection.BBox
	Score        float32
	Age          int
	MissedFrames int

	// Counted and Triggered flip to true at most once.
	Counted   bool
	Triggered bool
	// SeenAbnormal never reverts once set.
	SeenAbnormal bool
	LastClass    detection.Class

	// FirstFrame is the frame index the track was created on.
	FirstFrame int64
}

// Abnormal reports whether the track is treated as a reject.
func (t *Track) Abnormal() bool {
	return t.SeenAbnormal
}

// TrackSet holds the live tracks of one camera and its id sequence.
type TrackSet struct {
	tracks map[uint64]*Track
	nextID uint64
}

// NewTrackSet returns an empty set whose first id is 1.
func NewTrackSet() *TrackSet {
	return &TrackSet{tracks: make(map[uint64]*Track), nextID: 1}
}

// Len returns the number of live tracks.
func (s *TrackSet) Len() int { return len(s.tracks) }

// Get returns the track with the given id.
func (s *TrackSet) Get(id uint64) (*Track, bool) {
	t, ok := s.tracks[id]
	return t, ok
}

// Ordered returns the live tracks by ascending id, oldest first. This is
// the association order used by the tracker.
func (s *TrackSet) Ordered() []*Track {
	out := make([]*Track, 0, len(s.tracks))
	for _, t := range s.tracks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Snapshot returns copies of the live tracks by ascending id.
func (s *TrackSet) Snapshot() []Track {
	ordered := s.Ordered()
	out := make([]Track, len(ordered))
	for i, t := range ordered {
		out[i] = *t
	}
	return out
}

// Clear drops all tracks. Ids keep increasing so they are never reused.
func (s *TrackSet) Clear() {
	s.tracks = make(map[uint64]*Track)
}

func (s *TrackSet) add(t *Track) {
	t.ID = s.nextID
	s.nextID++
	s.tracks[t.ID] = t
}

func (s *TrackSet) remove(id uint64) {
	delete(s.tracks, id)
}
