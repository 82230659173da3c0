package tracking

import (
	"math"

	"candyline/internal/detection"
)

// Tracker performs nearest-centroid association.
type Tracker struct {
	threshold float64
	memory    *Memory
}

// NewTracker creates a tracker that matches detections within threshold
// pixels. memory may be nil to disable re-classification.
func NewTracker(threshold float64, memory *Memory) *Tracker {
	return &Tracker{threshold: threshold, memory: memory}
}

// Update associates detections with the tracks in set and returns the newly
// created tracks.
//
// Tracks are visited by ascending id and each claims the closest detection
// not yet claimed by an older track. When two tracks compete for the same
// detection the older one wins. Tracks are never removed here.
func (t *Tracker) Update(set *TrackSet, dets []detection.Detection, frame int64) []*Track {
	claimed := make([]bool, len(dets))

	for _, tr := range set.Ordered() {
		best := -1
		bestDist := math.Inf(1)
		for i, d := range dets {
			if claimed[i] {
				continue
			}
			dist := tr.Center.Dist(d.BBox.Center())
			if dist <= t.threshold && dist < bestDist {
				best, bestDist = i, dist
			}
		}

		tr.Age++
		if best < 0 {
			tr.MissedFrames++
			continue
		}

		claimed[best] = true
		d := dets[best]
		tr.PrevCenter = tr.Center
		tr.Center = d.BBox.Center()
		tr.BBox = d.BBox
		tr.Score = d.Confidence
		tr.MissedFrames = 0
		classify(tr, d.Class)
	}

	var created []*Track
	for i, d := range dets {
		if claimed[i] {
			continue
		}
		center := d.BBox.Center()
		tr := &Track{
			Center:     center,
			PrevCenter: center,
			BBox:       d.BBox,
			Score:      d.Confidence,
			Age:        1,
			LastClass:  d.Class,
			FirstFrame: frame,
		}
		if d.Class == detection.ClassAbnormal {
			tr.SeenAbnormal = true
		} else if t.memory != nil && t.memory.Match(center, frame) {
			tr.SeenAbnormal = true
			tr.LastClass = detection.ClassAbnormal
		}
		set.add(tr)
		created = append(created, tr)
	}
	return created
}

// classify applies the sticky-abnormal rule.
func classify(tr *Track, class detection.Class) {
	switch {
	case class == detection.ClassAbnormal:
		tr.SeenAbnormal = true
		tr.LastClass = detection.ClassAbnormal
	case tr.SeenAbnormal:
		tr.LastClass = detection.ClassAbnormal
	default:
		tr.LastClass = class
	}
}
