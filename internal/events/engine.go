package events

import (
	"vigil/internal/protocol"
)

// Engine drives the four behavioral engines over each frame's tracked
// detections and owns their shared lifecycle.
type Engine struct {
	roi       *RoiEngine
	motion    *MotionEngine
	collision *CollisionEngine
	abandoned *AbandonedEngine
}

// NewEngine creates the composite engine. Any member may be nil to
// disable its event family.
func NewEngine(roi *RoiEngine, motion *MotionEngine, collision *CollisionEngine, abandoned *AbandonedEngine) *Engine {
	return &Engine{roi: roi, motion: motion, collision: collision, abandoned: abandoned}
}

// ProcessFrame runs every engine over the frame's detections and returns
// the combined event list grouped by engine: ROI and line events first,
// then motion, collision, and abandonment. Detections without a track ID
// are ignored; duplicate track IDs keep the first occurrence.
func (e *Engine) ProcessFrame(tsMs int64, detections []protocol.Detection) []protocol.Event {
	tracked := dedupeTracked(detections)

	var roiEvents, motionEvents []protocol.Event
	for _, d := range tracked {
		x, y := Centroid(d.Box)
		if e.roi != nil {
			roiEvents = append(roiEvents, e.roi.ProcessSample(*d.TrackID, tsMs, x, y)...)
		}
		if e.motion != nil {
			motionEvents = append(motionEvents, e.motion.ProcessSample(*d.TrackID, tsMs, x, y)...)
		}
	}

	events := append(roiEvents, motionEvents...)
	if e.collision != nil {
		events = append(events, e.collision.ProcessFrame(tsMs, tracked)...)
	}
	if e.abandoned != nil {
		events = append(events, e.abandoned.ProcessFrame(tsMs, tracked)...)
	}

	e.evictStale(tsMs)
	return events
}

func (e *Engine) evictStale(nowTsMs int64) {
	if e.roi != nil {
		e.roi.EvictStale(nowTsMs)
	}
	if e.motion != nil {
		e.motion.EvictStale(nowTsMs)
	}
	if e.collision != nil {
		e.collision.EvictStale(nowTsMs)
	}
	if e.abandoned != nil {
		e.abandoned.EvictStale(nowTsMs)
	}
}

// dedupeTracked filters detections to those with a track ID, keeping the
// first occurrence of each ID.
func dedupeTracked(detections []protocol.Detection) []protocol.Detection {
	seen := make(map[int]bool, len(detections))
	out := make([]protocol.Detection, 0, len(detections))
	for _, d := range detections {
		if d.TrackID == nil || seen[*d.TrackID] {
			continue
		}
		seen[*d.TrackID] = true
		out = append(out, d)
	}
	return out
}
