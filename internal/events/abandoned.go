package events

import (
	"math"

	"vigil/internal/protocol"
)

// AbandonedSettings configures the abandoned-object engine.
type AbandonedSettings struct {
	// ObjectClasses lists the detector class names treated as portable
	// objects, lowercase. Must not include "person".
	ObjectClasses          []string
	AssociateMaxDistancePx float64
	AssociateMinMs         int64
	AbandonDelayMs         int64
	// StationaryMaxMovePx aborts an abandonment in progress when the
	// object drifts farther than this from where it was left.
	// 0 disables the check.
	StationaryMaxMovePx float64
	// Region restricts the engine to objects inside the rectangle.
	// nil watches the whole frame.
	Region          *Region
	EventCooldownMs int64
}

// abandonedTrackState carries the committed association, the running
// association candidate, and the abandonment countdown side by side.
// A bystander lingering near the object becomes a candidate without
// erasing the committed owner.
type abandonedTrackState struct {
	class string

	candidateID      int
	candidateSinceMs int64
	hasCandidate     bool

	ownerID  int
	hasOwner bool

	abandoning      bool
	abandonSinceMs  int64
	abandonPersonID int
	refX            float64
	refY            float64

	emitted      bool
	lastEmitMs   int64
	hasEmit      bool
	lastSeenTsMs int64
}

// AbandonedEngine associates portable objects with nearby persons and
// emits abandoned_object when the owner stays away long enough.
type AbandonedEngine struct {
	settings AbandonedSettings
	classes  map[string]bool
	tracks   map[int]*abandonedTrackState
}

// NewAbandonedEngine creates an abandoned-object engine.
func NewAbandonedEngine(settings AbandonedSettings) *AbandonedEngine {
	classes := make(map[string]bool, len(settings.ObjectClasses))
	for _, c := range settings.ObjectClasses {
		classes[c] = true
	}
	return &AbandonedEngine{
		settings: settings,
		classes:  classes,
		tracks:   make(map[int]*abandonedTrackState),
	}
}

type personPos struct {
	trackID int
	x       float64
	y       float64
}

// ProcessFrame advances the association state for every watched object
// in the frame and returns abandonment events.
func (e *AbandonedEngine) ProcessFrame(tsMs int64, detections []protocol.Detection) []protocol.Event {
	if len(e.classes) == 0 {
		return nil
	}

	var persons []personPos
	for _, d := range detections {
		if d.TrackID == nil || d.Name != "person" {
			continue
		}
		x, y := Centroid(d.Box)
		persons = append(persons, personPos{trackID: *d.TrackID, x: x, y: y})
	}

	var events []protocol.Event

	for _, d := range detections {
		if d.TrackID == nil || !e.classes[d.Name] {
			continue
		}
		trackID := *d.TrackID
		x, y := Centroid(d.Box)

		if e.settings.Region != nil && !PointInRegion(x, y, *e.settings.Region) {
			delete(e.tracks, trackID)
			continue
		}

		state, ok := e.tracks[trackID]
		if !ok {
			state = &abandonedTrackState{class: d.Name}
			e.tracks[trackID] = state
		}
		state.lastSeenTsMs = tsMs

		nearest, nearestOK := nearestPerson(persons, x, y, e.settings.AssociateMaxDistancePx)
		if nearestOK {
			e.advanceCandidate(state, nearest.trackID, tsMs)
			resetAbandonment(state)
			continue
		}

		state.hasCandidate = false

		if state.hasOwner && !state.abandoning {
			state.abandoning = true
			state.abandonSinceMs = tsMs
			state.abandonPersonID = state.ownerID
			state.refX, state.refY = x, y
		}
		state.hasOwner = false

		if !state.abandoning {
			continue
		}

		if e.settings.StationaryMaxMovePx > 0 &&
			math.Hypot(x-state.refX, y-state.refY) > e.settings.StationaryMaxMovePx {
			// The object moved; it is being carried, not abandoned.
			resetAbandonment(state)
			continue
		}

		abandonMs := tsMs - state.abandonSinceMs
		if abandonMs < e.settings.AbandonDelayMs || state.emitted {
			continue
		}
		if state.hasEmit && e.settings.EventCooldownMs > 0 &&
			tsMs-state.lastEmitMs < e.settings.EventCooldownMs {
			continue
		}

		roiName := ""
		if e.settings.Region != nil {
			roiName = e.settings.Region.Name
		}
		tid := trackID
		events = append(events, protocol.Event{
			Name:     "abandoned_object",
			TsMs:     tsMs,
			Severity: protocol.SeverityHigh,
			TrackID:  &tid,
			Data: map[string]any{
				"object_track_id": trackID,
				"object_class":    state.class,
				"person_track_id": state.abandonPersonID,
				"roi":             roiName,
				"abandon_ms":      abandonMs,
			},
		})
		state.emitted = true
		state.lastEmitMs = tsMs
		state.hasEmit = true
	}

	return events
}

// advanceCandidate runs the association timer for the nearest person.
// The committed owner is untouched while a different person's timer
// runs; that person takes over only after associate_min_ms of presence.
func (e *AbandonedEngine) advanceCandidate(state *abandonedTrackState, personID int, tsMs int64) {
	if state.hasOwner && state.ownerID == personID {
		return
	}
	if !state.hasCandidate || state.candidateID != personID {
		state.candidateID = personID
		state.candidateSinceMs = tsMs
		state.hasCandidate = true
		return
	}
	if tsMs-state.candidateSinceMs < e.settings.AssociateMinMs {
		return
	}
	state.ownerID = personID
	state.hasOwner = true
	state.hasCandidate = false
	state.emitted = false
}

func resetAbandonment(state *abandonedTrackState) {
	state.abandoning = false
	state.abandonPersonID = 0
	state.emitted = false
}

func nearestPerson(persons []personPos, x, y, maxDistPx float64) (personPos, bool) {
	best := personPos{}
	bestDist := math.Inf(1)
	for _, p := range persons {
		d := math.Hypot(p.x-x, p.y-y)
		if d <= maxDistPx && d < bestDist {
			best = p
			bestDist = d
		}
	}
	return best, !math.IsInf(bestDist, 1)
}

// EvictStale removes object state not observed within the TTL.
func (e *AbandonedEngine) EvictStale(nowTsMs int64) {
	for trackID, state := range e.tracks {
		if nowTsMs-state.lastSeenTsMs > trackStateTTLMs {
			delete(e.tracks, trackID)
		}
	}
}

// TrackCount returns the number of live per-object states.
func (e *AbandonedEngine) TrackCount() int {
	return len(e.tracks)
}
