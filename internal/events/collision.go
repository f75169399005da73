package events

import (
	"math"

	"vigil/internal/protocol"
)

// pairStateTTLMs is how long per-pair collision state survives without a
// fresh observation of both tracks.
const pairStateTTLMs = 30_000

// CollisionSettings configures the collision engine.
type CollisionSettings struct {
	// Pairs lists unordered class-name pairs to watch, lowercase.
	Pairs           [][2]string
	DistancePx      float64
	ClosingSpeedPxS float64
	PairCooldownMs  int64
	// MaxGapMs caps the age of the prior distance sample used for the
	// closing-speed computation. 0 means no cap.
	MaxGapMs int64
}

type pairKey struct {
	a int // a < b
	b int
}

type pairState struct {
	distPx       float64
	tsMs         int64
	lastEmitMs   int64
	hasEmit      bool
	lastSeenTsMs int64
}

// collisionSubject is one tracked detection as seen by the collision engine.
type collisionSubject struct {
	trackID int
	name    string
	x       float64
	y       float64
}

// CollisionEngine watches configured class pairs and emits
// near_collision when two subjects are close and closing fast.
type CollisionEngine struct {
	settings CollisionSettings
	pairs    map[pairKey]*pairState
}

// NewCollisionEngine creates a collision engine.
func NewCollisionEngine(settings CollisionSettings) *CollisionEngine {
	return &CollisionEngine{
		settings: settings,
		pairs:    make(map[pairKey]*pairState),
	}
}

// classPairWatched matches the canonical (order-independent) class pair
// against the configured set.
func (e *CollisionEngine) classPairWatched(n1, n2 string) bool {
	for _, p := range e.settings.Pairs {
		if (p[0] == n1 && p[1] == n2) || (p[0] == n2 && p[1] == n1) {
			return true
		}
	}
	return false
}

// ProcessFrame examines every watched pair among the frame's tracked
// detections and returns collision events. Pair distance state is
// updated on every observation, emitted or not.
func (e *CollisionEngine) ProcessFrame(tsMs int64, detections []protocol.Detection) []protocol.Event {
	if len(e.settings.Pairs) == 0 {
		return nil
	}

	subjects := make([]collisionSubject, 0, len(detections))
	for _, d := range detections {
		if d.TrackID == nil {
			continue
		}
		x, y := Centroid(d.Box)
		subjects = append(subjects, collisionSubject{trackID: *d.TrackID, name: d.Name, x: x, y: y})
	}

	var events []protocol.Event

	for i := 0; i < len(subjects); i++ {
		for j := i + 1; j < len(subjects); j++ {
			a, b := subjects[i], subjects[j]
			if a.trackID == b.trackID || !e.classPairWatched(a.name, b.name) {
				continue
			}
			if a.trackID > b.trackID {
				a, b = b, a
			}

			key := pairKey{a: a.trackID, b: b.trackID}
			distPx := math.Hypot(b.x-a.x, b.y-a.y)

			state, ok := e.pairs[key]
			if !ok {
				e.pairs[key] = &pairState{distPx: distPx, tsMs: tsMs, lastSeenTsMs: tsMs}
				continue
			}

			closingPxS := 0.0
			dtMs := tsMs - state.tsMs
			stale := e.settings.MaxGapMs > 0 && dtMs > e.settings.MaxGapMs
			if dtMs > 0 && !stale {
				closingPxS = (state.distPx - distPx) / (float64(dtMs) / 1000.0)
			}

			cooldownOK := !state.hasEmit ||
				e.settings.PairCooldownMs <= 0 ||
				tsMs-state.lastEmitMs >= e.settings.PairCooldownMs

			if distPx <= e.settings.DistancePx && closingPxS >= e.settings.ClosingSpeedPxS && cooldownOK {
				events = append(events, protocol.Event{
					Name:     "near_collision",
					TsMs:     tsMs,
					Severity: protocol.SeverityHigh,
					Data: map[string]any{
						"a_track_id":         a.trackID,
						"b_track_id":         b.trackID,
						"a_class":            a.name,
						"b_class":            b.name,
						"distance_px":        round1(distPx),
						"closing_speed_px_s": round1(closingPxS),
					},
				})
				state.lastEmitMs = tsMs
				state.hasEmit = true
			}

			state.distPx = distPx
			state.tsMs = tsMs
			state.lastSeenTsMs = tsMs
		}
	}

	return events
}

// EvictStale removes pair state not observed within the TTL.
func (e *CollisionEngine) EvictStale(nowTsMs int64) {
	for key, state := range e.pairs {
		if nowTsMs-state.lastSeenTsMs > pairStateTTLMs {
			delete(e.pairs, key)
		}
	}
}

// PairCount returns the number of live pair states.
func (e *CollisionEngine) PairCount() int {
	return len(e.pairs)
}
