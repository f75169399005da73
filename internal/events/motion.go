package events

import (
	"math"

	"vigil/internal/protocol"
)

// MotionSettings configures the motion engine.
type MotionSettings struct {
	HistoryFrames        int
	SuddenMotionSpeedPxS float64
	StopSpeedPxS         float64
	StopDurationMs       int64
	EventCooldownMs      int64
}

type motionSample struct {
	tsMs int64
	x    float64
	y    float64
}

type motionTrackState struct {
	samples      []motionSample
	slowSinceMs  int64
	slowActive   bool
	stopEmitted  bool
	lastEmitMs   map[string]int64
	lastSeenTsMs int64
}

// MotionEngine derives instantaneous speed from consecutive centroid
// samples and emits sudden_motion and track_stop events.
type MotionEngine struct {
	settings MotionSettings
	tracks   map[int]*motionTrackState
}

// NewMotionEngine creates a motion engine.
func NewMotionEngine(settings MotionSettings) *MotionEngine {
	if settings.HistoryFrames < 2 {
		settings.HistoryFrames = 2
	}
	return &MotionEngine{
		settings: settings,
		tracks:   make(map[int]*motionTrackState),
	}
}

// ProcessSample observes one track centroid at tsMs and returns motion
// events. Non-increasing timestamps keep the sample but suppress speed.
func (e *MotionEngine) ProcessSample(trackID int, tsMs int64, x, y float64) []protocol.Event {
	state, ok := e.tracks[trackID]
	if !ok {
		state = &motionTrackState{lastEmitMs: make(map[string]int64)}
		e.tracks[trackID] = state
	}
	state.lastSeenTsMs = tsMs

	state.samples = append(state.samples, motionSample{tsMs: tsMs, x: x, y: y})
	if len(state.samples) > e.settings.HistoryFrames {
		state.samples = state.samples[len(state.samples)-e.settings.HistoryFrames:]
	}

	vNow, okNow := speedBetween(state.samples, len(state.samples)-2)
	if !okNow {
		return nil
	}
	vPrev, okPrev := speedBetween(state.samples, len(state.samples)-3)

	var events []protocol.Event

	// A threshold of zero is live: any computable speed qualifies.
	// Either raw speed or an abrupt speed change triggers the event.
	accel := okPrev && math.Abs(vNow-vPrev) >= e.settings.SuddenMotionSpeedPxS
	if (vNow >= e.settings.SuddenMotionSpeedPxS || accel) && e.cooldownOK(state, "sudden_motion", tsMs) {
		tid := trackID
		events = append(events, protocol.Event{
			Name:     "sudden_motion",
			TsMs:     tsMs,
			Severity: protocol.SeverityMedium,
			TrackID:  &tid,
			Data: map[string]any{
				"speed_px_s":      round1(vNow),
				"prev_speed_px_s": round1(vPrev),
			},
		})
		state.lastEmitMs["sudden_motion"] = tsMs
	}

	if vNow <= e.settings.StopSpeedPxS {
		if !state.slowActive {
			state.slowActive = true
			state.slowSinceMs = tsMs
		}
		slowMs := tsMs - state.slowSinceMs
		if !state.stopEmitted && slowMs >= e.settings.StopDurationMs && e.cooldownOK(state, "track_stop", tsMs) {
			tid := trackID
			events = append(events, protocol.Event{
				Name:     "track_stop",
				TsMs:     tsMs,
				Severity: protocol.SeverityLow,
				TrackID:  &tid,
				Data: map[string]any{
					"speed_px_s": round1(vNow),
					"stopped_ms": slowMs,
				},
			})
			state.lastEmitMs["track_stop"] = tsMs
			state.stopEmitted = true
		}
	} else {
		// Movement above the stop threshold re-arms track_stop.
		state.slowActive = false
		state.stopEmitted = false
	}

	return events
}

// speedBetween computes px/s between samples[i] and samples[i+1].
// Returns false when the window is missing or the timestamps do not advance.
func speedBetween(samples []motionSample, i int) (float64, bool) {
	if i < 0 || i+1 >= len(samples) {
		return 0, false
	}
	a, b := samples[i], samples[i+1]
	dtMs := b.tsMs - a.tsMs
	if dtMs <= 0 {
		return 0, false
	}
	dist := math.Hypot(b.x-a.x, b.y-a.y)
	return dist / (float64(dtMs) / 1000.0), true
}

func (e *MotionEngine) cooldownOK(state *motionTrackState, eventName string, tsMs int64) bool {
	if e.settings.EventCooldownMs <= 0 {
		return true
	}
	last, ok := state.lastEmitMs[eventName]
	if !ok {
		return true
	}
	return tsMs-last >= e.settings.EventCooldownMs
}

// EvictStale removes track state not observed within the TTL.
func (e *MotionEngine) EvictStale(nowTsMs int64) {
	for trackID, state := range e.tracks {
		if nowTsMs-state.lastSeenTsMs > trackStateTTLMs {
			delete(e.tracks, trackID)
		}
	}
}

// TrackCount returns the number of live per-track states.
func (e *MotionEngine) TrackCount() int {
	return len(e.tracks)
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
