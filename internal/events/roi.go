package events

import (
	"sort"

	"vigil/internal/protocol"
)

// trackStateTTLMs is how long per-track engine state survives without a
// fresh observation before it is evicted.
const trackStateTTLMs = 30_000

// lineSideEpsilon guards the cross-product sign test; values within the
// band are treated as "on the line" and neither update nor trigger.
const lineSideEpsilon = 1e-6

// Region is an axis-aligned rectangle in image pixels (x1<x2, y1<y2).
type Region struct {
	Name string
	X1   float64
	Y1   float64
	X2   float64
	Y2   float64
}

// Line is a virtual crossing line defined by two distinct endpoints.
type Line struct {
	Name string
	X1   float64
	Y1   float64
	X2   float64
	Y2   float64
}

// RoiSettings configures the ROI/line engine.
type RoiSettings struct {
	Enabled                 bool
	Regions                 map[string]Region
	Lines                   map[string]Line
	DwellDefaultThresholdMs int64
	DwellRegionThresholdMs  map[string]int64
	TransitionMinMs         int64
}

// DwellThresholdMs returns the dwell threshold for a region, falling back
// to the default when no per-region override exists.
func (s *RoiSettings) DwellThresholdMs(regionName string) int64 {
	if ms, ok := s.DwellRegionThresholdMs[regionName]; ok {
		return ms
	}
	return s.DwellDefaultThresholdMs
}

// Centroid returns the geometric center of a bounding box, the
// representative point for all geometry engines.
func Centroid(box [4]float64) (float64, float64) {
	return (box[0] + box[2]) / 2.0, (box[1] + box[3]) / 2.0
}

// PointInRegion reports whether a point is inside a region. Bounds are
// inclusive on both edges.
func PointInRegion(x, y float64, region Region) bool {
	return region.X1 <= x && x <= region.X2 && region.Y1 <= y && y <= region.Y2
}

// LineSide returns "A" or "B" depending on which side of the line the
// point lies, or "" when the point is within epsilon of the line.
func LineSide(x, y float64, line Line) string {
	cross := (line.X2-line.X1)*(y-line.Y1) - (line.Y2-line.Y1)*(x-line.X1)
	if cross > lineSideEpsilon {
		return "A"
	}
	if cross < -lineSideEpsilon {
		return "B"
	}
	return ""
}

// roiTrackState holds the per-track region and line state for the ROI engine.
type roiTrackState struct {
	regionsInside        map[string]bool
	regionEnterTsMs      map[string]int64
	regionDwellEmitted   map[string]bool
	regionPendingInside  map[string]bool
	regionPendingSinceMs map[string]int64
	lineSide             map[string]string
	lastSeenTsMs         int64
}

func newRoiTrackState(tsMs int64) *roiTrackState {
	return &roiTrackState{
		regionsInside:        make(map[string]bool),
		regionEnterTsMs:      make(map[string]int64),
		regionDwellEmitted:   make(map[string]bool),
		regionPendingInside:  make(map[string]bool),
		regionPendingSinceMs: make(map[string]int64),
		lineSide:             make(map[string]string),
		lastSeenTsMs:         tsMs,
	}
}

// RoiEngine tracks per-track region inside/outside state with debounced
// transitions, dwell thresholds, and line-side changes. Regions and
// lines are visited in name order so identical inputs always produce
// the same event sequence.
type RoiEngine struct {
	settings    RoiSettings
	regionNames []string
	lineNames   []string
	tracks      map[int]*roiTrackState
}

// NewRoiEngine creates a ROI/line engine.
func NewRoiEngine(settings RoiSettings) *RoiEngine {
	return &RoiEngine{
		settings:    settings,
		regionNames: sortedNames(settings.Regions),
		lineNames:   sortedNames(settings.Lines),
		tracks:      make(map[int]*roiTrackState),
	}
}

func sortedNames[V any](m map[string]V) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ProcessSample observes one track centroid at tsMs and returns the ROI
// and line events it produces.
func (e *RoiEngine) ProcessSample(trackID int, tsMs int64, x, y float64) []protocol.Event {
	if !e.settings.Enabled {
		return nil
	}

	state, ok := e.tracks[trackID]
	if !ok {
		state = newRoiTrackState(tsMs)
		e.tracks[trackID] = state
	}
	state.lastSeenTsMs = tsMs

	var events []protocol.Event
	events = e.appendRegionEvents(events, trackID, tsMs, x, y, state)
	events = e.appendLineEvents(events, trackID, tsMs, x, y, state)
	return events
}

func (e *RoiEngine) appendRegionEvents(events []protocol.Event, trackID int, tsMs int64, x, y float64, state *roiTrackState) []protocol.Event {
	minTransitionMs := e.settings.TransitionMinMs

	for _, name := range e.regionNames {
		region := e.settings.Regions[name]
		insideNow := PointInRegion(x, y, region)
		committedInside := state.regionsInside[name]

		if minTransitionMs <= 0 {
			delete(state.regionPendingInside, name)
			delete(state.regionPendingSinceMs, name)

			if insideNow && !committedInside {
				events = append(events, roiEvent("roi_enter", tsMs, trackID, name, nil))
				state.regionEnterTsMs[name] = tsMs
				state.regionDwellEmitted[name] = false
			} else if committedInside && !insideNow {
				events = append(events, roiEvent("roi_exit", tsMs, trackID, name, nil))
				delete(state.regionEnterTsMs, name)
				delete(state.regionDwellEmitted, name)
			}

			state.regionsInside[name] = insideNow
		} else if insideNow == committedInside {
			delete(state.regionPendingInside, name)
			delete(state.regionPendingSinceMs, name)
		} else {
			pendingInside, hasPending := state.regionPendingInside[name]
			pendingSinceMs, hasSince := state.regionPendingSinceMs[name]

			switch {
			case !hasPending || pendingInside != insideNow:
				state.regionPendingInside[name] = insideNow
				state.regionPendingSinceMs[name] = tsMs
			case !hasSince:
				state.regionPendingSinceMs[name] = tsMs
			default:
				elapsedMs := tsMs - pendingSinceMs
				if elapsedMs < 0 {
					elapsedMs = 0
				}
				if elapsedMs >= minTransitionMs {
					if insideNow {
						events = append(events, roiEvent("roi_enter", tsMs, trackID, name, nil))
						state.regionEnterTsMs[name] = tsMs
						state.regionDwellEmitted[name] = false
					} else {
						events = append(events, roiEvent("roi_exit", tsMs, trackID, name, nil))
						delete(state.regionEnterTsMs, name)
						delete(state.regionDwellEmitted, name)
					}

					state.regionsInside[name] = insideNow
					delete(state.regionPendingInside, name)
					delete(state.regionPendingSinceMs, name)
				}
			}
		}

		// Dwell is measured from the committed (debounced) enter time.
		if state.regionsInside[name] {
			enterTsMs, ok := state.regionEnterTsMs[name]
			if !ok {
				enterTsMs = tsMs
				state.regionEnterTsMs[name] = tsMs
			}

			dwellMs := tsMs - enterTsMs
			if dwellMs < 0 {
				dwellMs = 0
			}

			if !state.regionDwellEmitted[name] && dwellMs >= e.settings.DwellThresholdMs(name) {
				events = append(events, roiEvent("roi_dwell", tsMs, trackID, name, map[string]any{"dwell_ms": dwellMs}))
				state.regionDwellEmitted[name] = true
			}
		}
	}

	return events
}

func (e *RoiEngine) appendLineEvents(events []protocol.Event, trackID int, tsMs int64, x, y float64, state *roiTrackState) []protocol.Event {
	for _, name := range e.lineNames {
		line := e.settings.Lines[name]
		currentSide := LineSide(x, y, line)
		previousSide := state.lineSide[name]

		if previousSide != "" && currentSide != "" && previousSide != currentSide {
			tid := trackID
			events = append(events, protocol.Event{
				Name:     "line_cross",
				TsMs:     tsMs,
				Severity: protocol.SeverityMedium,
				TrackID:  &tid,
				Data: map[string]any{
					"line":      name,
					"direction": previousSide + "->" + currentSide,
				},
			})
		}

		if currentSide != "" {
			state.lineSide[name] = currentSide
		}
	}

	return events
}

// EvictStale removes track state not observed within the TTL.
func (e *RoiEngine) EvictStale(nowTsMs int64) {
	for trackID, state := range e.tracks {
		if nowTsMs-state.lastSeenTsMs > trackStateTTLMs {
			delete(e.tracks, trackID)
		}
	}
}

// TrackCount returns the number of live per-track states.
func (e *RoiEngine) TrackCount() int {
	return len(e.tracks)
}

func roiEvent(name string, tsMs int64, trackID int, roi string, extra map[string]any) protocol.Event {
	data := map[string]any{"roi": roi}
	for k, v := range extra {
		data[k] = v
	}

	severity := protocol.SeverityLow
	if name == "roi_dwell" {
		severity = protocol.SeverityMedium
	}

	tid := trackID
	return protocol.Event{
		Name:     name,
		TsMs:     tsMs,
		Severity: severity,
		TrackID:  &tid,
		Data:     data,
	}
}
