package detect

import (
	"strings"

	"vigil/internal/protocol"
)

// Normalize converts raw detector hits into protocol detections bounded
// by the frame geometry. Hits without a usable box are dropped. When
// tracking is disabled the track IDs are stripped so downstream engines
// never see stale IDs from a detector that tracks anyway.
func Normalize(raw []RawDetection, width, height int, trackingEnabled bool) []protocol.Detection {
	out := make([]protocol.Detection, 0, len(raw))
	maxX, maxY := float64(width), float64(height)

	for _, r := range raw {
		if len(r.Box) != 4 {
			continue
		}

		x1, y1 := clamp(r.Box[0], 0, maxX), clamp(r.Box[1], 0, maxY)
		x2, y2 := clamp(r.Box[2], 0, maxX), clamp(r.Box[3], 0, maxY)
		if x1 > x2 {
			x1, x2 = x2, x1
		}
		if y1 > y2 {
			y1, y2 = y2, y1
		}

		d := protocol.Detection{
			Cls:  r.Cls,
			Name: strings.ToLower(strings.TrimSpace(r.Name)),
			Conf: clamp(r.Conf, 0, 1),
			Box:  [4]float64{x1, y1, x2, y2},
		}
		if trackingEnabled && r.TrackID != nil {
			tid := *r.TrackID
			d.TrackID = &tid
		}
		out = append(out, d)
	}

	return out
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
