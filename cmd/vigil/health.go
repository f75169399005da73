package main

import (
	"encoding/json"
	"net/http"

	"vigil/internal/config"
	"vigil/internal/detect"
)

type healthResponse struct {
	Status             string `json:"status"`
	DetectorReachable  bool   `json:"detector_reachable"`
	TrackingEnabled    bool   `json:"tracking_enabled"`
	RoiEnabled         bool   `json:"roi_enabled"`
	SceneChangeEnabled bool   `json:"scene_change_enabled"`
	InsightsEnabled    bool   `json:"insights_enabled"`
	SurpriseEnabled    bool   `json:"surprise_enabled"`
}

// newHealthHandler reports process liveness plus a cached detector
// reachability probe and the effective feature switches.
func newHealthHandler(cfg *config.Config, detector *detect.HTTPDetector) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{
			Status:             "ok",
			DetectorReachable:  detector.Healthy(r.Context()),
			TrackingEnabled:    cfg.Tracking.Enabled,
			RoiEnabled:         cfg.Roi.Enabled,
			SceneChangeEnabled: cfg.SceneChange.Enabled,
			InsightsEnabled:    cfg.Insights.Enabled,
			SurpriseEnabled:    cfg.Surprise.Enabled,
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	})
}
