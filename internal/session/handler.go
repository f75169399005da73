// Package session owns the websocket connection lifecycle: the read
// loop, the single inference worker with its pending slot, and the
// insight tasks. All writes to a connection go through one mutex so
// concurrent tasks never interleave messages.
package session

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"vigil/internal/config"
	"vigil/internal/detect"
	"vigil/internal/events"
	"vigil/internal/insight"
)

// Handler upgrades /infer requests and runs a session per connection.
type Handler struct {
	cfg      *config.Config
	detector detect.Detector
	agent    insight.AgentCaller
	upgrader websocket.Upgrader
}

// NewHandler creates the websocket handler. agent may be nil when
// insights are disabled.
func NewHandler(cfg *config.Config, detector detect.Detector, agent insight.AgentCaller) *Handler {
	return &Handler{
		cfg:      cfg,
		detector: detector,
		agent:    agent,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the connection and blocks until the session ends.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[Session] upgrade failed for %s: %v", r.RemoteAddr, err)
		return
	}

	log.Printf("[Session] client connected: %s", r.RemoteAddr)
	s := newSession(h.cfg, conn, h.detector, h.agent)
	s.run()
	log.Printf("[Session] client disconnected: %s", r.RemoteAddr)
}

// buildEngine assembles the per-connection behavioral engines from the
// effective configuration.
func buildEngine(cfg *config.Config) *events.Engine {
	var roi *events.RoiEngine
	if cfg.Roi.Enabled {
		roi = events.NewRoiEngine(roiSettings(cfg))
	}

	motion := events.NewMotionEngine(events.MotionSettings{
		HistoryFrames:        cfg.Motion.HistoryFrames,
		SuddenMotionSpeedPxS: cfg.Motion.SuddenMotionSpeedPxS,
		StopSpeedPxS:         cfg.Motion.StopSpeedPxS,
		StopDurationMs:       cfg.Motion.StopDurationMs,
		EventCooldownMs:      cfg.Motion.EventCooldownMs,
	})

	var collision *events.CollisionEngine
	if len(cfg.Collision.Pairs) > 0 {
		pairs := make([][2]string, 0, len(cfg.Collision.Pairs))
		for _, p := range cfg.Collision.Pairs {
			pairs = append(pairs, [2]string{p[0], p[1]})
		}
		collision = events.NewCollisionEngine(events.CollisionSettings{
			Pairs:           pairs,
			DistancePx:      cfg.Collision.DistancePx,
			ClosingSpeedPxS: cfg.Collision.ClosingSpeedPxS,
			PairCooldownMs:  cfg.Collision.PairCooldownMs,
			MaxGapMs:        cfg.Collision.MaxGapMs,
		})
	}

	var abandoned *events.AbandonedEngine
	if len(cfg.Abandoned.ObjectClasses) > 0 {
		abandoned = events.NewAbandonedEngine(events.AbandonedSettings{
			ObjectClasses:          cfg.Abandoned.ObjectClasses,
			AssociateMaxDistancePx: cfg.Abandoned.AssociateMaxDistancePx,
			AssociateMinMs:         cfg.Abandoned.AssociateMinMs,
			AbandonDelayMs:         cfg.Abandoned.AbandonDelayMs,
			StationaryMaxMovePx:    cfg.Abandoned.StationaryMaxMovePx,
			Region:                 abandonedRegion(cfg),
			EventCooldownMs:        cfg.Abandoned.EventCooldownMs,
		})
	}

	return events.NewEngine(roi, motion, collision, abandoned)
}

// buildSceneEngine returns nil when scene change detection is disabled.
func buildSceneEngine(cfg *config.Config) *events.SceneChangeEngine {
	if !cfg.SceneChange.Enabled {
		return nil
	}
	return events.NewSceneChangeEngine(events.SceneChangeSettings{
		Enabled:          true,
		DownsampleMaxDim: cfg.SceneChange.Downsample.MaxDim,
		EmaAlpha:         cfg.SceneChange.EmaAlpha,
		PixelThreshold:   cfg.SceneChange.PixelThreshold,
		CellPx:           cfg.SceneChange.CellPx,
		CellActiveRatio:  cfg.SceneChange.CellActiveRatio,
		MinBlobCells:     cfg.SceneChange.MinBlobCells,
		ScoreThreshold:   cfg.SceneChange.ScoreThreshold,
		MinPersistFrames: cfg.SceneChange.MinPersistFrames,
		CooldownMs:       cfg.SceneChange.CooldownMs,
		MediumScore:      cfg.SceneChange.Severity.MediumScore,
		HighScore:        cfg.SceneChange.Severity.HighScore,
	})
}

func roiSettings(cfg *config.Config) events.RoiSettings {
	regions := make(map[string]events.Region, len(cfg.Roi.Regions))
	dwellOverrides := make(map[string]int64)
	for name, r := range cfg.Roi.Regions {
		regions[name] = events.Region{Name: name, X1: r.X1, Y1: r.Y1, X2: r.X2, Y2: r.Y2}
		if r.DwellThresholdMs != nil {
			dwellOverrides[name] = *r.DwellThresholdMs
		}
	}
	lines := make(map[string]events.Line, len(cfg.Roi.Lines))
	for name, l := range cfg.Roi.Lines {
		lines[name] = events.Line{Name: name, X1: l.X1, Y1: l.Y1, X2: l.X2, Y2: l.Y2}
	}
	return events.RoiSettings{
		Enabled:                 true,
		Regions:                 regions,
		Lines:                   lines,
		DwellDefaultThresholdMs: cfg.Roi.Dwell.DefaultThresholdMs,
		DwellRegionThresholdMs:  dwellOverrides,
		TransitionMinMs:         cfg.Roi.Transitions.MinTransitionMs,
	}
}

func abandonedRegion(cfg *config.Config) *events.Region {
	if cfg.Abandoned.Roi == "" {
		return nil
	}
	r, ok := cfg.Roi.Regions[cfg.Abandoned.Roi]
	if !ok {
		return nil
	}
	return &events.Region{Name: cfg.Abandoned.Roi, X1: r.X1, Y1: r.Y1, X2: r.X2, Y2: r.Y2}
}

// insightSettings maps the config onto the coordinator settings.
func insightSettings(cfg *config.Config) insight.Settings {
	return insight.Settings{
		Enabled:           cfg.Insights.Enabled,
		AssetsDir:         cfg.Insights.AssetsDir,
		InlineImages:      cfg.Insights.InlineImages,
		MaxFrames:         cfg.Insights.MaxFrames,
		PreFrames:         cfg.Insights.PreFrames,
		PostFrames:        cfg.Insights.PostFrames,
		TimeoutMs:         cfg.Insights.TimeoutMs,
		InsightCooldownMs: cfg.Insights.InsightCooldownMs,
		Downsample: insight.DownsampleSettings{
			Enabled:     cfg.Insights.Downsample.Enabled,
			MaxDim:      cfg.Insights.Downsample.MaxDim,
			JPEGQuality: cfg.Insights.Downsample.JPEGQuality,
		},
		Retention: insight.RetentionSettings{
			MaxClips:    cfg.Insights.Assets.MaxClips,
			MaxAgeHours: cfg.Insights.Assets.MaxAgeHours,
		},
		Surprise: insight.SurpriseSettings{
			Enabled:    cfg.Surprise.Enabled,
			Threshold:  cfg.Surprise.Threshold,
			CooldownMs: cfg.Surprise.CooldownMs,
			Weights:    cfg.Surprise.Weights,
		},
	}
}

// AgentTimeout returns the configured agent call budget.
func AgentTimeout(cfg *config.Config) time.Duration {
	return time.Duration(cfg.Insights.TimeoutMs) * time.Millisecond
}
