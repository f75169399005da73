// Package config loads and validates the service configuration from a
// YAML file. Defaults are applied first, then the file is decoded on
// top, then the merged result is validated fail-fast.
package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the full service configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Detector    DetectorConfig    `yaml:"detector"`
	Tracking    TrackingConfig    `yaml:"tracking"`
	Roi         RoiConfig         `yaml:"roi"`
	Motion      MotionConfig      `yaml:"motion"`
	Collision   CollisionConfig   `yaml:"collision"`
	Abandoned   AbandonedConfig   `yaml:"abandoned"`
	SceneChange SceneChangeConfig `yaml:"scene_change"`
	Insights    InsightsConfig    `yaml:"insights"`
	Surprise    SurpriseConfig    `yaml:"surprise"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// DetectorConfig points at the upstream detection service.
type DetectorConfig struct {
	Endpoint string  `yaml:"endpoint"`
	Conf     float64 `yaml:"conf"`
	Model    string  `yaml:"model"`
}

// TrackingConfig controls track IDs and the frame scheduler policy.
type TrackingConfig struct {
	Enabled bool `yaml:"enabled"`
	// BusyPolicy decides what happens to a frame that arrives while
	// inference is running: "drop" rejects it with BUSY, "latest"
	// replaces the pending frame.
	BusyPolicy string `yaml:"busy_policy"`
	Persist    bool   `yaml:"persist"`
	Tracker    string `yaml:"tracker"`
}

// RegionConfig is one rectangle in the ROI config, keyed by name.
type RegionConfig struct {
	X1               float64 `yaml:"x1"`
	Y1               float64 `yaml:"y1"`
	X2               float64 `yaml:"x2"`
	Y2               float64 `yaml:"y2"`
	DwellThresholdMs *int64  `yaml:"dwell_threshold_ms"`
}

// LineConfig is one crossing line in the ROI config, keyed by name.
type LineConfig struct {
	X1 float64 `yaml:"x1"`
	Y1 float64 `yaml:"y1"`
	X2 float64 `yaml:"x2"`
	Y2 float64 `yaml:"y2"`
}

// RoiConfig configures regions, lines, dwell, and transition debounce.
type RoiConfig struct {
	Enabled     bool                    `yaml:"enabled"`
	Regions     map[string]RegionConfig `yaml:"regions"`
	Lines       map[string]LineConfig   `yaml:"lines"`
	Dwell       DwellConfig             `yaml:"dwell"`
	Transitions TransitionsConfig       `yaml:"transitions"`
}

// DwellConfig carries the default dwell threshold.
type DwellConfig struct {
	DefaultThresholdMs int64 `yaml:"default_threshold_ms"`
}

// TransitionsConfig carries the enter/exit debounce window.
type TransitionsConfig struct {
	MinTransitionMs int64 `yaml:"min_transition_ms"`
}

// MotionConfig configures speed-derived events.
type MotionConfig struct {
	HistoryFrames        int     `yaml:"history_frames"`
	SuddenMotionSpeedPxS float64 `yaml:"sudden_motion_speed_px_s"`
	StopSpeedPxS         float64 `yaml:"stop_speed_px_s"`
	StopDurationMs       int64   `yaml:"stop_duration_ms"`
	EventCooldownMs      int64   `yaml:"event_cooldown_ms"`
}

// CollisionConfig configures pair proximity warnings.
type CollisionConfig struct {
	Pairs           [][]string `yaml:"pairs"`
	DistancePx      float64    `yaml:"distance_px"`
	ClosingSpeedPxS float64    `yaml:"closing_speed_px_s"`
	PairCooldownMs  int64      `yaml:"pair_cooldown_ms"`
	MaxGapMs        int64      `yaml:"max_gap_ms"`
}

// AbandonedConfig configures the abandoned-object state machine.
type AbandonedConfig struct {
	ObjectClasses          []string `yaml:"object_classes"`
	AssociateMaxDistancePx float64  `yaml:"associate_max_distance_px"`
	AssociateMinMs         int64    `yaml:"associate_min_ms"`
	AbandonDelayMs         int64    `yaml:"abandon_delay_ms"`
	StationaryMaxMovePx    float64  `yaml:"stationary_max_move_px"`
	Roi                    string   `yaml:"roi"`
	EventCooldownMs        int64    `yaml:"event_cooldown_ms"`
}

// SceneChangeConfig configures the pixel-level scene-change engine.
type SceneChangeConfig struct {
	Enabled          bool                      `yaml:"enabled"`
	Downsample       SceneDownsampleConfig     `yaml:"downsample"`
	EmaAlpha         float64                   `yaml:"ema_alpha"`
	PixelThreshold   float64                   `yaml:"pixel_threshold"`
	CellPx           int                       `yaml:"cell_px"`
	CellActiveRatio  float64                   `yaml:"cell_active_ratio"`
	MinBlobCells     int                       `yaml:"min_blob_cells"`
	ScoreThreshold   float64                   `yaml:"score_threshold"`
	MinPersistFrames int                       `yaml:"min_persist_frames"`
	CooldownMs       int64                     `yaml:"cooldown_ms"`
	Severity         SceneChangeSeverityConfig `yaml:"severity"`
}

// SceneDownsampleConfig bounds the scene-change working image.
type SceneDownsampleConfig struct {
	MaxDim int `yaml:"max_dim"`
}

// SceneChangeSeverityConfig maps blob scores to event severities.
type SceneChangeSeverityConfig struct {
	MediumScore float64 `yaml:"medium_score"`
	HighScore   float64 `yaml:"high_score"`
}

// InsightsConfig configures clip capture and the vision agent call.
type InsightsConfig struct {
	Enabled           bool             `yaml:"enabled"`
	AgentURL          string           `yaml:"agent_url"`
	AssetsDir         string           `yaml:"assets_dir"`
	Assets            AssetsConfig     `yaml:"assets"`
	TimeoutMs         int64            `yaml:"timeout_ms"`
	MaxFrames         int              `yaml:"max_frames"`
	PreFrames         int              `yaml:"pre_frames"`
	PostFrames        int              `yaml:"post_frames"`
	InsightCooldownMs int64            `yaml:"insight_cooldown_ms"`
	InlineImages      bool             `yaml:"inline_images"`
	Downsample        DownsampleConfig `yaml:"downsample"`
}

// AssetsConfig bounds the on-disk clip retention.
type AssetsConfig struct {
	MaxClips    int `yaml:"max_clips"`
	MaxAgeHours int `yaml:"max_age_hours"`
}

// DownsampleConfig controls clip-frame resizing before agent upload.
type DownsampleConfig struct {
	Enabled     bool `yaml:"enabled"`
	MaxDim      int  `yaml:"max_dim"`
	JPEGQuality int  `yaml:"jpeg_quality"`
}

// SurpriseConfig configures the automatic insight trigger. Weights and
// the threshold are floats so fractional scores stay representable.
type SurpriseConfig struct {
	Enabled    bool               `yaml:"enabled"`
	Threshold  float64            `yaml:"threshold"`
	CooldownMs int64              `yaml:"cooldown_ms"`
	Weights    map[string]float64 `yaml:"weights"`
}

// Default returns the configuration used when the file omits a value.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr: ":8080",
		},
		Detector: DetectorConfig{
			Conf:  0.35,
			Model: "yolo",
		},
		Tracking: TrackingConfig{
			Enabled:    true,
			BusyPolicy: "latest",
			Persist:    true,
			Tracker:    "bytetrack.yaml",
		},
		Roi: RoiConfig{
			Dwell:       DwellConfig{DefaultThresholdMs: 5000},
			Transitions: TransitionsConfig{MinTransitionMs: 250},
		},
		Motion: MotionConfig{
			HistoryFrames:        8,
			SuddenMotionSpeedPxS: 250,
			StopSpeedPxS:         20,
			StopDurationMs:       1500,
			EventCooldownMs:      1500,
		},
		Collision: CollisionConfig{
			Pairs:           [][]string{{"person", "person"}},
			DistancePx:      90,
			ClosingSpeedPxS: 120,
			PairCooldownMs:  1500,
		},
		Abandoned: AbandonedConfig{
			ObjectClasses:          []string{"backpack", "suitcase", "handbag"},
			AssociateMaxDistancePx: 120,
			AssociateMinMs:         1000,
			AbandonDelayMs:         5000,
			EventCooldownMs:        10_000,
		},
		SceneChange: SceneChangeConfig{
			Enabled:          true,
			Downsample:       SceneDownsampleConfig{MaxDim: 160},
			EmaAlpha:         0.08,
			PixelThreshold:   18,
			CellPx:           10,
			CellActiveRatio:  0.08,
			MinBlobCells:     4,
			ScoreThreshold:   1.2,
			MinPersistFrames: 3,
			CooldownMs:       2500,
			Severity:         SceneChangeSeverityConfig{MediumScore: 2.5, HighScore: 5},
		},
		Insights: InsightsConfig{
			AssetsDir:         "assets",
			Assets:            AssetsConfig{MaxClips: 200, MaxAgeHours: 24},
			TimeoutMs:         2000,
			MaxFrames:         6,
			PreFrames:         2,
			PostFrames:        2,
			InsightCooldownMs: 10_000,
			Downsample:        DownsampleConfig{Enabled: true, MaxDim: 640, JPEGQuality: 75},
		},
		Surprise: SurpriseConfig{
			Threshold:  5,
			CooldownMs: 10_000,
			Weights: map[string]float64{
				"scene_change":     5,
				"near_collision":   3,
				"abandoned_object": 3,
				"sudden_motion":    2,
				"line_cross":       2,
				"roi_enter":        1,
				"roi_dwell":        1,
			},
		},
	}
}

// Load reads path, decodes it over the defaults, normalizes, and
// validates. A nonexistent or invalid file is a startup failure.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(raw)
}

// Parse decodes YAML bytes over the defaults and validates the result.
func Parse(raw []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// normalize lowercases class names and clamps the insight frame windows.
func (c *Config) normalize() {
	for i, pair := range c.Collision.Pairs {
		for j, name := range pair {
			c.Collision.Pairs[i][j] = strings.ToLower(strings.TrimSpace(name))
		}
	}
	for i, name := range c.Abandoned.ObjectClasses {
		c.Abandoned.ObjectClasses[i] = strings.ToLower(strings.TrimSpace(name))
	}

	weights := make(map[string]float64, len(c.Surprise.Weights))
	for name, w := range c.Surprise.Weights {
		weights[strings.ToLower(strings.TrimSpace(name))] = w
	}
	c.Surprise.Weights = weights

	if c.Insights.MaxFrames < 1 {
		c.Insights.MaxFrames = 1
	}
	if c.Insights.MaxFrames > 6 {
		c.Insights.MaxFrames = 6
	}
	if c.Insights.PreFrames < 0 {
		c.Insights.PreFrames = 0
	}
	if c.Insights.PreFrames > c.Insights.MaxFrames-1 {
		c.Insights.PreFrames = c.Insights.MaxFrames - 1
	}
	if c.Insights.PostFrames < 0 {
		c.Insights.PostFrames = 0
	}
	if c.Insights.PostFrames > c.Insights.MaxFrames-1 {
		c.Insights.PostFrames = c.Insights.MaxFrames - 1
	}
}

// Validate checks the merged configuration. The first problem found
// aborts startup.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr must be set")
	}

	if c.Detector.Endpoint == "" {
		return fmt.Errorf("detector.endpoint must be set")
	}
	if err := validateHTTPURL(c.Detector.Endpoint); err != nil {
		return fmt.Errorf("detector.endpoint: %w", err)
	}
	if c.Detector.Conf < 0 || c.Detector.Conf > 1 {
		return fmt.Errorf("detector.conf must be in [0, 1], got %v", c.Detector.Conf)
	}

	if c.Tracking.BusyPolicy != "drop" && c.Tracking.BusyPolicy != "latest" {
		return fmt.Errorf("tracking.busy_policy must be \"drop\" or \"latest\", got %q", c.Tracking.BusyPolicy)
	}

	for name, r := range c.Roi.Regions {
		if name == "" {
			return fmt.Errorf("roi.regions: region name must not be empty")
		}
		if r.X1 >= r.X2 || r.Y1 >= r.Y2 {
			return fmt.Errorf("roi.regions[%q]: x1<x2 and y1<y2 required", name)
		}
		if r.DwellThresholdMs != nil && *r.DwellThresholdMs < 0 {
			return fmt.Errorf("roi.regions[%q]: dwell_threshold_ms must be >= 0", name)
		}
	}
	for name, l := range c.Roi.Lines {
		if name == "" {
			return fmt.Errorf("roi.lines: line name must not be empty")
		}
		if l.X1 == l.X2 && l.Y1 == l.Y2 {
			return fmt.Errorf("roi.lines[%q]: endpoints must be distinct", name)
		}
	}
	if c.Roi.Dwell.DefaultThresholdMs < 0 {
		return fmt.Errorf("roi.dwell.default_threshold_ms must be >= 0")
	}
	if c.Roi.Transitions.MinTransitionMs < 0 {
		return fmt.Errorf("roi.transitions.min_transition_ms must be >= 0")
	}

	if c.Motion.HistoryFrames < 2 {
		return fmt.Errorf("motion.history_frames must be >= 2, got %d", c.Motion.HistoryFrames)
	}
	if c.Motion.SuddenMotionSpeedPxS < 0 || c.Motion.StopSpeedPxS < 0 {
		return fmt.Errorf("motion speed thresholds must be >= 0")
	}
	if c.Motion.StopDurationMs < 0 || c.Motion.EventCooldownMs < 0 {
		return fmt.Errorf("motion durations must be >= 0")
	}

	for i, pair := range c.Collision.Pairs {
		if len(pair) != 2 || pair[0] == "" || pair[1] == "" {
			return fmt.Errorf("collision.pairs[%d] must be two class names", i)
		}
	}
	if c.Collision.DistancePx < 0 || c.Collision.ClosingSpeedPxS < 0 {
		return fmt.Errorf("collision thresholds must be >= 0")
	}
	if c.Collision.PairCooldownMs < 0 || c.Collision.MaxGapMs < 0 {
		return fmt.Errorf("collision durations must be >= 0")
	}

	for _, class := range c.Abandoned.ObjectClasses {
		if class == "person" {
			return fmt.Errorf("abandoned.object_classes must not include \"person\"")
		}
	}
	if c.Abandoned.AssociateMaxDistancePx < 0 || c.Abandoned.StationaryMaxMovePx < 0 {
		return fmt.Errorf("abandoned distances must be >= 0")
	}
	if c.Abandoned.AssociateMinMs < 0 || c.Abandoned.AbandonDelayMs < 0 || c.Abandoned.EventCooldownMs < 0 {
		return fmt.Errorf("abandoned durations must be >= 0")
	}
	if c.Abandoned.Roi != "" {
		if _, ok := c.Roi.Regions[c.Abandoned.Roi]; !ok {
			return fmt.Errorf("abandoned.roi %q does not name a configured region", c.Abandoned.Roi)
		}
	}

	if c.SceneChange.Downsample.MaxDim < 1 {
		return fmt.Errorf("scene_change.downsample.max_dim must be >= 1, got %d", c.SceneChange.Downsample.MaxDim)
	}
	if c.SceneChange.EmaAlpha <= 0 || c.SceneChange.EmaAlpha > 1 {
		return fmt.Errorf("scene_change.ema_alpha must be in (0, 1], got %v", c.SceneChange.EmaAlpha)
	}
	if c.SceneChange.PixelThreshold < 0 || c.SceneChange.ScoreThreshold < 0 {
		return fmt.Errorf("scene_change thresholds must be >= 0")
	}
	if c.SceneChange.CellPx < 1 {
		return fmt.Errorf("scene_change.cell_px must be >= 1, got %d", c.SceneChange.CellPx)
	}
	if c.SceneChange.CellActiveRatio < 0 || c.SceneChange.CellActiveRatio > 1 {
		return fmt.Errorf("scene_change.cell_active_ratio must be in [0, 1], got %v", c.SceneChange.CellActiveRatio)
	}
	if c.SceneChange.MinBlobCells < 1 || c.SceneChange.MinPersistFrames < 1 {
		return fmt.Errorf("scene_change.min_blob_cells and min_persist_frames must be >= 1")
	}
	if c.SceneChange.CooldownMs < 0 {
		return fmt.Errorf("scene_change.cooldown_ms must be >= 0")
	}
	if c.SceneChange.Severity.MediumScore < 0 || c.SceneChange.Severity.HighScore < c.SceneChange.Severity.MediumScore {
		return fmt.Errorf("scene_change.severity.high_score must be >= medium_score, both >= 0")
	}

	if c.Insights.Enabled {
		if c.Insights.AgentURL == "" {
			return fmt.Errorf("insights.agent_url must be set when insights are enabled")
		}
		if err := validateHTTPURL(c.Insights.AgentURL); err != nil {
			return fmt.Errorf("insights.agent_url: %w", err)
		}
		if c.Insights.AssetsDir == "" && !c.Insights.InlineImages {
			return fmt.Errorf("insights.assets_dir must be set unless inline_images is enabled")
		}
	}
	if c.Insights.Assets.MaxClips < 1 {
		return fmt.Errorf("insights.assets.max_clips must be >= 1, got %d", c.Insights.Assets.MaxClips)
	}
	if c.Insights.Assets.MaxAgeHours < 0 {
		return fmt.Errorf("insights.assets.max_age_hours must be >= 0")
	}
	if c.Insights.TimeoutMs < 1 {
		return fmt.Errorf("insights.timeout_ms must be >= 1, got %d", c.Insights.TimeoutMs)
	}
	if c.Insights.InsightCooldownMs < 0 {
		return fmt.Errorf("insights.insight_cooldown_ms must be >= 0")
	}
	if c.Insights.Downsample.MaxDim < 1 {
		return fmt.Errorf("insights.downsample.max_dim must be >= 1, got %d", c.Insights.Downsample.MaxDim)
	}
	if c.Insights.Downsample.JPEGQuality < 1 || c.Insights.Downsample.JPEGQuality > 100 {
		return fmt.Errorf("insights.downsample.jpeg_quality must be in [1, 100], got %d", c.Insights.Downsample.JPEGQuality)
	}

	if c.Surprise.Threshold <= 0 {
		return fmt.Errorf("surprise.threshold must be > 0, got %v", c.Surprise.Threshold)
	}
	if c.Surprise.CooldownMs < 0 {
		return fmt.Errorf("surprise.cooldown_ms must be >= 0")
	}
	for name, w := range c.Surprise.Weights {
		if w < 0 {
			return fmt.Errorf("surprise.weights[%q] must be >= 0, got %v", name, w)
		}
	}

	return nil
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("host must be set")
	}
	return nil
}

// LogEffective prints the effective settings at startup, one line per group.
func (c *Config) LogEffective() {
	log.Printf("[Config] server addr=%s detector=%s conf=%.2f", c.Server.Addr, c.Detector.Endpoint, c.Detector.Conf)
	log.Printf("[Config] tracking enabled=%v busy_policy=%s persist=%v tracker=%s",
		c.Tracking.Enabled, c.Tracking.BusyPolicy, c.Tracking.Persist, c.Tracking.Tracker)
	log.Printf("[Config] roi enabled=%v regions=%d lines=%d dwell_default_ms=%d min_transition_ms=%d",
		c.Roi.Enabled, len(c.Roi.Regions), len(c.Roi.Lines), c.Roi.Dwell.DefaultThresholdMs, c.Roi.Transitions.MinTransitionMs)
	log.Printf("[Config] motion history=%d sudden=%.0fpx/s stop=%.0fpx/s stop_ms=%d cooldown_ms=%d",
		c.Motion.HistoryFrames, c.Motion.SuddenMotionSpeedPxS, c.Motion.StopSpeedPxS, c.Motion.StopDurationMs, c.Motion.EventCooldownMs)
	log.Printf("[Config] collision pairs=%d distance=%.0fpx closing=%.0fpx/s cooldown_ms=%d",
		len(c.Collision.Pairs), c.Collision.DistancePx, c.Collision.ClosingSpeedPxS, c.Collision.PairCooldownMs)
	log.Printf("[Config] abandoned classes=%v associate=%.0fpx/%dms delay_ms=%d roi=%q",
		c.Abandoned.ObjectClasses, c.Abandoned.AssociateMaxDistancePx, c.Abandoned.AssociateMinMs, c.Abandoned.AbandonDelayMs, c.Abandoned.Roi)
	log.Printf("[Config] scene_change enabled=%v max_dim=%d ema_alpha=%v pixel_threshold=%v cell_px=%d score_threshold=%v persist=%d cooldown_ms=%d",
		c.SceneChange.Enabled, c.SceneChange.Downsample.MaxDim, c.SceneChange.EmaAlpha, c.SceneChange.PixelThreshold,
		c.SceneChange.CellPx, c.SceneChange.ScoreThreshold, c.SceneChange.MinPersistFrames, c.SceneChange.CooldownMs)
	log.Printf("[Config] insights enabled=%v agent=%s frames=%d(pre=%d,post=%d) inline=%v cooldown_ms=%d",
		c.Insights.Enabled, c.Insights.AgentURL, c.Insights.MaxFrames, c.Insights.PreFrames, c.Insights.PostFrames, c.Insights.InlineImages, c.Insights.InsightCooldownMs)
	log.Printf("[Config] surprise enabled=%v threshold=%v cooldown_ms=%d weights=%d",
		c.Surprise.Enabled, c.Surprise.Threshold, c.Surprise.CooldownMs, len(c.Surprise.Weights))
}
