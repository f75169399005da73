package insight

import (
	"context"
	"encoding/base64"
	"sync"
	"time"

	"github.com/google/uuid"

	"vigil/internal/protocol"
)

// SurpriseSettings configures the automatic trigger. Weights and the
// threshold are floats so fractional scores stay representable.
type SurpriseSettings struct {
	Enabled    bool
	Threshold  float64
	CooldownMs int64
	Weights    map[string]float64
}

// Settings configures the coordinator.
type Settings struct {
	Enabled      bool
	AssetsDir    string
	InlineImages bool
	MaxFrames    int
	PreFrames    int
	PostFrames   int
	// TimeoutMs bounds both the wait for post-trigger frames and the
	// agent call itself.
	TimeoutMs         int64
	InsightCooldownMs int64
	Downsample        DownsampleSettings
	Retention         RetentionSettings
	Surprise          SurpriseSettings
}

// Coordinator assembles clips around a trigger frame and requests
// summaries from the vision agent. One coordinator serves one
// connection; cooldown state is per connection.
type Coordinator struct {
	settings Settings
	buffer   *FrameBuffer
	agent    AgentCaller
	nowMs    func() int64

	mu             sync.Mutex
	lastInsightMs  int64
	hasInsight     bool
	lastSurpriseMs int64
	hasSurprise    bool
}

// NewCoordinator creates a coordinator over the connection's buffer.
func NewCoordinator(settings Settings, buffer *FrameBuffer, agent AgentCaller) *Coordinator {
	return &Coordinator{
		settings: settings,
		buffer:   buffer,
		agent:    agent,
		nowMs:    func() int64 { return time.Now().UnixMilli() },
	}
}

// SurpriseScore sums the configured weights of the frame's events.
func (c *Coordinator) SurpriseScore(events []protocol.Event) float64 {
	score := 0.0
	for _, ev := range events {
		score += c.settings.Surprise.Weights[ev.Name]
	}
	return score
}

// RunInsightTest handles the manual insight command: it summarizes a
// clip around the most recent frame, subject to the insight cooldown.
func (c *Coordinator) RunInsightTest(ctx context.Context) (*protocol.InsightMessage, *Error) {
	if !c.settings.Enabled {
		return nil, errorf(CodeInsightsDisabled, "insights are disabled")
	}

	trigger, ok := c.buffer.Latest()
	if !ok {
		return nil, errorf(CodeNoTriggerFrame, "no frames buffered yet")
	}

	now := c.nowMs()
	c.mu.Lock()
	if c.hasInsight && c.settings.InsightCooldownMs > 0 && now-c.lastInsightMs < c.settings.InsightCooldownMs {
		c.mu.Unlock()
		return nil, errorf(CodeInsightCooldown, "insight cooldown active")
	}
	c.lastInsightMs = now
	c.hasInsight = true
	c.mu.Unlock()

	return c.requestInsight(ctx, trigger, nil)
}

// RunAutoInsight evaluates the frame's events against the surprise
// threshold and, when warranted, summarizes a clip around the frame.
// A (nil, nil) return means nothing was surprising enough or a
// cooldown is active; only real failures produce an Error.
func (c *Coordinator) RunAutoInsight(ctx context.Context, frameID string, events []protocol.Event) (*protocol.InsightMessage, *Error) {
	if !c.settings.Enabled {
		return nil, errorf(CodeInsightsDisabled, "insights are disabled")
	}
	if !c.settings.Surprise.Enabled {
		return nil, nil
	}

	score := c.SurpriseScore(events)
	if score < c.settings.Surprise.Threshold {
		return nil, nil
	}

	trigger, ok := c.buffer.FindTrigger(frameID)
	if !ok {
		return nil, nil
	}

	// Checking and stamping the cooldowns in one critical section keeps
	// concurrent triggers from both passing the check.
	now := c.nowMs()
	c.mu.Lock()
	if c.hasSurprise && c.settings.Surprise.CooldownMs > 0 && now-c.lastSurpriseMs < c.settings.Surprise.CooldownMs {
		c.mu.Unlock()
		return nil, nil
	}
	if c.hasInsight && c.settings.InsightCooldownMs > 0 && now-c.lastInsightMs < c.settings.InsightCooldownMs {
		c.mu.Unlock()
		return nil, nil
	}
	c.lastSurpriseMs = now
	c.hasSurprise = true
	c.lastInsightMs = now
	c.hasInsight = true
	c.mu.Unlock()

	return c.requestInsight(ctx, trigger, events)
}

// requestInsight assembles the clip around trigger, prepares the frame
// payloads, and calls the agent.
func (c *Coordinator) requestInsight(ctx context.Context, trigger BufferedFrame, events []protocol.Event) (*protocol.InsightMessage, *Error) {
	selected := append(c.buffer.Before(trigger.Seq, c.settings.PreFrames), trigger)

	postTarget := c.settings.PostFrames
	if room := c.settings.MaxFrames - len(selected); postTarget > room {
		postTarget = room
	}
	if postTarget > 0 {
		deadline := time.Now().Add(time.Duration(c.settings.TimeoutMs) * time.Millisecond)
		selected = append(selected, c.buffer.AwaitAfter(ctx, trigger.Seq, postTarget, deadline)...)
	}
	if len(selected) > c.settings.MaxFrames {
		selected = selected[:c.settings.MaxFrames]
	}
	if len(selected) == 0 {
		return nil, errorf(CodeNoClipFrames, "clip has no frames")
	}

	images := make([][]byte, len(selected))
	for i, frame := range selected {
		img := frame.Image
		if c.settings.Downsample.Enabled {
			scaled, derr := downsampleJPEG(img, c.settings.Downsample.MaxDim, c.settings.Downsample.JPEGQuality)
			if derr != nil {
				return nil, derr
			}
			img = scaled
		}
		images[i] = img
	}

	clipID := uuid.NewString()
	agentFrames := make([]AgentFrame, len(selected))
	for i, frame := range selected {
		agentFrames[i] = AgentFrame{FrameID: frame.FrameID, TsMs: frame.TsMs, Mime: "image/jpeg"}
	}

	if c.settings.InlineImages {
		for i := range agentFrames {
			agentFrames[i].ImageB64 = base64.StdEncoding.EncodeToString(images[i])
		}
	} else {
		relPaths, perr := persistClipFrames(c.settings.AssetsDir, clipID, selected, images)
		if perr != nil {
			return nil, perr
		}
		for i := range agentFrames {
			agentFrames[i].AssetRelPath = relPaths[i]
		}
		pruneAssetDirs(c.settings.AssetsDir, clipID, c.settings.Retention)
	}

	result, aerr := c.agent.Summarize(ctx, &AgentRequest{
		ClipID:         clipID,
		TriggerFrameID: trigger.FrameID,
		Frames:         agentFrames,
		Events:         events,
	})
	if aerr != nil {
		return nil, aerr
	}

	return &protocol.InsightMessage{
		Type:           "insight",
		V:              protocol.Version,
		ClipID:         clipID,
		TriggerFrameID: trigger.FrameID,
		TsMs:           c.nowMs(),
		Summary:        result.Summary,
		Usage:          result.Usage,
	}, nil
}
