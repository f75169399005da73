package insight

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"vigil/internal/protocol"
)

// Insight failure codes.
const (
	CodeInsightsDisabled        = "INSIGHTS_DISABLED"
	CodeInsightCooldown         = "INSIGHT_COOLDOWN"
	CodeInsightBusy             = "INSIGHT_BUSY"
	CodeNoTriggerFrame          = "NO_TRIGGER_FRAME"
	CodeNoClipFrames            = "NO_CLIP_FRAMES"
	CodeAssetWriteFailed        = "INSIGHT_ASSET_WRITE_FAILED"
	CodeDownsampleDecodeFailed  = "INSIGHT_DOWNSAMPLE_DECODE_FAILED"
	CodeDownsampleEncodeFailed  = "INSIGHT_DOWNSAMPLE_ENCODE_FAILED"
	CodeVisionAgentTimeout      = "VISION_AGENT_TIMEOUT"
	CodeVisionAgentUnreachable  = "VISION_AGENT_UNREACHABLE"
	CodeVisionAgentError        = "VISION_AGENT_ERROR"
	CodeVisionAgentInvalidReply = "VISION_AGENT_INVALID_RESPONSE"
)

// Error is a coded insight failure.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

func errorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// AgentFrame is one clip frame in the agent request. Exactly one of
// AssetRelPath and ImageB64 is set, depending on the deployment mode.
type AgentFrame struct {
	FrameID      string `json:"frame_id"`
	TsMs         int64  `json:"ts_ms"`
	Mime         string `json:"mime"`
	AssetRelPath string `json:"asset_rel_path,omitempty"`
	ImageB64     string `json:"image_b64,omitempty"`
}

// AgentRequest is the clip summary request sent to the vision agent.
type AgentRequest struct {
	ClipID         string           `json:"clip_id"`
	TriggerFrameID string           `json:"trigger_frame_id"`
	Frames         []AgentFrame     `json:"frames"`
	Events         []protocol.Event `json:"events,omitempty"`
}

// AgentResult is a validated agent reply.
type AgentResult struct {
	Summary protocol.InsightSummary
	Usage   protocol.InsightUsage
}

// AgentCaller produces a summary for a clip.
type AgentCaller interface {
	Summarize(ctx context.Context, req *AgentRequest) (*AgentResult, *Error)
}

// AgentClient calls the vision agent over HTTP.
type AgentClient struct {
	url    string
	client *http.Client
}

var _ AgentCaller = (*AgentClient)(nil)

// NewAgentClient creates a client for the agent endpoint. The timeout
// bounds the whole request including the agent's model call.
func NewAgentClient(url string, timeout time.Duration) *AgentClient {
	return &AgentClient{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

type agentWireResponse struct {
	Summary struct {
		OneLiner    string   `json:"one_liner"`
		TTSResponse string   `json:"tts_response"`
		WhatChanged []string `json:"what_changed"`
		Severity    string   `json:"severity"`
		Tags        []string `json:"tags"`
	} `json:"summary"`
	Usage struct {
		InputTokens  int     `json:"input_tokens"`
		OutputTokens int     `json:"output_tokens"`
		CostUSD      float64 `json:"cost_usd"`
	} `json:"usage"`
}

// Summarize posts the clip and validates the reply.
func (c *AgentClient) Summarize(ctx context.Context, req *AgentRequest) (*AgentResult, *Error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, errorf(CodeVisionAgentError, "encode request: %v", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, errorf(CodeVisionAgentError, "build request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return nil, errorf(CodeVisionAgentTimeout, "agent did not answer in time")
		}
		return nil, errorf(CodeVisionAgentUnreachable, "agent request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, errorf(CodeVisionAgentError, "agent returned status %d: %s", resp.StatusCode, agentErrorMessage(raw))
	}

	var wire agentWireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, errorf(CodeVisionAgentInvalidReply, "agent reply is not valid JSON: %v", err)
	}

	severity := protocol.Severity(wire.Summary.Severity)
	switch {
	case wire.Summary.OneLiner == "":
		return nil, errorf(CodeVisionAgentInvalidReply, "agent reply is missing summary.one_liner")
	case len(wire.Summary.WhatChanged) == 0:
		return nil, errorf(CodeVisionAgentInvalidReply, "agent reply is missing summary.what_changed")
	case len(wire.Summary.Tags) == 0:
		return nil, errorf(CodeVisionAgentInvalidReply, "agent reply is missing summary.tags")
	case !severity.Valid():
		return nil, errorf(CodeVisionAgentInvalidReply, "agent reply has unknown severity %q", wire.Summary.Severity)
	}

	return &AgentResult{
		Summary: protocol.InsightSummary{
			OneLiner:    wire.Summary.OneLiner,
			TTSResponse: wire.Summary.TTSResponse,
			WhatChanged: wire.Summary.WhatChanged,
			Severity:    severity,
			Tags:        wire.Summary.Tags,
		},
		Usage: protocol.InsightUsage{
			InputTokens:  wire.Usage.InputTokens,
			OutputTokens: wire.Usage.OutputTokens,
			CostUSD:      wire.Usage.CostUSD,
		},
	}, nil
}

// agentErrorMessage pulls error.message out of a JSON error body,
// falling back to the raw body when the shape does not match.
func agentErrorMessage(raw []byte) string {
	var wire struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &wire); err == nil && wire.Error.Message != "" {
		return wire.Error.Message
	}
	return string(bytes.TrimSpace(raw))
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}
