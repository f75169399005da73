package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"
)

// Version is the wire protocol version carried by every message.
const Version = 1

// binaryMetaLengthBytes is the size of the big-endian length prefix on
// binary frame envelopes.
const binaryMetaLengthBytes = 4

// MimeJPEG is the only frame payload type the service accepts.
const MimeJPEG = "image/jpeg"

// Severity classifies behavioral events and insight summaries.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Valid reports whether s is one of the known severity values.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh:
		return true
	}
	return false
}

// Error codes for per-frame recoverable failures.
const (
	CodeInvalidFrameBinary  = "INVALID_FRAME_BINARY"
	CodeInvalidJSON         = "INVALID_JSON"
	CodeInvalidImage        = "INVALID_IMAGE"
	CodeInvalidCommand      = "INVALID_COMMAND"
	CodeUnsupportedCommand  = "UNSUPPORTED_COMMAND"
	CodeFrameBinaryRequired = "FRAME_BINARY_REQUIRED"
	CodeBusy                = "BUSY"
	CodeInferenceError      = "INFERENCE_ERROR"
)

// ParseError is returned when a binary frame envelope cannot be decoded.
type ParseError struct {
	msg string
}

func (e *ParseError) Error() string { return e.msg }

func parseErrorf(format string, args ...any) *ParseError {
	return &ParseError{msg: fmt.Sprintf(format, args...)}
}

// FrameMeta is the JSON metadata object embedded in a binary frame envelope.
type FrameMeta struct {
	Type       string `json:"type"`
	V          int    `json:"v"`
	FrameID    string `json:"frame_id"`
	TsMs       int64  `json:"ts_ms"`
	Mime       string `json:"mime"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	ImageBytes int    `json:"image_bytes"`
}

func (m *FrameMeta) validate() error {
	switch {
	case m.Type != "frame_binary":
		return fmt.Errorf("type must be \"frame_binary\"")
	case m.V != Version:
		return fmt.Errorf("v must be %d", Version)
	case m.FrameID == "":
		return fmt.Errorf("frame_id must be non-empty")
	case m.TsMs < 0:
		return fmt.Errorf("ts_ms must be >= 0")
	case m.Mime != MimeJPEG:
		return fmt.Errorf("mime must be %q", MimeJPEG)
	case m.Width < 1:
		return fmt.Errorf("width must be >= 1")
	case m.Height < 1:
		return fmt.Errorf("height must be >= 1")
	case m.ImageBytes < 1:
		return fmt.Errorf("image_bytes must be >= 1")
	}
	return nil
}

// BinaryFrameEnvelope is a decoded inbound frame: validated metadata plus
// the raw JPEG payload.
type BinaryFrameEnvelope struct {
	Meta  FrameMeta
	Image []byte
}

// DecodeBinaryFrameEnvelope parses a binary payload of the form
// uint32_BE metadata length || JSON metadata || JPEG bytes.
func DecodeBinaryFrameEnvelope(payload []byte) (*BinaryFrameEnvelope, error) {
	if len(payload) < binaryMetaLengthBytes {
		return nil, parseErrorf("binary frame payload is too short")
	}

	metaLen := int(binary.BigEndian.Uint32(payload[:binaryMetaLengthBytes]))
	if metaLen <= 0 {
		return nil, parseErrorf("binary frame metadata length must be greater than zero")
	}

	metaEnd := binaryMetaLengthBytes + metaLen
	if len(payload) < metaEnd {
		return nil, parseErrorf("binary frame metadata length exceeds payload size")
	}

	metaRaw := payload[binaryMetaLengthBytes:metaEnd]
	if !utf8.Valid(metaRaw) {
		return nil, parseErrorf("binary frame metadata is not valid UTF-8")
	}

	var meta FrameMeta
	if err := json.Unmarshal(metaRaw, &meta); err != nil {
		return nil, parseErrorf("binary frame metadata is not valid JSON")
	}

	if err := meta.validate(); err != nil {
		if meta.FrameID != "" {
			return nil, parseErrorf("binary frame metadata is invalid for frame_id=%s: %v", meta.FrameID, err)
		}
		return nil, parseErrorf("binary frame metadata is invalid: %v", err)
	}

	image := payload[metaEnd:]
	if len(image) != meta.ImageBytes {
		return nil, parseErrorf("binary frame image length mismatch (expected %d, got %d)", meta.ImageBytes, len(image))
	}

	return &BinaryFrameEnvelope{Meta: meta, Image: image}, nil
}

// Detection is a single normalized detector result.
type Detection struct {
	Cls     int        `json:"cls"`
	Name    string     `json:"name"`
	Conf    float64    `json:"conf"`
	Box     [4]float64 `json:"box"`
	TrackID *int       `json:"track_id,omitempty"`
}

// Event is a single behavioral event derived from tracked detections.
type Event struct {
	Name     string         `json:"name"`
	TsMs     int64          `json:"ts_ms"`
	Severity Severity       `json:"severity"`
	TrackID  *int           `json:"track_id,omitempty"`
	Data     map[string]any `json:"data"`
}

// DetectionsMessage is the per-frame outbound message carrying the
// normalized detections and the behavioral events derived from them.
type DetectionsMessage struct {
	Type       string      `json:"type"`
	V          int         `json:"v"`
	FrameID    string      `json:"frame_id"`
	TsMs       int64       `json:"ts_ms"`
	Width      int         `json:"width"`
	Height     int         `json:"height"`
	Model      string      `json:"model"`
	Detections []Detection `json:"detections"`
	Events     []Event     `json:"events,omitempty"`
}

// NewDetectionsMessage creates an empty detections message for a frame.
func NewDetectionsMessage(frameID string, tsMs int64, width, height int, model string) *DetectionsMessage {
	return &DetectionsMessage{
		Type:       "detections",
		V:          Version,
		FrameID:    frameID,
		TsMs:       tsMs,
		Width:      width,
		Height:     height,
		Model:      model,
		Detections: make([]Detection, 0),
	}
}

// HelloMessage is sent once when a connection is accepted.
type HelloMessage struct {
	Type string `json:"type"`
	V    int    `json:"v"`
	Role string `json:"role"`
	TsMs int64  `json:"ts_ms"`
}

// ErrorMessage reports a recoverable failure to the client.
type ErrorMessage struct {
	Type    string `json:"type"`
	V       int    `json:"v"`
	FrameID string `json:"frame_id,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// CommandMessage is an inbound text command. The only supported command
// is "insight_test".
type CommandMessage struct {
	Type string `json:"type"`
	V    int    `json:"v"`
	Name string `json:"name"`
}

// InsightSummary is the natural-language result produced by the external
// vision agent.
type InsightSummary struct {
	OneLiner    string   `json:"one_liner"`
	TTSResponse string   `json:"tts_response,omitempty"`
	WhatChanged []string `json:"what_changed"`
	Severity    Severity `json:"severity"`
	Tags        []string `json:"tags"`
}

// InsightUsage reports agent token usage and cost.
type InsightUsage struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// InsightMessage delivers an agent summary for a clip to the client.
type InsightMessage struct {
	Type           string         `json:"type"`
	V              int            `json:"v"`
	ClipID         string         `json:"clip_id"`
	TriggerFrameID string         `json:"trigger_frame_id"`
	TsMs           int64          `json:"ts_ms"`
	Summary        InsightSummary `json:"summary"`
	Usage          InsightUsage   `json:"usage"`
}

// MakeHello builds the hello message emitted on accept.
func MakeHello(role string) *HelloMessage {
	return &HelloMessage{
		Type: "hello",
		V:    Version,
		Role: role,
		TsMs: time.Now().UnixMilli(),
	}
}

// MakeError builds an error message. frameID may be empty when unknown.
func MakeError(code, message, frameID string) *ErrorMessage {
	return &ErrorMessage{
		Type:    "error",
		V:       Version,
		FrameID: frameID,
		Code:    code,
		Message: message,
	}
}
