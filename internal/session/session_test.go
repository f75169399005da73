package session

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vigil/internal/config"
	"vigil/internal/detect"
	"vigil/internal/insight"
)

type fakeDetector struct {
	mu     sync.Mutex
	block  chan struct{}
	result detect.Result
	err    error
}

func (d *fakeDetector) Infer(ctx context.Context, _ *detect.Frame) (*detect.Result, error) {
	d.mu.Lock()
	block := d.block
	result := d.result
	err := d.err
	d.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	out := result
	return &out, nil
}

func personResult(trackID int) detect.Result {
	tid := trackID
	return detect.Result{
		Model: "yolo11n",
		Detections: []detect.RawDetection{
			{Cls: 0, Name: "person", Conf: 0.9, Box: []float64{40, 40, 80, 120}, TrackID: &tid},
		},
	}
}

func testConfig(t *testing.T, extra string) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(`
detector:
  endpoint: http://detector.internal:9000
roi:
  enabled: true
  transitions:
    min_transition_ms: 0
  regions:
    dock: {x1: 0, y1: 0, x2: 200, y2: 200}
` + extra))
	require.NoError(t, err)
	return cfg
}

func dialSession(t *testing.T, cfg *config.Config, detector detect.Detector, agent insight.AgentCaller) *websocket.Conn {
	t.Helper()

	srv := httptest.NewServer(NewHandler(cfg, detector, agent))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/infer"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func buildEnvelope(t *testing.T, frameID string, tsMs int64, image []byte) []byte {
	t.Helper()

	meta, err := json.Marshal(map[string]any{
		"type":        "frame_binary",
		"v":           1,
		"frame_id":    frameID,
		"ts_ms":       tsMs,
		"mime":        "image/jpeg",
		"width":       640,
		"height":      480,
		"image_bytes": len(image),
	})
	require.NoError(t, err)

	payload := make([]byte, 4, 4+len(meta)+len(image))
	binary.BigEndian.PutUint32(payload, uint32(len(meta)))
	payload = append(payload, meta...)
	return append(payload, image...)
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg map[string]any
	require.NoError(t, json.Unmarshal(payload, &msg))
	return msg
}

func expectHello(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	msg := readJSON(t, conn)
	require.Equal(t, "hello", msg["type"])
	assert.Equal(t, float64(1), msg["v"])
}

func TestSessionFrameRoundTrip(t *testing.T) {
	t.Parallel()

	detector := &fakeDetector{result: personResult(3)}
	conn := dialSession(t, testConfig(t, ""), detector, nil)
	expectHello(t, conn)

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, buildEnvelope(t, "f-1", 1000, []byte{0xff, 0xd8, 0xff})))

	msg := readJSON(t, conn)
	require.Equal(t, "detections", msg["type"])
	assert.Equal(t, "f-1", msg["frame_id"])
	assert.Equal(t, float64(640), msg["width"])
	assert.Equal(t, "yolo11n", msg["model"])

	detections := msg["detections"].([]any)
	require.Len(t, detections, 1)
	first := detections[0].(map[string]any)
	assert.Equal(t, "person", first["name"])
	assert.Equal(t, float64(3), first["track_id"])

	// The person's centroid (60,80) is inside the dock region.
	evts := msg["events"].([]any)
	require.Len(t, evts, 1)
	assert.Equal(t, "roi_enter", evts[0].(map[string]any)["name"])
}

func TestSessionMalformedFrameKeepsConnection(t *testing.T) {
	t.Parallel()

	detector := &fakeDetector{result: personResult(3)}
	conn := dialSession(t, testConfig(t, ""), detector, nil)
	expectHello(t, conn)

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{0x00, 0x01}))
	msg := readJSON(t, conn)
	require.Equal(t, "error", msg["type"])
	assert.Equal(t, "INVALID_FRAME_BINARY", msg["code"])

	// The session survives and keeps serving frames.
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, buildEnvelope(t, "f-2", 1000, []byte{0xff})))
	msg = readJSON(t, conn)
	assert.Equal(t, "detections", msg["type"])
}

func TestSessionTextCommands(t *testing.T) {
	t.Parallel()

	detector := &fakeDetector{result: personResult(3)}
	conn := dialSession(t, testConfig(t, ""), detector, nil)
	expectHello(t, conn)

	cases := []struct {
		payload string
		code    string
	}{
		{"{not json", "INVALID_JSON"},
		{`{"type":"frame_binary","v":1}`, "FRAME_BINARY_REQUIRED"},
		{`{"type":"command","v":2,"name":"insight_test"}`, "INVALID_COMMAND"},
		{`{"type":"telemetry","v":1}`, "INVALID_COMMAND"},
		{`{"type":"command","v":1,"name":"self_destruct"}`, "UNSUPPORTED_COMMAND"},
		{`{"type":"command","v":1,"name":"insight_test"}`, "INSIGHTS_DISABLED"},
	}
	for _, tc := range cases {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(tc.payload)))
		msg := readJSON(t, conn)
		require.Equal(t, "error", msg["type"], "payload %s", tc.payload)
		assert.Equal(t, tc.code, msg["code"], "payload %s", tc.payload)
	}
}

func TestSessionBusyPolicyDrop(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	detector := &fakeDetector{result: personResult(3), block: release}
	cfg := testConfig(t, "tracking: {busy_policy: drop}\n")
	conn := dialSession(t, cfg, detector, nil)
	expectHello(t, conn)

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, buildEnvelope(t, "f-1", 1000, []byte{0xff})))

	// Give the worker a moment to pick the frame up, then overload.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, buildEnvelope(t, "f-2", 1100, []byte{0xff})))

	msg := readJSON(t, conn)
	require.Equal(t, "error", msg["type"])
	assert.Equal(t, "BUSY", msg["code"])
	assert.Equal(t, "f-2", msg["frame_id"])

	close(release)
	msg = readJSON(t, conn)
	require.Equal(t, "detections", msg["type"])
	assert.Equal(t, "f-1", msg["frame_id"])
}

func TestSessionBusyPolicyLatestReplacesPending(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	detector := &fakeDetector{result: personResult(3), block: release}
	conn := dialSession(t, testConfig(t, ""), detector, nil)
	expectHello(t, conn)

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, buildEnvelope(t, "f-1", 1000, []byte{0xff})))
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, buildEnvelope(t, "f-2", 1100, []byte{0xff})))
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, buildEnvelope(t, "f-3", 1200, []byte{0xff})))
	time.Sleep(50 * time.Millisecond)
	close(release)

	// f-1 finishes, f-2 was replaced by f-3 in the pending slot.
	msg := readJSON(t, conn)
	require.Equal(t, "detections", msg["type"])
	assert.Equal(t, "f-1", msg["frame_id"])
	msg = readJSON(t, conn)
	require.Equal(t, "detections", msg["type"])
	assert.Equal(t, "f-3", msg["frame_id"])
}

func TestSessionInferenceError(t *testing.T) {
	t.Parallel()

	detector := &fakeDetector{err: assert.AnError}
	conn := dialSession(t, testConfig(t, ""), detector, nil)
	expectHello(t, conn)

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, buildEnvelope(t, "f-1", 1000, []byte{0xff})))
	msg := readJSON(t, conn)
	require.Equal(t, "error", msg["type"])
	assert.Equal(t, "INFERENCE_ERROR", msg["code"])
	assert.Equal(t, "f-1", msg["frame_id"])
}

func TestSessionInvalidImage(t *testing.T) {
	t.Parallel()

	detector := &fakeDetector{err: &detect.InvalidImageError{Message: "cannot decode image"}}
	conn := dialSession(t, testConfig(t, ""), detector, nil)
	expectHello(t, conn)

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, buildEnvelope(t, "f-1", 1000, []byte{0xff})))
	msg := readJSON(t, conn)
	require.Equal(t, "error", msg["type"])
	assert.Equal(t, "INVALID_IMAGE", msg["code"])
}

const agentReply = `{
  "summary": {
    "one_liner": "A person crosses the dock.",
    "what_changed": ["person 3 entered the dock"],
    "severity": "low",
    "tags": ["movement"]
  },
  "usage": {"input_tokens": 700, "output_tokens": 90, "cost_usd": 0.003}
}`

func TestSessionManualInsight(t *testing.T) {
	t.Parallel()

	agentSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(agentReply))
	}))
	t.Cleanup(agentSrv.Close)

	cfg := testConfig(t, `
insights:
  enabled: true
  agent_url: `+agentSrv.URL+`
  assets_dir: `+t.TempDir()+`
  downsample:
    enabled: false
  post_frames: 0
`)
	agent := insight.NewAgentClient(cfg.Insights.AgentURL, AgentTimeout(cfg))
	detector := &fakeDetector{result: personResult(3)}
	conn := dialSession(t, cfg, detector, agent)
	expectHello(t, conn)

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, buildEnvelope(t, "f-1", 1000, []byte{0xff, 0xd8})))
	msg := readJSON(t, conn)
	require.Equal(t, "detections", msg["type"])

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"command","v":1,"name":"insight_test"}`)))
	msg = readJSON(t, conn)
	require.Equal(t, "insight", msg["type"])
	assert.Equal(t, "f-1", msg["trigger_frame_id"])
	assert.NotEmpty(t, msg["clip_id"])

	summary := msg["summary"].(map[string]any)
	assert.Equal(t, "A person crosses the dock.", summary["one_liner"])
}
