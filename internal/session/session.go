package session

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"vigil/internal/config"
	"vigil/internal/detect"
	"vigil/internal/events"
	"vigil/internal/insight"
	"vigil/internal/metrics"
	"vigil/internal/protocol"
)

const (
	// maxMessageBytes bounds inbound frames; a 4K JPEG stays well under.
	maxMessageBytes = 16 << 20
	writeTimeout    = 10 * time.Second
)

// Session is one client connection with its private engine and insight
// state.
type Session struct {
	cfg      *config.Config
	conn     *websocket.Conn
	detector detect.Detector
	engine   *events.Engine
	scene    *events.SceneChangeEngine
	buffer   *insight.FrameBuffer
	insights *insight.Coordinator

	sendMu sync.Mutex

	mu            sync.Mutex
	pending       *protocol.BinaryFrameEnvelope
	inFlight      bool
	manualRunning bool
	autoRunning   bool

	notify chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newSession(cfg *config.Config, conn *websocket.Conn, detector detect.Detector, agent insight.AgentCaller) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	buffer := insight.NewFrameBuffer()
	return &Session{
		cfg:      cfg,
		conn:     conn,
		detector: detector,
		engine:   buildEngine(cfg),
		scene:    buildSceneEngine(cfg),
		buffer:   buffer,
		insights: insight.NewCoordinator(insightSettings(cfg), buffer, agent),
		notify:   make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// run services the connection until the client disconnects, then waits
// for in-flight work to finish.
func (s *Session) run() {
	metrics.Connections.Inc()
	defer metrics.Connections.Dec()

	s.conn.SetReadLimit(maxMessageBytes)
	s.sendJSON(protocol.MakeHello("vigil"))

	s.wg.Add(1)
	go s.inferenceWorker()

	s.readLoop()

	s.cancel()
	s.conn.Close()
	s.wg.Wait()
}

func (s *Session) readLoop() {
	for {
		msgType, payload, err := s.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("[Session] read: %v", err)
			}
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			s.handleBinary(payload)
		case websocket.TextMessage:
			s.handleText(payload)
		}
	}
}

// handleBinary decodes the frame envelope, retains the frame for clips,
// and offers it to the inference worker.
func (s *Session) handleBinary(payload []byte) {
	env, err := protocol.DecodeBinaryFrameEnvelope(payload)
	if err != nil {
		s.sendError(protocol.CodeInvalidFrameBinary, err.Error(), "")
		return
	}

	// Frames are buffered for clip assembly even when the scheduler
	// drops them for inference.
	s.buffer.Add(env.Meta.FrameID, env.Meta.TsMs, env.Meta.Mime, env.Image)

	s.mu.Lock()
	busy := s.inFlight || s.pending != nil
	if busy && s.cfg.Tracking.BusyPolicy == "drop" {
		s.mu.Unlock()
		metrics.FramesDropped.WithLabelValues("busy").Inc()
		s.sendError(protocol.CodeBusy, "inference busy", env.Meta.FrameID)
		return
	}
	if s.pending != nil {
		metrics.FramesDropped.WithLabelValues("replaced").Inc()
	}
	s.pending = env
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// handleText dispatches client commands.
func (s *Session) handleText(payload []byte) {
	var cmd protocol.CommandMessage
	if err := json.Unmarshal(payload, &cmd); err != nil {
		s.sendError(protocol.CodeInvalidJSON, "message is not valid JSON", "")
		return
	}

	switch {
	case cmd.Type == "frame_binary":
		s.sendError(protocol.CodeFrameBinaryRequired, "frames must be sent as binary messages", "")
	case cmd.Type != "command" || cmd.V != protocol.Version:
		s.sendError(protocol.CodeInvalidCommand, "expected a v1 command message", "")
	case cmd.Name == "insight_test":
		s.startManualInsight()
	default:
		s.sendError(protocol.CodeUnsupportedCommand, "unknown command "+cmd.Name, "")
	}
}

// startManualInsight runs the insight_test command in its own goroutine.
// Only one manual run may be active per connection.
func (s *Session) startManualInsight() {
	s.mu.Lock()
	if s.manualRunning {
		s.mu.Unlock()
		s.sendError(insight.CodeInsightBusy, "an insight request is already running", "")
		return
	}
	s.manualRunning = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			s.manualRunning = false
			s.mu.Unlock()
		}()

		msg, ierr := s.insights.RunInsightTest(s.ctx)
		if s.ctx.Err() != nil {
			return
		}
		if ierr != nil {
			metrics.Insights.WithLabelValues(ierr.Code).Inc()
			log.Printf("[Insight] manual: %v", ierr)
			s.sendError(ierr.Code, ierr.Message, "")
			return
		}
		metrics.Insights.WithLabelValues("ok").Inc()
		s.sendJSON(msg)
	}()
}

// maybeAutoInsight evaluates the frame's events for an automatic
// insight. Failures are logged, never sent to the client.
func (s *Session) maybeAutoInsight(frameID string, evts []protocol.Event) {
	if !s.cfg.Insights.Enabled || !s.cfg.Surprise.Enabled || len(evts) == 0 {
		return
	}

	s.mu.Lock()
	if s.autoRunning {
		s.mu.Unlock()
		return
	}
	s.autoRunning = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			s.autoRunning = false
			s.mu.Unlock()
		}()

		msg, ierr := s.insights.RunAutoInsight(s.ctx, frameID, evts)
		if s.ctx.Err() != nil {
			return
		}
		if ierr != nil {
			metrics.Insights.WithLabelValues(ierr.Code).Inc()
			log.Printf("[Insight] auto: %v", ierr)
			return
		}
		if msg == nil {
			return
		}
		metrics.Insights.WithLabelValues("ok").Inc()
		s.sendJSON(msg)
	}()
}

// inferenceWorker drains the pending slot, one frame at a time.
func (s *Session) inferenceWorker() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.notify:
		}

		for {
			s.mu.Lock()
			env := s.pending
			s.pending = nil
			if env == nil {
				s.mu.Unlock()
				break
			}
			s.inFlight = true
			s.mu.Unlock()

			s.processFrame(env)

			s.mu.Lock()
			s.inFlight = false
			s.mu.Unlock()
		}
	}
}

// processFrame runs detection, normalization, and the behavioral
// engines, then ships the per-frame result.
func (s *Session) processFrame(env *protocol.BinaryFrameEnvelope) {
	frame := &detect.Frame{
		FrameID: env.Meta.FrameID,
		TsMs:    env.Meta.TsMs,
		Width:   env.Meta.Width,
		Height:  env.Meta.Height,
		Image:   env.Image,
	}

	start := time.Now()
	result, err := s.detector.Infer(s.ctx, frame)
	metrics.InferenceDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		var invalid *detect.InvalidImageError
		if errors.As(err, &invalid) {
			s.sendError(protocol.CodeInvalidImage, invalid.Message, env.Meta.FrameID)
			return
		}
		if s.ctx.Err() != nil {
			return
		}
		log.Printf("[Session] inference failed for frame %s: %v", env.Meta.FrameID, err)
		s.sendError(protocol.CodeInferenceError, "detector request failed", env.Meta.FrameID)
		return
	}

	detections := detect.Normalize(result.Detections, env.Meta.Width, env.Meta.Height, s.cfg.Tracking.Enabled)
	evts := s.engine.ProcessFrame(env.Meta.TsMs, detections)

	if s.scene != nil {
		sceneEvts, serr := s.scene.ProcessFrame(env.Meta.TsMs, env.Image)
		if serr != nil {
			// The detector already accepted this frame, so a decode
			// failure here is logged rather than sent as invalid_image.
			log.Printf("[Session] scene change skipped for frame %s: %v", env.Meta.FrameID, serr)
		}
		evts = append(evts, sceneEvts...)
	}

	metrics.FramesProcessed.Inc()
	for _, ev := range evts {
		metrics.EventsEmitted.WithLabelValues(ev.Name).Inc()
	}

	model := result.Model
	if model == "" {
		model = s.cfg.Detector.Model
	}

	msg := protocol.NewDetectionsMessage(env.Meta.FrameID, env.Meta.TsMs, env.Meta.Width, env.Meta.Height, model)
	msg.Detections = detections
	msg.Events = evts
	s.sendJSON(msg)

	s.maybeAutoInsight(env.Meta.FrameID, evts)
}

// sendJSON serializes one outbound message. The mutex keeps writes from
// the worker, the insight tasks, and the read loop from interleaving.
func (s *Session) sendJSON(v any) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := s.conn.WriteJSON(v); err != nil {
		log.Printf("[Session] write: %v", err)
	}
}

func (s *Session) sendError(code, message, frameID string) {
	s.sendJSON(protocol.MakeError(code, message, frameID))
}
