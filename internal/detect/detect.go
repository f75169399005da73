// Package detect adapts an external object-detection HTTP service and
// normalizes its raw results into protocol detections.
package detect

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// healthCacheInterval limits how often the upstream /health probe runs.
const healthCacheInterval = 30 * time.Second

// Frame is one decoded inbound frame handed to the detector.
type Frame struct {
	FrameID string
	TsMs    int64
	Width   int
	Height  int
	Image   []byte
}

// Result is the detector output for one frame before normalization.
type Result struct {
	Model      string
	Detections []RawDetection
}

// RawDetection is one detector hit as reported by the upstream service.
type RawDetection struct {
	Cls     int       `json:"cls"`
	Name    string    `json:"name"`
	Conf    float64   `json:"conf"`
	Box     []float64 `json:"box"`
	TrackID *int      `json:"track_id"`
}

// Detector runs object detection on a single frame.
type Detector interface {
	Infer(ctx context.Context, frame *Frame) (*Result, error)
}

// InvalidImageError reports that the upstream rejected the frame bytes
// as undecodable.
type InvalidImageError struct {
	Message string
}

func (e *InvalidImageError) Error() string { return e.Message }

// Options configures the HTTP detector client.
type Options struct {
	Endpoint        string
	Conf            float64
	TrackingEnabled bool
	Persist         bool
	Tracker         string
	Timeout         time.Duration
}

// HTTPDetector calls a detection service over HTTP with multipart frame
// uploads. Safe for concurrent use.
type HTTPDetector struct {
	opts   Options
	client *http.Client

	healthMu      sync.Mutex
	healthChecked time.Time
	healthy       bool
}

var _ Detector = (*HTTPDetector)(nil)

// NewHTTPDetector creates a detector client for the given endpoint.
func NewHTTPDetector(opts Options) *HTTPDetector {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &HTTPDetector{
		opts:   opts,
		client: &http.Client{Timeout: opts.Timeout},
	}
}

// Infer uploads the frame and decodes the detection response.
func (d *HTTPDetector) Infer(ctx context.Context, frame *Frame) (*Result, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("image", frame.FrameID+".jpg")
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if _, err := part.Write(frame.Image); err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	fields := map[string]string{
		"conf":     strconv.FormatFloat(d.opts.Conf, 'f', -1, 64),
		"tracking": boolField(d.opts.TrackingEnabled),
		"persist":  boolField(d.opts.Persist),
	}
	if d.opts.Tracker != "" {
		fields["tracker"] = d.opts.Tracker
	}
	for name, value := range fields {
		if err := writer.WriteField(name, value); err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.opts.Endpoint+"/detect", &body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("detector request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnprocessableEntity {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &InvalidImageError{Message: strings.TrimSpace(string(msg))}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("detector returned status %d", resp.StatusCode)
	}

	var decoded struct {
		Model      string         `json:"model"`
		Detections []RawDetection `json:"detections"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode detector response: %w", err)
	}

	return &Result{Model: decoded.Model, Detections: decoded.Detections}, nil
}

// Healthy probes the upstream /health endpoint. Results are cached for
// 30 seconds to avoid hammering the detector on every status request.
func (d *HTTPDetector) Healthy(ctx context.Context) bool {
	d.healthMu.Lock()
	defer d.healthMu.Unlock()

	if time.Since(d.healthChecked) < healthCacheInterval {
		return d.healthy
	}

	d.healthChecked = time.Now()
	d.healthy = false

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.opts.Endpoint+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := d.client.Do(req)
	if err != nil {
		log.Printf("[Detect] health probe failed: %v", err)
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 512))

	d.healthy = resp.StatusCode == http.StatusOK
	return d.healthy
}

func boolField(v bool) string {
	if v {
		return "1"
	}
	return "0"
}
