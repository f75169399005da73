package detect

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(v int) *int { return &v }

func TestNormalizeClampsAndReorders(t *testing.T) {
	t.Parallel()

	raw := []RawDetection{
		{Cls: 0, Name: " Person ", Conf: 1.4, Box: []float64{-10, 20, 700, 500}, TrackID: intPtr(3)},
		{Cls: 2, Name: "car", Conf: -0.1, Box: []float64{300, 400, 100, 200}},
		{Cls: 5, Name: "bus", Conf: 0.5, Box: []float64{1, 2, 3}}, // malformed box
	}

	out := Normalize(raw, 640, 480, true)
	require.Len(t, out, 2)

	assert.Equal(t, "person", out[0].Name)
	assert.Equal(t, 1.0, out[0].Conf)
	assert.Equal(t, [4]float64{0, 20, 640, 480}, out[0].Box)
	require.NotNil(t, out[0].TrackID)
	assert.Equal(t, 3, *out[0].TrackID)

	assert.Equal(t, 0.0, out[1].Conf)
	assert.Equal(t, [4]float64{100, 200, 300, 400}, out[1].Box, "corners reordered")
	assert.Nil(t, out[1].TrackID)
}

func TestNormalizeStripsTrackIDsWhenTrackingDisabled(t *testing.T) {
	t.Parallel()

	raw := []RawDetection{
		{Name: "person", Conf: 0.9, Box: []float64{0, 0, 10, 10}, TrackID: intPtr(7)},
	}

	out := Normalize(raw, 100, 100, false)
	require.Len(t, out, 1)
	assert.Nil(t, out[0].TrackID)
}

func TestHTTPDetectorInfer(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/detect", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1 << 20))

		assert.Equal(t, "0.35", r.FormValue("conf"))
		assert.Equal(t, "1", r.FormValue("tracking"))
		assert.Equal(t, "1", r.FormValue("persist"))
		assert.Equal(t, "bytetrack.yaml", r.FormValue("tracker"))

		file, header, err := r.FormFile("image")
		require.NoError(t, err)
		defer file.Close()
		assert.Equal(t, "f-1.jpg", header.Filename)

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"model":"yolo11n","detections":[{"cls":0,"name":"person","conf":0.87,"box":[10,10,50,90],"track_id":4}]}`))
	}))
	defer srv.Close()

	d := NewHTTPDetector(Options{
		Endpoint:        srv.URL,
		Conf:            0.35,
		TrackingEnabled: true,
		Persist:         true,
		Tracker:         "bytetrack.yaml",
	})

	result, err := d.Infer(context.Background(), &Frame{FrameID: "f-1", Image: []byte{0xff, 0xd8}})
	require.NoError(t, err)
	assert.Equal(t, "yolo11n", result.Model)
	require.Len(t, result.Detections, 1)
	assert.Equal(t, "person", result.Detections[0].Name)
	require.NotNil(t, result.Detections[0].TrackID)
	assert.Equal(t, 4, *result.Detections[0].TrackID)
}

func TestHTTPDetectorRejectedImage(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "cannot decode image", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	d := NewHTTPDetector(Options{Endpoint: srv.URL})
	_, err := d.Infer(context.Background(), &Frame{FrameID: "f-2", Image: []byte("junk")})

	var invalid *InvalidImageError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "cannot decode image", invalid.Message)
}

func TestHTTPDetectorUpstreamFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := NewHTTPDetector(Options{Endpoint: srv.URL})
	_, err := d.Infer(context.Background(), &Frame{FrameID: "f-3", Image: []byte{0xff}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
}

func TestHealthyCachesProbe(t *testing.T) {
	t.Parallel()

	probes := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/health", r.URL.Path)
		probes++
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewHTTPDetector(Options{Endpoint: srv.URL})
	assert.True(t, d.Healthy(context.Background()))
	assert.True(t, d.Healthy(context.Background()))
	assert.Equal(t, 1, probes, "second call served from cache")
}
