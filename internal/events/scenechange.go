package events

import (
	"bytes"
	"fmt"
	"image"
	"math"

	"golang.org/x/image/draw"

	"vigil/internal/protocol"

	_ "image/jpeg"
)

// SceneChangeSettings configures the pixel-level scene-change engine.
type SceneChangeSettings struct {
	Enabled bool
	// DownsampleMaxDim bounds the longer side of the grayscale working
	// image the background model runs on.
	DownsampleMaxDim int
	// EmaAlpha is the background update rate, in (0, 1].
	EmaAlpha       float64
	PixelThreshold float64
	CellPx         int
	// CellActiveRatio is the fraction of changed pixels that marks a
	// grid cell active, in [0, 1].
	CellActiveRatio  float64
	MinBlobCells     int
	ScoreThreshold   float64
	MinPersistFrames int
	CooldownMs       int64
	MediumScore      float64
	HighScore        float64
}

// SceneBlob is one connected cluster of changed cells, with bounds
// normalized to [0, 1] of the working image.
type SceneBlob struct {
	X1        float64
	Y1        float64
	X2        float64
	Y2        float64
	AreaCells int
	Density   float64
}

// FrameDecodeError marks a frame payload that could not be decoded.
type FrameDecodeError struct {
	Err error
}

func (e *FrameDecodeError) Error() string {
	return fmt.Sprintf("frame image payload is not a valid JPEG image: %v", e.Err)
}

func (e *FrameDecodeError) Unwrap() error { return e.Err }

// SceneChangeEngine maintains an exponential-moving-average grayscale
// background and emits scene_change when enough changed cells cluster
// into blobs, persist across frames, and clear the cooldown.
type SceneChangeEngine struct {
	settings     SceneChangeSettings
	background   []float64
	bgW          int
	bgH          int
	persistCount int
	lastEmitMs   int64
	hasEmit      bool
}

// NewSceneChangeEngine creates a scene-change engine.
func NewSceneChangeEngine(settings SceneChangeSettings) *SceneChangeEngine {
	return &SceneChangeEngine{settings: settings}
}

// ProcessFrame folds one JPEG frame into the background model and
// returns a scene_change event when the change is large and persistent
// enough. The first frame only seeds the background.
func (e *SceneChangeEngine) ProcessFrame(tsMs int64, jpegBytes []byte) ([]protocol.Event, error) {
	if !e.settings.Enabled {
		return nil, nil
	}

	current, w, h, err := decodeGrayscale(jpegBytes, e.settings.DownsampleMaxDim)
	if err != nil {
		return nil, err
	}

	if e.background == nil || e.bgW != w || e.bgH != h {
		e.background = current
		e.bgW, e.bgH = w, h
		e.persistCount = 0
		return nil, nil
	}

	changed := make([]bool, len(current))
	for i, v := range current {
		if math.Abs(v-e.background[i]) > e.settings.PixelThreshold {
			changed[i] = true
		}
		e.background[i] = (1.0-e.settings.EmaAlpha)*e.background[i] + e.settings.EmaAlpha*v
	}

	blobs, score := e.extractBlobs(changed, w, h)

	if score < e.settings.ScoreThreshold || len(blobs) == 0 {
		e.persistCount = 0
		return nil, nil
	}
	e.persistCount++
	if e.persistCount < e.settings.MinPersistFrames {
		return nil, nil
	}

	if e.hasEmit && e.settings.CooldownMs > 0 && tsMs-e.lastEmitMs < e.settings.CooldownMs {
		return nil, nil
	}
	e.lastEmitMs = tsMs
	e.hasEmit = true

	severity := protocol.SeverityLow
	switch {
	case score >= e.settings.HighScore:
		severity = protocol.SeverityHigh
	case score >= e.settings.MediumScore:
		severity = protocol.SeverityMedium
	}

	blobData := make([]map[string]any, 0, len(blobs))
	for _, b := range blobs {
		blobData = append(blobData, map[string]any{
			"x1":         round4(b.X1),
			"y1":         round4(b.Y1),
			"x2":         round4(b.X2),
			"y2":         round4(b.Y2),
			"area_cells": b.AreaCells,
			"density":    round4(b.Density),
		})
	}

	return []protocol.Event{{
		Name:     "scene_change",
		TsMs:     tsMs,
		Severity: severity,
		Data: map[string]any{
			"score":  round4(score),
			"reason": "pixel",
			"blobs":  blobData,
		},
	}}, nil
}

// decodeGrayscale decodes a JPEG, scales it so the longer side fits
// maxDim, and returns the luma plane row-major.
func decodeGrayscale(data []byte, maxDim int) ([]float64, int, int, error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, 0, 0, &FrameDecodeError{Err: err}
	}

	bounds := src.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w > maxDim || h > maxDim {
		outW, outH := w, h
		if w >= h {
			outW = maxDim
			outH = h * maxDim / w
		} else {
			outH = maxDim
			outW = w * maxDim / h
		}
		if outW < 1 {
			outW = 1
		}
		if outH < 1 {
			outH = 1
		}

		scaled := image.NewRGBA(image.Rect(0, 0, outW, outH))
		draw.ApproxBiLinear.Scale(scaled, scaled.Bounds(), src, bounds, draw.Over, nil)
		src = scaled
		bounds = scaled.Bounds()
		w, h = outW, outH
	}

	gray := image.NewGray(image.Rect(0, 0, w, h))
	draw.Draw(gray, gray.Bounds(), src, bounds.Min, draw.Src)

	out := make([]float64, w*h)
	for y := 0; y < h; y++ {
		row := gray.Pix[y*gray.Stride : y*gray.Stride+w]
		for x, v := range row {
			out[y*w+x] = float64(v)
		}
	}
	return out, w, h, nil
}

// extractBlobs pools the change mask into a cell grid, clusters active
// cells with 8-connectivity, and scores each kept blob by area times
// density.
func (e *SceneChangeEngine) extractBlobs(changed []bool, w, h int) ([]SceneBlob, float64) {
	cellPx := e.settings.CellPx
	gridCols := (w + cellPx - 1) / cellPx
	gridRows := (h + cellPx - 1) / cellPx

	ratios := make([]float64, gridRows*gridCols)
	for row := 0; row < gridRows; row++ {
		y1 := row * cellPx
		y2 := min(h, y1+cellPx)
		for col := 0; col < gridCols; col++ {
			x1 := col * cellPx
			x2 := min(w, x1+cellPx)

			active := 0
			for y := y1; y < y2; y++ {
				for x := x1; x < x2; x++ {
					if changed[y*w+x] {
						active++
					}
				}
			}
			if area := (y2 - y1) * (x2 - x1); area > 0 {
				ratios[row*gridCols+col] = float64(active) / float64(area)
			}
		}
	}

	visited := make([]bool, len(ratios))
	var blobs []SceneBlob
	score := 0.0

	for row := 0; row < gridRows; row++ {
		for col := 0; col < gridCols; col++ {
			idx := row*gridCols + col
			if visited[idx] || ratios[idx] < e.settings.CellActiveRatio {
				continue
			}

			cells := collectCluster(ratios, visited, gridRows, gridCols, row, col, e.settings.CellActiveRatio)
			if len(cells) < e.settings.MinBlobCells {
				continue
			}

			minRow, maxRow := gridRows, -1
			minCol, maxCol := gridCols, -1
			density := 0.0
			for _, c := range cells {
				r, cc := c/gridCols, c%gridCols
				minRow, maxRow = min(minRow, r), max(maxRow, r)
				minCol, maxCol = min(minCol, cc), max(maxCol, cc)
				density += ratios[c]
			}
			density /= float64(len(cells))

			blob := SceneBlob{
				X1:        clamp01(float64(minCol*cellPx) / float64(w)),
				Y1:        clamp01(float64(minRow*cellPx) / float64(h)),
				X2:        clamp01(float64(min(w, (maxCol+1)*cellPx)) / float64(w)),
				Y2:        clamp01(float64(min(h, (maxRow+1)*cellPx)) / float64(h)),
				AreaCells: len(cells),
				Density:   density,
			}
			blobs = append(blobs, blob)
			score += float64(blob.AreaCells) * blob.Density
		}
	}

	return blobs, score
}

// collectCluster flood-fills the active cells reachable from (row, col)
// and returns their flat indices.
func collectCluster(ratios []float64, visited []bool, gridRows, gridCols, row, col int, activeRatio float64) []int {
	start := row*gridCols + col
	visited[start] = true
	queue := []int{start}
	var cluster []int

	for len(queue) > 0 {
		idx := queue[0]
		queue = queue[1:]
		cluster = append(cluster, idx)

		r, c := idx/gridCols, idx%gridCols
		for dr := -1; dr <= 1; dr++ {
			for dc := -1; dc <= 1; dc++ {
				if dr == 0 && dc == 0 {
					continue
				}
				nr, nc := r+dr, c+dc
				if nr < 0 || nc < 0 || nr >= gridRows || nc >= gridCols {
					continue
				}
				next := nr*gridCols + nc
				if visited[next] || ratios[next] < activeRatio {
					continue
				}
				visited[next] = true
				queue = append(queue, next)
			}
		}
	}

	return cluster
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
