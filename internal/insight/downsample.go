package insight

import (
	"bytes"
	"image"
	"image/jpeg"

	"golang.org/x/image/draw"
)

// DownsampleSettings controls clip-frame resizing before agent upload.
type DownsampleSettings struct {
	Enabled     bool
	MaxDim      int
	JPEGQuality int
}

// downsampleJPEG re-encodes a JPEG at the configured quality, scaling it
// down first when the longer side exceeds maxDim. Frames are always
// re-encoded so the agent payload size stays predictable.
func downsampleJPEG(data []byte, maxDim, quality int) ([]byte, *Error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, errorf(CodeDownsampleDecodeFailed, "decode clip frame: %v", err)
	}

	bounds := src.Bounds()
	w, h := bounds.Dx(), bounds.Dy()

	dst := src
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
		draw.CatmullRom.Scale(scaled, scaled.Bounds(), src, bounds, draw.Over, nil)
		dst = scaled
	}

	var out bytes.Buffer
	if err := jpeg.Encode(&out, dst, &jpeg.Options{Quality: quality}); err != nil {
		return nil, errorf(CodeDownsampleEncodeFailed, "encode clip frame: %v", err)
	}
	return out.Bytes(), nil
}
