package insight

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
)

// RetentionSettings bounds the on-disk clip store.
type RetentionSettings struct {
	MaxClips    int
	MaxAgeHours int
}

var frameIDSanitizer = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// sanitizeFrameID makes a frame ID safe for use in a filename. The
// result is never empty and never longer than 80 characters.
func sanitizeFrameID(frameID string) string {
	s := frameIDSanitizer.ReplaceAllString(frameID, "-")
	s = strings.Trim(s, "-_.")
	if len(s) > 80 {
		s = s[:80]
	}
	if s == "" {
		return "frame"
	}
	return s
}

// assetFileName names the nth clip frame on disk. Numbering is 1-based.
func assetFileName(number int, frameID string) string {
	return fmt.Sprintf("%02d-%s.jpg", number, sanitizeFrameID(frameID))
}

// persistClipFrames writes the clip frames under assetsDir/clipID and
// returns their paths relative to assetsDir.
func persistClipFrames(assetsDir, clipID string, frames []BufferedFrame, images [][]byte) ([]string, *Error) {
	clipDir := filepath.Join(assetsDir, clipID)
	if err := os.MkdirAll(clipDir, 0o755); err != nil {
		return nil, errorf(CodeAssetWriteFailed, "create clip dir: %v", err)
	}

	relPaths := make([]string, 0, len(frames))
	for i, frame := range frames {
		name := assetFileName(i+1, frame.FrameID)
		if err := os.WriteFile(filepath.Join(clipDir, name), images[i], 0o644); err != nil {
			return nil, errorf(CodeAssetWriteFailed, "write clip frame: %v", err)
		}
		relPaths = append(relPaths, filepath.ToSlash(filepath.Join(clipID, name)))
	}
	return relPaths, nil
}

// pruneAssetDirs enforces the retention bounds on assetsDir, newest
// clips first, never touching the clip currently being written. Failures
// are logged and otherwise ignored; retention must not break insights.
func pruneAssetDirs(assetsDir, currentClipID string, retention RetentionSettings) {
	entries, err := os.ReadDir(assetsDir)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("[Insight] prune: read assets dir: %v", err)
		}
		return
	}

	type clipDir struct {
		name    string
		modTime time.Time
	}
	var clips []clipDir
	for _, entry := range entries {
		if !entry.IsDir() || entry.Name() == currentClipID {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		clips = append(clips, clipDir{name: entry.Name(), modTime: info.ModTime()})
	}

	sort.Slice(clips, func(i, j int) bool {
		return clips[i].modTime.After(clips[j].modTime)
	})

	var maxAge time.Duration
	if retention.MaxAgeHours > 0 {
		maxAge = time.Duration(retention.MaxAgeHours) * time.Hour
	}

	// The current clip occupies one retention slot.
	keep := retention.MaxClips - 1
	if keep < 0 {
		keep = 0
	}

	for i, clip := range clips {
		tooMany := i >= keep
		tooOld := maxAge > 0 && time.Since(clip.modTime) > maxAge
		if !tooMany && !tooOld {
			continue
		}
		if err := os.RemoveAll(filepath.Join(assetsDir, clip.name)); err != nil {
			log.Printf("[Insight] prune: remove clip %s: %v", clip.name, err)
		}
	}
}
