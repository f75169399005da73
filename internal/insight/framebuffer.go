// Package insight buffers recent frames, scores event surprise, and
// turns short clips into natural-language summaries through an external
// vision agent.
package insight

import (
	"context"
	"sync"
	"time"
)

// bufferCapacity bounds the in-memory frame history.
const bufferCapacity = 128

// BufferedFrame is one retained frame with its buffer sequence number.
// Sequence numbers start at 1 and never repeat within a session.
type BufferedFrame struct {
	Seq     uint64
	FrameID string
	TsMs    int64
	Mime    string
	Image   []byte
}

// FrameBuffer keeps the most recent frames of a connection and signals
// arrivals so clip assembly can wait for frames past the trigger.
type FrameBuffer struct {
	mu      sync.Mutex
	frames  []BufferedFrame
	nextSeq uint64
	waiters map[chan struct{}]struct{}
}

// NewFrameBuffer creates an empty buffer.
func NewFrameBuffer() *FrameBuffer {
	return &FrameBuffer{
		nextSeq: 1,
		waiters: make(map[chan struct{}]struct{}),
	}
}

// Add retains a frame, evicting the oldest when full, and wakes every
// waiter. The image slice is stored as passed; the caller must not
// mutate it afterwards.
func (b *FrameBuffer) Add(frameID string, tsMs int64, mime string, image []byte) BufferedFrame {
	b.mu.Lock()
	frame := BufferedFrame{
		Seq:     b.nextSeq,
		FrameID: frameID,
		TsMs:    tsMs,
		Mime:    mime,
		Image:   image,
	}
	b.nextSeq++
	b.frames = append(b.frames, frame)
	if len(b.frames) > bufferCapacity {
		b.frames = b.frames[len(b.frames)-bufferCapacity:]
	}
	// Each waiter owns a one-slot channel; a full slot already means
	// "new frames", so the send never blocks.
	for ch := range b.waiters {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	b.mu.Unlock()

	return frame
}

// subscribe registers an arrival channel that Add will signal.
func (b *FrameBuffer) subscribe() chan struct{} {
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	b.waiters[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *FrameBuffer) unsubscribe(ch chan struct{}) {
	b.mu.Lock()
	delete(b.waiters, ch)
	b.mu.Unlock()
}

// Len returns the number of retained frames.
func (b *FrameBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.frames)
}

// Latest returns the newest frame, if any.
func (b *FrameBuffer) Latest() (BufferedFrame, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.frames) == 0 {
		return BufferedFrame{}, false
	}
	return b.frames[len(b.frames)-1], true
}

// FindTrigger returns the newest frame whose ID matches frameID, or the
// newest frame overall when no match is buffered.
func (b *FrameBuffer) FindTrigger(frameID string) (BufferedFrame, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.frames) - 1; i >= 0; i-- {
		if b.frames[i].FrameID == frameID {
			return b.frames[i], true
		}
	}
	if len(b.frames) == 0 {
		return BufferedFrame{}, false
	}
	return b.frames[len(b.frames)-1], true
}

// Before returns up to n frames with sequence numbers below seq, oldest
// first.
func (b *FrameBuffer) Before(seq uint64, n int) []BufferedFrame {
	if n <= 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []BufferedFrame
	for _, f := range b.frames {
		if f.Seq < seq {
			out = append(out, f)
		}
	}
	if len(out) > n {
		out = out[len(out)-n:]
	}
	return out
}

// after returns frames with sequence numbers above seq, oldest first.
func (b *FrameBuffer) after(seq uint64) []BufferedFrame {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []BufferedFrame
	for _, f := range b.frames {
		if f.Seq > seq {
			out = append(out, f)
		}
	}
	return out
}

// AwaitAfter collects up to want frames newer than seq, waiting for
// arrivals until the deadline or context cancellation. It returns
// whatever accumulated when time runs out.
func (b *FrameBuffer) AwaitAfter(ctx context.Context, seq uint64, want int, deadline time.Time) []BufferedFrame {
	if want <= 0 {
		return nil
	}

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	arrival := b.subscribe()
	defer b.unsubscribe(arrival)

	for {
		got := b.after(seq)
		if len(got) >= want {
			return got[:want]
		}

		select {
		case <-arrival:
		case <-timer.C:
			return got
		case <-ctx.Done():
			return got
		}
	}
}
