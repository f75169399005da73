package insight

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameBufferSequenceAndEviction(t *testing.T) {
	t.Parallel()

	b := NewFrameBuffer()
	for i := 0; i < bufferCapacity+10; i++ {
		f := b.Add(fmt.Sprintf("f-%d", i), int64(i), "image/jpeg", []byte{byte(i)})
		assert.Equal(t, uint64(i+1), f.Seq)
	}

	assert.Equal(t, bufferCapacity, b.Len())

	latest, ok := b.Latest()
	require.True(t, ok)
	assert.Equal(t, uint64(bufferCapacity+10), latest.Seq)

	// The oldest retained frame moved forward with the evictions.
	oldest := b.Before(latest.Seq, bufferCapacity)
	assert.Equal(t, uint64(11), oldest[0].Seq)
}

func TestFrameBufferFindTrigger(t *testing.T) {
	t.Parallel()

	b := NewFrameBuffer()

	_, ok := b.FindTrigger("anything")
	assert.False(t, ok, "empty buffer has no trigger")

	b.Add("f-1", 1, "image/jpeg", nil)
	b.Add("f-2", 2, "image/jpeg", nil)
	b.Add("f-3", 3, "image/jpeg", nil)

	f, ok := b.FindTrigger("f-2")
	require.True(t, ok)
	assert.Equal(t, "f-2", f.FrameID)

	// Unknown IDs fall back to the newest frame.
	f, ok = b.FindTrigger("gone")
	require.True(t, ok)
	assert.Equal(t, "f-3", f.FrameID)
}

func TestFrameBufferBefore(t *testing.T) {
	t.Parallel()

	b := NewFrameBuffer()
	for i := 1; i <= 5; i++ {
		b.Add(fmt.Sprintf("f-%d", i), int64(i), "image/jpeg", nil)
	}

	pre := b.Before(4, 2)
	require.Len(t, pre, 2)
	assert.Equal(t, "f-2", pre[0].FrameID)
	assert.Equal(t, "f-3", pre[1].FrameID)

	assert.Empty(t, b.Before(1, 2))
	assert.Empty(t, b.Before(4, 0))
}

func TestAwaitAfterReturnsBufferedImmediately(t *testing.T) {
	t.Parallel()

	b := NewFrameBuffer()
	for i := 1; i <= 4; i++ {
		b.Add(fmt.Sprintf("f-%d", i), int64(i), "image/jpeg", nil)
	}

	got := b.AwaitAfter(context.Background(), 2, 2, time.Now().Add(time.Second))
	require.Len(t, got, 2)
	assert.Equal(t, "f-3", got[0].FrameID)
	assert.Equal(t, "f-4", got[1].FrameID)
}

func TestAwaitAfterWakesOnArrival(t *testing.T) {
	t.Parallel()

	b := NewFrameBuffer()
	trigger := b.Add("f-1", 1, "image/jpeg", nil)

	go func() {
		time.Sleep(30 * time.Millisecond)
		b.Add("f-2", 2, "image/jpeg", nil)
	}()

	got := b.AwaitAfter(context.Background(), trigger.Seq, 1, time.Now().Add(2*time.Second))
	require.Len(t, got, 1)
	assert.Equal(t, "f-2", got[0].FrameID)
}

func TestAwaitAfterConcurrentWaitersAllWake(t *testing.T) {
	t.Parallel()

	b := NewFrameBuffer()
	trigger := b.Add("f-1", 1, "image/jpeg", nil)

	results := make(chan []BufferedFrame, 2)
	for i := 0; i < 2; i++ {
		go func() {
			results <- b.AwaitAfter(context.Background(), trigger.Seq, 1, time.Now().Add(2*time.Second))
		}()
	}

	time.Sleep(30 * time.Millisecond)
	b.Add("f-2", 2, "image/jpeg", nil)

	for i := 0; i < 2; i++ {
		got := <-results
		require.Len(t, got, 1)
		assert.Equal(t, "f-2", got[0].FrameID)
	}
}

func TestAwaitAfterDeadlineShipsShort(t *testing.T) {
	t.Parallel()

	b := NewFrameBuffer()
	trigger := b.Add("f-1", 1, "image/jpeg", nil)

	start := time.Now()
	got := b.AwaitAfter(context.Background(), trigger.Seq, 3, time.Now().Add(50*time.Millisecond))
	assert.Empty(t, got)
	assert.Less(t, time.Since(start), time.Second)
}

func TestAwaitAfterCancelled(t *testing.T) {
	t.Parallel()

	b := NewFrameBuffer()
	trigger := b.Add("f-1", 1, "image/jpeg", nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	got := b.AwaitAfter(ctx, trigger.Seq, 3, time.Now().Add(5*time.Second))
	assert.Empty(t, got)
}
