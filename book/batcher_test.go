package book

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBatcherFlushesAfterInterval(t *testing.T) {
	b := New()
	ba := NewBatcher(b, 10*time.Millisecond, testLogger())
	defer ba.Stop()

	ba.Enqueue("BTC-USD", Point{TS: 1, Price: 100})
	assert.Equal(t, 0, b.Len("BTC-USD"), "merge should be deferred to the flush")

	require.Eventually(t, func() bool {
		return b.Len("BTC-USD") == 1
	}, time.Second, time.Millisecond)
}

func TestBatcherCoalescesBurst(t *testing.T) {
	b := New()
	ba := NewBatcher(b, 10*time.Millisecond, testLogger())
	defer ba.Stop()

	for i := 0; i < 25; i++ {
		ba.Enqueue("BTC-USD", Point{TS: int64(i), Price: 100})
	}
	for i := 0; i < 10; i++ {
		ba.Enqueue("ETH-USD", Point{TS: int64(i), Price: 2000})
	}

	// Batching delays the merge but never discards tick data.
	require.Eventually(t, func() bool {
		return b.Len("BTC-USD") == 25 && b.Len("ETH-USD") == 10
	}, time.Second, time.Millisecond)
}

func TestBatcherManualFlush(t *testing.T) {
	b := New()
	ba := NewBatcher(b, time.Hour, testLogger())
	defer ba.Stop()

	ba.Enqueue("BTC-USD", Point{TS: 1, Price: 100})
	ba.Flush()
	assert.Equal(t, 1, b.Len("BTC-USD"))
	assert.Equal(t, 0, ba.PendingLen())

	// Flushing with nothing pending is a no-op.
	ba.Flush()
	assert.Equal(t, 1, b.Len("BTC-USD"))
}

func TestBatcherFlushTrimsToCap(t *testing.T) {
	b := NewWithCap(3)
	ba := NewBatcher(b, time.Hour, testLogger())
	defer ba.Stop()

	for i := 0; i < 5; i++ {
		ba.Enqueue("BTC-USD", Point{TS: int64(i), Price: float64(i)})
	}
	ba.Flush()

	s, _ := b.SeriesFor("BTC-USD")
	require.Len(t, s, 3)
	assert.Equal(t, int64(2), s[0].TS)
	assert.Equal(t, int64(4), s[2].TS)
}

func TestBatcherStopDrainsPending(t *testing.T) {
	b := New()
	ba := NewBatcher(b, time.Hour, testLogger())

	ba.Enqueue("BTC-USD", Point{TS: 1, Price: 100})
	ba.Stop()
	assert.Equal(t, 1, b.Len("BTC-USD"))

	// No new points after Stop.
	ba.Enqueue("BTC-USD", Point{TS: 2, Price: 101})
	ba.Flush()
	assert.Equal(t, 1, b.Len("BTC-USD"))
}

func TestBatcherStopDrainsRacingEnqueues(t *testing.T) {
	b := New()
	ba := NewBatcher(b, time.Hour, testLogger())

	// Hammer Flush from another goroutine so Stop overlaps merges in
	// flight. Whatever the interleaving, every accepted point must be
	// in the book once Stop returns.
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
				ba.Flush()
			}
		}
	}()

	const total = 200
	for i := 0; i < total; i++ {
		ba.Enqueue("BTC-USD", Point{TS: int64(i), Price: 100})
	}
	ba.Stop()

	assert.Equal(t, total, b.Len("BTC-USD"))

	close(done)
	wg.Wait()
}

func TestBatcherEnqueueDuringFlushNotLost(t *testing.T) {
	b := New()
	ba := NewBatcher(b, 5*time.Millisecond, testLogger())
	defer ba.Stop()

	// Interleave enqueues with timer-driven flushes; every point must
	// land in the book eventually.
	for i := 0; i < 50; i++ {
		ba.Enqueue("BTC-USD", Point{TS: int64(i), Price: 100})
		time.Sleep(time.Millisecond)
	}

	require.Eventually(t, func() bool {
		return b.Len("BTC-USD") == 50
	}, time.Second, time.Millisecond)
}
