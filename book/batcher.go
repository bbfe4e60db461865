package book

import (
	"log/slog"
	"sync"
	"time"
)

// DefaultBatchInterval is the flush cadence for coalescing tick bursts.
const DefaultBatchInterval = 100 * time.Millisecond

// Batcher decouples the inbound tick rate from Book mutation rate. Ticks
// accumulate in a pending map; a single timer, armed on the first pending
// point after each flush, merges them into the Book at a fixed interval.
// Batching only delays the merge — pending points are never discarded,
// trimming in the Book is the only thing that drops data.
type Batcher struct {
	mu       sync.Mutex
	cond     *sync.Cond // signalled when a flush finishes
	pending  map[string][]Point
	timer    *time.Timer
	flushing bool
	stopped  bool

	book     *Book
	interval time.Duration
	logger   *slog.Logger
}

// NewBatcher creates a Batcher flushing into book every interval.
func NewBatcher(book *Book, interval time.Duration, logger *slog.Logger) *Batcher {
	if interval <= 0 {
		interval = DefaultBatchInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	ba := &Batcher{
		pending:  make(map[string][]Point),
		book:     book,
		interval: interval,
		logger:   logger,
	}
	ba.cond = sync.NewCond(&ba.mu)
	return ba
}

// Enqueue buffers a point for the next flush and arms the flush timer if
// it is not already armed. Never blocks.
func (ba *Batcher) Enqueue(symbol string, p Point) {
	ba.mu.Lock()
	defer ba.mu.Unlock()

	if ba.stopped {
		return
	}
	ba.pending[symbol] = append(ba.pending[symbol], p)
	if ba.timer == nil {
		ba.timer = time.AfterFunc(ba.interval, ba.Flush)
	}
}

// Flush merges all pending points into the Book. At most one flush is in
// flight at a time; a call arriving while one is running is a no-op — the
// points it would have merged are picked up when the timer next fires.
func (ba *Batcher) Flush() {
	ba.mu.Lock()
	if ba.flushing {
		ba.mu.Unlock()
		return
	}
	ba.flushing = true
	if ba.timer != nil {
		ba.timer.Stop()
		ba.timer = nil
	}
	for {
		batch := ba.pending
		ba.pending = make(map[string][]Point)
		ba.mu.Unlock()

		for symbol, pts := range batch {
			ba.book.Append(symbol, pts...)
		}

		ba.mu.Lock()
		// After Stop there is no timer left to pick up points that
		// raced into pending while we merged, so keep draining.
		if !ba.stopped || len(ba.pending) == 0 {
			break
		}
	}
	ba.flushing = false
	// Points enqueued while we merged re-arm the timer themselves, but
	// only if Enqueue saw timer==nil after we cleared it. Enqueues that
	// raced the clear are covered here.
	if len(ba.pending) > 0 && ba.timer == nil && !ba.stopped {
		ba.timer = time.AfterFunc(ba.interval, ba.Flush)
	}
	ba.cond.Broadcast()
	ba.mu.Unlock()
}

// Stop disarms the timer and drains anything still pending, waiting out
// a flush already in flight. The Batcher accepts no new points
// afterwards; every point accepted before Stop is in the Book when it
// returns.
func (ba *Batcher) Stop() {
	ba.mu.Lock()
	ba.stopped = true
	if ba.timer != nil {
		ba.timer.Stop()
		ba.timer = nil
	}
	for ba.flushing {
		ba.cond.Wait()
	}
	// Nothing can repopulate pending now: Enqueue rejects, the timer is
	// disarmed, and a later Flush finds it empty. Merge the residue here
	// rather than through Flush, which a concurrent caller could claim
	// first and leave running past our return.
	batch := ba.pending
	ba.pending = make(map[string][]Point)
	ba.mu.Unlock()

	for symbol, pts := range batch {
		ba.book.Append(symbol, pts...)
	}
	ba.logger.Debug("Batcher stopped")
}

// PendingLen reports how many points are waiting for the next flush.
func (ba *Batcher) PendingLen() int {
	ba.mu.Lock()
	defer ba.mu.Unlock()
	n := 0
	for _, pts := range ba.pending {
		n += len(pts)
	}
	return n
}
