// Package book holds the in-memory price history for subscribed products.
//
// The Book is the single shared mutable structure in the process. Only the
// Batcher's flush step writes to it; everything else (analytics, the HTTP
// surface) reads copies taken under the read lock.
package book

import "sync"

// MaxHistory is the per-symbol point cap. The exchange's ticker channel
// emits roughly one update per product per second, so 300 points span
// about five minutes — enough to cover the longest supported momentum
// timeframe (5m) at its 80% sufficiency threshold with headroom.
const MaxHistory = 300

// Point is a single observed price. Immutable once created.
type Point struct {
	TS    int64   `json:"ts"` // ms epoch
	Price float64 `json:"price"`
}

// Series is a time-ordered sequence of points for one symbol,
// non-decreasing by TS.
type Series []Point

// Latest returns the newest point of the series.
func (s Series) Latest() (Point, bool) {
	if len(s) == 0 {
		return Point{}, false
	}
	return s[len(s)-1], true
}

// Book maps canonical symbols (uppercase, exchange-qualified, e.g.
// "BTC-USD") to their bounded price series.
type Book struct {
	mu     sync.RWMutex
	series map[string]Series
	max    int
}

// New creates a Book capped at MaxHistory points per symbol.
func New() *Book {
	return NewWithCap(MaxHistory)
}

// NewWithCap creates a Book with a custom per-symbol cap. Used by tests;
// production code uses New.
func NewWithCap(max int) *Book {
	if max <= 0 {
		max = MaxHistory
	}
	return &Book{
		series: make(map[string]Series),
		max:    max,
	}
}

// Append adds points to a symbol's series, creating it on first use, and
// trims to the cap keeping the newest points. Points are assumed to be
// in arrival order.
func (b *Book) Append(symbol string, pts ...Point) {
	if len(pts) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	s := append(b.series[symbol], pts...)
	if len(s) > b.max {
		// Copy into a fresh slice so the evicted prefix's backing
		// array can be released.
		trimmed := make(Series, b.max)
		copy(trimmed, s[len(s)-b.max:])
		s = trimmed
	}
	b.series[symbol] = s
}

// Delete removes a symbol's series entirely.
func (b *Book) Delete(symbol string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.series, symbol)
}

// Len returns the number of points held for a symbol.
func (b *Book) Len(symbol string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.series[symbol])
}

// Latest returns the newest point for a symbol.
func (b *Book) Latest(symbol string) (Point, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.series[symbol].Latest()
}

// SeriesFor returns a copy of one symbol's series.
func (b *Book) SeriesFor(symbol string) (Series, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.series[symbol]
	if !ok {
		return nil, false
	}
	out := make(Series, len(s))
	copy(out, s)
	return out, true
}

// Symbols returns the symbols currently held.
func (b *Book) Symbols() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.series))
	for sym := range b.series {
		out = append(out, sym)
	}
	return out
}

// Snapshot returns a deep copy of the whole book. Callers may retain and
// mutate the result freely.
func (b *Book) Snapshot() map[string]Series {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]Series, len(b.series))
	for sym, s := range b.series {
		cp := make(Series, len(s))
		copy(cp, s)
		out[sym] = cp
	}
	return out
}
