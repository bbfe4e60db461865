// Package session tracks per-symbol baselines and derives session return:
// the percentage change from a user-marked baseline price to the current
// price.
package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/marketpulse/pulse/book"
)

// Baseline is the reference price recorded for a symbol when tracking
// started, or when the symbol first appeared mid-session.
type Baseline struct {
	Price float64   `json:"price"`
	Time  time.Time `json:"time"`
}

// Tracker records session baselines. It never touches the Book or the
// subscription set; it only reads snapshots handed to it.
type Tracker struct {
	mu        sync.RWMutex
	active    bool
	startedAt time.Time
	baselines map[string]Baseline

	logger *slog.Logger
}

// NewTracker creates an inactive Tracker.
func NewTracker(logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		baselines: make(map[string]Baseline),
		logger:    logger,
	}
}

// Start begins a session at now, recording the latest price of every
// symbol in the snapshot as its baseline. Symbols with no points yet get
// their baseline when their first tick arrives (see Observe).
func (t *Tracker) Start(snapshot map[string]book.Series, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.active = true
	t.startedAt = now
	t.baselines = make(map[string]Baseline, len(snapshot))
	for symbol, s := range snapshot {
		latest, ok := s.Latest()
		if !ok || latest.Price <= 0 {
			continue
		}
		t.baselines[symbol] = Baseline{Price: latest.Price, Time: now}
	}
	t.logger.Info("Session started", "baselines", len(t.baselines))
}

// Observe records a baseline for a symbol seen for the first time while a
// session is active. The baseline is the price at the moment of addition,
// not the session's original start price. Reports whether a baseline was
// recorded.
func (t *Tracker) Observe(symbol string, price float64, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.active || price <= 0 {
		return false
	}
	if _, ok := t.baselines[symbol]; ok {
		return false
	}
	t.baselines[symbol] = Baseline{Price: price, Time: now}
	t.logger.Debug("Session baseline added mid-session", "symbol", symbol, "price", price)
	return true
}

// Return gives the percentage change from the symbol's baseline to
// currentPrice, or 0 when no baseline is recorded.
func (t *Tracker) Return(symbol string, currentPrice float64) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	b, ok := t.baselines[symbol]
	if !ok || b.Price <= 0 {
		return 0
	}
	return (currentPrice - b.Price) / b.Price * 100
}

// Reset clears all baselines and ends the session. The Book and the
// subscription set are unaffected.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.active = false
	t.startedAt = time.Time{}
	t.baselines = make(map[string]Baseline)
	t.logger.Info("Session reset")
}

// Active reports whether a session is running.
func (t *Tracker) Active() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.active
}

// StartedAt returns the session start time; ok is false when no session
// is active.
func (t *Tracker) StartedAt() (time.Time, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.startedAt, t.active
}

// Baselines returns a copy of the recorded baselines.
func (t *Tracker) Baselines() map[string]Baseline {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]Baseline, len(t.baselines))
	for symbol, b := range t.baselines {
		out[symbol] = b
	}
	return out
}
