// Package momentum computes rate-of-change analytics over a price series.
//
// Everything here is a pure function over an immutable Series snapshot —
// no shared state, callable from any goroutine. Insufficient data is not
// an error: functions degrade to 0, since momentum is expected to be
// undefined early in a series.
package momentum

import (
	"sort"

	"github.com/marketpulse/pulse/book"
)

// Timeframe is a named trailing window for momentum computation.
type Timeframe string

// Supported timeframes.
const (
	Timeframe30s Timeframe = "30s"
	Timeframe1m  Timeframe = "1m"
	Timeframe2m  Timeframe = "2m"
	Timeframe5m  Timeframe = "5m"
)

// DefaultWindow is the number of trailing prefixes averaged by Smoothed.
const DefaultWindow = 3

// sufficiencyRatio is the fraction of the timeframe a series must span
// before its momentum is considered meaningful.
const sufficiencyRatio = 0.8

// Millis returns the timeframe's length in milliseconds. ok is false for
// unrecognized timeframes.
func (tf Timeframe) Millis() (int64, bool) {
	switch tf {
	case Timeframe30s:
		return 30_000, true
	case Timeframe1m:
		return 60_000, true
	case Timeframe2m:
		return 120_000, true
	case Timeframe5m:
		return 300_000, true
	default:
		return 0, false
	}
}

// HasSufficientData reports whether the series spans at least 80% of the
// timeframe, i.e. whether Momentum over it is meaningful rather than a
// degenerate short-window reading.
func HasSufficientData(s book.Series, timeframeMs int64) bool {
	if len(s) < 2 {
		return false
	}
	span := s[len(s)-1].TS - s[0].TS
	return float64(span) >= sufficiencyRatio*float64(timeframeMs)
}

// Momentum returns the percentage price change from the point closest to
// (but not after) now-timeframeMs up to the newest point. Returns 0 when
// the series has fewer than two points or the reference price is unusable.
func Momentum(s book.Series, timeframeMs, now int64) float64 {
	if len(s) < 2 {
		return 0
	}
	ref := closestPreceding(s, now-timeframeMs)
	if ref.Price <= 0 {
		return 0
	}
	latest := s[len(s)-1]
	return (latest.Price - ref.Price) / ref.Price * 100
}

// Smoothed is a trailing moving average of Momentum over the window
// most-recent right-truncated prefixes of the series, damping single-tick
// jitter. Each prefix is evaluated at its own newest timestamp — what the
// plain metric would have read at that tick. Series shorter than window+1
// degrade to plain Momentum.
func Smoothed(s book.Series, timeframeMs int64, window int) float64 {
	if window <= 0 {
		window = DefaultWindow
	}
	if len(s) == 0 {
		return 0
	}
	if len(s) < window+1 {
		return Momentum(s, timeframeMs, s[len(s)-1].TS)
	}

	var sum float64
	for k := 0; k < window; k++ {
		prefix := s[:len(s)-k]
		sum += Momentum(prefix, timeframeMs, prefix[len(prefix)-1].TS)
	}
	return sum / float64(window)
}

// closestPreceding finds the point with the greatest timestamp <= target
// in O(log n). Falls back to the oldest point when none precedes target.
// The series can hold hundreds of points and momentum is recomputed on
// every tick, so a linear scan is deliberately avoided.
func closestPreceding(s book.Series, target int64) book.Point {
	// First index with TS > target; the candidate sits just before it.
	i := sort.Search(len(s), func(i int) bool { return s[i].TS > target })
	if i == 0 {
		return s[0]
	}
	return s[i-1]
}
