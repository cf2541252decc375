package model

import (
	"encoding/json"
	"math"
)

// Bar is one OHLCV candle. Time is the bucket start in unix seconds and is
// the unique key of the bar within a series.
type Bar struct {
	Time   int64   `json:"time"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

// IsBullish reports whether the bar closed at or above its open.
func (b Bar) IsBullish() bool { return b.Close >= b.Open }

// Valid checks finiteness, a positive time, non-negative volume and
// low <= min(open, close) <= max(open, close) <= high.
func (b Bar) Valid() bool {
	if b.Time <= 0 {
		return false
	}
	if !finite(b.Open) || !finite(b.High) || !finite(b.Low) || !finite(b.Close) || !finite(b.Volume) {
		return false
	}
	if b.Volume < 0 {
		return false
	}
	lo, hi := b.Open, b.Close
	if lo > hi {
		lo, hi = hi, lo
	}
	return b.Low <= lo && hi <= b.High
}

// TypicalPrice returns (high + low + close) / 3.
func (b Bar) TypicalPrice() float64 { return (b.High + b.Low + b.Close) / 3 }

// JSON returns the JSON-encoded bar (ignoring errors for hot-path usage).
func (b Bar) JSON() []byte {
	out, _ := json.Marshal(b)
	return out
}

// ClosedBar is a finalized bar delivered by a real-time feed. It is
// authoritative for its time bucket.
type ClosedBar struct {
	Symbol string `json:"symbol"`
	Bar
}

func finite(f float64) bool { return !math.IsNaN(f) && !math.IsInf(f, 0) }
