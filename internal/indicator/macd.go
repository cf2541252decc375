package indicator

import (
	"fmt"

	"chartfeed/internal/model"
)

// MACDLevel buckets a histogram value for bar coloring by its sign and by
// whether it rose or fell against the previous histogram value.
type MACDLevel int

const (
	MACDStrongNegative MACDLevel = -2 // below zero and falling
	MACDWeakNegative   MACDLevel = -1 // below zero and rising
	MACDWeakPositive   MACDLevel = 1  // at or above zero and falling
	MACDStrongPositive MACDLevel = 2  // at or above zero and rising
)

func (l MACDLevel) String() string {
	switch l {
	case MACDStrongNegative:
		return "strong-negative"
	case MACDWeakNegative:
		return "weak-negative"
	case MACDWeakPositive:
		return "weak-positive"
	case MACDStrongPositive:
		return "strong-positive"
	default:
		return fmt.Sprintf("MACDLevel(%d)", int(l))
	}
}

// ClassifyHistogram returns the level of hist given the previous histogram
// value. hasPrev is false for the first histogram value, which never counts
// as rising.
func ClassifyHistogram(hist, prev float64, hasPrev bool) MACDLevel {
	rising := hasPrev && hist > prev
	if hist >= 0 {
		if rising {
			return MACDStrongPositive
		}
		return MACDWeakPositive
	}
	if rising {
		return MACDWeakNegative
	}
	return MACDStrongNegative
}

// MACD computes the MACD line (fast EMA - slow EMA), its signal EMA and the
// histogram, plus the histogram level. Points start once the signal line is
// warm, at bar index slow+signal-2. The level reads the previous histogram,
// so it is only correct when bars are folded in order.
type MACD struct {
	fast, slow, signal int
	fastEMA            ema
	slowEMA            ema
	signalEMA          ema
	prevHist           float64
	hasPrev            bool
}

// NewMACD creates a MACD(fast, slow, signal) indicator.
func NewMACD(fast, slow, signal int) *MACD {
	mustPositive("MACD fast period", fast)
	mustPositive("MACD slow period", slow)
	mustPositive("MACD signal period", signal)
	if fast >= slow {
		panic("indicator: MACD fast period must be shorter than slow period")
	}
	return &MACD{
		fast: fast, slow: slow, signal: signal,
		fastEMA:   newEMA(fast),
		slowEMA:   newEMA(slow),
		signalEMA: newEMA(signal),
	}
}

func (m *MACD) Name() string { return seriesName("MACD", m.fast, m.slow, m.signal) }
func (m *MACD) Fields() []string {
	return []string{"macd", "signal", "histogram", "level"}
}
func (m *MACD) Ready() bool { return m.signalEMA.count >= m.signal }

func (m *MACD) Update(bar model.Bar) ([]float64, bool) {
	f, _ := m.fastEMA.add(bar.Close)
	s, ok := m.slowEMA.add(bar.Close)
	if !ok {
		return nil, false
	}
	line := f - s
	sig, ok := m.signalEMA.add(line)
	if !ok {
		return nil, false
	}
	hist := line - sig
	level := ClassifyHistogram(hist, m.prevHist, m.hasPrev)
	m.prevHist, m.hasPrev = hist, true
	return []float64{line, sig, hist, float64(level)}, true
}

// Reset clears the MACD state for reuse.
func (m *MACD) Reset() {
	m.fastEMA = newEMA(m.fast)
	m.slowEMA = newEMA(m.slow)
	m.signalEMA = newEMA(m.signal)
	m.prevHist, m.hasPrev = 0, false
}

func (m *MACD) Clone() Indicator {
	c := *m
	return &c
}

// MACDSeries computes MACD(fast, slow, signal) over bars.
func MACDSeries(bars []model.Bar, fast, slow, signal int) model.IndicatorSeries {
	return Compute(NewMACD(fast, slow, signal), bars)
}

// LevelAt returns the MACD level stored in a MACD point.
func LevelAt(p model.IndicatorPoint) MACDLevel {
	return MACDLevel(int(p.Values[3]))
}
