package indicator

import "chartfeed/internal/model"

// EMA calculates Exponential Moving Average over closes.
// Seeded with the first close; the first point is emitted at the bar with
// index period-1. O(1) per update, no window storage.
type EMA struct {
	ema
}

// ema is the value-level smoother shared by EMA and MACD.
type ema struct {
	period     int
	multiplier float64
	current    float64
	count      int
}

func newEMA(period int) ema {
	return ema{period: period, multiplier: 2.0 / float64(period+1)}
}

// add folds v and reports whether period values have been seen.
func (e *ema) add(v float64) (float64, bool) {
	e.count++
	if e.count == 1 {
		e.current = v
	} else {
		// EMA = (Price * multiplier) + (EMA_prev * (1 - multiplier))
		e.current = v*e.multiplier + e.current*(1-e.multiplier)
	}
	return e.current, e.count >= e.period
}

// NewEMA creates a new EMA indicator with the given period.
func NewEMA(period int) *EMA {
	mustPositive("EMA period", period)
	return &EMA{ema: newEMA(period)}
}

func (e *EMA) Name() string     { return seriesName("EMA", e.period) }
func (e *EMA) Fields() []string { return []string{"value"} }
func (e *EMA) Ready() bool      { return e.count >= e.period }

func (e *EMA) Update(bar model.Bar) ([]float64, bool) {
	v, ok := e.add(bar.Close)
	if !ok {
		return nil, false
	}
	return []float64{v}, true
}

// Reset clears the EMA state for reuse.
func (e *EMA) Reset() {
	e.current = 0
	e.count = 0
}

func (e *EMA) Clone() Indicator {
	c := *e
	return &c
}

// EMASeries computes EMA(period) over bars.
func EMASeries(bars []model.Bar, period int) model.IndicatorSeries {
	return Compute(NewEMA(period), bars)
}
