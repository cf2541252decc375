package indicator

import "chartfeed/internal/model"

// WilliamsR calculates Williams %R:
// -100 * (highest high - close) / (highest high - lowest low) over period
// bars; a flat range yields 0.
type WilliamsR struct {
	period      int
	highs, lows window
}

// NewWilliamsR creates a Williams %R indicator.
func NewWilliamsR(period int) *WilliamsR {
	mustPositive("Williams %R period", period)
	return &WilliamsR{period: period, highs: newWindow(period), lows: newWindow(period)}
}

func (w *WilliamsR) Name() string     { return seriesName("WILLR", w.period) }
func (w *WilliamsR) Fields() []string { return []string{"value"} }
func (w *WilliamsR) Ready() bool      { return w.highs.full() }

func (w *WilliamsR) Update(bar model.Bar) ([]float64, bool) {
	w.highs.push(bar.High)
	w.lows.push(bar.Low)
	if !w.highs.full() {
		return nil, false
	}
	hh, ll := w.highs.max(), w.lows.min()
	if hh == ll {
		return []float64{0}, true
	}
	return []float64{-100 * (hh - bar.Close) / (hh - ll)}, true
}

// Reset clears the Williams %R state for reuse.
func (w *WilliamsR) Reset() {
	w.highs.reset()
	w.lows.reset()
}

func (w *WilliamsR) Clone() Indicator {
	c := *w
	c.highs = w.highs.clone()
	c.lows = w.lows.clone()
	return &c
}

// WilliamsRSeries computes Williams %R(period) over bars.
func WilliamsRSeries(bars []model.Bar, period int) model.IndicatorSeries {
	return Compute(NewWilliamsR(period), bars)
}
