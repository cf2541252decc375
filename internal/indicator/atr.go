package indicator

import (
	"math"

	"chartfeed/internal/model"
)

// trueRange is max(high-low, |high-prevClose|, |low-prevClose|); without a
// previous close it is high-low.
func trueRange(b model.Bar, prevClose float64, hasPrev bool) float64 {
	tr := b.High - b.Low
	if !hasPrev {
		return tr
	}
	return math.Max(tr, math.Max(math.Abs(b.High-prevClose), math.Abs(b.Low-prevClose)))
}

// wilderATR is the ATR state shared by ATR, SuperTrend and the signal
// projector: Wilder's RMA of the true range seeded with the first true
// range, atr_i = (atr_{i-1}*(period-1) + tr_i) / period.
type wilderATR struct {
	period    int
	count     int
	prevClose float64
	current   float64
}

func (a *wilderATR) add(b model.Bar) (float64, bool) {
	tr := trueRange(b, a.prevClose, a.count > 0)
	if a.count == 0 {
		a.current = tr
	} else {
		p := float64(a.period)
		a.current = (a.current*(p-1) + tr) / p
	}
	a.prevClose = b.Close
	a.count++
	return a.current, a.count >= a.period
}

func (a *wilderATR) reset() {
	a.count = 0
	a.prevClose = 0
	a.current = 0
}

// ATR calculates Average True Range with Wilder smoothing seeded by the
// first true range (not by an average of the first period ranges). The
// first point is emitted at bar index period-1.
type ATR struct {
	wilderATR
}

// NewATR creates an ATR indicator with the given period.
func NewATR(period int) *ATR {
	mustPositive("ATR period", period)
	return &ATR{wilderATR{period: period}}
}

func (a *ATR) Name() string     { return seriesName("ATR", a.period) }
func (a *ATR) Fields() []string { return []string{"value"} }
func (a *ATR) Ready() bool      { return a.count >= a.period }

func (a *ATR) Update(bar model.Bar) ([]float64, bool) {
	v, ok := a.add(bar)
	if !ok {
		return nil, false
	}
	return []float64{v}, true
}

// Reset clears the ATR state for reuse.
func (a *ATR) Reset() { a.reset() }

func (a *ATR) Clone() Indicator {
	c := *a
	return &c
}

// ATRSeries computes ATR(period) over bars.
func ATRSeries(bars []model.Bar, period int) model.IndicatorSeries {
	return Compute(NewATR(period), bars)
}
