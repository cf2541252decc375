package indicator

import (
	"math"

	"chartfeed/internal/model"
)

// CCI calculates the Commodity Channel Index over typical prices:
// (tp - SMA(tp)) / (0.015 * mean absolute deviation). A zero deviation
// yields 0.
type CCI struct {
	period int
	tp     window
}

// NewCCI creates a CCI indicator.
func NewCCI(period int) *CCI {
	mustPositive("CCI period", period)
	return &CCI{period: period, tp: newWindow(period)}
}

func (c *CCI) Name() string     { return seriesName("CCI", c.period) }
func (c *CCI) Fields() []string { return []string{"value"} }
func (c *CCI) Ready() bool      { return c.tp.full() }

func (c *CCI) Update(bar model.Bar) ([]float64, bool) {
	tp := bar.TypicalPrice()
	c.tp.push(tp)
	if !c.tp.full() {
		return nil, false
	}
	n := float64(c.period)
	mean := c.tp.sum() / n
	dev := 0.0
	for i := 0; i < c.tp.count; i++ {
		dev += math.Abs(c.tp.at(i) - mean)
	}
	dev /= n
	if dev == 0 {
		return []float64{0}, true
	}
	return []float64{(tp - mean) / (0.015 * dev)}, true
}

// Reset clears the CCI state for reuse.
func (c *CCI) Reset() { c.tp.reset() }

func (c *CCI) Clone() Indicator {
	cp := *c
	cp.tp = c.tp.clone()
	return &cp
}

// CCISeries computes CCI(period) over bars.
func CCISeries(bars []model.Bar, period int) model.IndicatorSeries {
	return Compute(NewCCI(period), bars)
}
