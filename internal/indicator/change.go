package indicator

import "chartfeed/internal/model"

// Change24h reports the close-to-close change against the bar lookback bars
// earlier. The lookback is a bar-count proxy for 24 hours (bars per day for
// the active timeframe), so across weekends, holidays or feed gaps it is an
// approximation rather than a wall-clock-exact 24h change.
type Change24h struct {
	lookback int
	closes   window
}

// NewChange24h creates a change indicator looking back the given number of
// bars.
func NewChange24h(lookback int) *Change24h {
	mustPositive("24h change lookback", lookback)
	return &Change24h{lookback: lookback, closes: newWindow(lookback + 1)}
}

func (c *Change24h) Name() string     { return seriesName("CHANGE24H", c.lookback) }
func (c *Change24h) Fields() []string { return []string{"change", "change_pct"} }
func (c *Change24h) Ready() bool      { return c.closes.full() }

func (c *Change24h) Update(bar model.Bar) ([]float64, bool) {
	c.closes.push(bar.Close)
	if !c.closes.full() {
		return nil, false
	}
	base := c.closes.at(0)
	diff := bar.Close - base
	pct := 0.0
	if base != 0 {
		pct = diff / base * 100
	}
	return []float64{diff, pct}, true
}

// Reset clears the change state for reuse.
func (c *Change24h) Reset() { c.closes.reset() }

func (c *Change24h) Clone() Indicator {
	cp := *c
	cp.closes = c.closes.clone()
	return &cp
}

// Change24hSeries computes the lookback-bar change over bars.
func Change24hSeries(bars []model.Bar, lookback int) model.IndicatorSeries {
	return Compute(NewChange24h(lookback), bars)
}
