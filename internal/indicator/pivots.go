package indicator

import "chartfeed/internal/model"

// Pivots detects support/resistance pivots. The bar at position c is a
// resistance pivot when its high is strictly greater than every other high
// in [c-left, c+right], and a support pivot when its low is strictly lower
// than every other low in that window. A pivot needs right later bars to
// be confirmed, so output lags by right bars; the most recently confirmed
// level of each kind is carried forward until a newer one replaces it.
type Pivots struct {
	left, right int
	highs, lows window
	resistance  float64
	support     float64
	hasRes      bool
	hasSup      bool
}

// NewPivots creates a Pivots(left, right) indicator.
func NewPivots(left, right int) *Pivots {
	mustPositive("pivot left bars", left)
	mustPositive("pivot right bars", right)
	n := left + right + 1
	return &Pivots{left: left, right: right, highs: newWindow(n), lows: newWindow(n)}
}

func (p *Pivots) Name() string     { return seriesName("PIVOTS", p.left, p.right) }
func (p *Pivots) Fields() []string { return []string{"resistance", "support"} }
func (p *Pivots) Ready() bool      { return p.hasRes || p.hasSup }

func (p *Pivots) Update(bar model.Bar) ([]float64, bool) {
	p.highs.push(bar.High)
	p.lows.push(bar.Low)
	if !p.highs.full() {
		return nil, false
	}

	c := p.left
	if h := p.highs.at(c); strictExtreme(&p.highs, c, func(a, b float64) bool { return a > b }) {
		p.resistance, p.hasRes = h, true
	}
	if l := p.lows.at(c); strictExtreme(&p.lows, c, func(a, b float64) bool { return a < b }) {
		p.support, p.hasSup = l, true
	}

	if !p.hasRes && !p.hasSup {
		return nil, false
	}
	res, sup := nan, nan
	if p.hasRes {
		res = p.resistance
	}
	if p.hasSup {
		sup = p.support
	}
	return []float64{res, sup}, true
}

// strictExtreme reports whether better(w[c], w[i]) holds for every i != c.
func strictExtreme(w *window, c int, better func(a, b float64) bool) bool {
	v := w.at(c)
	for i := 0; i < w.count; i++ {
		if i != c && !better(v, w.at(i)) {
			return false
		}
	}
	return true
}

// Reset clears the Pivots state for reuse.
func (p *Pivots) Reset() {
	p.highs.reset()
	p.lows.reset()
	p.resistance, p.support = 0, 0
	p.hasRes, p.hasSup = false, false
}

func (p *Pivots) Clone() Indicator {
	c := *p
	c.highs = p.highs.clone()
	c.lows = p.lows.clone()
	return &c
}

// PivotsSeries computes Pivots(left, right) over bars.
func PivotsSeries(bars []model.Bar, left, right int) model.IndicatorSeries {
	return Compute(NewPivots(left, right), bars)
}
