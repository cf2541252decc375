package indicator

import (
	"math"

	"chartfeed/internal/model"
)

// bands is the rolling mean and population standard deviation of closes.
type bands struct {
	period int
	mult   float64
	win    window
}

// add returns middle, upper and lower once the window is full.
func (b *bands) add(close float64) (mid, upper, lower float64, ok bool) {
	b.win.push(close)
	if !b.win.full() {
		return 0, 0, 0, false
	}
	n := float64(b.period)
	mid = b.win.sum() / n
	variance := 0.0
	for i := 0; i < b.win.count; i++ {
		d := b.win.at(i) - mid
		variance += d * d
	}
	sd := math.Sqrt(variance / n)
	return mid, mid + b.mult*sd, mid - b.mult*sd, true
}

// Bollinger calculates Bollinger Bands: a period SMA of closes with bands
// mult population standard deviations (divide by N) above and below.
type Bollinger struct {
	bands
}

// NewBollinger creates a Bollinger(period, mult) indicator.
func NewBollinger(period int, mult float64) *Bollinger {
	mustPositive("Bollinger period", period)
	return &Bollinger{bands{period: period, mult: mult, win: newWindow(period)}}
}

func (b *Bollinger) Name() string     { return seriesName("BB", b.period, b.mult) }
func (b *Bollinger) Fields() []string { return []string{"middle", "upper", "lower"} }
func (b *Bollinger) Ready() bool      { return b.win.full() }

func (b *Bollinger) Update(bar model.Bar) ([]float64, bool) {
	mid, up, lo, ok := b.add(bar.Close)
	if !ok {
		return nil, false
	}
	return []float64{mid, up, lo}, true
}

// Reset clears the Bollinger state for reuse.
func (b *Bollinger) Reset() { b.win.reset() }

func (b *Bollinger) Clone() Indicator {
	c := *b
	c.win = b.win.clone()
	return &c
}

// BollingerSeries computes Bollinger(period, mult) over bars.
func BollingerSeries(bars []model.Bar, period int, mult float64) model.IndicatorSeries {
	return Compute(NewBollinger(period, mult), bars)
}
