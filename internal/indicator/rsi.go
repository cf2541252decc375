package indicator

import "chartfeed/internal/model"

// RSI calculates the Relative Strength Index using Wilder's smoothing method.
// The averages are seeded with the mean of the first period changes, so the
// first point is emitted at bar index period. Update is O(1) per bar.
type RSI struct {
	period    int
	count     int
	prevClose float64
	gain      rma
	loss      rma
}

// NewRSI creates a new RSI indicator with the given period (typically 14).
func NewRSI(period int) *RSI {
	mustPositive("RSI period", period)
	return &RSI{period: period, gain: rma{period: period}, loss: rma{period: period}}
}

func (r *RSI) Name() string     { return seriesName("RSI", r.period) }
func (r *RSI) Fields() []string { return []string{"value"} }
func (r *RSI) Ready() bool      { return r.count > r.period }

func (r *RSI) Update(bar model.Bar) ([]float64, bool) {
	price := bar.Close
	r.count++

	if r.count == 1 {
		// First bar: just record price, no delta yet
		r.prevClose = price
		return nil, false
	}

	delta := price - r.prevClose
	r.prevClose = price

	gain, loss := 0.0, 0.0
	if delta > 0 {
		gain = delta
	} else {
		loss = -delta
	}

	// Wilder's smoothing: avg = (prevAvg * (period-1) + x) / period
	avgGain, ok := r.gain.add(gain)
	avgLoss, _ := r.loss.add(loss)
	if !ok {
		return nil, false
	}
	return []float64{rsiValue(avgGain, avgLoss)}, true
}

func rsiValue(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		if avgGain == 0 {
			return 50.0
		}
		return 100.0
	}
	rs := avgGain / avgLoss
	return 100.0 - (100.0 / (1.0 + rs))
}

// Reset clears the RSI state for reuse.
func (r *RSI) Reset() {
	r.count = 0
	r.prevClose = 0
	r.gain.reset()
	r.loss.reset()
}

func (r *RSI) Clone() Indicator {
	c := *r
	return &c
}

// RSISeries computes RSI(period) over bars.
func RSISeries(bars []model.Bar, period int) model.IndicatorSeries {
	return Compute(NewRSI(period), bars)
}
