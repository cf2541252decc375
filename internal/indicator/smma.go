package indicator

import "chartfeed/internal/model"

// SMMA calculates Smoothed Moving Average (Wilder-style smoothing) of closes.
// First value is SMA(period), then SMMA = (prev*(period-1) + price) / period.
type SMMA struct {
	rma
}

// rma is Wilder's running moving average seeded with an SMA. Shared by
// SMMA and RSI.
type rma struct {
	period  int
	count   int
	sum     float64
	current float64
}

func (r *rma) add(v float64) (float64, bool) {
	r.count++
	if r.count <= r.period {
		// Accumulate for initial SMA seed
		r.sum += v
		if r.count == r.period {
			r.current = r.sum / float64(r.period)
			return r.current, true
		}
		return 0, false
	}
	p := float64(r.period)
	r.current = (r.current*(p-1) + v) / p
	return r.current, true
}

func (r *rma) reset() {
	r.count = 0
	r.sum = 0
	r.current = 0
}

// NewSMMA creates a new SMMA indicator with the given period.
func NewSMMA(period int) *SMMA {
	mustPositive("SMMA period", period)
	return &SMMA{rma: rma{period: period}}
}

func (s *SMMA) Name() string     { return seriesName("SMMA", s.period) }
func (s *SMMA) Fields() []string { return []string{"value"} }
func (s *SMMA) Ready() bool      { return s.count >= s.period }

func (s *SMMA) Update(bar model.Bar) ([]float64, bool) {
	v, ok := s.add(bar.Close)
	if !ok {
		return nil, false
	}
	return []float64{v}, true
}

// Reset clears the SMMA state for reuse.
func (s *SMMA) Reset() { s.reset() }

func (s *SMMA) Clone() Indicator {
	c := *s
	return &c
}

// SMMASeries computes SMMA(period) over bars.
func SMMASeries(bars []model.Bar, period int) model.IndicatorSeries {
	return Compute(NewSMMA(period), bars)
}
