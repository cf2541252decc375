package indicator

import "chartfeed/internal/model"

// SMA calculates Simple Moving Average over a rolling window of closes.
// Uses a preallocated circular buffer and a running sum.
type SMA struct {
	period int
	win    window
	sum    float64
}

// NewSMA creates a new SMA indicator with the given period.
func NewSMA(period int) *SMA {
	mustPositive("SMA period", period)
	return &SMA{period: period, win: newWindow(period)}
}

func (s *SMA) Name() string     { return seriesName("SMA", s.period) }
func (s *SMA) Fields() []string { return []string{"value"} }
func (s *SMA) Ready() bool      { return s.win.full() }

func (s *SMA) Update(bar model.Bar) ([]float64, bool) {
	if old, ok := s.win.push(bar.Close); ok {
		// Subtract the oldest value being overwritten
		s.sum -= old
	}
	s.sum += bar.Close
	if !s.win.full() {
		return nil, false
	}
	return []float64{s.sum / float64(s.period)}, true
}

// Reset clears the SMA state for reuse.
func (s *SMA) Reset() {
	s.win.reset()
	s.sum = 0
}

func (s *SMA) Clone() Indicator {
	c := *s
	c.win = s.win.clone()
	return &c
}

// SMASeries computes SMA(period) over bars.
func SMASeries(bars []model.Bar, period int) model.IndicatorSeries {
	return Compute(NewSMA(period), bars)
}
