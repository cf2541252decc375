package indicator

import "chartfeed/internal/model"

// Stochastic calculates the fast stochastic oscillator:
// %K = 100 * (close - lowest low) / (highest high - lowest low) over kPeriod
// bars, and %D = SMA(dPeriod) of %K. A flat range yields %K = 0.
// Points start at bar index kPeriod+dPeriod-2.
type Stochastic struct {
	kPeriod, dPeriod int
	highs, lows      window
	d                window
	dSum             float64
}

// NewStochastic creates a Stochastic(kPeriod, dPeriod) indicator.
func NewStochastic(kPeriod, dPeriod int) *Stochastic {
	mustPositive("Stochastic %K period", kPeriod)
	mustPositive("Stochastic %D period", dPeriod)
	return &Stochastic{
		kPeriod: kPeriod, dPeriod: dPeriod,
		highs: newWindow(kPeriod), lows: newWindow(kPeriod), d: newWindow(dPeriod),
	}
}

func (s *Stochastic) Name() string     { return seriesName("STOCH", s.kPeriod, s.dPeriod) }
func (s *Stochastic) Fields() []string { return []string{"k", "d"} }
func (s *Stochastic) Ready() bool      { return s.d.full() }

func (s *Stochastic) Update(bar model.Bar) ([]float64, bool) {
	s.highs.push(bar.High)
	s.lows.push(bar.Low)
	if !s.highs.full() {
		return nil, false
	}
	hh, ll := s.highs.max(), s.lows.min()
	k := 0.0
	if hh != ll {
		k = 100 * (bar.Close - ll) / (hh - ll)
	}
	if old, ok := s.d.push(k); ok {
		s.dSum -= old
	}
	s.dSum += k
	if !s.d.full() {
		return nil, false
	}
	return []float64{k, s.dSum / float64(s.dPeriod)}, true
}

// Reset clears the Stochastic state for reuse.
func (s *Stochastic) Reset() {
	s.highs.reset()
	s.lows.reset()
	s.d.reset()
	s.dSum = 0
}

func (s *Stochastic) Clone() Indicator {
	c := *s
	c.highs = s.highs.clone()
	c.lows = s.lows.clone()
	c.d = s.d.clone()
	return &c
}

// StochasticSeries computes Stochastic(kPeriod, dPeriod) over bars.
func StochasticSeries(bars []model.Bar, kPeriod, dPeriod int) model.IndicatorSeries {
	return Compute(NewStochastic(kPeriod, dPeriod), bars)
}
