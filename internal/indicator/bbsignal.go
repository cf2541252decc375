package indicator

import "chartfeed/internal/model"

// Signal directions reported in the projector "direction" field.
const (
	SignalBuy  = 1
	SignalSell = -1
)

// SignalProjector turns Bollinger band breaches into trade levels. A close
// above the upper band is a sell signal and a close below the lower band is
// a buy signal. A signal in the same direction as the previous one is
// suppressed; an opposite signal replaces the active one. Each signal sets
// a stop at slMult*ATR against the entry and take-profits at 1, 2 and 3
// times that distance in its favor, and paints those levels on the signal
// bar and the following bars for horizon bars in total.
type SignalProjector struct {
	bands   bands
	atr     wilderATR
	slMult  float64
	horizon int

	lastDir   int
	remaining int
	levels    [6]float64 // direction, entry, stop, tp1, tp2, tp3
}

// NewSignalProjector creates a projector over Bollinger(period, mult) and
// ATR(atrPeriod).
func NewSignalProjector(period int, mult float64, atrPeriod int, slMult float64, horizon int) *SignalProjector {
	mustPositive("projector Bollinger period", period)
	mustPositive("projector ATR period", atrPeriod)
	mustPositive("projector horizon", horizon)
	return &SignalProjector{
		bands:   bands{period: period, mult: mult, win: newWindow(period)},
		atr:     wilderATR{period: atrPeriod},
		slMult:  slMult,
		horizon: horizon,
	}
}

func (s *SignalProjector) Name() string {
	return seriesName("BBSIGNAL", s.bands.period, s.bands.mult, s.atr.period, s.slMult, s.horizon)
}
func (s *SignalProjector) Fields() []string {
	return []string{"direction", "entry", "stop_loss", "tp1", "tp2", "tp3"}
}
func (s *SignalProjector) Ready() bool { return s.bands.win.full() && s.atr.count >= s.atr.period }

func (s *SignalProjector) Update(bar model.Bar) ([]float64, bool) {
	_, upper, lower, bandsOK := s.bands.add(bar.Close)
	atr, atrOK := s.atr.add(bar)

	if bandsOK && atrOK {
		dir := 0
		switch {
		case bar.Close > upper:
			dir = SignalSell
		case bar.Close < lower:
			dir = SignalBuy
		}
		if dir != 0 && dir != s.lastDir {
			s.lastDir = dir
			s.remaining = s.horizon
			risk := s.slMult * atr
			d := float64(dir)
			s.levels = [6]float64{
				d,
				bar.Close,
				bar.Close - d*risk,
				bar.Close + d*risk,
				bar.Close + 2*d*risk,
				bar.Close + 3*d*risk,
			}
		}
	}

	if s.remaining == 0 {
		return nil, false
	}
	s.remaining--
	out := make([]float64, len(s.levels))
	copy(out, s.levels[:])
	return out, true
}

// Reset clears the projector state for reuse.
func (s *SignalProjector) Reset() {
	s.bands.win.reset()
	s.atr.reset()
	s.lastDir = 0
	s.remaining = 0
	s.levels = [6]float64{}
}

func (s *SignalProjector) Clone() Indicator {
	c := *s
	c.bands.win = s.bands.win.clone()
	return &c
}

// SignalProjectorSeries computes the projector over bars.
func SignalProjectorSeries(bars []model.Bar, period int, mult float64, atrPeriod int, slMult float64, horizon int) model.IndicatorSeries {
	return Compute(NewSignalProjector(period, mult, atrPeriod, slMult, horizon), bars)
}
