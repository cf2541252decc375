package indicator

import "chartfeed/internal/model"

// Trend directions reported in the SuperTrend "direction" field.
const (
	TrendBullish = 1
	TrendBearish = -1
)

// SuperTrend tracks two final bands around hl2 at mult*ATR.
//
// Per bar, in this order:
//  1. basic bands: hl2 ± mult*ATR
//  2. final bands from the previous final bands: the upper band only moves
//     down and the lower band only moves up, unless the previous close
//     broke through the previous final band
//  3. trend from the previous final bands: bearish flips to bullish when the
//     close is above the previous final upper band, bullish flips to bearish
//     when the close is below the previous final lower band; on a flip the
//     band that becomes the output snaps to the new basic band
//  4. output: the lower band in a bullish trend, the upper band otherwise
//
// The first trend is bullish. Points start when the ATR is warm, at bar
// index atrPeriod-1.
type SuperTrend struct {
	atr        wilderATR
	mult       float64
	started    bool
	finalUpper float64
	finalLower float64
	trend      int
	prevClose  float64
}

// NewSuperTrend creates a SuperTrend(atrPeriod, mult) indicator.
func NewSuperTrend(atrPeriod int, mult float64) *SuperTrend {
	mustPositive("SuperTrend ATR period", atrPeriod)
	return &SuperTrend{atr: wilderATR{period: atrPeriod}, mult: mult, trend: TrendBullish}
}

func (s *SuperTrend) Name() string { return seriesName("SUPERTREND", s.atr.period, s.mult) }
func (s *SuperTrend) Fields() []string {
	return []string{"supertrend", "direction", "upper", "lower"}
}
func (s *SuperTrend) Ready() bool { return s.started }

func (s *SuperTrend) Update(bar model.Bar) ([]float64, bool) {
	atr, ok := s.atr.add(bar)
	if !ok {
		s.prevClose = bar.Close
		return nil, false
	}

	hl2 := (bar.High + bar.Low) / 2
	basicUpper := hl2 + s.mult*atr
	basicLower := hl2 - s.mult*atr

	if !s.started {
		s.finalUpper, s.finalLower = basicUpper, basicLower
		s.trend = TrendBullish
		s.started = true
	} else {
		prevUpper, prevLower := s.finalUpper, s.finalLower

		upper := prevUpper
		if basicUpper < prevUpper || s.prevClose > prevUpper {
			upper = basicUpper
		}
		lower := prevLower
		if basicLower > prevLower || s.prevClose < prevLower {
			lower = basicLower
		}

		switch {
		case s.trend == TrendBearish && bar.Close > prevUpper:
			s.trend = TrendBullish
			lower = basicLower
		case s.trend == TrendBullish && bar.Close < prevLower:
			s.trend = TrendBearish
			upper = basicUpper
		}
		s.finalUpper, s.finalLower = upper, lower
	}
	s.prevClose = bar.Close

	out := s.finalUpper
	if s.trend == TrendBullish {
		out = s.finalLower
	}
	return []float64{out, float64(s.trend), s.finalUpper, s.finalLower}, true
}

// Reset clears the SuperTrend state for reuse.
func (s *SuperTrend) Reset() {
	s.atr.reset()
	s.started = false
	s.finalUpper, s.finalLower = 0, 0
	s.trend = TrendBullish
	s.prevClose = 0
}

func (s *SuperTrend) Clone() Indicator {
	c := *s
	return &c
}

// SuperTrendSeries computes SuperTrend(atrPeriod, mult) over bars.
func SuperTrendSeries(bars []model.Bar, atrPeriod int, mult float64) model.IndicatorSeries {
	return Compute(NewSuperTrend(atrPeriod, mult), bars)
}
