package indicator

import (
	"math"
	"time"

	"chartfeed/internal/model"
)

type orbPhase int

const (
	orbWaiting  orbPhase = iota // before the opening bar of the day
	orbBuilding                 // accumulating the opening range
	orbRanged                   // range formed, watching for breakouts
)

// ORBState is the per-day state of the opening-range-breakout machine.
type ORBState struct {
	Day         int // year*10000 + month*100 + day in the calendar's location
	Phase       orbPhase
	RangeBars   int
	OpeningHigh float64
	OpeningLow  float64
	BuyTaken    bool
	SellTaken   bool
	BuyTP       float64
	BuySL       float64
	SellTP      float64
	SellSL      float64
}

func newORBState(day int) ORBState {
	return ORBState{Day: day, BuyTP: nan, BuySL: nan, SellTP: nan, SellSL: nan}
}

// ORB is the opening-range-breakout state machine.
//
// Each local calendar day it waits for the bar whose local hour:minute is
// the opening time, takes the high and low of that bar and the following
// bars until rangeBars bars are seen, and then watches closes. The first
// close above the range takes the buy side (stop at the range low, target
// entry + reward*risk), the first close below takes the sell side (stop at
// the range high). Each side fires at most once per day and its levels are
// painted on every later bar of that day. Everything resets when the
// year-month-day key changes.
type ORB struct {
	hour, minute int
	rangeBars    int
	reward       float64
	loc          *time.Location
	state        ORBState
}

// NewORB creates an ORB indicator. A nil location means UTC.
func NewORB(hour, minute, rangeBars int, reward float64, loc *time.Location) *ORB {
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		panic("indicator: ORB opening time out of range")
	}
	mustPositive("ORB range bars", rangeBars)
	if loc == nil {
		loc = time.UTC
	}
	return &ORB{hour: hour, minute: minute, rangeBars: rangeBars, reward: reward, loc: loc}
}

func (o *ORB) Name() string {
	return seriesName("ORB", o.hour, o.minute, o.rangeBars, o.reward)
}
func (o *ORB) Fields() []string {
	return []string{"or_high", "or_low", "buy_tp", "buy_sl", "sell_tp", "sell_sl"}
}
func (o *ORB) Ready() bool { return o.state.Phase == orbRanged }

// State returns the current day's state.
func (o *ORB) State() ORBState { return o.state }

func (o *ORB) Update(bar model.Bar) ([]float64, bool) {
	t := time.Unix(bar.Time, 0).In(o.loc)
	y, m, d := t.Date()
	day := y*10000 + int(m)*100 + d
	if day != o.state.Day {
		o.state = newORBState(day)
	}

	st := &o.state
	switch st.Phase {
	case orbWaiting:
		if t.Hour() != o.hour || t.Minute() != o.minute {
			return nil, false
		}
		st.Phase = orbBuilding
		st.OpeningHigh, st.OpeningLow = bar.High, bar.Low
		st.RangeBars = 1
		if st.RangeBars >= o.rangeBars {
			st.Phase = orbRanged
		}
	case orbBuilding:
		st.OpeningHigh = math.Max(st.OpeningHigh, bar.High)
		st.OpeningLow = math.Min(st.OpeningLow, bar.Low)
		st.RangeBars++
		if st.RangeBars >= o.rangeBars {
			st.Phase = orbRanged
		}
	case orbRanged:
		if !st.BuyTaken && bar.Close > st.OpeningHigh {
			st.BuyTaken = true
			st.BuySL = st.OpeningLow
			st.BuyTP = bar.Close + o.reward*(bar.Close-st.OpeningLow)
		}
		if !st.SellTaken && bar.Close < st.OpeningLow {
			st.SellTaken = true
			st.SellSL = st.OpeningHigh
			st.SellTP = bar.Close - o.reward*(st.OpeningHigh-bar.Close)
		}
	}

	if st.Phase != orbRanged {
		return nil, false
	}
	return []float64{st.OpeningHigh, st.OpeningLow, st.BuyTP, st.BuySL, st.SellTP, st.SellSL}, true
}

// Reset clears the ORB state for reuse.
func (o *ORB) Reset() { o.state = ORBState{} }

func (o *ORB) Clone() Indicator {
	c := *o
	return &c
}

// ORBSeries computes the opening-range-breakout levels over bars.
func ORBSeries(bars []model.Bar, hour, minute, rangeBars int, reward float64, loc *time.Location) model.IndicatorSeries {
	return Compute(NewORB(hour, minute, rangeBars, reward, loc), bars)
}
