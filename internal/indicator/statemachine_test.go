package indicator

import (
	"math"
	"testing"
	"time"

	"chartfeed/internal/model"
)

// ────────────────────────────────────────────────────────────
// SuperTrend
// ────────────────────────────────────────────────────────────

// superTrendBars: a steady climb to 110, a drop through the lower band,
// then a recovery through the upper band. Open is the previous close, high
// and low sit 1 outside the body.
func superTrendBars() []model.Bar {
	closes := []float64{100, 101, 102, 103, 104, 105, 106, 107, 108, 109, 110,
		106, 101, 99, 98, 100, 104, 108, 111, 113}
	bars := make([]model.Bar, len(closes))
	prev := 100.0
	for i, c := range closes {
		bars[i] = ohlc(int64(i+1)*60, prev, math.Max(prev, c)+1, math.Min(prev, c)-1, c)
		prev = c
	}
	return bars
}

func TestSuperTrend_FlipsExactlyAtCrossingBar(t *testing.T) {
	bars := superTrendBars()
	s := SuperTrendSeries(bars, 3, 1)
	dirF, upF, loF := s.Field("direction"), s.Field("upper"), s.Field("lower")

	// Worked through by hand (ATR(3), mult 1):
	//   bar 10 (close 110): bullish, final lower 106.5173
	//   bar 11 (close 106): 106 < previous final lower → bearish
	//   bar 15 (close 100): bearish, final upper 102.6077
	//   bar 16 (close 104): 104 > previous final upper → bullish
	want := map[int]float64{2: 1, 10: 1, 11: -1, 12: -1, 15: -1, 16: 1, 19: 1}
	for idx, dir := range want {
		p, ok := s.At(bars[idx].Time)
		if !ok {
			t.Fatalf("no point at bar %d", idx)
		}
		if p.Values[dirF] != dir {
			t.Errorf("bar %d: direction %v, want %v", idx, p.Values[dirF], dir)
		}
	}
	p10, _ := s.At(bars[10].Time)
	assertClose(t, "final lower at bar 10", p10.Values[loF], 106.51734152991583, 1e-9)
	p15, _ := s.At(bars[15].Time)
	assertClose(t, "final upper at bar 15", p15.Values[upF], 102.60768562372033, 1e-9)

	// Generic rule: a flip happens exactly where the close crosses the
	// previous bar's final band.
	for i := 1; i < len(s.Points); i++ {
		prev, cur := s.Points[i-1], s.Points[i]
		idx := i + 2 // first point is bar index 2
		c := bars[idx].Close
		var wantDir float64
		switch {
		case prev.Values[dirF] == TrendBullish && c < prev.Values[loF]:
			wantDir = TrendBearish
		case prev.Values[dirF] == TrendBearish && c > prev.Values[upF]:
			wantDir = TrendBullish
		default:
			wantDir = prev.Values[dirF]
		}
		if cur.Values[dirF] != wantDir {
			t.Errorf("bar %d: direction %v, want %v", idx, cur.Values[dirF], wantDir)
		}
	}
}

func TestSuperTrend_OutputBandFollowsTrend(t *testing.T) {
	s := SuperTrendSeries(superTrendBars(), 3, 1)
	for _, p := range s.Points {
		want := p.Values[3] // lower
		if p.Values[1] == TrendBearish {
			want = p.Values[2] // upper
		}
		if p.Values[0] != want {
			t.Errorf("t=%d: supertrend %v does not match the active band %v", p.Time, p.Values[0], want)
		}
	}
}

func TestSuperTrend_BandsRatchetWithoutFlip(t *testing.T) {
	s := SuperTrendSeries(superTrendBars(), 3, 1)
	// Bars 2..10 are an uninterrupted uptrend: the final lower band never
	// moves down.
	for i := 1; i <= 8; i++ {
		if s.Points[i].Values[3] < s.Points[i-1].Values[3] {
			t.Errorf("point %d: final lower moved down %v -> %v", i, s.Points[i-1].Values[3], s.Points[i].Values[3])
		}
	}
}

// ────────────────────────────────────────────────────────────
// Opening Range Breakout
// ────────────────────────────────────────────────────────────

// orbDay builds 5-minute bars starting at 09:15 IST on the given day.
func orbDay(loc *time.Location, y int, m time.Month, d int, bodies [][4]float64) []model.Bar {
	start := time.Date(y, m, d, 9, 15, 0, 0, loc)
	bars := make([]model.Bar, len(bodies))
	for i, b := range bodies {
		bars[i] = ohlc(start.Add(time.Duration(i)*5*time.Minute).Unix(), b[0], b[1], b[2], b[3])
	}
	return bars
}

func TestORB_DailyResetAndOneShotSignals(t *testing.T) {
	ist := time.FixedZone("IST", 5*3600+1800)
	// Day 1: range from 3 bars = [99, 102]; bar 3 breaks out up, bar 4
	// breaks again (suppressed), bar 5 breaks down.
	day1 := orbDay(ist, 2026, time.March, 2, [][4]float64{
		{100, 101, 99, 100.5},
		{100.5, 102, 100, 101},
		{101, 101.5, 100, 100.2},
		{100.2, 103.5, 100, 103}, // buy: entry 103, sl 99, tp 103+2*4 = 111
		{103, 104.5, 102.5, 104}, // already taken
		{104, 104, 98, 98.5},     // sell: entry 98.5, sl 102, tp 98.5-2*3.5 = 91.5
		{98.5, 99, 97.5, 98},
	})
	// Day 2: a quieter range, no breakout.
	day2 := orbDay(ist, 2026, time.March, 3, [][4]float64{
		{50, 51, 49, 50},
		{50, 50.5, 49.5, 50},
		{50, 50.8, 49.8, 50.5},
		{50.5, 50.9, 50.1, 50.7},
	})

	orb := NewORB(9, 15, 3, 2, ist)
	var pts []model.IndicatorPoint
	for _, b := range day1 {
		if v, ok := orb.Update(b); ok {
			pts = append(pts, model.IndicatorPoint{Time: b.Time, Values: v})
		}
	}
	st := orb.State()
	if !st.BuyTaken || !st.SellTaken {
		t.Fatalf("day 1: expected both sides taken, got %+v", st)
	}
	assertClose(t, "opening high", st.OpeningHigh, 102, 0)
	assertClose(t, "opening low", st.OpeningLow, 99, 0)
	assertClose(t, "buy tp", st.BuyTP, 111, 1e-12)
	assertClose(t, "buy sl", st.BuySL, 99, 0)
	assertClose(t, "sell tp", st.SellTP, 91.5, 1e-12)
	assertClose(t, "sell sl", st.SellSL, 102, 0)
	if len(pts) != 5 {
		t.Errorf("day 1: expected points from the range-completing bar on (5), got %d", len(pts))
	}
	// Buy levels are painted on every later bar of the day.
	last := pts[len(pts)-1].Values
	assertClose(t, "painted buy tp", last[2], 111, 1e-12)

	// First bar of day 2 must see a fully reset state.
	orb.Update(day2[0])
	st = orb.State()
	if st.BuyTaken || st.SellTaken {
		t.Errorf("day 2: signal flags leaked from day 1: %+v", st)
	}
	assertClose(t, "day 2 opening high", st.OpeningHigh, 51, 0)
	assertClose(t, "day 2 opening low", st.OpeningLow, 49, 0)
	if !math.IsNaN(st.BuyTP) || !math.IsNaN(st.SellTP) {
		t.Errorf("day 2: levels leaked from day 1: buy tp %v sell tp %v", st.BuyTP, st.SellTP)
	}
	for _, b := range day2[1:] {
		v, ok := orb.Update(b)
		if !ok {
			continue
		}
		if !math.IsNaN(v[2]) || !math.IsNaN(v[4]) {
			t.Errorf("day 2 bar %d: unexpected painted levels %v", b.Time, v)
		}
	}
}

func TestORB_NoOpeningBarNoOutput(t *testing.T) {
	// Bars start at 09:20, after the opening minute.
	ist := time.FixedZone("IST", 5*3600+1800)
	start := time.Date(2026, time.March, 2, 9, 20, 0, 0, ist).Unix()
	var bars []model.Bar
	for i := int64(0); i < 10; i++ {
		bars = append(bars, ohlc(start+i*300, 10, 11, 9, 10))
	}
	if s := ORBSeries(bars, 9, 15, 3, 2, ist); len(s.Points) != 0 {
		t.Errorf("expected no points without an opening bar, got %d", len(s.Points))
	}
}

// ────────────────────────────────────────────────────────────
// Support / Resistance pivots
// ────────────────────────────────────────────────────────────

func TestPivots_LaggedAndCarriedForward(t *testing.T) {
	highs := []float64{10, 11, 15, 12, 11, 13, 12, 11, 10}
	lows := []float64{9, 8, 12, 7, 10, 11, 9, 10, 9}
	bars := make([]model.Bar, len(highs))
	for i := range highs {
		mid := (highs[i] + lows[i]) / 2
		bars[i] = ohlc(int64(i+1)*60, mid, highs[i], lows[i], mid)
	}
	s := PivotsSeries(bars, 2, 2)

	// Bar 2 (high 15) is a resistance pivot over bars 0..4, confirmed at
	// bar 4. Bar 3 (low 7) is a support pivot over bars 1..5, confirmed at
	// bar 5. Bar 5 (high 13) is a resistance pivot over bars 3..7,
	// confirmed at bar 7.
	if _, ok := s.At(bars[3].Time); ok {
		t.Error("no pivot can be confirmed before bar 4")
	}
	p4, _ := s.At(bars[4].Time)
	assertClose(t, "resistance at bar 4", p4.Values[0], 15, 0)
	if !math.IsNaN(p4.Values[1]) {
		t.Errorf("support at bar 4 should be unknown, got %v", p4.Values[1])
	}
	p5, _ := s.At(bars[5].Time)
	assertClose(t, "support at bar 5", p5.Values[1], 7, 0)
	assertClose(t, "resistance carried to bar 5", p5.Values[0], 15, 0)
	p7, _ := s.At(bars[7].Time)
	assertClose(t, "resistance replaced at bar 7", p7.Values[0], 13, 0)
	p8, _ := s.At(bars[8].Time)
	assertClose(t, "support carried to bar 8", p8.Values[1], 7, 0)
}

func TestPivots_TiesAreNotPivots(t *testing.T) {
	bars := []model.Bar{
		ohlc(60, 10, 10, 9, 10),
		ohlc(120, 10, 12, 9, 10),
		ohlc(180, 10, 12, 9, 10), // equal highs: not a strict maximum
		ohlc(240, 10, 10, 9, 10),
		ohlc(300, 10, 10, 9, 10),
	}
	if s := PivotsSeries(bars, 1, 1); len(s.Points) != 0 {
		t.Errorf("expected no pivots for tied extremes, got %+v", s.Points)
	}
}

// ────────────────────────────────────────────────────────────
// MACD histogram classification
// ────────────────────────────────────────────────────────────

func TestClassifyHistogram(t *testing.T) {
	tests := []struct {
		hist, prev float64
		hasPrev    bool
		want       MACDLevel
	}{
		{1, 0.5, true, MACDStrongPositive},
		{0.5, 1, true, MACDWeakPositive},
		{-0.5, -1, true, MACDWeakNegative},
		{-1, -0.5, true, MACDStrongNegative},
		{0, -1, true, MACDStrongPositive},
		{1, 0, false, MACDWeakPositive},
		{-1, 0, false, MACDStrongNegative},
	}
	for _, tt := range tests {
		if got := ClassifyHistogram(tt.hist, tt.prev, tt.hasPrev); got != tt.want {
			t.Errorf("ClassifyHistogram(%v, %v, %v) = %v, want %v", tt.hist, tt.prev, tt.hasPrev, got, tt.want)
		}
	}
}

func TestMACD_LevelReadsPreviousHistogram(t *testing.T) {
	closes := make([]float64, 80)
	for i := range closes {
		closes[i] = 100 + 5*math.Sin(float64(i)/5)
	}
	s := MACDSeries(closesToBars(closes...), 5, 10, 4)
	if len(s.Points) != 80-(10+4-2) {
		t.Fatalf("expected %d points, got %d", 80-12, len(s.Points))
	}
	for i, p := range s.Points {
		assertClose(t, "histogram = macd - signal", p.Values[2], p.Values[0]-p.Values[1], 1e-12)
		want := ClassifyHistogram(p.Values[2], 0, false)
		if i > 0 {
			want = ClassifyHistogram(p.Values[2], s.Points[i-1].Values[2], true)
		}
		if LevelAt(p) != want {
			t.Errorf("point %d: level %v, want %v", i, LevelAt(p), want)
		}
	}
}

// ────────────────────────────────────────────────────────────
// Bollinger signal projector
// ────────────────────────────────────────────────────────────

func TestSignalProjector_BreachSuppressAndOverride(t *testing.T) {
	// 5 flat bars warm up Bollinger(5, 1.5) and ATR(3) with ATR = 2.
	var bars []model.Bar
	for i := 0; i < 5; i++ {
		bars = append(bars, ohlc(int64(i+1)*60, 100, 101, 99, 100))
	}
	bars = append(bars,
		ohlc(360, 100, 106, 100, 105), // close above upper band: sell
		ohlc(420, 105, 108, 104, 107), // above again: same direction, suppressed
		ohlc(480, 107, 107, 90, 91),   // far below lower band: buy overrides
	)
	ind := NewSignalProjector(5, 1.5, 3, 1, 10)
	var got [][]float64
	for _, b := range bars {
		v, ok := ind.Update(b)
		if ok {
			got = append(got, v)
		}
	}
	if len(got) != 3 {
		t.Fatalf("expected points on the last 3 bars, got %d", len(got))
	}
	sell := got[0]
	if sell[0] != SignalSell || sell[1] != 105 {
		t.Fatalf("expected sell at 105, got %v", sell)
	}
	// Stop above entry, take-profits below in 1R steps.
	risk := sell[2] - sell[1]
	if risk <= 0 {
		t.Fatalf("sell stop must sit above entry: %v", sell)
	}
	assertClose(t, "tp1", sell[3], 105-risk, 1e-9)
	assertClose(t, "tp3", sell[5], 105-3*risk, 1e-9)

	if got[1][0] != SignalSell || got[1][1] != 105 {
		t.Errorf("repeat breach should keep the original sell levels, got %v", got[1])
	}
	if got[2][0] != SignalBuy || got[2][1] != 91 {
		t.Errorf("opposite breach should override with a buy at 91, got %v", got[2])
	}
	if got[2][2] >= 91 {
		t.Errorf("buy stop must sit below entry, got %v", got[2][2])
	}
}

func TestSignalProjector_HorizonExpires(t *testing.T) {
	var bars []model.Bar
	for i := 0; i < 5; i++ {
		bars = append(bars, ohlc(int64(i+1)*60, 100, 101, 99, 100))
	}
	bars = append(bars, ohlc(360, 100, 106, 100, 105))
	for i := 0; i < 5; i++ {
		bars = append(bars, ohlc(int64(420+i*60), 105, 106, 104, 105))
	}
	s := SignalProjectorSeries(bars, 5, 1.5, 3, 1, 3)
	if len(s.Points) != 3 {
		t.Fatalf("expected the signal painted for 3 bars, got %d", len(s.Points))
	}
	if s.Points[0].Time != 360 || s.Points[2].Time != 480 {
		t.Errorf("unexpected painted range %d..%d", s.Points[0].Time, s.Points[2].Time)
	}
}
