package indicator

import (
	"math"
	"math/rand"
	"testing"

	"github.com/markcheno/go-talib"

	"chartfeed/internal/model"
)

// randomBars builds a random walk with consistent OHLC.
func randomBars(n int, seed int64) ([]model.Bar, []float64, []float64, []float64, []float64) {
	rng := rand.New(rand.NewSource(seed))
	bars := make([]model.Bar, n)
	highs, lows, closes, vols := make([]float64, n), make([]float64, n), make([]float64, n), make([]float64, n)
	price := 100.0
	for i := 0; i < n; i++ {
		open := price
		price += rng.NormFloat64()
		hi := math.Max(open, price) + rng.Float64()
		lo := math.Min(open, price) - rng.Float64()
		vol := float64(100 + rng.Intn(900))
		bars[i] = model.Bar{Time: int64(i+1) * 60, Open: open, High: hi, Low: lo, Close: price, Volume: vol}
		highs[i], lows[i], closes[i], vols[i] = hi, lo, price, vol
	}
	return bars, highs, lows, closes, vols
}

// assertMatchesTalib compares the point values to a talib output array from
// the first index talib fills.
func assertMatchesTalib(t *testing.T, s model.IndicatorSeries, field int, ref []float64, firstIdx int, tol float64) {
	t.Helper()
	if len(s.Points) != len(ref)-firstIdx {
		t.Fatalf("%s: %d points, talib has %d values", s.Name, len(s.Points), len(ref)-firstIdx)
	}
	for i, p := range s.Points {
		assertClose(t, s.Name, p.Values[field], ref[firstIdx+i], tol)
	}
}

func TestReference_SMA(t *testing.T) {
	bars, _, _, closes, _ := randomBars(300, 1)
	assertMatchesTalib(t, SMASeries(bars, 20), 0, talib.Sma(closes, 20), 19, 1e-9)
}

func TestReference_RSI(t *testing.T) {
	bars, _, _, closes, _ := randomBars(300, 2)
	assertMatchesTalib(t, RSISeries(bars, 14), 0, talib.Rsi(closes, 14), 14, 1e-8)
}

func TestReference_CCI(t *testing.T) {
	bars, highs, lows, closes, _ := randomBars(300, 3)
	assertMatchesTalib(t, CCISeries(bars, 20), 0, talib.Cci(highs, lows, closes, 20), 19, 1e-6)
}

func TestReference_OBV(t *testing.T) {
	bars, _, _, closes, vols := randomBars(300, 4)
	assertMatchesTalib(t, OBVSeries(bars), 0, talib.Obv(closes, vols), 0, 1e-9)
}

func TestReference_Bollinger(t *testing.T) {
	bars, _, _, closes, _ := randomBars(300, 5)
	upper, middle, lower := talib.BBands(closes, 20, 2.0, 2.0, talib.SMA)
	s := BollingerSeries(bars, 20, 2)
	assertMatchesTalib(t, s, 0, middle, 19, 1e-9)
	assertMatchesTalib(t, s, 1, upper, 19, 1e-6)
	assertMatchesTalib(t, s, 2, lower, 19, 1e-6)
}
