// Package indicator provides technical indicator calculations over candle data.
//
// Every indicator is an incremental state machine implementing Indicator:
// Update folds one bar into the state in O(1) (or O(window)) and returns the
// point for that bar once the warm-up window is satisfied. The pure batch
// functions (SMASeries, RSISeries, ...) fold a fresh instance over a bar
// slice, so the batch and streaming paths share one implementation and the
// batch functions are deterministic with no state across calls.
//
// Fewer bars than an indicator's window is not an error; the result is an
// empty series.
package indicator

import (
	"math"

	"chartfeed/internal/model"
)

// Indicator is the interface for all technical indicators.
type Indicator interface {
	// Name returns the series name including parameters (e.g., "RSI_14").
	Name() string

	// Fields names the values of each emitted point.
	Fields() []string

	// Update feeds the next bar. It returns the point values for that bar
	// and true, or false while warming up or when the bar has no value.
	Update(bar model.Bar) ([]float64, bool)

	// Ready returns true once the warm-up window has been satisfied.
	Ready() bool

	// Reset clears all accumulated state.
	Reset()

	// Clone returns an independent copy of the current state. Used to
	// evaluate the still-open last bar without committing it.
	Clone() Indicator
}

// Compute folds a fresh copy of ind over bars and returns the aligned
// series. ind itself is not modified.
func Compute(ind Indicator, bars []model.Bar) model.IndicatorSeries {
	work := ind.Clone()
	work.Reset()
	out := model.IndicatorSeries{Name: work.Name(), Fields: work.Fields()}
	for _, b := range bars {
		if vals, ok := work.Update(b); ok {
			out.Points = append(out.Points, model.IndicatorPoint{Time: b.Time, Values: vals})
		}
	}
	return out
}

var nan = math.NaN()

func mustPositive(name string, v int) {
	if v <= 0 {
		panic("indicator: " + name + " must be positive")
	}
}
