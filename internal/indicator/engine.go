package indicator

import (
	"fmt"

	"chartfeed/internal/model"
)

// slot holds one live indicator and its output.
type slot struct {
	key    string
	ind    Indicator // committed state: folded over bars[:Engine.committed]
	points []model.IndicatorPoint
	tail   *model.IndicatorPoint // point for the still-open last bar
}

// Result describes which outputs changed in a Sync or Rebuild.
type Result struct {
	Full bool  // every point was recomputed
	From int64 // otherwise, points with Time >= From changed
}

// Engine computes a set of indicators over one candle series.
//
// The last bar of a live series is still forming, so it is never folded into
// the committed indicator state: its point is computed on a clone of the
// committed state and replaced on every tick. Once a newer bar arrives, the
// previous last bar is committed in O(1) per indicator. Anything that
// changes bars already committed (replace, backfill prepend, out-of-order
// merge) triggers a full rebuild, which is always correct because every
// indicator is a deterministic fold.
//
// Not safe for concurrent use; the pipeline loop owns it.
type Engine struct {
	configs   []Config
	env       Env
	slots     []*slot
	committed int
	lastTime  int64 // time of bars[committed-1]
}

// NewEngine creates an indicator engine with the given configs.
func NewEngine(configs []Config, env Env) (*Engine, error) {
	if err := ValidateConfigs(configs); err != nil {
		return nil, err
	}
	e := &Engine{env: env}
	slots, err := e.buildSlots(configs, nil)
	if err != nil {
		return nil, err
	}
	e.configs = configs
	e.slots = slots
	return e, nil
}

// Configs returns the active indicator configs.
func (e *Engine) Configs() []Config { return e.configs }

func (e *Engine) buildSlots(configs []Config, reuse map[string]*slot) ([]*slot, error) {
	slots := make([]*slot, len(configs))
	for i, cfg := range configs {
		key := cfg.Key()
		if s, ok := reuse[key]; ok {
			slots[i] = s
			continue
		}
		ind, err := New(cfg, e.env)
		if err != nil {
			return nil, fmt.Errorf("indicator %s: %w", key, err)
		}
		slots[i] = &slot{key: key, ind: ind}
	}
	return slots, nil
}

// Reset discards all indicator state and output.
func (e *Engine) Reset() {
	for _, s := range e.slots {
		s.ind.Reset()
		s.points = nil
		s.tail = nil
	}
	e.committed = 0
	e.lastTime = 0
}

// Rebuild recomputes every indicator over bars from scratch.
func (e *Engine) Rebuild(bars []model.Bar) Result {
	e.Reset()
	e.advance(bars)
	return Result{Full: true}
}

// Sync brings the outputs up to date with bars after a mutation whose first
// changed bar is at index dirtyFrom. It folds newly settled bars
// incrementally and rebuilds only when committed bars changed.
func (e *Engine) Sync(bars []model.Bar, dirtyFrom int) Result {
	if len(bars) == 0 || dirtyFrom < e.committed || e.committed >= len(bars) ||
		(e.committed > 0 && bars[e.committed-1].Time != e.lastTime) {
		return e.Rebuild(bars)
	}
	from := e.committed
	e.advance(bars)
	return Result{From: bars[from].Time}
}

// advance commits bars[committed:len-1] and recomputes the tail point for
// the last bar.
func (e *Engine) advance(bars []model.Bar) {
	if len(bars) == 0 {
		return
	}
	settled := len(bars) - 1
	for _, s := range e.slots {
		for i := e.committed; i < settled; i++ {
			if vals, ok := s.ind.Update(bars[i]); ok {
				s.points = append(s.points, model.IndicatorPoint{Time: bars[i].Time, Values: vals})
			}
		}
		s.tail = peek(s.ind, bars[settled])
	}
	if settled > e.committed {
		e.committed = settled
		e.lastTime = bars[settled-1].Time
	}
}

// peek computes the point for bar on a clone without mutating ind.
func peek(ind Indicator, bar model.Bar) *model.IndicatorPoint {
	vals, ok := ind.Clone().Update(bar)
	if !ok {
		return nil
	}
	return &model.IndicatorPoint{Time: bar.Time, Values: vals}
}

// Series returns every indicator's output, aligned to bar times.
func (e *Engine) Series() []model.IndicatorSeries {
	return e.collect(func(p []model.IndicatorPoint) []model.IndicatorPoint { return p })
}

// SeriesSince returns every indicator's points with Time >= from.
func (e *Engine) SeriesSince(from int64) []model.IndicatorSeries {
	return e.collect(func(p []model.IndicatorPoint) []model.IndicatorPoint {
		return model.IndicatorSeries{Points: p}.Since(from)
	})
}

func (e *Engine) collect(filter func([]model.IndicatorPoint) []model.IndicatorPoint) []model.IndicatorSeries {
	out := make([]model.IndicatorSeries, len(e.slots))
	for i, s := range e.slots {
		// Cap the slice so appending the tail never writes into s.points.
		pts := s.points[:len(s.points):len(s.points)]
		if s.tail != nil {
			pts = append(pts, *s.tail)
		}
		out[i] = model.IndicatorSeries{
			Name:   s.ind.Name(),
			Fields: s.ind.Fields(),
			Points: filter(pts),
		}
	}
	return out
}

// Lookup returns the output of the named series ("RSI_14").
func (e *Engine) Lookup(name string) (model.IndicatorSeries, bool) {
	for _, s := range e.Series() {
		if s.Name == name {
			return s, true
		}
	}
	return model.IndicatorSeries{}, false
}
