// Package realtime folds live feed messages into a candle series.
//
// Ticks are aligned to their timeframe bucket (ts - ts%tf) and applied to the
// forming bar; closed bars are authoritative and replace whatever the ticks
// built for the same bucket. Tick storms can be coalesced with a throttle
// window, in which case only the newest pending tick is applied.
package realtime

import (
	"time"

	"go.uber.org/zap"

	"chartfeed/internal/model"
	"chartfeed/internal/series"
	"chartfeed/internal/viewport"
)

// Config tunes the reconciler.
type Config struct {
	Throttle        time.Duration // 0 applies every tick immediately
	FollowTolerance float64       // bars of slack when deciding whether the last bar was visible
}

// Outcome is the result of handling one message.
type Outcome struct {
	Change   series.Change
	Followed bool // the viewport was scrolled to keep the new bar visible
}

// Reconciler applies feed messages for one series.
// Not safe for concurrent use; owned by the pipeline goroutine.
type Reconciler struct {
	key   model.SeriesKey
	store *series.Store
	vp    model.Viewport
	cfg   Config
	log   *zap.Logger
	now   func() time.Time

	lastApply time.Time
	pending   *model.Tick
	settled   int64 // newest bucket with a closed bar
	hasClosed bool

	// Metrics hooks
	OnThrottled   func() // a pending tick was superseded
	OnForeignData func() // a message for another symbol was dropped
}

// New creates a reconciler writing into store. vp may be nil.
func New(store *series.Store, vp model.Viewport, cfg Config, log *zap.Logger) *Reconciler {
	if cfg.FollowTolerance == 0 {
		cfg.FollowTolerance = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Reconciler{
		key:   store.Key(),
		store: store,
		vp:    vp,
		cfg:   cfg,
		log:   log.Named("realtime"),
		now:   time.Now,
	}
}

// SetClock replaces the time source (tests).
func (r *Reconciler) SetClock(now func() time.Time) { r.now = now }

// HandleTick buckets t and applies it, unless the throttle window is open,
// in which case t replaces any pending tick and is applied by a later Flush.
func (r *Reconciler) HandleTick(t model.Tick) Outcome {
	if !r.accepts(t.Symbol) {
		return Outcome{}
	}
	t.Time = r.key.Bucket(t.Time)
	if r.hasClosed && t.Time <= r.settled {
		r.store.DiscardTick(t)
		return Outcome{}
	}
	if r.cfg.Throttle > 0 {
		now := r.now()
		if !r.lastApply.IsZero() && now.Sub(r.lastApply) < r.cfg.Throttle {
			if r.pending != nil && r.OnThrottled != nil {
				r.OnThrottled()
			}
			r.pending = &t
			return Outcome{}
		}
		r.lastApply = now
	}
	r.pending = nil
	return r.apply(func() series.Change { return r.store.ApplyTick(t) })
}

// Pending reports whether a throttled tick is waiting, and when it is due.
func (r *Reconciler) Pending() (time.Time, bool) {
	if r.pending == nil {
		return time.Time{}, false
	}
	return r.lastApply.Add(r.cfg.Throttle), true
}

// Flush applies the pending tick, if any.
func (r *Reconciler) Flush() Outcome {
	if r.pending == nil {
		return Outcome{}
	}
	t := *r.pending
	r.pending = nil
	r.lastApply = r.now()
	return r.apply(func() series.Change { return r.store.ApplyTick(t) })
}

// HandleClosedBar merges a settled bar. A pending tick for the same or an
// older bucket is dropped because the closed bar supersedes it, and later
// ticks for those buckets are discarded as stale.
func (r *Reconciler) HandleClosedBar(cb model.ClosedBar) Outcome {
	if !r.accepts(cb.Symbol) {
		return Outcome{}
	}
	b := cb.Bar
	b.Time = r.key.Bucket(b.Time)
	if r.pending != nil && r.pending.Time <= b.Time {
		r.pending = nil
	}
	out := r.apply(func() series.Change { return r.store.MergeLatest(b) })
	if out.Change.Changed() && (!r.hasClosed || b.Time > r.settled) {
		r.settled, r.hasClosed = b.Time, true
	}
	return out
}

// Reset drops pending state, as on a series switch.
func (r *Reconciler) Reset() {
	r.pending = nil
	r.lastApply = time.Time{}
	r.settled, r.hasClosed = 0, false
}

func (r *Reconciler) accepts(symbol string) bool {
	if symbol == "" || model.NormalizeSymbol(symbol) == r.key.Symbol {
		return true
	}
	if r.OnForeignData != nil {
		r.OnForeignData()
	}
	r.log.Debug("dropping message for another symbol", zap.String("symbol", symbol), zap.String("series", r.key.String()))
	return false
}

// apply runs mutate and, when it appended a bar, decides whether to follow.
// The decision uses the viewport as it was before the mutation. A pinned
// view is shifted when a bar is inserted at or before its left edge.
func (r *Reconciler) apply(mutate func() series.Change) Outcome {
	prevLast := r.store.Len() - 1
	var (
		before  model.LogicalRange
		hasView bool
	)
	if r.vp != nil {
		before, hasView = r.vp.VisibleRange()
	}

	ch := mutate()
	out := Outcome{Change: ch}
	if r.vp == nil {
		return out
	}
	if ch.Op == series.OpRewritten {
		// An out-of-order insert shifts every later index by one.
		inserted := r.store.Len()-1 > prevLast
		if inserted && hasView && !r.vp.AutoFollow() && float64(ch.Index) <= before.From {
			r.vp.SetVisibleRange(before.Shift(1))
		}
		return out
	}
	if ch.Op != series.OpAppended {
		return out
	}
	if !hasView || prevLast < 0 {
		out.Followed = r.vp.AutoFollow()
		return out
	}
	if viewport.Contains(before, prevLast, r.cfg.FollowTolerance) {
		r.vp.SetVisibleRange(before.Shift(1))
		r.vp.SetAutoFollow(true)
		out.Followed = true
	} else {
		r.vp.SetAutoFollow(false)
	}
	return out
}
