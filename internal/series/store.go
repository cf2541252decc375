// Package series holds the canonical candle sequence for one
// (symbol, timeframe) pair and the four mutators that fold backfill pages,
// closed bars and ticks into it.
//
// The sequence is always strictly ascending by Time with no duplicates, and
// every stored bar satisfies model.Bar.Valid. Input that would break either
// rule is dropped at the mutator boundary and counted, never returned as an
// error.
//
// A Store is not safe for concurrent use; it is owned by a single pipeline
// goroutine.
package series

import (
	"sort"

	"chartfeed/internal/model"
)

// Op describes what a mutation did to the tail of the series.
type Op int

const (
	OpNone      Op = iota // nothing changed (rejected, stale or empty input)
	OpUpdated             // the last bar was replaced or updated in place
	OpAppended            // a new last bar was added
	OpRewritten           // bars at or after Index changed out of order
	OpPrepended           // older bars were inserted before the first bar
	OpReplaced            // the whole series was replaced
)

func (o Op) String() string {
	switch o {
	case OpNone:
		return "none"
	case OpUpdated:
		return "updated"
	case OpAppended:
		return "appended"
	case OpRewritten:
		return "rewritten"
	case OpPrepended:
		return "prepended"
	case OpReplaced:
		return "replaced"
	default:
		return "unknown"
	}
}

// Change is the result of a mutation. Index is the first bar position whose
// content changed; for OpPrepended it is the number of bars inserted.
type Change struct {
	Op    Op
	Index int
}

// Changed reports whether the series was modified.
func (c Change) Changed() bool { return c.Op != OpNone }

// Store owns the bars of one series.
type Store struct {
	key  model.SeriesKey
	bars []model.Bar

	rejected int
	stale    int

	// Hooks (optional)
	OnRejected func(kind string)  // "bar" or "tick" failed validation
	OnStale    func(t model.Tick) // tick older than the last bar was discarded
}

// New creates an empty store for the given key.
func New(key model.SeriesKey) *Store {
	return &Store{key: key}
}

// Key returns the series key.
func (s *Store) Key() model.SeriesKey { return s.key }

// Len returns the number of bars.
func (s *Store) Len() int { return len(s.bars) }

// Bars returns the bars in ascending order. The slice is owned by the store
// and is only valid until the next mutation.
func (s *Store) Bars() []model.Bar { return s.bars }

// Snapshot returns a copy of the bars that callers may keep.
func (s *Store) Snapshot() []model.Bar {
	out := make([]model.Bar, len(s.bars))
	copy(out, s.bars)
	return out
}

// First returns the oldest bar.
func (s *Store) First() (model.Bar, bool) {
	if len(s.bars) == 0 {
		return model.Bar{}, false
	}
	return s.bars[0], true
}

// Last returns the newest bar.
func (s *Store) Last() (model.Bar, bool) {
	if len(s.bars) == 0 {
		return model.Bar{}, false
	}
	return s.bars[len(s.bars)-1], true
}

// IndexOf returns the position of the bar at time t.
func (s *Store) IndexOf(t int64) (int, bool) {
	i := s.search(t)
	return i, i < len(s.bars) && s.bars[i].Time == t
}

// Rejected returns how many bars and ticks failed validation.
func (s *Store) Rejected() int { return s.rejected }

// Stale returns how many ticks were discarded for being older than the
// last bar.
func (s *Store) Stale() int { return s.stale }

// ReplaceAll validates, sorts and deduplicates bars (last occurrence wins)
// and installs them as the whole series.
func (s *Store) ReplaceAll(bars []model.Bar) Change {
	s.bars = s.normalize(bars)
	return Change{Op: OpReplaced}
}

// Reset empties the series.
func (s *Store) Reset() {
	s.bars = nil
}

// MergeOlder prepends the bars that are strictly older than the current
// first bar. Overlapping or duplicate bars are ignored, so merging the same
// page twice is a no-op. It returns the number of bars actually inserted and
// the new minimum time (0 when the store is empty).
func (s *Store) MergeOlder(bars []model.Bar) (int, int64) {
	clean := s.normalize(bars)
	if len(s.bars) > 0 {
		cut := sort.Search(len(clean), func(i int) bool { return clean[i].Time >= s.bars[0].Time })
		clean = clean[:cut]
	}
	if len(clean) == 0 {
		return 0, s.minTime()
	}
	merged := make([]model.Bar, 0, len(clean)+len(s.bars))
	merged = append(merged, clean...)
	merged = append(merged, s.bars...)
	s.bars = merged
	return len(clean), s.minTime()
}

// MergeLatest folds one settled bar into the tail. A bar at the last time
// replaces it, a newer bar is appended, and an older bar falls back to a
// sorted insert or in-place replace (the rare O(n) path).
func (s *Store) MergeLatest(b model.Bar) Change {
	if !b.Valid() {
		s.reject("bar")
		return Change{}
	}
	n := len(s.bars)
	switch {
	case n == 0 || b.Time > s.bars[n-1].Time:
		s.bars = append(s.bars, b)
		return Change{Op: OpAppended, Index: n}
	case b.Time == s.bars[n-1].Time:
		s.bars[n-1] = b
		return Change{Op: OpUpdated, Index: n - 1}
	}

	i := s.search(b.Time)
	if i < n && s.bars[i].Time == b.Time {
		s.bars[i] = b
		return Change{Op: OpRewritten, Index: i}
	}
	s.bars = append(s.bars, model.Bar{})
	copy(s.bars[i+1:], s.bars[i:])
	s.bars[i] = b
	return Change{Op: OpRewritten, Index: i}
}

// ApplyTick folds a bucket-aligned tick into the bar at t.Time. An existing
// bar keeps its open; high and low widen to the price, close becomes the
// price and volume accumulates. A tick newer than the last bar opens a new
// bar. A tick older than the last bar is discarded.
func (s *Store) ApplyTick(t model.Tick) Change {
	if !t.Valid() {
		s.reject("tick")
		return Change{}
	}
	n := len(s.bars)
	if n > 0 {
		last := &s.bars[n-1]
		if t.Time < last.Time {
			s.DiscardTick(t)
			return Change{}
		}
		if t.Time == last.Time {
			if t.Price > last.High {
				last.High = t.Price
			}
			if t.Price < last.Low {
				last.Low = t.Price
			}
			last.Close = t.Price
			last.Volume += t.Volume
			return Change{Op: OpUpdated, Index: n - 1}
		}
	}
	s.bars = append(s.bars, model.Bar{
		Time:   t.Time,
		Open:   t.Price,
		High:   t.Price,
		Low:    t.Price,
		Close:  t.Price,
		Volume: t.Volume,
	})
	return Change{Op: OpAppended, Index: n}
}

// normalize drops invalid bars, sorts by time and keeps the last occurrence
// of each time.
func (s *Store) normalize(in []model.Bar) []model.Bar {
	out := make([]model.Bar, 0, len(in))
	for _, b := range in {
		if !b.Valid() {
			s.reject("bar")
			continue
		}
		out = append(out, b)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Time < out[j].Time })

	w := 0
	for r := 0; r < len(out); r++ {
		if r+1 < len(out) && out[r+1].Time == out[r].Time {
			continue
		}
		out[w] = out[r]
		w++
	}
	return out[:w]
}

func (s *Store) search(t int64) int {
	return sort.Search(len(s.bars), func(i int) bool { return s.bars[i].Time >= t })
}

func (s *Store) minTime() int64 {
	if len(s.bars) == 0 {
		return 0
	}
	return s.bars[0].Time
}

// DiscardTick counts t as stale without applying it, for ticks the caller
// knows are superseded (their bucket already has a closed bar).
func (s *Store) DiscardTick(t model.Tick) {
	s.stale++
	if s.OnStale != nil {
		s.OnStale(t)
	}
}

func (s *Store) reject(kind string) {
	s.rejected++
	if s.OnRejected != nil {
		s.OnRejected(kind)
	}
}
