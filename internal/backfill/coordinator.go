// Package backfill decides when to page older history into a candle series
// and keeps the user's scroll position stable when it arrives.
//
// The coordinator is a three-state machine (Idle, LoadingOlder, Cooldown).
// It performs no I/O itself: the owning pipeline calls Begin to obtain a
// request, runs the fetch asynchronously, and reports the outcome with
// Complete or Fail on its own goroutine.
package backfill

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"chartfeed/internal/model"
	"chartfeed/internal/series"
)

// State of the coordinator.
type State int

const (
	Idle State = iota
	LoadingOlder
	Cooldown
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case LoadingOlder:
		return "loading_older"
	case Cooldown:
		return "cooldown"
	default:
		return "unknown"
	}
}

// ErrStaleResponse is returned for a completion that does not match the
// request in flight.
var ErrStaleResponse = errors.New("backfill: stale response")

// Config tunes the trigger.
type Config struct {
	EdgeThreshold int           // trigger when the leftmost visible index is <= this
	Debounce      time.Duration // minimum gap between triggers, also the cooldown length
	PageSize      int
}

// DefaultConfig returns the settings used when none are configured.
func DefaultConfig() Config {
	return Config{EdgeThreshold: 20, Debounce: 1500 * time.Millisecond, PageSize: 500}
}

// Result describes a completed older-page merge.
type Result struct {
	Added   int   // bars actually inserted
	MinTime int64 // new oldest bar time
	HasMore bool
}

// Coordinator tracks pagination state for one series.
// Not safe for concurrent use; owned by the pipeline goroutine.
type Coordinator struct {
	cfg Config
	log *zap.Logger
	now func() time.Time

	state       State
	cursor      string
	hasMore     bool
	lastTrigger time.Time
	coolUntil   time.Time
	requestID   uint64
	lastErr     error
}

// New creates a coordinator in Idle with no known history.
func New(cfg Config, log *zap.Logger) *Coordinator {
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultConfig().PageSize
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Coordinator{cfg: cfg, log: log.Named("backfill"), now: time.Now}
}

// SetClock replaces the time source (tests).
func (c *Coordinator) SetClock(now func() time.Time) { c.now = now }

// Reset starts over for a freshly loaded series. cursor and hasMore come
// from the initial page.
func (c *Coordinator) Reset(cursor string, hasMore bool) {
	c.state = Idle
	c.cursor = cursor
	c.hasMore = hasMore
	c.lastTrigger = time.Time{}
	c.coolUntil = time.Time{}
	c.requestID++ // orphan anything in flight
	c.lastErr = nil
}

// State returns the current state, leaving Cooldown once it has expired.
func (c *Coordinator) State() State {
	if c.state == Cooldown && !c.now().Before(c.coolUntil) {
		c.state = Idle
	}
	return c.state
}

// HasMore reports whether older history may still exist.
func (c *Coordinator) HasMore() bool { return c.hasMore }

// Cursor returns the continuation token for the next older page.
func (c *Coordinator) Cursor() string { return c.cursor }

// LastError returns the most recent fetch failure, cleared on success.
func (c *Coordinator) LastError() error { return c.lastErr }

// ReadyAt returns when a trigger will next be permitted by the debounce.
func (c *Coordinator) ReadyAt() time.Time {
	ready := c.lastTrigger.Add(c.cfg.Debounce)
	if c.coolUntil.After(ready) {
		ready = c.coolUntil
	}
	return ready
}

// ShouldTrigger reports whether a viewport whose leftmost visible logical
// index is visibleFrom should request an older page now.
func (c *Coordinator) ShouldTrigger(visibleFrom float64) bool {
	if c.State() != Idle || !c.hasMore {
		return false
	}
	if visibleFrom > float64(c.cfg.EdgeThreshold) {
		return false
	}
	return c.lastTrigger.IsZero() || c.now().Sub(c.lastTrigger) >= c.cfg.Debounce
}

// Begin moves Idle -> LoadingOlder and returns the request to issue and its
// id. ok is false when a request is already in flight or not allowed.
func (c *Coordinator) Begin(visibleFrom float64) (req model.FetchRequest, id uint64, ok bool) {
	if !c.ShouldTrigger(visibleFrom) {
		return model.FetchRequest{}, 0, false
	}
	c.state = LoadingOlder
	c.lastTrigger = c.now()
	c.requestID++
	c.log.Debug("requesting older page",
		zap.String("before", c.cursor), zap.Int("limit", c.cfg.PageSize), zap.Uint64("request", c.requestID))
	return model.FetchRequest{Limit: c.cfg.PageSize, Before: c.cursor}, c.requestID, true
}

// Complete merges a fetched page into store and moves LoadingOlder ->
// Cooldown. When the user is not auto-following, the visible range is
// shifted by the number of inserted bars so the same bars stay on screen;
// otherwise the view jumps to the newest bar.
func (c *Coordinator) Complete(id uint64, slice model.Slice, store *series.Store, vp model.Viewport) (Result, error) {
	if c.state != LoadingOlder || id != c.requestID {
		return Result{}, ErrStaleResponse
	}
	added, minTime := store.MergeOlder(slice.Bars)
	if slice.NextBefore != "" {
		c.cursor = slice.NextBefore
	}
	c.hasMore = slice.HasMore()
	c.lastErr = nil
	c.state = Cooldown
	c.coolUntil = c.now().Add(c.cfg.Debounce)

	if vp != nil {
		preserveViewport(vp, added, store.Len())
	}
	c.log.Debug("older page merged",
		zap.Int("added", added), zap.Int64("min_time", minTime), zap.Bool("has_more", c.hasMore))
	return Result{Added: added, MinTime: minTime, HasMore: c.hasMore}, nil
}

// Fail records a failed fetch: back to Idle with hasMore untouched so a
// later scroll can retry.
func (c *Coordinator) Fail(id uint64, err error) error {
	if c.state != LoadingOlder || id != c.requestID {
		return ErrStaleResponse
	}
	c.state = Idle
	c.lastErr = err
	c.log.Warn("older page fetch failed", zap.Error(err), zap.String("before", c.cursor))
	return nil
}

func preserveViewport(vp model.Viewport, added, length int) {
	r, ok := vp.VisibleRange()
	if !ok {
		return
	}
	if !vp.AutoFollow() {
		if added > 0 {
			vp.SetVisibleRange(r.Shift(float64(added)))
		}
		return
	}
	last := float64(length - 1)
	vp.SetVisibleRange(model.LogicalRange{From: last - r.Width(), To: last})
}
