package model

import "context"

// ── Port Interfaces ──
// The core depends only on these; transports, archives and render layers
// implement them.

// FetchRequest asks for up to Limit bars. Before and After are opaque
// continuation cursors returned by an earlier fetch; empty means unbounded.
type FetchRequest struct {
	Limit  int
	Before string
	After  string
}

// Slice is one page of historical bars in ascending time order.
// An empty NextBefore or a zero Count means no older data remains.
type Slice struct {
	Bars       []Bar
	NextBefore string
	Count      int
}

// HasMore reports whether older data can be requested with NextBefore.
func (s Slice) HasMore() bool { return s.NextBefore != "" && s.Count > 0 }

// HistoricalFetcher loads pages of historical bars.
type HistoricalFetcher interface {
	Fetch(ctx context.Context, key SeriesKey, req FetchRequest) (Slice, error)
}

// FeedHandlers receives asynchronous feed events. Any handler may be nil.
type FeedHandlers struct {
	OnTick      func(Tick)
	OnClosedBar func(ClosedBar)
	OnError     func(error)
	OnOpen      func()
	OnClose     func()
}

// Feed delivers real-time ticks and closed bars for one series. The returned
// function unsubscribes; after it returns no new handler call starts. It does
// not wait for a call already in progress.
type Feed interface {
	Subscribe(ctx context.Context, key SeriesKey, h FeedHandlers) (unsubscribe func(), err error)
}

// LogicalRange is a visible range in bar-index space. Fractional values are
// allowed; rendering libraries report partially visible bars that way.
type LogicalRange struct {
	From float64 `json:"from"`
	To   float64 `json:"to"`
}

// Shift moves both ends by n bars.
func (r LogicalRange) Shift(n float64) LogicalRange {
	return LogicalRange{From: r.From + n, To: r.To + n}
}

// Width returns To - From.
func (r LogicalRange) Width() float64 { return r.To - r.From }

// Viewport is the adapter a rendering library implements so the core can
// read and pin the user's scroll position.
type Viewport interface {
	VisibleRange() (LogicalRange, bool)
	SetVisibleRange(LogicalRange)
	AutoFollow() bool
	SetAutoFollow(bool)
}

// FrameSink consumes frames produced by a pipeline. Publish must not block
// for long; implementations that do I/O hand off to their own goroutine.
type FrameSink interface {
	Publish(ctx context.Context, f *Frame) error
}

// BarArchive persists closed bars so later sessions can backfill from them.
type BarArchive interface {
	SaveBars(ctx context.Context, key SeriesKey, bars []Bar) error
}
