package pipeline

import (
	"context"
	"errors"
	"math"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"chartfeed/internal/backfill"
	"chartfeed/internal/indicator"
	"chartfeed/internal/model"
	"chartfeed/internal/realtime"
	"chartfeed/internal/viewport"
)

// ── Fakes ──

type fakeFetcher struct {
	mu    sync.Mutex
	bars  map[string][]model.Bar // by symbol, ascending
	fails int
	gates map[string]chan struct{}
	reqs  []model.FetchRequest
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{bars: map[string][]model.Bar{}, gates: map[string]chan struct{}{}}
}

func (f *fakeFetcher) Fetch(ctx context.Context, key model.SeriesKey, req model.FetchRequest) (model.Slice, error) {
	f.mu.Lock()
	gate := f.gates[key.Symbol]
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if f.fails > 0 {
		f.fails--
		return model.Slice{}, errors.New("upstream unavailable")
	}
	all := f.bars[key.Symbol]
	end := len(all)
	if req.Before != "" {
		before, _ := strconv.ParseInt(req.Before, 10, 64)
		end = sort.Search(len(all), func(i int) bool { return all[i].Time >= before })
	}
	start := end - req.Limit
	if start < 0 {
		start = 0
	}
	page := append([]model.Bar(nil), all[start:end]...)
	next := ""
	if start > 0 {
		next = strconv.FormatInt(all[start].Time, 10)
	}
	return model.Slice{Bars: page, NextBefore: next, Count: len(page)}, nil
}

type fakeFeed struct {
	mu       sync.Mutex
	handlers map[string]model.FeedHandlers
	unsubbed []string
}

func newFakeFeed() *fakeFeed { return &fakeFeed{handlers: map[string]model.FeedHandlers{}} }

func (f *fakeFeed) Subscribe(ctx context.Context, key model.SeriesKey, h model.FeedHandlers) (func(), error) {
	f.mu.Lock()
	f.handlers[key.String()] = h
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		delete(f.handlers, key.String())
		f.unsubbed = append(f.unsubbed, key.String())
		f.mu.Unlock()
	}, nil
}

func (f *fakeFeed) get(key string) (model.FeedHandlers, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.handlers[key]
	return h, ok
}

type captureSink struct {
	ch chan *model.Frame
}

func newCaptureSink() *captureSink { return &captureSink{ch: make(chan *model.Frame, 1000)} }

func (s *captureSink) Publish(ctx context.Context, f *model.Frame) error {
	s.ch <- f
	return nil
}

func (s *captureSink) wait(t *testing.T, match func(*model.Frame) bool) *model.Frame {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case f := <-s.ch:
			if match(f) {
				return f
			}
		case <-timeout:
			t.Fatal("timed out waiting for frame")
			return nil
		}
	}
}

type memArchive struct {
	mu   sync.Mutex
	bars []model.Bar
}

func (a *memArchive) SaveBars(ctx context.Context, key model.SeriesKey, bars []model.Bar) error {
	a.mu.Lock()
	a.bars = append(a.bars, bars...)
	a.mu.Unlock()
	return nil
}

func (a *memArchive) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.bars)
}

// ── Helpers ──

const t0 = int64(1_772_000_000 / 60 * 60)

func minuteBars(n int) []model.Bar {
	bars := make([]model.Bar, n)
	for i := range bars {
		c := 1.1 + 0.002*math.Sin(float64(i)/5)
		bars[i] = model.Bar{Time: t0 + int64(i)*60, Open: c, High: c + 0.0004, Low: c - 0.0004, Close: c, Volume: 5}
	}
	return bars
}

func mustConfigs(t *testing.T, specs ...string) []indicator.Config {
	t.Helper()
	cfgs, err := indicator.ParseSpecs(specs)
	if err != nil {
		t.Fatal(err)
	}
	return cfgs
}

type harness struct {
	p       *Pipeline
	fetcher *fakeFetcher
	feed    *fakeFeed
	sink    *captureSink
	archive *memArchive
	vp      *viewport.Memory
	cancel  context.CancelFunc
	done    chan error
}

func start(t *testing.T, opts Options, fetcher *fakeFetcher) *harness {
	t.Helper()
	h := &harness{
		fetcher: fetcher,
		feed:    newFakeFeed(),
		sink:    newCaptureSink(),
		archive: &memArchive{},
		vp:      viewport.NewMemory(),
		done:    make(chan error, 1),
	}
	p, err := New(opts, Deps{
		Fetcher:  fetcher,
		Feed:     h.feed,
		Archive:  h.archive,
		Viewport: h.vp,
		Sinks:    []Sink{{Name: "capture", FrameSink: h.sink}},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	h.p = p
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- p.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-h.done
	})
	return h
}

func full(f *model.Frame) bool { return f.Full && f.Error == "" }

func seriesByName(t *testing.T, f *model.Frame, name string) model.IndicatorSeries {
	t.Helper()
	for _, s := range f.Series {
		if s.Name == name {
			return s
		}
	}
	t.Fatalf("series %s not in frame", name)
	return model.IndicatorSeries{}
}

func defaultOpts(t *testing.T) Options {
	return Options{
		Key:          model.SeriesKey{Symbol: "EURUSD", Timeframe: 60},
		Indicators:   mustConfigs(t, "RSI:14", "SMA:5"),
		Backfill:     backfill.Config{EdgeThreshold: 20, Debounce: 10 * time.Millisecond, PageSize: 50},
		InitialLimit: 150,
	}
}

// ── Tests ──

func TestPipeline_InitialLoadAndTicks(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.bars["EURUSD"] = minuteBars(150)
	h := start(t, defaultOpts(t), fetcher)

	f := h.sink.wait(t, full)
	if len(f.Bars) != 150 || f.Generation != 1 || f.Session == "" {
		t.Fatalf("unexpected initial frame: bars=%d gen=%d", len(f.Bars), f.Generation)
	}
	rsi := seriesByName(t, f, "RSI_14")
	if rsi.Len() != 136 || rsi.Points[0].Time != f.Bars[14].Time {
		t.Errorf("RSI should have 136 points from bar 14, got %d", rsi.Len())
	}

	var feed model.FeedHandlers
	deadline := time.Now().Add(2 * time.Second)
	for {
		var ok bool
		if feed, ok = h.feed.get("EURUSD:60"); ok || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if feed.OnTick == nil {
		t.Fatal("feed not subscribed")
	}

	next := t0 + 150*60
	feed.OnTick(model.Tick{Symbol: "EURUSD", Time: next + 3, Price: 1.2345, Volume: 10})
	tail := h.sink.wait(t, func(f *model.Frame) bool { return !f.Full && f.Error == "" })
	if tail.From != t0+149*60 {
		t.Errorf("tail frame should start at the previous last bar, got %d", tail.From)
	}
	last := tail.Bars[len(tail.Bars)-1]
	if last.Time != next || last.Open != 1.2345 || last.Volume != 10 {
		t.Errorf("unexpected new bar %+v", last)
	}

	feed.OnTick(model.Tick{Symbol: "EURUSD", Time: next + 30, Price: 1.2300, Volume: 5})
	tail = h.sink.wait(t, func(f *model.Frame) bool { return !f.Full && f.From == next })
	last = tail.Bars[len(tail.Bars)-1]
	want := model.Bar{Time: next, Open: 1.2345, High: 1.2345, Low: 1.23, Close: 1.23, Volume: 15}
	if last != want {
		t.Errorf("got %+v, want %+v", last, want)
	}

	snap, err := h.p.Snapshot(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.Bars) != 151 {
		t.Errorf("snapshot should hold 151 bars, got %d", len(snap.Bars))
	}
}

func TestPipeline_ClosedBarsAreArchived(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.bars["EURUSD"] = minuteBars(30)
	h := start(t, defaultOpts(t), fetcher)
	h.sink.wait(t, full)

	var feed model.FeedHandlers
	for i := 0; i < 200; i++ {
		if hd, ok := h.feed.get("EURUSD:60"); ok {
			feed = hd
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cb := model.Bar{Time: t0 + 30*60, Open: 1.1, High: 1.2, Low: 1.0, Close: 1.15, Volume: 50}
	feed.OnClosedBar(model.ClosedBar{Symbol: "EURUSD", Bar: cb})
	h.sink.wait(t, func(f *model.Frame) bool { return !f.Full && f.Bars[len(f.Bars)-1] == cb })

	deadline := time.Now().Add(2 * time.Second)
	for h.archive.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if h.archive.count() != 1 {
		t.Errorf("expected 1 archived bar, got %d", h.archive.count())
	}
}

func TestPipeline_BackfillPreservesViewport(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.bars["EURUSD"] = minuteBars(200)
	h := start(t, defaultOpts(t), fetcher)
	initial := h.sink.wait(t, full)
	if len(initial.Bars) != 150 {
		t.Fatalf("expected 150 bars, got %d", len(initial.Bars))
	}
	anchor := initial.Bars[5].Time

	h.vp.SetVisibleRange(model.LogicalRange{From: 5, To: 80})
	h.vp.SetAutoFollow(false)
	h.p.ViewportChanged()

	f := h.sink.wait(t, func(f *model.Frame) bool { return full(f) && len(f.Bars) == 200 })
	if rsi := seriesByName(t, f, "RSI_14"); rsi.Len() != 186 {
		t.Errorf("expected 186 RSI points after backfill, got %d", rsi.Len())
	}
	r, _ := h.vp.VisibleRange()
	if r.From != 55 || f.Bars[int(r.From)].Time != anchor {
		t.Errorf("viewport should stay on the same bar, got %+v", r)
	}
}

func TestPipeline_SwitchDiscardsStaleResponses(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.bars["EURUSD"] = minuteBars(40)
	fetcher.bars["GBPUSD"] = minuteBars(20)
	gate := make(chan struct{})
	fetcher.gates["EURUSD"] = gate

	h := start(t, defaultOpts(t), fetcher)
	if err := h.p.Select(context.Background(), "gbp/usd", 60); err != nil {
		t.Fatal(err)
	}
	f := h.sink.wait(t, full)
	if f.Symbol != "GBPUSD" || f.Generation != 2 || len(f.Bars) != 20 {
		t.Fatalf("unexpected frame %s gen=%d bars=%d", f.Symbol, f.Generation, len(f.Bars))
	}

	close(gate) // the EURUSD page arrives after the switch
	time.Sleep(50 * time.Millisecond)
	snap, err := h.p.Snapshot(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if snap.Symbol != "GBPUSD" || len(snap.Bars) != 20 {
		t.Errorf("stale page leaked into the new series: %s %d", snap.Symbol, len(snap.Bars))
	}

	h.feed.mu.Lock()
	unsubbed := append([]string(nil), h.feed.unsubbed...)
	h.feed.mu.Unlock()
	if len(unsubbed) != 1 || unsubbed[0] != "EURUSD:60" {
		t.Errorf("old feed should be unsubscribed, got %v", unsubbed)
	}
}

func TestPipeline_HoldsFeedUntilHistoryLoads(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.bars["EURUSD"] = minuteBars(30)
	gate := make(chan struct{})
	fetcher.gates["EURUSD"] = gate
	h := start(t, defaultOpts(t), fetcher)

	var feed model.FeedHandlers
	for i := 0; i < 200; i++ {
		if hd, ok := h.feed.get("EURUSD:60"); ok {
			feed = hd
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	feed.OnTick(model.Tick{Time: t0 + 30*60 + 1, Price: 1.3, Volume: 2})
	close(gate)

	f := h.sink.wait(t, full)
	if len(f.Bars) != 31 || f.Bars[30].Close != 1.3 {
		t.Errorf("held tick should be applied after the first page, got %d bars", len(f.Bars))
	}
}

func TestPipeline_HeldTicksFlushUnderThrottle(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.bars["EURUSD"] = minuteBars(30)
	gate := make(chan struct{})
	fetcher.gates["EURUSD"] = gate
	opts := defaultOpts(t)
	opts.Realtime = realtime.Config{Throttle: 50 * time.Millisecond}
	h := start(t, opts, fetcher)

	var feed model.FeedHandlers
	for i := 0; i < 200; i++ {
		if hd, ok := h.feed.get("EURUSD:60"); ok {
			feed = hd
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	feed.OnTick(model.Tick{Time: t0 + 30*60 + 1, Price: 1.3, Volume: 2})
	feed.OnTick(model.Tick{Time: t0 + 30*60 + 2, Price: 1.4, Volume: 2})
	close(gate)

	// No further feed traffic: the throttled tick must still land.
	deadline := time.Now().Add(2 * time.Second)
	for {
		snap, err := h.p.Snapshot(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if n := len(snap.Bars); n == 31 && snap.Bars[n-1].Close == 1.4 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("newest held tick was never applied, last bar %+v", snap.Bars[len(snap.Bars)-1])
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// repeatFetcher answers every older-page request with bars the series
// already has and the same cursor, as a server that cannot page further.
type repeatFetcher struct {
	*fakeFetcher
	older atomic.Int32
}

func (f *repeatFetcher) Fetch(ctx context.Context, key model.SeriesKey, req model.FetchRequest) (model.Slice, error) {
	if req.Before == "" {
		return f.fakeFetcher.Fetch(ctx, key, req)
	}
	f.older.Add(1)
	f.mu.Lock()
	page := append([]model.Bar(nil), f.bars[key.Symbol][50:60]...)
	f.mu.Unlock()
	return model.Slice{Bars: page, NextBefore: req.Before, Count: len(page)}, nil
}

func TestPipeline_EmptyOlderPageDoesNotRefetch(t *testing.T) {
	inner := newFakeFetcher()
	inner.bars["EURUSD"] = minuteBars(200)
	fetcher := &repeatFetcher{fakeFetcher: inner}

	h := &harness{
		sink: newCaptureSink(),
		feed: newFakeFeed(),
		vp:   viewport.NewMemory(),
		done: make(chan error, 1),
	}
	p, err := New(defaultOpts(t), Deps{
		Fetcher:  fetcher,
		Feed:     h.feed,
		Viewport: h.vp,
		Sinks:    []Sink{{Name: "capture", FrameSink: h.sink}},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() { h.done <- p.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-h.done
	})

	if f := h.sink.wait(t, full); len(f.Bars) != 150 {
		t.Fatalf("expected 150 bars, got %d", len(f.Bars))
	}
	h.vp.SetVisibleRange(model.LogicalRange{From: 5, To: 80})
	h.vp.SetAutoFollow(false)
	p.ViewportChanged()

	// Debounce is 10ms; a re-arming loop would fetch many times here.
	time.Sleep(200 * time.Millisecond)
	if n := fetcher.older.Load(); n != 1 {
		t.Errorf("expected a single older-page request, got %d", n)
	}

	// Moving the view asks again.
	p.ViewportChanged()
	deadline := time.Now().Add(time.Second)
	for fetcher.older.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := fetcher.older.Load(); n != 2 {
		t.Errorf("a viewport change should retry, got %d requests", n)
	}
}

func TestPipeline_InitialFetchRetries(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.bars["EURUSD"] = minuteBars(20)
	fetcher.fails = 1
	h := start(t, defaultOpts(t), fetcher)

	errFrame := h.sink.wait(t, func(f *model.Frame) bool { return f.Error != "" })
	if errFrame.Full || len(errFrame.Bars) != 0 {
		t.Error("error frames must not replace data")
	}
	f := h.sink.wait(t, full)
	if len(f.Bars) != 20 {
		t.Errorf("expected 20 bars after retry, got %d", len(f.Bars))
	}
}

func TestPipeline_SetIndicators(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.bars["EURUSD"] = minuteBars(60)
	h := start(t, defaultOpts(t), fetcher)
	h.sink.wait(t, full)

	if err := h.p.SetIndicators(context.Background(), mustConfigs(t, "RSI:14", "EMA:10")); err != nil {
		t.Fatal(err)
	}
	f := h.sink.wait(t, full)
	if len(f.Series) != 2 || f.Series[1].Name != "EMA_10" || f.Series[1].Len() != 51 {
		t.Errorf("unexpected series after reconfigure: %+v", f.Series)
	}
	if err := h.p.SetIndicators(context.Background(), mustConfigs(t, "RSI:14", "RSI:14")); err == nil {
		t.Error("duplicate indicators should be rejected")
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Options{Key: model.SeriesKey{Symbol: "X", Timeframe: 60}}, Deps{}, nil); err == nil {
		t.Error("missing fetcher should fail")
	}
	if _, err := New(Options{Key: model.SeriesKey{Symbol: "X"}}, Deps{Fetcher: newFakeFetcher()}, nil); err == nil {
		t.Error("zero timeframe should fail")
	}
	bad := Options{Key: model.SeriesKey{Symbol: "X", Timeframe: 60}, Indicators: []indicator.Config{{Type: "NOPE"}}}
	if _, err := New(bad, Deps{Fetcher: newFakeFetcher()}, nil); err == nil {
		t.Error("bad indicator should fail")
	}
}
