// Package pipeline runs the reconciliation loop for one chart series.
//
// A single goroutine (Run) owns the candle store, the indicator engine, the
// backfill coordinator and the real-time reconciler. Fetches and feed
// callbacks run elsewhere and post closures back onto the loop, so every
// mutation runs to completion before the next one starts and indicator
// recomputation always sees a fully merged series. Each series switch bumps
// a generation counter; results tagged with an older generation are dropped.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"chartfeed/internal/backfill"
	"chartfeed/internal/indicator"
	"chartfeed/internal/logger"
	"chartfeed/internal/markethours"
	"chartfeed/internal/metrics"
	"chartfeed/internal/model"
	"chartfeed/internal/realtime"
	"chartfeed/internal/series"
)

// ErrStopped is returned by calls made after Run has exited.
var ErrStopped = errors.New("pipeline: stopped")

// Sink is a named frame consumer.
type Sink struct {
	Name string
	model.FrameSink
}

// Deps are the collaborators a pipeline talks to. Only Fetcher is required.
type Deps struct {
	Fetcher  model.HistoricalFetcher
	Feed     model.Feed
	Archive  model.BarArchive
	Viewport model.Viewport
	Sinks    []Sink
	Metrics  *metrics.Metrics
	Health   *metrics.HealthStatus
}

// Options configure the series and its processing.
type Options struct {
	Key          model.SeriesKey
	Indicators   []indicator.Config
	Calendar     *markethours.Calendar
	Backfill     backfill.Config
	Realtime     realtime.Config
	InitialLimit int // bars in the first page; defaults to Backfill.PageSize
	ArchiveQueue int
}

// Pipeline reconciles one series at a time.
type Pipeline struct {
	opts    Options
	deps    Deps
	m       *metrics.Metrics
	log     *zap.Logger
	session string

	events  chan func()
	done    chan struct{}
	archive chan archiveJob

	// Loop-owned state.
	ctx        context.Context
	genCtx     context.Context
	genCancel  context.CancelFunc
	generation uint64
	key        model.SeriesKey
	configs    []indicator.Config
	store      *series.Store
	engine     *indicator.Engine
	coord      *backfill.Coordinator
	recon      *realtime.Reconciler
	loaded     bool
	held       []func() // feed messages received before the first page
	unsub      func()
	flushArmed bool
	retryDelay time.Duration
	now        func() time.Time
}

type archiveJob struct {
	key  model.SeriesKey
	bars []model.Bar
}

const maxHeld = 4096

// New validates options and builds a pipeline. Call Run to start it.
func New(opts Options, deps Deps, log *zap.Logger) (*Pipeline, error) {
	if deps.Fetcher == nil {
		return nil, errors.New("pipeline: a historical fetcher is required")
	}
	if opts.Key.Timeframe <= 0 {
		return nil, model.ErrInvalidTimeframe
	}
	if err := indicator.ValidateConfigs(opts.Indicators); err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	if opts.Calendar == nil {
		opts.Calendar = markethours.TwentyFourSeven()
	}
	if opts.Backfill.PageSize <= 0 {
		opts.Backfill.PageSize = backfill.DefaultConfig().PageSize
	}
	if opts.InitialLimit <= 0 {
		opts.InitialLimit = opts.Backfill.PageSize
	}
	if opts.ArchiveQueue <= 0 {
		opts.ArchiveQueue = 256
	}
	if log == nil {
		log = zap.NewNop()
	}
	m := deps.Metrics
	if m == nil {
		m = metrics.NewMetrics(prometheus.NewRegistry())
	}
	session := logger.NewSessionID()
	return &Pipeline{
		opts:    opts,
		deps:    deps,
		m:       m,
		log:     log.Named("pipeline").With(zap.String("session", session)),
		session: session,
		events:  make(chan func(), 1024),
		done:    make(chan struct{}),
		archive: make(chan archiveJob, opts.ArchiveQueue),
		configs: opts.Indicators,
		now:     time.Now,
	}, nil
}

// Session returns the pipeline's session ID.
func (p *Pipeline) Session() string { return p.session }

// Run processes events until ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context) error {
	ctx = logger.WithSession(ctx, p.session)
	p.ctx = ctx

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.runArchiver(ctx)
	}()
	defer func() {
		close(p.done)
		if p.unsub != nil {
			p.unsub()
		}
		if p.genCancel != nil {
			p.genCancel()
		}
		close(p.archive)
		wg.Wait()
	}()

	if err := p.switchTo(p.opts.Key, p.configs); err != nil {
		return err
	}
	p.log.Info("pipeline started", zap.String("series", p.key.String()), zap.Int("indicators", len(p.configs)))

	for {
		select {
		case <-ctx.Done():
			p.log.Info("pipeline stopped")
			return nil
		case fn := <-p.events:
			fn()
		}
	}
}

// post queues fn for the loop. It blocks while the queue is full and gives
// up once the loop has exited.
func (p *Pipeline) post(fn func()) bool {
	select {
	case p.events <- fn:
		return true
	case <-p.done:
		return false
	}
}

// call runs fn on the loop and waits for its error.
func (p *Pipeline) call(ctx context.Context, fn func() error) error {
	errCh := make(chan error, 1)
	if !p.post(func() { errCh <- fn() }) {
		return ErrStopped
	}
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrStopped
	}
}

// Select switches to another (symbol, timeframe). Pending fetches and feed
// messages of the previous series are discarded.
func (p *Pipeline) Select(ctx context.Context, symbol string, timeframe int) error {
	key, err := model.NewSeriesKey(symbol, timeframe)
	if err != nil {
		return err
	}
	return p.call(ctx, func() error { return p.switchTo(key, p.configs) })
}

// SetIndicators replaces the active indicator set. Indicators kept from the
// previous set retain their state.
func (p *Pipeline) SetIndicators(ctx context.Context, configs []indicator.Config) error {
	if err := indicator.ValidateConfigs(configs); err != nil {
		return err
	}
	return p.call(ctx, func() error {
		preserved, created, err := p.engine.Reconfigure(configs, p.store.Bars())
		if err != nil {
			return err
		}
		p.configs = configs
		p.log.Info("indicators reconfigured", zap.Int("preserved", preserved), zap.Int("created", created))
		p.emit(indicator.Result{Full: true}, "")
		return nil
	})
}

// Snapshot returns a full frame of the current state.
func (p *Pipeline) Snapshot(ctx context.Context) (*model.Frame, error) {
	var f *model.Frame
	err := p.call(ctx, func() error {
		f = p.frame(indicator.Result{Full: true})
		return nil
	})
	return f, err
}

// ViewportChanged asks the loop to re-evaluate the backfill trigger. Safe to
// call from any goroutine; it never blocks the caller for long.
func (p *Pipeline) ViewportChanged() {
	select {
	case p.events <- func() { p.maybeBackfill(p.visibleFrom()) }:
	default:
	}
}

// LoadOlder requests an older page as if the view touched the left edge.
func (p *Pipeline) LoadOlder(ctx context.Context) error {
	return p.call(ctx, func() error {
		p.maybeBackfill(0)
		return nil
	})
}

// switchTo resets every per-series component and starts loading key.
func (p *Pipeline) switchTo(key model.SeriesKey, configs []indicator.Config) error {
	engine, err := indicator.NewEngine(configs, p.opts.Calendar.Env(key.Timeframe))
	if err != nil {
		return err
	}
	if p.unsub != nil {
		p.unsub()
		p.unsub = nil
	}
	if p.genCancel != nil {
		p.genCancel()
	}
	p.generation++
	p.genCtx, p.genCancel = context.WithCancel(p.ctx)
	p.key = key
	p.configs = configs
	p.engine = engine
	p.loaded = false
	p.held = nil
	p.flushArmed = false
	p.retryDelay = 0

	p.store = series.New(key)
	p.store.OnRejected = func(kind string) {
		p.m.RejectedInputs.WithLabelValues(kind).Inc()
		p.log.Debug("rejected input", zap.String("kind", kind))
	}
	p.store.OnStale = func(t model.Tick) {
		p.m.StaleTicks.Inc()
	}
	p.coord = backfill.New(p.opts.Backfill, p.log)
	p.coord.SetClock(p.now)
	p.coord.Reset("", false)
	p.recon = realtime.New(p.store, p.deps.Viewport, p.opts.Realtime, p.log)
	p.recon.SetClock(p.now)
	p.recon.OnThrottled = p.m.ThrottledTicks.Inc
	p.recon.OnForeignData = p.m.ForeignMessages.Inc
	if vp, ok := p.deps.Viewport.(interface{ Clear() }); ok {
		vp.Clear()
	}
	if p.deps.Health != nil {
		p.deps.Health.SetSeries(key.String())
	}

	p.log.Info("series selected", zap.String("series", key.String()), zap.Uint64("generation", p.generation))
	p.fetchInitial()
	p.subscribe()
	return nil
}

func (p *Pipeline) fetchInitial() {
	gen, ctx, key := p.generation, p.genCtx, p.key
	req := model.FetchRequest{Limit: p.opts.InitialLimit}
	go func() {
		slice, err := p.deps.Fetcher.Fetch(ctx, key, req)
		p.post(func() { p.onInitial(gen, slice, err) })
	}()
}

func (p *Pipeline) onInitial(gen uint64, slice model.Slice, err error) {
	if gen != p.generation {
		p.m.StaleMessages.Inc()
		return
	}
	if err != nil {
		p.retryDelay = nextDelay(p.retryDelay)
		p.log.Warn("initial history fetch failed", zap.Error(err), zap.Duration("retry_in", p.retryDelay))
		p.emitError(fmt.Sprintf("history unavailable: %v", err))
		time.AfterFunc(p.retryDelay, func() {
			p.post(func() {
				if gen == p.generation && !p.loaded {
					p.fetchInitial()
				}
			})
		})
		return
	}

	p.store.ReplaceAll(slice.Bars)
	p.coord.Reset(slice.NextBefore, slice.HasMore())
	p.loaded = true
	p.retryDelay = 0
	p.m.SeriesBars.Set(float64(p.store.Len()))
	p.log.Info("history loaded", zap.Int("bars", p.store.Len()), zap.Bool("has_more", slice.HasMore()))

	held := p.held
	p.held = nil
	for _, fn := range held {
		fn()
	}
	p.recompute(0, true)
	p.armFlush()
}

func nextDelay(d time.Duration) time.Duration {
	if d == 0 {
		return 500 * time.Millisecond
	}
	d *= 2
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	return d
}

func (p *Pipeline) subscribe() {
	if p.deps.Feed == nil {
		return
	}
	gen, key := p.generation, p.key
	h := model.FeedHandlers{
		OnTick: func(t model.Tick) {
			p.post(func() { p.onFeed(gen, func() series.Change { return p.tick(t) }) })
		},
		OnClosedBar: func(b model.ClosedBar) {
			p.post(func() { p.onFeed(gen, func() series.Change { return p.closedBar(b) }) })
		},
		OnError: func(err error) {
			p.post(func() {
				if gen == p.generation {
					p.log.Warn("feed error", zap.Error(err))
					p.emitError(fmt.Sprintf("feed: %v", err))
				}
			})
		},
		OnOpen: func() {
			p.post(func() { p.onFeedStatus(gen, true) })
		},
		OnClose: func() {
			p.post(func() { p.onFeedStatus(gen, false) })
		},
	}
	unsub, err := p.deps.Feed.Subscribe(p.genCtx, key, h)
	if err != nil {
		p.log.Warn("feed subscribe failed", zap.Error(err))
		p.emitError(fmt.Sprintf("feed: %v", err))
		return
	}
	p.unsub = unsub
}

func (p *Pipeline) onFeedStatus(gen uint64, connected bool) {
	if gen != p.generation {
		return
	}
	if p.deps.Health != nil {
		p.deps.Health.SetFeedConnected(connected)
	}
	if connected {
		p.log.Info("feed connected")
	} else {
		p.log.Warn("feed disconnected")
	}
}

// onFeed applies a feed mutation, holding it until the first page is in.
func (p *Pipeline) onFeed(gen uint64, mutate func() series.Change) {
	if gen != p.generation {
		p.m.StaleMessages.Inc()
		return
	}
	if !p.loaded {
		if len(p.held) < maxHeld {
			p.held = append(p.held, func() { mutate() })
		}
		return
	}
	ch := mutate()
	if ch.Changed() {
		p.recompute(dirtyFrom(ch), false)
	}
	p.armFlush()
}

func (p *Pipeline) tick(t model.Tick) series.Change {
	out := p.recon.HandleTick(t)
	if out.Change.Changed() {
		p.m.TicksTotal.Inc()
		if p.deps.Health != nil {
			p.deps.Health.SetLastTickTime(p.now())
		}
	}
	return out.Change
}

func (p *Pipeline) closedBar(b model.ClosedBar) series.Change {
	out := p.recon.HandleClosedBar(b)
	if out.Change.Changed() {
		p.m.ClosedBarsTotal.Inc()
		i := out.Change.Index
		if bars := p.store.Bars(); i < len(bars) {
			p.archiveBars([]model.Bar{bars[i]})
		}
	}
	return out.Change
}

// armFlush schedules the throttled tick, if one is waiting.
func (p *Pipeline) armFlush() {
	due, ok := p.recon.Pending()
	if !ok || p.flushArmed {
		return
	}
	p.flushArmed = true
	gen := p.generation
	time.AfterFunc(due.Sub(p.now()), func() {
		p.post(func() {
			if gen != p.generation {
				return
			}
			p.flushArmed = false
			if ch := p.recon.Flush().Change; ch.Changed() {
				p.m.TicksTotal.Inc()
				p.recompute(dirtyFrom(ch), false)
			}
		})
	})
}

// dirtyFrom maps a store change to the first bar index whose indicator
// inputs changed. Prepends and replacements invalidate everything.
func dirtyFrom(ch series.Change) int {
	switch ch.Op {
	case series.OpUpdated, series.OpAppended, series.OpRewritten:
		return ch.Index
	default:
		return 0
	}
}

func (p *Pipeline) visibleFrom() float64 {
	if p.deps.Viewport == nil {
		return float64(p.store.Len())
	}
	r, ok := p.deps.Viewport.VisibleRange()
	if !ok {
		return float64(p.store.Len())
	}
	return r.From
}

func (p *Pipeline) maybeBackfill(visibleFrom float64) {
	if !p.loaded {
		return
	}
	req, id, ok := p.coord.Begin(visibleFrom)
	if !ok {
		return
	}
	p.m.BackfillRequests.Inc()
	gen, ctx, key := p.generation, p.genCtx, p.key
	go func() {
		start := time.Now()
		slice, err := p.deps.Fetcher.Fetch(ctx, key, req)
		p.m.BackfillDur.Observe(time.Since(start).Seconds())
		p.post(func() { p.onOlder(gen, id, slice, err) })
	}()
}

func (p *Pipeline) onOlder(gen, id uint64, slice model.Slice, err error) {
	if gen != p.generation {
		p.m.StaleMessages.Inc()
		return
	}
	if err != nil {
		p.m.BackfillFailures.Inc()
		if p.coord.Fail(id, err) == nil {
			p.emitError(fmt.Sprintf("older history unavailable: %v", err))
		}
		return
	}
	res, cerr := p.coord.Complete(id, slice, p.store, p.deps.Viewport)
	if cerr != nil {
		p.m.StaleMessages.Inc()
		return
	}
	p.m.BackfillBars.Add(float64(res.Added))
	p.m.SeriesBars.Set(float64(p.store.Len()))
	if res.Added > 0 {
		p.recompute(0, true)
	}
	// A page that added nothing did not move the left edge; wait for the
	// viewport to move before asking again.
	if res.HasMore && res.Added > 0 {
		gen := p.generation
		time.AfterFunc(time.Until(p.coord.ReadyAt()), func() {
			p.post(func() {
				if gen == p.generation {
					p.maybeBackfill(p.visibleFrom())
				}
			})
		})
	}
}

// recompute syncs the engine with the store and publishes a frame.
func (p *Pipeline) recompute(dirty int, full bool) {
	start := time.Now()
	var res indicator.Result
	if full {
		res = p.engine.Rebuild(p.store.Bars())
	} else {
		res = p.engine.Sync(p.store.Bars(), dirty)
	}
	mode := "incremental"
	if res.Full {
		mode = "full"
	}
	p.m.RecomputeDur.WithLabelValues(mode).Observe(time.Since(start).Seconds())
	p.emit(res, "")
}

func (p *Pipeline) frame(res indicator.Result) *model.Frame {
	f := &model.Frame{
		Session:    p.session,
		Symbol:     p.key.Symbol,
		Timeframe:  p.key.Timeframe,
		Generation: p.generation,
		Full:       res.Full,
		From:       res.From,
	}
	if res.Full {
		f.Bars = p.store.Snapshot()
		f.Series = p.engine.Series()
		return f
	}
	bars := p.store.Bars()
	i, _ := p.store.IndexOf(res.From)
	f.Bars = append([]model.Bar(nil), bars[i:]...)
	f.Series = p.engine.SeriesSince(res.From)
	return f
}

func (p *Pipeline) emit(res indicator.Result, errMsg string) {
	f := p.frame(res)
	f.Error = errMsg
	p.publish(f)
}

func (p *Pipeline) emitError(msg string) {
	p.publish(&model.Frame{
		Session:    p.session,
		Symbol:     p.key.Symbol,
		Timeframe:  p.key.Timeframe,
		Generation: p.generation,
		From:       -1,
		Error:      msg,
	})
}

func (p *Pipeline) publish(f *model.Frame) {
	for _, s := range p.deps.Sinks {
		if err := s.Publish(p.ctx, f); err != nil {
			p.m.FrameErrors.WithLabelValues(s.Name).Inc()
			p.log.Warn("frame publish failed", zap.String("sink", s.Name), zap.Error(err))
			continue
		}
		p.m.FramesTotal.WithLabelValues(s.Name).Inc()
	}
}

// archiveBars queues closed bars for persistence without blocking the loop.
func (p *Pipeline) archiveBars(bars []model.Bar) {
	if p.deps.Archive == nil {
		return
	}
	select {
	case p.archive <- archiveJob{key: p.key, bars: bars}:
	default:
		p.log.Warn("archive queue full, dropping closed bar", zap.Int64("time", bars[0].Time))
	}
}

func (p *Pipeline) runArchiver(ctx context.Context) {
	for job := range p.archive {
		if p.deps.Archive == nil {
			continue
		}
		start := time.Now()
		wctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := p.deps.Archive.SaveBars(wctx, job.key, job.bars)
		cancel()
		p.m.ArchiveWriteDur.Observe(time.Since(start).Seconds())
		if err != nil {
			logger.FromContext(ctx, p.log).Warn("archive write failed", zap.Error(err), zap.String("series", job.key.String()))
		}
	}
}
