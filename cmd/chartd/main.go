// cmd/chartd runs one chart pipeline: it loads history from the configured
// archive or REST endpoint, follows a real-time feed, keeps indicator series
// in sync and publishes frames to WebSocket clients and, when configured,
// to Redis.
//
// Usage:
//
//	chartd -config chartd.yaml
//
// Every setting can be overridden with CHARTFEED_* environment variables,
// e.g. CHARTFEED_SYMBOL=GBPUSD CHARTFEED_FEED_KIND=redis.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"chartfeed/config"
	"chartfeed/internal/backfill"
	"chartfeed/internal/gateway"
	"chartfeed/internal/indicator"
	"chartfeed/internal/logger"
	"chartfeed/internal/marketdata/rest"
	"chartfeed/internal/marketdata/ws"
	"chartfeed/internal/markethours"
	"chartfeed/internal/metrics"
	"chartfeed/internal/model"
	"chartfeed/internal/pipeline"
	"chartfeed/internal/realtime"
	pgstore "chartfeed/internal/store/postgres"
	redisstore "chartfeed/internal/store/redis"
	sqlitestore "chartfeed/internal/store/sqlite"
	"chartfeed/internal/viewport"
)

// pruner is implemented by both archives.
type pruner interface {
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "chartd: %v\n", err)
		os.Exit(1)
	}
	log, err := logger.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "chartd: logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("chartd failed", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("starting",
		zap.String("symbol", cfg.Symbol),
		zap.Int("tf", cfg.Timeframe),
		zap.String("feed", cfg.Feed.Kind),
		zap.String("history", cfg.History.Kind))

	key, err := model.NewSeriesKey(cfg.Symbol, cfg.Timeframe)
	if err != nil {
		return err
	}
	indicators, err := indicator.ParseSpecs(cfg.Indicators)
	if err != nil {
		return err
	}
	cal, err := markethours.New(cfg.Market)
	if err != nil {
		return err
	}

	// ---- Metrics & health ----
	prom := metrics.NewMetrics(nil)
	health := metrics.NewHealthStatus()
	metricsSrv := metrics.NewServer(cfg.Metrics.Addr, health, log)
	metricsSrv.Start()

	// ---- History and archive ----
	var (
		fetcher model.HistoricalFetcher
		archive model.BarArchive
		prune   pruner
		db      *sql.DB
	)
	switch cfg.History.Kind {
	case "postgres":
		pg, err := pgstore.Open(cfg.Postgres, log)
		if err != nil {
			return err
		}
		defer pg.Close()
		fetcher, archive, prune = pg, pg, pg
		if db, err = pg.DB.DB(); err != nil {
			return err
		}
	case "rest":
		rf, err := rest.New(cfg.History.URL, nil, log)
		if err != nil {
			return err
		}
		fetcher = rf
	}
	if cfg.History.Kind == "sqlite" || (cfg.History.Kind == "rest" && cfg.Archive.Enabled) {
		if dir := filepath.Dir(cfg.SQLite.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("create data dir: %w", err)
			}
		}
		sq, err := sqlitestore.Open(cfg.SQLite.Path, log)
		if err != nil {
			return err
		}
		defer sq.Close()
		archive, prune, db = sq, sq, sq.DB()
		if fetcher == nil {
			fetcher = sq
		}
	}
	if !cfg.Archive.Enabled {
		archive = nil
	}

	// ---- Redis (optional) ----
	var rdb *goredis.Client
	if cfg.Redis.Addr != "" {
		rdb, err = redisstore.Dial(ctx, cfg.Redis, log)
		if err != nil {
			if cfg.Feed.Kind == "redis" {
				return err
			}
			log.Warn("redis unavailable, frames will not be published there", zap.Error(err))
			rdb = nil
		} else {
			defer rdb.Close()
		}
	}
	health.StartLivenessChecker(ctx, rdb, db, 10*time.Second)

	// ---- Feed ----
	var feed model.Feed
	switch cfg.Feed.Kind {
	case "ws":
		wf, err := ws.New(ws.Config{URL: cfg.Feed.URL}, log)
		if err != nil {
			return err
		}
		wf.OnReconnect = prom.FeedReconnects.Inc
		feed = wf
	case "redis":
		feed = redisstore.NewFeed(rdb, cfg.Redis.Prefix, log)
	}

	// ---- Sinks ----
	vp := viewport.NewMemory()
	var sinks []pipeline.Sink
	var hub *gateway.Hub
	if rdb != nil {
		pub := redisstore.NewPublisher(rdb, redisstore.PublisherConfig{Prefix: cfg.Redis.Prefix}, log)
		pub.OnBuffer = prom.RedisBufferedWrites.Inc
		pub.OnTrip = prom.RedisCircuitBreakerTrips.Inc
		pub.OnState = func(s redisstore.State) { prom.RedisCircuitBreakerState.Set(float64(s)) }
		sinks = append(sinks, pipeline.Sink{Name: "redis", FrameSink: pub})
	}

	// The hub needs the pipeline as its control, and the pipeline needs the
	// hub as a sink.
	hub = gateway.NewHub(gateway.Options{Viewport: vp, Metrics: prom}, log)
	sinks = append(sinks, pipeline.Sink{Name: "gateway", FrameSink: hub})

	p, err := pipeline.New(pipeline.Options{
		Key:        key,
		Indicators: indicators,
		Calendar:   cal,
		Backfill: backfill.Config{
			EdgeThreshold: cfg.Backfill.EdgeThreshold,
			Debounce:      cfg.Backfill.Debounce,
			PageSize:      cfg.Backfill.PageSize,
		},
		Realtime: realtime.Config{Throttle: cfg.Realtime.Throttle},
	}, pipeline.Deps{
		Fetcher:  fetcher,
		Feed:     feed,
		Archive:  archive,
		Viewport: vp,
		Sinks:    sinks,
		Metrics:  prom,
		Health:   health,
	}, log)
	if err != nil {
		return err
	}
	hub.SetControl(p)

	// ---- Gateway HTTP ----
	mux := http.NewServeMux()
	gateway.RegisterRoutes(mux, hub)
	gwSrv := &http.Server{Addr: cfg.Gateway.Addr, Handler: mux}
	go func() {
		log.Info("gateway listening", zap.String("addr", cfg.Gateway.Addr))
		if err := gwSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("gateway server error", zap.Error(err))
			stop()
		}
	}()

	// ---- Retention ----
	var sched *cron.Cron
	if prune != nil && cfg.Archive.RetentionDays > 0 {
		sched = cron.New()
		_, err := sched.AddFunc(cfg.Archive.PruneCron, func() {
			cutoff := time.Now().AddDate(0, 0, -cfg.Archive.RetentionDays)
			pctx, cancel := context.WithTimeout(ctx, time.Minute)
			defer cancel()
			n, err := prune.Prune(pctx, cutoff)
			if err != nil {
				log.Warn("archive prune failed", zap.Error(err))
				return
			}
			prom.ArchivePruned.Add(float64(n))
		})
		if err != nil {
			return fmt.Errorf("archive.prune_cron %q: %w", cfg.Archive.PruneCron, err)
		}
		sched.Start()
	}

	// ---- Market session gauge ----
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			if cal.IsOpen(time.Now()) {
				prom.MarketState.Set(1)
			} else {
				prom.MarketState.Set(0)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	log.Info("market session", zap.String("status", cal.StatusString(time.Now())))
	err = p.Run(ctx)

	// ---- Shutdown ----
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if sched != nil {
		<-sched.Stop().Done()
	}
	gwSrv.Shutdown(shutdownCtx)
	metricsSrv.Stop(shutdownCtx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
