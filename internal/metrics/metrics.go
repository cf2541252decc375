package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics holds all Prometheus metrics for the chart pipeline.
type Metrics struct {
	TicksTotal      prometheus.Counter
	ClosedBarsTotal prometheus.Counter
	RejectedInputs  *prometheus.CounterVec // labels: kind=bar|tick
	StaleTicks      prometheus.Counter
	StaleMessages   prometheus.Counter // responses from a superseded generation
	ThrottledTicks  prometheus.Counter
	ForeignMessages prometheus.Counter
	FeedReconnects  prometheus.Counter

	// Backfill
	BackfillRequests prometheus.Counter
	BackfillFailures prometheus.Counter
	BackfillBars     prometheus.Counter
	BackfillDur      prometheus.Histogram

	// Indicator engine
	RecomputeDur   *prometheus.HistogramVec // labels: mode=full|incremental
	SeriesBars     prometheus.Gauge
	FramesTotal    *prometheus.CounterVec // labels: sink
	FrameErrors    *prometheus.CounterVec // labels: sink
	GatewayClients prometheus.Gauge
	GatewayDelay   *prometheus.HistogramVec // labels: kind=frame|replay|snapshot|ack

	// Storage
	ArchiveWriteDur prometheus.Histogram
	ArchivePruned   prometheus.Counter

	// Circuit breaker
	RedisCircuitBreakerState prometheus.Gauge // 0=closed, 1=open, 2=half-open
	RedisCircuitBreakerTrips prometheus.Counter
	RedisBufferedWrites      prometheus.Counter

	// Market session
	MarketState prometheus.Gauge // 0=closed, 1=open
}

var fastBuckets = []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05}

// NewMetrics creates all metrics and registers them with reg
// (prometheus.DefaultRegisterer when nil).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chartfeed_ticks_total",
			Help: "Ticks applied to the series",
		}),
		ClosedBarsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chartfeed_closed_bars_total",
			Help: "Closed bars merged into the series",
		}),
		RejectedInputs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chartfeed_rejected_inputs_total",
			Help: "Bars and ticks dropped by validation",
		}, []string{"kind"}),
		StaleTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chartfeed_stale_ticks_total",
			Help: "Ticks older than the last bar, discarded",
		}),
		StaleMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chartfeed_stale_generation_messages_total",
			Help: "Async results discarded because the series was switched",
		}),
		ThrottledTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chartfeed_throttled_ticks_total",
			Help: "Ticks superseded inside the throttle window",
		}),
		ForeignMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chartfeed_foreign_messages_total",
			Help: "Feed messages for a symbol other than the active series",
		}),
		FeedReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chartfeed_feed_reconnects_total",
			Help: "Real-time feed reconnection attempts",
		}),

		BackfillRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chartfeed_backfill_requests_total",
			Help: "Older-history page requests issued",
		}),
		BackfillFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chartfeed_backfill_failures_total",
			Help: "Older-history page requests that failed",
		}),
		BackfillBars: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chartfeed_backfill_bars_total",
			Help: "Bars inserted by backfill",
		}),
		BackfillDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chartfeed_backfill_duration_seconds",
			Help:    "Historical page fetch latency",
			Buckets: prometheus.DefBuckets,
		}),

		RecomputeDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chartfeed_recompute_duration_seconds",
			Help:    "Indicator recompute latency per mutation",
			Buckets: fastBuckets,
		}, []string{"mode"}),
		SeriesBars: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chartfeed_series_bars",
			Help: "Bars held by the active series",
		}),
		FramesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chartfeed_frames_total",
			Help: "Frames published per sink",
		}, []string{"sink"}),
		FrameErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chartfeed_frame_errors_total",
			Help: "Frame publish failures per sink",
		}, []string{"sink"}),
		GatewayClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chartfeed_gateway_clients",
			Help: "Connected chart clients",
		}),
		GatewayDelay: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chartfeed_gateway_delivery_delay_seconds",
			Help:    "Time a gateway message waits in a client queue before its socket write",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"kind"}),

		ArchiveWriteDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chartfeed_archive_write_duration_seconds",
			Help:    "Bar archive write latency",
			Buckets: prometheus.DefBuckets,
		}),
		ArchivePruned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chartfeed_archive_pruned_bars_total",
			Help: "Archived bars removed by retention",
		}),

		RedisCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chartfeed_redis_circuit_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		RedisCircuitBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chartfeed_redis_circuit_breaker_trips_total",
			Help: "Times the Redis circuit breaker tripped open",
		}),
		RedisBufferedWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chartfeed_redis_buffered_writes_total",
			Help: "Frames buffered locally while the Redis circuit breaker was open",
		}),

		MarketState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chartfeed_market_state",
			Help: "Market session state (0=closed, 1=open)",
		}),
	}

	reg.MustRegister(
		m.TicksTotal,
		m.ClosedBarsTotal,
		m.RejectedInputs,
		m.StaleTicks,
		m.StaleMessages,
		m.ThrottledTicks,
		m.ForeignMessages,
		m.FeedReconnects,
		m.BackfillRequests,
		m.BackfillFailures,
		m.BackfillBars,
		m.BackfillDur,
		m.RecomputeDur,
		m.SeriesBars,
		m.FramesTotal,
		m.FrameErrors,
		m.GatewayClients,
		m.GatewayDelay,
		m.ArchiveWriteDur,
		m.ArchivePruned,
		m.RedisCircuitBreakerState,
		m.RedisCircuitBreakerTrips,
		m.RedisBufferedWrites,
		m.MarketState,
	)

	return m
}

// HealthStatus represents the system health.
type HealthStatus struct {
	mu sync.RWMutex

	FeedConnected  bool
	LastTickTime   time.Time
	RedisEnabled   bool
	RedisConnected bool
	ArchiveEnabled bool
	ArchiveOK      bool
	Series         string

	RedisLatencyMs   float64
	ArchiveLatencyMs float64
	LastCheckAt      time.Time
	StartedAt        time.Time
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{StartedAt: time.Now()}
}

func (h *HealthStatus) SetFeedConnected(v bool) {
	h.mu.Lock()
	h.FeedConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastTickTime(t time.Time) {
	h.mu.Lock()
	h.LastTickTime = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetSeries(key string) {
	h.mu.Lock()
	h.Series = key
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency and connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisEnabled = true
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckArchive pings the archive database and records latency and health.
func (h *HealthStatus) CheckArchive(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.ArchiveEnabled = true
	h.ArchiveOK = err == nil
	h.ArchiveLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks. Either dependency
// may be nil.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, db *sql.DB, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				if rdb != nil {
					h.CheckRedis(probeCtx, rdb)
				}
				if db != nil {
					h.CheckArchive(probeCtx, db)
				}
				cancel()
			}
		}
	}()
}

// HealthReport is the JSON body served on /healthz.
type HealthReport struct {
	Status           string  `json:"status"`
	Uptime           string  `json:"uptime"`
	Series           string  `json:"series"`
	FeedConnected    bool    `json:"feed_connected"`
	LastTickTime     string  `json:"last_tick_time"`
	TickAge          string  `json:"tick_age"`
	RedisConnected   bool    `json:"redis_connected"`
	RedisLatencyMs   float64 `json:"redis_latency_ms"`
	ArchiveOK        bool    `json:"archive_ok"`
	ArchiveLatencyMs float64 `json:"archive_latency_ms"`
	LastCheckAt      string  `json:"last_check_at"`
}

// Report computes the overall status and the HTTP code to serve it with.
func (h *HealthStatus) Report() (HealthReport, int) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overall := "healthy"
	code := http.StatusOK
	redisDown := h.RedisEnabled && !h.RedisConnected
	archiveDown := h.ArchiveEnabled && !h.ArchiveOK
	if !h.FeedConnected || redisDown || archiveDown {
		overall = "degraded"
		code = http.StatusServiceUnavailable
	}
	if redisDown && archiveDown {
		overall = "unhealthy"
	}

	tickAge := ""
	if !h.LastTickTime.IsZero() {
		tickAge = time.Since(h.LastTickTime).Round(time.Millisecond).String()
	}
	return HealthReport{
		Status:           overall,
		Uptime:           time.Since(h.StartedAt).Round(time.Second).String(),
		Series:           h.Series,
		FeedConnected:    h.FeedConnected,
		LastTickTime:     h.LastTickTime.Format(time.RFC3339),
		TickAge:          tickAge,
		RedisConnected:   h.RedisConnected,
		RedisLatencyMs:   h.RedisLatencyMs,
		ArchiveOK:        h.ArchiveOK,
		ArchiveLatencyMs: h.ArchiveLatencyMs,
		LastCheckAt:      h.LastCheckAt.Format(time.RFC3339),
	}, code
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	report, code := h.Report()
	w.Header().Set("Content-Type", "application/json")
	if code != http.StatusOK {
		w.WriteHeader(code)
	}
	json.NewEncoder(w).Encode(report)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	addr string
	srv  *http.Server
	log  *zap.Logger
}

// NewServer creates a metrics and health server.
func NewServer(addr string, health *HealthStatus, log *zap.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", health)

	return &Server{
		addr: addr,
		srv:  &http.Server{Addr: addr, Handler: mux},
		log:  log.Named("metrics"),
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		s.log.Info("server listening", zap.String("addr", s.addr))
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			s.log.Error("server error", zap.Error(err))
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
