package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds the chartd configuration. Values come from an optional YAML
// file, overridden by CHARTFEED_* environment variables (a .env file in the
// working directory is loaded first when present).
type Config struct {
	Symbol     string   `mapstructure:"symbol"`
	Timeframe  int      `mapstructure:"timeframe"`  // seconds
	Indicators []string `mapstructure:"indicators"` // "RSI:14", "MACD:12:26:9"

	Backfill BackfillConfig `mapstructure:"backfill"`
	Realtime RealtimeConfig `mapstructure:"realtime"`
	Feed     SourceConfig   `mapstructure:"feed"`
	History  SourceConfig   `mapstructure:"history"`

	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`

	Gateway GatewayConfig `mapstructure:"gateway"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Market  MarketConfig  `mapstructure:"market"`
	Archive ArchiveConfig `mapstructure:"archive"`
	Log     LogConfig     `mapstructure:"log"`
}

type BackfillConfig struct {
	PageSize      int           `mapstructure:"page_size"`
	EdgeThreshold int           `mapstructure:"edge_threshold"` // bars from the oldest loaded bar
	Debounce      time.Duration `mapstructure:"debounce"`
}

type RealtimeConfig struct {
	Throttle time.Duration `mapstructure:"throttle"` // 0 disables tick coalescing
}

// SourceConfig selects an adapter by kind.
type SourceConfig struct {
	Kind string `mapstructure:"kind"`
	URL  string `mapstructure:"url"`
}

type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

type GatewayConfig struct {
	Addr string `mapstructure:"addr"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// MarketConfig describes the trading session used for ORB day boundaries
// and the 24h-change lookback. Open is "HH:MM" local time.
type MarketConfig struct {
	Location       string   `mapstructure:"location"`
	Open           string   `mapstructure:"open"`
	SessionMinutes int      `mapstructure:"session_minutes"` // 0 or 1440 = round the clock
	WeekdaysOnly   bool     `mapstructure:"weekdays_only"`
	Holidays       []string `mapstructure:"holidays"` // "2006-01-02"
}

type ArchiveConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	RetentionDays int    `mapstructure:"retention_days"`
	PruneCron     string `mapstructure:"prune_cron"`
}

// LogConfig defines the logger configuration options.
type LogConfig struct {
	Level      string `mapstructure:"level"`       // "debug", "info", "warn", "error"
	Format     string `mapstructure:"format"`      // "json" or "console"
	OutputFile string `mapstructure:"output_file"` // optional, rotated
	Service    string `mapstructure:"service"`
}

var (
	feedKinds    = map[string]bool{"ws": true, "redis": true, "none": true}
	historyKinds = map[string]bool{"rest": true, "sqlite": true, "postgres": true}
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("symbol", "EURUSD")
	v.SetDefault("timeframe", 60)
	v.SetDefault("indicators", []string{"SMA:20", "EMA:50", "RSI:14", "MACD:12:26:9", "BB:20:2"})

	v.SetDefault("backfill.page_size", 500)
	v.SetDefault("backfill.edge_threshold", 20)
	v.SetDefault("backfill.debounce", 1500*time.Millisecond)
	v.SetDefault("realtime.throttle", 250*time.Millisecond)

	v.SetDefault("feed.kind", "ws")
	v.SetDefault("feed.url", "ws://localhost:8765/ws")
	v.SetDefault("history.kind", "sqlite")
	v.SetDefault("history.url", "http://localhost:8080")

	v.SetDefault("sqlite.path", "data/bars.db")
	v.SetDefault("postgres.max_open_conns", 10)
	v.SetDefault("postgres.max_idle_conns", 5)
	v.SetDefault("postgres.conn_max_lifetime", 30*time.Minute)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.prefix", "")

	v.SetDefault("gateway.addr", ":8081")
	v.SetDefault("metrics.addr", ":9090")

	v.SetDefault("market.location", "UTC")
	v.SetDefault("market.open", "00:00")
	v.SetDefault("market.session_minutes", 0)
	v.SetDefault("market.weekdays_only", false)

	v.SetDefault("archive.enabled", true)
	v.SetDefault("archive.retention_days", 90)
	v.SetDefault("archive.prune_cron", "0 3 * * *")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.service", "chartd")
}

// Load reads configuration. path may be empty, in which case only defaults,
// .env and the environment apply.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("CHARTFEED")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	// AutomaticEnv does not split list values.
	if raw := os.Getenv("CHARTFEED_INDICATORS"); raw != "" {
		cfg.Indicators = strings.Split(raw, ",")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks fields that would otherwise fail deep inside a component.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Symbol) == "" {
		return errors.New("config: symbol is required")
	}
	if c.Timeframe <= 0 {
		return fmt.Errorf("config: timeframe must be positive, got %d", c.Timeframe)
	}
	if !feedKinds[c.Feed.Kind] {
		return fmt.Errorf("config: unknown feed kind %q", c.Feed.Kind)
	}
	if !historyKinds[c.History.Kind] {
		return fmt.Errorf("config: unknown history kind %q", c.History.Kind)
	}
	if c.History.Kind == "postgres" && c.Postgres.DSN == "" {
		return errors.New("config: postgres.dsn is required for postgres history")
	}
	if c.Feed.Kind == "redis" && c.Redis.Addr == "" {
		return errors.New("config: redis.addr is required for the redis feed")
	}
	if c.Backfill.PageSize <= 0 {
		return fmt.Errorf("config: backfill.page_size must be positive, got %d", c.Backfill.PageSize)
	}
	if c.Backfill.EdgeThreshold < 0 {
		return fmt.Errorf("config: backfill.edge_threshold must not be negative")
	}
	if c.Market.SessionMinutes < 0 || c.Market.SessionMinutes > 1440 {
		return fmt.Errorf("config: market.session_minutes out of range: %d", c.Market.SessionMinutes)
	}
	return nil
}
