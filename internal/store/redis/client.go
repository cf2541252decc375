package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"chartfeed/config"
	"chartfeed/internal/model"
)

const defaultLatestTTL = 30 * time.Minute

// Dial creates a Redis client and pings the server.
func Dial(ctx context.Context, cfg config.RedisConfig, log *zap.Logger) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	if log != nil {
		log.Info("redis connected", zap.String("addr", cfg.Addr), zap.Int("db", cfg.DB))
	}
	return client, nil
}

// Keys builds channel and key names under an optional prefix.
type Keys struct {
	Prefix string
}

// FrameChannel is where every frame of a series is published.
func (k Keys) FrameChannel(key model.SeriesKey) string {
	return k.Prefix + "pub:frame:" + key.Symbol + ":" + strconv.Itoa(key.Timeframe)
}

// LatestFrame holds the most recent frame of a series.
func (k Keys) LatestFrame(key model.SeriesKey) string {
	return k.Prefix + "latest:frame:" + key.Symbol + ":" + strconv.Itoa(key.Timeframe)
}

// TickChannel carries tick messages for a symbol.
func (k Keys) TickChannel(symbol string) string {
	return k.Prefix + "pub:tick:" + symbol
}

// BarChannel carries closed-bar messages for a series.
func (k Keys) BarChannel(key model.SeriesKey) string {
	return k.Prefix + "pub:bar:" + strconv.Itoa(key.Timeframe) + "s:" + key.Symbol
}
