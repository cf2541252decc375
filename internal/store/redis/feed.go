package redis

import (
	"context"
	"fmt"
	"sync/atomic"

	goredis "github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"chartfeed/internal/model"
)

// Feed is a real-time feed over Redis Pub/Sub. Producers publish tick
// messages on pub:tick:<symbol> and closed bars on pub:bar:<tf>s:<symbol>.
type Feed struct {
	client *goredis.Client
	keys   Keys
	log    *zap.Logger
}

// NewFeed creates a feed reading from client.
func NewFeed(client *goredis.Client, prefix string, log *zap.Logger) *Feed {
	if log == nil {
		log = zap.NewNop()
	}
	return &Feed{client: client, keys: Keys{Prefix: prefix}, log: log.Named("redis-feed")}
}

// Subscribe implements model.Feed.
func (f *Feed) Subscribe(ctx context.Context, key model.SeriesKey, h model.FeedHandlers) (func(), error) {
	tickCh, barCh := f.keys.TickChannel(key.Symbol), f.keys.BarChannel(key)
	ps := f.client.Subscribe(ctx, tickCh, barCh)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", key, err)
	}
	f.log.Info("subscribed", zap.String("tick_channel", tickCh), zap.String("bar_channel", barCh))

	var closed atomic.Bool
	subCtx, cancel := context.WithCancel(ctx)
	if h.OnOpen != nil {
		h.OnOpen()
	}
	go func() {
		ch := ps.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if closed.Load() {
					return
				}
				f.dispatch(msg, h)
			}
		}
	}()

	return func() {
		if closed.Swap(true) {
			return
		}
		cancel()
		ps.Close()
		if h.OnClose != nil {
			h.OnClose()
		}
	}, nil
}

func (f *Feed) dispatch(msg *goredis.Message, h model.FeedHandlers) {
	tick, bar, _, err := model.DecodeFeedMessage([]byte(msg.Payload))
	if err != nil {
		f.log.Debug("skipping message", zap.String("channel", msg.Channel), zap.Error(err))
		return
	}
	switch {
	case tick != nil && h.OnTick != nil:
		h.OnTick(*tick)
	case bar != nil && h.OnClosedBar != nil:
		h.OnClosedBar(*bar)
	}
}

// PublishTick sends a tick to the feed channel of its symbol.
func PublishTick(ctx context.Context, client *goredis.Client, prefix string, t model.Tick) error {
	return client.Publish(ctx, Keys{Prefix: prefix}.TickChannel(t.Symbol), model.TickMessage(t)).Err()
}

// PublishBar sends a closed bar to the feed channel of its series.
func PublishBar(ctx context.Context, client *goredis.Client, prefix string, tf int, b model.ClosedBar) error {
	key := model.SeriesKey{Symbol: b.Symbol, Timeframe: tf}
	return client.Publish(ctx, Keys{Prefix: prefix}.BarChannel(key), model.BarMessage(b, tf)).Err()
}
