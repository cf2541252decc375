// Package ws is a real-time feed client for JSON-over-WebSocket tick servers
// such as cmd/tickserver. After connecting it sends
//
//	{"action":"subscribe","symbol":"EURUSD","tf":60}
//
// and then reads tick and bar messages (see model.FeedMessage). Bars for other
// timeframes are ignored. The connection is re-established with exponential
// backoff until the subscription is cancelled.
package ws

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"chartfeed/internal/model"
)

// Config holds the feed settings.
type Config struct {
	// URL of the tick WebSocket server, e.g. "ws://localhost:8765/ws".
	URL string

	// ReconnectDelay is the initial delay before reconnection attempts.
	// Defaults to 500ms.
	ReconnectDelay time.Duration

	// MaxReconnectDelay caps the exponential backoff. Defaults to 30s.
	MaxReconnectDelay time.Duration
}

func (c *Config) defaults() {
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 500 * time.Millisecond
	}
	if c.MaxReconnectDelay == 0 {
		c.MaxReconnectDelay = 30 * time.Second
	}
}

type subscribeMsg struct {
	Action    string `json:"action"`
	Symbol    string `json:"symbol"`
	Timeframe int    `json:"tf"`
}

// Feed implements model.Feed over a WebSocket connection per subscription.
type Feed struct {
	cfg Config
	log *zap.Logger

	// OnReconnect is called each time a connection drops and a retry is scheduled.
	OnReconnect func()
}

// New validates the URL.
func New(cfg Config, log *zap.Logger) (*Feed, error) {
	cfg.defaults()
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("ws feed: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("ws feed: unsupported scheme %q", u.Scheme)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Feed{cfg: cfg, log: log.Named("ws-feed")}, nil
}

// Subscribe implements model.Feed. Connection errors are reported through
// h.OnError and retried; Subscribe itself only fails on a closed context.
func (f *Feed) Subscribe(ctx context.Context, key model.SeriesKey, h model.FeedHandlers) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	subCtx, cancel := context.WithCancel(ctx)
	var closed atomic.Bool
	go f.run(subCtx, key, h, &closed)
	return func() {
		if !closed.Swap(true) {
			cancel()
		}
	}, nil
}

func (f *Feed) run(ctx context.Context, key model.SeriesKey, h model.FeedHandlers, closed *atomic.Bool) {
	delay := f.cfg.ReconnectDelay
	for {
		connected, err := f.runOnce(ctx, key, h, closed)
		if ctx.Err() != nil || closed.Load() {
			return
		}
		if connected {
			delay = f.cfg.ReconnectDelay
			if h.OnClose != nil {
				h.OnClose()
			}
		}
		f.log.Warn("disconnected, reconnecting",
			zap.String("series", key.String()), zap.Error(err), zap.Duration("delay", delay))
		if h.OnError != nil && err != nil {
			h.OnError(err)
		}
		if f.OnReconnect != nil {
			f.OnReconnect()
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > f.cfg.MaxReconnectDelay {
			delay = f.cfg.MaxReconnectDelay
		}
	}
}

// runOnce makes a single connection and reads until disconnect or cancel.
// connected reports whether the subscribe message went out.
func (f *Feed) runOnce(ctx context.Context, key model.SeriesKey, h model.FeedHandlers, closed *atomic.Bool) (connected bool, err error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.cfg.URL, nil)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	if err := conn.WriteJSON(subscribeMsg{Action: "subscribe", Symbol: key.Symbol, Timeframe: key.Timeframe}); err != nil {
		return false, fmt.Errorf("send subscribe: %w", err)
	}
	f.log.Info("connected", zap.String("url", f.cfg.URL), zap.String("series", key.String()))
	if h.OnOpen != nil {
		h.OnOpen()
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "unsubscribe"),
				time.Now().Add(time.Second))
			conn.Close()
		case <-stop:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return true, nil
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return true, errors.New("server closed the connection")
			}
			return true, err
		}
		if closed.Load() {
			return true, nil
		}

		tick, bar, m, err := model.DecodeFeedMessage(raw)
		if err != nil {
			f.log.Debug("skipping message", zap.Error(err), zap.ByteString("raw", raw))
			continue
		}
		switch {
		case tick != nil && h.OnTick != nil:
			h.OnTick(*tick)
		case bar != nil && h.OnClosedBar != nil:
			if m.Timeframe != 0 && m.Timeframe != key.Timeframe {
				continue
			}
			h.OnClosedBar(*bar)
		}
	}
}
