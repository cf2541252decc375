// cmd/tickserver is a demo market-data server for chartd.
//
// It random-walks prices for a few symbols and serves:
//
//	GET /ws       feed: a client sends {"action":"subscribe","symbol":"EURUSD","tf":60}
//	              and then receives tick messages plus a bar message each time
//	              a bar of its timeframe closes
//	GET /klines   synthetic history: ?symbol=&tf=&limit=&before=
//	GET /health
//
// Tick times are sent in milliseconds, bar times in seconds. With
// TICK_REDIS_ADDR set, ticks and closed bars for TICK_TFS are also published
// on the Redis feed channels.
//
// Config (env vars):
//
//	TICK_SERVER_ADDR   listen address (default ":8765")
//	TICK_SYMBOLS       comma-separated SYMBOL:PRICE pairs (default "EURUSD:1.08,BTCUSD:65000")
//	TICK_INTERVAL_MS   tick interval in milliseconds (default 250)
//	TICK_HISTORY_DAYS  history depth served by /klines (default 30)
//	TICK_REDIS_ADDR    optional Redis address
//	TICK_REDIS_PREFIX  Redis key prefix
//	TICK_TFS           timeframes published to Redis (default "60,300")
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"chartfeed/config"
	"chartfeed/internal/logger"
	"chartfeed/internal/model"
	redisstore "chartfeed/internal/store/redis"
)

type subscription struct {
	symbol string
	bars   *barBuilder
}

type client struct {
	send chan []byte

	mu  sync.Mutex
	sub *subscription
}

type hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
}

func newHub() *hub {
	return &hub{clients: make(map[*client]struct{})}
}

func (h *hub) register() *client {
	c := &client{send: make(chan []byte, 256)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	return c
}

func (h *hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		close(c.send)
		delete(h.clients, c)
	}
	h.mu.Unlock()
}

// dispatch sends t to every client subscribed to its symbol, preceded by a
// bar message when t closes the client's current bar.
func (h *hub) dispatch(t model.Tick) {
	msg := model.TickMessage(t)
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		c.mu.Lock()
		sub := c.sub
		var closed *model.Bar
		if sub != nil && sub.symbol == t.Symbol {
			closed = sub.bars.add(t)
		}
		c.mu.Unlock()
		if sub == nil || sub.symbol != t.Symbol {
			continue
		}
		if closed != nil {
			c.trySend(model.BarMessage(model.ClosedBar{Symbol: t.Symbol, Bar: *closed}, int(sub.bars.tf)))
		}
		c.trySend(msg)
	}
}

func (c *client) trySend(msg []byte) {
	select {
	case c.send <- msg:
	default: // slow client, drop
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

func wsHandler(h *hub, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn("upgrade failed", zap.Error(err))
			return
		}
		log.Info("client connected", zap.String("remote", r.RemoteAddr))

		c := h.register()
		defer func() {
			h.unregister(c)
			conn.Close()
			log.Info("client disconnected", zap.String("remote", r.RemoteAddr))
		}()

		go func() {
			for {
				var m struct {
					Action    string `json:"action"`
					Symbol    string `json:"symbol"`
					Timeframe int    `json:"tf"`
				}
				if err := conn.ReadJSON(&m); err != nil {
					h.unregister(c)
					return
				}
				if m.Action != "subscribe" || m.Timeframe <= 0 {
					continue
				}
				sym := model.NormalizeSymbol(m.Symbol)
				c.mu.Lock()
				c.sub = &subscription{symbol: sym, bars: &barBuilder{tf: int64(m.Timeframe)}}
				c.mu.Unlock()
				log.Info("subscribed", zap.String("symbol", sym), zap.Int("tf", m.Timeframe))
			}
		}()

		for msg := range c.send {
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

type klinesResponse struct {
	Bars       []model.Bar `json:"bars"`
	NextBefore string      `json:"next_before"`
	Count      int         `json:"count"`
}

func klinesHandler(bases map[string]float64, historyDays int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		symbol := model.NormalizeSymbol(q.Get("symbol"))
		base, ok := bases[symbol]
		if !ok {
			http.Error(w, "unknown symbol", http.StatusNotFound)
			return
		}
		tf, err := strconv.Atoi(q.Get("tf"))
		if err != nil || tf <= 0 {
			http.Error(w, "bad tf", http.StatusBadRequest)
			return
		}
		limit := 500
		if v, err := strconv.Atoi(q.Get("limit")); err == nil && v > 0 && v <= 5000 {
			limit = v
		}
		now := time.Now().Unix()
		before := now - now%int64(tf)
		if v := q.Get("before"); v != "" {
			b, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				http.Error(w, "bad before", http.StatusBadRequest)
				return
			}
			if b = model.NormalizeTime(b); b < before {
				before = b
			}
		}
		earliest := now - int64(historyDays)*86400

		bars, next := historyPage(symbol, tf, before, earliest, limit, base)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(klinesResponse{Bars: bars, NextBefore: next, Count: len(bars)})
	}
}

// redisPublisher mirrors the feed onto Redis channels.
type redisPublisher struct {
	client   *goredis.Client
	prefix   string
	builders map[string][]*barBuilder
	log      *zap.Logger
}

func (p *redisPublisher) publish(ctx context.Context, t model.Tick) {
	if err := redisstore.PublishTick(ctx, p.client, p.prefix, t); err != nil {
		p.log.Warn("redis publish tick", zap.Error(err))
		return
	}
	for _, b := range p.builders[t.Symbol] {
		if closed := b.add(t); closed != nil {
			cb := model.ClosedBar{Symbol: t.Symbol, Bar: *closed}
			if err := redisstore.PublishBar(ctx, p.client, p.prefix, int(b.tf), cb); err != nil {
				p.log.Warn("redis publish bar", zap.Error(err))
			}
		}
	}
}

func runGenerator(ctx context.Context, h *hub, rp *redisPublisher, instruments []instrument, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for i := range instruments {
				instruments[i].Price = walk(rng, instruments[i].Price)
				t := model.Tick{
					Symbol: instruments[i].Symbol,
					Time:   now.UnixMilli(),
					Price:  instruments[i].Price,
					Volume: float64(rng.Intn(10) + 1),
				}
				h.dispatch(t)
				if rp != nil {
					rp.publish(ctx, t)
				}
			}
		}
	}
}

func main() {
	log, err := logger.New(config.LogConfig{Level: envOrDefault("TICK_LOG_LEVEL", "info"), Format: "console", Service: "tickserver"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "tickserver: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	addr := envOrDefault("TICK_SERVER_ADDR", ":8765")
	instruments := parseInstruments(envOrDefault("TICK_SYMBOLS", "EURUSD:1.08,BTCUSD:65000"))
	if len(instruments) == 0 {
		log.Fatal("no instruments configured via TICK_SYMBOLS")
	}
	interval := time.Duration(envIntOrDefault("TICK_INTERVAL_MS", 250)) * time.Millisecond
	historyDays := envIntOrDefault("TICK_HISTORY_DAYS", 30)
	bases := make(map[string]float64, len(instruments))
	for _, in := range instruments {
		bases[in.Symbol] = in.Price
	}
	log.Info("starting", zap.Any("instruments", instruments), zap.Duration("interval", interval))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var rp *redisPublisher
	if raddr := os.Getenv("TICK_REDIS_ADDR"); raddr != "" {
		rdb, err := redisstore.Dial(ctx, config.RedisConfig{Addr: raddr}, log)
		if err != nil {
			log.Fatal("redis", zap.Error(err))
		}
		defer rdb.Close()
		rp = &redisPublisher{client: rdb, prefix: os.Getenv("TICK_REDIS_PREFIX"), builders: map[string][]*barBuilder{}, log: log}
		for _, tf := range parseInts(envOrDefault("TICK_TFS", "60,300")) {
			for _, in := range instruments {
				rp.builders[in.Symbol] = append(rp.builders[in.Symbol], &barBuilder{tf: int64(tf)})
			}
		}
	}

	h := newHub()
	go runGenerator(ctx, h, rp, instruments, interval)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", wsHandler(h, log))
	mux.HandleFunc("/klines", klinesHandler(bases, historyDays))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, `{"status":"ok","service":"tickserver"}`)
	})
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		srv.Shutdown(sctx)
	}()

	log.Info("listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal("server error", zap.Error(err))
	}
}

func parseInstruments(s string) []instrument {
	var out []instrument
	for _, part := range strings.Split(s, ",") {
		seg := strings.SplitN(strings.TrimSpace(part), ":", 2)
		if len(seg) != 2 {
			continue
		}
		price, err := strconv.ParseFloat(strings.TrimSpace(seg[1]), 64)
		if err != nil || price <= 0 {
			continue
		}
		out = append(out, instrument{Symbol: model.NormalizeSymbol(seg[0]), Price: price})
	}
	return out
}

func parseInts(s string) []int {
	var out []int
	for _, part := range strings.Split(s, ",") {
		if n, err := strconv.Atoi(strings.TrimSpace(part)); err == nil && n > 0 {
			out = append(out, n)
		}
	}
	return out
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
