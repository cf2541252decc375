// Package gateway serves pipeline frames to chart clients over WebSocket.
//
// Every frame is wrapped in an envelope
//
//	{"type":"frame","seq":42,"ts":"2026-02-25T10:00:01.5Z","data":{...}}
//
// with a hub-wide sequence number. A joining client first receives the
// composed full frame of the current series, or, when it reconnects with
// ?since=<seq> and the replay buffer still covers the gap, the envelopes it
// missed. Queued messages are coalesced into one WebSocket message separated
// by newlines. Clients drive the pipeline with action messages, see Client.
package gateway

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"chartfeed/internal/indicator"
	"chartfeed/internal/metrics"
	"chartfeed/internal/model"
)

// Control is what clients may ask of the pipeline.
type Control interface {
	Select(ctx context.Context, symbol string, timeframe int) error
	SetIndicators(ctx context.Context, configs []indicator.Config) error
	LoadOlder(ctx context.Context) error
	ViewportChanged()
}

// Options configure a Hub. Every field is optional.
type Options struct {
	Control        Control
	Viewport       model.Viewport
	Metrics        *metrics.Metrics
	ReplayCapacity int // envelopes kept for resume, default 512
	SendBuffer     int // per-client queue, default 256
}

type outbound struct {
	data   []byte
	kind   string
	queued time.Time
}

// Hub is a model.FrameSink that fans frames out to WebSocket clients.
type Hub struct {
	opts Options
	log  *zap.Logger

	mu      sync.Mutex
	clients map[*Client]struct{}
	seq     int64
	current *model.Frame
	replay  *ReplayBuffer

	Delivery *DeliveryStats
}

func NewHub(opts Options, log *zap.Logger) *Hub {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 256
	}
	if log == nil {
		log = zap.NewNop()
	}
	h := &Hub{
		opts:    opts,
		log:     log.Named("gateway"),
		clients: make(map[*Client]struct{}),
		replay:  NewReplayBuffer(opts.ReplayCapacity),
	}
	var delay *prometheus.HistogramVec
	if opts.Metrics != nil {
		delay = opts.Metrics.GatewayDelay
	}
	h.Delivery = NewDeliveryStats(0, delay)
	return h
}

// SetControl attaches the pipeline once it exists.
func (h *Hub) SetControl(c Control) {
	h.mu.Lock()
	h.opts.Control = c
	h.mu.Unlock()
}

func (h *Hub) control() Control {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.opts.Control
}

// Publish implements model.FrameSink. It never blocks: a client whose queue
// is full is disconnected, since a dropped tail frame would leave its chart
// inconsistent.
func (h *Hub) Publish(_ context.Context, f *model.Frame) error {
	data := f.JSON()
	now := time.Now().UTC()

	h.mu.Lock()
	defer h.mu.Unlock()
	h.seq++
	env := frameEnvelope(h.seq, now, data)
	h.replay.Push(h.seq, env)
	if f.From >= 0 {
		h.current = compose(h.current, f)
	}
	msg := outbound{data: env, kind: kindFrame, queued: now}
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			h.log.Warn("client too slow, disconnecting", zap.String("remote", c.remote))
			h.removeLocked(c)
		}
	}
	return nil
}

// frameEnvelope builds the envelope by hand; data is already JSON.
func frameEnvelope(seq int64, ts time.Time, data []byte) []byte {
	buf := make([]byte, 0, len(data)+96)
	buf = append(buf, `{"type":"frame","seq":`...)
	buf = strconv.AppendInt(buf, seq, 10)
	buf = append(buf, `,"ts":"`...)
	buf = ts.AppendFormat(buf, time.RFC3339Nano)
	buf = append(buf, `","data":`...)
	buf = append(buf, data...)
	buf = append(buf, '}')
	return buf
}

// Current returns a copy of the composed full frame of the current series.
func (h *Hub) Current() (*model.Frame, int64, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.current == nil {
		return nil, h.seq, false
	}
	return compose(nil, h.current), h.seq, true
}

// Register attaches an upgraded connection. since < 0 asks for the full
// frame; otherwise the client resumes after that sequence number if it can.
func (h *Hub) Register(conn *websocket.Conn, since int64) *Client {
	c := &Client{
		conn:   conn,
		send:   make(chan outbound, h.opts.SendBuffer),
		hub:    h,
		remote: conn.RemoteAddr().String(),
	}

	h.mu.Lock()
	h.catchUpLocked(c, since)
	h.clients[c] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()

	if h.opts.Metrics != nil {
		h.opts.Metrics.GatewayClients.Set(float64(count))
	}
	h.log.Info("client connected", zap.String("remote", c.remote), zap.Int64("since", since), zap.Int("clients", count))

	go c.writePump()
	go c.readPump()
	return c
}

func (h *Hub) catchUpLocked(c *Client, since int64) {
	now := time.Now().UTC()
	if since >= 0 {
		if envs, ok := h.replay.Since(since); ok && len(envs) < cap(c.send) {
			for _, env := range envs {
				c.send <- outbound{data: env, kind: kindReplay, queued: now}
			}
			return
		}
	}
	if h.current != nil {
		c.send <- outbound{data: frameEnvelope(h.seq, now, h.current.JSON()), kind: kindSnapshot, queued: now}
	}
}

// RemoveClient detaches c; safe to call more than once.
func (h *Hub) RemoveClient(c *Client) {
	h.mu.Lock()
	h.removeLocked(c)
	h.mu.Unlock()
}

func (h *Hub) removeLocked(c *Client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	if h.opts.Metrics != nil {
		h.opts.Metrics.GatewayClients.Set(float64(len(h.clients)))
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Seq returns the last envelope sequence number.
func (h *Hub) Seq() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.seq
}

type ackMsg struct {
	Type   string `json:"type"`
	Action string `json:"action"`
	ReqID  string `json:"req_id,omitempty"`
	Error  string `json:"error,omitempty"`
}

func ackEnvelope(action, reqID string, err error) []byte {
	a := ackMsg{Type: "ack", Action: action, ReqID: reqID}
	if err != nil {
		a.Error = err.Error()
	}
	b, _ := json.Marshal(a)
	return b
}
