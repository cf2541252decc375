package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"chartfeed/internal/indicator"
	"chartfeed/internal/model"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	controlWait  = 5 * time.Second
)

var errNoControl = errors.New("pipeline control not available")

// Client is one WebSocket peer. It accepts
//
//	{"action":"select","symbol":"EURUSD","tf":60}
//	{"action":"indicators","specs":["RSI:14","BB:20:2"]}
//	{"action":"viewport","from":120.5,"to":260}
//	{"action":"autofollow","enabled":true}
//	{"action":"load_older"}
//	{"ping":1700000000123}
//
// and answers each action with {"type":"ack","action":...,"error":...}.
type Client struct {
	conn   *websocket.Conn
	send   chan outbound
	hub    *Hub
	remote string
}

type inbound struct {
	Action    string   `json:"action"`
	ReqID     string   `json:"req_id"`
	Symbol    string   `json:"symbol"`
	Timeframe int      `json:"tf"`
	Specs     []string `json:"specs"`
	From      *float64 `json:"from"`
	To        *float64 `json:"to"`
	Enabled   bool     `json:"enabled"`
	Ping      int64    `json:"ping"`
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(msg.data)
			c.hub.Delivery.Observe(msg.kind, msg.queued)

			n := len(c.send)
			for i := 0; i < n; i++ {
				next, ok := <-c.send
				if !ok {
					break
				}
				w.Write([]byte{'\n'})
				w.Write(next.data)
				c.hub.Delivery.Observe(next.kind, next.queued)
			}
			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.RemoveClient(c)
		c.conn.Close()
		c.hub.log.Info("client disconnected", zap.String("remote", c.remote))
	}()

	c.conn.SetReadLimit(8192)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg inbound
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.trySend(ackEnvelope("", "", fmt.Errorf("invalid message: %w", err)))
			continue
		}
		if msg.Action == "" && msg.Ping > 0 {
			pong, _ := json.Marshal(map[string]interface{}{
				"type":      "pong",
				"ping":      msg.Ping,
				"server_ts": time.Now().UnixMilli(),
			})
			c.trySend(pong)
			continue
		}
		err = c.handle(msg)
		if err != nil {
			c.hub.log.Debug("action failed", zap.String("action", msg.Action), zap.Error(err))
		}
		c.trySend(ackEnvelope(msg.Action, msg.ReqID, err))
	}
}

func (c *Client) handle(msg inbound) error {
	ctl, vp := c.hub.control(), c.hub.opts.Viewport
	ctx, cancel := context.WithTimeout(context.Background(), controlWait)
	defer cancel()

	switch msg.Action {
	case "select":
		if ctl == nil {
			return errNoControl
		}
		return ctl.Select(ctx, msg.Symbol, msg.Timeframe)
	case "indicators":
		if ctl == nil {
			return errNoControl
		}
		configs, err := indicator.ParseSpecs(msg.Specs)
		if err != nil {
			return err
		}
		return ctl.SetIndicators(ctx, configs)
	case "viewport":
		if vp == nil {
			return errors.New("no viewport attached")
		}
		if msg.From == nil || msg.To == nil || *msg.To < *msg.From {
			return errors.New("viewport needs from <= to")
		}
		vp.SetVisibleRange(model.LogicalRange{From: *msg.From, To: *msg.To})
		if ctl != nil {
			ctl.ViewportChanged()
		}
		return nil
	case "autofollow":
		if vp == nil {
			return errors.New("no viewport attached")
		}
		vp.SetAutoFollow(msg.Enabled)
		return nil
	case "load_older":
		if ctl == nil {
			return errNoControl
		}
		return ctl.LoadOlder(ctx)
	default:
		return fmt.Errorf("unknown action %q", msg.Action)
	}
}

// trySend queues a reply outside the frame sequence; it is dropped when the
// queue is full or the client is gone.
func (c *Client) trySend(data []byte) {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	if _, ok := c.hub.clients[c]; !ok {
		return
	}
	select {
	case c.send <- outbound{data: data, kind: kindAck, queued: time.Now()}:
	default:
	}
}
