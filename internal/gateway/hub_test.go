package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"chartfeed/internal/indicator"
	"chartfeed/internal/model"
	"chartfeed/internal/viewport"
)

type fakeControl struct {
	mu          sync.Mutex
	selected    []model.SeriesKey
	configs     [][]indicator.Config
	older       int
	vpChanged   int
	indicatorsE error
}

func (f *fakeControl) Select(_ context.Context, symbol string, tf int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.selected = append(f.selected, model.SeriesKey{Symbol: symbol, Timeframe: tf})
	return nil
}

func (f *fakeControl) SetIndicators(_ context.Context, configs []indicator.Config) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.configs = append(f.configs, configs)
	return f.indicatorsE
}

func (f *fakeControl) LoadOlder(context.Context) error {
	f.mu.Lock()
	f.older++
	f.mu.Unlock()
	return nil
}

func (f *fakeControl) ViewportChanged() {
	f.mu.Lock()
	f.vpChanged++
	f.mu.Unlock()
}

type wireEnvelope struct {
	Type   string      `json:"type"`
	Seq    int64       `json:"seq"`
	Data   model.Frame `json:"data"`
	Action string      `json:"action"`
	Error  string      `json:"error"`
	Ping   int64       `json:"ping"`
}

type testClient struct {
	t       *testing.T
	conn    *websocket.Conn
	pending []wireEnvelope
}

func dial(t *testing.T, srv *httptest.Server, query string) *testClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return &testClient{t: t, conn: conn}
}

// next returns the next envelope, splitting coalesced messages.
func (c *testClient) next() wireEnvelope {
	c.t.Helper()
	for len(c.pending) == 0 {
		c.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.t.Fatalf("read: %v", err)
		}
		for _, line := range bytes.Split(raw, []byte{'\n'}) {
			var env wireEnvelope
			if err := json.Unmarshal(line, &env); err != nil {
				c.t.Fatalf("bad envelope %s: %v", line, err)
			}
			c.pending = append(c.pending, env)
		}
	}
	env := c.pending[0]
	c.pending = c.pending[1:]
	return env
}

func (c *testClient) send(v interface{}) {
	c.t.Helper()
	if err := c.conn.WriteJSON(v); err != nil {
		c.t.Fatal(err)
	}
}

func newTestHub(t *testing.T, opts Options) (*Hub, *httptest.Server) {
	hub := NewHub(opts, nil)
	mux := http.NewServeMux()
	RegisterRoutes(mux, hub)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return hub, srv
}

func waitClients(t *testing.T, hub *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for hub.ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d clients, have %d", n, hub.ClientCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func bar(t int64, c float64) model.Bar {
	return model.Bar{Time: t, Open: c, High: c, Low: c, Close: c, Volume: 1}
}

func rsiSeries(points ...int64) model.IndicatorSeries {
	s := model.IndicatorSeries{Name: "RSI_14", Fields: []string{"value"}}
	for _, p := range points {
		s.Points = append(s.Points, model.IndicatorPoint{Time: p, Values: []float64{float64(p)}})
	}
	return s
}

func fullFrame(gen uint64) *model.Frame {
	return &model.Frame{
		Symbol: "EURUSD", Timeframe: 60, Generation: gen, Full: true,
		Bars:   []model.Bar{bar(60, 1), bar(120, 2), bar(180, 3)},
		Series: []model.IndicatorSeries{rsiSeries(120, 180)},
	}
}

func tailFrame(gen uint64, from int64, bars ...model.Bar) *model.Frame {
	var times []int64
	for _, b := range bars {
		times = append(times, b.Time)
	}
	return &model.Frame{
		Symbol: "EURUSD", Timeframe: 60, Generation: gen, From: from,
		Bars: bars, Series: []model.IndicatorSeries{rsiSeries(times...)},
	}
}

func TestCompose(t *testing.T) {
	cur := compose(nil, fullFrame(1))
	cur = compose(cur, tailFrame(1, 180, bar(180, 3.5)))
	cur = compose(cur, tailFrame(1, 180, bar(180, 3.6), bar(240, 4)))

	if !cur.Full || len(cur.Bars) != 4 || cur.Bars[2].Close != 3.6 || cur.Bars[3].Time != 240 {
		t.Fatalf("unexpected bars %+v", cur.Bars)
	}
	pts := cur.Series[0].Points
	if len(pts) != 3 || pts[0].Time != 120 || pts[2].Time != 240 {
		t.Errorf("unexpected points %+v", pts)
	}

	next := compose(cur, tailFrame(2, 0, bar(60, 9)))
	if len(next.Bars) != 1 || next.Generation != 2 {
		t.Errorf("a new generation must replace the state, got %+v", next.Bars)
	}
}

func TestCompose_DoesNotAliasInput(t *testing.T) {
	f := fullFrame(1)
	cur := compose(nil, f)
	f.Bars[0].Close = 99
	f.Series[0].Points[0].Values[0] = 99
	if cur.Bars[0].Close == 99 || cur.Series[0].Points[0].Values[0] == 99 {
		t.Error("composed frame shares memory with the published frame")
	}
}

func TestHub_LateJoinerGetsComposedFrame(t *testing.T) {
	hub, srv := newTestHub(t, Options{})
	ctx := context.Background()
	hub.Publish(ctx, fullFrame(1))
	hub.Publish(ctx, tailFrame(1, 180, bar(180, 3.5), bar(240, 4)))
	hub.Publish(ctx, &model.Frame{Symbol: "EURUSD", Timeframe: 60, Generation: 1, From: -1, Error: "feed: down"})

	c := dial(t, srv, "")
	env := c.next()
	if env.Type != "frame" || env.Seq != 3 || !env.Data.Full {
		t.Fatalf("unexpected first envelope %+v", env)
	}
	if len(env.Data.Bars) != 4 || env.Data.Bars[3].Time != 240 || env.Data.Error != "" {
		t.Errorf("unexpected composed frame %+v", env.Data)
	}

	waitClients(t, hub, 1)
	hub.Publish(ctx, tailFrame(1, 240, bar(240, 4.2)))
	env = c.next()
	if env.Seq != 4 || env.Data.Full || env.Data.From != 240 || env.Data.Bars[0].Close != 4.2 {
		t.Errorf("unexpected live envelope %+v", env)
	}
	if n := hub.Delivery.Summary(kindSnapshot).Samples; n != 1 {
		t.Errorf("expected 1 snapshot delivery, got %d", n)
	}
	if n := hub.Delivery.Summary(kindFrame).Samples; n != 1 {
		t.Errorf("expected 1 live frame delivery, got %d", n)
	}
}

func TestHub_ResumeReplaysMissedEnvelopes(t *testing.T) {
	hub, srv := newTestHub(t, Options{ReplayCapacity: 4})
	ctx := context.Background()
	hub.Publish(ctx, fullFrame(1))
	hub.Publish(ctx, tailFrame(1, 180, bar(180, 3.1)))
	hub.Publish(ctx, tailFrame(1, 180, bar(180, 3.2)))

	c := dial(t, srv, "?since=1")
	if env := c.next(); env.Seq != 2 || env.Data.Full {
		t.Errorf("expected seq 2 tail, got %+v", env)
	}
	if env := c.next(); env.Seq != 3 || env.Data.Bars[0].Close != 3.2 {
		t.Errorf("expected seq 3 tail, got %+v", env)
	}

	for i := 0; i < 5; i++ {
		hub.Publish(ctx, tailFrame(1, 180, bar(180, 3.3)))
	}
	stale := dial(t, srv, "?since=1")
	if env := stale.next(); env.Seq != 8 || !env.Data.Full {
		t.Errorf("evicted gap should fall back to the full frame, got seq=%d full=%v", env.Seq, env.Data.Full)
	}
	if n := hub.Delivery.Summary(kindReplay).Samples; n != 2 {
		t.Errorf("expected 2 replayed deliveries, got %d", n)
	}
}

func TestHub_ClientActions(t *testing.T) {
	ctl := &fakeControl{}
	vp := viewport.NewMemory()
	hub, srv := newTestHub(t, Options{Control: ctl, Viewport: vp})
	c := dial(t, srv, "")
	waitClients(t, hub, 1)

	c.send(map[string]interface{}{"action": "indicators", "specs": []string{"RSI:14", "BB:20:2"}})
	if env := c.next(); env.Type != "ack" || env.Action != "indicators" || env.Error != "" {
		t.Errorf("unexpected ack %+v", env)
	}
	c.send(map[string]interface{}{"action": "indicators", "specs": []string{"NOPE:1"}})
	if env := c.next(); env.Error == "" {
		t.Error("bad spec should be rejected")
	}

	c.send(map[string]interface{}{"action": "viewport", "from": 10.5, "to": 90})
	if env := c.next(); env.Error != "" {
		t.Errorf("viewport: %s", env.Error)
	}
	if r, ok := vp.VisibleRange(); !ok || r.From != 10.5 || r.To != 90 {
		t.Errorf("viewport not applied: %+v %v", r, ok)
	}

	c.send(map[string]interface{}{"action": "autofollow", "enabled": false})
	c.next()
	if vp.AutoFollow() {
		t.Error("auto-follow should be off")
	}

	c.send(map[string]interface{}{"action": "select", "symbol": "GBPUSD", "tf": 300})
	c.next()
	c.send(map[string]interface{}{"action": "load_older"})
	c.next()
	c.send(map[string]interface{}{"ping": 123})
	if env := c.next(); env.Type != "pong" || env.Ping != 123 {
		t.Errorf("unexpected pong %+v", env)
	}
	c.send(map[string]interface{}{"action": "dance"})
	if env := c.next(); env.Error == "" {
		t.Error("unknown action should be rejected")
	}

	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	if len(ctl.configs) != 1 || len(ctl.configs[0]) != 2 || ctl.configs[0][1].Key() != "BB_20_2" {
		t.Errorf("unexpected configs %+v", ctl.configs)
	}
	if len(ctl.selected) != 1 || ctl.selected[0] != (model.SeriesKey{Symbol: "GBPUSD", Timeframe: 300}) {
		t.Errorf("unexpected selects %+v", ctl.selected)
	}
	if ctl.older != 1 || ctl.vpChanged != 1 {
		t.Errorf("older=%d vpChanged=%d", ctl.older, ctl.vpChanged)
	}
}

func TestHub_RESTEndpoints(t *testing.T) {
	hub, srv := newTestHub(t, Options{})
	resp, err := http.Get(srv.URL + "/api/frame")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 before any frame, got %d", resp.StatusCode)
	}

	hub.Publish(context.Background(), fullFrame(1))
	resp, err = http.Get(srv.URL + "/api/frame")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var f model.Frame
	if err := json.NewDecoder(resp.Body).Decode(&f); err != nil {
		t.Fatal(err)
	}
	if len(f.Bars) != 3 || resp.Header.Get("X-Frame-Seq") != "1" {
		t.Errorf("unexpected frame %+v seq=%s", f, resp.Header.Get("X-Frame-Seq"))
	}

	resp2, err := http.Get(srv.URL + "/api/stats")
	if err != nil {
		t.Fatal(err)
	}
	defer resp2.Body.Close()
	var stats struct {
		Clients  int            `json:"clients"`
		Seq      int64          `json:"seq"`
		Delivery []DelaySummary `json:"delivery"`
	}
	if err := json.NewDecoder(resp2.Body).Decode(&stats); err != nil {
		t.Fatal(err)
	}
	if stats.Seq != 1 || stats.Clients != 0 || stats.Delivery == nil {
		t.Errorf("unexpected stats %+v", stats)
	}
}
