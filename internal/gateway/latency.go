package gateway

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Message kinds a client queue carries.
const (
	kindFrame    = "frame"    // live frame broadcast
	kindReplay   = "replay"   // envelope resent on resume
	kindSnapshot = "snapshot" // composed full frame for a late joiner
	kindAck      = "ack"      // action reply or pong
)

// DelaySummary describes recent queue-to-write delays of one message kind.
type DelaySummary struct {
	Kind    string  `json:"kind"`
	Samples int     `json:"samples"`
	P50     float64 `json:"p50_ms"`
	P95     float64 `json:"p95_ms"`
	P99     float64 `json:"p99_ms"`
	Max     float64 `json:"max_ms"`
}

// delayWindow holds the newest delays of one kind. Order inside the window
// does not matter for quantiles, so it is overwritten round-robin.
type delayWindow struct {
	ms   []float64
	next int
}

func (w *delayWindow) add(ms float64, size int) {
	if len(w.ms) < size {
		w.ms = append(w.ms, ms)
		return
	}
	w.ms[w.next] = ms
	w.next = (w.next + 1) % size
}

// DeliveryStats tracks how long gateway messages wait between being queued
// for a client and being written to its socket, per message kind.
type DeliveryStats struct {
	mu     sync.Mutex
	size   int
	kinds  map[string]*delayWindow
	histos *prometheus.HistogramVec // optional
}

// NewDeliveryStats keeps up to size delays per kind (4096 when size <= 0).
// h, when non-nil, receives every delay in seconds.
func NewDeliveryStats(size int, h *prometheus.HistogramVec) *DeliveryStats {
	if size <= 0 {
		size = 4096
	}
	return &DeliveryStats{size: size, kinds: make(map[string]*delayWindow), histos: h}
}

// Observe records the delay of a message of kind queued at queued.
func (d *DeliveryStats) Observe(kind string, queued time.Time) {
	d.Record(kind, time.Since(queued))
}

// Record adds one delay. Negative delays (clock steps) are ignored.
func (d *DeliveryStats) Record(kind string, delay time.Duration) {
	if delay < 0 {
		return
	}
	if d.histos != nil {
		d.histos.WithLabelValues(kind).Observe(delay.Seconds())
	}
	d.mu.Lock()
	w := d.kinds[kind]
	if w == nil {
		w = &delayWindow{}
		d.kinds[kind] = w
	}
	w.add(float64(delay)/float64(time.Millisecond), d.size)
	d.mu.Unlock()
}

// Summary returns the summary for kind; Samples is 0 when none were seen.
func (d *DeliveryStats) Summary(kind string) DelaySummary {
	d.mu.Lock()
	var sorted []float64
	if w := d.kinds[kind]; w != nil {
		sorted = append(sorted, w.ms...)
	}
	d.mu.Unlock()
	return summarize(kind, sorted)
}

// Summaries returns one summary per kind seen so far, ordered by kind.
func (d *DeliveryStats) Summaries() []DelaySummary {
	d.mu.Lock()
	kinds := make([]string, 0, len(d.kinds))
	for k := range d.kinds {
		kinds = append(kinds, k)
	}
	d.mu.Unlock()
	sort.Strings(kinds)

	out := make([]DelaySummary, 0, len(kinds))
	for _, k := range kinds {
		out = append(out, d.Summary(k))
	}
	return out
}

func summarize(kind string, ms []float64) DelaySummary {
	s := DelaySummary{Kind: kind, Samples: len(ms)}
	if len(ms) == 0 {
		return s
	}
	sort.Float64s(ms)
	s.P50 = quantile(ms, 0.50)
	s.P95 = quantile(ms, 0.95)
	s.P99 = quantile(ms, 0.99)
	s.Max = ms[len(ms)-1]
	return s
}

// quantile linearly interpolates between the closest ranks of a sorted,
// non-empty slice.
func quantile(sorted []float64, q float64) float64 {
	pos := q * float64(len(sorted)-1)
	i := int(math.Floor(pos))
	if i+1 >= len(sorted) {
		return sorted[len(sorted)-1]
	}
	return sorted[i] + (sorted[i+1]-sorted[i])*(pos-float64(i))
}
