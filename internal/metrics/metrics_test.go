package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics_Registers(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.TicksTotal.Inc()
	m.RejectedInputs.WithLabelValues("bar").Add(2)

	if got := testutil.ToFloat64(m.TicksTotal); got != 1 {
		t.Errorf("ticks = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.RejectedInputs.WithLabelValues("bar")); got != 2 {
		t.Errorf("rejected = %v, want 2", got)
	}
	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	if len(families) == 0 {
		t.Error("expected gathered metric families")
	}
}

func TestHealth_Statuses(t *testing.T) {
	h := NewHealthStatus()
	if _, code := h.Report(); code != http.StatusServiceUnavailable {
		t.Errorf("disconnected feed should be degraded, got %d", code)
	}

	h.SetFeedConnected(true)
	h.SetLastTickTime(time.Now())
	report, code := h.Report()
	if code != http.StatusOK || report.Status != "healthy" {
		t.Errorf("expected healthy, got %s/%d", report.Status, code)
	}

	h.mu.Lock()
	h.RedisEnabled, h.ArchiveEnabled = true, true
	h.mu.Unlock()
	if report, _ := h.Report(); report.Status != "unhealthy" {
		t.Errorf("both stores down should be unhealthy, got %s", report.Status)
	}
}

func TestHealth_ServeHTTP(t *testing.T) {
	h := NewHealthStatus()
	h.SetFeedConnected(true)
	h.SetSeries("EURUSD:60")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["series"] != "EURUSD:60" || body["status"] != "healthy" {
		t.Errorf("unexpected body %v", body)
	}
}
