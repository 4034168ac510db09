package telemetry

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

func TestCountEvent(t *testing.T) {
	p := NewProvider("test")
	p.CountEvent("sync.pull.events", "encounter", "applied")
	p.CountEvent("sync.pull.events", "encounter", "applied")
	p.CountEvent("sync.pull.events", "encounter", "stale")

	if got := p.Counter("sync.pull.events", "encounter", "applied"); got != 2 {
		t.Errorf("applied = %d, want 2", got)
	}
	if got := p.Counter("sync.pull.events", "encounter", "stale"); got != 1 {
		t.Errorf("stale = %d, want 1", got)
	}
	if got := p.Counter("sync.pull.events", "patient", "applied"); got != 0 {
		t.Errorf("unrelated counter = %d, want 0", got)
	}
}

func TestGauge(t *testing.T) {
	p := NewProvider("test")
	p.SetGauge("sync.failed_events.backlog", 7)
	if got := p.Gauge("sync.failed_events.backlog"); got != 7 {
		t.Errorf("gauge = %d, want 7", got)
	}
	p.SetGauge("sync.failed_events.backlog", 3)
	if got := p.Gauge("sync.failed_events.backlog"); got != 3 {
		t.Errorf("gauge = %d, want 3", got)
	}
}

func TestHistogramBuckets(t *testing.T) {
	h := newHistogram([]float64{0.1, 1.0})
	h.Observe(0.05)
	h.Observe(0.5)
	h.Observe(5.0)

	cum := h.cumulativeBuckets()
	if cum[0] != 1 || cum[1] != 2 {
		t.Errorf("cumulative buckets = %v, want [1 2]", cum)
	}
	if h.Count() != 3 {
		t.Errorf("count = %d, want 3", h.Count())
	}
}

func TestPrometheusHandler(t *testing.T) {
	p := NewProvider("test")
	p.CountEvent("sync.push.events", "encounter", "created")
	p.SetGauge("sync.failed_events.backlog", 2)
	p.ObserveDuration("sync.pull.duration", 50*time.Millisecond)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := p.PrometheusHandler()(c); err != nil {
		t.Fatalf("handler: %v", err)
	}
	body := rec.Body.String()

	for _, want := range []string{
		`sync_push_events{entity_type="encounter",outcome="created"} 1`,
		"sync_failed_events_backlog 2",
		"sync_pull_duration_seconds_count 1",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q\n%s", want, body)
		}
	}
}
