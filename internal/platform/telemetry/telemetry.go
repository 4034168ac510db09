// Package telemetry provides counters, gauges and duration histograms for
// the sync engine with a Prometheus text exposition endpoint, using only
// standard library constructs.
package telemetry

import (
	"fmt"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
)

// defaultDurationBuckets are histogram bucket boundaries (in seconds) for
// per-event processing time.
var defaultDurationBuckets = []float64{
	0.010, 0.025, 0.050, 0.100, 0.250, 0.500, 1.0, 2.5, 5.0, 10.0, 30.0,
}

// histogram is a thread-safe histogram with configurable bucket boundaries.
type histogram struct {
	boundaries   []float64
	bucketCounts []int64 // one per boundary, non-cumulative
	count        int64
	sum          uint64 // math.Float64bits for atomic add
	mu           sync.Mutex
}

func newHistogram(boundaries []float64) *histogram {
	return &histogram{
		boundaries:   boundaries,
		bucketCounts: make([]int64, len(boundaries)),
	}
}

func (h *histogram) Observe(v float64) {
	atomic.AddInt64(&h.count, 1)
	for {
		old := atomic.LoadUint64(&h.sum)
		next := math.Float64frombits(old) + v
		if atomic.CompareAndSwapUint64(&h.sum, old, math.Float64bits(next)) {
			break
		}
	}

	h.mu.Lock()
	for i, b := range h.boundaries {
		if v <= b {
			h.bucketCounts[i]++
			break
		}
	}
	h.mu.Unlock()
}

func (h *histogram) Count() int64 { return atomic.LoadInt64(&h.count) }

func (h *histogram) Sum() float64 {
	return math.Float64frombits(atomic.LoadUint64(&h.sum))
}

func (h *histogram) cumulativeBuckets() []int64 {
	h.mu.Lock()
	raw := make([]int64, len(h.bucketCounts))
	copy(raw, h.bucketCounts)
	h.mu.Unlock()

	cum := make([]int64, len(raw))
	var running int64
	for i, c := range raw {
		running += c
		cum[i] = running
	}
	return cum
}

// Provider holds all sync-engine metric state.
type Provider struct {
	service string

	mu       sync.RWMutex
	counters map[string]*int64
	gauges   map[string]*int64
	hists    map[string]*histogram
}

// NewProvider creates an empty metric provider for the named service.
func NewProvider(service string) *Provider {
	if service == "" {
		service = "shr-bridge"
	}
	return &Provider{
		service:  service,
		counters: make(map[string]*int64),
		gauges:   make(map[string]*int64),
		hists:    make(map[string]*histogram),
	}
}

func counterKey(name, entityType, outcome string) string {
	return name + "|" + entityType + "|" + outcome
}

// CountEvent increments a sync counter labeled by entity type and outcome.
// Outcomes follow the engine's error taxonomy: applied, created, updated,
// skipped, stale, rejected, failed, retried.
func (p *Provider) CountEvent(name, entityType, outcome string) {
	key := counterKey(name, entityType, outcome)
	p.mu.RLock()
	ptr, ok := p.counters[key]
	p.mu.RUnlock()
	if !ok {
		p.mu.Lock()
		ptr, ok = p.counters[key]
		if !ok {
			ptr = new(int64)
			p.counters[key] = ptr
		}
		p.mu.Unlock()
	}
	atomic.AddInt64(ptr, 1)
}

// Counter returns the current value of a labeled counter.
func (p *Provider) Counter(name, entityType, outcome string) int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if ptr, ok := p.counters[counterKey(name, entityType, outcome)]; ok {
		return atomic.LoadInt64(ptr)
	}
	return 0
}

// SetGauge records an instantaneous value, e.g. feed lag or failed-event
// backlog size.
func (p *Provider) SetGauge(name string, v int64) {
	p.mu.RLock()
	ptr, ok := p.gauges[name]
	p.mu.RUnlock()
	if !ok {
		p.mu.Lock()
		ptr, ok = p.gauges[name]
		if !ok {
			ptr = new(int64)
			p.gauges[name] = ptr
		}
		p.mu.Unlock()
	}
	atomic.StoreInt64(ptr, v)
}

// Gauge returns the current value of a gauge.
func (p *Provider) Gauge(name string) int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if ptr, ok := p.gauges[name]; ok {
		return atomic.LoadInt64(ptr)
	}
	return 0
}

// ObserveDuration records a per-event processing duration.
func (p *Provider) ObserveDuration(name string, d time.Duration) {
	p.mu.RLock()
	h, ok := p.hists[name]
	p.mu.RUnlock()
	if !ok {
		p.mu.Lock()
		h, ok = p.hists[name]
		if !ok {
			h = newHistogram(defaultDurationBuckets)
			p.hists[name] = h
		}
		p.mu.Unlock()
	}
	h.Observe(d.Seconds())
}

// PrometheusHandler serves all metrics in Prometheus text exposition format.
func (p *Provider) PrometheusHandler() echo.HandlerFunc {
	return func(c echo.Context) error {
		var b strings.Builder

		p.mu.RLock()
		counters := make(map[string]int64, len(p.counters))
		for k, ptr := range p.counters {
			counters[k] = atomic.LoadInt64(ptr)
		}
		gauges := make(map[string]int64, len(p.gauges))
		for k, ptr := range p.gauges {
			gauges[k] = atomic.LoadInt64(ptr)
		}
		hists := make(map[string]*histogram, len(p.hists))
		for k, h := range p.hists {
			hists[k] = h
		}
		p.mu.RUnlock()

		names := groupCounterNames(counters)
		for _, name := range names {
			prom := promName(name)
			fmt.Fprintf(&b, "# TYPE %s counter\n", prom)
			keys := make([]string, 0)
			for k := range counters {
				if strings.HasPrefix(k, name+"|") {
					keys = append(keys, k)
				}
			}
			sort.Strings(keys)
			for _, k := range keys {
				parts := strings.SplitN(k, "|", 3)
				fmt.Fprintf(&b, "%s{entity_type=%q,outcome=%q} %d\n", prom, parts[1], parts[2], counters[k])
			}
			b.WriteByte('\n')
		}

		gnames := make([]string, 0, len(gauges))
		for k := range gauges {
			gnames = append(gnames, k)
		}
		sort.Strings(gnames)
		for _, name := range gnames {
			prom := promName(name)
			fmt.Fprintf(&b, "# TYPE %s gauge\n", prom)
			fmt.Fprintf(&b, "%s %d\n\n", prom, gauges[name])
		}

		hnames := make([]string, 0, len(hists))
		for k := range hists {
			hnames = append(hnames, k)
		}
		sort.Strings(hnames)
		for _, name := range hnames {
			h := hists[name]
			prom := promName(name) + "_seconds"
			fmt.Fprintf(&b, "# TYPE %s histogram\n", prom)
			cum := h.cumulativeBuckets()
			for i, boundary := range h.boundaries {
				fmt.Fprintf(&b, "%s_bucket{le=\"%g\"} %d\n", prom, boundary, cum[i])
			}
			fmt.Fprintf(&b, "%s_bucket{le=\"+Inf\"} %d\n", prom, h.Count())
			fmt.Fprintf(&b, "%s_sum %g\n", prom, h.Sum())
			fmt.Fprintf(&b, "%s_count %d\n\n", prom, h.Count())
		}

		return c.String(http.StatusOK, b.String())
	}
}

func groupCounterNames(counters map[string]int64) []string {
	seen := make(map[string]bool)
	var names []string
	for k := range counters {
		name := strings.SplitN(k, "|", 2)[0]
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func promName(name string) string {
	return strings.NewReplacer(".", "_", "-", "_").Replace(name)
}
