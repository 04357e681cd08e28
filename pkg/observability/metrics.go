package observability

import (
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Metric names used across the pipeline.
const (
	// quote-consumer ingest metrics
	MetricWSConnections  = "quote_consumer_websocket_connections"
	MetricTradesReceived = "quote_consumer_trades_received_total"
	MetricFramesSkipped  = "quote_consumer_frames_skipped_total"
	MetricCandlesFlushed = "quote_consumer_candles_flushed_total"
	MetricFlushErrors    = "quote_consumer_flush_errors_total"
	MetricCandlesEvicted = "quote_consumer_candles_evicted_total"
	MetricFlushDuration  = "quote_consumer_flush_duration_seconds"
	MetricBufferTickers  = "quote_consumer_buffer_tickers"

	// currency-conversion metrics
	MetricQuotesServed    = "currency_conversion_quotes_served_total"
	MetricMemoryFallbacks = "currency_conversion_store_fallbacks_total"
	MetricCacheHits       = "currency_conversion_cache_hits_total"
)

// MetricsCollector exposes process metrics in the Prometheus text format
// without pulling in the full client library.
type MetricsCollector struct {
	counters   map[string]*Counter
	gauges     map[string]*Gauge
	histograms map[string]*Histogram
	mu         sync.RWMutex
}

// Counter is a monotonically increasing value.
type Counter struct {
	value float64
	mu    sync.Mutex
}

// Gauge is a value that can go up and down.
type Gauge struct {
	value float64
	mu    sync.Mutex
}

// Histogram tracks the sum and count of observed values.
type Histogram struct {
	sum   float64
	count uint64
	mu    sync.Mutex
}

// NewCollector creates an empty metrics collector. One collector is shared
// per process and handed to components by the composition root.
func NewCollector() *MetricsCollector {
	return &MetricsCollector{
		counters:   make(map[string]*Counter),
		gauges:     make(map[string]*Gauge),
		histograms: make(map[string]*Histogram),
	}
}

func (c *Counter) Inc() { c.Add(1) }

func (c *Counter) Add(val float64) {
	c.mu.Lock()
	c.value += val
	c.mu.Unlock()
}

func (c *Counter) Value() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

func (g *Gauge) Set(val float64) {
	g.mu.Lock()
	g.value = val
	g.mu.Unlock()
}

func (g *Gauge) Inc() { g.Add(1) }
func (g *Gauge) Dec() { g.Add(-1) }

func (g *Gauge) Add(val float64) {
	g.mu.Lock()
	g.value += val
	g.mu.Unlock()
}

func (g *Gauge) Value() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.value
}

func (h *Histogram) Observe(val float64) {
	h.mu.Lock()
	h.sum += val
	h.count++
	h.mu.Unlock()
}

func (h *Histogram) Sum() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sum
}

func (h *Histogram) Count() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// Counter returns the named counter, creating it on first use.
func (m *MetricsCollector) Counter(name string) *Counter {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.counters[name]; ok {
		return c
	}
	c := &Counter{}
	m.counters[name] = c
	return c
}

// Gauge returns the named gauge, creating it on first use.
func (m *MetricsCollector) Gauge(name string) *Gauge {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g, ok := m.gauges[name]; ok {
		return g
	}
	g := &Gauge{}
	m.gauges[name] = g
	return g
}

// Histogram returns the named histogram, creating it on first use.
func (m *MetricsCollector) Histogram(name string) *Histogram {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.histograms[name]; ok {
		return h
	}
	h := &Histogram{}
	m.histograms[name] = h
	return h
}

// Timer records the elapsed time into the named histogram when the returned
// function is called.
func (m *MetricsCollector) Timer(name string) func() {
	start := time.Now()
	return func() {
		m.Histogram(name).Observe(time.Since(start).Seconds())
	}
}

// Handler serves the /metrics endpoint.
func (m *MetricsCollector) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")

		m.mu.RLock()
		defer m.mu.RUnlock()

		for _, name := range sortedKeys(m.counters) {
			fmt.Fprintf(w, "# TYPE %s counter\n", name)
			fmt.Fprintf(w, "%s %g\n", name, m.counters[name].Value())
		}
		for _, name := range sortedKeys(m.gauges) {
			fmt.Fprintf(w, "# TYPE %s gauge\n", name)
			fmt.Fprintf(w, "%s %g\n", name, m.gauges[name].Value())
		}
		for _, name := range sortedKeys(m.histograms) {
			h := m.histograms[name]
			fmt.Fprintf(w, "# TYPE %s histogram\n", name)
			fmt.Fprintf(w, "%s_sum %g\n", name, h.Sum())
			fmt.Fprintf(w, "%s_count %d\n", name, h.Count())
		}
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
