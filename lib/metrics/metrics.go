// Package metrics keeps the process-wide connmux counters, gauges and
// latency histograms and serves them in the Prometheus text format.
//
// Metrics register themselves on creation, so packages declare them as
// package-level variables and the daemon exposes them all through Handler.
package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// desc is the name and help text shared by every metric kind.
type desc struct {
	name string
	help string
}

func (d desc) header(w io.Writer, kind string) {
	fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s %s\n", d.name, d.help, d.name, kind)
}

// Counter is a monotonically increasing count.
type Counter struct {
	desc
	value atomic.Uint64
}

// NewCounter creates and registers a counter.
func NewCounter(name, help string) *Counter {
	c := &Counter{desc: desc{name, help}}
	register(name, c)
	return c
}

// Inc adds one.
func (c *Counter) Inc() { c.value.Add(1) }

// Add adds v.
func (c *Counter) Add(v uint64) { c.value.Add(v) }

// Value returns the current count.
func (c *Counter) Value() uint64 { return c.value.Load() }

func (c *Counter) write(w io.Writer) {
	c.header(w, "counter")
	fmt.Fprintf(w, "%s %d\n", c.name, c.Value())
}

// Gauge is a value that goes up and down, such as a number of open
// connections.
type Gauge struct {
	desc
	value atomic.Int64
}

// NewGauge creates and registers a gauge.
func NewGauge(name, help string) *Gauge {
	g := &Gauge{desc: desc{name, help}}
	register(name, g)
	return g
}

// Set replaces the value.
func (g *Gauge) Set(v int64) { g.value.Store(v) }

// Inc adds one.
func (g *Gauge) Inc() { g.value.Add(1) }

// Dec subtracts one.
func (g *Gauge) Dec() { g.value.Add(-1) }

// Add adds v, which may be negative.
func (g *Gauge) Add(v int64) { g.value.Add(v) }

// Value returns the current value.
func (g *Gauge) Value() int64 { return g.value.Load() }

func (g *Gauge) write(w io.Writer) {
	g.header(w, "gauge")
	fmt.Fprintf(w, "%s %d\n", g.name, g.Value())
}

// DefaultLatencyBuckets are histogram upper bounds, in seconds, for
// connection and handshake latencies.
var DefaultLatencyBuckets = []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10}

// Histogram counts observations into cumulative buckets.
type Histogram struct {
	desc
	bounds []float64

	mu     sync.Mutex
	counts []uint64
	sum    float64
	count  uint64
}

// NewHistogram creates and registers a histogram with the given ascending
// bucket upper bounds.
func NewHistogram(name, help string, bounds []float64) *Histogram {
	h := &Histogram{
		desc:   desc{name, help},
		bounds: bounds,
		counts: make([]uint64, len(bounds)),
	}
	register(name, h)
	return h
}

// Observe records v.
func (h *Histogram) Observe(v float64) {
	i := sort.SearchFloat64s(h.bounds, v)

	h.mu.Lock()
	defer h.mu.Unlock()
	h.sum += v
	h.count++
	if i < len(h.counts) {
		h.counts[i]++
	}
}

// Count returns the number of observations.
func (h *Histogram) Count() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

func (h *Histogram) write(w io.Writer) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.header(w, "histogram")
	var cumulative uint64
	for i, le := range h.bounds {
		cumulative += h.counts[i]
		fmt.Fprintf(w, "%s_bucket{le=\"%g\"} %d\n", h.name, le, cumulative)
	}
	fmt.Fprintf(w, "%s_bucket{le=\"+Inf\"} %d\n", h.name, h.count)
	fmt.Fprintf(w, "%s_sum %g\n", h.name, h.sum)
	fmt.Fprintf(w, "%s_count %d\n", h.name, h.count)
}

// Timer measures one operation into a Histogram.
type Timer struct {
	h     *Histogram
	start time.Time
}

// NewTimer starts a timer reporting into h. A nil h only measures.
func NewTimer(h *Histogram) *Timer {
	return &Timer{h: h, start: time.Now()}
}

// ObserveDuration records the time since NewTimer and returns it.
func (t *Timer) ObserveDuration() time.Duration {
	d := time.Since(t.start)
	if t.h != nil {
		t.h.Observe(d.Seconds())
	}
	return d
}

type metric interface {
	write(w io.Writer)
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]metric)
)

// register adds m under name. Registering a name twice panics, since two
// metrics would otherwise silently share one series.
func register(name string, m metric) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic("metrics: duplicate metric " + name)
	}
	registry[name] = m
}

// WriteTo writes every registered metric in name order.
func WriteTo(w io.Writer) {
	registryMu.RLock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	metrics := make([]metric, 0, len(names))
	sort.Strings(names)
	for _, name := range names {
		metrics = append(metrics, registry[name])
	}
	registryMu.RUnlock()

	for _, m := range metrics {
		m.write(w)
		io.WriteString(w, "\n")
	}
}

// Handler serves the registered metrics.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var sb strings.Builder
		WriteTo(&sb)
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		io.WriteString(w, sb.String())
	})
}

// StartTime is the Unix time the daemon started serving.
var StartTime = NewGauge("connmux_start_time_seconds", "Unix timestamp when the daemon started")

// RecordStartTime sets StartTime to now.
func RecordStartTime() {
	StartTime.Set(time.Now().Unix())
}
