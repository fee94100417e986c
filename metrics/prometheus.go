// Package metrics adapts the sessions.MetricsSink interface to Prometheus.
package metrics

import (
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/ggoodman/mcp-resumable-http/sessions"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var _ sessions.MetricsSink = (*Prometheus)(nil)

// Config configures a Prometheus sink.
type Config struct {
	// Namespace prefixes every metric name (default "mcp").
	Namespace string
	// Buckets are the histogram buckets (default prometheus.DefBuckets).
	Buckets []float64
	// ConstLabels are attached to every metric.
	ConstLabels prometheus.Labels
	// Registry receives the collectors. A fresh registry with the Go and
	// process collectors is used when nil.
	Registry *prometheus.Registry
}

// Prometheus records counters and histograms named by dotted identifiers such
// as "sessions.closed". Collectors are created on first use; the label names
// of a metric are fixed by the tags of its first observation.
type Prometheus struct {
	cfg Config
	reg *prometheus.Registry

	mu         sync.Mutex
	counters   map[string]*vec[*prometheus.CounterVec]
	histograms map[string]*vec[*prometheus.HistogramVec]
}

type vec[T any] struct {
	v      T
	labels []string
}

// New constructs a Prometheus sink.
func New(cfg Config) *Prometheus {
	if cfg.Namespace == "" {
		cfg.Namespace = "mcp"
	}
	if cfg.Buckets == nil {
		cfg.Buckets = prometheus.DefBuckets
	}
	reg := cfg.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return &Prometheus{
		cfg:        cfg,
		reg:        reg,
		counters:   make(map[string]*vec[*prometheus.CounterVec]),
		histograms: make(map[string]*vec[*prometheus.HistogramVec]),
	}
}

// Registry returns the registry the sink registers into.
func (p *Prometheus) Registry() *prometheus.Registry { return p.reg }

// Handler serves the registry in the Prometheus exposition format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.reg, promhttp.HandlerOpts{Registry: p.reg})
}

// IncCounter implements sessions.MetricsSink.
func (p *Prometheus) IncCounter(name string, tags map[string]string) {
	p.mu.Lock()
	c, ok := p.counters[name]
	if !ok {
		labels := labelNames(tags)
		c = &vec[*prometheus.CounterVec]{
			v: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace:   p.cfg.Namespace,
				Name:        sanitize(name) + "_total",
				Help:        "Counter " + name + ".",
				ConstLabels: p.cfg.ConstLabels,
			}, labels),
			labels: labels,
		}
		p.reg.MustRegister(c.v)
		p.counters[name] = c
	}
	p.mu.Unlock()

	c.v.WithLabelValues(labelValues(c.labels, tags)...).Inc()
}

// ObserveHistogram implements sessions.MetricsSink.
func (p *Prometheus) ObserveHistogram(name string, value float64, tags map[string]string) {
	p.mu.Lock()
	h, ok := p.histograms[name]
	if !ok {
		labels := labelNames(tags)
		h = &vec[*prometheus.HistogramVec]{
			v: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace:   p.cfg.Namespace,
				Name:        sanitize(name),
				Help:        "Histogram " + name + ".",
				Buckets:     p.cfg.Buckets,
				ConstLabels: p.cfg.ConstLabels,
			}, labels),
			labels: labels,
		}
		p.reg.MustRegister(h.v)
		p.histograms[name] = h
	}
	p.mu.Unlock()

	h.v.WithLabelValues(labelValues(h.labels, tags)...).Observe(value)
}

// RegisterSessionGauge exports the number of live sessions in reg.
func (p *Prometheus) RegisterSessionGauge(reg *sessions.Registry) error {
	return p.reg.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   p.cfg.Namespace,
		Name:        "sessions_live",
		Help:        "Number of live sessions.",
		ConstLabels: p.cfg.ConstLabels,
	}, func() float64 { return float64(reg.Len()) }))
}

func labelNames(tags map[string]string) []string {
	names := make([]string, 0, len(tags))
	for k := range tags {
		names = append(names, sanitize(k))
	}
	sort.Strings(names)
	return names
}

// labelValues orders tags by names. Missing tags are empty; tags unknown to
// the collector are dropped.
func labelValues(names []string, tags map[string]string) []string {
	vals := make([]string, len(names))
	for k, v := range tags {
		i := sort.SearchStrings(names, sanitize(k))
		if i < len(names) && names[i] == sanitize(k) {
			vals[i] = v
		}
	}
	return vals
}

func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		}
		return '_'
	}, name)
}
