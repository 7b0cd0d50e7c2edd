// Package prompush implements a metrics.Backend that collects into a private
// Prometheus registry and pushes it to a Pushgateway on Flush.
//
// Pushgateway fits a CLI whose `run` command exits after one cycle; there is
// nothing long-lived for Prometheus to scrape.
package prompush

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"

	"nyc311/internal/metrics"
)

// Options configures the backend.
type Options struct {
	// URL is the Pushgateway base URL, e.g. http://localhost:9091. Required.
	URL string

	// Job is the push grouping job label. Defaults to "nyc311".
	Job string

	// Grouping adds extra grouping labels (instance, env).
	Grouping map[string]string

	// Client overrides the HTTP client used for pushes.
	Client *http.Client
}

// Backend implements metrics.Backend and metrics.GaugeSetter.
type Backend struct {
	reg    *prometheus.Registry
	pusher *push.Pusher

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
	gauges     map[string]*prometheus.GaugeVec
	labelKeys  map[string][]string
}

// New builds a backend. Nothing is sent until Flush.
//
// Errors:
//   - opts.URL is empty.
func New(opts Options) (*Backend, error) {
	if strings.TrimSpace(opts.URL) == "" {
		return nil, errors.New("prompush: pushgateway url is required")
	}
	job := opts.Job
	if job == "" {
		job = "nyc311"
	}

	reg := prometheus.NewRegistry()
	p := push.New(opts.URL, job).Gatherer(reg)
	keys := make([]string, 0, len(opts.Grouping))
	for k := range opts.Grouping {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		p = p.Grouping(k, opts.Grouping[k])
	}
	if opts.Client != nil {
		p = p.Client(opts.Client)
	}

	return &Backend{
		reg:        reg,
		pusher:     p,
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		labelKeys:  make(map[string][]string),
	}, nil
}

// IncCounter implements metrics.Backend.
func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	if delta <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	keys, ok := b.keysFor(name, labels)
	if !ok {
		return
	}
	vec, ok := b.counters[name]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help(name)}, keys)
		if err := b.reg.Register(vec); err != nil {
			return
		}
		b.counters[name] = vec
	}
	vec.WithLabelValues(values(keys, labels)...).Add(delta)
}

// ObserveHistogram implements metrics.Backend.
func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	if value < 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	keys, ok := b.keysFor(name, labels)
	if !ok {
		return
	}
	vec, ok := b.histograms[name]
	if !ok {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    name,
			Help:    help(name),
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
		}, keys)
		if err := b.reg.Register(vec); err != nil {
			return
		}
		b.histograms[name] = vec
	}
	vec.WithLabelValues(values(keys, labels)...).Observe(value)
}

// SetGauge implements metrics.GaugeSetter.
func (b *Backend) SetGauge(name string, value float64, labels metrics.Labels) {
	b.mu.Lock()
	defer b.mu.Unlock()

	keys, ok := b.keysFor(name, labels)
	if !ok {
		return
	}
	vec, ok := b.gauges[name]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help(name)}, keys)
		if err := b.reg.Register(vec); err != nil {
			return
		}
		b.gauges[name] = vec
	}
	vec.WithLabelValues(values(keys, labels)...).Set(value)
}

// Flush pushes the whole registry, replacing the previous push for this
// job and grouping.
func (b *Backend) Flush() error {
	if err := b.pusher.Push(); err != nil {
		return fmt.Errorf("prompush: push: %w", err)
	}
	return nil
}

// Close flushes once more.
func (b *Backend) Close() error {
	return b.Flush()
}

// keysFor pins the label names of a metric on first use. Later calls with a
// different label set are dropped since a Prometheus vector has fixed labels.
// Caller holds b.mu.
func (b *Backend) keysFor(name string, labels metrics.Labels) ([]string, bool) {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pinned, ok := b.labelKeys[name]
	if !ok {
		b.labelKeys[name] = keys
		return keys, true
	}
	if strings.Join(pinned, ",") != strings.Join(keys, ",") {
		return nil, false
	}
	return pinned, true
}

func values(keys []string, labels metrics.Labels) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = labels[k]
	}
	return out
}

func help(name string) string {
	return "nyc311 " + strings.ReplaceAll(name, "_", " ")
}

var (
	_ metrics.Backend     = (*Backend)(nil)
	_ metrics.GaugeSetter = (*Backend)(nil)
)
