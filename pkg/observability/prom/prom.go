// Package prom implements observability.Metrics on top of a Prometheus registry,
// for deployments that scrape rather than push via OTLP.
package prom

import (
	"context"
	"fmt"
	"sync"

	"github.com/devkitx/eventbus-go/pkg/observability"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics implements observability.Metrics backed by a prometheus.Registerer.
type Metrics struct {
	registerer prometheus.Registerer
	namespace  string

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
	upDowns    map[string]*prometheus.GaugeVec
	gauges     map[string]prometheus.GaugeFunc
}

// NewMetrics creates a Prometheus-backed Metrics recorder. Instruments are
// registered lazily against registerer on first use, namespaced under namespace.
func NewMetrics(registerer prometheus.Registerer, namespace string) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &Metrics{
		registerer: registerer,
		namespace:  namespace,
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		upDowns:    make(map[string]*prometheus.GaugeVec),
		gauges:     make(map[string]prometheus.GaugeFunc),
	}
}

func (m *Metrics) fqName(name string) string {
	if m.namespace == "" {
		return name
	}
	return m.namespace + "_" + name
}

// Counter returns or registers a Prometheus counter vector keyed by field name.
func (m *Metrics) Counter(name, description, unit string) observability.Counter {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.counters[name]; ok {
		return &counter{vec: c}
	}

	vec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: m.fqName(name),
		Help: description,
	}, nil)
	m.registerer.MustRegister(vec)
	m.counters[name] = vec
	return &counter{vec: vec}
}

// Histogram returns or registers a Prometheus histogram vector.
func (m *Metrics) Histogram(name, description, unit string) observability.Histogram {
	m.mu.Lock()
	defer m.mu.Unlock()

	if h, ok := m.histograms[name]; ok {
		return &histogram{vec: h}
	}

	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    m.fqName(name),
		Help:    description,
		Buckets: prometheus.DefBuckets,
	}, nil)
	m.registerer.MustRegister(vec)
	m.histograms[name] = vec
	return &histogram{vec: vec}
}

// UpDownCounter returns or registers a Prometheus gauge vector used as an up-down counter.
func (m *Metrics) UpDownCounter(name, description, unit string) observability.UpDownCounter {
	m.mu.Lock()
	defer m.mu.Unlock()

	if g, ok := m.upDowns[name]; ok {
		return &upDownCounter{vec: g}
	}

	vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: m.fqName(name),
		Help: description,
	}, nil)
	m.registerer.MustRegister(vec)
	m.upDowns[name] = vec
	return &upDownCounter{vec: vec}
}

// Gauge registers an asynchronous gauge sampled via callback at scrape time.
func (m *Metrics) Gauge(name, description, unit string, callback observability.GaugeCallback) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.gauges[name]; ok {
		return fmt.Errorf("prom: gauge %q already registered", name)
	}

	fn := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: m.fqName(name),
		Help: description,
	}, func() float64 {
		return callback(context.Background())
	})
	if err := m.registerer.Register(fn); err != nil {
		return fmt.Errorf("prom: register gauge %q: %w", name, err)
	}
	m.gauges[name] = fn
	return nil
}

type counter struct {
	vec *prometheus.CounterVec
}

func (c *counter) Add(_ context.Context, value int64, _ ...observability.Field) {
	c.vec.WithLabelValues().Add(float64(value))
}

func (c *counter) Increment(ctx context.Context, fields ...observability.Field) {
	c.Add(ctx, 1, fields...)
}

type histogram struct {
	vec *prometheus.HistogramVec
}

func (h *histogram) Record(_ context.Context, value float64, _ ...observability.Field) {
	h.vec.WithLabelValues().Observe(value)
}

type upDownCounter struct {
	vec *prometheus.GaugeVec
}

func (u *upDownCounter) Add(_ context.Context, value int64, _ ...observability.Field) {
	u.vec.WithLabelValues().Add(float64(value))
}
