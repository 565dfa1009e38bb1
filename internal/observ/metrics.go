package observ

import (
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mlstock"

// registry lazily creates vectors keyed by metric name. The label names of a
// metric are fixed by its first use.
type registry struct {
	mu       sync.Mutex
	prom     *prometheus.Registry
	counters map[string]*prometheus.CounterVec
	gauges   map[string]*prometheus.GaugeVec
	hist     map[string]*prometheus.HistogramVec
}

var reg = newRegistry()

func newRegistry() *registry {
	p := prometheus.NewRegistry()
	p.MustRegister(collectors.NewGoCollector())
	p.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return &registry{
		prom:     p,
		counters: map[string]*prometheus.CounterVec{},
		gauges:   map[string]*prometheus.GaugeVec{},
		hist:     map[string]*prometheus.HistogramVec{},
	}
}

func labelNames(lbl map[string]string) []string {
	keys := make([]string, 0, len(lbl))
	for k := range lbl {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (r *registry) counter(name string, lbl map[string]string) *prometheus.CounterVec {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.counters[name]
	if !ok {
		v = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      name,
			Help:      name,
		}, labelNames(lbl))
		r.prom.MustRegister(v)
		r.counters[name] = v
	}
	return v
}

func (r *registry) gauge(name string, lbl map[string]string) *prometheus.GaugeVec {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.gauges[name]
	if !ok {
		v = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      name,
			Help:      name,
		}, labelNames(lbl))
		r.prom.MustRegister(v)
		r.gauges[name] = v
	}
	return v
}

func (r *registry) histogram(name string, lbl map[string]string) *prometheus.HistogramVec {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.hist[name]
	if !ok {
		v = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      name,
			Help:      name,
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
		}, labelNames(lbl))
		r.prom.MustRegister(v)
		r.hist[name] = v
	}
	return v
}

func IncCounter(name string, labels map[string]string) {
	IncCounterBy(name, labels, 1.0)
}

func IncCounterBy(name string, labels map[string]string, value float64) {
	reg.counter(name, labels).With(prometheus.Labels(labels)).Add(value)
}

func SetGauge(name string, value float64, labels map[string]string) {
	reg.gauge(name, labels).With(prometheus.Labels(labels)).Set(value)
}

func Observe(name string, value float64, labels map[string]string) {
	reg.histogram(name, labels).With(prometheus.Labels(labels)).Observe(value)
}

// RecordDuration records a duration metric in milliseconds.
func RecordDuration(name string, duration time.Duration, labels map[string]string) {
	Observe(name+"_ms", float64(duration.Milliseconds()), labels)
}

// Handler serves the registry in Prometheus text exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(reg.prom, promhttp.HandlerOpts{})
}
