package metrics

import (
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace prefixes every exported metric: octopus_<group>_<name>.
const Namespace = "octopus"

var (
	_registry = prometheus.NewRegistry()

	_mu         sync.Mutex
	_counters   = map[string]*counterVec{}
	_gauges     = map[string]*gaugeVec{}
	_histograms = map[string]*histogramVec{}
)

type counterVec struct {
	labels []string
	vec    *prometheus.CounterVec
}

type gaugeVec struct {
	labels []string
	vec    *prometheus.GaugeVec
}

type histogramVec struct {
	labels []string
	vec    *prometheus.HistogramVec
}

// Registry returns the registry holding every metric recorded through this
// package.
func Registry() *prometheus.Registry {
	return _registry
}

// Handler serves Registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(_registry, promhttp.HandlerOpts{})
}

// FullName is the exported name for group and name.
func FullName(group, name string) string {
	return prometheus.BuildFQName(Namespace, sanitize(group), sanitize(name))
}

func sanitize(s string) string {
	return strings.NewReplacer(".", "_", "-", "_", " ", "_").Replace(s)
}

func labelNames(dim Dimension) []string {
	names := make([]string, 0, len(dim))
	for k := range dim {
		names = append(names, sanitize(k))
	}
	sort.Strings(names)
	return names
}

func labelValues(dim Dimension) prometheus.Labels {
	labels := make(prometheus.Labels, len(dim))
	for k, v := range dim {
		labels[sanitize(k)] = v
	}
	return labels
}

func sameLabels(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// IncrCounterWithGroup adds value to the counter group.name.
func IncrCounterWithGroup(group, name string, value Value) {
	IncrCounterWithDimGroup(group, name, value, nil)
}

// IncrCounterWithDimGroup adds value to the counter group.name labelled by
// dim. The label keys of the first call fix the label set of the metric;
// later calls with a different key set are ignored.
func IncrCounterWithDimGroup(group, name string, value Value, dim Dimension) {
	if value < 0 {
		return
	}
	fq := FullName(group, name)
	names := labelNames(dim)

	_mu.Lock()
	c, ok := _counters[fq]
	if !ok {
		c = &counterVec{
			labels: names,
			vec:    prometheus.NewCounterVec(prometheus.CounterOpts{Name: fq, Help: group + " " + name}, names),
		}
		if err := _registry.Register(c.vec); err != nil {
			_mu.Unlock()
			return
		}
		_counters[fq] = c
	}
	_mu.Unlock()

	if !sameLabels(c.labels, names) {
		return
	}
	if m, err := c.vec.GetMetricWith(labelValues(dim)); err == nil {
		m.Add(float64(value))
	}
}

// UpdateGaugeWithGroup sets the gauge group.name.
func UpdateGaugeWithGroup(group, name string, value Value) {
	UpdateGaugeWithDimGroup(group, name, value, nil)
}

// UpdateGaugeWithDimGroup sets the gauge group.name labelled by dim.
func UpdateGaugeWithDimGroup(group, name string, value Value, dim Dimension) {
	fq := FullName(group, name)
	names := labelNames(dim)

	_mu.Lock()
	g, ok := _gauges[fq]
	if !ok {
		g = &gaugeVec{
			labels: names,
			vec:    prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: fq, Help: group + " " + name}, names),
		}
		if err := _registry.Register(g.vec); err != nil {
			_mu.Unlock()
			return
		}
		_gauges[fq] = g
	}
	_mu.Unlock()

	if !sameLabels(g.labels, names) {
		return
	}
	if m, err := g.vec.GetMetricWith(labelValues(dim)); err == nil {
		m.Set(float64(value))
	}
}

// RecordStopwatchWithGroup observes d, in seconds, on the histogram group.name.
func RecordStopwatchWithGroup(group, name string, d time.Duration) {
	RecordStopwatchWithDimGroup(group, name, d, nil)
}

// RecordStopwatchWithDimGroup observes d on the histogram group.name labelled
// by dim.
func RecordStopwatchWithDimGroup(group, name string, d time.Duration, dim Dimension) {
	fq := FullName(group, name)
	names := labelNames(dim)

	_mu.Lock()
	h, ok := _histograms[fq]
	if !ok {
		h = &histogramVec{
			labels: names,
			vec: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    fq,
				Help:    group + " " + name,
				Buckets: prometheus.DefBuckets,
			}, names),
		}
		if err := _registry.Register(h.vec); err != nil {
			_mu.Unlock()
			return
		}
		_histograms[fq] = h
	}
	_mu.Unlock()

	if !sameLabels(h.labels, names) {
		return
	}
	if m, err := h.vec.GetMetricWith(labelValues(dim)); err == nil {
		m.Observe(d.Seconds())
	}
}
