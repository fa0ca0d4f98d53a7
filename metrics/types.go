// Package metrics records counters, gauges and stopwatches into a
// Prometheus registry under the octopus namespace.
package metrics

// Value is a metric sample.
type Value float64

// Dimension labels a metric, e.g. {"protocol": "tcp", "direction": "in"}.
type Dimension map[string]string
