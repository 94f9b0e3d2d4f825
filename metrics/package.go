// Package metrics provides easy methods to record client-side metrics
package metrics

import (
	"time"

	metrics "github.com/rcrowley/go-metrics"
)

// Registry holds every metric the library records. Callers wanting to
// publish somewhere wire their own reporter against it.
var Registry = metrics.NewRegistry()

// Mark increases the meter metric with the given name by 1
func Mark(name string) {
	metrics.GetOrRegisterMeter(name, Registry).Mark(1)
}

// Gauge sets a gauge metric to a given value
func Gauge(name string, value int64) {
	metrics.GetOrRegisterGauge(name, Registry).Update(value)
}

// TimeSince records time.Since(timestamp) on the timer with the given name
func TimeSince(name string, timestamp time.Time) {
	metrics.GetOrRegisterTimer(name, Registry).UpdateSince(timestamp)
}

// Each iterates over all recorded metrics
func Each(f func(string, interface{})) {
	Registry.Each(f)
}
