package metrics_config

import (
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/dominant-strategies/go-sequencer/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultPort is the port the /metrics endpoint listens on.
const DefaultPort = 2112

// enabled is checked by the constructor functions for all of the standard
// metrics. If it is false, the returned collectors work but are never
// registered, so nothing is exported.
var enabled atomic.Bool

func EnableMetrics() {
	enabled.Store(true)
}

func MetricsEnabled() bool {
	return enabled.Load()
}

// StartProcessMetrics serves the default registry on the given port and
// refreshes the process gauges on every scrape.
func StartProcessMetrics(port int) {
	// Short circuit if the metrics system is disabled
	if !MetricsEnabled() {
		return
	}
	if port == 0 {
		port = DefaultPort
	}
	go serveMetrics(newProcessGauges(), port)
}

// register adds c to the default registry. Registering the same metric twice
// returns the collector registered first.
func register[T prometheus.Collector](c T) T {
	if !MetricsEnabled() {
		return c
	}
	if err := prometheus.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
		log.Global.WithField("err", err).Error("Failed to register metric")
	}
	return c
}

func NewGaugeVec(name string, help string) *prometheus.GaugeVec {
	return register(prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: name,
		Help: help,
	}, []string{"label"}))
}

func NewGauge(name string, help string) prometheus.Gauge {
	return register(prometheus.NewGauge(prometheus.GaugeOpts{
		Name: name,
		Help: help,
	}))
}

func NewCounter(name string, help string) prometheus.Counter {
	return register(prometheus.NewCounter(prometheus.CounterOpts{
		Name: name,
		Help: help,
	}))
}

func NewCounterVec(name string, help string, labels ...string) *prometheus.CounterVec {
	if len(labels) == 0 {
		labels = []string{"label"}
	}
	return register(prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: name,
		Help: help,
	}, labels))
}

// NewHistogram returns a histogram with default buckets, meant to be fed by
// prometheus.NewTimer at each call site.
func NewHistogram(name string, help string) prometheus.Histogram {
	return register(prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: name,
		Help: help,
	}))
}

func serveMetrics(gauges *processGauges, port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.InstrumentMetricHandler(
		prometheus.DefaultRegisterer, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gauges.update()
			promhttp.Handler().ServeHTTP(w, r)
		}),
	))
	addr := fmt.Sprintf(":%d", port)
	log.Global.WithField("addr", addr).Info("Serving metrics")
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Global.WithField("err", err).Error("Metrics endpoint stopped")
	}
}
