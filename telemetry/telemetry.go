// Package telemetry wires structured logging and Prometheus metrics
// across the core: the façade takes a *logrus.Logger (client.Config.Log)
// and records to a shared *Metrics rather than reaching for package-level
// loggers.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// NewLogger returns a structured JSON logger for machine-parseable
// output.
func NewLogger() *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	return log
}

// Metrics is the set of Prometheus collectors the façade and managers
// update as ops flow through the system.
type Metrics struct {
	OpsAccepted   *prometheus.CounterVec
	OpsRejected   *prometheus.CounterVec
	OpsBuffered   *prometheus.CounterVec
	HoldbackDepth *prometheus.GaugeVec
	DHTLatency    *prometheus.HistogramVec
}

// NewMetrics constructs and registers every collector against reg. Pass
// prometheus.NewRegistry() in tests to avoid colliding with the default
// global registry across parallel test binaries.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		OpsAccepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "descord",
			Name:      "ops_accepted_total",
			Help:      "Operations accepted by a state manager's validator, by op type.",
		}, []string{"op_type"}),
		OpsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "descord",
			Name:      "ops_rejected_total",
			Help:      "Operations rejected by a state manager's validator, by op type and reason.",
		}, []string{"op_type", "reason"}),
		OpsBuffered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "descord",
			Name:      "ops_buffered_total",
			Help:      "Operations moved into a holdback queue, by op type.",
		}, []string{"op_type"}),
		HoldbackDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "descord",
			Name:      "holdback_queue_depth",
			Help:      "Current number of buffered operations per space.",
		}, []string{"space_id"}),
		DHTLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "descord",
			Name:      "dht_operation_latency_seconds",
			Help:      "Latency of DHT put/get operations, by kind.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
	}
	reg.MustRegister(m.OpsAccepted, m.OpsRejected, m.OpsBuffered, m.HoldbackDepth, m.DHTLatency)
	return m
}

// ObserveDHTLatency times a DHT call of the given kind ("put" or "get").
func (m *Metrics) ObserveDHTLatency(kind string, start time.Time) {
	if m == nil {
		return
	}
	m.DHTLatency.WithLabelValues(kind).Observe(time.Since(start).Seconds())
}
