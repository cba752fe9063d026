package flow

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const MetricsSubsystem = "flow"

// Metrics contains metrics exposed by this package. Every metric is
// labelled with the party and its role in the flow.
type Metrics struct {
	// Number of flows started.
	Started metrics.Counter
	// Number of flows that ended committed.
	Committed metrics.Counter
	// Number of flows that failed, by error code.
	Failed metrics.Counter
	// Flow duration in seconds.
	Duration metrics.Histogram
	// Number of initiator flows currently in flight.
	InFlight metrics.Gauge
}

// PrometheusMetrics returns Metrics build using Prometheus client library.
func PrometheusMetrics(namespace string) *Metrics {
	return &Metrics{
		Started: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "started_total",
			Help:      "Number of negotiation flows started.",
		}, []string{"party", "role"}),
		Committed: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "committed_total",
			Help:      "Number of negotiation flows that committed.",
		}, []string{"party", "role"}),
		Failed: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "failed_total",
			Help:      "Number of negotiation flows that failed.",
		}, []string{"party", "role", "code"}),
		Duration: prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "duration_seconds",
			Help:      "Negotiation flow duration.",
			Buckets:   stdprometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"party", "role"}),
		InFlight: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "in_flight",
			Help:      "Initiator flows currently in flight.",
		}, []string{"party", "role"}),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		Started:   discard.NewCounter(),
		Committed: discard.NewCounter(),
		Failed:    discard.NewCounter(),
		Duration:  discard.NewHistogram(),
		InFlight:  discard.NewGauge(),
	}
}
