package notary

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const MetricsSubsystem = "notary"

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Sequence number of the last committed transition.
	Height metrics.Gauge
	// Number of committed transitions.
	Committed metrics.Counter
	// Number of refused commits, labelled by error code.
	Refused metrics.Counter
	// Time spent committing a transition, in seconds.
	CommitDuration metrics.Histogram
}

// PrometheusMetrics returns Metrics build using Prometheus client library.
func PrometheusMetrics(namespace string) *Metrics {
	return &Metrics{
		Height: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "height",
			Help:      "Sequence number of the last committed transition.",
		}, []string{}),
		Committed: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "committed_total",
			Help:      "Number of committed transitions.",
		}, []string{}),
		Refused: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "refused_total",
			Help:      "Number of refused commits by error code.",
		}, []string{"code"}),
		CommitDuration: prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "commit_duration_seconds",
			Help:      "Time spent committing a transition.",
			Buckets:   stdprometheus.ExponentialBuckets(0.0005, 2, 12),
		}, []string{}),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		Height:         discard.NewGauge(),
		Committed:      discard.NewCounter(),
		Refused:        discard.NewCounter(),
		CommitDuration: discard.NewHistogram(),
	}
}
