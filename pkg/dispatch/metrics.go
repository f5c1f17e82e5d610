package dispatch

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/platinummonkey/warden/pkg/errs"
)

// Metrics holds the Prometheus metrics for the dispatcher
type Metrics struct {
	DispatchesTotal  *prometheus.CounterVec
	DispatchDuration *prometheus.HistogramVec
	DenialsTotal     *prometheus.CounterVec
	ElevationsTotal  *prometheus.CounterVec
}

// NewMetrics creates and registers the dispatch metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		DispatchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_dispatches_total",
				Help: "Total number of dispatched operations",
			},
			[]string{"operation", "status", "kind"},
		),
		DispatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "warden_dispatch_duration_seconds",
				Help:    "Dispatch duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		DenialsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_permission_denials_total",
				Help: "Total number of permission denials",
			},
			[]string{"operation"},
		),
		ElevationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_elevations_total",
				Help: "Total number of cross-tenant elevations",
			},
			[]string{"operation"},
		),
	}

	registry.MustRegister(
		m.DispatchesTotal,
		m.DispatchDuration,
		m.DenialsTotal,
		m.ElevationsTotal,
	)

	return m
}

// observe records the outcome of one dispatch
func (m *Metrics) observe(operation string, result Result, duration time.Duration) {
	m.DispatchesTotal.WithLabelValues(operation, result.Status, string(result.Kind)).Inc()
	m.DispatchDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if result.Kind == errs.KindPermissionDenied {
		m.DenialsTotal.WithLabelValues(operation).Inc()
	}
}
