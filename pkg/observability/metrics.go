package observability

import (
	"database/sql"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the process-wide Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Session metrics
	SessionsActive       prometheus.Gauge
	SessionsIssuedTotal  prometheus.Counter
	SessionsRevokedTotal prometheus.Counter

	// Membership metrics
	MembersByStatus     *prometheus.GaugeVec
	TransitionsTotal    *prometheus.CounterVec
	ExpiredInvitesSwept prometheus.Counter

	// Permission cache metrics
	PermissionFetchesTotal       *prometheus.CounterVec
	PermissionInvalidationsTotal prometheus.Counter

	// Database metrics
	DBConnectionsActive prometheus.Gauge
	DBConnectionsIdle   prometheus.Gauge

	// Redis metrics
	RedisCommandsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "warden_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		SessionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "warden_sessions_active",
				Help: "Number of live sessions",
			},
		),
		SessionsIssuedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "warden_sessions_issued_total",
				Help: "Total number of sessions issued",
			},
		),
		SessionsRevokedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "warden_sessions_revoked_total",
				Help: "Total number of sessions revoked",
			},
		),

		MembersByStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "warden_members_by_status",
				Help: "Number of memberships per lifecycle status",
			},
			[]string{"status"},
		),
		TransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_membership_transitions_total",
				Help: "Total number of membership lifecycle transitions",
			},
			[]string{"action"},
		),
		ExpiredInvitesSwept: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "warden_expired_invites_swept_total",
				Help: "Total number of expired invitations removed by the sweeper",
			},
		),

		PermissionFetchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_permission_fetches_total",
				Help: "Total number of permission set resolutions",
			},
			[]string{"source"},
		),
		PermissionInvalidationsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "warden_permission_invalidations_total",
				Help: "Total number of permission cache invalidations published",
			},
		),

		DBConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "warden_db_connections_active",
				Help: "Number of active database connections",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "warden_db_connections_idle",
				Help: "Number of idle database connections",
			},
		),

		RedisCommandsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_redis_commands_total",
				Help: "Total number of Redis commands",
			},
			[]string{"command", "status"},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.SessionsActive,
		m.SessionsIssuedTotal,
		m.SessionsRevokedTotal,
		m.MembersByStatus,
		m.TransitionsTotal,
		m.ExpiredInvitesSwept,
		m.PermissionFetchesTotal,
		m.PermissionInvalidationsTotal,
		m.DBConnectionsActive,
		m.DBConnectionsIdle,
		m.RedisCommandsTotal,
	)

	return m
}

// RecordDBStats copies connection pool gauges from the database handle
func (m *Metrics) RecordDBStats(db *sql.DB) {
	stats := db.Stats()
	m.DBConnectionsActive.Set(float64(stats.InUse))
	m.DBConnectionsIdle.Set(float64(stats.Idle))
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			status := strconv.Itoa(rw.statusCode)
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, r.URL.Path, status).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(time.Since(start).Seconds())
		})
	}
}

// RegisterMetricsEndpoint registers the /metrics endpoint
func RegisterMetricsEndpoint(mux *http.ServeMux, registry *prometheus.Registry) {
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}
