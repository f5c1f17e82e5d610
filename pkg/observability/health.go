package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// readinessTimeout bounds the dependency probes so a wedged database
// cannot hang the kubelet probe.
const readinessTimeout = 5 * time.Second

// HealthChecker probes the service's dependencies. Postgres is required;
// redis only accelerates cache invalidation, so a redis outage reports
// degraded rather than unhealthy.
type HealthChecker struct {
	db      *sql.DB
	redis   *redis.Client
	version string
}

// NewHealthChecker creates a checker over the given dependencies. Either
// may be nil, in which case that probe is skipped.
func NewHealthChecker(db *sql.DB, redisClient *redis.Client) *HealthChecker {
	return &HealthChecker{db: db, redis: redisClient, version: buildVersion()}
}

// buildVersion reads the main module version stamped by the Go linker.
func buildVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "unknown"
}

// HealthStatus is the readiness payload.
type HealthStatus struct {
	Status    string                 `json:"status"`
	Version   string                 `json:"version"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult reports one dependency probe.
type CheckResult struct {
	Status    string  `json:"status"`
	Message   string  `json:"message,omitempty"`
	LatencyMS float64 `json:"latency_ms"`
}

// Liveness reports healthy whenever the process can serve requests.
func (h *HealthChecker) Liveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    StatusHealthy,
		"timestamp": time.Now().UTC(),
	})
}

// Readiness probes every dependency and returns 503 only when the service
// cannot do useful work. Degraded still serves traffic.
func (h *HealthChecker) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()

	status := h.Check(ctx)

	w.Header().Set("Content-Type", "application/json")
	if status.Status == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(status)
}

// Check runs all dependency probes and folds them into one status.
func (h *HealthChecker) Check(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Status:    StatusHealthy,
		Version:   h.version,
		Timestamp: time.Now().UTC(),
		Checks:    make(map[string]CheckResult),
	}

	if h.db != nil {
		result := h.checkPostgres(ctx)
		status.Checks["postgres"] = result
		if result.Status != StatusHealthy {
			status.Status = result.Status
		}
	}

	if h.redis != nil {
		result := h.checkRedis(ctx)
		status.Checks["redis"] = result
		if result.Status == StatusUnhealthy && status.Status == StatusHealthy {
			status.Status = StatusDegraded
		}
	}

	return status
}

func (h *HealthChecker) checkPostgres(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Status: StatusHealthy}

	err := h.db.PingContext(ctx)
	result.LatencyMS = float64(time.Since(start)) / float64(time.Millisecond)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = err.Error()
		return result
	}

	var one int
	if err := h.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		result.Status = StatusUnhealthy
		result.Message = "query failed: " + err.Error()
		return result
	}

	stats := h.db.Stats()
	if stats.MaxOpenConnections > 0 && stats.OpenConnections >= stats.MaxOpenConnections {
		result.Status = StatusDegraded
		result.Message = "connection pool exhausted"
	}

	return result
}

func (h *HealthChecker) checkRedis(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Status: StatusHealthy}

	err := h.redis.Ping(ctx).Err()
	result.LatencyMS = float64(time.Since(start)) / float64(time.Millisecond)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = err.Error()
	}

	return result
}

// RegisterHealthRoutes registers the probe endpoints on mux.
func RegisterHealthRoutes(mux *http.ServeMux, checker *HealthChecker) {
	mux.HandleFunc("/health", checker.Readiness)
	mux.HandleFunc("/health/live", checker.Liveness)
	mux.HandleFunc("/health/ready", checker.Readiness)
}
