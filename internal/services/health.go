package services

import (
	"context"
	"runtime"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/temcen/neighborly/internal/config"
	"github.com/temcen/neighborly/internal/database"
)

const healthCheckTimeout = 5 * time.Second

// HealthCheck is one dependency probe. A failing critical check makes the
// service unhealthy; a failing non-critical one only degrades it.
type HealthCheck struct {
	Name     string
	Critical bool
	Check    func(ctx context.Context) error
}

type HealthService struct {
	logger *logrus.Logger
	db     *database.Database
	checks []HealthCheck

	healthCheckStatus   *prometheus.GaugeVec
	lastHealthCheck     *prometheus.GaugeVec
	systemMetrics       *prometheus.GaugeVec
	dbConnectionMetrics *prometheus.GaugeVec
}

type HealthStatus struct {
	Status      string                 `json:"status"`
	Timestamp   time.Time              `json:"timestamp"`
	Services    map[string]string      `json:"services"`
	Critical    []string               `json:"critical_failures,omitempty"`
	NonCritical []string               `json:"non_critical_failures,omitempty"`
	Latency     time.Duration          `json:"latency,omitempty"`
	Details     map[string]interface{} `json:"details,omitempty"`
}

// NewHealthService probes the snapshot plus every configured store. A store
// is critical when the configured ratings or model source reads from it.
func NewHealthService(
	cfg *config.Config,
	db *database.Database,
	snapshots SnapshotSource,
	reg prometheus.Registerer,
	logger *logrus.Logger,
) *HealthService {
	hs := newHealthService(reg, logger)
	hs.db = db

	hs.checks = append(hs.checks, HealthCheck{
		Name:     "snapshot",
		Critical: true,
		Check: func(context.Context) error {
			_, err := snapshots.Current()
			return err
		},
	})

	if db == nil {
		return hs
	}

	usesPostgres := cfg.Ratings.Source == "postgres" ||
		(cfg.Recommendation.Strategy == "pretrained" && cfg.Recommendation.Model.Source == "postgres")

	if db.PG != nil {
		hs.checks = append(hs.checks, HealthCheck{
			Name:     "postgresql",
			Critical: usesPostgres,
			Check:    func(ctx context.Context) error { return db.PG.Ping(ctx) },
		})
	}
	if db.Neo4j != nil {
		hs.checks = append(hs.checks, HealthCheck{
			Name:     "neo4j",
			Critical: cfg.Ratings.Source == "neo4j",
			Check:    db.Neo4j.VerifyConnectivity,
		})
	}
	if db.Redis.Hot != nil {
		hs.checks = append(hs.checks, HealthCheck{
			Name:  "redis_hot",
			Check: func(ctx context.Context) error { return db.Redis.Hot.Ping(ctx).Err() },
		})
	}
	if db.Redis.Warm != nil {
		hs.checks = append(hs.checks, HealthCheck{
			Name:  "redis_warm",
			Check: func(ctx context.Context) error { return db.Redis.Warm.Ping(ctx).Err() },
		})
	}

	return hs
}

// NewHealthServiceWithChecks builds a health service over explicit probes.
func NewHealthServiceWithChecks(checks []HealthCheck, reg prometheus.Registerer, logger *logrus.Logger) *HealthService {
	hs := newHealthService(reg, logger)
	hs.checks = checks
	return hs
}

func newHealthService(reg prometheus.Registerer, logger *logrus.Logger) *HealthService {
	hs := &HealthService{logger: logger}

	hs.healthCheckStatus = register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "health_check_status",
		Help: "Health check status (1 = healthy, 0 = unhealthy)",
	}, []string{"service"}), logger)

	hs.lastHealthCheck = register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "health_check_timestamp",
		Help: "Timestamp of last health check",
	}, []string{"service"}), logger)

	hs.systemMetrics = register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "system_info",
		Help: "System information metrics",
	}, []string{"metric_type"}), logger)

	hs.dbConnectionMetrics = register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "database_connection_pool_usage",
		Help: "Database connection pool usage percentage",
	}, []string{"database", "state"}), logger)

	return hs
}

// Start runs the background collectors until ctx is done.
func (s *HealthService) Start(ctx context.Context) {
	go s.collectSystemMetrics(ctx)
	go s.collectDatabaseMetrics(ctx)
}

func (s *HealthService) CheckHealth(ctx context.Context) *HealthStatus {
	start := time.Now()
	status := &HealthStatus{
		Timestamp: start,
		Services:  make(map[string]string),
	}

	allCriticalHealthy := true
	for _, check := range s.checks {
		checkCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
		err := check.Check(checkCtx)
		cancel()

		if err == nil {
			status.Services[check.Name] = "healthy"
			s.UpdateHealthMetrics(check.Name, true)
			continue
		}

		status.Services[check.Name] = "unhealthy"
		s.UpdateHealthMetrics(check.Name, false)
		if check.Critical {
			allCriticalHealthy = false
			status.Critical = append(status.Critical, check.Name)
			s.logger.WithError(err).Errorf("Critical service %s is unhealthy", check.Name)
		} else {
			status.NonCritical = append(status.NonCritical, check.Name)
			s.logger.WithError(err).Warnf("Non-critical service %s is unhealthy", check.Name)
		}
	}
	sort.Strings(status.Critical)
	sort.Strings(status.NonCritical)

	switch {
	case !allCriticalHealthy:
		status.Status = "unhealthy"
	case len(status.NonCritical) > 0:
		status.Status = "degraded"
	default:
		status.Status = "healthy"
	}
	status.Latency = time.Since(start)

	return status
}

func (s *HealthService) collectSystemMetrics(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	var memStats runtime.MemStats

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		runtime.ReadMemStats(&memStats)

		s.systemMetrics.WithLabelValues("memory_alloc_bytes").Set(float64(memStats.Alloc))
		s.systemMetrics.WithLabelValues("memory_sys_bytes").Set(float64(memStats.Sys))
		s.systemMetrics.WithLabelValues("goroutines_count").Set(float64(runtime.NumGoroutine()))
		s.systemMetrics.WithLabelValues("gc_runs_total").Set(float64(memStats.NumGC))

		if memStats.NumGC > 0 {
			lastPause := memStats.PauseNs[(memStats.NumGC+255)%256]
			s.systemMetrics.WithLabelValues("gc_pause_ns").Set(float64(lastPause))
		}
	}
}

func (s *HealthService) collectDatabaseMetrics(ctx context.Context) {
	if s.db == nil || s.db.PG == nil {
		return
	}

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		stats := s.db.PG.Stat()

		s.dbConnectionMetrics.WithLabelValues("postgresql", "acquired_conns").Set(float64(stats.AcquiredConns()))
		s.dbConnectionMetrics.WithLabelValues("postgresql", "idle_conns").Set(float64(stats.IdleConns()))
		s.dbConnectionMetrics.WithLabelValues("postgresql", "max_conns").Set(float64(stats.MaxConns()))
		s.dbConnectionMetrics.WithLabelValues("postgresql", "total_conns").Set(float64(stats.TotalConns()))

		if stats.MaxConns() > 0 {
			usage := float64(stats.AcquiredConns()) / float64(stats.MaxConns()) * 100
			s.dbConnectionMetrics.WithLabelValues("postgresql", "usage_percent").Set(usage)
		}
	}
}

func (s *HealthService) UpdateHealthMetrics(serviceName string, healthy bool) {
	if healthy {
		s.healthCheckStatus.WithLabelValues(serviceName).Set(1)
	} else {
		s.healthCheckStatus.WithLabelValues(serviceName).Set(0)
	}
	s.lastHealthCheck.WithLabelValues(serviceName).Set(float64(time.Now().Unix()))
}
