package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Metrics holds the Prometheus collectors of the recommendation path.
type Metrics struct {
	RequestsTotal      *prometheus.CounterVec
	RequestDuration    *prometheus.HistogramVec
	CacheRequests      *prometheus.CounterVec
	BreakerState       *prometheus.GaugeVec
	SnapshotSize       *prometheus.GaugeVec
	SnapshotLoadedAt   prometheus.Gauge
	SnapshotReloads    *prometheus.CounterVec
	SnapshotLoadTime   prometheus.Histogram
	EventsConsumed     *prometheus.CounterVec
	RecommendationSize prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg. A collector
// that is already registered is reused.
func NewMetrics(reg prometheus.Registerer, logger *logrus.Logger) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "neighborly_requests_total",
			Help: "Recommendation and neighbor requests by operation and outcome",
		}, []string{"operation", "outcome"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "neighborly_request_duration_seconds",
			Help:    "Time spent serving a recommendation or neighbor request",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		CacheRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "neighborly_cache_requests_total",
			Help: "Result cache lookups by kind and result (hit, miss, error)",
		}, []string{"kind", "result"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "neighborly_circuit_breaker_state",
			Help: "Circuit breaker state (0 = closed, 1 = half-open, 2 = open)",
		}, []string{"name"}),
		SnapshotSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "neighborly_snapshot_size",
			Help: "Size of the active ratings snapshot",
		}, []string{"dimension"}),
		SnapshotLoadedAt: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "neighborly_snapshot_loaded_timestamp_seconds",
			Help: "Unix time the active snapshot was swapped in",
		}),
		SnapshotReloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "neighborly_snapshot_reloads_total",
			Help: "Snapshot reload attempts by trigger and outcome",
		}, []string{"trigger", "outcome"}),
		SnapshotLoadTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "neighborly_snapshot_load_duration_seconds",
			Help:    "Time to load and index a ratings snapshot",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		EventsConsumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "neighborly_events_consumed_total",
			Help: "Ratings-changed events by outcome",
		}, []string{"outcome"}),
		RecommendationSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "neighborly_recommendation_items",
			Help:    "Number of items returned per recommendation",
			Buckets: []float64{0, 1, 2, 5, 10, 20, 50, 100},
		}),
	}

	m.RequestsTotal = register(reg, m.RequestsTotal, logger)
	m.RequestDuration = register(reg, m.RequestDuration, logger)
	m.CacheRequests = register(reg, m.CacheRequests, logger)
	m.BreakerState = register(reg, m.BreakerState, logger)
	m.SnapshotSize = register(reg, m.SnapshotSize, logger)
	m.SnapshotLoadedAt = register(reg, m.SnapshotLoadedAt, logger)
	m.SnapshotReloads = register(reg, m.SnapshotReloads, logger)
	m.SnapshotLoadTime = register(reg, m.SnapshotLoadTime, logger)
	m.EventsConsumed = register(reg, m.EventsConsumed, logger)
	m.RecommendationSize = register(reg, m.RecommendationSize, logger)

	return m
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T, logger *logrus.Logger) T {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
		logger.WithError(err).Warn("Failed to register metric")
	}
	return c
}

// ObserveSnapshot records the dimensions of a newly active snapshot.
func (m *Metrics) ObserveSnapshot(s *Snapshot) {
	m.SnapshotSize.WithLabelValues("users").Set(float64(s.Matrix.NumUsers()))
	m.SnapshotSize.WithLabelValues("items").Set(float64(s.Matrix.NumItems()))
	m.SnapshotSize.WithLabelValues("ratings").Set(float64(s.Matrix.NumRatings()))
	m.SnapshotLoadedAt.Set(float64(s.LoadedAt.Unix()))
	m.SnapshotLoadTime.Observe(s.LoadDuration.Seconds())
}
