package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/temcen/neighborly/internal/config"
	"github.com/temcen/neighborly/internal/ratingsource"
	"github.com/temcen/neighborly/internal/recommender"
	"github.com/temcen/neighborly/pkg/models"
)

// ErrSnapshotNotReady is returned while no snapshot has been loaded yet.
var ErrSnapshotNotReady = errors.New("ratings snapshot not loaded")

// Snapshot is one immutable generation of the ratings data together with the
// similarity engine built over it. Requests read a snapshot once and use it
// for every step.
type Snapshot struct {
	Version      string
	Strategy     string
	Source       string
	Matrix       *recommender.Matrix
	Recommender  *recommender.Recommender
	Precomputed  *recommender.Precomputed
	LoadedAt     time.Time
	LoadDuration time.Duration
}

// Info summarizes the snapshot for API responses and events.
func (s *Snapshot) Info() models.SnapshotInfo {
	info := models.SnapshotInfo{
		Version:        s.Version,
		Strategy:       s.Strategy,
		Source:         s.Source,
		Users:          s.Matrix.NumUsers(),
		Items:          s.Matrix.NumItems(),
		Ratings:        s.Matrix.NumRatings(),
		LoadedAt:       s.LoadedAt,
		LoadDurationMs: s.LoadDuration.Milliseconds(),
	}
	if s.Precomputed != nil {
		info.PrecomputedK = s.Precomputed.K()
	}
	return info
}

// SnapshotSource hands out the active snapshot.
type SnapshotSource interface {
	Current() (*Snapshot, error)
}

// SwapListener is called after a new snapshot became active.
type SwapListener func(ctx context.Context, trigger string, previous, current *Snapshot)

// SnapshotManager loads snapshots and swaps them in atomically. Concurrent
// reloads are serialized; readers never block.
type SnapshotManager struct {
	provider ratingsource.Provider
	model    ratingsource.ModelProvider
	config   config.RecommendationConfig
	timeout  time.Duration
	metrics  *Metrics
	logger   *logrus.Logger

	current   atomic.Pointer[Snapshot]
	mu        sync.Mutex
	listeners []SwapListener
}

// NewSnapshotManager creates a manager. model is only consulted by the
// pretrained strategy and may be nil otherwise.
func NewSnapshotManager(
	provider ratingsource.Provider,
	model ratingsource.ModelProvider,
	cfg *config.Config,
	metrics *Metrics,
	logger *logrus.Logger,
) *SnapshotManager {
	return &SnapshotManager{
		provider: provider,
		model:    model,
		config:   cfg.Recommendation,
		timeout:  cfg.Ratings.LoadTimeout,
		metrics:  metrics,
		logger:   logger,
	}
}

// OnSwap registers fn to run after every successful reload.
func (m *SnapshotManager) OnSwap(fn SwapListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

func (m *SnapshotManager) Current() (*Snapshot, error) {
	s := m.current.Load()
	if s == nil {
		return nil, ErrSnapshotNotReady
	}
	return s, nil
}

// Reload loads fresh data and swaps it in. On failure the previous snapshot
// stays active. The returned bool reports whether the version changed.
func (m *SnapshotManager) Reload(ctx context.Context, trigger string) (*Snapshot, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}

	previous := m.current.Load()
	logger := m.logger.WithFields(logrus.Fields{
		"trigger":  trigger,
		"source":   m.provider.Name(),
		"strategy": m.config.Strategy,
	})

	next, err := m.build(ctx)
	if err != nil {
		m.metrics.SnapshotReloads.WithLabelValues(trigger, "error").Inc()
		logger.WithError(err).Error("Snapshot reload failed, keeping previous snapshot")
		return nil, false, err
	}

	if previous != nil && previous.Version == next.Version {
		m.metrics.SnapshotReloads.WithLabelValues(trigger, "unchanged").Inc()
		logger.WithField("version", next.Version).Debug("Snapshot unchanged")
		return previous, false, nil
	}

	m.current.Store(next)
	m.metrics.ObserveSnapshot(next)
	m.metrics.SnapshotReloads.WithLabelValues(trigger, "swapped").Inc()

	logger.WithFields(logrus.Fields{
		"version":     next.Version,
		"users":       next.Matrix.NumUsers(),
		"items":       next.Matrix.NumItems(),
		"ratings":     next.Matrix.NumRatings(),
		"duration_ms": next.LoadDuration.Milliseconds(),
	}).Info("Snapshot swapped")

	for _, fn := range m.listeners {
		fn(ctx, trigger, previous, next)
	}

	return next, true, nil
}

func (m *SnapshotManager) build(ctx context.Context) (*Snapshot, error) {
	start := time.Now()

	matrix, err := m.provider.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load ratings: %w", err)
	}

	var index *recommender.SimilarityIndex
	if m.config.Strategy == recommender.StrategyPretrained {
		if m.model == nil {
			return nil, fmt.Errorf("strategy %q needs a neighbor model provider", m.config.Strategy)
		}
		index, err = m.model.LoadModel(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load neighbor model: %w", err)
		}
	}

	snapshot, err := BuildSnapshot(ctx, matrix, index, m.config)
	if err != nil {
		return nil, err
	}
	snapshot.Source = m.provider.Name()
	snapshot.LoadDuration = time.Since(start)
	return snapshot, nil
}

// BuildSnapshot indexes matrix with the configured similarity strategy.
// index is required for the pretrained strategy and ignored otherwise.
func BuildSnapshot(
	ctx context.Context,
	matrix *recommender.Matrix,
	index *recommender.SimilarityIndex,
	cfg config.RecommendationConfig,
) (*Snapshot, error) {
	version := matrix.Fingerprint()
	users := matrix.AllUsers()

	var source recommender.SimilaritySource
	switch cfg.Strategy {
	case recommender.StrategyCosine:
		cosine := recommender.NewDenseCosine(matrix)
		cosine.Warm()
		source = cosine
	case recommender.StrategyPearson:
		pearson := recommender.NewPearson(matrix, cfg.MinCommonItems)
		source = pearson
		// results depend on the overlap threshold as well as the data
		version = fmt.Sprintf("%s-mc%d", version, pearson.MinCommonItems())
	case recommender.StrategyPretrained:
		if index == nil {
			return nil, fmt.Errorf("strategy %q needs a neighbor model", cfg.Strategy)
		}
		source = recommender.NewPretrainedIndex(index)
		version = version + "-" + index.Fingerprint()

		// only users the model knows can be precomputed
		known := users[:0:0]
		for _, u := range users {
			if _, ok := index.InnerID(u); ok {
				known = append(known, u)
			}
		}
		users = known
	default:
		return nil, fmt.Errorf("unsupported similarity strategy %q", cfg.Strategy)
	}

	selector := recommender.NewSelector(source)
	snapshot := &Snapshot{
		Version:  version,
		Strategy: cfg.Strategy,
		Matrix:   matrix,
		LoadedAt: time.Now(),
	}

	var finder recommender.NeighborFinder = selector
	if cfg.Precompute.Enabled {
		pre, err := recommender.Precompute(ctx, selector, users, cfg.Precompute.K, cfg.Precompute.Workers)
		if err != nil {
			return nil, fmt.Errorf("failed to precompute neighbors: %w", err)
		}
		snapshot.Precomputed = pre
		finder = pre
	}

	snapshot.Recommender = recommender.New(matrix, finder)
	return snapshot, nil
}
