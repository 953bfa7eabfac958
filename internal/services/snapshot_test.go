package services

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/temcen/neighborly/internal/config"
	"github.com/temcen/neighborly/internal/recommender"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func testMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry(), testLogger())
}

func testRecommendationConfig() config.RecommendationConfig {
	return config.RecommendationConfig{
		Strategy:       recommender.StrategyCosine,
		KNeighbors:     10,
		NResults:       5,
		MaxKNeighbors:  200,
		MaxNResults:    100,
		MinCommonItems: 2,
		MaxBatchSize:   50,
		Precompute:     config.PrecomputeConfig{K: 10, Workers: 2},
		Caching: config.CachingConfig{
			Enabled:            true,
			NeighborsTTL:       time.Hour,
			RecommendationsTTL: 15 * time.Minute,
			BreakerFailures:    3,
			BreakerOpenTimeout: time.Minute,
		},
	}
}

type testRating struct {
	user, item string
	value      float64
}

func buildMatrix(t *testing.T, ratings ...testRating) *recommender.Matrix {
	t.Helper()

	b := recommender.NewBuilder(recommender.DefaultScale())
	for _, r := range ratings {
		require.NoError(t, b.Add(r.user, r.item, r.value))
	}
	return b.Build()
}

// exampleMatrix: recommend(A, 2, 2) yields [(z, 5.0)].
func exampleMatrix(t *testing.T) *recommender.Matrix {
	return buildMatrix(t,
		testRating{"A", "x", 5}, testRating{"A", "y", 3},
		testRating{"B", "x", 4}, testRating{"B", "y", 4}, testRating{"B", "z", 5},
		testRating{"C", "z", 1},
	)
}

type fakeProvider struct {
	mu     sync.Mutex
	matrix *recommender.Matrix
	err    error
	loads  int
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Load(ctx context.Context) (*recommender.Matrix, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.loads++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return p.matrix, p.err
}

func (p *fakeProvider) set(m *recommender.Matrix, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.matrix, p.err = m, err
}

type fakeModel struct {
	index *recommender.SimilarityIndex
}

func (f *fakeModel) Name() string { return "fake-model" }

func (f *fakeModel) LoadModel(context.Context) (*recommender.SimilarityIndex, error) {
	return f.index, nil
}

func newManager(provider *fakeProvider, model *fakeModel, rc config.RecommendationConfig, metrics *Metrics) *SnapshotManager {
	cfg := &config.Config{
		Recommendation: rc,
		Ratings:        config.RatingsConfig{LoadTimeout: 5 * time.Second},
	}
	if model == nil {
		return NewSnapshotManager(provider, nil, cfg, metrics, testLogger())
	}
	return NewSnapshotManager(provider, model, cfg, metrics, testLogger())
}

func TestSnapshotManager_Reload(t *testing.T) {
	ctx := context.Background()
	metrics := testMetrics()
	provider := &fakeProvider{matrix: exampleMatrix(t)}
	m := newManager(provider, nil, testRecommendationConfig(), metrics)

	_, err := m.Current()
	assert.ErrorIs(t, err, ErrSnapshotNotReady)

	type swap struct {
		trigger           string
		previous, current *Snapshot
	}
	var swaps []swap
	m.OnSwap(func(_ context.Context, trigger string, previous, current *Snapshot) {
		swaps = append(swaps, swap{trigger, previous, current})
	})

	first, changed, err := m.Reload(ctx, "startup")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, "fake", first.Source)
	assert.Equal(t, recommender.StrategyCosine, first.Strategy)

	current, err := m.Current()
	require.NoError(t, err)
	assert.Same(t, first, current)

	t.Run("same data keeps the snapshot", func(t *testing.T) {
		provider.set(exampleMatrix(t), nil)

		again, changed, err := m.Reload(ctx, "admin")
		require.NoError(t, err)
		assert.False(t, changed)
		assert.Same(t, first, again)
		assert.Equal(t, 1.0, testutil.ToFloat64(metrics.SnapshotReloads.WithLabelValues("admin", "unchanged")))
	})

	t.Run("new data swaps and notifies", func(t *testing.T) {
		provider.set(buildMatrix(t, testRating{"A", "x", 1}, testRating{"B", "x", 2}), nil)

		next, changed, err := m.Reload(ctx, "kafka")
		require.NoError(t, err)
		assert.True(t, changed)
		assert.NotEqual(t, first.Version, next.Version)

		current, err := m.Current()
		require.NoError(t, err)
		assert.Same(t, next, current)

		require.Len(t, swaps, 2)
		assert.Nil(t, swaps[0].previous)
		assert.Equal(t, "kafka", swaps[1].trigger)
		assert.Same(t, first, swaps[1].previous)
		assert.Same(t, next, swaps[1].current)
		assert.Equal(t, 2.0, testutil.ToFloat64(metrics.SnapshotSize.WithLabelValues("users")))
	})

	t.Run("failed load keeps the previous snapshot", func(t *testing.T) {
		before, err := m.Current()
		require.NoError(t, err)

		provider.set(nil, recommender.ErrRatingOutOfRange)
		_, _, err = m.Reload(ctx, "admin")
		assert.ErrorIs(t, err, recommender.ErrRatingOutOfRange)

		after, err := m.Current()
		require.NoError(t, err)
		assert.Same(t, before, after)
		assert.Len(t, swaps, 2)
		assert.Equal(t, 1.0, testutil.ToFloat64(metrics.SnapshotReloads.WithLabelValues("admin", "error")))
	})
}

func TestSnapshotManager_ConcurrentReadsDuringReload(t *testing.T) {
	ctx := context.Background()
	small := exampleMatrix(t)
	large := buildMatrix(t,
		testRating{"A", "x", 5}, testRating{"A", "y", 3},
		testRating{"B", "x", 4}, testRating{"B", "y", 4}, testRating{"B", "z", 5},
		testRating{"C", "z", 1}, testRating{"D", "w", 2}, testRating{"D", "x", 5},
	)
	provider := &fakeProvider{matrix: small}
	m := newManager(provider, nil, testRecommendationConfig(), testMetrics())

	_, _, err := m.Reload(ctx, "startup")
	require.NoError(t, err)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	var readErr error
	var errOnce sync.Once

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				snap, err := m.Current()
				if err == nil {
					// every step reads the same snapshot
					_, err = snap.Recommender.Recommend("A", 2, 2)
				}
				if err != nil {
					errOnce.Do(func() { readErr = err })
				}
			}
		}()
	}

	for i := 0; i < 20; i++ {
		if i%2 == 0 {
			provider.set(large, nil)
		} else {
			provider.set(small, nil)
		}
		_, _, err := m.Reload(ctx, "test")
		require.NoError(t, err)
	}
	close(stop)
	wg.Wait()

	assert.NoError(t, readErr)
}

func TestSnapshotManager_ReloadTimeout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	m := newManager(&fakeProvider{matrix: exampleMatrix(t)}, nil, testRecommendationConfig(), testMetrics())
	_, _, err := m.Reload(ctx, "startup")
	assert.ErrorIs(t, err, context.Canceled)

	_, err = m.Current()
	assert.ErrorIs(t, err, ErrSnapshotNotReady)
}

func TestBuildSnapshot(t *testing.T) {
	ctx := context.Background()
	matrix := exampleMatrix(t)

	t.Run("cosine reproduces the worked example", func(t *testing.T) {
		snap, err := BuildSnapshot(ctx, matrix, nil, testRecommendationConfig())
		require.NoError(t, err)
		assert.Equal(t, matrix.Fingerprint(), snap.Version)
		assert.Nil(t, snap.Precomputed)

		items, err := snap.Recommender.Recommend("A", 2, 2)
		require.NoError(t, err)
		assert.Equal(t, []recommender.ScoredItem{{ItemID: "z", Score: 5.0}}, items)
	})

	t.Run("pearson", func(t *testing.T) {
		rc := testRecommendationConfig()
		rc.Strategy = recommender.StrategyPearson

		snap, err := BuildSnapshot(ctx, matrix, nil, rc)
		require.NoError(t, err)
		assert.Equal(t, recommender.StrategyPearson, snap.Strategy)
		assert.Equal(t, matrix.Fingerprint()+"-mc2", snap.Version)

		_, err = snap.Recommender.Recommend("A", 2, 2)
		assert.NoError(t, err)

		rc.MinCommonItems = 3
		stricter, err := BuildSnapshot(ctx, matrix, nil, rc)
		require.NoError(t, err)
		assert.NotEqual(t, snap.Version, stricter.Version)
		assert.NotEqual(t,
			NeighborsKey(snap.Version, snap.Strategy, "A", 2),
			NeighborsKey(stricter.Version, stricter.Strategy, "A", 2))
	})

	t.Run("precomputed neighbors match live neighbors", func(t *testing.T) {
		rc := testRecommendationConfig()
		rc.Precompute.Enabled = true
		rc.Precompute.K = 2

		pre, err := BuildSnapshot(ctx, matrix, nil, rc)
		require.NoError(t, err)
		require.NotNil(t, pre.Precomputed)
		assert.Equal(t, 3, pre.Precomputed.Len())
		assert.Equal(t, 2, pre.Info().PrecomputedK)

		live, err := BuildSnapshot(ctx, matrix, nil, testRecommendationConfig())
		require.NoError(t, err)

		for _, user := range matrix.AllUsers() {
			want, err := live.Recommender.Neighbors(user, 2)
			require.NoError(t, err)
			got, err := pre.Recommender.Neighbors(user, 2)
			require.NoError(t, err)
			assert.Equal(t, want, got, user)
		}
	})

	t.Run("pretrained version includes the model", func(t *testing.T) {
		index, err := recommender.BuildSimilarityIndex(recommender.NewDenseCosine(matrix), []string{"A", "B"})
		require.NoError(t, err)

		rc := testRecommendationConfig()
		rc.Strategy = recommender.StrategyPretrained
		rc.Precompute.Enabled = true

		snap, err := BuildSnapshot(ctx, matrix, index, rc)
		require.NoError(t, err)
		assert.Equal(t, matrix.Fingerprint()+"-"+index.Fingerprint(), snap.Version)
		// C is outside the model vocabulary
		assert.Equal(t, 2, snap.Precomputed.Len())

		_, err = snap.Recommender.Neighbors("C", 2)
		var unknown *recommender.UnknownUserError
		require.ErrorAs(t, err, &unknown)
		assert.Equal(t, recommender.SourceModel, unknown.Source)
	})

	t.Run("pretrained without a model", func(t *testing.T) {
		rc := testRecommendationConfig()
		rc.Strategy = recommender.StrategyPretrained

		_, err := BuildSnapshot(ctx, matrix, nil, rc)
		assert.Error(t, err)
	})

	t.Run("unknown strategy", func(t *testing.T) {
		rc := testRecommendationConfig()
		rc.Strategy = "jaccard"

		_, err := BuildSnapshot(ctx, matrix, nil, rc)
		assert.ErrorContains(t, err, "jaccard")
	})
}

func TestSnapshotManager_PretrainedModel(t *testing.T) {
	matrix := exampleMatrix(t)
	index, err := recommender.BuildSimilarityIndex(recommender.NewDenseCosine(matrix), matrix.AllUsers())
	require.NoError(t, err)

	rc := testRecommendationConfig()
	rc.Strategy = recommender.StrategyPretrained

	t.Run("model is loaded", func(t *testing.T) {
		m := newManager(&fakeProvider{matrix: matrix}, &fakeModel{index: index}, rc, testMetrics())

		snap, _, err := m.Reload(context.Background(), "startup")
		require.NoError(t, err)

		items, err := snap.Recommender.Recommend("A", 2, 2)
		require.NoError(t, err)
		assert.Equal(t, []recommender.ScoredItem{{ItemID: "z", Score: 5.0}}, items)
	})

	t.Run("missing model provider", func(t *testing.T) {
		m := newManager(&fakeProvider{matrix: matrix}, nil, rc, testMetrics())

		_, _, err := m.Reload(context.Background(), "startup")
		assert.Error(t, err)
		assert.False(t, errors.Is(err, ErrSnapshotNotReady))
	})
}
