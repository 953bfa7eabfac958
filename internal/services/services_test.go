package services

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/temcen/neighborly/internal/config"
	"github.com/temcen/neighborly/internal/database"
	"github.com/temcen/neighborly/pkg/models"
)

const exampleDocument = `{
	"ratings": [
		{"user_id": "A", "item_id": "x", "rating": 5},
		{"user_id": "A", "item_id": "y", "rating": 3},
		{"user_id": "B", "item_id": "x", "rating": 4},
		{"user_id": "B", "item_id": "y", "rating": 4},
		{"user_id": "B", "item_id": "z", "rating": 5},
		{"user_id": "C", "item_id": "z", "rating": 1}
	]
}`

func fileConfig(t *testing.T) *config.Config {
	t.Helper()

	path := filepath.Join(t.TempDir(), "ratings.json")
	require.NoError(t, os.WriteFile(path, []byte(exampleDocument), 0o600))

	return &config.Config{
		Recommendation: testRecommendationConfig(),
		Ratings: config.RatingsConfig{
			Source:      "file",
			FilePath:    path,
			ScaleMin:    1,
			ScaleMax:    5,
			LoadTimeout: 5 * time.Second,
		},
		Auth: testAuthConfig(),
	}
}

func TestNew_FileSource(t *testing.T) {
	ctx := context.Background()
	db := &database.Database{Redis: &database.RedisClients{}}

	svc, err := New(fileConfig(t), testLogger(), db, prometheus.NewRegistry())
	require.NoError(t, err)
	defer svc.Close()

	assert.Nil(t, svc.Cache, "no redis configured")
	assert.Nil(t, svc.MessageBus)

	_, err = svc.Recommendations.Recommend(ctx, "A", 2, 2)
	assert.ErrorIs(t, err, ErrSnapshotNotReady)

	require.NoError(t, svc.ReloadOnEvent(ctx, models.RatingsChangedEvent{EventID: "e1"}))

	resp, err := svc.Recommendations.Recommend(ctx, "A", 2, 2)
	require.NoError(t, err)
	assert.Equal(t, []models.Recommendation{{ItemID: "z", Score: 5.0, Position: 1}}, resp.Recommendations)

	snap, err := svc.Snapshots.Current()
	require.NoError(t, err)
	assert.Equal(t, "file", snap.Source)
	assert.Equal(t, 6, snap.Info().Ratings)

	assert.Equal(t, "healthy", svc.Health.CheckHealth(ctx).Status)
}

func TestNew_ProviderSelection(t *testing.T) {
	db := &database.Database{Redis: &database.RedisClients{}}

	t.Run("postgres without a pool", func(t *testing.T) {
		cfg := fileConfig(t)
		cfg.Ratings.Source = "postgres"
		_, err := New(cfg, testLogger(), db, prometheus.NewRegistry())
		assert.ErrorContains(t, err, "database.url")
	})

	t.Run("neo4j without a driver", func(t *testing.T) {
		cfg := fileConfig(t)
		cfg.Ratings.Source = "neo4j"
		_, err := New(cfg, testLogger(), db, prometheus.NewRegistry())
		assert.ErrorContains(t, err, "neo4j.url")
	})

	t.Run("pretrained model from file", func(t *testing.T) {
		cfg := fileConfig(t)
		cfg.Recommendation.Strategy = "pretrained"
		cfg.Recommendation.Model = config.ModelConfig{Source: "file", Path: filepath.Join(t.TempDir(), "model.json")}

		svc, err := New(cfg, testLogger(), db, prometheus.NewRegistry())
		require.NoError(t, err)

		// the model file does not exist, so the first load fails
		_, _, err = svc.Snapshots.Reload(context.Background(), "startup")
		assert.Error(t, err)
	})
}
