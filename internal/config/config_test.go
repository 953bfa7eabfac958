package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app.yaml"), []byte(body), 0o600))
	return dir
}

func TestLoadFrom_Defaults(t *testing.T) {
	dir := writeConfig(t, `
ratings:
  source: file
  file_path: ./ratings.json
`)

	cfg, err := LoadFrom(viper.New(), dir)
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "cosine", cfg.Recommendation.Strategy)
	assert.Equal(t, 10, cfg.Recommendation.KNeighbors)
	assert.Equal(t, 5, cfg.Recommendation.NResults)
	assert.Equal(t, 50, cfg.Recommendation.MaxBatchSize)
	assert.Equal(t, time.Hour, cfg.Recommendation.Caching.NeighborsTTL)
	assert.Equal(t, uint32(5), cfg.Recommendation.Caching.BreakerFailures)
	assert.Equal(t, "ratings-changed", cfg.Kafka.Topics.RatingsChanged)
	assert.Equal(t, "ratings-changed-dlq", cfg.Kafka.Topics.RatingsChangedDLQ)
	assert.Equal(t, 1.0, cfg.Ratings.ScaleMin)
	assert.Equal(t, 5.0, cfg.Ratings.ScaleMax)
	assert.Equal(t, "./ratings.json", cfg.Ratings.FilePath)
}

func TestLoadFrom_EnvironmentOverrides(t *testing.T) {
	dir := writeConfig(t, `
ratings:
  source: file
  file_path: ./ratings.json
`)
	t.Setenv("RECOMMENDATION_STRATEGY", "pearson")
	t.Setenv("RECOMMENDATION_K_NEIGHBORS", "25")
	t.Setenv("LOGGING_FORMAT", "json")

	cfg, err := LoadFrom(viper.New(), dir)
	require.NoError(t, err)

	assert.Equal(t, "pearson", cfg.Recommendation.Strategy)
	assert.Equal(t, 25, cfg.Recommendation.KNeighbors)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoadFrom_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{
			name: "unknown strategy",
			body: "recommendation:\n  strategy: svd\nratings:\n  source: file\n  file_path: r.json\n",
		},
		{
			name: "postgres source without database url",
			body: "ratings:\n  source: postgres\n",
		},
		{
			name: "file source without path",
			body: "ratings:\n  source: file\n",
		},
		{
			name: "pretrained without database",
			body: "recommendation:\n  strategy: pretrained\nratings:\n  source: file\n  file_path: r.json\n",
		},
		{
			name: "pretrained file model without path",
			body: "recommendation:\n  strategy: pretrained\n  model:\n    source: file\nratings:\n  source: file\n  file_path: r.json\n",
		},
		{
			name: "non-positive default neighbors",
			body: "recommendation:\n  k_neighbors: 0\nratings:\n  source: file\n  file_path: r.json\n",
		},
		{
			name: "pearson overlap below two items",
			body: "recommendation:\n  strategy: pearson\n  min_common_items: 1\nratings:\n  source: file\n  file_path: r.json\n",
		},
		{
			name: "inverted scale",
			body: "ratings:\n  source: file\n  file_path: r.json\n  scale_min: 5\n  scale_max: 1\n",
		},
		{
			name: "auth without secret",
			body: "auth:\n  enabled: true\nratings:\n  source: file\n  file_path: r.json\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFrom(viper.New(), writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestLoadFrom_PretrainedFromFile(t *testing.T) {
	dir := writeConfig(t, `
recommendation:
  strategy: pretrained
  model:
    source: file
    path: ./model.json
ratings:
  source: file
  file_path: ./ratings.json
`)

	cfg, err := LoadFrom(viper.New(), dir)
	require.NoError(t, err)
	assert.Equal(t, "pretrained", cfg.Recommendation.Strategy)
	assert.Equal(t, "./model.json", cfg.Recommendation.Model.Path)
}

func TestLoadFrom_MissingFileUsesDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/neighborly")

	cfg, err := LoadFrom(viper.New(), t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Ratings.Source)
	assert.Equal(t, "postgres://localhost/neighborly", cfg.Database.URL)
}
