package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/temcen/neighborly/internal/config"
)

func testAuthConfig() config.AuthConfig {
	return config.AuthConfig{
		Enabled:   true,
		JWTSecret: "test-secret",
		TokenTTL:  time.Hour,
		RateLimit: config.RateLimitConfig{Default: 100, Premium: 1000, Window: time.Hour},
		APIKeys:   map[string]string{"free-key": "free", "premium-key": "premium"},
	}
}

func TestAuthService_Tokens(t *testing.T) {
	ctx := context.Background()
	svc := NewAuthService(testAuthConfig(), testLogger(), nil)

	resp, err := svc.GenerateToken(ctx, "alice", "free-key", "free")
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Token)
	assert.Equal(t, "free", resp.UserTier)
	assert.WithinDuration(t, time.Now().Add(time.Hour), resp.ExpiresAt, time.Minute)

	claims, err := svc.ValidateToken(ctx, resp.Token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.UserID)
	assert.Equal(t, "free", claims.UserTier)

	t.Run("wrong secret", func(t *testing.T) {
		other := testAuthConfig()
		other.JWTSecret = "another-secret"
		_, err := NewAuthService(other, testLogger(), nil).ValidateToken(ctx, resp.Token)
		assert.Error(t, err)
	})

	t.Run("expired", func(t *testing.T) {
		cfg := testAuthConfig()
		cfg.TokenTTL = -time.Minute
		expiring := NewAuthService(cfg, testLogger(), nil)

		old, err := expiring.GenerateToken(ctx, "alice", "free-key", "free")
		require.NoError(t, err)
		_, err = expiring.ValidateToken(ctx, old.Token)
		assert.Error(t, err)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := svc.ValidateToken(ctx, "not-a-token")
		assert.Error(t, err)
	})
}

func TestAuthService_ValidateAPIKey(t *testing.T) {
	svc := NewAuthService(testAuthConfig(), testLogger(), nil)

	tier, err := svc.ValidateAPIKey("premium-key")
	require.NoError(t, err)
	assert.Equal(t, "premium", tier)

	_, err = svc.ValidateAPIKey("unknown")
	assert.ErrorIs(t, err, ErrInvalidAPIKey)
}

func TestRateLimitService_WithoutRedis(t *testing.T) {
	svc := NewRateLimitService(testAuthConfig().RateLimit, testLogger(), nil)

	allowed, info := svc.IsAllowed(context.Background(), "alice", "premium")
	assert.True(t, allowed)
	assert.Equal(t, 1000, info.Limit)

	_, info = svc.IsAllowed(context.Background(), "alice", "enterprise")
	assert.Equal(t, 10000, info.Limit)

	_, info = svc.IsAllowed(context.Background(), "alice", "")
	assert.Equal(t, 100, info.Limit)
}

func TestHealthService_CheckHealth(t *testing.T) {
	ok := func(context.Context) error { return nil }
	down := func(context.Context) error { return errors.New("down") }

	tests := []struct {
		name        string
		checks      []HealthCheck
		status      string
		critical    []string
		nonCritical []string
	}{
		{
			name: "all healthy",
			checks: []HealthCheck{
				{Name: "snapshot", Critical: true, Check: ok},
				{Name: "redis_warm", Check: ok},
			},
			status: "healthy",
		},
		{
			name: "non-critical failure degrades",
			checks: []HealthCheck{
				{Name: "snapshot", Critical: true, Check: ok},
				{Name: "redis_warm", Check: down},
			},
			status:      "degraded",
			nonCritical: []string{"redis_warm"},
		},
		{
			name: "critical failure",
			checks: []HealthCheck{
				{Name: "snapshot", Critical: true, Check: down},
				{Name: "postgresql", Critical: true, Check: ok},
				{Name: "redis_hot", Check: down},
			},
			status:      "unhealthy",
			critical:    []string{"snapshot"},
			nonCritical: []string{"redis_hot"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hs := NewHealthServiceWithChecks(tt.checks, prometheus.NewRegistry(), testLogger())
			status := hs.CheckHealth(context.Background())

			assert.Equal(t, tt.status, status.Status)
			assert.Equal(t, tt.critical, status.Critical)
			assert.Equal(t, tt.nonCritical, status.NonCritical)
			assert.Len(t, status.Services, len(tt.checks))
		})
	}
}

func TestNewHealthService_SnapshotReadiness(t *testing.T) {
	cfg := &config.Config{}
	hs := NewHealthService(cfg, nil, &staticSnapshots{}, prometheus.NewRegistry(), testLogger())

	status := hs.CheckHealth(context.Background())
	assert.Equal(t, "unhealthy", status.Status)
	assert.Equal(t, []string{"snapshot"}, status.Critical)
}
