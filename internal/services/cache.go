package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/temcen/neighborly/internal/config"
	"github.com/temcen/neighborly/internal/recommender"
)

const (
	cacheKindNeighbors       = "neighbors"
	cacheKindRecommendations = "recommendations"
)

var errCacheMiss = errors.New("cache miss")

// CacheBackend is the subset of the Redis client the result cache needs.
type CacheBackend interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// ResultCache keeps neighbor sets and recommendation lists in Redis. Keys
// embed the snapshot version so entries of a replaced snapshot are never
// read again and simply expire. Redis failures trip a circuit breaker and
// degrade to recomputation.
type ResultCache struct {
	redis              CacheBackend
	breaker            *gobreaker.CircuitBreaker[[]byte]
	neighborsTTL       time.Duration
	recommendationsTTL time.Duration
	metrics            *Metrics
	logger             *logrus.Logger
}

func NewResultCache(client CacheBackend, cfg config.CachingConfig, metrics *Metrics, logger *logrus.Logger) *ResultCache {
	c := &ResultCache{
		redis:              client,
		neighborsTTL:       cfg.NeighborsTTL,
		recommendationsTTL: cfg.RecommendationsTTL,
		metrics:            metrics,
		logger:             logger,
	}

	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = 5
	}

	c.breaker = gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "result-cache",
		MaxRequests: 1,
		Timeout:     cfg.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, errCacheMiss)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.BreakerState.WithLabelValues(name).Set(float64(to))
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Circuit breaker state changed")
		},
	})
	metrics.BreakerState.WithLabelValues("result-cache").Set(float64(gobreaker.StateClosed))

	return c
}

func NeighborsKey(version, strategy, user string, k int) string {
	return fmt.Sprintf("neighbors:%s:%s:%s:%d", version, strategy, user, k)
}

func RecommendationsKey(version, strategy, user string, k, n int) string {
	return fmt.Sprintf("recommendations:%s:%s:%s:%d:%d", version, strategy, user, k, n)
}

func (c *ResultCache) GetNeighbors(ctx context.Context, key string) (recommender.NeighborSet, bool) {
	var set recommender.NeighborSet
	if !c.get(ctx, cacheKindNeighbors, key, &set) {
		return nil, false
	}
	return set, true
}

func (c *ResultCache) SetNeighbors(ctx context.Context, key string, set recommender.NeighborSet) {
	c.set(ctx, key, set, c.neighborsTTL)
}

func (c *ResultCache) GetRecommendations(ctx context.Context, key string) ([]recommender.ScoredItem, bool) {
	var items []recommender.ScoredItem
	if !c.get(ctx, cacheKindRecommendations, key, &items) {
		return nil, false
	}
	return items, true
}

func (c *ResultCache) SetRecommendations(ctx context.Context, key string, items []recommender.ScoredItem) {
	c.set(ctx, key, items, c.recommendationsTTL)
}

// State reports the circuit breaker state.
func (c *ResultCache) State() gobreaker.State {
	return c.breaker.State()
}

func (c *ResultCache) get(ctx context.Context, kind, key string, dest interface{}) bool {
	data, err := c.breaker.Execute(func() ([]byte, error) {
		data, err := c.redis.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil, errCacheMiss
		}
		return data, err
	})

	switch {
	case err == nil:
	case errors.Is(err, errCacheMiss):
		c.metrics.CacheRequests.WithLabelValues(kind, "miss").Inc()
		return false
	default:
		c.metrics.CacheRequests.WithLabelValues(kind, "error").Inc()
		c.logger.WithError(err).WithField("key", key).Debug("Cache read failed")
		return false
	}

	if err := json.Unmarshal(data, dest); err != nil {
		c.metrics.CacheRequests.WithLabelValues(kind, "error").Inc()
		c.logger.WithError(err).WithField("key", key).Warn("Discarding undecodable cache entry")
		return false
	}

	c.metrics.CacheRequests.WithLabelValues(kind, "hit").Inc()
	return true
}

func (c *ResultCache) set(ctx context.Context, key string, value interface{}, ttl time.Duration) {
	data, err := json.Marshal(value)
	if err != nil {
		c.logger.WithError(err).Warn("Failed to encode cache entry")
		return
	}

	_, err = c.breaker.Execute(func() ([]byte, error) {
		return nil, c.redis.Set(ctx, key, data, ttl).Err()
	})
	if err != nil {
		c.logger.WithError(err).WithField("key", key).Debug("Cache write failed")
	}
}
