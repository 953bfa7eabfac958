package services

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/temcen/neighborly/internal/config"
	"github.com/temcen/neighborly/pkg/models"
)

// RateLimitService enforces per-user sliding window limits in Redis. It
// fails open: with no client, or when Redis errors, every request passes.
type RateLimitService struct {
	config      config.RateLimitConfig
	logger      *logrus.Logger
	redisClient *redis.Client
}

func NewRateLimitService(cfg config.RateLimitConfig, logger *logrus.Logger, redisClient *redis.Client) *RateLimitService {
	return &RateLimitService{
		config:      cfg,
		logger:      logger,
		redisClient: redisClient,
	}
}

func (s *RateLimitService) CheckLimit(ctx context.Context, userID, userTier string) *models.RateLimitInfo {
	limit := s.limitForTier(userTier)
	window := s.config.Window
	now := time.Now()

	permissive := &models.RateLimitInfo{
		Limit:     limit,
		Remaining: limit,
		ResetTime: now.Add(window).Unix(),
	}
	if s.redisClient == nil {
		return permissive
	}

	key := fmt.Sprintf("rate_limit:user:%s", userID)
	windowStart := now.Add(-window)

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	pipe := s.redisClient.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(windowStart.UnixNano(), 10))
	countCmd := pipe.ZCard(ctx, key)
	pipe.ZAdd(ctx, key, redis.Z{
		Score:  float64(now.UnixNano()),
		Member: strconv.FormatInt(now.UnixNano(), 10),
	})
	pipe.Expire(ctx, key, window)

	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.WithError(err).Warn("Rate limit check failed, allowing request")
		return permissive
	}

	// countCmd is the count before this request was added
	remaining := limit - int(countCmd.Val()) - 1
	if remaining < -1 {
		remaining = -1
	}

	return &models.RateLimitInfo{
		Limit:     limit,
		Remaining: remaining,
		ResetTime: now.Add(window).Unix(),
	}
}

// IsAllowed reports whether userID may make another request. The returned
// info never reports a negative remaining count.
func (s *RateLimitService) IsAllowed(ctx context.Context, userID, userTier string) (bool, *models.RateLimitInfo) {
	info := s.CheckLimit(ctx, userID, userTier)
	allowed := info.Remaining >= 0
	if info.Remaining < 0 {
		info.Remaining = 0
	}
	return allowed, info
}

func (s *RateLimitService) limitForTier(userTier string) int {
	switch userTier {
	case "premium":
		return s.config.Premium
	case "enterprise":
		return s.config.Premium * 10
	default:
		return s.config.Default
	}
}
