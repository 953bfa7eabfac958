package middleware

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/temcen/neighborly/pkg/models"
)

type RateLimiter interface {
	IsAllowed(ctx context.Context, userID, userTier string) (bool, *models.RateLimitInfo)
}

// RateLimit must run after Auth. Requests without a caller identity are
// limited by client IP on the free tier.
func RateLimit(limiter RateLimiter, logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, userTier, _ := GetUserFromContext(c)
		if userID == "" {
			userID = "ip:" + c.ClientIP()
		}
		if userTier == "" {
			userTier = "free"
		}

		allowed, info := limiter.IsAllowed(c.Request.Context(), userID, userTier)

		c.Header("X-RateLimit-Limit", strconv.Itoa(info.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(info.Remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(info.ResetTime, 10))

		if !allowed {
			logger.WithFields(logrus.Fields{
				"user_id":   userID,
				"user_tier": userTier,
				"limit":     info.Limit,
			}).Warn("Rate limit exceeded")

			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": gin.H{
					"code":    "RATE_LIMIT_EXCEEDED",
					"message": "Rate limit exceeded. Please try again later.",
				},
				"rate_limit": info,
			})
			return
		}

		c.Next()
	}
}
