package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/temcen/neighborly/pkg/models"
)

const (
	ContextUserID   = "user_id"
	ContextUserTier = "user_tier"
	ContextAPIKey   = "api_key"
)

// Authenticator validates API keys and bearer tokens.
type Authenticator interface {
	ValidateAPIKey(apiKey string) (string, error)
	ValidateToken(ctx context.Context, tokenString string) (*models.JWTClaims, error)
}

func Auth(authService Authenticator, logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			abort(c, http.StatusUnauthorized, "MISSING_AUTHORIZATION", "Authorization header is required")
			return
		}

		tokenParts := strings.Split(authHeader, " ")
		if len(tokenParts) != 2 || tokenParts[0] != "Bearer" {
			abort(c, http.StatusUnauthorized, "INVALID_AUTHORIZATION_FORMAT", "Authorization header must be in format 'Bearer <token>'")
			return
		}

		tokenString := tokenParts[1]

		// API keys carry no dots, JWTs always do
		if !strings.Contains(tokenString, ".") {
			userTier, err := authService.ValidateAPIKey(tokenString)
			if err != nil {
				logger.WithError(err).Warn("Invalid API key")
				abort(c, http.StatusUnauthorized, "INVALID_API_KEY", "Invalid API key")
				return
			}

			userID := strings.TrimSpace(c.GetHeader("X-User-ID"))
			if len(userID) > 255 {
				abort(c, http.StatusBadRequest, "INVALID_USER_ID", "X-User-ID must be at most 255 characters")
				return
			}
			if userID == "" {
				// rate limits then apply per key
				userID = "api_key:" + tokenString
			}

			c.Set(ContextUserID, userID)
			c.Set(ContextUserTier, userTier)
			c.Set(ContextAPIKey, tokenString)
			c.Next()
			return
		}

		claims, err := authService.ValidateToken(c.Request.Context(), tokenString)
		if err != nil {
			logger.WithError(err).Warn("Invalid JWT token")
			abort(c, http.StatusUnauthorized, "INVALID_TOKEN", "Invalid or expired token")
			return
		}

		c.Set(ContextUserID, claims.UserID)
		c.Set(ContextUserTier, claims.UserTier)
		c.Set(ContextAPIKey, claims.APIKey)
		c.Next()
	}
}

// GetUserFromContext returns the caller identity set by Auth. Values are
// empty when the route is not authenticated.
func GetUserFromContext(c *gin.Context) (userID, userTier, apiKey string) {
	return c.GetString(ContextUserID), c.GetString(ContextUserTier), c.GetString(ContextAPIKey)
}

func abort(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	})
}
