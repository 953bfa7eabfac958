package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/temcen/neighborly/internal/config"
	"github.com/temcen/neighborly/internal/services"
	"github.com/temcen/neighborly/pkg/models"
)

// RecommendationService is what the recommendation and neighbor endpoints
// call into.
type RecommendationService interface {
	Recommend(ctx context.Context, userID string, k, n int) (*models.RecommendationResponse, error)
	Neighbors(ctx context.Context, userID string, k int) (*models.NeighborsResponse, error)
	RecommendBatch(ctx context.Context, requests []models.RecommendationRequest) (*models.BatchRecommendationResponse, error)
	Defaults() (k, n int)
}

// SnapshotAdmin exposes the active snapshot and manual reloads.
type SnapshotAdmin interface {
	Current() (*services.Snapshot, error)
	Reload(ctx context.Context, trigger string) (*services.Snapshot, bool, error)
}

type TokenIssuer interface {
	ValidateAPIKey(apiKey string) (string, error)
	GenerateToken(ctx context.Context, userID, apiKey, userTier string) (*models.AuthResponse, error)
}

type Handlers struct {
	Health         *HealthHandler
	Recommendation *RecommendationHandler
	Admin          *AdminHandler
	Auth           *AuthHandler
}

func New(logger *logrus.Logger, cfg *config.Config, svc *services.Services) *Handlers {
	var bus StatsReporter
	if svc.MessageBus != nil {
		bus = svc.MessageBus
	}

	return &Handlers{
		Health:         NewHealthHandler(logger, svc.Health, bus),
		Recommendation: NewRecommendationHandler(svc.Recommendations, logger),
		Admin:          NewAdminHandler(logger, cfg, svc.Snapshots),
		Auth:           NewAuthHandler(svc.Auth, logger),
	}
}

var errorStatus = map[string]int{
	"UNKNOWN_USER":       http.StatusNotFound,
	"INVALID_PARAMETERS": http.StatusBadRequest,
	"SNAPSHOT_NOT_READY": http.StatusServiceUnavailable,
	"INTERNAL_ERROR":     http.StatusInternalServerError,
}

// respondError writes the error envelope for a service error.
func respondError(c *gin.Context, logger *logrus.Logger, err error) {
	code, clientSide := services.ErrorCode(err)
	status, ok := errorStatus[code]
	if !ok {
		status = http.StatusInternalServerError
	}

	message := err.Error()
	if !clientSide {
		entry := logger.WithError(err).WithFields(logrus.Fields{
			"path": c.FullPath(),
			"code": code,
		})
		if status >= http.StatusInternalServerError && code != "SNAPSHOT_NOT_READY" {
			entry.Error("Request failed")
			message = "Internal server error"
		} else {
			entry.Warn("Request failed")
		}
	}

	abortWithError(c, status, code, message)
}

func abortWithError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	})
}
