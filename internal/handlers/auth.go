package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"github.com/temcen/neighborly/internal/services"
	"github.com/temcen/neighborly/pkg/models"
)

type AuthHandler struct {
	issuer    TokenIssuer
	validator *validator.Validate
	logger    *logrus.Logger
}

func NewAuthHandler(issuer TokenIssuer, logger *logrus.Logger) *AuthHandler {
	return &AuthHandler{
		issuer:    issuer,
		validator: validator.New(),
		logger:    logger,
	}
}

// IssueToken exchanges an API key for a bearer token.
func (h *AuthHandler) IssueToken(c *gin.Context) {
	var req models.AuthRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, "INVALID_REQUEST_BODY", "Invalid request body format")
		return
	}
	if err := h.validator.Struct(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}

	tier, err := h.issuer.ValidateAPIKey(req.APIKey)
	if err != nil {
		if !errors.Is(err, services.ErrInvalidAPIKey) {
			h.logger.WithError(err).Error("API key lookup failed")
		}
		abortWithError(c, http.StatusUnauthorized, "INVALID_API_KEY", "Invalid API key")
		return
	}

	resp, err := h.issuer.GenerateToken(c.Request.Context(), req.UserID, req.APIKey, tier)
	if err != nil {
		h.logger.WithError(err).Error("Failed to issue token")
		abortWithError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to issue token")
		return
	}

	c.JSON(http.StatusOK, resp)
}
