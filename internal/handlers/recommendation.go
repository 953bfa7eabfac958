package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"github.com/temcen/neighborly/pkg/models"
)

type RecommendationHandler struct {
	service   RecommendationService
	validator *validator.Validate
	logger    *logrus.Logger
}

func NewRecommendationHandler(service RecommendationService, logger *logrus.Logger) *RecommendationHandler {
	return &RecommendationHandler{
		service:   service,
		validator: validator.New(),
		logger:    logger,
	}
}

// Get serves GET /recommendations/:userId?k=&n=.
func (h *RecommendationHandler) Get(c *gin.Context) {
	defaultK, defaultN := h.service.Defaults()

	k, ok := intQuery(c, "k", defaultK)
	if !ok {
		return
	}
	n, ok := intQuery(c, "n", defaultN)
	if !ok {
		return
	}

	resp, err := h.service.Recommend(c.Request.Context(), c.Param("userId"), k, n)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// GetNeighbors serves GET /users/:userId/neighbors?k=.
func (h *RecommendationHandler) GetNeighbors(c *gin.Context) {
	defaultK, _ := h.service.Defaults()

	k, ok := intQuery(c, "k", defaultK)
	if !ok {
		return
	}

	resp, err := h.service.Neighbors(c.Request.Context(), c.Param("userId"), k)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (h *RecommendationHandler) GetBatch(c *gin.Context) {
	var batchRequest models.BatchRecommendationRequest
	if err := c.ShouldBindJSON(&batchRequest); err != nil {
		abortWithError(c, http.StatusBadRequest, "INVALID_REQUEST_BODY", "Invalid request body format")
		return
	}

	if err := h.validator.Struct(&batchRequest); err != nil {
		abortWithError(c, http.StatusBadRequest, "INVALID_PARAMETERS", err.Error())
		return
	}

	resp, err := h.service.RecommendBatch(c.Request.Context(), batchRequest.Requests)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// intQuery reads an integer query parameter, falling back to def when it is
// absent. Range checks are left to the service.
func intQuery(c *gin.Context, name string, def int) (int, bool) {
	raw, present := c.GetQuery(name)
	if !present || raw == "" {
		return def, true
	}

	v, err := strconv.Atoi(raw)
	if err != nil {
		abortWithError(c, http.StatusBadRequest, "INVALID_PARAMETERS", "query parameter "+name+" must be an integer")
		return 0, false
	}
	return v, true
}
