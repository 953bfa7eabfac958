package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/temcen/neighborly/internal/services"
)

// StatsReporter adds component statistics to the detailed health report.
type StatsReporter interface {
	GetMetrics() map[string]interface{}
}

type HealthHandler struct {
	logger        *logrus.Logger
	healthService *services.HealthService
	kafka         StatsReporter
}

// NewHealthHandler creates the handler. kafka may be nil.
func NewHealthHandler(logger *logrus.Logger, healthService *services.HealthService, kafka StatsReporter) *HealthHandler {
	return &HealthHandler{
		logger:        logger,
		healthService: healthService,
		kafka:         kafka,
	}
}

func (h *HealthHandler) Check(c *gin.Context) {
	status := h.healthService.CheckHealth(c.Request.Context())
	c.JSON(httpStatus(status.Status), status)
}

// Detailed is Check plus consumer statistics.
func (h *HealthHandler) Detailed(c *gin.Context) {
	status := h.healthService.CheckHealth(c.Request.Context())
	if h.kafka != nil {
		status.Details = map[string]interface{}{"kafka": h.kafka.GetMetrics()}
	}
	c.JSON(httpStatus(status.Status), status)
}

func httpStatus(status string) int {
	switch status {
	case "healthy", "degraded":
		return http.StatusOK
	case "unhealthy":
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
