package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/temcen/neighborly/internal/config"
	"github.com/temcen/neighborly/pkg/models"
)

// AdminHandler handles snapshot and configuration requests
type AdminHandler struct {
	logger    *logrus.Logger
	config    *config.Config
	snapshots SnapshotAdmin
}

func NewAdminHandler(logger *logrus.Logger, cfg *config.Config, snapshots SnapshotAdmin) *AdminHandler {
	return &AdminHandler{
		logger:    logger,
		config:    cfg,
		snapshots: snapshots,
	}
}

// RecommendationSettings is the API view of the recommendation config.
type RecommendationSettings struct {
	Strategy       string `json:"strategy"`
	KNeighbors     int    `json:"k_neighbors"`
	NResults       int    `json:"n_results"`
	MaxKNeighbors  int    `json:"max_k_neighbors"`
	MaxNResults    int    `json:"max_n_results"`
	MinCommonItems int    `json:"min_common_items"`
	RatingsSource  string `json:"ratings_source"`
	Precompute     struct {
		Enabled bool `json:"enabled"`
		K       int  `json:"k"`
	} `json:"precompute"`
	Caching struct {
		Enabled            bool   `json:"enabled"`
		NeighborsTTL       string `json:"neighbors_ttl"`
		RecommendationsTTL string `json:"recommendations_ttl"`
	} `json:"caching"`
}

// GetSnapshot returns the active snapshot.
func (h *AdminHandler) GetSnapshot(c *gin.Context) {
	snap, err := h.snapshots.Current()
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, snap.Info())
}

// ReloadSnapshot reloads the ratings and swaps the snapshot in when the data
// changed. A failed reload leaves the active snapshot untouched.
func (h *AdminHandler) ReloadSnapshot(c *gin.Context) {
	var previousVersion string
	if prev, err := h.snapshots.Current(); err == nil {
		previousVersion = prev.Version
	}

	snap, changed, err := h.snapshots.Reload(c.Request.Context(), "admin")
	if err != nil {
		h.logger.WithError(err).Error("Manual snapshot reload failed")
		abortWithError(c, http.StatusBadGateway, "RELOAD_FAILED", err.Error())
		return
	}

	resp := models.ReloadResponse{
		Changed:  changed,
		Snapshot: snap.Info(),
	}
	if changed {
		resp.PreviousVersion = previousVersion
	}

	c.JSON(http.StatusOK, resp)
}

// GetConfiguration returns the recommendation settings in effect.
func (h *AdminHandler) GetConfiguration(c *gin.Context) {
	rc := h.config.Recommendation

	settings := RecommendationSettings{
		Strategy:       rc.Strategy,
		KNeighbors:     rc.KNeighbors,
		NResults:       rc.NResults,
		MaxKNeighbors:  rc.MaxKNeighbors,
		MaxNResults:    rc.MaxNResults,
		MinCommonItems: rc.MinCommonItems,
		RatingsSource:  h.config.Ratings.Source,
	}
	settings.Precompute.Enabled = rc.Precompute.Enabled
	settings.Precompute.K = rc.Precompute.K
	settings.Caching.Enabled = rc.Caching.Enabled
	settings.Caching.NeighborsTTL = rc.Caching.NeighborsTTL.String()
	settings.Caching.RecommendationsTTL = rc.Caching.RecommendationsTTL.String()

	c.JSON(http.StatusOK, settings)
}
