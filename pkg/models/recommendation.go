package models

import "time"

type Recommendation struct {
	ItemID   string  `json:"item_id"`
	Score    float64 `json:"score"`
	Position int     `json:"position"`
}

type Neighbor struct {
	UserID     string  `json:"user_id"`
	Similarity float64 `json:"similarity"`
}

// RecommendationRequest is one entry of a batch. Zero K or N means the
// configured default.
type RecommendationRequest struct {
	UserID string `json:"user_id" validate:"required,max=255"`
	K      int    `json:"k,omitempty" validate:"omitempty,min=1"`
	N      int    `json:"n,omitempty" validate:"omitempty,min=1"`
}

type RecommendationResponse struct {
	UserID          string           `json:"user_id"`
	Recommendations []Recommendation `json:"recommendations"`
	KNeighbors      int              `json:"k_neighbors"`
	NResults        int              `json:"n_results"`
	Strategy        string           `json:"strategy"`
	SnapshotVersion string           `json:"snapshot_version"`
	GeneratedAt     time.Time        `json:"generated_at"`
	CacheHit        bool             `json:"cache_hit"`
}

// BatchRecommendationRequest carries up to recommendation.max_batch_size
// entries; the limit is enforced by the service.
type BatchRecommendationRequest struct {
	Requests []RecommendationRequest `json:"requests" validate:"required,min=1,dive"`
}

// BatchRecommendationResult carries either a response or the error of one
// batch entry.
type BatchRecommendationResult struct {
	UserID   string                  `json:"user_id"`
	Response *RecommendationResponse `json:"response,omitempty"`
	Error    *ErrorDetail            `json:"error,omitempty"`
}

type BatchRecommendationResponse struct {
	Results []BatchRecommendationResult `json:"results"`
}

type NeighborsResponse struct {
	UserID          string     `json:"user_id"`
	KNeighbors      int        `json:"k_neighbors"`
	Neighbors       []Neighbor `json:"neighbors"`
	Strategy        string     `json:"strategy"`
	SnapshotVersion string     `json:"snapshot_version"`
	CacheHit        bool       `json:"cache_hit"`
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
