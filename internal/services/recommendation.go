package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/temcen/neighborly/internal/config"
	"github.com/temcen/neighborly/internal/ratingsource"
	"github.com/temcen/neighborly/internal/recommender"
	"github.com/temcen/neighborly/pkg/models"
)

// ErrParameterLimit is returned when k or n exceeds the configured maximum.
var ErrParameterLimit = errors.New("parameter exceeds limit")

const batchWorkers = 8

// RecommendationService serves recommendations and neighbor lookups against
// the active snapshot, with an optional result cache in front.
type RecommendationService struct {
	snapshots SnapshotSource
	cache     *ResultCache
	config    config.RecommendationConfig
	metrics   *Metrics
	logger    *logrus.Logger
}

// NewRecommendationService creates the service. cache may be nil.
func NewRecommendationService(
	snapshots SnapshotSource,
	cache *ResultCache,
	cfg config.RecommendationConfig,
	metrics *Metrics,
	logger *logrus.Logger,
) *RecommendationService {
	return &RecommendationService{
		snapshots: snapshots,
		cache:     cache,
		config:    cfg,
		metrics:   metrics,
		logger:    logger,
	}
}

// Defaults returns the neighbor and result counts used when a request
// leaves them out.
func (s *RecommendationService) Defaults() (k, n int) {
	return s.config.KNeighbors, s.config.NResults
}

// Recommend returns up to n items for userID using its k nearest neighbors.
func (s *RecommendationService) Recommend(ctx context.Context, userID string, k, n int) (*models.RecommendationResponse, error) {
	start := time.Now()
	resp, err := s.recommend(ctx, userID, k, n)
	s.observe("recommend", start, err)
	if err == nil {
		s.metrics.RecommendationSize.Observe(float64(len(resp.Recommendations)))
	}
	return resp, err
}

func (s *RecommendationService) recommend(ctx context.Context, userID string, k, n int) (*models.RecommendationResponse, error) {
	if err := s.checkParams(k, n); err != nil {
		return nil, err
	}

	snap, err := s.snapshots.Current()
	if err != nil {
		return nil, err
	}

	user := ratingsource.NormalizeKey(userID)
	resp := &models.RecommendationResponse{
		UserID:          user,
		KNeighbors:      k,
		NResults:        n,
		Strategy:        snap.Strategy,
		SnapshotVersion: snap.Version,
		GeneratedAt:     time.Now(),
	}

	recsKey := RecommendationsKey(snap.Version, snap.Strategy, user, k, n)
	if s.cache != nil {
		if items, ok := s.cache.GetRecommendations(ctx, recsKey); ok {
			resp.Recommendations = toRecommendations(items)
			resp.CacheHit = true
			return resp, nil
		}
	}

	neighbors, _, err := s.neighbors(ctx, snap, user, k)
	if err != nil {
		return nil, err
	}

	items, err := snap.Recommender.RecommendForNeighbors(user, neighbors, n)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		s.cache.SetRecommendations(ctx, recsKey, items)
	}

	s.logger.WithFields(logrus.Fields{
		"user_id":   user,
		"k":         k,
		"n":         n,
		"neighbors": len(neighbors),
		"results":   len(items),
	}).Debug("Recommendations generated")

	resp.Recommendations = toRecommendations(items)
	return resp, nil
}

// Neighbors returns the k most similar users of userID.
func (s *RecommendationService) Neighbors(ctx context.Context, userID string, k int) (*models.NeighborsResponse, error) {
	start := time.Now()
	resp, err := s.neighborsResponse(ctx, userID, k)
	s.observe("neighbors", start, err)
	return resp, err
}

func (s *RecommendationService) neighborsResponse(ctx context.Context, userID string, k int) (*models.NeighborsResponse, error) {
	if err := s.checkParams(k, 1); err != nil {
		return nil, err
	}

	snap, err := s.snapshots.Current()
	if err != nil {
		return nil, err
	}

	user := ratingsource.NormalizeKey(userID)
	set, hit, err := s.neighbors(ctx, snap, user, k)
	if err != nil {
		return nil, err
	}

	out := make([]models.Neighbor, len(set))
	for i, nb := range set {
		out[i] = models.Neighbor{UserID: nb.UserID, Similarity: nb.Similarity}
	}

	return &models.NeighborsResponse{
		UserID:          user,
		KNeighbors:      k,
		Neighbors:       out,
		Strategy:        snap.Strategy,
		SnapshotVersion: snap.Version,
		CacheHit:        hit,
	}, nil
}

// neighbors resolves the neighbor set through the cache. The user is checked
// against the snapshot first so a cached entry never masks an unknown user.
func (s *RecommendationService) neighbors(ctx context.Context, snap *Snapshot, user string, k int) (recommender.NeighborSet, bool, error) {
	if !snap.Matrix.HasUser(user) {
		return nil, false, &recommender.UnknownUserError{UserID: user, Source: recommender.SourceRatings}
	}

	key := NeighborsKey(snap.Version, snap.Strategy, user, k)
	if s.cache != nil {
		if set, ok := s.cache.GetNeighbors(ctx, key); ok {
			return set, true, nil
		}
	}

	set, err := snap.Recommender.Neighbors(user, k)
	if err != nil {
		return nil, false, err
	}

	if s.cache != nil {
		s.cache.SetNeighbors(ctx, key, set)
	}
	return set, false, nil
}

// RecommendBatch serves every request of a batch in parallel. A failing entry
// does not fail the batch; its error is reported in place.
func (s *RecommendationService) RecommendBatch(ctx context.Context, requests []models.RecommendationRequest) (*models.BatchRecommendationResponse, error) {
	if len(requests) > s.config.MaxBatchSize {
		return nil, fmt.Errorf("%w: batch of %d exceeds %d", ErrParameterLimit, len(requests), s.config.MaxBatchSize)
	}

	results := make([]models.BatchRecommendationResult, len(requests))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(batchWorkers)

	for i, req := range requests {
		i, req := i, req
		g.Go(func() error {
			k, n := req.K, req.N
			if k == 0 {
				k = s.config.KNeighbors
			}
			if n == 0 {
				n = s.config.NResults
			}

			result := models.BatchRecommendationResult{UserID: req.UserID}
			resp, err := s.Recommend(gctx, req.UserID, k, n)
			switch {
			case err == nil:
				result.Response = resp
			case errors.Is(err, ErrSnapshotNotReady):
				return err
			default:
				code, _ := ErrorCode(err)
				result.Error = &models.ErrorDetail{Code: code, Message: err.Error()}
			}
			results[i] = result
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return &models.BatchRecommendationResponse{Results: results}, nil
}

func (s *RecommendationService) checkParams(k, n int) error {
	if err := recommender.ValidateParams(k, n); err != nil {
		return err
	}
	if k > s.config.MaxKNeighbors {
		return fmt.Errorf("%w: k_neighbors %d exceeds %d", ErrParameterLimit, k, s.config.MaxKNeighbors)
	}
	if n > s.config.MaxNResults {
		return fmt.Errorf("%w: n_results %d exceeds %d", ErrParameterLimit, n, s.config.MaxNResults)
	}
	return nil
}

func (s *RecommendationService) observe(operation string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome, _ = ErrorCode(err)
	}
	s.metrics.RequestsTotal.WithLabelValues(operation, outcome).Inc()
	s.metrics.RequestDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// ErrorCode maps a service error to its API error code. The bool is false
// for errors that are not the caller's fault.
func ErrorCode(err error) (string, bool) {
	switch {
	case errors.Is(err, recommender.ErrUnknownUser):
		return "UNKNOWN_USER", true
	case errors.Is(err, recommender.ErrInvalidConfiguration), errors.Is(err, ErrParameterLimit):
		return "INVALID_PARAMETERS", true
	case errors.Is(err, ErrSnapshotNotReady):
		return "SNAPSHOT_NOT_READY", false
	default:
		return "INTERNAL_ERROR", false
	}
}

func toRecommendations(items []recommender.ScoredItem) []models.Recommendation {
	out := make([]models.Recommendation, len(items))
	for i, item := range items {
		out[i] = models.Recommendation{
			ItemID:   item.ItemID,
			Score:    item.Score,
			Position: i + 1,
		}
	}
	return out
}
