package services

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/temcen/neighborly/internal/config"
	"github.com/temcen/neighborly/internal/database"
	"github.com/temcen/neighborly/internal/messaging"
	"github.com/temcen/neighborly/internal/ratingsource"
	"github.com/temcen/neighborly/internal/recommender"
	"github.com/temcen/neighborly/internal/validation"
	"github.com/temcen/neighborly/pkg/models"
)

type Services struct {
	Metrics         *Metrics
	Snapshots       *SnapshotManager
	Cache           *ResultCache
	Recommendations *RecommendationService
	Auth            *AuthService
	RateLimit       *RateLimitService
	Health          *HealthService
	// MessageBus is nil when Kafka is disabled.
	MessageBus *messaging.MessageBus

	logger *logrus.Logger
}

func New(cfg *config.Config, logger *logrus.Logger, db *database.Database, reg prometheus.Registerer) (*Services, error) {
	metrics := NewMetrics(reg, logger)

	validator, err := validation.NewSchemaValidator()
	if err != nil {
		return nil, fmt.Errorf("failed to load schemas: %w", err)
	}

	provider, err := newRatingsProvider(cfg, db, validator, logger)
	if err != nil {
		return nil, err
	}

	var model ratingsource.ModelProvider
	if cfg.Recommendation.Strategy == recommender.StrategyPretrained {
		model, err = newModelProvider(cfg, db, validator, logger)
		if err != nil {
			return nil, err
		}
	}

	snapshots := NewSnapshotManager(provider, model, cfg, metrics, logger)

	var cache *ResultCache
	if cfg.Recommendation.Caching.Enabled && db.Redis.Warm != nil {
		cache = NewResultCache(db.Redis.Warm, cfg.Recommendation.Caching, metrics, logger)
	}

	s := &Services{
		Metrics:         metrics,
		Snapshots:       snapshots,
		Cache:           cache,
		Recommendations: NewRecommendationService(snapshots, cache, cfg.Recommendation, metrics, logger),
		Auth:            NewAuthService(cfg.Auth, logger, db.Redis.Hot),
		RateLimit:       NewRateLimitService(cfg.Auth.RateLimit, logger, db.Redis.Hot),
		Health:          NewHealthService(cfg, db, snapshots, reg, logger),
		logger:          logger,
	}

	if cfg.Kafka.Enabled {
		s.MessageBus = messaging.NewMessageBus(cfg.Kafka, metrics.EventsConsumed, logger)
		snapshots.OnSwap(s.publishSwap)
	}

	return s, nil
}

// ReloadOnEvent is the ratings-changed handler: every event reloads the
// snapshot.
func (s *Services) ReloadOnEvent(ctx context.Context, event models.RatingsChangedEvent) error {
	_, _, err := s.Snapshots.Reload(ctx, "kafka")
	return err
}

func (s *Services) publishSwap(ctx context.Context, trigger string, previous, current *Snapshot) {
	var previousVersion string
	if previous != nil {
		previousVersion = previous.Version
	}

	event := messaging.NewSnapshotEvent(trigger, previousVersion, current.Info())
	if err := s.MessageBus.PublishSnapshotEvent(ctx, event); err != nil {
		// the swap already happened; consumers catch up on the next one
		s.logger.WithError(err).Warn("Failed to publish snapshot event")
	}
}

func (s *Services) Close() error {
	if s.MessageBus != nil {
		return s.MessageBus.Close()
	}
	return nil
}

func newRatingsProvider(
	cfg *config.Config,
	db *database.Database,
	validator *validation.SchemaValidator,
	logger *logrus.Logger,
) (ratingsource.Provider, error) {
	scale := recommender.Scale{Min: cfg.Ratings.ScaleMin, Max: cfg.Ratings.ScaleMax}

	switch cfg.Ratings.Source {
	case "postgres":
		if db.PG == nil {
			return nil, fmt.Errorf("ratings source postgres needs database.url")
		}
		return ratingsource.NewPostgres(db.PG, scale, cfg.Ratings.IncludeUsers, logger), nil
	case "neo4j":
		if db.Neo4j == nil {
			return nil, fmt.Errorf("ratings source neo4j needs neo4j.url")
		}
		return ratingsource.NewNeo4j(db.Neo4j, scale, logger), nil
	case "file":
		return ratingsource.NewFile(cfg.Ratings.FilePath, scale, validator, logger), nil
	default:
		return nil, fmt.Errorf("unsupported ratings source %q", cfg.Ratings.Source)
	}
}

func newModelProvider(
	cfg *config.Config,
	db *database.Database,
	validator *validation.SchemaValidator,
	logger *logrus.Logger,
) (ratingsource.ModelProvider, error) {
	switch cfg.Recommendation.Model.Source {
	case "postgres":
		if db.PG == nil {
			return nil, fmt.Errorf("model source postgres needs database.url")
		}
		return ratingsource.NewPostgresModel(db.PG, logger), nil
	case "file":
		return ratingsource.NewFileModel(cfg.Recommendation.Model.Path, validator, logger), nil
	default:
		return nil, fmt.Errorf("unsupported model source %q", cfg.Recommendation.Model.Source)
	}
}
