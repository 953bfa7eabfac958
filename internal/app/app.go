package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/temcen/neighborly/internal/config"
	"github.com/temcen/neighborly/internal/database"
	"github.com/temcen/neighborly/internal/handlers"
	"github.com/temcen/neighborly/internal/middleware"
	"github.com/temcen/neighborly/internal/services"
)

type App struct {
	config   *config.Config
	logger   *logrus.Logger
	registry *prometheus.Registry
	db       *database.Database
	services *services.Services
	handlers *handlers.Handlers
	router   *gin.Engine

	cancel     context.CancelFunc
	background *errgroup.Group
}

func New(cfg *config.Config) (*App, error) {
	app := &App{
		config:   cfg,
		logger:   setupLogger(cfg),
		registry: prometheus.NewRegistry(),
	}

	app.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	// Initialize database connections
	db, err := database.New(cfg, app.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	app.db = db

	// Initialize services
	svc, err := services.New(cfg, app.logger, db, app.registry)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}
	app.services = svc

	app.handlers = handlers.New(app.logger, cfg, svc)

	app.setupRouter()
	app.startBackground()

	return app, nil
}

func (a *App) Router() *gin.Engine {
	return a.router
}

// startBackground loads the first snapshot and starts the collectors and
// the ratings-changed consumer. A failed first load leaves the service
// running but not ready; the next reload can recover it.
func (a *App) startBackground() {
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	if snapshot, _, err := a.services.Snapshots.Reload(ctx, "startup"); err != nil {
		a.logger.WithError(err).Error("Initial snapshot load failed, serving SNAPSHOT_NOT_READY until a reload succeeds")
	} else {
		a.logger.WithFields(logrus.Fields{
			"version": snapshot.Version,
			"users":   snapshot.Matrix.NumUsers(),
			"items":   snapshot.Matrix.NumItems(),
		}).Info("Initial snapshot loaded")
	}

	a.services.Health.Start(ctx)

	group, groupCtx := errgroup.WithContext(ctx)
	if bus := a.services.MessageBus; bus != nil {
		group.Go(func() error {
			err := bus.ConsumeRatingsChanged(groupCtx, a.services.ReloadOnEvent)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}
	a.background = group
}

func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("Shutting down application...")

	a.cancel()

	done := make(chan error, 1)
	go func() { done <- a.background.Wait() }()

	var errs []error
	select {
	case err := <-done:
		if err != nil {
			errs = append(errs, fmt.Errorf("background worker: %w", err))
		}
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("background workers did not stop: %w", ctx.Err()))
	}

	if err := a.services.Close(); err != nil {
		a.logger.WithError(err).Error("Error closing services")
		errs = append(errs, err)
	}

	if err := a.db.Close(); err != nil {
		a.logger.WithError(err).Error("Error closing database connections")
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func setupLogger(cfg *config.Config) *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.Logging.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}

	return logger
}

func (a *App) setupRouter() {
	if a.config.Server.Mode == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	// Global middleware
	router.Use(middleware.RequestID())
	router.Use(middleware.Logger(a.logger))
	router.Use(middleware.Recovery(a.logger))
	router.Use(middleware.CORS(a.config.Security.CORS))
	router.Use(middleware.Security())
	router.Use(middleware.Compression(middleware.DefaultCompressionMinSize))

	// Health check endpoints (no auth required)
	router.GET("/health", a.handlers.Health.Check)
	router.GET("/health/detailed", a.handlers.Health.Detailed)

	if a.config.Monitoring.Enabled {
		router.GET(a.config.Monitoring.MetricsPath, gin.WrapH(promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{})))
	}

	api := router.Group("/api/v1")
	api.Use(middleware.ValidateHeaders())

	// Token exchange sits outside the authenticated group
	api.POST("/auth/token", a.handlers.Auth.IssueToken)

	protected := api.Group("")
	if a.config.Auth.Enabled {
		protected.Use(middleware.Auth(a.services.Auth, a.logger))
		protected.Use(middleware.RateLimit(a.services.RateLimit, a.logger))
	}
	protected.Use(middleware.ValidatePathParams())
	{
		recommendations := protected.Group("/recommendations")
		{
			recommendations.POST("/batch", a.handlers.Recommendation.GetBatch)
			recommendations.GET("/:userId", a.handlers.Recommendation.Get)
		}

		users := protected.Group("/users")
		{
			users.GET("/:userId/neighbors", a.handlers.Recommendation.GetNeighbors)
		}

		admin := protected.Group("/admin")
		{
			admin.GET("/snapshot", a.handlers.Admin.GetSnapshot)
			admin.POST("/snapshot/reload", a.handlers.Admin.ReloadSnapshot)
			admin.GET("/config", a.handlers.Admin.GetConfiguration)
		}
	}

	a.router = router
}
