package ratingsource

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"github.com/temcen/neighborly/internal/recommender"
)

// DatabaseQuerier interface for database operations
type DatabaseQuerier interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
}

const (
	ratingsQuery = `SELECT user_id, item_id, rating FROM ratings`

	// users without any rating still get a row in the matrix
	usersQuery = `SELECT user_id FROM users`

	modelUsersQuery = `
		SELECT inner_id, user_id
		FROM neighbor_model_users
		ORDER BY inner_id`

	modelSimilaritiesQuery = `
		SELECT inner_a, inner_b, similarity
		FROM neighbor_model_similarities`
)

// Postgres loads the rating matrix from the ratings table.
type Postgres struct {
	db           DatabaseQuerier
	scale        recommender.Scale
	includeUsers bool
	logger       *logrus.Logger
}

// NewPostgres creates a provider. When includeUsers is set, every row of the
// users table is registered, including users who have not rated anything.
func NewPostgres(db DatabaseQuerier, scale recommender.Scale, includeUsers bool, logger *logrus.Logger) *Postgres {
	return &Postgres{
		db:           db,
		scale:        scale,
		includeUsers: includeUsers,
		logger:       logger,
	}
}

func (p *Postgres) Name() string { return "postgres" }

func (p *Postgres) Load(ctx context.Context) (*recommender.Matrix, error) {
	loader := newMatrixLoader(p.scale)

	if err := p.loadRatings(ctx, loader); err != nil {
		return nil, err
	}
	if p.includeUsers {
		if err := p.loadUsers(ctx, loader); err != nil {
			return nil, err
		}
	}

	m := loader.build()
	p.logger.WithFields(logrus.Fields{
		"users":   m.NumUsers(),
		"items":   m.NumItems(),
		"ratings": m.NumRatings(),
	}).Debug("Loaded ratings from PostgreSQL")

	return m, nil
}

func (p *Postgres) loadRatings(ctx context.Context, loader *matrixLoader) error {
	rows, err := p.db.Query(ctx, ratingsQuery)
	if err != nil {
		return fmt.Errorf("ratings query failed: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var user, item string
		var rating float64
		if err := rows.Scan(&user, &item, &rating); err != nil {
			return fmt.Errorf("failed to scan rating: %w", err)
		}
		if err := loader.add(user, item, rating); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("ratings query failed: %w", err)
	}
	return nil
}

func (p *Postgres) loadUsers(ctx context.Context, loader *matrixLoader) error {
	rows, err := p.db.Query(ctx, usersQuery)
	if err != nil {
		return fmt.Errorf("users query failed: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var user string
		if err := rows.Scan(&user); err != nil {
			return fmt.Errorf("failed to scan user: %w", err)
		}
		if err := loader.addUser(user); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("users query failed: %w", err)
	}
	return nil
}

// PostgresModel loads a pre-trained neighbor model from
// neighbor_model_users and neighbor_model_similarities. Inner ids must be
// contiguous from 0.
type PostgresModel struct {
	db     DatabaseQuerier
	logger *logrus.Logger
}

func NewPostgresModel(db DatabaseQuerier, logger *logrus.Logger) *PostgresModel {
	return &PostgresModel{db: db, logger: logger}
}

func (p *PostgresModel) Name() string { return "postgres" }

func (p *PostgresModel) LoadModel(ctx context.Context) (*recommender.SimilarityIndex, error) {
	users, err := p.loadVocabulary(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := p.db.Query(ctx, modelSimilaritiesQuery)
	if err != nil {
		return nil, fmt.Errorf("model similarities query failed: %w", err)
	}
	defer rows.Close()

	var pairs []pair
	for rows.Next() {
		var e pair
		if err := rows.Scan(&e.a, &e.b, &e.similarity); err != nil {
			return nil, fmt.Errorf("failed to scan model similarity: %w", err)
		}
		pairs = append(pairs, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("model similarities query failed: %w", err)
	}

	index, err := buildIndex(users, pairs)
	if err != nil {
		return nil, fmt.Errorf("invalid neighbor model: %w", err)
	}

	p.logger.WithFields(logrus.Fields{
		"users": index.NumUsers(),
		"pairs": len(pairs),
	}).Debug("Loaded neighbor model from PostgreSQL")

	return index, nil
}

func (p *PostgresModel) loadVocabulary(ctx context.Context) ([]string, error) {
	rows, err := p.db.Query(ctx, modelUsersQuery)
	if err != nil {
		return nil, fmt.Errorf("model users query failed: %w", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var inner int
		var user string
		if err := rows.Scan(&inner, &user); err != nil {
			return nil, fmt.Errorf("failed to scan model user: %w", err)
		}
		if inner != len(users) {
			return nil, fmt.Errorf("model inner ids must be contiguous from 0: got %d at position %d", inner, len(users))
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("model users query failed: %w", err)
	}
	return users, nil
}
