package ratingsource

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/sirupsen/logrus"

	"github.com/temcen/neighborly/internal/recommender"
)

const (
	ratedQuery = `
		MATCH (u:User)-[r:RATED]->(i:Item)
		RETURN u.user_id AS user_id, i.item_id AS item_id, r.rating AS rating`

	graphUsersQuery = `
		MATCH (u:User)
		RETURN u.user_id AS user_id`
)

// Neo4j loads the rating matrix from (:User)-[:RATED]->(:Item) edges.
type Neo4j struct {
	driver neo4j.DriverWithContext
	scale  recommender.Scale
	logger *logrus.Logger
}

func NewNeo4j(driver neo4j.DriverWithContext, scale recommender.Scale, logger *logrus.Logger) *Neo4j {
	return &Neo4j{driver: driver, scale: scale, logger: logger}
}

func (n *Neo4j) Name() string { return "neo4j" }

func (n *Neo4j) Load(ctx context.Context) (*recommender.Matrix, error) {
	session := n.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	loader := newMatrixLoader(n.scale)

	result, err := session.Run(ctx, ratedQuery, nil)
	if err != nil {
		return nil, fmt.Errorf("rated query failed: %w", err)
	}
	for result.Next(ctx) {
		user, item, rating, err := ratingFromRecord(result.Record())
		if err != nil {
			return nil, err
		}
		if err := loader.add(user, item, rating); err != nil {
			return nil, err
		}
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("rated query failed: %w", err)
	}

	// isolated user nodes are users without ratings
	result, err = session.Run(ctx, graphUsersQuery, nil)
	if err != nil {
		return nil, fmt.Errorf("users query failed: %w", err)
	}
	for result.Next(ctx) {
		user, err := stringField(result.Record(), "user_id")
		if err != nil {
			return nil, err
		}
		if err := loader.addUser(user); err != nil {
			return nil, err
		}
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("users query failed: %w", err)
	}

	m := loader.build()
	n.logger.WithFields(logrus.Fields{
		"users":   m.NumUsers(),
		"items":   m.NumItems(),
		"ratings": m.NumRatings(),
	}).Debug("Loaded ratings from Neo4j")

	return m, nil
}

func ratingFromRecord(record *neo4j.Record) (string, string, float64, error) {
	user, err := stringField(record, "user_id")
	if err != nil {
		return "", "", 0, err
	}
	item, err := stringField(record, "item_id")
	if err != nil {
		return "", "", 0, err
	}

	raw, ok := record.Get("rating")
	if !ok {
		return "", "", 0, fmt.Errorf("record is missing rating")
	}
	// Cypher integers arrive as int64
	switch v := raw.(type) {
	case float64:
		return user, item, v, nil
	case int64:
		return user, item, float64(v), nil
	default:
		return "", "", 0, fmt.Errorf("rating for %s/%s has unsupported type %T", user, item, raw)
	}
}

func stringField(record *neo4j.Record, key string) (string, error) {
	raw, ok := record.Get(key)
	if !ok {
		return "", fmt.Errorf("record is missing %s", key)
	}
	s, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("%s has unsupported type %T", key, raw)
	}
	return s, nil
}
