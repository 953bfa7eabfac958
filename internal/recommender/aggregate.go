package recommender

import (
	"errors"

	"gonum.org/v1/gonum/stat"
)

// RatingsStore is the read-only view of ratings the aggregation path needs.
// *Matrix implements it.
type RatingsStore interface {
	GetRating(user, item string) (float64, bool, error)
	RatedItems(user string) (map[string]struct{}, error)
	Ratings(user string) (map[string]float64, error)
	AllItems() []string
	AllUsers() []string
	HasUser(user string) bool
}

var _ RatingsStore = (*Matrix)(nil)

// Aggregator turns a neighbor set into per-item predicted scores.
type Aggregator struct {
	store RatingsStore
}

// NewAggregator creates an aggregator reading from store.
func NewAggregator(store RatingsStore) *Aggregator {
	return &Aggregator{store: store}
}

// Aggregate scores each item with the mean rating of the neighbors who rated
// it. Items no neighbor rated get no entry at all; items user already rated
// are removed. The result may be empty.
//
// Only neighbors with positive similarity contribute: a zero or negative
// similarity says nothing in favor of sharing the neighbor's taste. When
// every neighbor is at or below zero the result is empty.
func (a *Aggregator) Aggregate(user string, neighbors NeighborSet) (map[string]float64, error) {
	rated, err := a.store.RatedItems(user)
	if err != nil {
		return nil, err
	}

	collected := make(map[string][]float64)
	for _, n := range neighbors {
		if n.Similarity <= 0 {
			continue
		}
		ratings, err := a.store.Ratings(n.UserID)
		if err != nil {
			// a model trained on an older population can name users the
			// matrix no longer has; they carry no ratings to average
			if errors.Is(err, ErrUnknownUser) {
				continue
			}
			return nil, err
		}
		for item, r := range ratings {
			if _, seen := rated[item]; seen {
				continue
			}
			collected[item] = append(collected[item], r)
		}
	}

	scores := make(map[string]float64, len(collected))
	for item, values := range collected {
		scores[item] = stat.Mean(values, nil)
	}
	return scores, nil
}
