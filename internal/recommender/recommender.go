// Package recommender implements user-based neighbor recommendation over an
// immutable rating matrix: user similarity, top-K neighbor selection, mean
// aggregation of neighbor ratings with exclusion of already rated items, and
// top-N ranking.
//
// Every type here is read-only once built, so a Recommender can serve
// concurrent requests as long as its Matrix is never swapped underneath it.
// Replacing the data means building a new Recommender.
package recommender

import "fmt"

// Recommender runs the full recommend pipeline against one matrix snapshot.
type Recommender struct {
	store      RatingsStore
	neighbors  NeighborFinder
	aggregator *Aggregator
}

// New creates a recommender. neighbors decides which similarity strategy is
// used; store must be the matrix the similarity source was built from.
func New(store RatingsStore, neighbors NeighborFinder) *Recommender {
	return &Recommender{
		store:      store,
		neighbors:  neighbors,
		aggregator: NewAggregator(store),
	}
}

// NewFromSource is New with a plain Selector over source.
func NewFromSource(store RatingsStore, source SimilaritySource) *Recommender {
	return New(store, NewSelector(source))
}

// Store returns the ratings the recommender reads.
func (r *Recommender) Store() RatingsStore {
	return r.store
}

// Recommend returns up to nResults items for user, scored by the mean rating
// of the user's kNeighbors nearest neighbors. An empty slice means there was
// nothing to recommend; an unknown user is an error.
func (r *Recommender) Recommend(user string, kNeighbors, nResults int) ([]ScoredItem, error) {
	if err := ValidateParams(kNeighbors, nResults); err != nil {
		return nil, err
	}

	neighbors, err := r.Neighbors(user, kNeighbors)
	if err != nil {
		return nil, err
	}
	return r.RecommendForNeighbors(user, neighbors, nResults)
}

// Neighbors validates user against the ratings store and returns its top-k
// neighbors.
func (r *Recommender) Neighbors(user string, k int) (NeighborSet, error) {
	if k < 1 {
		return nil, &ConfigurationError{Field: "k_neighbors", Value: k}
	}
	if !r.store.HasUser(user) {
		return nil, &UnknownUserError{UserID: user, Source: SourceRatings}
	}

	neighbors, err := r.neighbors.TopK(user, k)
	if err != nil {
		return nil, fmt.Errorf("select neighbors: %w", err)
	}
	return neighbors, nil
}

// RecommendForNeighbors aggregates and ranks for an already selected
// neighbor set.
func (r *Recommender) RecommendForNeighbors(user string, neighbors NeighborSet, nResults int) ([]ScoredItem, error) {
	if nResults < 1 {
		return nil, &ConfigurationError{Field: "n_results", Value: nResults}
	}

	scores, err := r.aggregator.Aggregate(user, neighbors)
	if err != nil {
		return nil, fmt.Errorf("aggregate scores: %w", err)
	}
	return TopN(scores, nResults), nil
}
