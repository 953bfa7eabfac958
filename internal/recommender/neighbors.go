package recommender

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Neighbor is another user and their similarity to the target user.
type Neighbor struct {
	UserID     string  `json:"user_id"`
	Similarity float64 `json:"similarity"`
}

// NeighborSet is ordered by similarity descending, then user id ascending.
type NeighborSet []Neighbor

// NeighborFinder returns the k most similar other users.
type NeighborFinder interface {
	TopK(user string, k int) (NeighborSet, error)
}

// Selector ranks the similarity row of a user.
type Selector struct {
	source SimilaritySource
}

// NewSelector creates a selector over source.
func NewSelector(source SimilaritySource) *Selector {
	return &Selector{source: source}
}

// Source returns the similarity source the selector reads from.
func (s *Selector) Source() SimilaritySource {
	return s.source
}

// TopK returns at most k neighbors of user, never user itself. Fewer than k
// are returned when there are not enough other users.
func (s *Selector) TopK(user string, k int) (NeighborSet, error) {
	if k < 1 {
		return nil, &ConfigurationError{Field: "k_neighbors", Value: k}
	}

	row, err := s.source.Row(user)
	if err != nil {
		return nil, err
	}

	neighbors := make(NeighborSet, 0, len(row))
	for other, sim := range row {
		if other == user {
			continue
		}
		neighbors = append(neighbors, Neighbor{UserID: other, Similarity: sim})
	}

	sortNeighbors(neighbors)

	if len(neighbors) > k {
		neighbors = neighbors[:k]
	}
	return neighbors, nil
}

func sortNeighbors(neighbors NeighborSet) {
	sort.Slice(neighbors, func(i, j int) bool {
		if neighbors[i].Similarity != neighbors[j].Similarity {
			return neighbors[i].Similarity > neighbors[j].Similarity
		}
		return neighbors[i].UserID < neighbors[j].UserID
	})
}

// Precomputed holds the top-K neighbors of every user of a snapshot. Because
// neighbor ordering is total, the first k entries of a top-K set are exactly
// the top-k set, so requests with k <= K are served from memory and larger
// ones fall through to the live selector.
type Precomputed struct {
	selector *Selector
	k        int
	sets     map[string]NeighborSet
}

// Precompute computes top-k neighbors for users using at most workers
// goroutines.
func Precompute(ctx context.Context, selector *Selector, users []string, k, workers int) (*Precomputed, error) {
	if k < 1 {
		return nil, &ConfigurationError{Field: "k_neighbors", Value: k}
	}
	if workers < 1 {
		workers = 1
	}

	p := &Precomputed{
		selector: selector,
		k:        k,
		sets:     make(map[string]NeighborSet, len(users)),
	}

	var mu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for _, user := range users {
		user := user
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			set, err := selector.TopK(user, k)
			if err != nil {
				return err
			}
			mu.Lock()
			p.sets[user] = set
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return p, nil
}

// K is the neighbor count computed per user.
func (p *Precomputed) K() int {
	return p.k
}

// Len is the number of users with a precomputed set.
func (p *Precomputed) Len() int {
	return len(p.sets)
}

func (p *Precomputed) TopK(user string, k int) (NeighborSet, error) {
	if k < 1 {
		return nil, &ConfigurationError{Field: "k_neighbors", Value: k}
	}

	set, ok := p.sets[user]
	if !ok || k > p.k {
		return p.selector.TopK(user, k)
	}

	if len(set) > k {
		set = set[:k]
	}
	out := make(NeighborSet, len(set))
	copy(out, set)
	return out, nil
}
