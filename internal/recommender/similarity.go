package recommender

import (
	"sync"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Strategy names accepted by configuration.
const (
	StrategyCosine     = "cosine"
	StrategyPearson    = "pearson"
	StrategyPretrained = "pretrained"
)

// SimilaritySource computes user-user similarity. Implementations are
// interchangeable; everything downstream only sees this interface.
type SimilaritySource interface {
	Name() string
	Similarity(u1, u2 string) (float64, error)
	// Row returns the similarity of user to every user the source knows,
	// including user itself.
	Row(user string) (map[string]float64, error)
}

// CosineSimilarity returns dot(a, b) / (|a|·|b|), or 0 when either vector has
// zero norm or the lengths differ.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	na := floats.Norm(a, 2)
	nb := floats.Norm(b, 2)
	if na == 0 || nb == 0 {
		return 0
	}
	return floats.Dot(a, b) / (na * nb)
}

// DenseCosine is cosine similarity over the zero-filled rating matrix.
//
// Missing ratings are written as 0 before taking dot products. This treats
// "unrated" as "no preference", so users who both left many cells empty look
// closer than their actual ratings justify, and a low rating counts as more
// similar to a high one than an absent rating does. Use Pearson when jointly
// rated items should be the only evidence.
//
// The full pairwise matrix is materialized on first use and kept for the
// lifetime of the value, which is bound to one immutable Matrix.
type DenseCosine struct {
	matrix *Matrix

	once sync.Once
	sims *mat.SymDense
}

// NewDenseCosine creates a dense cosine source over m.
func NewDenseCosine(m *Matrix) *DenseCosine {
	return &DenseCosine{matrix: m}
}

func (c *DenseCosine) Name() string {
	return StrategyCosine
}

// Warm materializes the pairwise similarity matrix.
func (c *DenseCosine) Warm() {
	c.once.Do(c.compute)
}

func (c *DenseCosine) Similarity(u1, u2 string) (float64, error) {
	i, err := c.index(u1)
	if err != nil {
		return 0, err
	}
	j, err := c.index(u2)
	if err != nil {
		return 0, err
	}

	c.Warm()
	if c.sims == nil {
		return 0, nil
	}
	return c.sims.At(i, j), nil
}

func (c *DenseCosine) Row(user string) (map[string]float64, error) {
	i, err := c.index(user)
	if err != nil {
		return nil, err
	}

	c.Warm()
	row := make(map[string]float64, len(c.matrix.users))
	for j, other := range c.matrix.users {
		if c.sims == nil {
			row[other] = 0
			continue
		}
		row[other] = c.sims.At(i, j)
	}
	return row, nil
}

func (c *DenseCosine) index(user string) (int, error) {
	i, ok := c.matrix.userIndex[user]
	if !ok {
		return 0, &UnknownUserError{UserID: user, Source: SourceRatings}
	}
	return i, nil
}

// compute fills a users×items dense matrix, L2-normalizes each row and
// takes N·Nᵀ. Rows with zero norm stay zero and are therefore 0-similar to
// everyone, themselves included.
func (c *DenseCosine) compute() {
	m := c.matrix
	if len(m.users) == 0 || len(m.items) == 0 {
		return
	}

	dense := mat.NewDense(len(m.users), len(m.items), nil)
	for i := range m.users {
		for item, rating := range m.rows[i] {
			dense.Set(i, m.itemIndex[item], rating)
		}

		row := dense.RawRowView(i)
		if norm := floats.Norm(row, 2); norm > 0 {
			floats.Scale(1/norm, row)
		}
	}

	var sims mat.SymDense
	sims.SymOuterK(1, dense)
	c.sims = &sims
}
