// Package ratingsource loads rating matrices and pre-trained neighbor models
// from the stores the service is deployed against.
package ratingsource

import (
	"context"
	"fmt"
	"math"
	"strings"

	"golang.org/x/text/unicode/norm"
	"gonum.org/v1/gonum/mat"

	"github.com/temcen/neighborly/internal/recommender"
)

// Provider loads a complete rating matrix.
type Provider interface {
	Name() string
	Load(ctx context.Context) (*recommender.Matrix, error)
}

// ModelProvider loads a pre-trained neighbor model.
type ModelProvider interface {
	Name() string
	LoadModel(ctx context.Context) (*recommender.SimilarityIndex, error)
}

// NormalizeKey trims s and converts it to Unicode NFC so that visually equal
// identifiers coming from different stores address the same row.
func NormalizeKey(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

// matrixLoader feeds normalized rows into a recommender.Builder.
type matrixLoader struct {
	builder *recommender.Builder
	rows    int
}

func newMatrixLoader(scale recommender.Scale) *matrixLoader {
	return &matrixLoader{builder: recommender.NewBuilder(scale)}
}

func (l *matrixLoader) add(user, item string, rating float64) error {
	l.rows++
	if err := l.builder.Add(NormalizeKey(user), NormalizeKey(item), rating); err != nil {
		return fmt.Errorf("row %d: %w", l.rows, err)
	}
	return nil
}

func (l *matrixLoader) addUser(user string) error {
	if err := l.builder.AddUser(NormalizeKey(user)); err != nil {
		return fmt.Errorf("user %q: %w", user, err)
	}
	return nil
}

func (l *matrixLoader) build() *recommender.Matrix {
	return l.builder.Build()
}

// pair is one stored entry of a pre-trained similarity matrix.
type pair struct {
	a, b       int
	similarity float64
}

// buildIndex assembles a SimilarityIndex from inner-id ordered users and
// pairwise entries. Pairs that are not listed have similarity 0.
func buildIndex(users []string, pairs []pair) (*recommender.SimilarityIndex, error) {
	n := len(users)
	if n == 0 {
		return recommender.NewSimilarityIndex(nil, nil)
	}

	normalized := make([]string, n)
	for i, u := range users {
		normalized[i] = NormalizeKey(u)
	}

	sims := mat.NewSymDense(n, nil)
	for _, p := range pairs {
		if p.a < 0 || p.a >= n || p.b < 0 || p.b >= n {
			return nil, fmt.Errorf("similarity entry (%d, %d) outside model of %d users", p.a, p.b, n)
		}
		if math.IsNaN(p.similarity) || p.similarity < -1 || p.similarity > 1 {
			return nil, fmt.Errorf("similarity entry (%d, %d) = %v outside [-1, 1]", p.a, p.b, p.similarity)
		}
		sims.SetSym(p.a, p.b, p.similarity)
	}
	for i := 0; i < n; i++ {
		sims.SetSym(i, i, 1)
	}

	return recommender.NewSimilarityIndex(normalized, sims)
}
