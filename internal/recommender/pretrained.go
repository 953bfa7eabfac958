package recommender

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/cespare/xxhash/v2"
	"gonum.org/v1/gonum/mat"
)

// NeighborModel is a neighbor lookup trained outside this process. It owns the
// mapping between external user keys and its internal identifiers.
type NeighborModel interface {
	InnerID(userID string) (int, bool)
	RawID(inner int) (string, bool)
	NumUsers() int
	Similarity(a, b int) float64
}

// SimilarityIndex is an in-memory NeighborModel backed by a symmetric
// similarity matrix indexed by inner id.
type SimilarityIndex struct {
	users       []string
	inner       map[string]int
	sims        *mat.SymDense
	fingerprint string
}

// NewSimilarityIndex creates an index where users[i] has inner id i and
// sims.At(i, j) is the similarity between inner ids i and j.
func NewSimilarityIndex(users []string, sims *mat.SymDense) (*SimilarityIndex, error) {
	n := len(users)
	if n > 0 {
		if sims == nil || sims.SymmetricDim() != n {
			return nil, fmt.Errorf("similarity matrix must be %dx%d", n, n)
		}
		for i := 0; i < n; i++ {
			for j := i; j < n; j++ {
				if math.IsNaN(sims.At(i, j)) {
					return nil, fmt.Errorf("similarity (%d, %d) is NaN", i, j)
				}
			}
		}
	}

	inner := make(map[string]int, n)
	for i, u := range users {
		if u == "" {
			return nil, ErrEmptyKey
		}
		if _, dup := inner[u]; dup {
			return nil, fmt.Errorf("duplicate user %q in model vocabulary", u)
		}
		inner[u] = i
	}

	owned := make([]string, n)
	copy(owned, users)

	x := &SimilarityIndex{users: owned, inner: inner, sims: sims}
	x.fingerprint = x.computeFingerprint()
	return x, nil
}

// BuildSimilarityIndex snapshots src for the given users into an index.
func BuildSimilarityIndex(src SimilaritySource, users []string) (*SimilarityIndex, error) {
	if len(users) == 0 {
		return NewSimilarityIndex(nil, nil)
	}

	sims := mat.NewSymDense(len(users), nil)
	for i, u := range users {
		row, err := src.Row(u)
		if err != nil {
			return nil, err
		}
		for j := i; j < len(users); j++ {
			sims.SetSym(i, j, row[users[j]])
		}
	}
	return NewSimilarityIndex(users, sims)
}

func (x *SimilarityIndex) InnerID(userID string) (int, bool) {
	i, ok := x.inner[userID]
	return i, ok
}

func (x *SimilarityIndex) RawID(inner int) (string, bool) {
	if inner < 0 || inner >= len(x.users) {
		return "", false
	}
	return x.users[inner], true
}

func (x *SimilarityIndex) NumUsers() int {
	return len(x.users)
}

func (x *SimilarityIndex) Similarity(a, b int) float64 {
	return x.sims.At(a, b)
}

// Fingerprint identifies the vocabulary and similarity values of the index.
func (x *SimilarityIndex) Fingerprint() string {
	return x.fingerprint
}

func (x *SimilarityIndex) computeFingerprint() string {
	h := xxhash.New()
	var buf [8]byte

	for i, u := range x.users {
		_, _ = h.WriteString(u)
		_, _ = h.Write([]byte{0})
		for j := i; j < len(x.users); j++ {
			binary.LittleEndian.PutUint64(buf[:], math.Float64bits(x.sims.At(i, j)))
			_, _ = h.Write(buf[:])
		}
	}

	return fmt.Sprintf("%016x", h.Sum64())
}

// PretrainedIndex serves similarities from a NeighborModel. Users outside the
// model vocabulary fail with an UnknownUserError whose Source is SourceModel.
type PretrainedIndex struct {
	model NeighborModel
}

// NewPretrainedIndex wraps model as a SimilaritySource.
func NewPretrainedIndex(model NeighborModel) *PretrainedIndex {
	return &PretrainedIndex{model: model}
}

func (p *PretrainedIndex) Name() string {
	return StrategyPretrained
}

func (p *PretrainedIndex) Similarity(u1, u2 string) (float64, error) {
	a, err := p.inner(u1)
	if err != nil {
		return 0, err
	}
	b, err := p.inner(u2)
	if err != nil {
		return 0, err
	}
	return p.model.Similarity(a, b), nil
}

func (p *PretrainedIndex) Row(user string) (map[string]float64, error) {
	a, err := p.inner(user)
	if err != nil {
		return nil, err
	}

	n := p.model.NumUsers()
	row := make(map[string]float64, n)
	for b := 0; b < n; b++ {
		raw, ok := p.model.RawID(b)
		if !ok {
			continue
		}
		row[raw] = p.model.Similarity(a, b)
	}
	return row, nil
}

func (p *PretrainedIndex) inner(user string) (int, error) {
	i, ok := p.model.InnerID(user)
	if !ok {
		return 0, &UnknownUserError{UserID: user, Source: SourceModel}
	}
	return i, nil
}
