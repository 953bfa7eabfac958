package recommender

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// DefaultMinCommonItems is the smallest overlap Pearson will correlate.
const DefaultMinCommonItems = 2

// Pearson correlates two users over the items both of them rated. Missing
// cells never enter the computation, unlike DenseCosine.
type Pearson struct {
	matrix    *Matrix
	minCommon int
}

// NewPearson creates a Pearson source over m. Pairs sharing fewer than
// minCommonItems rated items have similarity 0. Values below
// DefaultMinCommonItems are raised to it, since one shared item has no
// variance to correlate.
func NewPearson(m *Matrix, minCommonItems int) *Pearson {
	if minCommonItems < DefaultMinCommonItems {
		minCommonItems = DefaultMinCommonItems
	}
	return &Pearson{matrix: m, minCommon: minCommonItems}
}

func (p *Pearson) Name() string {
	return StrategyPearson
}

// MinCommonItems returns the overlap threshold in effect.
func (p *Pearson) MinCommonItems() int {
	return p.minCommon
}

func (p *Pearson) Similarity(u1, u2 string) (float64, error) {
	a, err := p.matrix.row(u1)
	if err != nil {
		return 0, err
	}
	b, err := p.matrix.row(u2)
	if err != nil {
		return 0, err
	}
	return p.correlate(a, b), nil
}

func (p *Pearson) Row(user string) (map[string]float64, error) {
	a, err := p.matrix.row(user)
	if err != nil {
		return nil, err
	}

	row := make(map[string]float64, len(p.matrix.users))
	for j, other := range p.matrix.users {
		row[other] = p.correlate(a, p.matrix.rows[j])
	}
	return row, nil
}

func (p *Pearson) correlate(a, b map[string]float64) float64 {
	if len(b) < len(a) {
		a, b = b, a
	}

	common := make([]string, 0, len(a))
	for item := range a {
		if _, ok := b[item]; ok {
			common = append(common, item)
		}
	}
	if len(common) < p.minCommon {
		return 0
	}
	// fixed summation order keeps results bit-identical across runs
	sort.Strings(common)

	x := make([]float64, len(common))
	y := make([]float64, len(common))
	for i, item := range common {
		x[i] = a[item]
		y[i] = b[item]
	}

	corr := stat.Correlation(x, y, nil)
	if math.IsNaN(corr) {
		return 0
	}
	return corr
}
