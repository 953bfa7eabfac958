package recommender

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"github.com/cespare/xxhash/v2"
)

// Scale is the closed interval a rating must fall into.
type Scale struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// DefaultScale is the 1-5 star scale.
func DefaultScale() Scale {
	return Scale{Min: 1, Max: 5}
}

// Contains reports whether r is a valid rating on the scale.
func (s Scale) Contains(r float64) bool {
	if math.IsNaN(r) || math.IsInf(r, 0) {
		return false
	}
	return r >= s.Min && r <= s.Max
}

// Builder accumulates rating entries into an immutable Matrix.
// Duplicate (user, item) entries are averaged.
type Builder struct {
	scale  Scale
	sums   map[string]map[string]float64
	counts map[string]map[string]int
}

// NewBuilder creates a builder that rejects ratings outside scale.
func NewBuilder(scale Scale) *Builder {
	return &Builder{
		scale:  scale,
		sums:   make(map[string]map[string]float64),
		counts: make(map[string]map[string]int),
	}
}

// AddUser registers a user even if they have no ratings.
func (b *Builder) AddUser(user string) error {
	if user == "" {
		return ErrEmptyKey
	}
	if _, ok := b.sums[user]; !ok {
		b.sums[user] = make(map[string]float64)
		b.counts[user] = make(map[string]int)
	}
	return nil
}

// Add records a rating.
func (b *Builder) Add(user, item string, rating float64) error {
	if user == "" || item == "" {
		return ErrEmptyKey
	}
	if !b.scale.Contains(rating) {
		return fmt.Errorf("%w: %s/%s=%v not in [%v, %v]",
			ErrRatingOutOfRange, user, item, rating, b.scale.Min, b.scale.Max)
	}
	if err := b.AddUser(user); err != nil {
		return err
	}
	b.sums[user][item] += rating
	b.counts[user][item]++
	return nil
}

// Build freezes the accumulated entries. The builder can be reused afterwards;
// the returned matrix shares no state with it.
func (b *Builder) Build() *Matrix {
	m := &Matrix{
		scale:     b.scale,
		userIndex: make(map[string]int, len(b.sums)),
		itemIndex: make(map[string]int),
	}

	itemSet := make(map[string]struct{})
	for user, row := range b.sums {
		m.users = append(m.users, user)
		for item := range row {
			itemSet[item] = struct{}{}
		}
	}
	sort.Strings(m.users)

	m.items = make([]string, 0, len(itemSet))
	for item := range itemSet {
		m.items = append(m.items, item)
	}
	sort.Strings(m.items)

	for i, user := range m.users {
		m.userIndex[user] = i
	}
	for i, item := range m.items {
		m.itemIndex[item] = i
	}

	m.rows = make([]map[string]float64, len(m.users))
	for i, user := range m.users {
		row := make(map[string]float64, len(b.sums[user]))
		for item, sum := range b.sums[user] {
			row[item] = sum / float64(b.counts[user][item])
		}
		m.rows[i] = row
		m.numRatings += len(row)
	}

	m.fingerprint = m.computeFingerprint()
	return m
}

// Matrix is an immutable sparse user×item rating table. Users and items are
// kept in ascending order and form the shared schema for dense operations.
// A missing cell means "unrated", never zero.
type Matrix struct {
	scale       Scale
	users       []string
	items       []string
	userIndex   map[string]int
	itemIndex   map[string]int
	rows        []map[string]float64
	numRatings  int
	fingerprint string
}

// Scale returns the rating scale the matrix was built with.
func (m *Matrix) Scale() Scale {
	return m.scale
}

// AllUsers returns the ordered user schema.
func (m *Matrix) AllUsers() []string {
	out := make([]string, len(m.users))
	copy(out, m.users)
	return out
}

// AllItems returns the ordered item schema.
func (m *Matrix) AllItems() []string {
	out := make([]string, len(m.items))
	copy(out, m.items)
	return out
}

func (m *Matrix) NumUsers() int   { return len(m.users) }
func (m *Matrix) NumItems() int   { return len(m.items) }
func (m *Matrix) NumRatings() int { return m.numRatings }

// HasUser reports whether user is part of the matrix.
func (m *Matrix) HasUser(user string) bool {
	_, ok := m.userIndex[user]
	return ok
}

// GetRating returns the rating user gave item. ok is false when the cell is
// missing.
func (m *Matrix) GetRating(user, item string) (rating float64, ok bool, err error) {
	row, err := m.row(user)
	if err != nil {
		return 0, false, err
	}
	rating, ok = row[item]
	return rating, ok, nil
}

// RatedItems returns the set of items user has rated.
func (m *Matrix) RatedItems(user string) (map[string]struct{}, error) {
	row, err := m.row(user)
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(row))
	for item := range row {
		set[item] = struct{}{}
	}
	return set, nil
}

// Ratings returns a copy of the user's ratings.
func (m *Matrix) Ratings(user string) (map[string]float64, error) {
	row, err := m.row(user)
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(row))
	for item, r := range row {
		out[item] = r
	}
	return out, nil
}

// Fingerprint identifies the matrix contents. Two matrices with the same
// users, items and ratings share a fingerprint.
func (m *Matrix) Fingerprint() string {
	return m.fingerprint
}

func (m *Matrix) row(user string) (map[string]float64, error) {
	idx, ok := m.userIndex[user]
	if !ok {
		return nil, &UnknownUserError{UserID: user, Source: SourceRatings}
	}
	return m.rows[idx], nil
}

func (m *Matrix) computeFingerprint() string {
	h := xxhash.New()
	var buf [8]byte

	for i, user := range m.users {
		_, _ = h.WriteString(user)
		_, _ = h.Write([]byte{0})

		row := m.rows[i]
		items := make([]string, 0, len(row))
		for item := range row {
			items = append(items, item)
		}
		sort.Strings(items)

		for _, item := range items {
			_, _ = h.WriteString(item)
			_, _ = h.Write([]byte{0})
			binary.LittleEndian.PutUint64(buf[:], math.Float64bits(row[item]))
			_, _ = h.Write(buf[:])
		}
		_, _ = h.Write([]byte{1})
	}

	return fmt.Sprintf("%016x", h.Sum64())
}
