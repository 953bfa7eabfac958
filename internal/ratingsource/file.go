package ratingsource

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/temcen/neighborly/internal/recommender"
	"github.com/temcen/neighborly/internal/validation"
)

// RatingsDocument is the on-disk ratings format.
type RatingsDocument struct {
	Scale   *recommender.Scale `json:"scale,omitempty"`
	Users   []string           `json:"users,omitempty"`
	Ratings []RatingRecord     `json:"ratings"`
}

type RatingRecord struct {
	UserID string  `json:"user_id"`
	ItemID string  `json:"item_id"`
	Rating float64 `json:"rating"`
}

// NeighborModelDocument is the on-disk pre-trained model format. users[i]
// has inner id i.
type NeighborModelDocument struct {
	Users        []string           `json:"users"`
	Similarities []SimilarityRecord `json:"similarities"`
}

type SimilarityRecord struct {
	A          int     `json:"a"`
	B          int     `json:"b"`
	Similarity float64 `json:"similarity"`
}

// File loads a JSON ratings document. A scale in the document overrides the
// configured one.
type File struct {
	path      string
	scale     recommender.Scale
	validator *validation.SchemaValidator
	logger    *logrus.Logger
}

func NewFile(path string, scale recommender.Scale, validator *validation.SchemaValidator, logger *logrus.Logger) *File {
	return &File{path: path, scale: scale, validator: validator, logger: logger}
}

func (f *File) Name() string { return "file" }

func (f *File) Load(ctx context.Context) (*recommender.Matrix, error) {
	data, err := readDocument(ctx, f.path)
	if err != nil {
		return nil, err
	}
	if err := f.validator.ValidateRatingsFile(data).Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", f.path, err)
	}

	var doc RatingsDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", f.path, err)
	}

	scale := f.scale
	if doc.Scale != nil {
		scale = *doc.Scale
	}

	m, err := MatrixFromDocument(&doc, scale)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", f.path, err)
	}

	f.logger.WithFields(logrus.Fields{
		"path":    f.path,
		"users":   m.NumUsers(),
		"items":   m.NumItems(),
		"ratings": m.NumRatings(),
	}).Debug("Loaded ratings from file")

	return m, nil
}

// MatrixFromDocument builds a matrix from an already decoded document.
func MatrixFromDocument(doc *RatingsDocument, scale recommender.Scale) (*recommender.Matrix, error) {
	loader := newMatrixLoader(scale)
	for _, r := range doc.Ratings {
		if err := loader.add(r.UserID, r.ItemID, r.Rating); err != nil {
			return nil, err
		}
	}
	for _, u := range doc.Users {
		if err := loader.addUser(u); err != nil {
			return nil, err
		}
	}
	return loader.build(), nil
}

// FileModel loads a JSON neighbor model document.
type FileModel struct {
	path      string
	validator *validation.SchemaValidator
	logger    *logrus.Logger
}

func NewFileModel(path string, validator *validation.SchemaValidator, logger *logrus.Logger) *FileModel {
	return &FileModel{path: path, validator: validator, logger: logger}
}

func (f *FileModel) Name() string { return "file" }

func (f *FileModel) LoadModel(ctx context.Context) (*recommender.SimilarityIndex, error) {
	data, err := readDocument(ctx, f.path)
	if err != nil {
		return nil, err
	}
	if err := f.validator.ValidateNeighborModel(data).Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", f.path, err)
	}

	var doc NeighborModelDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", f.path, err)
	}

	pairs := make([]pair, len(doc.Similarities))
	for i, s := range doc.Similarities {
		pairs[i] = pair{a: s.A, b: s.B, similarity: s.Similarity}
	}

	index, err := buildIndex(doc.Users, pairs)
	if err != nil {
		return nil, fmt.Errorf("invalid neighbor model %s: %w", f.path, err)
	}

	f.logger.WithFields(logrus.Fields{
		"path":  f.path,
		"users": index.NumUsers(),
	}).Debug("Loaded neighbor model from file")

	return index, nil
}

func readDocument(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, nil
}
