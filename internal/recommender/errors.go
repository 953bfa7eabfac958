package recommender

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownUser is matched by every UnknownUserError via errors.Is.
	ErrUnknownUser = errors.New("unknown user")

	// ErrInvalidConfiguration is matched by every ConfigurationError via errors.Is.
	ErrInvalidConfiguration = errors.New("invalid configuration")

	ErrRatingOutOfRange = errors.New("rating out of range")
	ErrEmptyKey         = errors.New("empty user or item key")
)

// UserSource tells where a user lookup failed.
type UserSource string

const (
	// SourceRatings means the user is absent from the ratings matrix.
	SourceRatings UserSource = "ratings"
	// SourceModel means the user is absent from a pre-trained model's vocabulary.
	SourceModel UserSource = "model"
)

// UnknownUserError reports a user identifier that could not be resolved.
type UnknownUserError struct {
	UserID string
	Source UserSource
}

func (e *UnknownUserError) Error() string {
	if e.Source == SourceModel {
		return fmt.Sprintf("user %q not found in neighbor model vocabulary", e.UserID)
	}
	return fmt.Sprintf("user %q not found in ratings matrix", e.UserID)
}

func (e *UnknownUserError) Is(target error) bool {
	return target == ErrUnknownUser
}

// ConfigurationError reports an invalid request parameter.
type ConfigurationError struct {
	Field string
	Value int
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid %s: %d (must be >= 1)", e.Field, e.Value)
}

func (e *ConfigurationError) Is(target error) bool {
	return target == ErrInvalidConfiguration
}

// ValidateParams fails fast on neighbor and result counts below one.
func ValidateParams(kNeighbors, nResults int) error {
	if kNeighbors < 1 {
		return &ConfigurationError{Field: "k_neighbors", Value: kNeighbors}
	}
	if nResults < 1 {
		return &ConfigurationError{Field: "n_results", Value: nResults}
	}
	return nil
}
