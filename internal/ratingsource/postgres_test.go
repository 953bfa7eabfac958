package ratingsource

import (
	"context"
	"errors"
	"io"
	"math"
	"testing"

	"github.com/pashagolub/pgxmock/v3"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/temcen/neighborly/internal/recommender"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestPostgres_Load(t *testing.T) {
	mockDB, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mockDB.Close()

	provider := NewPostgres(mockDB, recommender.DefaultScale(), true, testLogger())
	assert.Equal(t, "postgres", provider.Name())

	t.Run("ratings and rating-less users", func(t *testing.T) {
		mockDB.ExpectQuery("SELECT user_id, item_id, rating FROM ratings").
			WillReturnRows(pgxmock.NewRows([]string{"user_id", "item_id", "rating"}).
				AddRow("A", "x", 5.0).
				AddRow("A", "y", 3.0).
				AddRow(" B ", "x", 4.0).
				AddRow("B", "x", 2.0))
		mockDB.ExpectQuery("SELECT user_id FROM users").
			WillReturnRows(pgxmock.NewRows([]string{"user_id"}).
				AddRow("A").
				AddRow("D"))

		m, err := provider.Load(context.Background())
		require.NoError(t, err)

		assert.Equal(t, []string{"A", "B", "D"}, m.AllUsers())
		assert.Equal(t, []string{"x", "y"}, m.AllItems())

		r, ok, err := m.GetRating("B", "x")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, 3.0, r)

		rated, err := m.RatedItems("D")
		require.NoError(t, err)
		assert.Empty(t, rated)

		require.NoError(t, mockDB.ExpectationsWereMet())
	})

	t.Run("out of range rating fails the load", func(t *testing.T) {
		mockDB.ExpectQuery("SELECT user_id, item_id, rating FROM ratings").
			WillReturnRows(pgxmock.NewRows([]string{"user_id", "item_id", "rating"}).
				AddRow("A", "x", 9.0))

		_, err := provider.Load(context.Background())
		assert.ErrorIs(t, err, recommender.ErrRatingOutOfRange)
		require.NoError(t, mockDB.ExpectationsWereMet())
	})

	t.Run("query error", func(t *testing.T) {
		mockDB.ExpectQuery("SELECT user_id, item_id, rating FROM ratings").
			WillReturnError(errors.New("connection reset"))

		_, err := provider.Load(context.Background())
		assert.ErrorContains(t, err, "connection reset")
		require.NoError(t, mockDB.ExpectationsWereMet())
	})
}

func TestPostgres_LoadWithoutUsersTable(t *testing.T) {
	mockDB, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mockDB.Close()

	provider := NewPostgres(mockDB, recommender.DefaultScale(), false, testLogger())

	mockDB.ExpectQuery("SELECT user_id, item_id, rating FROM ratings").
		WillReturnRows(pgxmock.NewRows([]string{"user_id", "item_id", "rating"}).
			AddRow("A", "x", 1.0))

	m, err := provider.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, m.NumUsers())
	require.NoError(t, mockDB.ExpectationsWereMet())
}

func TestPostgresModel_LoadModel(t *testing.T) {
	mockDB, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mockDB.Close()

	provider := NewPostgresModel(mockDB, testLogger())

	t.Run("vocabulary and pairs", func(t *testing.T) {
		mockDB.ExpectQuery("SELECT inner_id, user_id").
			WillReturnRows(pgxmock.NewRows([]string{"inner_id", "user_id"}).
				AddRow(0, "A").
				AddRow(1, "B").
				AddRow(2, "C"))
		mockDB.ExpectQuery("SELECT inner_a, inner_b, similarity").
			WillReturnRows(pgxmock.NewRows([]string{"inner_a", "inner_b", "similarity"}).
				AddRow(0, 1, 0.8).
				AddRow(2, 0, -0.3))

		index, err := provider.LoadModel(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 3, index.NumUsers())

		a, ok := index.InnerID("A")
		require.True(t, ok)
		b, _ := index.InnerID("B")
		c, _ := index.InnerID("C")

		assert.Equal(t, 0.8, index.Similarity(a, b))
		assert.Equal(t, 0.8, index.Similarity(b, a))
		assert.Equal(t, -0.3, index.Similarity(a, c))
		assert.Equal(t, 0.0, index.Similarity(b, c))
		assert.Equal(t, 1.0, index.Similarity(c, c))

		require.NoError(t, mockDB.ExpectationsWereMet())
	})

	t.Run("gap in inner ids", func(t *testing.T) {
		mockDB.ExpectQuery("SELECT inner_id, user_id").
			WillReturnRows(pgxmock.NewRows([]string{"inner_id", "user_id"}).
				AddRow(0, "A").
				AddRow(2, "C"))

		_, err := provider.LoadModel(context.Background())
		assert.ErrorContains(t, err, "contiguous")
		require.NoError(t, mockDB.ExpectationsWereMet())
	})

	t.Run("pair outside the vocabulary", func(t *testing.T) {
		mockDB.ExpectQuery("SELECT inner_id, user_id").
			WillReturnRows(pgxmock.NewRows([]string{"inner_id", "user_id"}).
				AddRow(0, "A"))
		mockDB.ExpectQuery("SELECT inner_a, inner_b, similarity").
			WillReturnRows(pgxmock.NewRows([]string{"inner_a", "inner_b", "similarity"}).
				AddRow(0, 5, 0.1))

		_, err := provider.LoadModel(context.Background())
		assert.ErrorContains(t, err, "invalid neighbor model")
		require.NoError(t, mockDB.ExpectationsWereMet())
	})

	t.Run("NaN similarity", func(t *testing.T) {
		mockDB.ExpectQuery("SELECT inner_id, user_id").
			WillReturnRows(pgxmock.NewRows([]string{"inner_id", "user_id"}).
				AddRow(0, "A").
				AddRow(1, "B").
				AddRow(2, "C"))
		mockDB.ExpectQuery("SELECT inner_a, inner_b, similarity").
			WillReturnRows(pgxmock.NewRows([]string{"inner_a", "inner_b", "similarity"}).
				AddRow(0, 1, 0.4).
				AddRow(0, 2, math.NaN()))

		_, err := provider.LoadModel(context.Background())
		assert.ErrorContains(t, err, "invalid neighbor model")
		assert.ErrorContains(t, err, "NaN")
		require.NoError(t, mockDB.ExpectationsWereMet())
	})
}

func TestNormalizeKey(t *testing.T) {
	// "é" as one code point and as "e" plus a combining acute accent
	composed := "caf\u00e9"
	decomposed := "cafe\u0301"

	assert.NotEqual(t, composed, decomposed)
	assert.Equal(t, NormalizeKey(composed), NormalizeKey(decomposed))
	assert.Equal(t, "user-1", NormalizeKey("  user-1\t"))
}
