package apperr

import (
	"database/sql"
	"fmt"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
)

func TestFromPQTranslation(t *testing.T) {
	t.Run("no rows becomes not found", func(t *testing.T) {
		err := FromPQ(fmt.Errorf("query: %w", sql.ErrNoRows), "dup", "Role not found")
		assert.True(t, IsNotFound(err))
		assert.Contains(t, err.Error(), "Role not found")
	})

	t.Run("unique violation becomes conflict", func(t *testing.T) {
		wrapped := fmt.Errorf("insert: %w", &pq.Error{Code: "23505"})
		err := FromPQ(wrapped, "Role already assigned to user", "missing")
		assert.True(t, IsConflict(err))
		assert.Contains(t, err.Error(), "Role already assigned to user")
	})

	t.Run("foreign key violation becomes conflict", func(t *testing.T) {
		err := FromPQ(&pq.Error{Code: "23503"}, "referenced role missing", "missing")
		assert.True(t, IsConflict(err))
	})

	t.Run("anything else becomes database error", func(t *testing.T) {
		err := FromPQ(assert.AnError, "dup", "missing")
		assert.Equal(t, CodeDatabase, CodeOf(err))
		assert.ErrorIs(t, err, assert.AnError)
	})
}

func TestCodePredicates(t *testing.T) {
	assert.True(t, IsValidation(Validation("bad input")))
	assert.True(t, IsConflict(Conflict("duplicate")))
	assert.True(t, IsNotFound(NotFound("missing")))
	assert.False(t, IsConflict(NotFound("missing")))
	assert.False(t, IsValidation(assert.AnError))
}

func TestErrorUnwrap(t *testing.T) {
	inner := assert.AnError
	err := Database(inner, "query failed")
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "DATABASE_ERROR")
	assert.Contains(t, err.Error(), "query failed")
}
