package pg_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"

	"github.com/zablink/app1.3-sub003/pkg/pg"
)

func TestIsNotFoundError(t *testing.T) {
	t.Parallel()

	assert.True(t, pg.IsNotFoundError(pgx.ErrNoRows))
	assert.True(t, pg.IsNotFoundError(fmt.Errorf("scan: %w", pgx.ErrNoRows)))
	assert.False(t, pg.IsNotFoundError(nil))
	assert.False(t, pg.IsNotFoundError(errors.New("other")))
}

func TestIsDuplicateKeyError(t *testing.T) {
	t.Parallel()

	dup := &pgconn.PgError{Code: "23505"}
	assert.True(t, pg.IsDuplicateKeyError(dup))
	assert.True(t, pg.IsDuplicateKeyError(fmt.Errorf("insert: %w", dup)))
	assert.False(t, pg.IsDuplicateKeyError(&pgconn.PgError{Code: "23503"}))
	assert.False(t, pg.IsDuplicateKeyError(nil))
}

func TestIsSerializationError(t *testing.T) {
	t.Parallel()

	assert.True(t, pg.IsSerializationError(&pgconn.PgError{Code: "40001"}))
	assert.True(t, pg.IsSerializationError(&pgconn.PgError{Code: "40P01"}))
	assert.False(t, pg.IsSerializationError(&pgconn.PgError{Code: "23505"}))
	assert.False(t, pg.IsSerializationError(nil))
}
