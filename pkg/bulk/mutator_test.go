package bulk

import (
	"context"
	"io"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDirectory(t *testing.T) (*DirectoryStore, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS users").WillReturnResult(sqlmock.NewResult(0, 0))

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	store, err := NewDirectoryStore(db, nil, logger)
	require.NoError(t, err)

	return store, mock, func() { db.Close() }
}

func TestDirectoryResolve(t *testing.T) {
	t.Run("explicit ids pass through deduped", func(t *testing.T) {
		store, _, done := newTestDirectory(t)
		defer done()

		ids, err := store.Resolve(context.Background(), Selector{IDs: []string{"u1", "u2", "u1"}})
		require.NoError(t, err)
		assert.Equal(t, []string{"u1", "u2"}, ids)
	})

	t.Run("filter queries directory", func(t *testing.T) {
		store, mock, done := newTestDirectory(t)
		defer done()

		rows := sqlmock.NewRows([]string{"id"}).AddRow("u1").AddRow("u7")
		mock.ExpectQuery("SELECT id FROM users").WithArgs("org-1", "SUSPENDED").WillReturnRows(rows)

		ids, err := store.Resolve(context.Background(), Selector{Filter: map[string]string{
			"organization_id": "org-1",
			"status":          "SUSPENDED",
		}})
		require.NoError(t, err)
		assert.Equal(t, []string{"u1", "u7"}, ids)
	})

	t.Run("unsupported filter key rejected", func(t *testing.T) {
		store, _, done := newTestDirectory(t)
		defer done()

		_, err := store.Resolve(context.Background(), Selector{Filter: map[string]string{"email": "a@b.c"}})
		assert.Error(t, err)
	})
}

func TestDirectoryApply(t *testing.T) {
	t.Run("suspend updates status", func(t *testing.T) {
		store, mock, done := newTestDirectory(t)
		defer done()

		mock.ExpectExec("UPDATE users").WithArgs("SUSPENDED", "u1").WillReturnResult(sqlmock.NewResult(0, 1))

		assert.NoError(t, store.Apply(context.Background(), OpSuspend, "u1", nil))
	})

	t.Run("missing target is permanent", func(t *testing.T) {
		store, mock, done := newTestDirectory(t)
		defer done()

		mock.ExpectExec("UPDATE users").WillReturnResult(sqlmock.NewResult(0, 0))

		err := store.Apply(context.Background(), OpSuspend, "ghost", nil)
		require.Error(t, err)
		assert.False(t, IsTransient(err))
	})

	t.Run("database error is transient", func(t *testing.T) {
		store, mock, done := newTestDirectory(t)
		defer done()

		mock.ExpectExec("UPDATE users").WillReturnError(context.DeadlineExceeded)

		err := store.Apply(context.Background(), OpActivate, "u1", nil)
		require.Error(t, err)
		assert.True(t, IsTransient(err))
	})

	t.Run("role change requires role param", func(t *testing.T) {
		store, _, done := newTestDirectory(t)
		defer done()

		err := store.Apply(context.Background(), OpRoleChange, "u1", nil)
		require.Error(t, err)
		assert.False(t, IsTransient(err))
	})

	t.Run("role change updates role", func(t *testing.T) {
		store, mock, done := newTestDirectory(t)
		defer done()

		mock.ExpectExec("UPDATE users").WithArgs("AUDITOR", "u1").WillReturnResult(sqlmock.NewResult(0, 1))

		assert.NoError(t, store.Apply(context.Background(), OpRoleChange, "u1", map[string]string{"role": "AUDITOR"}))
	})
}
