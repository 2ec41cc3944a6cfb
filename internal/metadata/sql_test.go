package metadata

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T, dialect Dialect) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s, err := NewSQLStore(db, dialect)
	require.NoError(t, err)
	now := time.Date(2025, 1, 10, 9, 30, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	return s, mock
}

func TestNewSQLStore_UnknownDialect(t *testing.T) {
	_, err := NewSQLStore(&sql.DB{}, Dialect("oracle"))
	assert.Error(t, err)
}

func TestSQLStore_Init(t *testing.T) {
	s, mock := newMockStore(t, Postgres)

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS records")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, s.Init(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_GetLocksRowOnPostgres(t *testing.T) {
	s, mock := newMockStore(t, Postgres)
	ctx := context.Background()
	created := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT owner_id, storage_key, created_at, updated_at FROM records WHERE owner_id = \$1 FOR UPDATE`).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"owner_id", "storage_key", "created_at", "updated_at"}).
			AddRow(int64(7), "7_1.png", created, created))
	mock.ExpectCommit()

	u, err := s.Begin(ctx)
	require.NoError(t, err)
	ref, err := s.Get(ctx, u, 7)
	require.NoError(t, err)
	require.NoError(t, u.Commit())

	assert.Equal(t, Reference{OwnerID: 7, StorageKey: "7_1.png", IsPresent: true, CreatedAt: created, UpdatedAt: created}, ref)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_GetNullKey(t *testing.T) {
	s, mock := newMockStore(t, SQLite)
	ctx := context.Background()
	created := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM records WHERE owner_id = \$1$`).
		WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"owner_id", "storage_key", "created_at", "updated_at"}).
			AddRow(int64(3), nil, created, created))
	mock.ExpectRollback()

	u, err := s.Begin(ctx)
	require.NoError(t, err)
	ref, err := s.Get(ctx, u, 3)
	require.NoError(t, err)
	require.NoError(t, u.Rollback())

	assert.False(t, ref.IsPresent)
	assert.Empty(t, ref.StorageKey)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_GetNotFound(t *testing.T) {
	s, mock := newMockStore(t, Postgres)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT owner_id").WithArgs(int64(9)).WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	u, err := s.Begin(ctx)
	require.NoError(t, err)
	_, err = s.Get(ctx, u, 9)
	require.NoError(t, u.Rollback())

	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_SetKey(t *testing.T) {
	s, mock := newMockStore(t, Postgres)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE records SET storage_key = $1, updated_at = $2 WHERE owner_id = $3`)).
		WithArgs("7_2.jpg", s.now(), int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	u, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, s.SetKey(ctx, u, 7, "7_2.jpg"))
	require.NoError(t, u.Commit())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_ClearKeyMissingOwner(t *testing.T) {
	s, mock := newMockStore(t, Postgres)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE records SET storage_key = NULL`)).
		WithArgs(s.now(), int64(8)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	u, err := s.Begin(ctx)
	require.NoError(t, err)
	err = s.ClearKey(ctx, u, 8)
	require.NoError(t, u.Rollback())

	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_CreateReturnsID(t *testing.T) {
	s, mock := newMockStore(t, Postgres)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO records (created_at, updated_at) VALUES ($1, $2) RETURNING owner_id`)).
		WithArgs(s.now(), s.now()).
		WillReturnRows(sqlmock.NewRows([]string{"owner_id"}).AddRow(int64(42)))
	mock.ExpectCommit()

	u, err := s.Begin(ctx)
	require.NoError(t, err)
	id, err := s.Create(ctx, u)
	require.NoError(t, err)
	require.NoError(t, u.Commit())

	assert.Equal(t, int64(42), id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_CommitFailureRunsRollbackHooks(t *testing.T) {
	s, mock := newMockStore(t, Postgres)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectCommit().WillReturnError(errors.New("could not serialize access"))

	u, err := s.Begin(ctx)
	require.NoError(t, err)

	var outcome string
	require.NoError(t, u.RegisterOnOutcome(
		func() { outcome = "commit" },
		func() { outcome = "rollback" },
	))
	assert.Error(t, u.Commit())
	assert.Equal(t, "rollback", outcome)
}

func TestSQLStore_Keys(t *testing.T) {
	s, mock := newMockStore(t, Postgres)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT storage_key FROM records WHERE storage_key IS NOT NULL`)).
		WillReturnRows(sqlmock.NewRows([]string{"storage_key"}).AddRow("1_1.png").AddRow("2_2.jpg"))

	keys, err := s.Keys(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]struct{}{"1_1.png": {}, "2_2.jpg": {}}, keys)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_RejectsForeignUnit(t *testing.T) {
	s, _ := newMockStore(t, Postgres)
	u, err := NewMemoryStore().Begin(context.Background())
	require.NoError(t, err)

	_, err = s.Get(context.Background(), u, 1)
	assert.Error(t, err)
}
