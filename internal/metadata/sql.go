package metadata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tomasbasham/imagestore/internal/unitofwork"
)

// Dialect selects the SQL variant spoken by the database.
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

var schemas = map[Dialect]string{
	SQLite: `
CREATE TABLE IF NOT EXISTS records (
	owner_id INTEGER PRIMARY KEY AUTOINCREMENT,
	storage_key TEXT,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
`,
	Postgres: `
CREATE TABLE IF NOT EXISTS records (
	owner_id BIGSERIAL PRIMARY KEY,
	storage_key TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
`,
}

// SQLStore implements Store using database/sql. It supports SQLite
// (modernc.org/sqlite) and PostgreSQL (lib/pq).
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

// NewSQLStore wraps an open database.
func NewSQLStore(db *sql.DB, dialect Dialect) (*SQLStore, error) {
	if _, ok := schemas[dialect]; !ok {
		return nil, fmt.Errorf("metadata: unsupported dialect %q", dialect)
	}
	return &SQLStore{db: db, dialect: dialect, now: time.Now}, nil
}

// Open opens a database with the named driver and prepares the schema. The
// driver must already be registered by the caller.
func Open(ctx context.Context, dialect Dialect, dsn string) (*SQLStore, error) {
	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, fmt.Errorf("metadata: failed to open %s database: %w", dialect, err)
	}
	if dialect == SQLite {
		// SQLite allows one writer; a single connection also keeps
		// in-memory databases alive and shared.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("metadata: failed to connect to %s database: %w", dialect, err)
	}

	s, err := NewSQLStore(db, dialect)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Init creates the records table if needed.
func (s *SQLStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemas[s.dialect]); err != nil {
		return fmt.Errorf("metadata: failed to create schema: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Begin starts a unit of work backed by a database transaction.
func (s *SQLStore) Begin(ctx context.Context) (*unitofwork.Unit, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("metadata: failed to begin transaction: %w", err)
	}
	return unitofwork.New(tx), nil
}

func (s *SQLStore) Create(ctx context.Context, u *unitofwork.Unit) (int64, error) {
	tx, err := sqlTx(u)
	if err != nil {
		return 0, err
	}
	now := s.now().UTC()

	var id int64
	query := `INSERT INTO records (created_at, updated_at) VALUES ($1, $2) RETURNING owner_id`
	if err := tx.QueryRowContext(ctx, query, now, now).Scan(&id); err != nil {
		return 0, fmt.Errorf("metadata: failed to create record: %w", err)
	}
	return id, nil
}

func (s *SQLStore) Get(ctx context.Context, u *unitofwork.Unit, ownerID int64) (Reference, error) {
	tx, err := sqlTx(u)
	if err != nil {
		return Reference{}, err
	}

	query := `SELECT owner_id, storage_key, created_at, updated_at FROM records WHERE owner_id = $1`
	if s.dialect == Postgres {
		query += ` FOR UPDATE`
	}

	var (
		ref Reference
		key sql.NullString
	)
	err = tx.QueryRowContext(ctx, query, ownerID).Scan(&ref.OwnerID, &key, &ref.CreatedAt, &ref.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Reference{}, fmt.Errorf("%w: owner %d", ErrNotFound, ownerID)
		}
		return Reference{}, fmt.Errorf("metadata: failed to load owner %d: %w", ownerID, err)
	}
	ref.StorageKey = key.String
	ref.IsPresent = key.Valid && key.String != ""
	return ref, nil
}

func (s *SQLStore) SetKey(ctx context.Context, u *unitofwork.Unit, ownerID int64, key string) error {
	query := `UPDATE records SET storage_key = $1, updated_at = $2 WHERE owner_id = $3`
	return s.exec(ctx, u, ownerID, query, key, s.now().UTC(), ownerID)
}

func (s *SQLStore) ClearKey(ctx context.Context, u *unitofwork.Unit, ownerID int64) error {
	query := `UPDATE records SET storage_key = NULL, updated_at = $1 WHERE owner_id = $2`
	return s.exec(ctx, u, ownerID, query, s.now().UTC(), ownerID)
}

func (s *SQLStore) Delete(ctx context.Context, u *unitofwork.Unit, ownerID int64) error {
	query := `DELETE FROM records WHERE owner_id = $1`
	return s.exec(ctx, u, ownerID, query, ownerID)
}

func (s *SQLStore) Keys(ctx context.Context) (map[string]struct{}, error) {
	query := `SELECT storage_key FROM records WHERE storage_key IS NOT NULL AND storage_key <> ''`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("metadata: failed to list keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	keys := make(map[string]struct{})
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("metadata: failed to scan key: %w", err)
		}
		keys[key] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("metadata: failed to list keys: %w", err)
	}
	return keys, nil
}

func (s *SQLStore) exec(ctx context.Context, u *unitofwork.Unit, ownerID int64, query string, args ...any) error {
	tx, err := sqlTx(u)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("metadata: failed to update owner %d: %w", ownerID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("metadata: failed to check rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: owner %d", ErrNotFound, ownerID)
	}
	return nil
}

func sqlTx(u *unitofwork.Unit) (*sql.Tx, error) {
	tx, ok := u.Tx().(*sql.Tx)
	if !ok {
		return nil, fmt.Errorf("metadata: unit %s was not begun by a SQL store", u.ID())
	}
	return tx, nil
}
