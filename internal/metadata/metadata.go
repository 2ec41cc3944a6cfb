// Package metadata stores the record side of each artefact: which blob key,
// if any, an owner currently points at. All mutations happen inside a
// unitofwork.Unit begun by the same store.
package metadata

import (
	"context"
	"errors"
	"time"

	"github.com/tomasbasham/imagestore/internal/unitofwork"
)

// ErrNotFound is returned when no record exists for an owner.
var ErrNotFound = errors.New("metadata: record not found")

// Reference points a record at its stored blob.
type Reference struct {
	OwnerID    int64
	StorageKey string

	// IsPresent is true when StorageKey names a blob.
	IsPresent bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store is the transactional metadata store. Reads through Get lock the
// record for the remainder of the unit where the backend supports it.
type Store interface {
	unitofwork.Beginner

	Create(ctx context.Context, u *unitofwork.Unit) (int64, error)
	Get(ctx context.Context, u *unitofwork.Unit, ownerID int64) (Reference, error)
	SetKey(ctx context.Context, u *unitofwork.Unit, ownerID int64, key string) error
	ClearKey(ctx context.Context, u *unitofwork.Unit, ownerID int64) error
	Delete(ctx context.Context, u *unitofwork.Unit, ownerID int64) error

	// Keys returns every storage key referenced by a committed record.
	Keys(ctx context.Context) (map[string]struct{}, error)
}
