// Package storage provides primitive operations against the artefact medium.
// Backends know nothing about transactions: they write, read, delete and list
// blobs by key. The disk implementation is the default; GCS and S3 backends
// satisfy the same interface for deployments with object storage.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned by Read when a key is absent or unreadable.
	ErrNotFound = errors.New("storage: blob not found")

	// ErrInvalidKey is returned for keys that could address something other
	// than a single blob directly under the storage root.
	ErrInvalidKey = errors.New("storage: invalid key")
)

// Store persists artefact blobs.
type Store interface {
	// Write stores the full content under req.Key, replacing any blob already
	// there. Readers never observe a partially written blob.
	Write(ctx context.Context, req *WriteRequest) error

	// Read opens the blob stored under key. The caller must close it.
	Read(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes the blob stored under key. Deleting an absent key is not
	// an error.
	Delete(ctx context.Context, key string) error

	// List enumerates every blob in the store.
	List(ctx context.Context) ([]Object, error)
}

type WriteRequest struct {
	// Key is the object name relative to the storage root.
	Key string

	// Content is the data to be written.
	Content io.Reader

	// ContentType is the MIME type of the content, e.g. "image/png".
	ContentType string
}

// Object describes a stored blob.
type Object struct {
	Key     string
	Size    int64
	ModTime time.Time

	// Partial marks the remains of a write that never completed. No record
	// can reference a partial object.
	Partial bool
}

// WriteError reports an I/O failure while writing a blob.
type WriteError struct {
	Key string
	Err error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("storage: write %q: %v", e.Key, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// ReadError reports an I/O failure while reading a blob that does exist.
type ReadError struct {
	Key string
	Err error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("storage: read %q: %v", e.Key, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

// DeleteError reports a failure to remove an existing blob.
type DeleteError struct {
	Key string
	Err error
}

func (e *DeleteError) Error() string {
	return fmt.Sprintf("storage: delete %q: %v", e.Key, e.Err)
}

func (e *DeleteError) Unwrap() error { return e.Err }

// ValidateKey rejects keys that are empty or contain path components.
func ValidateKey(key string) error {
	if key == "" || key == "." || strings.Contains(key, "..") || strings.ContainsAny(key, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}
