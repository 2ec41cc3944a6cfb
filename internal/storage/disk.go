package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const tempPrefix = ".tmp-"

// DiskStore keeps blobs as files in a single directory on the local
// filesystem.
type DiskStore struct {
	baseDir string
}

// NewDiskStore creates a DiskStore that keeps blobs under baseDir. The
// directory is created if it does not already exist.
func NewDiskStore(baseDir string) (*DiskStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: failed to create local base directory %q: %w", baseDir, err)
	}
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to resolve absolute path for %q: %w", baseDir, err)
	}
	return &DiskStore{baseDir: abs}, nil
}

// Dir returns the absolute directory holding the blobs.
func (s *DiskStore) Dir() string {
	return s.baseDir
}

// Write copies content into a temporary file beside the destination and
// renames it into place once fully flushed.
func (s *DiskStore) Write(ctx context.Context, req *WriteRequest) error {
	if err := ValidateKey(req.Key); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return &WriteError{Key: req.Key, Err: err}
	}

	// The directory may have been removed since construction.
	if err := os.MkdirAll(s.baseDir, 0o755); err != nil {
		return &WriteError{Key: req.Key, Err: err}
	}

	f, err := os.CreateTemp(s.baseDir, tempPrefix+req.Key+"-*")
	if err != nil {
		return &WriteError{Key: req.Key, Err: err}
	}
	tmp := f.Name()

	fail := func(err error) error {
		_ = f.Close()
		_ = os.Remove(tmp)
		return &WriteError{Key: req.Key, Err: err}
	}

	if _, err := io.Copy(f, req.Content); err != nil {
		return fail(err)
	}
	if err := f.Sync(); err != nil {
		return fail(err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return &WriteError{Key: req.Key, Err: err}
	}
	if err := os.Rename(tmp, s.path(req.Key)); err != nil {
		_ = os.Remove(tmp)
		return &WriteError{Key: req.Key, Err: err}
	}
	return nil
}

// Read opens the file for key. Missing and unreadable files both report
// ErrNotFound.
func (s *DiskStore) Read(_ context.Context, key string) (io.ReadCloser, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	f, err := os.Open(s.path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
			return nil, fmt.Errorf("%w: %q", ErrNotFound, key)
		}
		return nil, &ReadError{Key: key, Err: err}
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, &ReadError{Key: key, Err: err}
	}
	if !info.Mode().IsRegular() {
		_ = f.Close()
		return nil, fmt.Errorf("%w: %q", ErrNotFound, key)
	}
	return f, nil
}

// Delete removes the file for key if present.
func (s *DiskStore) Delete(_ context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := os.Remove(s.path(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &DeleteError{Key: key, Err: err}
	}
	return nil
}

// List returns every regular file in the directory. Temporary files left by
// an interrupted Write are reported as Partial.
func (s *DiskStore) List(_ context.Context) ([]Object, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: failed to list %q: %w", s.baseDir, err)
	}

	objects := make([]Object, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// Removed between ReadDir and Info.
			continue
		}
		objects = append(objects, Object{
			Key:     e.Name(),
			Size:    info.Size(),
			ModTime: info.ModTime(),
			Partial: strings.HasPrefix(e.Name(), tempPrefix),
		})
	}
	return objects, nil
}

func (s *DiskStore) path(key string) string {
	return filepath.Join(s.baseDir, key)
}
