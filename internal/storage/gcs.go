package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GCSStore keeps blobs as objects in a Google Cloud Storage bucket. Uploads
// are cancelled rather than closed when the content cannot be read, so a
// failed Write never leaves a partial object behind.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSStore creates a GCSStore for the given bucket. Keys are stored under
// prefix, which may be empty. opts are passed through to the underlying GCS
// client, allowing credential injection.
func NewGCSStore(ctx context.Context, bucket, prefix string, opts ...option.ClientOption) (*GCSStore, error) {
	if bucket == "" {
		return nil, errors.New("storage: GCS bucket name is required")
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to create GCS client: %w", err)
	}
	return &GCSStore{client: client, bucket: bucket, prefix: prefix}, nil
}

// Write uploads content to the object for req.Key.
func (s *GCSStore) Write(ctx context.Context, req *WriteRequest) error {
	if err := ValidateKey(req.Key); err != nil {
		return err
	}
	// Closing a writer commits whatever it has buffered. Cancelling its
	// context first aborts the upload instead.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := s.object(req.Key).NewWriter(ctx)
	w.ContentType = req.ContentType

	if _, err := io.Copy(w, req.Content); err != nil {
		cancel()
		_ = w.Close()
		return &WriteError{Key: req.Key, Err: err}
	}
	if err := w.Close(); err != nil {
		return &WriteError{Key: req.Key, Err: err}
	}
	return nil
}

// Read opens a reader on the object for key.
func (s *GCSStore) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	r, err := s.object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("%w: %q", ErrNotFound, key)
		}
		return nil, &ReadError{Key: key, Err: err}
	}
	return r, nil
}

// Delete removes the object for key. A missing object is not an error.
func (s *GCSStore) Delete(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	err := s.object(key).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return &DeleteError{Key: key, Err: err}
	}
	return nil
}

// List enumerates every object under the configured prefix.
func (s *GCSStore) List(ctx context.Context) ([]Object, error) {
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: s.prefix})

	var objects []Object
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("storage: failed to list gs://%s/%s: %w", s.bucket, s.prefix, err)
		}
		key := strings.TrimPrefix(attrs.Name, s.prefix)
		if ValidateKey(key) != nil {
			continue
		}
		objects = append(objects, Object{
			Key:     key,
			Size:    attrs.Size,
			ModTime: attrs.Updated,
		})
	}
	return objects, nil
}

// Close releases the underlying client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}

func (s *GCSStore) object(key string) *storage.ObjectHandle {
	return s.client.Bucket(s.bucket).Object(s.prefix + key)
}
