package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/pflag"

	// Database drivers selectable with --database-driver.
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/tomasbasham/imagestore/internal/metadata"
	"github.com/tomasbasham/imagestore/internal/storage"
)

const (
	backendDisk = "disk"
	backendGCS  = "gcs"
	backendS3   = "s3"

	driverSQLite   = "sqlite"
	driverPostgres = "postgres"
	driverMemory   = "memory"
)

// StoreOptions selects and configures the blob and metadata stores. It is
// shared by every command that touches stored data.
type StoreOptions struct {
	StorageBackend string
	StorageRoot    string
	Bucket         string
	Prefix         string
	S3Region       string
	S3Endpoint     string

	DatabaseDriver string
	DatabaseDSN    string
}

// AddFlags registers the store flags on fs.
func (o *StoreOptions) AddFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.StorageBackend, "storage-backend", backendDisk, "Blob storage backend: disk, gcs or s3")
	fs.StringVar(&o.StorageRoot, "storage-root", "uploads/images", "Directory for the disk backend")
	fs.StringVarP(&o.Bucket, "bucket", "b", "", "Bucket name for the gcs and s3 backends")
	fs.StringVar(&o.Prefix, "prefix", "", "Key prefix inside the bucket")
	fs.StringVar(&o.S3Region, "s3-region", "", "AWS region for the s3 backend (default: from the environment)")
	fs.StringVar(&o.S3Endpoint, "s3-endpoint", "", "Custom endpoint for S3-compatible services")
	fs.StringVar(&o.DatabaseDriver, "database-driver", driverSQLite, "Metadata database: sqlite, postgres or memory")
	fs.StringVar(&o.DatabaseDSN, "database-dsn", "imagestore.db", "Database connection string")
}

// Validate checks the selected backends are fully configured.
func (o *StoreOptions) Validate() error {
	switch o.StorageBackend {
	case backendDisk:
		if o.StorageRoot == "" {
			return fmt.Errorf("--storage-root is required for the disk backend")
		}
	case backendGCS, backendS3:
		if o.Bucket == "" {
			return fmt.Errorf("--bucket is required for the %s backend", o.StorageBackend)
		}
	default:
		return fmt.Errorf("unknown storage backend %q", o.StorageBackend)
	}

	switch o.DatabaseDriver {
	case driverSQLite, driverPostgres:
		if o.DatabaseDSN == "" {
			return fmt.Errorf("--database-dsn is required for the %s driver", o.DatabaseDriver)
		}
	case driverMemory:
	default:
		return fmt.Errorf("unknown database driver %q", o.DatabaseDriver)
	}
	return nil
}

// stores holds opened stores and closes them together.
type stores struct {
	blobs   storage.Store
	records metadata.Store
	closers []io.Closer
}

func (s *stores) Close() error {
	var first error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Open connects to the configured stores.
func (o *StoreOptions) Open(ctx context.Context, logger *slog.Logger) (*stores, error) {
	s := &stores{}

	switch o.StorageBackend {
	case backendDisk:
		disk, err := storage.NewDiskStore(o.StorageRoot)
		if err != nil {
			return nil, fmt.Errorf("failed to initialise disk store: %w", err)
		}
		s.blobs = disk
	case backendGCS:
		gcs, err := storage.NewGCSStore(ctx, o.Bucket, o.Prefix)
		if err != nil {
			return nil, fmt.Errorf("failed to initialise GCS store: %w", err)
		}
		s.blobs = gcs
		s.closers = append(s.closers, gcs)
	case backendS3:
		s3, err := storage.NewS3Store(ctx, storage.S3Config{
			Bucket:   o.Bucket,
			Region:   o.S3Region,
			Endpoint: o.S3Endpoint,
			Prefix:   o.Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialise S3 store: %w", err)
		}
		s.blobs = s3
	}

	switch o.DatabaseDriver {
	case driverMemory:
		logger.Warn("using in-memory metadata; records are lost on exit")
		s.records = metadata.NewMemoryStore()
	default:
		db, err := metadata.Open(ctx, metadata.Dialect(o.DatabaseDriver), o.DatabaseDSN)
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to open %s database: %w", o.DatabaseDriver, err)
		}
		s.records = db
		s.closers = append(s.closers, db)
	}

	logger.Debug("stores opened",
		"storage_backend", o.StorageBackend,
		"database_driver", o.DatabaseDriver,
	)
	return s, nil
}
