// Package artefact orchestrates uploads, reads and deletes of the single
// image attached to each record. Every write runs inside a unit of work:
//
//	validate → name → write blob → update reference → register cleanup
//
// and the cleanup intent fires once the unit commits or rolls back. Writers
// for the same owner are serialised until their unit's cleanup has run.
package artefact

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/tomasbasham/imagestore/internal/cleanup"
	"github.com/tomasbasham/imagestore/internal/metadata"
	"github.com/tomasbasham/imagestore/internal/naming"
	"github.com/tomasbasham/imagestore/internal/storage"
	"github.com/tomasbasham/imagestore/internal/unitofwork"
	"github.com/tomasbasham/imagestore/internal/validate"
)

// ErrNotFound is returned when an owner has no record, no artefact, or the
// referenced blob is missing.
var ErrNotFound = errors.New("artefact: not found")

// File is an upload as received from the client.
type File struct {
	Name string
	Data []byte
}

// UploadResult is the outcome of a successful upload.
type UploadResult struct {
	OwnerID     int64  `json:"owner_id"`
	StorageKey  string `json:"image_file_name"`
	ContentType string `json:"content_type"`
	IsPresent   bool   `json:"is_image_uploaded"`
}

// Artefact is an open stored image. The caller must close Content.
type Artefact struct {
	OwnerID     int64
	StorageKey  string
	ContentType string
	Content     io.ReadCloser
}

// Options configures a Service.
type Options struct {
	Records     metadata.Store
	Blobs       storage.Store
	Validator   *validate.Validator
	Namer       *naming.Namer
	Coordinator *cleanup.Coordinator
	Logger      *slog.Logger

	// MaxInFlight bounds concurrently executing operations. Zero means 16.
	MaxInFlight int64

	// OperationTimeout bounds each operation started through the
	// convenience wrappers. Zero disables the deadline.
	OperationTimeout time.Duration
}

// Service is the upload orchestrator.
type Service struct {
	records   metadata.Store
	blobs     storage.Store
	validator *validate.Validator
	namer     *naming.Namer
	cleanup   *cleanup.Coordinator
	logger    *slog.Logger

	locks    *ownerLocks
	inFlight *semaphore.Weighted
	timeout  time.Duration
}

// New creates a Service. Records and Blobs are required; every other option
// has a default.
func New(opts Options) (*Service, error) {
	if opts.Records == nil || opts.Blobs == nil {
		return nil, errors.New("artefact: records and blobs are required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Validator == nil {
		opts.Validator = validate.New(validate.DefaultMaxSize)
	}
	if opts.Namer == nil {
		opts.Namer = naming.New(nil)
	}
	if opts.Coordinator == nil {
		opts.Coordinator = cleanup.NewCoordinator(opts.Blobs, opts.Logger, nil)
	}
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = 16
	}
	return &Service{
		records:   opts.Records,
		blobs:     opts.Blobs,
		validator: opts.Validator,
		namer:     opts.Namer,
		cleanup:   opts.Coordinator,
		logger:    opts.Logger,
		locks:     newOwnerLocks(),
		inFlight:  semaphore.NewWeighted(opts.MaxInFlight),
		timeout:   opts.OperationTimeout,
	}, nil
}

// UploadArtifact stores file as the owner's image within u. The previous
// image, if any, is deleted once u commits; if u rolls back the new blob is
// deleted instead and the reference is left untouched.
func (s *Service) UploadArtifact(ctx context.Context, u *unitofwork.Unit, ownerID int64, file File) (UploadResult, error) {
	logger := s.logger.With("unit_id", u.ID(), "owner_id", ownerID)
	logger.Info("uploading artefact", "file_name", file.Name, "size", len(file.Data))

	if err := s.lockOwner(ctx, u, ownerID); err != nil {
		return UploadResult{}, err
	}

	res, err := s.validator.Validate(file.Data, file.Name)
	if err != nil {
		logger.Warn("upload rejected", "error", err)
		return UploadResult{}, err
	}

	ref, err := s.records.Get(ctx, u, ownerID)
	if err != nil {
		return UploadResult{}, notFound(err)
	}

	// Nothing irreversible has happened yet; honour the deadline here.
	if err := ctx.Err(); err != nil {
		return UploadResult{}, err
	}

	key := s.namer.Name(ownerID, res.Extension)
	err = s.blobs.Write(ctx, &storage.WriteRequest{
		Key:         key,
		Content:     bytes.NewReader(file.Data),
		ContentType: res.ContentType,
	})
	if err != nil {
		s.discard(logger, key)
		return UploadResult{}, err
	}

	if err := s.records.SetKey(ctx, u, ownerID, key); err != nil {
		s.discard(logger, key)
		return UploadResult{}, notFound(err)
	}
	if err := s.cleanup.Register(u, cleanup.ForUpload(ref.StorageKey, key)); err != nil {
		s.discard(logger, key)
		return UploadResult{}, fmt.Errorf("artefact: failed to register cleanup: %w", err)
	}

	logger.Info("artefact reference updated", "storage_key", key, "previous_key", ref.StorageKey)
	return UploadResult{
		OwnerID:     ownerID,
		StorageKey:  key,
		ContentType: res.ContentType,
		IsPresent:   true,
	}, nil
}

// DeleteArtifact clears the owner's image reference within u. The blob is
// deleted once u commits.
func (s *Service) DeleteArtifact(ctx context.Context, u *unitofwork.Unit, ownerID int64) error {
	logger := s.logger.With("unit_id", u.ID(), "owner_id", ownerID)

	if err := s.lockOwner(ctx, u, ownerID); err != nil {
		return err
	}
	ref, err := s.records.Get(ctx, u, ownerID)
	if err != nil {
		return notFound(err)
	}
	if !ref.IsPresent {
		return fmt.Errorf("%w: owner %d has no image", ErrNotFound, ownerID)
	}
	if err := s.records.ClearKey(ctx, u, ownerID); err != nil {
		return notFound(err)
	}
	if err := s.cleanup.Register(u, cleanup.ForDeletion(ref.StorageKey)); err != nil {
		return fmt.Errorf("artefact: failed to register cleanup: %w", err)
	}

	logger.Info("artefact reference cleared", "storage_key", ref.StorageKey)
	return nil
}

// ReadArtifact opens the owner's current image.
func (s *Service) ReadArtifact(ctx context.Context, ownerID int64) (Artefact, error) {
	var ref metadata.Reference
	err := unitofwork.Run(ctx, s.records, func(ctx context.Context, u *unitofwork.Unit) error {
		var err error
		ref, err = s.records.Get(ctx, u, ownerID)
		return err
	})
	if err != nil {
		return Artefact{}, notFound(err)
	}
	if !ref.IsPresent {
		s.logger.Warn("no image found", "owner_id", ownerID)
		return Artefact{}, fmt.Errorf("%w: owner %d has no image", ErrNotFound, ownerID)
	}

	rc, err := s.blobs.Read(ctx, ref.StorageKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.logger.Error("referenced blob missing", "owner_id", ownerID, "storage_key", ref.StorageKey)
			return Artefact{}, fmt.Errorf("%w: %w", ErrNotFound, err)
		}
		return Artefact{}, err
	}
	return Artefact{
		OwnerID:     ownerID,
		StorageKey:  ref.StorageKey,
		ContentType: naming.ContentType(ref.StorageKey),
		Content:     rc,
	}, nil
}

// CreateRecord inserts an empty record within u.
func (s *Service) CreateRecord(ctx context.Context, u *unitofwork.Unit) (int64, error) {
	id, err := s.records.Create(ctx, u)
	if err != nil {
		return 0, err
	}
	s.logger.Info("record created", "unit_id", u.ID(), "owner_id", id)
	return id, nil
}

// DeleteRecord removes the owner's record within u. Its image, if any, is
// deleted once u commits.
func (s *Service) DeleteRecord(ctx context.Context, u *unitofwork.Unit, ownerID int64) error {
	if err := s.lockOwner(ctx, u, ownerID); err != nil {
		return err
	}
	ref, err := s.records.Get(ctx, u, ownerID)
	if err != nil {
		return notFound(err)
	}
	if err := s.records.Delete(ctx, u, ownerID); err != nil {
		return notFound(err)
	}
	if ref.IsPresent {
		if err := s.cleanup.Register(u, cleanup.ForDeletion(ref.StorageKey)); err != nil {
			return fmt.Errorf("artefact: failed to register cleanup: %w", err)
		}
	}
	s.logger.Info("record deleted", "unit_id", u.ID(), "owner_id", ownerID, "storage_key", ref.StorageKey)
	return nil
}

// lockOwner serialises u against other units writing ownerID until u's
// cleanup has run.
func (s *Service) lockOwner(ctx context.Context, u *unitofwork.Unit, ownerID int64) error {
	release, err := s.locks.acquire(ctx, ownerID, u.ID())
	if err != nil {
		return fmt.Errorf("artefact: waiting for owner %d: %w", ownerID, err)
	}
	if release == nil {
		return nil
	}
	if err := u.OnComplete(release); err != nil {
		release()
		return err
	}
	return nil
}

// discard removes a blob that nothing references yet. Failure leaves an
// orphan for the sweeper.
func (s *Service) discard(logger *slog.Logger, key string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanup.DefaultDeleteTimeout)
	defer cancel()
	if err := s.blobs.Delete(ctx, key); err != nil {
		logger.Error("failed to discard unreferenced blob", "storage_key", key, "error", err)
	}
}

func notFound(err error) error {
	if errors.Is(err, metadata.ErrNotFound) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return err
}

// Upload runs UploadArtifact in its own unit of work.
func (s *Service) Upload(ctx context.Context, ownerID int64, file File) (UploadResult, error) {
	var res UploadResult
	err := s.run(ctx, func(ctx context.Context, u *unitofwork.Unit) error {
		var err error
		res, err = s.UploadArtifact(ctx, u, ownerID, file)
		return err
	})
	if err != nil {
		return UploadResult{}, err
	}
	return res, nil
}

// Delete runs DeleteArtifact in its own unit of work.
func (s *Service) Delete(ctx context.Context, ownerID int64) error {
	return s.run(ctx, func(ctx context.Context, u *unitofwork.Unit) error {
		return s.DeleteArtifact(ctx, u, ownerID)
	})
}

// Create runs CreateRecord in its own unit of work.
func (s *Service) Create(ctx context.Context) (int64, error) {
	var id int64
	err := s.run(ctx, func(ctx context.Context, u *unitofwork.Unit) error {
		var err error
		id, err = s.CreateRecord(ctx, u)
		return err
	})
	return id, err
}

// Remove runs DeleteRecord in its own unit of work.
func (s *Service) Remove(ctx context.Context, ownerID int64) error {
	return s.run(ctx, func(ctx context.Context, u *unitofwork.Unit) error {
		return s.DeleteRecord(ctx, u, ownerID)
	})
}

func (s *Service) run(ctx context.Context, fn func(context.Context, *unitofwork.Unit) error) error {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	if err := s.inFlight.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("artefact: too many operations in flight: %w", err)
	}
	defer s.inFlight.Release(1)

	return unitofwork.Run(ctx, s.records, fn)
}
