package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tomasbasham/imagestore/internal/naming"
	"github.com/tomasbasham/imagestore/internal/storage"
)

// DefaultGrace is how old an unreferenced blob must be before a sweep
// removes it. Blobs written by units that are still open are younger.
const DefaultGrace = 15 * time.Minute

// KeyLister reports every storage key referenced by committed metadata.
type KeyLister interface {
	Keys(ctx context.Context) (map[string]struct{}, error)
}

// SweepReport summarises one sweep. Ignored counts objects that are neither
// artefact keys nor partial writes; a sweep never touches them.
type SweepReport struct {
	Scanned int
	Ignored int
	Young   int
	Deleted int
	Failed  int
}

// Sweeper deletes blobs that no record references.
type Sweeper struct {
	blobs   storage.Store
	refs    KeyLister
	logger  *slog.Logger
	metrics *Metrics

	Grace       time.Duration
	Concurrency int
	Now         func() time.Time
}

// NewSweeper creates a Sweeper. logger and metrics may be nil.
func NewSweeper(blobs storage.Store, refs KeyLister, logger *slog.Logger, metrics *Metrics) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		blobs:       blobs,
		refs:        refs,
		logger:      logger,
		metrics:     metrics,
		Grace:       DefaultGrace,
		Concurrency: 4,
		Now:         time.Now,
	}
}

// Sweep removes unreferenced blobs older than the grace period. Individual
// delete failures are counted in the report, not returned.
func (s *Sweeper) Sweep(ctx context.Context) (SweepReport, error) {
	// Blobs are listed before references are loaded. A blob committed in
	// between then shows up as referenced rather than orphaned.
	objects, err := s.blobs.List(ctx)
	if err != nil {
		s.metrics.observeSweepError()
		return SweepReport{}, fmt.Errorf("cleanup: sweep failed to list blobs: %w", err)
	}
	keys, err := s.refs.Keys(ctx)
	if err != nil {
		s.metrics.observeSweepError()
		return SweepReport{}, fmt.Errorf("cleanup: sweep failed to load references: %w", err)
	}

	report := SweepReport{Scanned: len(objects)}
	cutoff := s.Now().Add(-s.Grace)

	var orphans []string
	for _, obj := range objects {
		if !sweepable(obj) {
			report.Ignored++
			continue
		}
		if _, ok := keys[obj.Key]; ok {
			continue
		}
		if obj.ModTime.After(cutoff) {
			report.Young++
			continue
		}
		orphans = append(orphans, obj.Key)
	}

	results := make([]error, len(orphans))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(s.Concurrency, 1))
	for i, key := range orphans {
		g.Go(func() error {
			results[i] = s.blobs.Delete(gctx, key)
			return nil
		})
	}
	_ = g.Wait()

	for i, err := range results {
		if err != nil {
			report.Failed++
			s.metrics.observeOrphan(resultFailed)
			s.logger.Error("sweep delete failed", "storage_key", orphans[i], "error", err)
			continue
		}
		report.Deleted++
		s.metrics.observeOrphan(resultExecuted)
		s.logger.Info("sweep deleted orphaned blob", "storage_key", orphans[i])
	}
	return report, ctx.Err()
}

// sweepable reports whether obj belongs to this store. The bucket or
// directory may be shared, so anything not named by naming.Namer is left
// alone.
func sweepable(obj storage.Object) bool {
	if obj.Partial {
		return true
	}
	_, _, _, err := naming.Parse(obj.Key)
	return err == nil
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := s.Sweep(ctx)
			if err != nil {
				s.logger.Error("sweep failed", "error", err)
				continue
			}
			s.logger.Info("sweep complete",
				"scanned", report.Scanned,
				"ignored", report.Ignored,
				"young", report.Young,
				"deleted", report.Deleted,
				"failed", report.Failed,
			)
		}
	}
}
