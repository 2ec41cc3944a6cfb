// Package cleanup reconciles blob storage with metadata transaction outcomes.
//
// The decision to delete a blob is made speculatively while a unit of work is
// still open; the delete itself only runs once the unit has committed or
// rolled back, and only on the branch that needs it. Deletes that fail at that
// point are logged and counted but never reported to the caller, whose
// request has already completed. The Sweeper removes whatever such failures
// leave behind.
package cleanup

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/tomasbasham/imagestore/internal/storage"
	"github.com/tomasbasham/imagestore/internal/unitofwork"
)

// DefaultDeleteTimeout bounds each deferred delete.
const DefaultDeleteTimeout = 30 * time.Second

const (
	stateCreated int32 = iota
	stateResolved
)

// Coordinator binds intents to units of work and executes them on outcome.
type Coordinator struct {
	blobs   storage.Store
	logger  *slog.Logger
	metrics *Metrics

	// DeleteTimeout bounds each deferred delete. Deletes run after the
	// triggering request has returned, so they never inherit its context.
	DeleteTimeout time.Duration
}

// NewCoordinator creates a Coordinator deleting from blobs. logger and
// metrics may be nil.
func NewCoordinator(blobs storage.Store, logger *slog.Logger, metrics *Metrics) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		blobs:         blobs,
		logger:        logger,
		metrics:       metrics,
		DeleteTimeout: DefaultDeleteTimeout,
	}
}

// Register schedules intent to run when u completes.
func (c *Coordinator) Register(u *unitofwork.Unit, intent Intent) error {
	var state atomic.Int32
	resolve := func(outcome unitofwork.Outcome) func() {
		return func() {
			if !state.CompareAndSwap(stateCreated, stateResolved) {
				return
			}
			c.execute(u.ID(), intent, outcome)
		}
	}
	if err := u.RegisterOnOutcome(resolve(unitofwork.Committed), resolve(unitofwork.RolledBack)); err != nil {
		return err
	}

	c.logger.Debug("cleanup intent registered",
		"unit_id", u.ID(),
		"kind", intent.Kind,
		"old_key", intent.OldKey,
		"new_key", intent.NewKey,
	)
	return nil
}

func (c *Coordinator) execute(unitID string, intent Intent, outcome unitofwork.Outcome) {
	key, ok := intent.Target(outcome)
	if !ok {
		c.metrics.observeIntent(intent.Kind, outcome.String(), resultDiscarded)
		c.logger.Debug("cleanup intent discarded",
			"unit_id", unitID,
			"kind", intent.Kind,
			"outcome", outcome.String(),
		)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.DeleteTimeout)
	defer cancel()

	if err := c.blobs.Delete(ctx, key); err != nil {
		c.metrics.observeIntent(intent.Kind, outcome.String(), resultFailed)
		c.logger.Error("cleanup delete failed; blob left orphaned",
			"unit_id", unitID,
			"kind", intent.Kind,
			"outcome", outcome.String(),
			"storage_key", key,
			"error", err,
		)
		return
	}

	c.metrics.observeIntent(intent.Kind, outcome.String(), resultExecuted)
	level := slog.LevelInfo
	if outcome == unitofwork.RolledBack {
		level = slog.LevelWarn
	}
	c.logger.Log(ctx, level, "cleanup blob deleted",
		"unit_id", unitID,
		"kind", intent.Kind,
		"outcome", outcome.String(),
		"storage_key", key,
	)
}
