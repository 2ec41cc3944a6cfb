// Package unitofwork wraps a metadata transaction with outcome hooks. A Unit
// moves through a single transition:
//
//	pending → committed | rolled back
//
// Hooks registered while pending run exactly once, after the transition, in
// registration order. Exactly one of each registration's two callbacks fires.
// Completion callbacks run after every hook, whatever the outcome.
package unitofwork

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// ErrCompleted is returned when a Unit is used after its outcome is known.
var ErrCompleted = errors.New("unitofwork: already completed")

// Outcome is the terminal state of a Unit.
type Outcome int

const (
	Pending Outcome = iota
	Committed
	RolledBack
)

func (o Outcome) String() string {
	switch o {
	case Pending:
		return "pending"
	case Committed:
		return "committed"
	case RolledBack:
		return "rolled_back"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Tx is the transaction a Unit completes. *sql.Tx satisfies it.
type Tx interface {
	Commit() error
	Rollback() error
}

// Beginner starts units of work.
type Beginner interface {
	Begin(ctx context.Context) (*Unit, error)
}

type hook struct {
	onCommit   func()
	onRollback func()
}

// Unit is a single transaction boundary.
type Unit struct {
	id string
	tx Tx

	mu       sync.Mutex
	outcome  Outcome
	hooks    []hook
	complete []func()
}

// New wraps tx in a pending Unit.
func New(tx Tx) *Unit {
	return &Unit{id: uuid.NewString(), tx: tx}
}

// ID identifies the unit in logs.
func (u *Unit) ID() string {
	return u.id
}

// Tx returns the wrapped transaction.
func (u *Unit) Tx() Tx {
	return u.tx
}

// Outcome reports the current state.
func (u *Unit) Outcome() Outcome {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.outcome
}

// RegisterOnOutcome arranges for onCommit to run if the unit commits and
// onRollback to run otherwise. Either may be nil.
func (u *Unit) RegisterOnOutcome(onCommit, onRollback func()) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.outcome != Pending {
		return ErrCompleted
	}
	u.hooks = append(u.hooks, hook{onCommit: onCommit, onRollback: onRollback})
	return nil
}

// OnComplete arranges for fn to run once the unit completes, after all
// outcome hooks. Completion callbacks run in reverse registration order.
func (u *Unit) OnComplete(fn func()) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.outcome != Pending {
		return ErrCompleted
	}
	u.complete = append(u.complete, fn)
	return nil
}

// Commit commits the transaction and runs the commit hooks. A failed commit
// leaves the transaction rolled back, so the rollback hooks run instead and
// the commit error is returned.
func (u *Unit) Commit() error {
	u.mu.Lock()
	if u.outcome != Pending {
		u.mu.Unlock()
		return ErrCompleted
	}
	err := u.tx.Commit()
	if err != nil {
		_ = u.tx.Rollback()
		u.outcome = RolledBack
	} else {
		u.outcome = Committed
	}
	hooks, complete := u.takeHooks()
	outcome := u.outcome
	u.mu.Unlock()

	runHooks(hooks, complete, outcome)
	if err != nil {
		return fmt.Errorf("unitofwork: commit %s: %w", u.id, err)
	}
	return nil
}

// Rollback rolls the transaction back and runs the rollback hooks. Calling it
// on a completed unit does nothing, so it is safe to defer.
func (u *Unit) Rollback() error {
	u.mu.Lock()
	if u.outcome != Pending {
		u.mu.Unlock()
		return nil
	}
	err := u.tx.Rollback()
	u.outcome = RolledBack
	hooks, complete := u.takeHooks()
	u.mu.Unlock()

	runHooks(hooks, complete, RolledBack)
	if err != nil {
		return fmt.Errorf("unitofwork: rollback %s: %w", u.id, err)
	}
	return nil
}

func (u *Unit) takeHooks() ([]hook, []func()) {
	hooks, complete := u.hooks, u.complete
	u.hooks, u.complete = nil, nil
	return hooks, complete
}

// runHooks calls every hook even if an earlier one panics; the first panic is
// re-raised once all have run. Completion callbacks run regardless.
func runHooks(hooks []hook, complete []func(), outcome Outcome) {
	defer func() {
		for i := len(complete) - 1; i >= 0; i-- {
			complete[i]()
		}
	}()

	var first any
	for _, h := range hooks {
		fn := h.onRollback
		if outcome == Committed {
			fn = h.onCommit
		}
		if fn == nil {
			continue
		}
		func() {
			defer func() {
				if p := recover(); p != nil && first == nil {
					first = p
				}
			}()
			fn()
		}()
	}
	if first != nil {
		panic(first)
	}
}

// Run begins a unit, passes it to fn and commits when fn returns nil. Any
// error or panic from fn rolls the unit back.
func Run(ctx context.Context, b Beginner, fn func(ctx context.Context, u *Unit) error) error {
	u, err := b.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = u.Rollback()
			panic(p)
		}
	}()

	if err := fn(ctx, u); err != nil {
		if rbErr := u.Rollback(); rbErr != nil {
			return errors.Join(err, rbErr)
		}
		return err
	}
	return u.Commit()
}
