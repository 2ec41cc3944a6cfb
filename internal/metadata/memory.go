package metadata

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tomasbasham/imagestore/internal/unitofwork"
)

// MemoryStore is a concurrency-safe in-memory Store. Changes made inside a
// unit are staged and only become visible to other units on commit. It does
// not lock records; callers serialise writers per owner.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[int64]*Reference
	nextID  int64
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[int64]*Reference), now: time.Now}
}

// memTx holds the changes staged by one unit. A nil value marks a deletion.
type memTx struct {
	store  *MemoryStore
	staged map[int64]*Reference
	order  []int64
	done   bool
}

func (t *memTx) Commit() error {
	if t.done {
		return fmt.Errorf("metadata: transaction already completed")
	}
	t.done = true

	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	for _, id := range t.order {
		ref := t.staged[id]
		if ref == nil {
			delete(t.store.records, id)
			continue
		}
		t.store.records[id] = ref
	}
	return nil
}

func (t *memTx) Rollback() error {
	t.done = true
	t.staged = nil
	return nil
}

func (t *memTx) stage(ref *Reference, id int64) {
	if _, ok := t.staged[id]; !ok {
		t.order = append(t.order, id)
	}
	t.staged[id] = ref
}

// view returns the record as seen from inside the unit.
func (t *memTx) view(id int64) (*Reference, bool) {
	if ref, ok := t.staged[id]; ok {
		return ref, ref != nil
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	ref, ok := t.store.records[id]
	return ref, ok
}

func (s *MemoryStore) Begin(context.Context) (*unitofwork.Unit, error) {
	return unitofwork.New(&memTx{store: s, staged: make(map[int64]*Reference)}), nil
}

func (s *MemoryStore) Create(_ context.Context, u *unitofwork.Unit) (int64, error) {
	tx, err := memoryTx(u)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.mu.Unlock()

	now := s.now().UTC()
	tx.stage(&Reference{OwnerID: id, CreatedAt: now, UpdatedAt: now}, id)
	return id, nil
}

func (s *MemoryStore) Get(_ context.Context, u *unitofwork.Unit, ownerID int64) (Reference, error) {
	tx, err := memoryTx(u)
	if err != nil {
		return Reference{}, err
	}
	ref, ok := tx.view(ownerID)
	if !ok {
		return Reference{}, fmt.Errorf("%w: owner %d", ErrNotFound, ownerID)
	}
	// Return a copy to prevent callers from mutating internal state.
	return *ref, nil
}

func (s *MemoryStore) SetKey(_ context.Context, u *unitofwork.Unit, ownerID int64, key string) error {
	return s.update(u, ownerID, func(ref *Reference) {
		ref.StorageKey = key
		ref.IsPresent = key != ""
	})
}

func (s *MemoryStore) ClearKey(_ context.Context, u *unitofwork.Unit, ownerID int64) error {
	return s.update(u, ownerID, func(ref *Reference) {
		ref.StorageKey = ""
		ref.IsPresent = false
	})
}

func (s *MemoryStore) Delete(_ context.Context, u *unitofwork.Unit, ownerID int64) error {
	tx, err := memoryTx(u)
	if err != nil {
		return err
	}
	if _, ok := tx.view(ownerID); !ok {
		return fmt.Errorf("%w: owner %d", ErrNotFound, ownerID)
	}
	tx.stage(nil, ownerID)
	return nil
}

func (s *MemoryStore) Keys(context.Context) (map[string]struct{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make(map[string]struct{}, len(s.records))
	for _, ref := range s.records {
		if ref.IsPresent {
			keys[ref.StorageKey] = struct{}{}
		}
	}
	return keys, nil
}

func (s *MemoryStore) update(u *unitofwork.Unit, ownerID int64, fn func(*Reference)) error {
	tx, err := memoryTx(u)
	if err != nil {
		return err
	}
	ref, ok := tx.view(ownerID)
	if !ok {
		return fmt.Errorf("%w: owner %d", ErrNotFound, ownerID)
	}
	next := *ref
	fn(&next)
	next.UpdatedAt = s.now().UTC()
	tx.stage(&next, ownerID)
	return nil
}

func memoryTx(u *unitofwork.Unit) (*memTx, error) {
	tx, ok := u.Tx().(*memTx)
	if !ok {
		return nil, fmt.Errorf("metadata: unit %s was not begun by a memory store", u.ID())
	}
	if tx.done {
		return nil, unitofwork.ErrCompleted
	}
	return tx, nil
}
