package artefact

import (
	"context"
	"sync"
)

// ownerLocks serialises writers per owner. A lock is held by a unit of work
// and released once that unit's cleanup has run, so intents for one owner
// execute in the order their units complete. The same unit may re-enter.
type ownerLocks struct {
	mu    sync.Mutex
	locks map[int64]*ownerLock
}

type ownerLock struct {
	token  chan struct{}
	holder string
	refs   int
}

func newOwnerLocks() *ownerLocks {
	return &ownerLocks{locks: make(map[int64]*ownerLock)}
}

// acquire blocks until holder owns the lock for ownerID or ctx is done. It
// returns a nil release func when holder already owned the lock.
func (l *ownerLocks) acquire(ctx context.Context, ownerID int64, holder string) (func(), error) {
	l.mu.Lock()
	ol, ok := l.locks[ownerID]
	if !ok {
		ol = &ownerLock{token: make(chan struct{}, 1)}
		l.locks[ownerID] = ol
	}
	if ol.holder == holder {
		l.mu.Unlock()
		return nil, nil
	}
	ol.refs++
	l.mu.Unlock()

	select {
	case ol.token <- struct{}{}:
	case <-ctx.Done():
		l.mu.Lock()
		l.drop(ownerID, ol)
		l.mu.Unlock()
		return nil, ctx.Err()
	}

	l.mu.Lock()
	ol.holder = holder
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			ol.holder = ""
			l.drop(ownerID, ol)
			l.mu.Unlock()
			<-ol.token
		})
	}, nil
}

// drop must be called with l.mu held.
func (l *ownerLocks) drop(ownerID int64, ol *ownerLock) {
	ol.refs--
	if ol.refs == 0 {
		delete(l.locks, ownerID)
	}
}

func (l *ownerLocks) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
