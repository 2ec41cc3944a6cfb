package artefact

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOwnerLocks_Exclusive(t *testing.T) {
	l := newOwnerLocks()

	var active, peak atomic.Int32
	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := l.acquire(context.Background(), 7, string(rune('a'+i)))
			if !assert.NoError(t, err) {
				return
			}
			n := active.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			active.Add(-1)
			release()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), peak.Load())
	assert.Zero(t, l.len(), "released locks are dropped")
}

func TestOwnerLocks_OwnersAreIndependent(t *testing.T) {
	l := newOwnerLocks()

	r1, err := l.acquire(context.Background(), 1, "u1")
	require.NoError(t, err)
	r2, err := l.acquire(context.Background(), 2, "u2")
	require.NoError(t, err)

	assert.Equal(t, 2, l.len())
	r1()
	r2()
	assert.Zero(t, l.len())
}

func TestOwnerLocks_Reentrant(t *testing.T) {
	l := newOwnerLocks()

	release, err := l.acquire(context.Background(), 1, "u1")
	require.NoError(t, err)
	again, err := l.acquire(context.Background(), 1, "u1")
	require.NoError(t, err)
	assert.Nil(t, again)

	release()
	release()
	assert.Zero(t, l.len())
}

func TestOwnerLocks_ContextCancelled(t *testing.T) {
	l := newOwnerLocks()

	release, err := l.acquire(context.Background(), 1, "u1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.acquire(ctx, 1, "u2")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	assert.Zero(t, l.len())

	next, err := l.acquire(context.Background(), 1, "u3")
	require.NoError(t, err)
	next()
}
