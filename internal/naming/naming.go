// Package naming derives storage keys for uploaded artefacts.
//
// Keys have the form {ownerID}_{unixMillis}.{ext}. The owner prefix keeps
// every owner's blobs in their own key range; the timestamp makes a re-upload
// land on a new key rather than overwriting the previous blob, so the old and
// new blobs of an update are always distinct.
package naming

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	// forgetAfter is how far an owner's last issued millisecond must trail
	// the clock before the Namer stops tracking it.
	forgetAfter = time.Minute

	// minPrune is the number of tracked owners below which nothing is pruned.
	minPrune = 1024
)

// Clock returns the current time.
type Clock func() time.Time

// Namer issues storage keys. Within one process the millisecond component is
// strictly increasing per owner, so two uploads for the same owner in the
// same millisecond still receive distinct keys.
type Namer struct {
	clock Clock

	mu      sync.Mutex
	last    map[int64]int64
	pruneAt int
}

// New returns a Namer reading time from clock. A nil clock uses time.Now.
func New(clock Clock) *Namer {
	if clock == nil {
		clock = time.Now
	}
	return &Namer{clock: clock, last: make(map[int64]int64), pruneAt: minPrune}
}

// Name returns the key for a new blob belonging to ownerID.
func (n *Namer) Name(ownerID int64, ext string) string {
	ms := n.clock().UnixMilli()

	n.mu.Lock()
	if prev, ok := n.last[ownerID]; ok && ms <= prev {
		ms = prev + 1
	}
	n.last[ownerID] = ms
	if len(n.last) >= n.pruneAt {
		n.prune(ms)
	}
	n.mu.Unlock()

	return fmt.Sprintf("%d_%d.%s", ownerID, ms, ext)
}

// prune forgets owners whose last key trails now by more than forgetAfter.
// The clock has already moved past them, so they no longer constrain the
// next key. The threshold doubles with the surviving set to keep pruning
// amortised. Must be called with n.mu held.
func (n *Namer) prune(now int64) {
	cutoff := now - forgetAfter.Milliseconds()
	for owner, ms := range n.last {
		if ms < cutoff {
			delete(n.last, owner)
		}
	}
	n.pruneAt = max(minPrune, 2*len(n.last))
}

// Parse splits a key produced by Name into its components.
func Parse(key string) (ownerID int64, issued time.Time, ext string, err error) {
	dot := strings.LastIndexByte(key, '.')
	under := strings.IndexByte(key, '_')
	if dot < 0 || under < 0 || under > dot {
		return 0, time.Time{}, "", fmt.Errorf("naming: malformed key %q", key)
	}
	ownerID, err = strconv.ParseInt(key[:under], 10, 64)
	if err != nil {
		return 0, time.Time{}, "", fmt.Errorf("naming: malformed owner in key %q: %w", key, err)
	}
	ms, err := strconv.ParseInt(key[under+1:dot], 10, 64)
	if err != nil {
		return 0, time.Time{}, "", fmt.Errorf("naming: malformed timestamp in key %q: %w", key, err)
	}
	return ownerID, time.UnixMilli(ms), key[dot+1:], nil
}

// ContentType maps a key's extension to the media type served for it.
func ContentType(key string) string {
	i := strings.LastIndexByte(key, '.')
	if i < 0 {
		return "application/octet-stream"
	}
	switch strings.ToLower(key[i+1:]) {
	case "jpg":
		return "image/jpeg"
	case "png":
		return "image/png"
	default:
		return "application/octet-stream"
	}
}
