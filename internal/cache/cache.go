// Package cache implements the remote access cache consulted by requesting
// worker goroutines. Each entry tracks one (peer, offset) key through the
// Empty → Pending → Valid state machine; the Pending state suppresses
// duplicate in-flight network requests for the same key.
package cache

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/OneOfOne/xxhash"
)

// Result classifies the outcome of a Lookup.
type Result int

const (
	// Hit: the value is cached; the returned scalar bits are current.
	Hit Result = iota
	// Miss: the caller won the Empty → Pending transition and must issue
	// the network request for this key.
	Miss
	// InFlight: another goroutine already issued the request; spin and
	// look up again.
	InFlight
	// Bypass: the slot is owned by a different key; the caller must use
	// the uncached wait path. Pending entries are never evicted, because
	// the at-most-one-outstanding-request invariant is per key.
	Bypass
)

const (
	stateBits = 2
	stateMask = 1<<stateBits - 1

	statePending = 1
	stateValid   = 2
)

// DefaultEntries is the table size used when the allocation traits do not
// specify one.
const DefaultEntries = 1 << 16

// Cache is a direct-mapped table of scalar values keyed by (peer, offset).
// The value cell holds the element's bit pattern; elements wider than eight
// bytes are not cacheable (they exceed one packet payload anyway).
type Cache struct {
	words  []atomic.Uint64 // key<<stateBits | state
	values []atomic.Uint64
	mask   uint64

	hits      atomic.Uint64
	misses    atomic.Uint64
	conflicts atomic.Uint64
}

// New returns a cache with the given number of entries, rounded up to a
// power of two.
func New(entries int) *Cache {
	if entries <= 0 {
		entries = DefaultEntries
	}
	size := 1
	for size < entries {
		size <<= 1
	}
	return &Cache{
		words:  make([]atomic.Uint64, size),
		values: make([]atomic.Uint64, size),
		mask:   uint64(size - 1),
	}
}

func key(peer int, offset uint32) uint64 {
	return uint64(peer)<<32 | uint64(offset)
}

func (c *Cache) slot(k uint64) uint64 {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], k)
	return xxhash.Checksum64(b[:]) & c.mask
}

// Lookup consults the table for (peer, offset). On Hit the returned bits are
// the cached scalar. On Miss the entry has transitioned to Pending and the
// caller owns the network request. At any instant at most one Empty → Pending
// transition is visible per key.
func (c *Cache) Lookup(peer int, offset uint32) (uint64, Result) {
	k := key(peer, offset)
	idx := c.slot(k)
	for {
		w := c.words[idx].Load()
		if w == 0 {
			if c.words[idx].CompareAndSwap(0, k<<stateBits|statePending) {
				c.misses.Add(1)
				return 0, Miss
			}
			continue
		}
		if w>>stateBits != k {
			c.conflicts.Add(1)
			return 0, Bypass
		}
		if w&stateMask == stateValid {
			c.hits.Add(1)
			return c.values[idx].Load(), Hit
		}
		return 0, InFlight
	}
}

// Install publishes the loaded scalar for a Pending key. Called from the
// response path; a no-op if the key does not own its slot (the requester
// bypassed the cache).
func (c *Cache) Install(peer int, offset uint32, bits uint64) {
	k := key(peer, offset)
	idx := c.slot(k)
	w := c.words[idx].Load()
	if w>>stateBits != k {
		return
	}
	c.values[idx].Store(bits)
	c.words[idx].Store(k<<stateBits | stateValid)
}

// InvalidateAll clears every entry. Called on the fence boundary, after all
// traffic has quiesced; no lookups run concurrently.
func (c *Cache) InvalidateAll() {
	for i := range c.words {
		c.words[i].Store(0)
		c.values[i].Store(0)
	}
}

// Stats returns the hit, miss, and slot-conflict counts.
func (c *Cache) Stats() (hits, misses, conflicts uint64) {
	return c.hits.Load(), c.misses.Load(), c.conflicts.Load()
}
