// Package rendezvous is the process-launcher shim: rank and size discovery
// plus the out-of-band collectives the engine needs at bind time (allgather of
// window descriptors) and at fence boundaries (barrier). Two back-ends exist:
// an in-process group for single-node runs and tests, and a TCP star rooted
// at rank 0 for launcher-started multi-process jobs.
package rendezvous

import (
	"fmt"
	"sync"
)

// Collective is the interface the engine binds against. Calls are collective:
// every member of the group must invoke the same operation in the same order.
type Collective interface {
	Rank() int
	Size() int
	// Allgather contributes blob and returns every member's contribution,
	// indexed by rank.
	Allgather(blob []byte) ([][]byte, error)
	// Barrier blocks until all members arrive.
	Barrier() error
	Close() error
}

type processGroup struct {
	mu       sync.Mutex
	cond     *sync.Cond
	size     int
	blobs    [][]byte
	arrived  int
	departed int
	gen      uint64
	result   [][]byte
}

type processMember struct {
	g    *processGroup
	rank int
}

// NewProcessGroup returns size members of an in-process collective group.
// Member i must be handed to the engine of rank i.
func NewProcessGroup(size int) []Collective {
	g := &processGroup{
		size:  size,
		blobs: make([][]byte, size),
	}
	g.cond = sync.NewCond(&g.mu)
	members := make([]Collective, size)
	for i := range members {
		members[i] = &processMember{g: g, rank: i}
	}
	return members
}

func (m *processMember) Rank() int { return m.rank }
func (m *processMember) Size() int { return m.g.size }

func (m *processMember) Allgather(blob []byte) ([][]byte, error) {
	g := m.g
	g.mu.Lock()
	defer g.mu.Unlock()

	// A new round may not begin until every member has left the previous
	// one; otherwise a fast member could clobber the shared result.
	for g.departed != 0 {
		g.cond.Wait()
	}

	gen := g.gen
	g.blobs[m.rank] = append([]byte(nil), blob...)
	g.arrived++
	if g.arrived == g.size {
		g.result = make([][]byte, g.size)
		copy(g.result, g.blobs)
		g.arrived = 0
		g.gen++
		g.cond.Broadcast()
	} else {
		for g.gen == gen {
			g.cond.Wait()
		}
	}

	out := g.result
	g.departed++
	if g.departed == g.size {
		g.departed = 0
		g.cond.Broadcast()
	}
	return out, nil
}

func (m *processMember) Barrier() error {
	_, err := m.Allgather(nil)
	return err
}

func (m *processMember) Close() error { return nil }

// validateRank rejects mismatched launcher configuration before the engine
// allocates anything against it.
func validateRank(rank, size int) error {
	if size <= 0 {
		return fmt.Errorf("rendezvous: nonpositive world size %d", size)
	}
	if rank < 0 || rank >= size {
		return fmt.Errorf("rendezvous: rank %d outside world of size %d", rank, size)
	}
	return nil
}
