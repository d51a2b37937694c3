// Package pgas holds the process-scope state tying the engine to the
// allocation layer: explicit init and teardown, symmetric allocation of
// shard buffers addressable by (peer, offset), reference-counted allocation
// records with a deallocation hook, a registry of live engines, and the
// process-wide fence over that registry.
package pgas

import (
	"fmt"
	"log/slog"
	"sync"

	gocache "github.com/patrickmn/go-cache"

	"github.com/yuuki/pgas-rdma-engine/internal/engine"
	"github.com/yuuki/pgas-rdma-engine/internal/rendezvous"
	"github.com/yuuki/pgas-rdma-engine/internal/transport"
)

// TransportFactory builds one transport per engine. Engines cannot share a
// transport: each polls its own completion queue.
type TransportFactory func() (transport.Transport, error)

// State is the process-scope object. All collective operations (allocation,
// release, fence) must run in the same order on every rank.
type State struct {
	logger       *slog.Logger
	coll         rendezvous.Collective
	newTransport TransportFactory

	mu      sync.Mutex
	records *gocache.Cache
	live    []*Allocation
}

// Init creates the process state. The collective is owned by the caller and
// must outlive the state.
func Init(coll rendezvous.Collective, factory TransportFactory, logger *slog.Logger) (*State, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if coll == nil || factory == nil {
		return nil, fmt.Errorf("pgas: init requires a collective and a transport factory")
	}
	s := &State{
		logger:       logger,
		coll:         coll,
		newTransport: factory,
		records:      gocache.New(gocache.NoExpiration, 0),
	}
	// Eviction is the deallocation hook: dropping a record tears its
	// engine down.
	s.records.OnEvicted(func(label string, v interface{}) {
		a := v.(*Allocation)
		if err := a.facade.Close(); err != nil {
			s.logger.Error("allocation teardown failed", "label", label, "err", err)
		}
	})
	return s, nil
}

// Rank returns the local peer index.
func (s *State) Rank() int { return s.coll.Rank() }

// Size returns the number of peers.
func (s *State) Size() int { return s.coll.Size() }

// Allocation is one symmetric shard buffer with its bound engine and a
// reference count. The record lives until the count drops to zero.
type Allocation struct {
	state  *State
	label  string
	shard  []byte
	facade *engine.Facade

	mu   sync.Mutex
	refs int
}

// AllocateSymmetric allocates elems elements of elemSize bytes on every
// rank under the same label and binds an engine to the local shard.
// Collective.
func (s *State) AllocateSymmetric(label string, elems, elemSize int, opts engine.Options) (*Allocation, error) {
	if elems <= 0 {
		return nil, fmt.Errorf("pgas: allocation %q of %d elements", label, elems)
	}
	if opts.Logger == nil {
		opts.Logger = s.logger
	}

	tport, err := s.newTransport()
	if err != nil {
		return nil, fmt.Errorf("pgas: transport for %q: %w", label, err)
	}
	shard := make([]byte, elems*elemSize)
	facade, err := engine.Bind(shard, elemSize, s.coll, tport, opts)
	if err != nil {
		_ = tport.Close()
		return nil, fmt.Errorf("pgas: bind %q: %w", label, err)
	}

	a := &Allocation{state: s, label: label, shard: shard, facade: facade, refs: 1}

	s.mu.Lock()
	if err := s.records.Add(label, a, gocache.NoExpiration); err != nil {
		s.mu.Unlock()
		_ = facade.Close()
		return nil, fmt.Errorf("pgas: allocation %q already exists", label)
	}
	s.live = append(s.live, a)
	s.mu.Unlock()

	s.logger.Debug("symmetric allocation", "label", label, "elements", elems, "elem_size", elemSize)
	return a, nil
}

// Label returns the allocation's label.
func (a *Allocation) Label() string { return a.label }

// Shard exposes the local shard bytes.
func (a *Allocation) Shard() []byte { return a.shard }

// Worker returns the device-side handle for this allocation's engine.
func (a *Allocation) Worker() *engine.Worker { return a.facade.Worker() }

// Engine exposes the bound engine.
func (a *Allocation) Engine() *engine.Engine { return a.facade.Engine() }

// Fence quiesces this allocation. Collective.
func (a *Allocation) Fence() error { return a.facade.Fence() }

// Retain adds a reference, as taken by each view over the allocation.
func (a *Allocation) Retain() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.refs++
}

// Release drops a reference; the final release tears the engine down and is
// collective across ranks.
func (a *Allocation) Release() error {
	a.mu.Lock()
	a.refs--
	last := a.refs == 0
	a.mu.Unlock()
	if !last {
		return nil
	}

	s := a.state
	s.mu.Lock()
	for i, live := range s.live {
		if live == a {
			s.live = append(s.live[:i], s.live[i+1:]...)
			break
		}
	}
	s.records.Delete(a.label) // fires the eviction hook
	s.mu.Unlock()
	return a.facade.Close()
}

// Engines lists the live engines; implements engine.EngineProvider for the
// metrics collector.
func (s *State) Engines() []*engine.Engine {
	s.mu.Lock()
	defer s.mu.Unlock()
	engines := make([]*engine.Engine, len(s.live))
	for i, a := range s.live {
		engines[i] = a.facade.Engine()
	}
	return engines
}

// Fence quiesces every live engine, in allocation order so all ranks agree.
// Collective.
func (s *State) Fence() error {
	s.mu.Lock()
	live := make([]*Allocation, len(s.live))
	copy(live, s.live)
	s.mu.Unlock()

	for _, a := range live {
		if err := a.facade.Fence(); err != nil {
			return fmt.Errorf("pgas: fence %q: %w", a.label, err)
		}
	}
	return nil
}

// Finalize releases every remaining allocation. Leaked references are
// logged, not fatal. Collective.
func (s *State) Finalize() error {
	s.mu.Lock()
	live := make([]*Allocation, len(s.live))
	copy(live, s.live)
	s.mu.Unlock()

	var firstErr error
	for _, a := range live {
		a.mu.Lock()
		if a.refs > 1 {
			s.logger.Warn("allocation leaked references at finalize", "label", a.label, "refs", a.refs)
			a.refs = 1
		}
		a.mu.Unlock()
		if err := a.Release(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
