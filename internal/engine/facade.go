package engine

import (
	"sync"

	"github.com/yuuki/pgas-rdma-engine/internal/rendezvous"
	"github.com/yuuki/pgas-rdma-engine/internal/transport"
)

// Facade is the lifecycle object: it allocates the engine, binds it to a
// shard buffer, exposes the fence hook, and tears everything down exactly
// once. The allocation layer holds one façade per shard.
type Facade struct {
	e *Engine

	closeOnce sync.Once
	closeErr  error
}

// Bind allocates an engine for shard and wraps it in a façade.
func Bind(shard []byte, elemSize int, coll rendezvous.Collective, tport transport.Transport, opts Options) (*Facade, error) {
	e, err := New(shard, elemSize, coll, tport, opts)
	if err != nil {
		return nil, err
	}
	return &Facade{e: e}, nil
}

// Engine exposes the bound engine.
func (f *Facade) Engine() *Engine { return f.e }

// Worker returns the device-side handle.
func (f *Facade) Worker() *Worker { return f.e.Worker() }

// Fence is the synchronization hook called by the allocation layer.
func (f *Facade) Fence() error { return f.e.Fence() }

// Close drains outstanding traffic, stops the teams and pumps, and closes
// the transport. Safe to call more than once.
func (f *Facade) Close() error {
	f.closeOnce.Do(func() {
		if f.e.Err() == nil && f.e.running() {
			_ = f.e.Fence()
		}
		f.closeErr = f.e.shutdown()
	})
	return f.closeErr
}

// shutdown raises the terminate signal and joins every goroutine before
// releasing the transport.
func (e *Engine) shutdown() error {
	e.terminate.Store(1)
	e.teamWG.Wait()
	e.pumpWG.Wait()
	closeErr := e.tport.Close()
	if err := e.Err(); err != nil {
		return err
	}
	return closeErr
}
