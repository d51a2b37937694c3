package engine

import (
	"errors"
	"fmt"
	"math"
	"runtime"
	"sync/atomic"

	"github.com/yuuki/pgas-rdma-engine/internal/cache"
	"github.com/yuuki/pgas-rdma-engine/internal/protocol"
)

// Element constrains the scalar types a worker can move through the engine.
// The element width is fixed per engine; a mismatched call is a programming
// error and panics.
type Element interface {
	float32 | float64 | int32 | int64 | uint32 | uint64
}

// ErrRemotePut reports a store aimed at a peer with no direct mapping; the
// engine moves remote data by reads only.
var ErrRemotePut = errors.New("engine: put requires a local or direct-mapped shard")

// Worker is the handle worker goroutines use inside parallel kernels. It
// holds only pointers into engine-owned memory.
type Worker struct {
	e *Engine
}

// Worker returns the device-side handle for this engine.
func (e *Engine) Worker() *Worker { return &Worker{e: e} }

// Rank returns the local peer index.
func (w *Worker) Rank() int { return w.e.rank }

// NumPEs returns the number of peers.
func (w *Worker) NumPEs() int { return w.e.numPEs }

// Get reads element offset of peer's shard, blocking until the value is
// available. Intra-node peers resolve through the direct mapping; everything
// else goes through the scatter-gather path, deduplicated by the cache when
// the allocation enables it.
func Get[T Element](w *Worker, peer int, offset uint32) T {
	e := w.e
	w.check(peer, offset, sizeOf[T]())

	if d := e.direct[peer]; d != nil {
		e.directReads.Add(1)
		return fromBits[T](bitsAt(d, offset, e.elemSize))
	}

	if e.cache != nil {
		for {
			bits, res := e.cache.Lookup(peer, offset)
			switch res {
			case cache.Hit:
				return fromBits[T](bits)
			case cache.Miss:
				w.issue(peer, offset)
				for {
					bits, res = e.cache.Lookup(peer, offset)
					if res == cache.Hit {
						return fromBits[T](bits)
					}
					if !e.running() {
						var zero T
						return zero
					}
					runtime.Gosched()
				}
			case cache.InFlight:
				if !e.running() {
					var zero T
					return zero
				}
				runtime.Gosched()
			case cache.Bypass:
				return getUncached[T](w, peer, offset)
			}
		}
	}
	return getUncached[T](w, peer, offset)
}

// Request initiates the load for (peer, offset) without waiting for the
// value, so a later Get hits the cache. A no-op for direct-mapped peers, for
// allocations without a cache, and for keys whose cache slot is held by
// another key, where there is no cell to park the value in.
func Request[T Element](w *Worker, peer int, offset uint32) {
	e := w.e
	w.check(peer, offset, sizeOf[T]())
	if e.direct[peer] != nil || e.cache == nil {
		return
	}
	if _, res := e.cache.Lookup(peer, offset); res == cache.Miss {
		w.issue(peer, offset)
	}
}

// Put stores v into element offset of peer's shard. Only the local shard and
// direct-mapped peers are writable.
func Put[T Element](w *Worker, peer int, offset uint32, v T) error {
	e := w.e
	w.check(peer, offset, sizeOf[T]())
	d := e.direct[peer]
	if d == nil {
		return fmt.Errorf("%w (peer %d)", ErrRemotePut, peer)
	}
	storeBits(d, offset, e.elemSize, toBits(v))
	return nil
}

// getUncached waits on the ack counters instead of a cache cell: the host
// publishes the ack only after the reply values landed in the rx ring, so
// once the sequence number is covered the slot holds the loaded value.
func getUncached[T Element](w *Worker, peer int, offset uint32) T {
	e := w.e
	s := w.issue(peer, offset)
	for e.ackHost[peer].Load() <= s {
		if !e.running() {
			var zero T
			return zero
		}
		runtime.Gosched()
	}
	es := uint64(e.elemSize)
	idx := (uint64(peer)*e.q + s%e.q) * es
	return fromBits[T](bitsFrom(e.rxElemReply[idx:idx+es], e.elemSize))
}

// issue claims the next sequence number for peer and stamps the request
// slot. Applies back-pressure first: when the ring is within the margin of
// wrapping onto unacked slots, the worker polls the host ack counter and
// republishes it to the device counter until room opens up.
func (w *Worker) issue(peer int, offset uint32) uint64 {
	e := w.e
	q := e.q
	for {
		cur := e.reqProduced[peer].Load()
		if cur-e.ackDevice[peer].Load() < q-e.opts.Margin {
			break
		}
		e.backpressureSpins.Add(1)
		storeMax(&e.ackDevice[peer], e.ackHost[peer].Load())
		runtime.Gosched()
	}
	s := e.reqProduced[peer].Add(1) - 1
	atomic.StoreUint32(&e.txElemReq[uint64(peer)*q+s%q], protocol.MakeElementSlot(offset, s/q))
	return s
}

func (w *Worker) check(peer int, offset uint32, width int) {
	e := w.e
	if width != e.elemSize {
		panic(fmt.Sprintf("engine: %d-byte element access on a %d-byte engine", width, e.elemSize))
	}
	if peer < 0 || peer >= e.numPEs {
		panic(fmt.Sprintf("engine: peer %d outside world of %d", peer, e.numPEs))
	}
	if offset >= e.numElems {
		panic(fmt.Sprintf("engine: offset %d outside shard of %d elements", offset, e.numElems))
	}
}

func sizeOf[T Element]() int {
	var v T
	switch any(v).(type) {
	case float32, int32, uint32:
		return 4
	default:
		return 8
	}
}

func fromBits[T Element](bits uint64) T {
	var v T
	switch p := any(&v).(type) {
	case *float64:
		*p = math.Float64frombits(bits)
	case *float32:
		*p = math.Float32frombits(uint32(bits))
	case *int64:
		*p = int64(bits)
	case *int32:
		*p = int32(uint32(bits))
	case *uint64:
		*p = bits
	case *uint32:
		*p = uint32(bits)
	}
	return v
}

func toBits[T Element](v T) uint64 {
	switch x := any(v).(type) {
	case float64:
		return math.Float64bits(x)
	case float32:
		return uint64(math.Float32bits(x))
	case int64:
		return uint64(x)
	case int32:
		return uint64(uint32(x))
	case uint64:
		return x
	case uint32:
		return uint64(x)
	}
	return 0
}

func bitsAt(buf []byte, offset uint32, elemSize int) uint64 {
	return bitsFrom(buf[int(offset)*elemSize:], elemSize)
}

func storeBits(buf []byte, offset uint32, elemSize int, bits uint64) {
	base := int(offset) * elemSize
	for i := 0; i < elemSize; i++ {
		buf[base+i] = byte(bits >> (8 * i))
	}
}
