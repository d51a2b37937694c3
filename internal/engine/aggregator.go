package engine

import (
	"runtime"
	"sync/atomic"

	"github.com/yuuki/pgas-rdma-engine/internal/protocol"
)

// startTeams launches the two resident goroutines standing in for the
// device-side teams. They run until a fence or teardown raises their done
// flags, and are relaunched for the next epoch by the fence.
func (e *Engine) startTeams() {
	e.teamWG.Add(2)
	go e.aggregateRequests()
	go e.packResponses()
}

// aggregateRequests is the resident aggregator. For every peer it watches
// the gap between produced and aggregated element requests; once the gap
// reaches the MTU, or a sub-MTU batch has stalled through enough passes,
// it republishes each ready slot and emits one block-request command for the
// host request-pump.
func (e *Engine) aggregateRequests() {
	defer e.teamWG.Done()
	q := e.q
	mtu := uint64(e.opts.MTU)
	maxStalls := e.opts.MaxMTUStalls
	stalls := make([]uint32, e.numPEs)

	for {
		if !e.running() {
			return
		}
		done := e.requestDone.Load() != 0
		remaining := uint64(0)

		for pe := 0; pe < e.numPEs; pe++ {
			head := e.reqAggregated[pe].Load()

			// Mirror host acks into the device-visible counter.
			if head > e.ackDevice[pe].Load() {
				if h := e.ackHost[pe].Load(); e.ackDevice[pe].Load() < h {
					storeMax(&e.ackDevice[pe], h)
				}
			}

			tail := e.reqProduced[pe].Load()
			total := tail - head
			if total == 0 {
				continue
			}
			// A draining aggregator flushes everything regardless of
			// batch size.
			if !done && total < mtu && stalls[pe] < maxStalls {
				stalls[pe]++
				remaining += total
				continue
			}
			stalls[pe] = 0
			if total > e.blockLimit {
				remaining += total - e.blockLimit
				total = e.blockLimit
			}

			for i := uint64(0); i < total; i++ {
				o := head + i
				slot := &e.txElemReq[uint64(pe)*q+o%q]
				want := protocol.ReadyFlag(o / q)
				v := atomic.LoadUint32(slot)
				for protocol.SlotFlag(v) != want {
					if !e.running() {
						return
					}
					runtime.Gosched()
					v = atomic.LoadUint32(slot)
				}
				// Rewrite in place so the whole batch is published
				// before the command word goes out.
				atomic.StoreUint32(slot, v)
			}

			tailIdx := e.txBlockReqCtr
			e.txBlockReqCtr++
			cmd := protocol.MakeBlockCommand(uint32(total), pe, 0, tailIdx/q)
			atomic.StoreUint64(&e.txBlockReqCmd[tailIdx%q], cmd)
			e.reqAggregated[pe].Store(head + total)
		}

		if done && remaining == 0 {
			// Drained: hand the exit on to the responder.
			e.requestDone.Store(0)
			e.responseDone.Store(1)
			return
		}
		runtime.Gosched()
	}
}

// storeMax raises the counter to v unless it already passed it; both the
// aggregator and back-pressured workers republish acks concurrently.
func storeMax(ctr *atomic.Uint64, v uint64) {
	for {
		cur := ctr.Load()
		if cur >= v || ctr.CompareAndSwap(cur, v) {
			return
		}
	}
}
