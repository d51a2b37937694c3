package engine

import (
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/yuuki/pgas-rdma-engine/internal/protocol"
)

// packResponses is the resident responder. It consumes block-request
// commands queued by the response-pump, gathers the requested elements from
// the local shard into the contiguous reply ring, and republishes the
// command word into the reply command queue to tell the host the block is
// ready to send.
func (e *Engine) packResponses() {
	defer e.teamWG.Done()
	q := e.q
	es := uint64(e.elemSize)

	for {
		idx := e.rxBlockReqCtr.Load()
		cmd := atomic.LoadUint64(&e.rxBlockReqCmd[idx%q])
		if protocol.CommandFlag(cmd) == protocol.ReadyFlag(idx/q) {
			size := uint64(protocol.CommandSize(cmd))
			origin := protocol.CommandPeer(cmd)
			window := uint64(protocol.CommandWindow(cmd))
			if origin >= e.numPEs {
				e.publishDeviceError(fmt.Errorf("block command names peer %d of %d", origin, e.numPEs))
				return
			}

			offsets := e.rxElemReq[window*q : window*q+size]
			sent := e.replySent[origin].Load()
			replyBase := uint64(origin) * q

			for i := uint64(0); i < size; i++ {
				off := uint64(protocol.SlotOffset(offsets[i]))
				if off >= uint64(e.numElems) {
					e.publishDeviceError(fmt.Errorf("inbound offset %d outside shard of %d elements", off, e.numElems))
					off = 0
				}
				dst := (replyBase + (sent+i)%q) * es
				copy(e.txElemReply[dst:dst+es], e.shard[off*es:off*es+es])
			}

			e.replySent[origin].Store(sent + size)
			e.rxBlockReqCtr.Store(idx + 1)
			// The atomic store publishes the gathered values to the
			// host sender along with the command.
			atomic.StoreUint64(&e.txBlockReplyCmd[idx%q], cmd)
			continue
		}

		drained := e.rxBlockReqCtr.Load() == e.rxBlockReqProduced.Load()
		if drained && (e.responseDone.Load() != 0 || !e.running()) {
			return
		}
		if !e.running() {
			return
		}
		runtime.Gosched()
	}
}
