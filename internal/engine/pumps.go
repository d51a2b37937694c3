package engine

import (
	"container/heap"
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/yuuki/pgas-rdma-engine/internal/protocol"
	"github.com/yuuki/pgas-rdma-engine/internal/spsc"
	"github.com/yuuki/pgas-rdma-engine/internal/transport"
)

func (e *Engine) startPumps() {
	e.pumpWG.Add(3)
	go e.pollRequests()
	go e.pollResponses()
	go e.pollAcks()
}

// pollRequests consumes block-request commands published by the aggregator
// and turns each into one RDMA send carrying the header plus the request
// ring slots.
func (e *Engine) pollRequests() {
	defer e.pumpWG.Done()
	q := e.q
	var consumed uint64
	for {
		cmd := atomic.LoadUint64(&e.txBlockReqCmd[consumed%q])
		if protocol.CommandFlag(cmd) != protocol.ReadyFlag(consumed/q) {
			if !e.running() {
				return
			}
			e.checkDeviceError()
			runtime.Gosched()
			continue
		}
		consumed++
		e.postBlockRequest(protocol.CommandPeer(cmd), protocol.CommandSize(cmd))
	}
}

func (e *Engine) postBlockRequest(peer int, size uint32) {
	wr := e.popSend(e.sendReqPool)
	if wr == nil {
		return
	}
	startIdx := e.reqSent[peer]

	e.pendingMu.Lock()
	e.epoch++
	token := e.epoch
	e.pending[token] = &pendingRequest{startIdx: startIdx, numEntries: size, peer: peer, token: token}
	e.pendingMu.Unlock()

	hdr := protocol.BlockRequestHeader{
		Size:     size,
		Origin:   uint32(e.rank),
		Token:    token,
		TripFlag: protocol.ReadyFlag(startIdx / e.q),
	}
	hdr.Put(wr.buf)

	sges := make([]transport.SGE, 0, 3)
	sges = append(sges, transport.SGE{Bytes: wr.buf})
	sges = e.appendReqRingSGEs(sges, peer, startIdx, size)

	e.reqSent[peer] = startIdx + uint64(size)
	e.blocksPosted.Add(1)
	e.bytesSent.Add(uint64(protocol.BlockRequestHeaderLen) + 4*uint64(size))

	if err := e.tport.PostSend(peer, transport.ClassBlockRequest, sges, wr.id); err != nil {
		e.fatal(fmt.Errorf("engine: post block request to %d: %w", peer, err))
	}
}

// appendReqRingSGEs references the request ring region [start, start+size),
// split in two when it wraps. The slots were republished and fenced by the
// aggregator before the command was emitted, so reading them at send time is
// safe.
func (e *Engine) appendReqRingSGEs(sges []transport.SGE, peer int, start uint64, size uint32) []transport.SGE {
	q := e.q
	base := uint64(peer) * q
	first := start % q
	n := uint64(size)
	if first+n <= q {
		return append(sges, transport.SGE{Words: e.txElemReq[base+first : base+first+n]})
	}
	head := q - first
	return append(sges,
		transport.SGE{Words: e.txElemReq[base+first : base+q]},
		transport.SGE{Words: e.txElemReq[base : base+n-head]},
	)
}

func (e *Engine) appendReplyRingSGEs(sges []transport.SGE, peer int, start uint64, size uint32) []transport.SGE {
	q := e.q
	es := uint64(e.elemSize)
	base := uint64(peer) * q * es
	first := start % q * es
	n := uint64(size) * es
	if first+n <= q*es {
		return append(sges, transport.SGE{Bytes: e.txElemReply[base+first : base+first+n]})
	}
	head := q*es - first
	return append(sges,
		transport.SGE{Bytes: e.txElemReply[base+first : base+q*es]},
		transport.SGE{Bytes: e.txElemReply[base : base+n-head]},
	)
}

// popSend takes a reusable send descriptor, yielding until one returns from
// its previous flight. Returns nil on teardown.
func (e *Engine) popSend(pool *spsc.Pool[*workRequest]) *workRequest {
	for {
		if wr, ok := pool.TryPop(); ok {
			return wr
		}
		if !e.running() {
			return nil
		}
		runtime.Gosched()
	}
}

type deferredInbound struct {
	from int
	wr   *workRequest
}

// pollResponses drains the transport completion queue, forwards inbound
// block requests to the responder team, dispatches device-gathered replies,
// and reconciles inbound replies against pending requests.
func (e *Engine) pollResponses() {
	defer e.pumpWG.Done()
	var deferred []deferredInbound
	for {
		progressed := false

		// Inbound requests parked while every receive window was busy.
		for len(deferred) > 0 {
			if !e.requestReceived(deferred[0].from, deferred[0].wr) {
				break
			}
			deferred = deferred[1:]
			progressed = true
		}

		for _, c := range e.tport.Poll(pollBatch) {
			e.handleCompletion(c, &deferred)
			progressed = true
		}

		if e.dispatchDeviceReplies() {
			progressed = true
		}

		e.checkDeviceError()
		if !progressed {
			if !e.running() {
				return
			}
			runtime.Gosched()
		}
	}
}

func (e *Engine) handleCompletion(c transport.Completion, deferred *[]deferredInbound) {
	if c.WRID >= uint64(len(e.wrs)) {
		e.fatal(fmt.Errorf("engine: completion for unknown work request %d", c.WRID))
		return
	}
	wr := e.wrs[c.WRID]
	if !c.OK {
		e.fatal(fmt.Errorf("engine: %v work request %d on peer %d failed: %w", wr.kind, wr.id, c.Peer, c.Err))
		return
	}
	switch wr.kind {
	case wrSendRequest:
		e.sendReqPool.Append(wr)
	case wrSendReply:
		if wr.win != nil {
			e.windowPool.Append(wr.win)
			wr.win = nil
		}
		e.repliesInFlight.Add(-1)
		e.sendReplyPool.Append(wr)
	case wrRecvRequest:
		if !e.requestReceived(c.Peer, wr) {
			*deferred = append(*deferred, deferredInbound{from: c.Peer, wr: wr})
		}
	case wrRecvReply:
		e.responseReceived(c.Peer, wr)
	}
}

// requestReceived installs an inbound block request into a free receive
// window and queues the command for the responder team. Returns false when
// no window is free; the caller retries once one is recycled.
func (e *Engine) requestReceived(from int, wr *workRequest) bool {
	hdr, err := protocol.ParseBlockRequestHeader(wr.buf)
	if err != nil {
		e.fatal(fmt.Errorf("engine: inbound block request: %w", err))
		return true
	}
	if int(hdr.Origin) != from {
		e.fatal(fmt.Errorf("engine: block request claims origin %d but arrived from %d", hdr.Origin, from))
		return true
	}
	if uint64(hdr.Size) > e.blockLimit {
		e.fatal(fmt.Errorf("engine: inbound block of %d requests exceeds the %d-element block limit", hdr.Size, e.blockLimit))
		return true
	}

	win, ok := e.windowPool.TryPop()
	if !ok {
		return false
	}
	win.origin = from
	win.token = hdr.Token
	win.numEntries = hdr.Size

	region := e.rxElemReq[uint64(win.index)*e.q : uint64(win.index)*e.q+uint64(hdr.Size)]
	protocol.Words(region, wr.buf[protocol.BlockRequestHeaderLen:])

	e.rxBlocksReceived.Add(1)
	e.bytesReceived.Add(uint64(protocol.BlockRequestHeaderLen) + 4*uint64(hdr.Size))

	idx := e.rxBlockReqProduced.Load()
	cmd := protocol.WithWindow(protocol.MakeBlockCommand(hdr.Size, from, 0, idx/e.q), win.index)
	atomic.StoreUint64(&e.rxBlockReqCmd[idx%e.q], cmd)
	e.rxBlockReqProduced.Store(idx + 1)

	if err := e.tport.PostRecv(transport.ClassBlockRequest, []transport.SGE{{Bytes: wr.buf}}, wr.id); err != nil {
		e.fatal(fmt.Errorf("engine: repost request receive: %w", err))
	}
	return true
}

// dispatchDeviceReplies sends every block the responder team has finished
// gathering. Consumes the reply command queue in order.
func (e *Engine) dispatchDeviceReplies() bool {
	q := e.q
	progressed := false
	for {
		idx := e.txBlockReplyCtr
		cmd := atomic.LoadUint64(&e.txBlockReplyCmd[idx%q])
		if protocol.CommandFlag(cmd) != protocol.ReadyFlag(idx/q) {
			return progressed
		}
		wr, ok := e.sendReplyPool.TryPop()
		if !ok {
			return progressed
		}

		size := protocol.CommandSize(cmd)
		origin := protocol.CommandPeer(cmd)
		window := protocol.CommandWindow(cmd)
		win := e.windows[window]

		hdr := protocol.BlockReplyHeader{Token: win.token, Size: size}
		hdr.Put(wr.buf)
		wr.win = win

		sges := make([]transport.SGE, 0, 3)
		sges = append(sges, transport.SGE{Bytes: wr.buf})
		sges = e.appendReplyRingSGEs(sges, origin, e.replyDispatched[origin], size)

		e.replyDispatched[origin] += uint64(size)
		e.txBlockReplyCtr = idx + 1
		e.repliesInFlight.Add(1)
		e.rxBlocksAnswered.Add(1)
		e.bytesSent.Add(uint64(protocol.BlockReplyHeaderLen) + uint64(size)*uint64(e.elemSize))

		if err := e.tport.PostSend(origin, transport.ClassBlockReply, sges, wr.id); err != nil {
			e.fatal(fmt.Errorf("engine: post block reply to %d: %w", origin, err))
			return progressed
		}
		progressed = true
	}
}

// responseReceived reconciles an inbound block reply: values land in the
// reply rx ring and the cache, then the pending request moves to the
// ack-pump.
func (e *Engine) responseReceived(from int, wr *workRequest) {
	hdr, err := protocol.ParseBlockReplyHeader(wr.buf)
	if err != nil {
		e.fatal(fmt.Errorf("engine: inbound block reply: %w", err))
		return
	}

	e.pendingMu.Lock()
	p := e.pending[hdr.Token]
	delete(e.pending, hdr.Token)
	e.pendingMu.Unlock()
	if p == nil {
		e.fatal(fmt.Errorf("engine: block reply for unknown token %d from peer %d", hdr.Token, from))
		return
	}
	if p.peer != from || p.numEntries != hdr.Size {
		e.fatal(fmt.Errorf("engine: block reply token %d mismatched (peer %d/%d, size %d/%d)",
			hdr.Token, from, p.peer, hdr.Size, p.numEntries))
		return
	}

	q := e.q
	es := uint64(e.elemSize)
	payload := wr.buf[protocol.BlockReplyHeaderLen : uint64(protocol.BlockReplyHeaderLen)+uint64(hdr.Size)*es]
	base := uint64(p.peer) * q * es
	first := p.startIdx % q * es
	n := uint64(hdr.Size) * es
	if first+n <= q*es {
		copy(e.rxElemReply[base+first:], payload)
	} else {
		head := q*es - first
		copy(e.rxElemReply[base+first:base+q*es], payload[:head])
		copy(e.rxElemReply[base:], payload[head:])
	}

	if e.cache != nil {
		for i := uint64(0); i < uint64(hdr.Size); i++ {
			slot := atomic.LoadUint32(&e.txElemReq[uint64(p.peer)*q+(p.startIdx+i)%q])
			offset := protocol.SlotOffset(slot)
			e.cache.Install(p.peer, offset, bitsFrom(payload[i*es:], e.elemSize))
		}
	}

	e.bytesReceived.Add(uint64(protocol.BlockReplyHeaderLen) + n)
	if err := e.tport.PostRecv(transport.ClassBlockReply, []transport.SGE{{Bytes: wr.buf}}, wr.id); err != nil {
		e.fatal(fmt.Errorf("engine: repost reply receive: %w", err))
	}

	// Publication of the values must precede the ack; pollAcks advances
	// ackHost only after this send.
	e.ackCh <- p
}

// pendingHeap orders out-of-order completions by their start index.
type pendingHeap []*pendingRequest

func (h pendingHeap) Len() int           { return len(h) }
func (h pendingHeap) Less(i, j int) bool { return h[i].startIdx < h[j].startIdx }
func (h pendingHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *pendingHeap) Push(x any)        { *h = append(*h, x.(*pendingRequest)) }
func (h *pendingHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// ackReconciler retires completed block requests in start-index order per
// peer. A reply that overtakes an earlier one parks in the ordered buffer
// until the prefix is complete.
type ackReconciler struct {
	buffers []pendingHeap
	next    []uint64
}

func newAckReconciler(numPEs int) *ackReconciler {
	return &ackReconciler{
		buffers: make([]pendingHeap, numPEs),
		next:    make([]uint64, numPEs),
	}
}

// admit buffers p and returns the number of element requests newly retired
// for its peer: zero when p arrived out of order, the length of the in-order
// prefix otherwise. blocks counts the block requests released.
func (a *ackReconciler) admit(p *pendingRequest) (entries uint64, blocks int) {
	heap.Push(&a.buffers[p.peer], p)
	for a.buffers[p.peer].Len() > 0 && a.buffers[p.peer][0].startIdx == a.next[p.peer] {
		q := heap.Pop(&a.buffers[p.peer]).(*pendingRequest)
		a.next[p.peer] += uint64(q.numEntries)
		entries += uint64(q.numEntries)
		blocks++
	}
	return entries, blocks
}

// pollAcks drains completed pendings from the response-pump and advances the
// device-visible ack counters in order; the aggregator mirrors the advance
// to the device counter.
func (e *Engine) pollAcks() {
	defer e.pumpWG.Done()
	rec := newAckReconciler(e.numPEs)

	for {
		select {
		case p := <-e.ackCh:
			entries, blocks := rec.admit(p)
			if entries > 0 {
				e.ackHost[p.peer].Add(entries)
			}
			if blocks > 0 {
				e.blocksReleased.Add(uint64(blocks))
			}
		default:
			if !e.running() {
				return
			}
			runtime.Gosched()
		}
	}
}

func bitsFrom(b []byte, elemSize int) uint64 {
	var bits uint64
	for i := 0; i < elemSize; i++ {
		bits |= uint64(b[i]) << (8 * i)
	}
	return bits
}

func (k wrKind) String() string {
	switch k {
	case wrSendRequest:
		return "send-request"
	case wrSendReply:
		return "send-reply"
	case wrRecvRequest:
		return "recv-request"
	case wrRecvReply:
		return "recv-reply"
	}
	return "unknown"
}
