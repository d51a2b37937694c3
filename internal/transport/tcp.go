package transport

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/yuuki/pgas-rdma-engine/internal/rendezvous"
)

// sendDepth bounds per-peer queued outbound frames. The engine's send pools
// are far smaller, so a full queue indicates a wedged peer.
const sendDepth = 1024

// TCPOptions configures the TCP back-end.
type TCPOptions struct {
	Logger *slog.Logger
	// FabricDevice, when set, names an RDMA device that must be present
	// on this host; its port states are logged at startup, and a port
	// that is not active is tolerated.
	FabricDevice string
}

type outFrame struct {
	payload []byte
	wrID    uint64
	class   Class
}

// TCP emulates one reliable-connected queue pair per peer over a framed TCP
// stream. Posted sends snapshot their gather list, so the engine's
// write-then-publish-then-send discipline carries over unchanged.
type TCP struct {
	rank, size int
	logger     *slog.Logger

	listener net.Listener
	conns    []net.Conn
	sendCh   []chan outFrame

	mu          sync.Mutex
	recvQ       [numClasses][]postedRecv
	pendingIn   [numClasses][]inboundFrame
	completions []Completion

	closed   atomic.Bool
	closeMu  sync.RWMutex
	wg       sync.WaitGroup
	nextAddr atomic.Uint64
	nextKey  atomic.Uint32
}

var _ Transport = (*TCP)(nil)

// NewTCP bootstraps the peer mesh: listen on an ephemeral port, allgather
// listen addresses through the out-of-band rendezvous, then connect every
// pair once (the higher rank dials the lower).
func NewTCP(coll rendezvous.Collective, opts TCPOptions) (*TCP, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if opts.FabricDevice != "" {
		if err := ProbeDevice(opts.FabricDevice, logger); err != nil {
			return nil, err
		}
	}

	rank, size := coll.Rank(), coll.Size()
	t := &TCP{
		rank:   rank,
		size:   size,
		logger: logger,
		conns:  make([]net.Conn, size),
		sendCh: make([]chan outFrame, size),
	}

	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		return nil, fmt.Errorf("transport: listen: %w", err)
	}
	t.listener = ln

	addrs, err := coll.Allgather([]byte(ln.Addr().String()))
	if err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("transport: address exchange: %w", err)
	}

	// Accept from higher ranks while dialing lower ranks; both sides of
	// each pair make progress independently, so no deadlock.
	acceptErr := make(chan error, 1)
	go func() {
		for n := rank + 1; n < size; n++ {
			conn, err := ln.Accept()
			if err != nil {
				acceptErr <- err
				return
			}
			var hello [4]byte
			if _, err := io.ReadFull(conn, hello[:]); err != nil {
				acceptErr <- err
				return
			}
			peer := int(binary.LittleEndian.Uint32(hello[:]))
			if err := validPeer(peer, size); err != nil {
				acceptErr <- err
				return
			}
			t.conns[peer] = conn
		}
		acceptErr <- nil
	}()

	for peer := 0; peer < rank; peer++ {
		conn, err := net.Dial("tcp", string(addrs[peer]))
		if err != nil {
			_ = ln.Close()
			return nil, fmt.Errorf("transport: dial rank %d: %w", peer, err)
		}
		var hello [4]byte
		binary.LittleEndian.PutUint32(hello[:], uint32(rank))
		if _, err := conn.Write(hello[:]); err != nil {
			_ = ln.Close()
			return nil, fmt.Errorf("transport: hello to rank %d: %w", peer, err)
		}
		t.conns[peer] = conn
	}
	if err := <-acceptErr; err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("transport: accept: %w", err)
	}

	// One writer and one reader goroutine per queue pair.
	for peer := range t.conns {
		if peer == rank {
			continue
		}
		t.sendCh[peer] = make(chan outFrame, sendDepth)
		t.wg.Add(2)
		go t.writeLoop(peer)
		go t.readLoop(peer)
	}

	logger.Debug("transport mesh established", "rank", rank, "size", size)
	return t, nil
}

func (t *TCP) Register(buf []byte) (*MemoryRegion, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}
	return &MemoryRegion{
		Buf:  buf,
		Addr: t.nextAddr.Add(1),
		LKey: t.nextKey.Add(1),
		RKey: t.nextKey.Add(1),
	}, nil
}

func (t *TCP) PostSend(peer int, class Class, sge []SGE, wrID uint64) error {
	if err := validPeer(peer, t.size); err != nil {
		return err
	}
	if peer == t.rank {
		return fmt.Errorf("transport: self-send from rank %d", t.rank)
	}
	t.closeMu.RLock()
	defer t.closeMu.RUnlock()
	if t.closed.Load() {
		return ErrClosed
	}
	t.sendCh[peer] <- outFrame{payload: gather(sge), wrID: wrID, class: class}
	return nil
}

func (t *TCP) PostRecv(class Class, sge []SGE, wrID uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed.Load() {
		return ErrClosed
	}
	if pending := t.pendingIn[class]; len(pending) > 0 {
		frame := pending[0]
		t.pendingIn[class] = pending[1:]
		t.complete(postedRecv{sge: sge, wrID: wrID}, frame.from, frame.payload)
		return nil
	}
	t.recvQ[class] = append(t.recvQ[class], postedRecv{sge: sge, wrID: wrID})
	return nil
}

func (t *TCP) Poll(max int) []Completion {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(t.completions)
	if n == 0 {
		return nil
	}
	if n > max {
		n = max
	}
	out := make([]Completion, n)
	copy(out, t.completions[:n])
	t.completions = append(t.completions[:0], t.completions[n:]...)
	return out
}

// Close tears the mesh down. The engine quiesces its pumps first, so no
// posts race the teardown.
func (t *TCP) Close() error {
	t.closeMu.Lock()
	defer t.closeMu.Unlock()
	if t.closed.Swap(true) {
		return nil
	}
	for peer, ch := range t.sendCh {
		if ch != nil {
			close(ch)
			t.sendCh[peer] = nil
		}
	}
	err := t.listener.Close()
	for _, conn := range t.conns {
		if conn != nil {
			_ = conn.Close()
		}
	}
	t.wg.Wait()
	return err
}

func (t *TCP) writeLoop(peer int) {
	defer t.wg.Done()
	conn := t.conns[peer]
	var hdr [5]byte
	for frame := range t.sendCh[peer] {
		hdr[0] = byte(frame.class)
		binary.LittleEndian.PutUint32(hdr[1:], uint32(len(frame.payload)))
		_, err := conn.Write(hdr[:])
		if err == nil {
			_, err = conn.Write(frame.payload)
		}
		c := Completion{WRID: frame.wrID, Peer: peer, OK: err == nil, Err: err}
		t.mu.Lock()
		t.completions = append(t.completions, c)
		t.mu.Unlock()
		if err != nil {
			t.logger.Error("send failed", "peer", peer, "err", err)
			return
		}
	}
}

func (t *TCP) readLoop(peer int) {
	defer t.wg.Done()
	conn := t.conns[peer]
	var hdr [5]byte
	for {
		if _, err := io.ReadFull(conn, hdr[:]); err != nil {
			if !t.closed.Load() {
				t.logger.Error("receive failed", "peer", peer, "err", err)
			}
			return
		}
		class := Class(hdr[0])
		if class >= numClasses {
			t.logger.Error("invalid inbound class", "peer", peer, "class", hdr[0])
			return
		}
		payload := make([]byte, binary.LittleEndian.Uint32(hdr[1:]))
		if _, err := io.ReadFull(conn, payload); err != nil {
			if !t.closed.Load() {
				t.logger.Error("receive failed", "peer", peer, "err", err)
			}
			return
		}
		t.deliver(peer, class, payload)
	}
}

func (t *TCP) deliver(from int, class Class, payload []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if q := t.recvQ[class]; len(q) > 0 {
		recv := q[0]
		t.recvQ[class] = q[1:]
		t.complete(recv, from, payload)
		return
	}
	t.pendingIn[class] = append(t.pendingIn[class], inboundFrame{from: from, payload: payload})
}

func (t *TCP) complete(recv postedRecv, from int, payload []byte) {
	c := Completion{WRID: recv.wrID, Peer: from, OK: true}
	if err := scatter(recv.sge, payload); err != nil {
		c.OK = false
		c.Err = err
	}
	t.completions = append(t.completions, c)
}
