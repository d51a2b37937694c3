package transport

import (
	"sync"
	"sync/atomic"
)

// Fabric connects the loopback endpoints of one process. Every rank gets one
// endpoint; message delivery is an in-memory copy under the receiver's lock.
type Fabric struct {
	endpoints []*Loopback
	nextAddr  atomic.Uint64
	nextKey   atomic.Uint32
}

// NewFabric returns an in-process fabric with size endpoints.
func NewFabric(size int) *Fabric {
	f := &Fabric{endpoints: make([]*Loopback, size)}
	for rank := range f.endpoints {
		f.endpoints[rank] = &Loopback{fabric: f, rank: rank, size: size}
	}
	return f
}

// Endpoint returns the endpoint owned by rank.
func (f *Fabric) Endpoint(rank int) *Loopback { return f.endpoints[rank] }

type postedRecv struct {
	sge  []SGE
	wrID uint64
}

type inboundFrame struct {
	from    int
	payload []byte
}

// Loopback implements Transport over the in-process fabric.
type Loopback struct {
	fabric *Fabric
	rank   int
	size   int

	mu          sync.Mutex
	closed      bool
	recvQ       [numClasses][]postedRecv
	pendingIn   [numClasses][]inboundFrame
	completions []Completion
}

var _ Transport = (*Loopback)(nil)

// Register assigns fabric-unique keys; the loopback fabric never
// dereferences remote addresses, but the handshake still exchanges them.
func (l *Loopback) Register(buf []byte) (*MemoryRegion, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrClosed
	}
	return &MemoryRegion{
		Buf:  buf,
		Addr: l.fabric.nextAddr.Add(1),
		LKey: l.fabric.nextKey.Add(1),
		RKey: l.fabric.nextKey.Add(1),
	}, nil
}

func (l *Loopback) PostSend(peer int, class Class, sge []SGE, wrID uint64) error {
	if err := validPeer(peer, l.size); err != nil {
		return err
	}
	payload := gather(sge)

	dst := l.fabric.endpoints[peer]
	dst.deliver(l.rank, class, payload)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	l.completions = append(l.completions, Completion{WRID: wrID, Peer: peer, OK: true})
	return nil
}

func (l *Loopback) deliver(from int, class Class, payload []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	if q := l.recvQ[class]; len(q) > 0 {
		recv := q[0]
		l.recvQ[class] = q[1:]
		l.complete(recv, from, payload)
		return
	}
	l.pendingIn[class] = append(l.pendingIn[class], inboundFrame{from: from, payload: payload})
}

func (l *Loopback) complete(recv postedRecv, from int, payload []byte) {
	c := Completion{WRID: recv.wrID, Peer: from, OK: true}
	if err := scatter(recv.sge, payload); err != nil {
		c.OK = false
		c.Err = err
	}
	l.completions = append(l.completions, c)
}

func (l *Loopback) PostRecv(class Class, sge []SGE, wrID uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	if pending := l.pendingIn[class]; len(pending) > 0 {
		frame := pending[0]
		l.pendingIn[class] = pending[1:]
		l.complete(postedRecv{sge: sge, wrID: wrID}, frame.from, frame.payload)
		return nil
	}
	l.recvQ[class] = append(l.recvQ[class], postedRecv{sge: sge, wrID: wrID})
	return nil
}

func (l *Loopback) Poll(max int) []Completion {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := len(l.completions)
	if n == 0 {
		return nil
	}
	if n > max {
		n = max
	}
	out := make([]Completion, n)
	copy(out, l.completions[:n])
	l.completions = append(l.completions[:0], l.completions[n:]...)
	return out
}

func (l *Loopback) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	l.recvQ = [numClasses][]postedRecv{}
	l.pendingIn = [numClasses][]inboundFrame{}
	l.completions = nil
	return nil
}
