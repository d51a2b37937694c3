package transport

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/yuuki/pgas-rdma-engine/internal/rendezvous"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func drain(t *testing.T, tr Transport, want int) []Completion {
	t.Helper()
	var out []Completion
	deadline := time.Now().Add(5 * time.Second)
	for len(out) < want {
		out = append(out, tr.Poll(want-len(out))...)
		if time.Now().After(deadline) {
			t.Fatalf("timed out with %d/%d completions", len(out), want)
		}
	}
	return out
}

func TestLoopbackSendRecv(t *testing.T) {
	t.Parallel()

	fabric := NewFabric(2)
	a, b := fabric.Endpoint(0), fabric.Endpoint(1)

	recvBuf := make([]byte, 8)
	recvWords := make([]uint32, 2)
	if err := b.PostRecv(ClassBlockRequest, []SGE{{Bytes: recvBuf}, {Words: recvWords}}, 7); err != nil {
		t.Fatalf("PostRecv: %v", err)
	}

	words := []uint32{0xaabbccdd, 0x11223344}
	if err := a.PostSend(1, ClassBlockRequest, []SGE{
		{Bytes: []byte{1, 2, 3, 4, 5, 6, 7, 8}},
		{Words: words},
	}, 3); err != nil {
		t.Fatalf("PostSend: %v", err)
	}

	sc := drain(t, a, 1)[0]
	if sc.WRID != 3 || !sc.OK || sc.Peer != 1 {
		t.Fatalf("send completion: %+v", sc)
	}
	rc := drain(t, b, 1)[0]
	if rc.WRID != 7 || !rc.OK || rc.Peer != 0 {
		t.Fatalf("recv completion: %+v", rc)
	}
	if recvBuf[0] != 1 || recvBuf[7] != 8 {
		t.Fatalf("scatter bytes: %v", recvBuf)
	}
	if recvWords[0] != words[0] || recvWords[1] != words[1] {
		t.Fatalf("scatter words: %#x", recvWords)
	}
}

func TestLoopbackSendBeforeRecv(t *testing.T) {
	t.Parallel()

	fabric := NewFabric(2)
	a, b := fabric.Endpoint(0), fabric.Endpoint(1)

	if err := a.PostSend(1, ClassBlockReply, []SGE{{Bytes: []byte{9}}}, 1); err != nil {
		t.Fatalf("PostSend: %v", err)
	}

	buf := make([]byte, 1)
	if err := b.PostRecv(ClassBlockReply, []SGE{{Bytes: buf}}, 2); err != nil {
		t.Fatalf("PostRecv: %v", err)
	}
	rc := drain(t, b, 1)[0]
	if !rc.OK || buf[0] != 9 {
		t.Fatalf("late recv: %+v buf=%v", rc, buf)
	}
}

func TestLoopbackOverflowFailsCompletion(t *testing.T) {
	t.Parallel()

	fabric := NewFabric(2)
	a, b := fabric.Endpoint(0), fabric.Endpoint(1)

	if err := b.PostRecv(ClassBlockRequest, []SGE{{Bytes: make([]byte, 2)}}, 5); err != nil {
		t.Fatalf("PostRecv: %v", err)
	}
	if err := a.PostSend(1, ClassBlockRequest, []SGE{{Bytes: []byte{1, 2, 3, 4}}}, 6); err != nil {
		t.Fatalf("PostSend: %v", err)
	}
	rc := drain(t, b, 1)[0]
	if rc.OK || rc.Err == nil {
		t.Fatalf("expected failed completion, got %+v", rc)
	}
}

func TestLoopbackClassesDoNotCross(t *testing.T) {
	t.Parallel()

	fabric := NewFabric(2)
	a, b := fabric.Endpoint(0), fabric.Endpoint(1)

	reqBuf := make([]byte, 4)
	repBuf := make([]byte, 4)
	if err := b.PostRecv(ClassBlockRequest, []SGE{{Bytes: reqBuf}}, 1); err != nil {
		t.Fatalf("PostRecv: %v", err)
	}
	if err := b.PostRecv(ClassBlockReply, []SGE{{Bytes: repBuf}}, 2); err != nil {
		t.Fatalf("PostRecv: %v", err)
	}

	if err := a.PostSend(1, ClassBlockReply, []SGE{{Bytes: []byte{4, 3, 2, 1}}}, 3); err != nil {
		t.Fatalf("PostSend: %v", err)
	}
	rc := drain(t, b, 1)[0]
	if rc.WRID != 2 {
		t.Fatalf("reply matched wrong receive: %+v", rc)
	}
	if repBuf[0] != 4 || reqBuf[0] != 0 {
		t.Fatalf("payload landed in wrong buffer: req=%v rep=%v", reqBuf, repBuf)
	}
}

func TestRegisterAssignsDistinctKeys(t *testing.T) {
	t.Parallel()

	fabric := NewFabric(1)
	ep := fabric.Endpoint(0)
	mr1, err := ep.Register(make([]byte, 16))
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	mr2, err := ep.Register(make([]byte, 16))
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if mr1.RKey == mr2.RKey || mr1.Addr == mr2.Addr {
		t.Fatalf("duplicate descriptors: %+v %+v", mr1, mr2)
	}
}

func TestTCPMesh(t *testing.T) {
	t.Parallel()

	const size = 3
	members := rendezvous.NewProcessGroup(size)

	var wg sync.WaitGroup
	transports := make([]*TCP, size)
	errs := make([]error, size)
	for rank := 0; rank < size; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			transports[rank], errs[rank] = NewTCP(members[rank], TCPOptions{Logger: testLogger()})
		}(rank)
	}
	wg.Wait()
	for rank, err := range errs {
		if err != nil {
			t.Fatalf("rank %d: %v", rank, err)
		}
	}
	defer func() {
		for _, tr := range transports {
			_ = tr.Close()
		}
	}()

	// Every rank sends one frame to every other rank.
	for rank, tr := range transports {
		for peer := 0; peer < size; peer++ {
			if peer == rank {
				continue
			}
			if err := tr.PostRecv(ClassBlockRequest, []SGE{{Bytes: make([]byte, 2)}}, uint64(100+peer)); err != nil {
				t.Fatalf("rank %d PostRecv: %v", rank, err)
			}
		}
	}
	for rank, tr := range transports {
		for peer := 0; peer < size; peer++ {
			if peer == rank {
				continue
			}
			if err := tr.PostSend(peer, ClassBlockRequest, []SGE{{Bytes: []byte{byte(rank), byte(peer)}}}, uint64(rank)); err != nil {
				t.Fatalf("rank %d send to %d: %v", rank, peer, err)
			}
		}
	}

	for rank, tr := range transports {
		// size-1 sends and size-1 receives complete per rank.
		completions := drain(t, tr, 2*(size-1))
		recvs := 0
		for _, c := range completions {
			if !c.OK {
				t.Fatalf("rank %d completion failed: %+v", rank, c)
			}
			if c.WRID >= 100 {
				recvs++
			}
		}
		if recvs != size-1 {
			t.Fatalf("rank %d: %d receive completions", rank, recvs)
		}
	}
}

func TestTCPSelfSendRejected(t *testing.T) {
	t.Parallel()

	members := rendezvous.NewProcessGroup(1)
	tr, err := NewTCP(members[0], TCPOptions{Logger: testLogger()})
	if err != nil {
		t.Fatalf("NewTCP: %v", err)
	}
	defer tr.Close()

	if err := tr.PostSend(0, ClassBlockRequest, nil, 1); err == nil {
		t.Fatal("self-send accepted")
	}
}
