package rendezvous

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestProcessGroupAllgather(t *testing.T) {
	t.Parallel()

	const size = 4
	members := NewProcessGroup(size)

	var wg sync.WaitGroup
	results := make([][][]byte, size)
	for rank := 0; rank < size; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			out, err := members[rank].Allgather([]byte(fmt.Sprintf("blob-%d", rank)))
			if err != nil {
				t.Errorf("rank %d: %v", rank, err)
				return
			}
			results[rank] = out
		}(rank)
	}
	wg.Wait()

	for rank := 0; rank < size; rank++ {
		for peer := 0; peer < size; peer++ {
			want := fmt.Sprintf("blob-%d", peer)
			if got := string(results[rank][peer]); got != want {
				t.Fatalf("rank %d slot %d: got %q, want %q", rank, peer, got, want)
			}
		}
	}
}

func TestProcessGroupSequentialRounds(t *testing.T) {
	t.Parallel()

	const size = 3
	const rounds = 8
	members := NewProcessGroup(size)

	var wg sync.WaitGroup
	for rank := 0; rank < size; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			for round := 0; round < rounds; round++ {
				out, err := members[rank].Allgather([]byte{byte(round), byte(rank)})
				if err != nil {
					t.Errorf("rank %d round %d: %v", rank, round, err)
					return
				}
				for peer := 0; peer < size; peer++ {
					if out[peer][0] != byte(round) || out[peer][1] != byte(peer) {
						t.Errorf("rank %d round %d: stale contribution %v from peer %d", rank, round, out[peer], peer)
						return
					}
				}
			}
		}(rank)
	}
	wg.Wait()
}

func TestProcessGroupBarrier(t *testing.T) {
	t.Parallel()

	const size = 2
	members := NewProcessGroup(size)

	var wg sync.WaitGroup
	for rank := 0; rank < size; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			if err := members[rank].Barrier(); err != nil {
				t.Errorf("rank %d: %v", rank, err)
			}
		}(rank)
	}
	wg.Wait()
}

func TestTCPStarAllgather(t *testing.T) {
	t.Parallel()

	const size = 3
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()

	var wg sync.WaitGroup
	results := make([][][]byte, size)
	collectives := make([]Collective, size)

	for rank := 1; rank < size; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			leaf, err := newStarLeaf(addr, rank, size, testLogger())
			if err != nil {
				t.Errorf("leaf %d: %v", rank, err)
				return
			}
			collectives[rank] = leaf
			out, err := leaf.Allgather([]byte{byte(rank)})
			if err != nil {
				t.Errorf("leaf %d allgather: %v", rank, err)
				return
			}
			results[rank] = out
		}(rank)
	}

	root, err := newStarRootFromListener(ln, size, testLogger())
	if err != nil {
		t.Fatalf("root: %v", err)
	}
	collectives[0] = root
	results[0], err = root.Allgather([]byte{0})
	if err != nil {
		t.Fatalf("root allgather: %v", err)
	}
	wg.Wait()

	for rank := 0; rank < size; rank++ {
		for peer := 0; peer < size; peer++ {
			if len(results[rank][peer]) != 1 || results[rank][peer][0] != byte(peer) {
				t.Fatalf("rank %d slot %d: got %v", rank, peer, results[rank][peer])
			}
		}
	}

	var barrierWG sync.WaitGroup
	for rank := 1; rank < size; rank++ {
		barrierWG.Add(1)
		go func(rank int) {
			defer barrierWG.Done()
			if err := collectives[rank].Barrier(); err != nil {
				t.Errorf("leaf %d barrier: %v", rank, err)
			}
		}(rank)
	}
	if err := root.Barrier(); err != nil {
		t.Fatalf("root barrier: %v", err)
	}
	barrierWG.Wait()

	for _, c := range collectives {
		_ = c.Close()
	}
}

func TestFrameRoundTrip(t *testing.T) {
	t.Parallel()

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		_ = writeFrame(client, []byte("hello"))
		_ = writeFrame(client, nil)
	}()

	b, err := readFrame(server)
	if err != nil {
		t.Fatalf("readFrame: %v", err)
	}
	if string(b) != "hello" {
		t.Fatalf("got %q", b)
	}
	b, err = readFrame(server)
	if err != nil {
		t.Fatalf("readFrame empty: %v", err)
	}
	if len(b) != 0 {
		t.Fatalf("expected empty frame, got %d bytes", len(b))
	}
}

func TestValidateRank(t *testing.T) {
	t.Parallel()

	if err := validateRank(0, 1); err != nil {
		t.Fatalf("valid single rank rejected: %v", err)
	}
	if err := validateRank(2, 2); err == nil {
		t.Fatal("out-of-range rank accepted")
	}
	if err := validateRank(0, 0); err == nil {
		t.Fatal("empty world accepted")
	}
}
