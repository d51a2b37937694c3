package spsc

import (
	"runtime"
	"sync"
	"testing"
)

func TestFillThenDrain(t *testing.T) {
	t.Parallel()

	p := New[int](8)
	p.FillFunc(8, func(i int) int { return i })

	if p.Len() != 8 {
		t.Fatalf("expected 8 queued, got %d", p.Len())
	}
	for i := 0; i < 8; i++ {
		got, ok := p.TryPop()
		if !ok {
			t.Fatalf("TryPop %d: pool empty", i)
		}
		if got != i {
			t.Fatalf("TryPop %d: got %d", i, got)
		}
	}
	if _, ok := p.TryPop(); ok {
		t.Fatal("TryPop on drained pool returned an item")
	}
}

func TestWrapAround(t *testing.T) {
	t.Parallel()

	p := New[uint64](4)
	// Recycle through the ring many times; item count in flight never
	// exceeds capacity, matching the engine's usage.
	next := uint64(0)
	for round := 0; round < 64; round++ {
		for i := 0; i < 4; i++ {
			p.Append(next + uint64(i))
		}
		for i := 0; i < 4; i++ {
			if got := p.Pop(); got != next+uint64(i) {
				t.Fatalf("round %d item %d: got %d", round, i, got)
			}
		}
		next += 4
	}
}

func TestProducerConsumer(t *testing.T) {
	t.Parallel()

	const n = 1 << 16
	p := New[uint64](1024)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := uint64(0); i < n; i++ {
			got := p.Pop()
			if got != i {
				t.Errorf("pop %d: got %d", i, got)
				return
			}
		}
	}()

	for i := uint64(0); i < n; i++ {
		// Keep the producer from overrunning; the engine guarantees this
		// structurally by sizing pools to the outstanding maximum.
		for p.Len() == p.Cap() {
			runtime.Gosched()
		}
		p.Append(i)
	}
	wg.Wait()
}
