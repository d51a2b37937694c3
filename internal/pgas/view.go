package pgas

import (
	"fmt"

	"github.com/yuuki/pgas-rdma-engine/internal/engine"
)

// View is a multi-dimensional descriptor over a symmetric allocation. The
// leading coordinate of every access is the owning peer; the remaining
// coordinates index into that peer's shard in row-major order.
type View[T engine.Element] struct {
	alloc   *Allocation
	worker  *engine.Worker
	dims    []int
	strides []int
}

// NewView wraps alloc in a descriptor of the given extents. The product of
// the extents must match the allocation's element count, and T must match
// its element width. Takes a reference on the allocation.
func NewView[T engine.Element](alloc *Allocation, dims ...int) (*View[T], error) {
	if len(dims) == 0 {
		return nil, fmt.Errorf("pgas: view of %q needs at least one extent", alloc.label)
	}
	elems := 1
	for _, d := range dims {
		if d <= 0 {
			return nil, fmt.Errorf("pgas: view of %q has nonpositive extent %d", alloc.label, d)
		}
		elems *= d
	}
	elemSize := alloc.Engine().ElemSize()
	if elems*elemSize != len(alloc.shard) {
		return nil, fmt.Errorf("pgas: view extents cover %d elements but %q holds %d",
			elems, alloc.label, len(alloc.shard)/elemSize)
	}

	strides := make([]int, len(dims))
	stride := 1
	for d := len(dims) - 1; d >= 0; d-- {
		strides[d] = stride
		stride *= dims[d]
	}

	alloc.Retain()
	return &View[T]{
		alloc:   alloc,
		worker:  alloc.Worker(),
		dims:    append([]int(nil), dims...),
		strides: strides,
	}, nil
}

// Rank returns the number of dimensions.
func (v *View[T]) Rank() int { return len(v.dims) }

// Extent returns the size of dimension d.
func (v *View[T]) Extent(d int) int { return v.dims[d] }

// Span returns the total element count per shard.
func (v *View[T]) Span() int {
	elems := 1
	for _, d := range v.dims {
		elems *= d
	}
	return elems
}

func (v *View[T]) offset(idx []int) uint32 {
	if len(idx) != len(v.dims) {
		panic(fmt.Sprintf("pgas: %d indices into a rank-%d view", len(idx), len(v.dims)))
	}
	off := 0
	for d, i := range idx {
		if i < 0 || i >= v.dims[d] {
			panic(fmt.Sprintf("pgas: index %d out of extent %d in dimension %d", i, v.dims[d], d))
		}
		off += i * v.strides[d]
	}
	return uint32(off)
}

// Get reads one element of peer's shard, blocking until the value is
// available.
func (v *View[T]) Get(peer int, idx ...int) T {
	return engine.Get[T](v.worker, peer, v.offset(idx))
}

// Request prefetches one element of peer's shard without waiting.
func (v *View[T]) Request(peer int, idx ...int) {
	engine.Request[T](v.worker, peer, v.offset(idx))
}

// Put stores into peer's shard; only the local rank and direct-mapped peers
// are writable.
func (v *View[T]) Put(peer int, value T, idx ...int) error {
	return engine.Put(v.worker, peer, v.offset(idx), value)
}

// Release drops the view's reference on the allocation.
func (v *View[T]) Release() error { return v.alloc.Release() }

// DeepCopyToLocal gathers peer's entire shard into dst. Remote shards are
// prefetched a window at a time so the aggregator sees batches instead of
// one element per block.
func DeepCopyToLocal[T engine.Element](dst []T, v *View[T], peer int) error {
	span := v.Span()
	if len(dst) != span {
		return fmt.Errorf("pgas: deep copy into %d elements from a %d-element shard", len(dst), span)
	}
	const window = 1024
	for base := 0; base < span; base += window {
		end := base + window
		if end > span {
			end = span
		}
		for off := base; off < end; off++ {
			engine.Request[T](v.worker, peer, uint32(off))
		}
		for off := base; off < end; off++ {
			dst[off] = engine.Get[T](v.worker, peer, uint32(off))
		}
	}
	return nil
}

// DeepCopyFromLocal scatters src into the local shard.
func DeepCopyFromLocal[T engine.Element](v *View[T], src []T) error {
	span := v.Span()
	if len(src) != span {
		return fmt.Errorf("pgas: deep copy of %d elements into a %d-element shard", len(src), span)
	}
	rank := v.worker.Rank()
	for off := 0; off < span; off++ {
		if err := engine.Put(v.worker, rank, uint32(off), src[off]); err != nil {
			return err
		}
	}
	return nil
}
