// Package engine implements the RDMA scatter-gather engine: per-peer
// collection of element-granularity remote-read requests, aggregation into
// block requests, delivery to the owning peer, peer-side gather of the
// requested scalars, and out-of-order completion reconciliation.
//
// One engine exists per shard buffer per process. Worker goroutines issue
// reads through the Worker view; two resident goroutines (the aggregator and
// the responder) play the role of the device teams; three host pumps drive
// the transport.
package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/yuuki/pgas-rdma-engine/internal/cache"
	"github.com/yuuki/pgas-rdma-engine/internal/protocol"
	"github.com/yuuki/pgas-rdma-engine/internal/rendezvous"
	"github.com/yuuki/pgas-rdma-engine/internal/spsc"
	"github.com/yuuki/pgas-rdma-engine/internal/transport"
)

// Defaults, tunable per engine at construction; the queues never resize
// during a run.
const (
	DefaultQueueCapacity uint64 = 1 << 20
	DefaultMTU           uint32 = 16384
	DefaultMaxMTUStalls  uint32 = 4
	DefaultMargin        uint64 = 4096
	defaultSendPool             = 16
	pollBatch                   = 64
)

// Options configures an engine.
type Options struct {
	Logger *slog.Logger

	// QueueCapacity is the per-peer element ring capacity Q.
	QueueCapacity uint64
	// MTU is the minimum batch the aggregator tries to emit before stall
	// polls force a flush.
	MTU uint32
	// MaxMTUStalls bounds how many aggregation passes may skip a
	// sub-MTU batch before it is flushed anyway.
	MaxMTUStalls uint32
	// Margin is the head room the worker back-pressure keeps between
	// produced requests and device-visible acks.
	Margin uint64

	// Cached enables the remote access cache for this allocation.
	Cached bool
	// CacheEntries sizes the cache table; zero picks the default.
	CacheEntries int

	// DirectShards maps peer rank to a directly readable view of that
	// peer's shard, for peers reachable without the network. Entries may
	// be nil. The engine always installs its own shard.
	DirectShards [][]byte
	// DisableDirect forces the network path even for in-process peers.
	DisableDirect bool

	// SendPool sizes the pools of reusable send work requests.
	SendPool int
	// Windows sizes the inbound receive-window pool; zero picks one per
	// peer.
	Windows int
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.QueueCapacity == 0 {
		o.QueueCapacity = DefaultQueueCapacity
	}
	if o.MTU == 0 {
		o.MTU = DefaultMTU
	}
	if o.MaxMTUStalls == 0 {
		o.MaxMTUStalls = DefaultMaxMTUStalls
	}
	if o.Margin == 0 {
		o.Margin = DefaultMargin
	}
	if o.SendPool == 0 {
		o.SendPool = defaultSendPool
	}
	return o
}

// ConfigError reports a rejected engine configuration.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string { return "engine: " + e.Reason }

// remoteWindowConfig is the per-peer binding exchanged at handshake.
type remoteWindowConfig struct {
	replyTxAddr uint64
	replyTxKey  uint32
	replyRxAddr uint64
	replyRxKey  uint32
	hostname    string
}

// remoteWindow is one receive window: a region of the inbound offset ring
// plus the metadata of the block currently occupying it.
type remoteWindow struct {
	index uint32

	// Mutated per in-flight block.
	origin     int
	token      uint32
	numEntries uint32
}

// pendingRequest tracks one posted block request until its reply has been
// acked in order.
type pendingRequest struct {
	startIdx   uint64
	numEntries uint32
	peer       int
	token      uint32
}

type wrKind uint8

const (
	wrSendRequest wrKind = iota
	wrSendReply
	wrRecvRequest
	wrRecvReply
)

// workRequest is a reusable send or receive descriptor, pooled so the hot
// path never allocates.
type workRequest struct {
	id   uint64
	kind wrKind
	buf  []byte        // receive scratch / send header storage
	win  *remoteWindow // window owned by an in-flight reply send
}

// Engine owns all counters, queues, transport state, window metadata, and
// progress goroutines for one shard buffer.
type Engine struct {
	logger *slog.Logger
	opts   Options

	numPEs, rank int
	elemSize     int
	numElems     uint32
	shard        []byte

	coll  rendezvous.Collective
	tport transport.Transport

	q uint64 // ring capacity
	// blockLimit bounds the element count of one block, sizing the
	// receive scratch buffers.
	blockLimit uint64

	// Per-peer counters.
	reqProduced   []atomic.Uint64 // workers (fetch-add)
	reqAggregated []atomic.Uint64 // aggregator
	replySent     []atomic.Uint64 // responder
	ackHost       []atomic.Uint64 // ack-pump
	ackDevice     []atomic.Uint64 // aggregator mirror of ackHost

	// Host-side per-peer counters.
	reqSent         []uint64 // request-pump: elements posted on the wire
	replyDispatched []uint64 // response-pump: elements sent back

	// Element rings.
	txElemReq   []uint32 // numPEs*q request slots
	rxElemReq   []uint32 // windows*q inbound offsets
	txElemReply []byte   // numPEs*q*elemSize gathered values
	rxElemReply []byte   // numPEs*q*elemSize received values

	// Block-command rings, each with a single producer and consumer.
	txBlockReqCmd   []uint64
	rxBlockReqCmd   []uint64
	txBlockReplyCmd []uint64

	txBlockReqCtr      uint64        // aggregator (producer)
	rxBlockReqProduced atomic.Uint64 // response-pump (producer)
	rxBlockReqCtr      atomic.Uint64 // responder (consumer)
	txBlockReplyCtr    uint64        // response-pump (consumer)

	// Done flags guarding the resident teams.
	requestDone  atomic.Uint32
	responseDone atomic.Uint32
	fenceDone    atomic.Uint32
	terminate    atomic.Uint32

	// First fatal error; raised once, reported by Err, Fence, and Close.
	fatalErr  atomic.Pointer[engineError]
	deviceErr atomic.Pointer[engineError]

	cache  *cache.Cache
	direct [][]byte

	// Window pool and handshake state.
	windows    []*remoteWindow
	windowPool *spsc.Pool[*remoteWindow]
	peerCfg    []remoteWindowConfig

	// Work-request descriptors; the id is the index.
	wrs           []*workRequest
	sendReqPool   *spsc.Pool[*workRequest]
	sendReplyPool *spsc.Pool[*workRequest]

	// Pending block requests by token.
	pendingMu sync.Mutex
	pending   map[uint32]*pendingRequest
	epoch     uint32

	// Completed pendings flowing to the ack-pump.
	ackCh chan *pendingRequest

	// Quiescence accounting.
	blocksPosted      atomic.Uint64
	blocksReleased    atomic.Uint64
	repliesInFlight   atomic.Int64
	rxBlocksReceived  atomic.Uint64
	rxBlocksAnswered  atomic.Uint64
	bytesSent         atomic.Uint64
	bytesReceived     atomic.Uint64
	directReads       atomic.Uint64
	backpressureSpins atomic.Uint64

	pumpWG  sync.WaitGroup
	teamWG  sync.WaitGroup
	fenceMu sync.Mutex

	mrTxReply *transport.MemoryRegion
	mrRxReply *transport.MemoryRegion
}

type engineError struct{ err error }

// New constructs an engine bound to the local shard, performs the remote
// window handshake, posts the initial receives, and launches the pumps and
// resident teams. The shard length must be a multiple of elemSize.
func New(shard []byte, elemSize int, coll rendezvous.Collective, tport transport.Transport, opts Options) (*Engine, error) {
	opts = opts.withDefaults()

	if elemSize <= 0 || elemSize > 8 {
		return nil, &ConfigError{Reason: fmt.Sprintf("element size %d outside [1,8]", elemSize)}
	}
	if len(shard)%elemSize != 0 {
		return nil, &ConfigError{Reason: fmt.Sprintf("shard of %d bytes not a multiple of element size %d", len(shard), elemSize)}
	}
	numElems := uint64(len(shard) / elemSize)
	if numElems > protocol.MaxOffset+1 {
		return nil, &ConfigError{Reason: fmt.Sprintf("shard of %d elements exceeds the addressable offset range", numElems)}
	}
	size := coll.Size()
	if size <= 0 || size > protocol.MaxPeer {
		return nil, &ConfigError{Reason: fmt.Sprintf("peer count %d out of range", size)}
	}
	if opts.DirectShards != nil && len(opts.DirectShards) != size {
		return nil, &ConfigError{Reason: fmt.Sprintf("direct shard table of %d entries for %d peers", len(opts.DirectShards), size)}
	}
	if opts.QueueCapacity < uint64(opts.MTU) || opts.Margin >= opts.QueueCapacity {
		return nil, &ConfigError{Reason: "queue capacity must be at least the MTU and exceed the back-pressure margin"}
	}

	e := &Engine{
		logger:   opts.Logger,
		opts:     opts,
		numPEs:   size,
		rank:     coll.Rank(),
		elemSize: elemSize,
		numElems: uint32(numElems),
		shard:    shard,
		coll:     coll,
		tport:    tport,
		q:        opts.QueueCapacity,
		pending:  make(map[uint32]*pendingRequest),
	}
	e.blockLimit = 4 * uint64(opts.MTU)
	if e.blockLimit > e.q {
		e.blockLimit = e.q
	}
	if e.blockLimit > protocol.MaxBlockSize {
		e.blockLimit = protocol.MaxBlockSize
	}

	q := e.q
	n := uint64(size)
	e.reqProduced = make([]atomic.Uint64, size)
	e.reqAggregated = make([]atomic.Uint64, size)
	e.replySent = make([]atomic.Uint64, size)
	e.ackHost = make([]atomic.Uint64, size)
	e.ackDevice = make([]atomic.Uint64, size)
	e.reqSent = make([]uint64, size)
	e.replyDispatched = make([]uint64, size)

	numWindows := opts.Windows
	if numWindows <= 0 {
		numWindows = size
	}

	e.txElemReq = make([]uint32, n*q)
	e.rxElemReq = make([]uint32, uint64(numWindows)*q)
	e.txElemReply = make([]byte, n*q*uint64(elemSize))
	e.rxElemReply = make([]byte, n*q*uint64(elemSize))
	e.txBlockReqCmd = make([]uint64, q)
	e.rxBlockReqCmd = make([]uint64, q)
	e.txBlockReplyCmd = make([]uint64, q)

	e.windows = make([]*remoteWindow, numWindows)
	e.windowPool = spsc.New[*remoteWindow](numWindows)
	for i := range e.windows {
		e.windows[i] = &remoteWindow{index: uint32(i)}
		e.windowPool.FillAppend(e.windows[i])
	}

	if opts.Cached {
		e.cache = cache.New(opts.CacheEntries)
	}

	e.direct = make([][]byte, size)
	if !opts.DisableDirect && opts.DirectShards != nil {
		copy(e.direct, opts.DirectShards)
	}
	// The local shard is always read directly.
	e.direct[e.rank] = shard

	if err := e.registerMemory(); err != nil {
		return nil, err
	}
	if err := e.handshake(); err != nil {
		return nil, err
	}
	if err := e.fillWorkRequests(); err != nil {
		return nil, err
	}

	e.ackCh = make(chan *pendingRequest, opts.SendPool*2)

	e.startPumps()
	e.startTeams()
	e.logger.Debug("engine bound",
		"rank", e.rank,
		"peers", e.numPEs,
		"elements", e.numElems,
		"queue_capacity", e.q,
	)
	return e, nil
}

// registerMemory pins every ring the transport touches; registration happens
// once at bind, never per request.
func (e *Engine) registerMemory() error {
	var err error
	if e.mrTxReply, err = e.tport.Register(e.txElemReply); err != nil {
		return fmt.Errorf("engine: register reply tx ring: %w", err)
	}
	if e.mrRxReply, err = e.tport.Register(e.rxElemReply); err != nil {
		return fmt.Errorf("engine: register reply rx ring: %w", err)
	}
	return nil
}

// fillWorkRequests builds the reusable descriptor pools and posts the
// initial receives.
func (e *Engine) fillWorkRequests() error {
	sendPool := e.opts.SendPool
	recvPerClass := sendPool

	maxReqBytes := protocol.BlockRequestHeaderLen + 4*int(e.blockLimit)
	maxReplyBytes := protocol.BlockReplyHeaderLen + e.elemSize*int(e.blockLimit)

	e.sendReqPool = spsc.New[*workRequest](sendPool)
	e.sendReplyPool = spsc.New[*workRequest](sendPool)

	newWR := func(kind wrKind, buf []byte) *workRequest {
		wr := &workRequest{id: uint64(len(e.wrs)), kind: kind, buf: buf}
		e.wrs = append(e.wrs, wr)
		return wr
	}

	for i := 0; i < sendPool; i++ {
		e.sendReqPool.FillAppend(newWR(wrSendRequest, make([]byte, protocol.BlockRequestHeaderLen)))
		e.sendReplyPool.FillAppend(newWR(wrSendReply, make([]byte, protocol.BlockReplyHeaderLen)))
	}
	for i := 0; i < recvPerClass; i++ {
		wr := newWR(wrRecvRequest, make([]byte, maxReqBytes))
		if err := e.tport.PostRecv(transport.ClassBlockRequest, []transport.SGE{{Bytes: wr.buf}}, wr.id); err != nil {
			return fmt.Errorf("engine: post request receive: %w", err)
		}
		wr = newWR(wrRecvReply, make([]byte, maxReplyBytes))
		if err := e.tport.PostRecv(transport.ClassBlockReply, []transport.SGE{{Bytes: wr.buf}}, wr.id); err != nil {
			return fmt.Errorf("engine: post reply receive: %w", err)
		}
	}
	return nil
}

// Rank returns the local peer index.
func (e *Engine) Rank() int { return e.rank }

// NumPEs returns the number of peers in the job.
func (e *Engine) NumPEs() int { return e.numPEs }

// ElemSize returns the fixed element width in bytes.
func (e *Engine) ElemSize() int { return e.elemSize }

// Err returns the first fatal error, if any.
func (e *Engine) Err() error {
	if p := e.fatalErr.Load(); p != nil {
		return p.err
	}
	return nil
}

func (e *Engine) fatal(err error) {
	if err == nil {
		return
	}
	if e.fatalErr.CompareAndSwap(nil, &engineError{err: err}) {
		e.logger.Error("engine fatal", "rank", e.rank, "err", err)
		e.terminate.Store(1)
	}
}

// publishDeviceError records an error raised on the worker path; workers
// cannot fail loudly, so the pumps pick the word up and convert it into a
// host-side fatal.
func (e *Engine) publishDeviceError(err error) {
	e.deviceErr.CompareAndSwap(nil, &engineError{err: err})
}

func (e *Engine) checkDeviceError() {
	if p := e.deviceErr.Load(); p != nil {
		e.fatal(fmt.Errorf("engine: worker error: %w", p.err))
	}
}

func (e *Engine) running() bool { return e.terminate.Load() == 0 }

// ErrTerminated is returned when an operation runs against a stopped engine.
var ErrTerminated = errors.New("engine: terminated")
