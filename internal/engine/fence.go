package engine

import (
	"fmt"
	"runtime"
)

// Fence quiesces all traffic to this engine's shard. On return every
// previously issued get is observable, the cache is empty, all counters
// agree, and the resident teams are running again for the next epoch.
// Calling it twice with no intervening traffic is a no-op beyond the
// barriers.
//
// The barrier sits between the outgoing and inbound drain: a rank can only
// pass it once its own reads are acked, which in turn required every peer's
// responder to have served it. After the barrier no element traffic is in
// flight anywhere, so stopping the local teams cannot strand a peer.
func (e *Engine) Fence() error {
	e.fenceMu.Lock()
	defer e.fenceMu.Unlock()

	if err := e.Err(); err != nil {
		return err
	}
	if !e.running() {
		return ErrTerminated
	}

	// Outgoing quiescence: everything produced has been aggregated, sent,
	// answered, and acked in order.
	if err := e.waitQuiesce(func() bool {
		for pe := 0; pe < e.numPEs; pe++ {
			if e.ackHost[pe].Load() != e.reqProduced[pe].Load() {
				return false
			}
		}
		return e.blocksPosted.Load() == e.blocksReleased.Load()
	}); err != nil {
		return err
	}

	if err := e.coll.Barrier(); err != nil {
		err = fmt.Errorf("engine: fence barrier: %w", err)
		e.fatal(err)
		return err
	}

	// Inbound quiescence: every request received has been gathered,
	// dispatched, and its reply send completed.
	if err := e.waitQuiesce(func() bool {
		return e.rxBlocksReceived.Load() == e.rxBlocksAnswered.Load() &&
			e.repliesInFlight.Load() == 0 &&
			e.rxBlockReqCtr.Load() == e.rxBlockReqProduced.Load()
	}); err != nil {
		return err
	}

	// Stop the resident teams: the aggregator drains, hands the exit to
	// the responder, and both join.
	e.requestDone.Store(1)
	e.teamWG.Wait()
	e.fenceDone.Store(1)

	if e.cache != nil {
		e.cache.InvalidateAll()
	}

	e.requestDone.Store(0)
	e.responseDone.Store(0)
	e.fenceDone.Store(0)

	if e.running() {
		e.startTeams()
	}

	// Closing barrier keeps epochs aligned, so a fast rank's next-epoch
	// traffic meets a relaunched responder rather than a stale flag.
	if err := e.coll.Barrier(); err != nil {
		err = fmt.Errorf("engine: fence closing barrier: %w", err)
		e.fatal(err)
		return err
	}
	return e.Err()
}

func (e *Engine) waitQuiesce(cond func() bool) error {
	for !cond() {
		if err := e.Err(); err != nil {
			return err
		}
		if !e.running() {
			return ErrTerminated
		}
		runtime.Gosched()
	}
	return nil
}
