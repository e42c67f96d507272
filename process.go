// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package amq

import (
	"fmt"

	"code.hybscloud.com/spin"
)

// Process drains the local receive region once, dispatching every message
// whose write has completed. Non-blocking: if another goroutine is already
// draining, Process returns ErrWouldBlock immediately.
func (q *Queue) Process() error {
	return q.processInternal(false)
}

// ProcessBlocking drives the team to global quiescence.
//
// Collective: every unit of the team must call it. It drains the local
// sender caches, enters a non-blocking team barrier, and keeps draining the
// local queue until the barrier completes — which it only does once every
// peer has flushed and entered. One more drain catches messages that landed
// between barrier entry and completion, and a final barrier keeps any unit
// from racing ahead. On return, every message sent by any peer before it
// entered ProcessBlocking has been dispatched by its target.
func (q *Queue) ProcessBlocking() error {
	if err := q.Flush(); err != nil {
		return err
	}

	pending, err := q.comm.IBarrier()
	if err != nil {
		return err
	}
	for {
		if err := q.processInternal(true); err != nil {
			return err
		}
		done, err := pending.Test()
		if err != nil {
			return err
		}
		if done {
			break
		}
	}
	// Peers may have sent after we entered the barrier but before they did.
	if err := q.processInternal(true); err != nil {
		return err
	}
	return q.comm.Barrier()
}

// processInternal swaps the active sub-queue, quiesces in-flight writers,
// and dispatches the frozen sub-queue in reservation order. In blocking
// mode it acquires the processing lock unconditionally and repeats until a
// cycle finds the region empty.
func (q *Queue) processInternal(blocking bool) error {
	if q.closed.Load() {
		return ErrClosed
	}
	if blocking {
		q.procMu.Lock()
	} else if !q.procMu.TryLock() {
		return ErrWouldBlock
	}
	defer q.procMu.Unlock()

	me := q.comm.Rank()
	for {
		// Only this unit ever writes the selector, and only under the
		// processing lock, so this read cannot race a swap.
		sel, err := q.win.FetchOp(me, offSelector, OpNoOp, 0)
		if err != nil {
			return err
		}
		if sel != 0 && sel != 1 {
			panic("amq: selector out of range")
		}

		tailNow, err := q.win.FetchOp(me, offTail(sel), OpNoOp, 0)
		if err != nil {
			return err
		}
		if err := q.win.FlushLocal(me); err != nil {
			return err
		}

		if tailNow > 0 {
			newq := 1 - sel

			// Wait for stragglers on the sub-queue we are about to
			// reopen: rollbacks from the previous freeze may still be in
			// flight, and the reset below must not race them.
			sw := spin.Wait{}
			for {
				tmp, err := q.win.FetchOp(me, offTail(newq), OpNoOp, 0)
				if err != nil {
					return err
				}
				if err := q.win.FlushLocal(me); err != nil {
					return err
				}
				if tmp == q.prevTail {
					break
				}
				sw.Once()
			}

			if _, err := q.win.FetchOp(me, offTail(newq), OpReplace, 0); err != nil {
				return err
			}
			if err := q.win.Flush(me); err != nil {
				return err
			}

			// Redirect new senders to the reopened sub-queue.
			swap := int64(1)
			if sel == 1 {
				swap = -1
			}
			prior, err := q.win.FetchOp(me, offSelector, OpAdd, swap)
			if err != nil {
				return err
			}
			if err := q.win.Flush(me); err != nil {
				return err
			}
			if prior != sel {
				panic("amq: selector changed outside the drainer")
			}

			// Freeze the old sub-queue: drive its tail so far negative
			// that any in-flight sender's fetched offset is < 0, making
			// the sender roll back and retry on the new sub-queue. The
			// flush is deferred; the fetches in the loop below force
			// completion of this op on the same location.
			sub := -tailNow - freezeBias
			if _, err := q.win.FetchOp(me, offTail(sel), OpAdd, sub); err != nil {
				return err
			}

			// Wait for the writers that did claim space to finish.
			// Late claims and rollbacks keep moving the tail; undoing the
			// freeze bias recovers the true claimed amount each round.
			for {
				ready, err := q.win.FetchOp(me, offReady(sel), OpNoOp, 0)
				if err != nil {
					return err
				}
				tmp, err := q.win.FetchOp(me, offTail(sel), OpNoOp, 0)
				if err != nil {
					return err
				}
				if err := q.win.FlushLocal(me); err != nil {
					return err
				}
				tailNow = tmp + (-sub)
				if ready > tailNow {
					panic("amq: completion counter ahead of reservation counter")
				}
				if ready == tailNow {
					break
				}
				sw.Once()
			}

			// The frozen tail retains this residual until the next cycle
			// reopens it; that cycle waits for exactly this value.
			q.prevTail = sub + tailNow

			if _, err := q.win.FetchOp(me, offReady(sel), OpReplace, 0); err != nil {
				return err
			}
			if err := q.win.Flush(me); err != nil {
				return err
			}

			q.log.Trace().
				Int("unit", int(me)).
				Int64("queue", sel).
				Int64("bytes", tailNow).
				Msg("amq: dispatching frozen sub-queue")
			q.dispatch(sel, tailNow)
		}

		if !blocking || tailNow <= 0 {
			return nil
		}
	}
}

// dispatch walks the frozen sub-queue in reservation order and invokes the
// handler named by each header. Runs inline under the processing lock;
// senders never take that lock, so handlers may send. When the drain was
// entered from a cache drain (BSend overflow or Flush), that target's cache
// lock is also held, and for Flush the send lock as well.
func (q *Queue) dispatch(sel, tailNow int64) {
	base := offData(sel, q.queueSize)
	dbuf := q.win.Local()[base : base+q.queueSize]

	var pos int64
	for pos < tailNow {
		h := parseHeader(dbuf[pos:])
		pos += headerSize
		data := dbuf[pos : pos+int64(h.dataSize) : pos+int64(h.dataSize)]
		pos += int64(h.dataSize)
		if pos > tailNow {
			panic(fmt.Sprintf("amq: message straddles frozen tail (%d > %d)", pos, tailNow))
		}

		fn, ok := q.reg.lookup(h.fn)
		if !ok {
			panic(fmt.Sprintf("amq: no handler registered for fn %d", h.fn))
		}
		q.log.Trace().
			Uint32("fn", uint32(h.fn)).
			Int("src", int(h.remote)).
			Uint32("msgid", h.msgid).
			Uint32("bytes", h.dataSize).
			Msg("amq: invoking active message")
		fn(h.remote, data)
	}
}
