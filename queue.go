// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package amq

import (
	"sync"
	"sync/atomic"

	"code.hybscloud.com/atomix"
	"github.com/rs/zerolog"
)

// Queue is a one-sided active-message queue bound to one unit of a team.
//
// A Queue is shared among the goroutines of its unit: any number may send
// concurrently, and at most one at a time drains (enforced internally).
// Cross-peer state lives in the remotely accessible window; the fields here
// are local to the owning unit.
type Queue struct {
	comm Comm
	win  Window
	reg  *Registry
	log  zerolog.Logger

	// queueSize is Q, the byte capacity of each of the two sub-queues.
	queueSize int64
	// msgSize is the maximum payload length of a single message.
	msgSize int

	// sendMu serializes the full Flush sweep; allocMu guards lazy cache
	// slot allocation. They are distinct so a handler batching to a fresh
	// target during a Flush-driven drain cannot self-deadlock.
	sendMu  sync.Mutex
	allocMu sync.Mutex
	// procMu admits at most one drainer; TryLock backs Process.
	procMu sync.Mutex
	// cache holds one lazily allocated coalescing cache per target. Slots
	// are atomic pointers: the hot path reads without a lock.
	cache []atomic.Pointer[msgCache]

	// prevTail is the negative residual the drainer left in the frozen
	// sub-queue's tail; the next cycle waits for the reopened queue to
	// show exactly this value before resetting it. Drainer-only.
	prevTail int64

	msgID  atomix.Int32 // diagnostic message sequence
	closed atomix.Bool
}

// Cap returns the byte capacity Q of each sub-queue.
func (q *Queue) Cap() int {
	return int(q.queueSize)
}

// MaxMessageSize returns the maximum payload length of a single message.
func (q *Queue) MaxMessageSize() int {
	return q.msgSize
}

// Close collectively tears the queue down.
//
// Messages still pending in the local receive region are discarded with a
// warning, not dispatched. Close is non-reentrant and must be called by
// every unit of the team; after it returns the window is released and all
// caches are gone. Returns ErrClosed if the queue was already closed.
func (q *Queue) Close() error {
	if q.closed.Load() {
		return ErrClosed
	}

	me := q.comm.Rank()
	sel, err := q.win.FetchOp(me, offSelector, OpNoOp, 0)
	if err != nil {
		return err
	}
	tail, err := q.win.FetchOp(me, offTail(sel), OpNoOp, 0)
	if err != nil {
		return err
	}
	if err := q.win.FlushLocal(me); err != nil {
		return err
	}
	if tail > 0 {
		q.log.Warn().
			Int("unit", int(me)).
			Int64("tail", tail).
			Msg("amq: discarding unprocessed incoming messages at close")
	}

	// Refuse new operations before the window goes away.
	q.closed.Store(true)

	if err := q.win.Free(); err != nil {
		return err
	}
	q.cache = nil

	q.log.Debug().Int("unit", int(me)).Msg("amq: queue closed")
	return nil
}
