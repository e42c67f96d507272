// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package amq

// TrySend injects one active message into target's receive region.
//
// TrySend is non-blocking and safe for concurrent use. It returns
// ErrWouldBlock when target's active sub-queue is full or being drained;
// the queue state is left untouched in that case and the caller decides
// whether to retry, drain its own queue, or batch through BSend.
//
// Returns ErrMessageTooLarge if len(data) exceeds the queue's maximum
// message size and ErrInvalidArgument for a target outside the team.
func (q *Queue) TrySend(target Unit, fn HandlerID, data []byte) error {
	if q.closed.Load() {
		return ErrClosed
	}
	if target < 0 || int(target) >= q.comm.Size() {
		return ErrInvalidArgument
	}
	if len(data) > q.msgSize {
		return ErrMessageTooLarge
	}

	msg := make([]byte, headerSize+len(data))
	putHeader(msg, header{
		fn:       fn,
		remote:   q.comm.Rank(),
		dataSize: uint32(len(data)),
		msgid:    uint32(q.msgID.Add(1) - 1),
	})
	copy(msg[headerSize:], data)

	return q.sendBuffer(target, msg)
}

// sendBuffer performs one attempt of the reservation protocol: claim space
// in target's active sub-queue, write buf, signal completion. buf must be
// one or more complete header+payload messages.
//
// A claim that lands outside [0, Q) is rolled back and reported as
// ErrWouldBlock; the net effect on the remote counters is zero. There is
// no internal retry: the caller chooses between retrying and draining.
func (q *Queue) sendBuffer(target Unit, buf []byte) error {
	n := int64(len(buf))

	sel, err := q.win.FetchOp(target, offSelector, OpNoOp, 0)
	if err != nil {
		return err
	}
	if err := q.win.FlushLocal(target); err != nil {
		return err
	}
	if sel != 0 && sel != 1 {
		panic("amq: selector out of range")
	}

	offset, err := q.win.FetchOp(target, offTail(sel), OpAdd, n)
	if err != nil {
		return err
	}
	if err := q.win.FlushLocal(target); err != nil {
		return err
	}

	if offset < 0 || offset+n > q.queueSize {
		// Full, or the drainer froze this sub-queue underneath us. Undo
		// the claim; the rollback must be remotely durable before we
		// report back-pressure, or the drainer could wait on it forever.
		if _, err := q.win.FetchOp(target, offTail(sel), OpAdd, -n); err != nil {
			return err
		}
		if err := q.win.Flush(target); err != nil {
			return err
		}
		q.log.Trace().
			Int("target", int(target)).
			Int64("queue", sel).
			Int64("offset", offset).
			Msg("amq: sub-queue full or draining, reverted claim")
		return ErrWouldBlock
	}

	if err := q.win.Put(target, offData(sel, q.queueSize)+offset, buf); err != nil {
		return err
	}
	// The payload must have landed before the ready bump announces it.
	if err := q.win.Flush(target); err != nil {
		return err
	}

	if _, err := q.win.FetchOp(target, offReady(sel), OpAdd, n); err != nil {
		return err
	}
	// And the bump itself must become remotely visible, or the message
	// might never be noticed.
	if err := q.win.Flush(target); err != nil {
		return err
	}

	q.log.Trace().
		Int("target", int(target)).
		Int64("queue", sel).
		Int64("offset", offset).
		Int64("bytes", n).
		Msg("amq: message written")
	return nil
}
