// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package amq

import "sync"

// msgCache is the per-target coalescing cache: packed header+payload
// messages waiting to be injected with a single remote write.
type msgCache struct {
	mu  sync.Mutex
	pos int
	buf [MsgCacheSize]byte
}

// cacheFor returns target's cache, allocating it on first use.
// Slots are lazy so sparse communication patterns don't pay O(team).
func (q *Queue) cacheFor(target Unit) *msgCache {
	if c := q.cache[target].Load(); c != nil {
		return c
	}
	q.allocMu.Lock()
	defer q.allocMu.Unlock()
	if c := q.cache[target].Load(); c != nil {
		return c
	}
	c := &msgCache{}
	q.cache[target].Store(c)
	return c
}

// BSend appends one active message to target's coalescing cache.
//
// The message is not remotely visible until the cache drains: on overflow,
// on [Queue.Flush], or inside [Queue.ProcessBlocking]. When the append
// would overflow the cache, BSend first drains it, which may block briefly
// on back-pressure from target; while waiting it processes the local queue
// to break livelock with a peer blocked the same way.
//
// A message too large for the cache bypasses it and goes through the send
// path directly, with the same drain-while-waiting loop.
func (q *Queue) BSend(target Unit, fn HandlerID, data []byte) error {
	if q.closed.Load() {
		return ErrClosed
	}
	if target < 0 || int(target) >= q.comm.Size() {
		return ErrInvalidArgument
	}
	if len(data) > q.msgSize {
		return ErrMessageTooLarge
	}

	need := headerSize + len(data)
	hdr := header{
		fn:       fn,
		remote:   q.comm.Rank(),
		dataSize: uint32(len(data)),
		msgid:    uint32(q.msgID.Add(1) - 1),
	}

	// A batch larger than a sub-queue can never be injected, so the
	// effective cache capacity is bounded by Q as well.
	threshold := MsgCacheSize
	if q.queueSize < int64(threshold) {
		threshold = int(q.queueSize)
	}

	if need > threshold {
		msg := make([]byte, need)
		putHeader(msg, hdr)
		copy(msg[headerSize:], data)
		for {
			err := q.sendBuffer(target, msg)
			if !IsWouldBlock(err) {
				return err
			}
			q.Process()
		}
	}

	c := q.cacheFor(target)
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pos+need > threshold {
		if err := q.drainCacheLocked(target, c); err != nil {
			return err
		}
	}

	putHeader(c.buf[c.pos:], hdr)
	copy(c.buf[c.pos+headerSize:], data)
	c.pos += need

	q.log.Trace().
		Int("target", int(target)).
		Uint32("fn", uint32(fn)).
		Int("cached", c.pos).
		Msg("amq: message cached")
	return nil
}

// Flush drains every non-empty per-target cache. Idempotent when all
// caches are empty. On a hard error the affected cache keeps its contents
// and the sweep stops.
func (q *Queue) Flush() error {
	if q.closed.Load() {
		return ErrClosed
	}
	q.sendMu.Lock()
	defer q.sendMu.Unlock()
	for t := range q.cache {
		c := q.cache[t].Load()
		if c == nil {
			continue
		}
		c.mu.Lock()
		err := q.drainCacheLocked(Unit(t), c)
		c.mu.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

// drainCacheLocked injects the cache contents as one remote write,
// retrying on back-pressure. The caller holds c.mu. On ErrWouldBlock from
// the target, the local queue is processed between attempts: the target
// may itself be spinning on our queue.
func (q *Queue) drainCacheLocked(target Unit, c *msgCache) error {
	if c.pos == 0 {
		return nil
	}
	for {
		err := q.sendBuffer(target, c.buf[:c.pos])
		if err == nil {
			break
		}
		if IsWouldBlock(err) {
			q.Process()
			continue
		}
		q.log.Error().
			Int("target", int(target)).
			Err(err).
			Msg("amq: failed to flush message cache")
		return err
	}
	c.pos = 0
	return nil
}
