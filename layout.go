// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package amq

import (
	"encoding/binary"
	"math"
)

// Receive region layout, per unit. All control words are 8-byte signed
// integers; every peer of a team must agree on this layout byte-for-byte.
//
//	| off    | width | field       |
//	|--------|-------|-------------|
//	| 0      | 8     | selector    |
//	| 8      | 8     | tail[0]     |
//	| 16     | 8     | ready[0]    |
//	| 24     | 8     | tail[1]     |
//	| 32     | 8     | ready[1]    |
//	| 40     | Q     | data[0]     |
//	| 40+Q   | Q     | data[1]     |
//
// Q = msgCount * (headerSize + msgSize).
const (
	offSelector = 0
	wordSize    = 8
)

func offTail(q int64) int64 {
	return wordSize + q*2*wordSize
}

func offReady(q int64) int64 {
	return offTail(q) + wordSize
}

func offData(q, queueSize int64) int64 {
	return offReady(1) + wordSize + q*queueSize
}

func windowSize(queueSize int64) int64 {
	return offData(0, queueSize) + 2*queueSize
}

// freezeBias is added (negated, together with the observed tail) to a
// sub-queue's reservation counter when the drainer freezes it. Any
// in-flight sender's fetched offset turns negative, which the sender
// interprets as "not in this queue": it rolls back its reservation and
// retries on the other sub-queue after re-reading the selector.
const freezeBias = int64(math.MaxInt32)

// MsgCacheSize is the capacity in bytes of each per-target coalescing
// cache used by BSend.
const MsgCacheSize = 4 * 1024

// header is the fixed per-message header. It travels in front of every
// payload; the packed little-endian layout below is part of the cross-peer
// window contract.
//
//	| off | width | field    |
//	|-----|-------|----------|
//	| 0   | 4     | fn       |
//	| 4   | 4     | remote   |
//	| 8   | 4     | dataSize |
//	| 12  | 4     | msgid    |
type header struct {
	fn       HandlerID
	remote   Unit
	dataSize uint32
	msgid    uint32
}

const headerSize = 16

func putHeader(b []byte, h header) {
	binary.LittleEndian.PutUint32(b[0:4], uint32(h.fn))
	binary.LittleEndian.PutUint32(b[4:8], uint32(h.remote))
	binary.LittleEndian.PutUint32(b[8:12], h.dataSize)
	binary.LittleEndian.PutUint32(b[12:16], h.msgid)
}

func parseHeader(b []byte) header {
	return header{
		fn:       HandlerID(binary.LittleEndian.Uint32(b[0:4])),
		remote:   Unit(int32(binary.LittleEndian.Uint32(b[4:8]))),
		dataSize: binary.LittleEndian.Uint32(b[8:12]),
		msgid:    binary.LittleEndian.Uint32(b[12:16]),
	}
}
