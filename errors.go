// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package amq

import (
	"errors"

	"code.hybscloud.com/iox"
)

// ErrWouldBlock indicates the operation cannot proceed immediately.
//
// For TrySend and the cache drain: the target's active sub-queue is full or
// currently being frozen by its drainer (back-pressure).
// For Process: another goroutine holds the processing lock.
//
// ErrWouldBlock is a control flow signal, not a failure. The caller should
// retry, drain its own queue, or batch through BSend rather than propagating
// the error. There is no built-in timeout; callers implement one by counting
// ErrWouldBlock returns.
//
// This is an alias for [iox.ErrWouldBlock] for ecosystem consistency.
var ErrWouldBlock = iox.ErrWouldBlock

// ErrInvalidArgument indicates a bad parameter: a nil comm, a non-positive
// message size or count, or a target outside the team. (A nil handler is
// rejected by [Registry.Register] with a panic.)
var ErrInvalidArgument = errors.New("amq: invalid argument")

// ErrMessageTooLarge indicates a payload longer than the per-message limit
// the queue was opened with. The reservation protocol never sees such a
// message; the queue state is untouched.
var ErrMessageTooLarge = errors.New("amq: message exceeds maximum size")

// ErrClosed indicates use of a queue after Close.
var ErrClosed = errors.New("amq: queue is closed")

// IsWouldBlock reports whether err indicates the operation would block.
// Delegates to [iox.IsWouldBlock] for wrapped error support.
func IsWouldBlock(err error) bool {
	return iox.IsWouldBlock(err)
}

// IsNonFailure reports whether err represents a non-failure condition.
// Returns true for nil or ErrWouldBlock.
// Delegates to [iox.IsNonFailure].
func IsNonFailure(err error) bool {
	return iox.IsNonFailure(err)
}
