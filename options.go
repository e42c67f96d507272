// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package amq

import (
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Builder configures and collectively opens an active-message queue.
//
// Builder provides a fluent API in two steps: configure locally, then call
// [Builder.Open] on every unit of the team.
//
// Example:
//
//	reg := amq.NewRegistry()
//	reg.Register(echoID, onEcho)
//
//	q, err := amq.New(64, 128).
//	    Handlers(reg).
//	    Logger(logger).
//	    Open(comm)
type Builder struct {
	msgSize  int
	msgCount int
	reg      *Registry
	log      zerolog.Logger
}

// New creates a queue builder.
//
// msgSize is the maximum payload length in bytes of a single message;
// msgCount is the number of maximum-sized messages each of the two
// sub-queues can hold. The per-sub-queue byte capacity is
// msgCount * (headerSize + msgSize); smaller messages pack tighter, so a
// sub-queue holds at least msgCount messages.
func New(msgSize, msgCount int) *Builder {
	return &Builder{
		msgSize:  msgSize,
		msgCount: msgCount,
		log:      zerolog.Nop(),
	}
}

// Handlers sets the receiver-side handler registry.
// A queue opened without a registry can send but will abort on dispatch.
func (b *Builder) Handlers(reg *Registry) *Builder {
	b.reg = reg
	return b
}

// Logger sets the diagnostic logger. The default discards everything.
func (b *Builder) Logger(log zerolog.Logger) *Builder {
	b.log = log
	return b
}

// Open collectively creates the queue over comm.
//
// Every unit of the team must call Open with an identically configured
// builder. Open allocates and zeroes the unit's receive window, sets up the
// per-target cache directory, and ends with a team barrier so that all
// windows are remotely accessible when it returns.
//
// Returns ErrInvalidArgument on a nil comm or non-positive sizes.
func (b *Builder) Open(comm Comm) (*Queue, error) {
	if comm == nil || b.msgSize <= 0 || b.msgCount <= 0 {
		return nil, ErrInvalidArgument
	}
	reg := b.reg
	if reg == nil {
		reg = NewRegistry()
	}

	q := &Queue{
		comm:      comm,
		reg:       reg,
		log:       b.log,
		msgSize:   b.msgSize,
		queueSize: int64(b.msgCount) * int64(headerSize+b.msgSize),
	}

	win, err := comm.OpenWindow(windowSize(q.queueSize))
	if err != nil {
		return nil, err
	}
	q.win = win
	q.cache = make([]atomic.Pointer[msgCache], comm.Size())

	// All windows must be visible before anyone starts sending.
	if err := comm.Barrier(); err != nil {
		return nil, err
	}

	q.log.Debug().
		Int("unit", int(comm.Rank())).
		Int("team", comm.Size()).
		Int64("queue_size", q.queueSize).
		Msg("amq: queue opened")
	return q, nil
}
