// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package amq

// Unit is the identity of a peer within a team.
//
// Units are dense integers in [0, size) where size is the team size reported
// by the team's [Comm]. A Unit is stable for the lifetime of the team.
type Unit int32

// HandlerID is a stable identifier for an active-message handler.
//
// All peers of a team must agree on the mapping from HandlerID to handler;
// the identifier travels in the message header and is resolved at the
// receiver through its [Registry].
type HandlerID uint32

// Handler is an active-message action invoked at the receiving unit.
//
// src is the unit that sent the message. data is the payload; it aliases
// bytes inside the receive window and must not be retained past the
// handler's return. A handler runs inline on the draining goroutine: it
// must not call Process or ProcessBlocking on the queue that dispatched it,
// may send on any queue, and should complete in bounded time.
type Handler func(src Unit, data []byte)
