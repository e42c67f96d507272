// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package amq provides a one-sided, lock-free active-message queue for
// PGAS-style teams of peers.
//
// Every unit of a team owns a receive region inside a remotely accessible
// memory window. Any peer injects a variable-length active message — a
// handler identifier plus an opaque payload — into that region using only
// one-sided primitives (fetch-and-add, remote write, remote flush). The
// owner later drains its region and dispatches each message to the handler
// named by its header. No lock and no cache-coherent shared memory is
// assumed between peers.
//
// # Quick Start
//
//	reg := amq.NewRegistry()
//	reg.Register(echoID, func(src amq.Unit, data []byte) {
//	    fmt.Printf("from %d: %s\n", src, data)
//	})
//
//	// Collective over the team: every unit calls Open with its own comm.
//	q, err := amq.New(64, 128).Handlers(reg).Open(comm)
//	if err != nil {
//	    // ...
//	}
//	defer q.Close()
//
//	// Send (non-blocking, one-sided)
//	if err := q.TrySend(target, echoID, []byte("hi")); amq.IsWouldBlock(err) {
//	    // Target queue full or being drained — retry or drain locally.
//	}
//
//	// Drain (non-blocking, local)
//	q.Process()
//
//	// Collective quiescence: everything sent before entry is dispatched.
//	q.ProcessBlocking()
//
// # Protocol
//
// Each receive region holds two sub-queues in a ping-pong arrangement. A
// selector word names the sub-queue currently accepting writers. Senders
// claim space with a remote fetch-and-add on the active sub-queue's
// reservation counter (tail), write their bytes, then bump the completion
// counter (ready). A reservation that lands outside the sub-queue is rolled
// back by the sender itself and reported as [ErrWouldBlock].
//
// The drainer swaps the selector, then adds a large negative freeze bias to
// the old tail so that every in-flight sender observes a negative offset,
// rolls back on its own, and retries on the new sub-queue. Once ready has
// caught up with the recovered tail, the frozen sub-queue is immutable and
// its messages are dispatched in reservation order. There is no handshake
// between drainer and senders; coordination happens entirely through the
// counters.
//
// # Batching
//
// [Queue.BSend] appends small messages to a per-target local cache and
// injects the whole batch with a single remote write, either when the cache
// overflows or on [Queue.Flush]. Batching trades latency for far fewer
// remote operations on fine-grained communication patterns.
//
// # Ordering
//
//   - Within one frozen sub-queue, messages are dispatched in the order of
//     their successful reservations.
//   - Per sender, the payload write happens-before the ready bump is
//     observable by any peer.
//   - Across senders and across sub-queue swaps, no global order is
//     promised.
//   - [Queue.ProcessBlocking] guarantees that every message sent by any
//     peer before it entered the collective has been dispatched by its
//     target before the collective completes.
//
// # Handlers
//
// A handler runs inline on the draining goroutine. It must not call back
// into Process or ProcessBlocking on the same queue, must not retain the
// payload slice past its return (the bytes live in the window and are
// reused), and should complete in bounded time. Sending from a handler is
// permitted: senders never take the processing lock.
//
// # Substrates
//
// The queue is written against the [Comm] and [Window] collaborator
// interfaces. Two substrates ship with the module:
//
//   - [code.hybscloud.com/amq/loopback]: an in-process fabric for
//     single-process teams, tests, and benchmarks.
//   - [code.hybscloud.com/amq/tcprma]: a TCP fabric in which one-sided
//     operations are served by the window owner's peer process.
//
// # Error Handling
//
// Back-pressure is a control-flow signal, not a failure: full or draining
// target queues surface as [ErrWouldBlock], sourced from
// [code.hybscloud.com/iox] for ecosystem consistency. Callers retry, drain
// their own queue, or batch through BSend. Protocol-invariant violations
// (corrupt selector, completion counter ahead of reservation counter, a
// message straddling the frozen tail) panic: continuing would dispatch out
// of bounds.
//
// # Race Detection
//
// The drainer reads payload bytes that senders wrote through plain remote
// writes; the happens-before edge runs through the ready counter, which the
// race detector cannot observe on the loopback substrate. Stress tests that
// exercise this path skip themselves when [RaceEnabled] is true.
//
// # Dependencies
//
// This package uses [code.hybscloud.com/iox] for semantic errors,
// [code.hybscloud.com/atomix] for atomic primitives with explicit memory
// ordering, [code.hybscloud.com/spin] for CPU pause instructions, and
// [github.com/rs/zerolog] for optional diagnostics.
package amq
