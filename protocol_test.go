// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package amq

import (
	"bytes"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
)

// =============================================================================
// White-box protocol tests
//
// These drive the reservation protocol against a deterministic in-memory
// window for a team of one, reading the control words directly. Concurrent
// multi-unit behavior is covered by the loopback tests.
// =============================================================================

// fakeComm is a single-unit communicator over one scripted window.
type fakeComm struct {
	win *fakeWin
}

func (c *fakeComm) Rank() Unit { return 0 }
func (c *fakeComm) Size() int  { return 1 }

func (c *fakeComm) OpenWindow(size int64) (Window, error) {
	c.win = &fakeWin{mem: make([]byte, size)}
	return c.win, nil
}

func (c *fakeComm) Barrier() error { return nil }

func (c *fakeComm) IBarrier() (Pending, error) { return donePending{}, nil }

type donePending struct{}

func (donePending) Test() (bool, error) { return true, nil }

// fakeWin keeps the whole window in one byte slice; 8-byte control words
// are read and written through little-endian views under a mutex.
type fakeWin struct {
	mu  sync.Mutex
	mem []byte
}

func (w *fakeWin) word(off int64) int64 {
	return int64(binary.LittleEndian.Uint64(w.mem[off:]))
}

func (w *fakeWin) setWord(off, v int64) {
	binary.LittleEndian.PutUint64(w.mem[off:], uint64(v))
}

func (w *fakeWin) FetchOp(_ Unit, off int64, op Op, operand int64) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	prior := w.word(off)
	switch op {
	case OpNoOp:
	case OpAdd:
		w.setWord(off, prior+operand)
	case OpReplace:
		w.setWord(off, operand)
	}
	return prior, nil
}

func (w *fakeWin) Put(_ Unit, off int64, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	copy(w.mem[off:], data)
	return nil
}

func (w *fakeWin) FlushLocal(Unit) error { return nil }
func (w *fakeWin) Flush(Unit) error      { return nil }
func (w *fakeWin) Local() []byte         { return w.mem }
func (w *fakeWin) Free() error           { return nil }

func openTestQueue(t *testing.T, msgSize, msgCount int, reg *Registry) (*Queue, *fakeComm) {
	t.Helper()
	comm := &fakeComm{}
	q, err := New(msgSize, msgCount).Handlers(reg).Open(comm)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return q, comm
}

func TestHeaderRoundTrip(t *testing.T) {
	in := header{fn: 7, remote: 3, dataSize: 129, msgid: 42}
	var buf [headerSize]byte
	putHeader(buf[:], in)
	if out := parseHeader(buf[:]); out != in {
		t.Fatalf("header round trip: got %+v, want %+v", out, in)
	}
}

// TestTrySendReservation verifies the reservation counters after a chain
// of successful sends: tail and ready advance in lockstep by header+payload.
func TestTrySendReservation(t *testing.T) {
	q, comm := openTestQueue(t, 16, 4, nil)

	msg := int64(headerSize + 16)
	for i := 1; i <= 4; i++ {
		if err := q.TrySend(0, 1, make([]byte, 16)); err != nil {
			t.Fatalf("TrySend(%d): %v", i, err)
		}
		if got := comm.win.word(offTail(0)); got != msg*int64(i) {
			t.Fatalf("tail after %d sends: got %d, want %d", i, got, msg*int64(i))
		}
		if got := comm.win.word(offReady(0)); got != msg*int64(i) {
			t.Fatalf("ready after %d sends: got %d, want %d", i, got, msg*int64(i))
		}
	}
}

// TestTrySendFullRollback verifies that a failed reservation leaves no net
// contribution in the counters: the overflowing claim is rolled back.
func TestTrySendFullRollback(t *testing.T) {
	q, comm := openTestQueue(t, 16, 4, nil)

	for i := range 4 {
		if err := q.TrySend(0, 1, make([]byte, 16)); err != nil {
			t.Fatalf("TrySend(%d): %v", i, err)
		}
	}
	tail := comm.win.word(offTail(0))
	ready := comm.win.word(offReady(0))

	if err := q.TrySend(0, 1, make([]byte, 16)); !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("TrySend on full: got %v, want ErrWouldBlock", err)
	}
	if got := comm.win.word(offTail(0)); got != tail {
		t.Fatalf("tail after rollback: got %d, want %d", got, tail)
	}
	if got := comm.win.word(offReady(0)); got != ready {
		t.Fatalf("ready after rollback: got %d, want %d", got, ready)
	}
}

// TestTrySendFrozenQueue simulates a drainer freeze: with the tail driven
// large-negative, a sender must observe a negative offset, restore the
// counter, and report back-pressure.
func TestTrySendFrozenQueue(t *testing.T) {
	q, comm := openTestQueue(t, 16, 4, nil)

	comm.win.setWord(offTail(0), -freezeBias)
	if err := q.TrySend(0, 1, []byte("xy")); !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("TrySend on frozen queue: got %v, want ErrWouldBlock", err)
	}
	if got := comm.win.word(offTail(0)); got != -freezeBias {
		t.Fatalf("tail after frozen rollback: got %d, want %d", got, -freezeBias)
	}
}

// TestProcessSwapCycles drives several full swap cycles and checks the
// residual bookkeeping that couples one cycle's freeze to the next cycle's
// reopen: selector alternates, drained messages dispatch in order, and the
// reopened sub-queue accepts new reservations from offset zero.
func TestProcessSwapCycles(t *testing.T) {
	var got []byte
	reg := NewRegistry()
	reg.Register(9, func(src Unit, data []byte) {
		got = append(got, data...)
	})
	q, comm := openTestQueue(t, 16, 4, reg)

	var want []byte
	next := byte(0)
	for cycle := range 5 {
		for range 3 {
			if err := q.TrySend(0, 9, []byte{next}); err != nil {
				t.Fatalf("TrySend: %v", err)
			}
			want = append(want, next)
			next++
		}
		if err := q.Process(); err != nil {
			t.Fatalf("Process cycle %d: %v", cycle, err)
		}
		if sel := comm.win.word(offSelector); sel != int64(1-cycle%2) {
			t.Fatalf("selector after cycle %d: got %d", cycle, sel)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("dispatched after cycle %d: got %v, want %v", cycle, got, want)
		}
	}
}

// TestProcessEmpty is a no-op drain: no swap, selector untouched.
func TestProcessEmpty(t *testing.T) {
	q, comm := openTestQueue(t, 16, 4, nil)
	if err := q.Process(); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if sel := comm.win.word(offSelector); sel != 0 {
		t.Fatalf("selector after empty drain: got %d, want 0", sel)
	}
}

// TestDispatchOrder checks monotone dispatch within one frozen batch.
func TestDispatchOrder(t *testing.T) {
	var order []int
	reg := NewRegistry()
	reg.Register(2, func(src Unit, data []byte) {
		order = append(order, int(data[0]))
	})
	q, _ := openTestQueue(t, 4, 16, reg)

	for i := range 10 {
		if err := q.TrySend(0, 2, []byte{byte(i)}); err != nil {
			t.Fatalf("TrySend(%d): %v", i, err)
		}
	}
	if err := q.Process(); err != nil {
		t.Fatalf("Process: %v", err)
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("dispatch order: got %v", order)
		}
	}
	if len(order) != 10 {
		t.Fatalf("dispatched %d messages, want 10", len(order))
	}
}

// TestVariablePayloadPacking mixes payload sizes, including empty, in one
// batch; messages must pack back-to-back and round-trip byte-equal.
func TestVariablePayloadPacking(t *testing.T) {
	var got [][]byte
	reg := NewRegistry()
	reg.Register(5, func(src Unit, data []byte) {
		got = append(got, bytes.Clone(data))
	})
	q, _ := openTestQueue(t, 32, 8, reg)

	want := [][]byte{
		{},
		[]byte("a"),
		bytes.Repeat([]byte{0xee}, 32),
		[]byte("hello"),
	}
	for _, p := range want {
		if err := q.TrySend(0, 5, p); err != nil {
			t.Fatalf("TrySend(%d bytes): %v", len(p), err)
		}
	}
	if err := q.Process(); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("dispatched %d messages, want %d", len(got), len(want))
	}
	for i := range want {
		if !bytes.Equal(got[i], want[i]) {
			t.Fatalf("payload %d: got %q, want %q", i, got[i], want[i])
		}
	}
}

// TestSelectorCorruptionPanics: a selector outside {0,1} is a protocol
// violation; the sender must abort rather than write out of bounds.
func TestSelectorCorruptionPanics(t *testing.T) {
	q, comm := openTestQueue(t, 16, 4, nil)
	comm.win.setWord(offSelector, 3)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on corrupt selector")
		}
	}()
	q.TrySend(0, 1, []byte("x"))
}

func TestProcessHeldLock(t *testing.T) {
	q, _ := openTestQueue(t, 16, 4, nil)
	q.procMu.Lock()
	defer q.procMu.Unlock()
	if err := q.Process(); !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("Process with held lock: got %v, want ErrWouldBlock", err)
	}
}
