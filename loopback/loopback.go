// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package loopback provides an in-process RMA substrate for
// [code.hybscloud.com/amq].
//
// A Fabric hosts a team of units inside one process: windows are word
// arrays shared by reference, fetch-and-op maps to atomix operations, and
// remote writes are plain copies. Flushes are no-ops because every
// operation completes synchronously. The fabric is intended for
// single-process teams, tests, and benchmarks.
//
// Collective calls (OpenWindow, Barrier, IBarrier, Free) must be made by
// every unit in the same order, and at most one goroutine per unit may be
// inside a collective at a time — the usual communicator contract.
package loopback

import (
	"fmt"
	"sync"
	"unsafe"

	"code.hybscloud.com/amq"
	"code.hybscloud.com/atomix"
)

// Fabric hosts an in-process team.
type Fabric struct {
	units []*Comm
	bar   barrier

	// ibar counts cumulative IBarrier arrivals per unit. A unit's k-th
	// non-blocking barrier is complete once every unit has arrived k times.
	ibar []atomix.Int64

	mu     sync.Mutex
	groups []*windowGroup
}

// NewFabric creates a fabric with n units, identified 0..n-1.
func NewFabric(n int) *Fabric {
	if n < 1 {
		panic("loopback: team size must be >= 1")
	}
	f := &Fabric{
		units: make([]*Comm, n),
		ibar:  make([]atomix.Int64, n),
	}
	f.bar.init(n)
	for i := range f.units {
		f.units[i] = &Comm{f: f, rank: amq.Unit(i)}
	}
	return f
}

// Size returns the number of units in the fabric.
func (f *Fabric) Size() int {
	return len(f.units)
}

// Comm returns the communicator of unit i.
func (f *Fabric) Comm(i int) *Comm {
	return f.units[i]
}

// Comm is one unit's communicator on a Fabric. It implements [amq.Comm].
type Comm struct {
	f     *Fabric
	rank  amq.Unit
	opens int
	ibars int64
}

// Rank returns the unit's identity.
func (c *Comm) Rank() amq.Unit {
	return c.rank
}

// Size returns the team size.
func (c *Comm) Size() int {
	return len(c.f.units)
}

// OpenWindow collectively allocates a window of size bytes on every unit.
// The first unit to arrive allocates the regions for the whole team; all
// units must pass the same size.
func (c *Comm) OpenWindow(size int64) (amq.Window, error) {
	if size <= 0 {
		return nil, fmt.Errorf("loopback: window size %d out of range", size)
	}
	c.f.mu.Lock()
	idx := c.opens
	c.opens++
	if idx == len(c.f.groups) {
		c.f.groups = append(c.f.groups, newWindowGroup(len(c.f.units), size))
	}
	g := c.f.groups[idx]
	c.f.mu.Unlock()

	if g.size != size {
		return nil, fmt.Errorf("loopback: window size mismatch: %d vs %d", size, g.size)
	}
	return &window{f: c.f, g: g, me: c.rank}, nil
}

// Barrier blocks until every unit has entered it.
func (c *Comm) Barrier() error {
	c.f.bar.await()
	return nil
}

// IBarrier starts a non-blocking barrier.
func (c *Comm) IBarrier() (amq.Pending, error) {
	c.ibars++
	c.f.ibar[c.rank].Add(1)
	return &pending{f: c.f, epoch: c.ibars}, nil
}

type pending struct {
	f     *Fabric
	epoch int64
	done  bool
}

// Test reports whether every unit has arrived at this barrier's epoch.
func (p *pending) Test() (bool, error) {
	if p.done {
		return true, nil
	}
	for i := range p.f.ibar {
		if p.f.ibar[i].Load() < p.epoch {
			return false, nil
		}
	}
	p.done = true
	return true, nil
}

// windowGroup is the team-wide storage of one collective OpenWindow call.
// Counters and data share one word array per unit; the byte view aliases
// the words, so 8-byte control words are naturally aligned.
type windowGroup struct {
	size  int64
	words [][]atomix.Int64
	bytes [][]byte
}

func newWindowGroup(n int, size int64) *windowGroup {
	g := &windowGroup{
		size:  size,
		words: make([][]atomix.Int64, n),
		bytes: make([][]byte, n),
	}
	nwords := (size + 7) / 8
	for i := range g.words {
		g.words[i] = make([]atomix.Int64, nwords)
		g.bytes[i] = unsafe.Slice((*byte)(unsafe.Pointer(&g.words[i][0])), size)
	}
	return g
}

// window is one unit's handle on a windowGroup. It implements [amq.Window].
type window struct {
	f  *Fabric
	g  *windowGroup
	me amq.Unit
}

func (w *window) checkTarget(target amq.Unit) error {
	if target < 0 || int(target) >= len(w.g.words) {
		return fmt.Errorf("loopback: unit %d outside team of %d", target, len(w.g.words))
	}
	return nil
}

// FetchOp atomically applies op to the 8-byte word at off in target's
// region and returns the prior value. off must be 8-byte aligned.
func (w *window) FetchOp(target amq.Unit, off int64, op amq.Op, operand int64) (int64, error) {
	if err := w.checkTarget(target); err != nil {
		return 0, err
	}
	if off%8 != 0 || off < 0 || off+8 > w.g.size {
		return 0, fmt.Errorf("loopback: fetch-op offset %d invalid for window of %d", off, w.g.size)
	}
	word := &w.g.words[target][off/8]
	switch op {
	case amq.OpNoOp:
		return word.LoadAcquire(), nil
	case amq.OpAdd:
		return word.AddAcqRel(operand) - operand, nil
	case amq.OpReplace:
		for {
			old := word.LoadAcquire()
			if word.CompareAndSwapAcqRel(old, operand) {
				return old, nil
			}
		}
	default:
		return 0, fmt.Errorf("loopback: unknown op %d", op)
	}
}

// Put copies data into target's region at off. The copy is plain: ordering
// against other peers' reads is the caller's protocol's business, exactly
// as with a hardware RMA write.
func (w *window) Put(target amq.Unit, off int64, data []byte) error {
	if err := w.checkTarget(target); err != nil {
		return err
	}
	if off < 0 || off+int64(len(data)) > w.g.size {
		return fmt.Errorf("loopback: put [%d,%d) outside window of %d", off, off+int64(len(data)), w.g.size)
	}
	copy(w.g.bytes[target][off:], data)
	return nil
}

// FlushLocal is a no-op: loopback operations complete synchronously.
func (w *window) FlushLocal(amq.Unit) error {
	return nil
}

// Flush is a no-op: loopback operations complete synchronously.
func (w *window) Flush(amq.Unit) error {
	return nil
}

// Local returns the caller's own region.
func (w *window) Local() []byte {
	return w.g.bytes[w.me]
}

// Free releases the window. Collective: it synchronizes the team so no
// peer frees storage another peer is still addressing.
func (w *window) Free() error {
	w.f.bar.await()
	w.g = nil
	return nil
}

// barrier is a generation-counted blocking barrier.
type barrier struct {
	mu      sync.Mutex
	cond    *sync.Cond
	size    int
	arrived int
	gen     uint64
}

func (b *barrier) init(n int) {
	b.size = n
	b.cond = sync.NewCond(&b.mu)
}

func (b *barrier) await() {
	b.mu.Lock()
	gen := b.gen
	b.arrived++
	if b.arrived == b.size {
		b.arrived = 0
		b.gen++
		b.cond.Broadcast()
	} else {
		for gen == b.gen {
			b.cond.Wait()
		}
	}
	b.mu.Unlock()
}
