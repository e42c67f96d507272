// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package tcprma provides a TCP RMA substrate for [code.hybscloud.com/amq].
//
// Every unit of the team runs a small window server; a one-sided operation
// on a remote window travels to the owner as a framed request and is
// applied there. Requests and replies are packed with
// [github.com/lunixbochs/struc]. Each origin keeps one persistent
// connection per target for window operations, so operations to the same
// target apply in issue order and the request/reply round trip makes every
// operation remotely complete by the time it returns — flushes are no-ops.
//
// Collectives are rooted at unit 0: barriers and non-blocking barrier
// polls are requests on a dedicated per-unit connection to the root.
//
// The substrate fits multi-process teams on one host or a trusted network.
// There is no authentication and no encryption.
package tcprma

import (
	"fmt"
	"net"
	"sync"
	"unsafe"

	"code.hybscloud.com/amq"
	"code.hybscloud.com/atomix"
	"golang.org/x/sync/errgroup"
)

// Request types.
const (
	opFetch uint8 = iota + 1
	opPut
	opBarrier
	opIBarrier
	opIBarrierTest
)

// request is the single wire request frame. Type discriminates; unused
// fields ride along as zeros (frames are tiny and the uniformity keeps the
// codec trivial).
type request struct {
	Type    uint8  `struc:"uint8"`
	Win     uint32 `struc:"uint32"`
	Off     int64  `struc:"int64"`
	Op      uint8  `struc:"uint8"`
	Operand int64  `struc:"int64"`
	Epoch   int64  `struc:"int64"`
	From    int32  `struc:"int32"`
	DataLen int    `struc:"int32,sizeof=Data"`
	Data    []byte
}

// response is the single wire reply frame.
type response struct {
	Value  int64 `struc:"int64"`
	Done   uint8 `struc:"uint8"`
	Status uint8 `struc:"uint8"`
	MsgLen int   `struc:"int32,sizeof=Msg"`
	Msg    string
}

// Peer is one unit of a TCP team. It implements [amq.Comm].
type Peer struct {
	rank  int
	addrs []string
	ln    net.Listener
	serve errgroup.Group

	// Origin side: one window-op connection per target, plus one
	// collective connection to the root. Dialed lazily.
	connMu sync.Mutex
	conns  map[int]*rpcConn
	barMu  sync.Mutex
	bar    *rpcConn
	ibars  int64

	// Owner side: local windows by collective open order, plus the set of
	// inbound connections so Close can cut them.
	winMu   sync.RWMutex
	wins    map[uint32]*region
	nextWin uint32
	inMu    sync.Mutex
	inbound map[net.Conn]struct{}

	// Root-only collective state.
	coll collectives

	closed atomix.Bool
}

// Join binds addrs[rank] and starts serving the unit's windows. All units
// of the team must pass identical addrs. Dialing to peers happens lazily,
// so Join returns before the rest of the team is up.
func Join(rank int, addrs []string) (*Peer, error) {
	if rank < 0 || rank >= len(addrs) {
		return nil, fmt.Errorf("tcprma: rank %d outside team of %d", rank, len(addrs))
	}
	ln, err := net.Listen("tcp", addrs[rank])
	if err != nil {
		return nil, err
	}
	return newPeer(rank, addrs, ln), nil
}

// NewLocalTeam creates a whole team of n peers on loopback addresses.
// Intended for tests and single-host multi-goroutine experiments.
func NewLocalTeam(n int) ([]*Peer, error) {
	lns := make([]net.Listener, n)
	addrs := make([]string, n)
	for i := range lns {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			for _, l := range lns[:i] {
				l.Close()
			}
			return nil, err
		}
		lns[i] = ln
		addrs[i] = ln.Addr().String()
	}
	peers := make([]*Peer, n)
	for i := range peers {
		peers[i] = newPeer(i, addrs, lns[i])
	}
	return peers, nil
}

func newPeer(rank int, addrs []string, ln net.Listener) *Peer {
	p := &Peer{
		rank:  rank,
		addrs: addrs,
		ln:    ln,
		conns: make(map[int]*rpcConn),
		wins:  make(map[uint32]*region),
	}
	p.coll.init(len(addrs))
	p.serve.Go(p.acceptLoop)
	return p
}

// Rank returns the unit's identity.
func (p *Peer) Rank() amq.Unit {
	return amq.Unit(p.rank)
}

// Size returns the team size.
func (p *Peer) Size() int {
	return len(p.addrs)
}

// Close shuts the peer down: the listener stops, in-flight server
// goroutines drain, and origin-side connections close. Peers should only
// be closed after the queues using them.
func (p *Peer) Close() error {
	if p.closed.Load() {
		return nil
	}
	p.closed.Store(true)
	err := p.ln.Close()
	p.connMu.Lock()
	for _, c := range p.conns {
		c.close()
	}
	p.conns = make(map[int]*rpcConn)
	p.connMu.Unlock()
	p.barMu.Lock()
	if p.bar != nil {
		p.bar.close()
		p.bar = nil
	}
	p.barMu.Unlock()
	p.closeInbound()
	p.serve.Wait()
	return err
}

// OpenWindow collectively allocates a window. The id is the collective
// call order, identical on every unit; remote operations name windows by
// that id. The caller (amq) barriers after opening, which guarantees every
// owner has registered the window before the first remote access.
func (p *Peer) OpenWindow(size int64) (amq.Window, error) {
	if size <= 0 {
		return nil, fmt.Errorf("tcprma: window size %d out of range", size)
	}
	p.winMu.Lock()
	id := p.nextWin
	p.nextWin++
	r := newRegion(size)
	p.wins[id] = r
	p.winMu.Unlock()
	return &window{p: p, id: id, local: r}, nil
}

// Barrier blocks until every unit of the team has entered it.
func (p *Peer) Barrier() error {
	_, err := p.collective(request{Type: opBarrier, From: int32(p.rank)})
	return err
}

// IBarrier registers arrival at the root and returns a polling handle.
func (p *Peer) IBarrier() (amq.Pending, error) {
	p.barMu.Lock()
	p.ibars++
	epoch := p.ibars
	p.barMu.Unlock()
	if _, err := p.collective(request{Type: opIBarrier, Epoch: epoch, From: int32(p.rank)}); err != nil {
		return nil, err
	}
	return &pending{p: p, epoch: epoch}, nil
}

type pending struct {
	p     *Peer
	epoch int64
	done  bool
}

// Test asks the root whether every unit has arrived at this epoch.
func (t *pending) Test() (bool, error) {
	if t.done {
		return true, nil
	}
	resp, err := t.p.collective(request{Type: opIBarrierTest, Epoch: t.epoch, From: int32(t.p.rank)})
	if err != nil {
		return false, err
	}
	t.done = resp.Done != 0
	return t.done, nil
}

// collective sends a rooted collective request on the dedicated barrier
// connection. Root included: unit 0 dials itself, which keeps one code
// path. The root serves each unit's collective connection on its own
// goroutine; the shared collective state is guarded by a mutex.
func (p *Peer) collective(req request) (response, error) {
	p.barMu.Lock()
	defer p.barMu.Unlock()
	if p.bar == nil {
		c, err := dial(p.addrs[0])
		if err != nil {
			return response{}, err
		}
		p.bar = c
	}
	return p.bar.call(req)
}

// conn returns the window-op connection to target, dialing on first use.
func (p *Peer) conn(target int) (*rpcConn, error) {
	p.connMu.Lock()
	defer p.connMu.Unlock()
	if c, ok := p.conns[target]; ok {
		return c, nil
	}
	c, err := dial(p.addrs[target])
	if err != nil {
		return nil, err
	}
	p.conns[target] = c
	return c, nil
}

// region is an owner-local window region. Control words are atomix words;
// the byte view aliases them for bulk data.
type region struct {
	size  int64
	words []atomix.Int64
	bytes []byte
}

func newRegion(size int64) *region {
	r := &region{
		size:  size,
		words: make([]atomix.Int64, (size+7)/8),
	}
	r.bytes = unsafe.Slice((*byte)(unsafe.Pointer(&r.words[0])), size)
	return r
}

func (r *region) fetchOp(off int64, op uint8, operand int64) (int64, error) {
	if off%8 != 0 || off < 0 || off+8 > r.size {
		return 0, fmt.Errorf("tcprma: fetch-op offset %d invalid for window of %d", off, r.size)
	}
	word := &r.words[off/8]
	switch amq.Op(op) {
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
		return 0, fmt.Errorf("tcprma: unknown op %d", op)
	}
}

func (r *region) put(off int64, data []byte) error {
	if off < 0 || off+int64(len(data)) > r.size {
		return fmt.Errorf("tcprma: put [%d,%d) outside window of %d", off, off+int64(len(data)), r.size)
	}
	copy(r.bytes[off:], data)
	return nil
}

// window is one unit's handle on a team window. It implements [amq.Window].
type window struct {
	p     *Peer
	id    uint32
	local *region
}

// FetchOp applies op at the target; the local unit short-circuits the
// network.
func (w *window) FetchOp(target amq.Unit, off int64, op amq.Op, operand int64) (int64, error) {
	if int(target) == w.p.rank {
		return w.local.fetchOp(off, uint8(op), operand)
	}
	c, err := w.p.conn(int(target))
	if err != nil {
		return 0, err
	}
	resp, err := c.call(request{Type: opFetch, Win: w.id, Off: off, Op: uint8(op), Operand: operand})
	if err != nil {
		return 0, err
	}
	return resp.Value, nil
}

// Put writes data at the target; the local unit short-circuits the network.
func (w *window) Put(target amq.Unit, off int64, data []byte) error {
	if int(target) == w.p.rank {
		return w.local.put(off, data)
	}
	c, err := w.p.conn(int(target))
	if err != nil {
		return err
	}
	_, err = c.call(request{Type: opPut, Win: w.id, Off: off, Data: data})
	return err
}

// FlushLocal is a no-op: calls return only after the owner applied them.
func (w *window) FlushLocal(amq.Unit) error {
	return nil
}

// Flush is a no-op: calls return only after the owner applied them.
func (w *window) Flush(amq.Unit) error {
	return nil
}

// Local returns the unit's own region.
func (w *window) Local() []byte {
	return w.local.bytes
}

// Free collectively releases the window.
func (w *window) Free() error {
	if err := w.p.Barrier(); err != nil {
		return err
	}
	w.p.winMu.Lock()
	delete(w.p.wins, w.id)
	w.p.winMu.Unlock()
	return nil
}
