// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package tcprma

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/lunixbochs/struc"
)

// rpcConn is an origin-side connection: one in-flight request at a time,
// request and reply framed with struc.
type rpcConn struct {
	mu sync.Mutex
	c  net.Conn
}

func dial(addr string) (*rpcConn, error) {
	c, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &rpcConn{c: c}, nil
}

func (c *rpcConn) call(req request) (response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := struc.Pack(c.c, &req); err != nil {
		return response{}, err
	}
	var resp response
	if err := struc.Unpack(c.c, &resp); err != nil {
		return response{}, err
	}
	if resp.Status != 0 {
		return response{}, fmt.Errorf("tcprma: remote: %s", resp.Msg)
	}
	return resp, nil
}

func (c *rpcConn) close() {
	c.c.Close()
}

// acceptLoop runs for the peer's lifetime, one serving goroutine per
// inbound connection.
func (p *Peer) acceptLoop() error {
	for {
		conn, err := p.ln.Accept()
		if err != nil {
			if p.closed.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		p.track(conn)
		p.serve.Go(func() error {
			defer p.untrack(conn)
			p.serveConn(conn)
			return nil
		})
	}
}

func (p *Peer) serveConn(conn net.Conn) {
	defer conn.Close()
	for {
		var req request
		if err := struc.Unpack(conn, &req); err != nil {
			// EOF: the origin closed its side; anything else on a dying
			// peer is equally terminal for this connection.
			return
		}
		resp := p.handle(&req)
		if err := struc.Pack(conn, &resp); err != nil {
			return
		}
	}
}

func (p *Peer) handle(req *request) response {
	switch req.Type {
	case opFetch:
		r, err := p.region(req.Win)
		if err != nil {
			return errResponse(err)
		}
		v, err := r.fetchOp(req.Off, req.Op, req.Operand)
		if err != nil {
			return errResponse(err)
		}
		return response{Value: v}
	case opPut:
		r, err := p.region(req.Win)
		if err != nil {
			return errResponse(err)
		}
		if err := r.put(req.Off, req.Data); err != nil {
			return errResponse(err)
		}
		return response{}
	case opBarrier:
		p.coll.barrier()
		return response{}
	case opIBarrier:
		p.coll.arrive(int(req.From), req.Epoch)
		return response{}
	case opIBarrierTest:
		if p.coll.test(req.Epoch) {
			return response{Done: 1}
		}
		return response{}
	default:
		return errResponse(fmt.Errorf("tcprma: unknown request type %d", req.Type))
	}
}

func (p *Peer) region(id uint32) (*region, error) {
	p.winMu.RLock()
	r, ok := p.wins[id]
	p.winMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("tcprma: unknown window %d", id)
	}
	return r, nil
}

func errResponse(err error) response {
	return response{Status: 1, Msg: err.Error()}
}

// track/untrack keep the set of inbound connections so Close can cut them
// instead of waiting for every origin to hang up first.
func (p *Peer) track(conn net.Conn) {
	p.inMu.Lock()
	if p.inbound == nil {
		p.inbound = make(map[net.Conn]struct{})
	}
	p.inbound[conn] = struct{}{}
	p.inMu.Unlock()
}

func (p *Peer) untrack(conn net.Conn) {
	p.inMu.Lock()
	delete(p.inbound, conn)
	p.inMu.Unlock()
}

func (p *Peer) closeInbound() {
	p.inMu.Lock()
	for conn := range p.inbound {
		conn.Close()
	}
	p.inbound = nil
	p.inMu.Unlock()
}

// collectives is the root's collective state: a generation-counted
// blocking barrier plus per-unit cumulative non-blocking barrier arrivals.
// Only unit 0's instance is ever used; every other peer's sits idle.
type collectives struct {
	mu      sync.Mutex
	cond    *sync.Cond
	size    int
	arrived int
	gen     uint64
	ibar    []int64
}

func (c *collectives) init(n int) {
	c.size = n
	c.ibar = make([]int64, n)
	c.cond = sync.NewCond(&c.mu)
}

// barrier blocks the serving goroutine until all units have arrived.
func (c *collectives) barrier() {
	c.mu.Lock()
	gen := c.gen
	c.arrived++
	if c.arrived == c.size {
		c.arrived = 0
		c.gen++
		c.cond.Broadcast()
	} else {
		for gen == c.gen {
			c.cond.Wait()
		}
	}
	c.mu.Unlock()
}

func (c *collectives) arrive(from int, epoch int64) {
	c.mu.Lock()
	if from >= 0 && from < len(c.ibar) && epoch > c.ibar[from] {
		c.ibar[from] = epoch
	}
	c.mu.Unlock()
}

func (c *collectives) test(epoch int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, v := range c.ibar {
		if v < epoch {
			return false
		}
	}
	return true
}
