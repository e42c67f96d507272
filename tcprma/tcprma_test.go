// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package tcprma_test

import (
	"bytes"
	"testing"

	"golang.org/x/sync/errgroup"

	"code.hybscloud.com/amq"
	"code.hybscloud.com/amq/tcprma"
)

func newTeam(t *testing.T, n int) []*tcprma.Peer {
	t.Helper()
	peers, err := tcprma.NewLocalTeam(n)
	if err != nil {
		t.Fatalf("NewLocalTeam: %v", err)
	}
	t.Cleanup(func() {
		for _, p := range peers {
			p.Close()
		}
	})
	return peers
}

func TestFetchOpAcrossPeers(t *testing.T) {
	if amq.RaceEnabled {
		t.Skip("skip: the race detector does not track socket round trips")
	}
	peers := newTeam(t, 2)

	w0, err := peers[0].OpenWindow(64)
	if err != nil {
		t.Fatalf("OpenWindow(0): %v", err)
	}
	w1, err := peers[1].OpenWindow(64)
	if err != nil {
		t.Fatalf("OpenWindow(1): %v", err)
	}

	if v, err := w0.FetchOp(1, 8, amq.OpAdd, 41); err != nil || v != 0 {
		t.Fatalf("remote Add: got (%d, %v)", v, err)
	}
	if v, err := w0.FetchOp(1, 8, amq.OpAdd, 1); err != nil || v != 41 {
		t.Fatalf("second remote Add: got (%d, %v)", v, err)
	}
	// The owner's local view agrees.
	if v, err := w1.FetchOp(1, 8, amq.OpNoOp, 0); err != nil || v != 42 {
		t.Fatalf("owner NoOp: got (%d, %v)", v, err)
	}
	if v, err := w0.FetchOp(1, 8, amq.OpReplace, 7); err != nil || v != 42 {
		t.Fatalf("remote Replace: got (%d, %v)", v, err)
	}
	if v, err := w1.FetchOp(1, 8, amq.OpNoOp, 0); err != nil || v != 7 {
		t.Fatalf("owner after Replace: got (%d, %v)", v, err)
	}
}

func TestPutAcrossPeers(t *testing.T) {
	if amq.RaceEnabled {
		t.Skip("skip: the race detector does not track socket round trips")
	}
	peers := newTeam(t, 2)

	w0, err := peers[0].OpenWindow(64)
	if err != nil {
		t.Fatalf("OpenWindow(0): %v", err)
	}
	w1, err := peers[1].OpenWindow(64)
	if err != nil {
		t.Fatalf("OpenWindow(1): %v", err)
	}

	data := []byte("over the wire")
	if err := w0.Put(1, 16, data); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := w0.Flush(1); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if got := w1.Local()[16 : 16+len(data)]; !bytes.Equal(got, data) {
		t.Fatalf("owner view after Put: got %q, want %q", got, data)
	}
}

func TestBarrierAcrossPeers(t *testing.T) {
	if amq.RaceEnabled {
		t.Skip("skip: the race detector does not track socket round trips")
	}
	peers := newTeam(t, 3)

	var g errgroup.Group
	for _, p := range peers {
		g.Go(p.Barrier)
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}

func TestIBarrierAcrossPeers(t *testing.T) {
	if amq.RaceEnabled {
		t.Skip("skip: the race detector does not track socket round trips")
	}
	peers := newTeam(t, 2)

	p0, err := peers[0].IBarrier()
	if err != nil {
		t.Fatalf("IBarrier(0): %v", err)
	}
	if done, err := p0.Test(); err != nil || done {
		t.Fatalf("Test before all arrived: got (%v, %v)", done, err)
	}
	if _, err := peers[1].IBarrier(); err != nil {
		t.Fatalf("IBarrier(1): %v", err)
	}
	if done, err := p0.Test(); err != nil || !done {
		t.Fatalf("Test after all arrived: got (%v, %v)", done, err)
	}
}

// TestQueueOverTCP runs the whole active-message protocol across TCP
// peers: each unit pings its successor in a ring, then collective
// quiescence and a clean close.
func TestQueueOverTCP(t *testing.T) {
	if amq.RaceEnabled {
		t.Skip("skip: the race detector does not track socket round trips")
	}
	const (
		units  = 3
		echoFn = amq.HandlerID(1)
	)
	peers := newTeam(t, units)
	received := make([][]string, units)

	var g errgroup.Group
	for u := 0; u < units; u++ {
		g.Go(func() error {
			reg := amq.NewRegistry()
			reg.Register(echoFn, func(src amq.Unit, data []byte) {
				received[u] = append(received[u], string(data))
			})
			q, err := amq.New(32, 16).Handlers(reg).Open(peers[u])
			if err != nil {
				return err
			}
			next := amq.Unit((u + 1) % units)
			if err := q.TrySend(next, echoFn, []byte{'a' + byte(u)}); err != nil {
				return err
			}
			if err := q.ProcessBlocking(); err != nil {
				return err
			}
			return q.Close()
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	for u := 0; u < units; u++ {
		prev := (u - 1 + units) % units
		want := string(rune('a' + prev))
		if len(received[u]) != 1 || received[u][0] != want {
			t.Fatalf("unit %d received %v, want [%q]", u, received[u], want)
		}
	}
}
