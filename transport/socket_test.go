// This file is part of sbn, a distributed actor runtime in Go.
// Copyright (C) 2024-2026 the sbn authors
//
// sbn is free software: you can redistribute it and/or modify it
// under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License,
// or (at your option) any later version.
//
// sbn is distributed in the hope that it will be useful, but
// WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.
//
// SPDX-License-Identifier: AGPL3.0-or-later

package transport

import (
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"sbn/kernel"
	"sbn/pipeline"
	"sbn/util"
	"sbn/wire"
)

//----------------------------------------------------------------------
// Test node: CPU pipeline + socket pipeline + router
//----------------------------------------------------------------------

type testNode struct {
	cpu      *pipeline.CPU
	sock     *SocketPipeline
	router   *pipeline.Router
	inst     *kernel.Instances
	done     chan struct{}
	stopOnce sync.Once
}

func newTestNode(t *testing.T, ifaddr uint32, useLocalhost bool) *testNode {
	t.Helper()
	n := &testNode{
		inst: kernel.NewInstances(),
		done: make(chan struct{}),
	}
	n.cpu = pipeline.NewCPU("cpu", 2, n, n.inst)
	n.sock = NewSocketPipeline("sock", n.cpu, n.inst, useLocalhost)
	n.router = &pipeline.Router{
		CPU:    n.cpu,
		Socket: n.sock,
	}
	n.cpu.Start()
	n.sock.Start()
	local, err := n.sock.AddServer(ifaddr, 0xffffff00, 0)
	if err != nil {
		t.Fatalf("server: %s", err.Error())
	}
	n.router.Local = local
	t.Cleanup(n.stop)
	return n
}

func (n *testNode) Send(k kernel.Kernel) { n.router.Send(k) }

func (n *testNode) Shutdown() {
	n.stopOnce.Do(func() { close(n.done) })
}

func (n *testNode) stop() {
	n.sock.Stop()
	n.cpu.Stop()
}

func (n *testNode) wait(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case <-n.done:
	case <-time.After(d):
		t.Fatal("timeout waiting for root commit")
	}
}

//----------------------------------------------------------------------
// Work kernels
//----------------------------------------------------------------------

const typeSquare = kernel.TypeID(120)

// squareKernel computes the square of its payload where it lands.
type squareKernel struct {
	kernel.Base

	Value uint64
}

func newSquare(v uint64) *squareKernel {
	k := &squareKernel{Value: v}
	k.Init(k, typeSquare)
	return k
}

func (k *squareKernel) Act(rt kernel.Runtime) {
	k.Value *= k.Value
	kernel.Commit(rt, k, kernel.Success)
}

func (k *squareKernel) Write(b *wire.Buffer) {
	b.PutU64(k.Value)
}

func (k *squareKernel) Read(b *wire.Buffer) (err error) {
	k.Value, err = b.GetU64()
	return
}

func init() {
	kernel.MustRegister(typeSquare, "squareKernel", func() kernel.Kernel {
		return newSquare(0)
	})
}

// squareRoot spawns subordinates that move upstream and collects the
// results.
type squareRoot struct {
	kernel.Base

	width    int
	reacted  int32
	failed   int32
	received map[uint64]bool
	mtx      sync.Mutex
}

func newSquareRoot(width int) *squareRoot {
	k := &squareRoot{
		width:    width,
		received: make(map[uint64]bool),
	}
	k.Init(k, 0)
	return k
}

func (k *squareRoot) Act(rt kernel.Runtime) {
	for i := 1; i <= k.width; i++ {
		c := newSquare(uint64(i))
		c.SetFlags(kernel.MovesUpstream)
		kernel.Upstream(rt, k, c)
	}
}

func (k *squareRoot) React(rt kernel.Runtime, child kernel.Kernel) {
	if child.Result() != kernel.Success {
		atomic.AddInt32(&k.failed, 1)
	} else if c, ok := child.(*squareKernel); ok {
		k.mtx.Lock()
		k.received[c.Value] = true
		k.mtx.Unlock()
	}
	if int(atomic.AddInt32(&k.reacted, 1)) == k.width {
		kernel.Commit(rt, k, kernel.Success)
	}
}

//----------------------------------------------------------------------

// Two nodes: every kernel sent upstream from node1 executes on node2
// and returns; zero loss.
func TestTwoNodeRoundTrip(t *testing.T) {
	node1 := newTestNode(t, 0x7f000001, false) // 127.0.0.1
	node2 := newTestNode(t, 0x7f000002, false) // 127.0.0.2

	if err := node1.sock.Peer(node2.router.Local); err != nil {
		t.Fatalf("peer: %s", err.Error())
	}

	const width = 20
	root := newSquareRoot(width)
	node1.Send(root)
	node1.wait(t, 10*time.Second)

	if n := atomic.LoadInt32(&root.reacted); n != width {
		t.Fatalf("%d of %d reacts", n, width)
	}
	if n := atomic.LoadInt32(&root.failed); n != 0 {
		t.Fatalf("%d kernels failed", n)
	}
	for i := uint64(1); i <= width; i++ {
		if !root.received[i*i] {
			t.Fatalf("result %d missing", i*i)
		}
	}
}

// With no peers and use_localhost enabled, upstream kernels execute
// locally via the short circuit.
func TestLocalhostShortCircuit(t *testing.T) {
	node := newTestNode(t, 0x7f000001, true)

	const width = 5
	root := newSquareRoot(width)
	node.Send(root)
	node.wait(t, 5*time.Second)

	if n := atomic.LoadInt32(&root.failed); n != 0 {
		t.Fatalf("%d kernels failed", n)
	}
}

// With no peers and no localhost short circuit, upstream kernels fail
// with no_upstream_servers_available.
func TestNoUpstreamServers(t *testing.T) {
	node := newTestNode(t, 0x7f000001, false)

	root := newSquareRoot(3)
	node.Send(root)
	node.wait(t, 5*time.Second)

	if n := atomic.LoadInt32(&root.failed); n != 3 {
		t.Fatalf("%d of 3 kernels failed", n)
	}
}

//----------------------------------------------------------------------

// rawSink accepts connections and consumes (or ignores) all bytes.
func rawSink(t *testing.T) (util.Endpoint, func()) {
	t.Helper()
	lst, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		for {
			conn, err := lst.Accept()
			if err != nil {
				return
			}
			go io.Copy(io.Discard, conn)
		}
	}()
	return util.FromNetAddr(lst.Addr()), func() { lst.Close() }
}

// The weighted round-robin iterator advances through each peer
// 'weight' times before moving on.
func TestWeightedRoundRobin(t *testing.T) {
	node := newTestNode(t, 0x7f000001, false)
	ep1, close1 := rawSink(t)
	defer close1()
	ep2, close2 := rawSink(t)
	defer close2()

	if err := node.sock.Peer(ep1); err != nil {
		t.Fatal(err)
	}
	if err := node.sock.Peer(ep2); err != nil {
		t.Fatal(err)
	}
	node.sock.SetWeight(ep2, 2)

	root := newSquareRoot(0)
	const total = 9
	for i := 1; i <= total; i++ {
		c := newSquare(uint64(i))
		c.SetFlags(kernel.MovesUpstream)
		c.SetParent(root)
		node.sock.Send(c)
	}
	// wait for the pipeline loop to process the queue
	time.Sleep(500 * time.Millisecond)

	node.sock.mtx.Lock()
	c1 := node.sock.clients[ep1]
	c2 := node.sock.clients[ep2]
	n1, n2 := len(c1.upSaved), len(c2.upSaved)
	node.sock.mtx.Unlock()
	if n1+n2 != total {
		t.Fatalf("%d+%d of %d kernels forwarded", n1, n2, total)
	}
	if n1 != 3 || n2 != 6 {
		t.Fatalf("weighted distribution %d/%d, want 3/6", n1, n2)
	}
}

// Saved upstream kernels are recovered locally with
// endpoint_not_connected when the connection is lost; the total reply
// count matches the number of kernels sent.
func TestConnectionRecovery(t *testing.T) {
	node := newTestNode(t, 0x7f000001, false)

	lst, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	var conns []net.Conn
	var cmtx sync.Mutex
	go func() {
		for {
			conn, err := lst.Accept()
			if err != nil {
				return
			}
			cmtx.Lock()
			conns = append(conns, conn)
			cmtx.Unlock()
			go io.Copy(io.Discard, conn)
		}
	}()
	defer lst.Close()

	if err := node.sock.Peer(util.FromNetAddr(lst.Addr())); err != nil {
		t.Fatal(err)
	}

	const width = 10
	root := newSquareRoot(width)
	root.Act(node) // spawn subordinates through the node runtime
	// let the kernels reach the wire
	time.Sleep(500 * time.Millisecond)

	// kill the peer
	cmtx.Lock()
	for _, conn := range conns {
		conn.Close()
	}
	cmtx.Unlock()

	// every kernel completes locally with endpoint_not_connected
	deadline := time.Now().Add(5 * time.Second)
	for atomic.LoadInt32(&root.reacted) != width {
		if time.Now().After(deadline) {
			t.Fatalf("%d of %d replies", atomic.LoadInt32(&root.reacted), width)
		}
		time.Sleep(50 * time.Millisecond)
	}
	if n := atomic.LoadInt32(&root.failed); n != width {
		t.Fatalf("%d of %d replies carry a failure", n, width)
	}
}

// The iterator position survives peer arrival and removal.
func TestIteratorStability(t *testing.T) {
	node := newTestNode(t, 0x7f000001, false)
	ep1, close1 := rawSink(t)
	defer close1()
	ep2, close2 := rawSink(t)
	defer close2()

	if err := node.sock.Peer(ep1); err != nil {
		t.Fatal(err)
	}
	node.sock.mtx.Lock()
	node.sock.itPos = 0
	node.sock.mtx.Unlock()

	// adding a peer preserves the position
	if err := node.sock.Peer(ep2); err != nil {
		t.Fatal(err)
	}
	node.sock.mtx.Lock()
	if node.sock.order[node.sock.itPos] != ep1 {
		t.Fatal("iterator moved on peer arrival")
	}
	c1 := node.sock.clients[ep1]
	node.sock.mtx.Unlock()

	// removing the peer under the iterator advances it
	node.sock.dropClient(c1)
	node.sock.mtx.Lock()
	if len(node.sock.order) != 1 || node.sock.order[node.sock.itPos] != ep2 {
		t.Fatal("iterator invalid after removal")
	}
	node.sock.mtx.Unlock()
}

// E5: a broadcast kernel sent to every peer is not saved for recovery
// on any connection (delivery at the peers is not checked here).
func TestBroadcast(t *testing.T) {
	node1 := newTestNode(t, 0x7f000001, false)
	node2 := newTestNode(t, 0x7f000002, false)
	node3 := newTestNode(t, 0x7f000003, false)

	if err := node1.sock.Peer(node2.router.Local); err != nil {
		t.Fatal(err)
	}
	if err := node1.sock.Peer(node3.router.Local); err != nil {
		t.Fatal(err)
	}

	b := newSquare(3)
	b.SetFlags(kernel.MovesEverywhere)
	node1.sock.Send(b)
	time.Sleep(500 * time.Millisecond)

	// nothing buffered for recovery on either connection
	node1.sock.mtx.Lock()
	for ep, c := range node1.sock.clients {
		if len(c.upSaved) != 0 {
			t.Fatalf("broadcast saved on %s", ep)
		}
	}
	node1.sock.mtx.Unlock()
}
