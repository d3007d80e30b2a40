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

package pipeline

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"sbn/kernel"
)

//----------------------------------------------------------------------
// Test runtime: routes every kernel back to the CPU pipeline.
//----------------------------------------------------------------------

type testRuntime struct {
	cpu      *CPU
	timer    *Timer
	done     chan struct{}
	stopOnce sync.Once
}

func newTestRuntime() *testRuntime {
	rt := &testRuntime{
		done: make(chan struct{}),
	}
	rt.cpu = NewCPU("cpu", 4, rt, nil)
	return rt
}

func (rt *testRuntime) Send(k kernel.Kernel) {
	if rt.timer != nil && k.Timed() && time.Until(k.At()) > 0 && !k.Cancelled() {
		rt.timer.Send(k)
		return
	}
	rt.cpu.Send(k)
}

func (rt *testRuntime) Shutdown() {
	rt.stopOnce.Do(func() { close(rt.done) })
}

func (rt *testRuntime) wait(t *testing.T) {
	t.Helper()
	select {
	case <-rt.done:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for root commit")
	}
}

//----------------------------------------------------------------------
// Tree-structured computation: a root kernel with subordinates.
//----------------------------------------------------------------------

type rootKernel struct {
	kernel.Base

	width    int
	acted    int32
	reacted  int32
	commits  int32
	children []*leafKernel
}

func newRoot(width int) *rootKernel {
	k := &rootKernel{width: width}
	k.Init(k, 0)
	return k
}

func (k *rootKernel) Act(rt kernel.Runtime) {
	atomic.AddInt32(&k.acted, 1)
	if k.width == 0 {
		// zero subordinates: commit fires immediately
		atomic.AddInt32(&k.commits, 1)
		kernel.Commit(rt, k, kernel.Success)
		return
	}
	for i := 0; i < k.width; i++ {
		c := newLeaf()
		k.children = append(k.children, c)
		kernel.Upstream(rt, k, c)
	}
}

func (k *rootKernel) React(rt kernel.Runtime, child kernel.Kernel) {
	atomic.AddInt32(&k.reacted, 1)
	if int(atomic.LoadInt32(&k.reacted)) == k.width {
		atomic.AddInt32(&k.commits, 1)
		kernel.Commit(rt, k, kernel.Success)
	}
}

type leafKernel struct {
	kernel.Base

	acted int32
}

func newLeaf() *leafKernel {
	k := new(leafKernel)
	k.Init(k, 0)
	return k
}

func (k *leafKernel) Act(rt kernel.Runtime) {
	atomic.AddInt32(&k.acted, 1)
	kernel.Commit(rt, k, kernel.Success)
}

//----------------------------------------------------------------------

// A kernel with two subordinates: both act, each React fires once,
// the commit fires once and the node shuts down cleanly.
func TestTreeComputation(t *testing.T) {
	rt := newTestRuntime()
	rt.cpu.Start()
	defer rt.cpu.Stop()

	root := newRoot(2)
	rt.Send(root)
	rt.wait(t)

	if n := atomic.LoadInt32(&root.acted); n != 1 {
		t.Fatalf("root acted %d times", n)
	}
	for i, c := range root.children {
		if n := atomic.LoadInt32(&c.acted); n != 1 {
			t.Fatalf("child %d acted %d times", i, n)
		}
	}
	if n := atomic.LoadInt32(&root.reacted); n != 2 {
		t.Fatalf("root reacted %d times", n)
	}
	if n := atomic.LoadInt32(&root.commits); n != 1 {
		t.Fatalf("root committed %d times", n)
	}
}

// Zero subordinates: the commit fires immediately.
func TestZeroSubordinates(t *testing.T) {
	rt := newTestRuntime()
	rt.cpu.Start()
	defer rt.cpu.Stop()

	root := newRoot(0)
	rt.Send(root)
	rt.wait(t)

	if root.Result() != kernel.Success {
		t.Fatalf("result %s", root.Result())
	}
}

// Wide fan-out: every subordinate runs exactly once.
func TestWideFanout(t *testing.T) {
	rt := newTestRuntime()
	rt.cpu.Start()
	defer rt.cpu.Stop()

	root := newRoot(100)
	rt.Send(root)
	rt.wait(t)

	if n := atomic.LoadInt32(&root.reacted); n != 100 {
		t.Fatalf("root reacted %d times", n)
	}
}

//----------------------------------------------------------------------

type panicKernel struct {
	kernel.Base
}

func (k *panicKernel) Act(rt kernel.Runtime) {
	panic("kernel failure")
}

// A raising kernel is caught: result=error travels to the parent.
type panicParent struct {
	kernel.Base

	result kernel.Result
}

func (k *panicParent) Act(rt kernel.Runtime) {
	c := new(panicKernel)
	c.Init(c, 0)
	kernel.Upstream(rt, k, c)
}

func (k *panicParent) React(rt kernel.Runtime, child kernel.Kernel) {
	k.result = child.Result()
	kernel.Commit(rt, k, kernel.Success)
}

func TestUserErrorCaught(t *testing.T) {
	rt := newTestRuntime()
	rt.cpu.Start()
	defer rt.cpu.Stop()

	p := new(panicParent)
	p.Init(p, 0)
	rt.Send(p)
	rt.wait(t)

	if p.result != kernel.Error {
		t.Fatalf("parent saw %s", p.result)
	}
}

// Workers drain the queue before terminating on Stop.
func TestStopDrains(t *testing.T) {
	var count int32
	rt := newTestRuntime()
	rt.cpu.Start()

	for i := 0; i < 50; i++ {
		k := &counterKernel{count: &count}
		k.Init(k, 0)
		rt.cpu.Send(k)
	}
	rt.cpu.Stop()
	if n := atomic.LoadInt32(&count); n != 50 {
		t.Fatalf("%d of 50 kernels executed", n)
	}
}

type counterKernel struct {
	kernel.Base

	count *int32
}

func (k *counterKernel) Act(rt kernel.Runtime) {
	atomic.AddInt32(k.count, 1)
}
