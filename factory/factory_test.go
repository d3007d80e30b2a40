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

package factory

import (
	"sync/atomic"
	"testing"
	"time"

	"sbn/config"
	"sbn/kernel"
)

//----------------------------------------------------------------------
// Single-node scenario: a kernel with two subordinates.
//----------------------------------------------------------------------

type driverKernel struct {
	kernel.Base

	width   int
	reacted int32
	commits int32
}

func newDriver(width int) *driverKernel {
	k := &driverKernel{width: width}
	k.Init(k, 0)
	return k
}

func (k *driverKernel) Act(rt kernel.Runtime) {
	for i := 0; i < k.width; i++ {
		c := new(workKernel)
		c.Init(c, 0)
		c.SetFlags(kernel.MovesUpstream)
		kernel.Upstream(rt, k, c)
	}
}

func (k *driverKernel) React(rt kernel.Runtime, child kernel.Kernel) {
	if int(atomic.AddInt32(&k.reacted, 1)) == k.width {
		atomic.AddInt32(&k.commits, 1)
		kernel.Commit(rt, k, kernel.Success)
	}
}

type workKernel struct {
	kernel.Base
}

func (k *workKernel) Act(rt kernel.Runtime) {
	kernel.Commit(rt, k, kernel.Success)
}

//----------------------------------------------------------------------

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Node.Name = "test"
	cfg.Node.Interface = "127.0.0.1/24"
	cfg.Node.Port = 0
	cfg.Node.Workers = 2
	cfg.Node.UseLocalhost = true
	cfg.Discovery.Enabled = false
	return cfg
}

// A single node executes a tree-structured computation and exits
// cleanly when the root kernel commits.
func TestFactorySingleNode(t *testing.T) {
	f, err := New(testConfig())
	if err != nil {
		t.Fatal(err)
	}
	if err = f.Start(); err != nil {
		t.Fatal(err)
	}

	root := newDriver(2)
	f.Send(root)

	done := make(chan int, 1)
	go func() { done <- f.Wait() }()
	select {
	case rc := <-done:
		if rc != 0 {
			t.Fatalf("exit status %d", rc)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("factory did not stop")
	}
	if n := atomic.LoadInt32(&root.reacted); n != 2 {
		t.Fatalf("root reacted %d times", n)
	}
	if n := atomic.LoadInt32(&root.commits); n != 1 {
		t.Fatalf("root committed %d times", n)
	}
}

// Stop is idempotent and drains the pipelines.
func TestFactoryStop(t *testing.T) {
	f, err := New(testConfig())
	if err != nil {
		t.Fatal(err)
	}
	if err = f.Start(); err != nil {
		t.Fatal(err)
	}
	f.Stop()
	f.Stop()
	if rc := f.Wait(); rc != 0 {
		t.Fatalf("exit status %d", rc)
	}
}
