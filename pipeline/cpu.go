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
	"runtime"
	"sync"

	"sbn/kernel"

	"github.com/bfix/gospel/logger"
)

// CPU is a fixed pool of workers consuming a local FIFO of kernels.
// A popped kernel either runs Act, or — when it is a returning
// subordinate — fires React on its principal. Workers drain the queue
// before terminating on Stop.
type CPU struct {
	name      string
	rt        kernel.Runtime
	instances *kernel.Instances

	mtx     sync.Mutex
	cond    *sync.Cond
	queue   []kernel.Kernel
	stopped bool

	workers int
	wg      sync.WaitGroup
}

// NewCPU creates a worker pool of the given size. A size of 0 uses
// one worker per CPU. The instance registry may be nil (unit tests).
func NewCPU(name string, workers int, rt kernel.Runtime, inst *kernel.Instances) *CPU {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	p := &CPU{
		name:      name,
		rt:        rt,
		instances: inst,
		workers:   workers,
	}
	p.cond = sync.NewCond(&p.mtx)
	return p
}

// Start launches the worker pool.
func (p *CPU) Start() {
	logger.Printf(logger.INFO, "[%s] starting %d workers", p.name, p.workers)
	p.wg.Add(p.workers)
	for i := 0; i < p.workers; i++ {
		go p.serve(i)
	}
}

// Stop drains in-flight kernels and terminates the workers.
func (p *CPU) Stop() {
	p.mtx.Lock()
	p.stopped = true
	p.cond.Broadcast()
	p.mtx.Unlock()
	p.wg.Wait()
	logger.Printf(logger.INFO, "[%s] stopped", p.name)
}

// Send pushes a kernel onto the FIFO and wakes one waiter.
func (p *CPU) Send(k kernel.Kernel) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	if p.stopped {
		logger.Printf(logger.WARN, "[%s] dropped %v after stop", p.name, k)
		return
	}
	p.queue = append(p.queue, k)
	p.cond.Signal()
}

// Pending returns the queue length.
func (p *CPU) Pending() int {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return len(p.queue)
}

// serve is the worker loop.
func (p *CPU) serve(idx int) {
	defer p.wg.Done()
	for {
		p.mtx.Lock()
		for len(p.queue) == 0 && !p.stopped {
			p.cond.Wait()
		}
		if len(p.queue) == 0 {
			// stopped and drained
			p.mtx.Unlock()
			return
		}
		k := p.queue[0]
		p.queue = p.queue[1:]
		p.mtx.Unlock()
		p.process(k)
	}
}

// process executes one scheduling event for a kernel.
func (p *CPU) process(k kernel.Kernel) {
	defer func() {
		if r := recover(); r != nil {
			// a kernel raised: log, fail the kernel, notify the
			// parent chain
			logger.Printf(logger.ERROR, "[%s] kernel %v raised: %v", p.name, k, r)
			if k.Result() == kernel.Undefined {
				kernel.Commit(p.rt, k, kernel.Error)
			}
		}
	}()
	if k.Flags().Has(kernel.MovesDownstream) {
		// a subordinate returns to its principal
		principal := k.Principal()
		if principal == nil {
			// root kernel committed: node is done
			logger.Printf(logger.INFO, "[%s] root kernel %v committed (%s)",
				p.name, k, k.Result())
			p.rt.Shutdown()
			return
		}
		principal.LockRun()
		defer principal.UnlockRun()
		principal.React(p.rt, k)
		if p.instances != nil {
			p.instances.Erase(k.ID())
		}
		return
	}
	k.LockRun()
	defer k.UnlockRun()
	k.Act(p.rt)
}
