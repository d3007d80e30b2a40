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
	"container/heap"
	"sync"
	"time"

	"sbn/kernel"

	"github.com/bfix/gospel/logger"
)

//----------------------------------------------------------------------
// Priority queue ordered by deadline; ties broken by insert order.
//----------------------------------------------------------------------

type timedKernel struct {
	k   kernel.Kernel
	seq uint64
}

type timerHeap []timedKernel

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	ti, tj := h[i].k.At(), h[j].k.At()
	if ti.Equal(tj) {
		return h[i].seq < h[j].seq
	}
	return ti.Before(tj)
}

func (h timerHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *timerHeap) Push(x any) { *h = append(*h, x.(timedKernel)) }

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

//----------------------------------------------------------------------

// Timer is the single-threaded pipeline for kernels with a wall-clock
// deadline. The worker sleeps until the earliest deadline or until a
// new kernel is inserted. Cancelled kernels are skipped on pop; due
// kernels are re-routed for execution.
type Timer struct {
	name string
	rt   kernel.Runtime

	mtx  sync.Mutex
	pq   timerHeap
	seq  uint64
	wake chan struct{}
	quit chan struct{}
	wg   sync.WaitGroup
}

// NewTimer creates a timer pipeline.
func NewTimer(name string, rt kernel.Runtime) *Timer {
	return &Timer{
		name: name,
		rt:   rt,
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
	}
}

// Start launches the timer worker.
func (p *Timer) Start() {
	logger.Printf(logger.INFO, "[%s] starting", p.name)
	p.wg.Add(1)
	go p.serve()
}

// Stop terminates the worker; kernels still waiting for their
// deadline are discarded.
func (p *Timer) Stop() {
	close(p.quit)
	p.wg.Wait()
	p.mtx.Lock()
	n := len(p.pq)
	p.pq = nil
	p.mtx.Unlock()
	if n > 0 {
		logger.Printf(logger.WARN, "[%s] %d timed kernels discarded", p.name, n)
	}
	logger.Printf(logger.INFO, "[%s] stopped", p.name)
}

// Send inserts a kernel keyed on its deadline and wakes the worker.
func (p *Timer) Send(k kernel.Kernel) {
	p.mtx.Lock()
	p.seq++
	heap.Push(&p.pq, timedKernel{k: k, seq: p.seq})
	p.mtx.Unlock()
	p.notify()
}

// Pending returns the number of scheduled kernels.
func (p *Timer) Pending() int {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return len(p.pq)
}

// notify wakes the worker without blocking.
func (p *Timer) notify() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// serve is the worker loop.
func (p *Timer) serve() {
	defer p.wg.Done()
	for {
		p.mtx.Lock()
		// skip cancelled kernels at the head
		for len(p.pq) > 0 && p.pq[0].k.Cancelled() {
			heap.Pop(&p.pq)
		}
		if len(p.pq) == 0 {
			p.mtx.Unlock()
			select {
			case <-p.wake:
				continue
			case <-p.quit:
				return
			}
		}
		head := p.pq[0].k
		delay := time.Until(head.At())
		if delay > 0 {
			p.mtx.Unlock()
			t := time.NewTimer(delay)
			select {
			case <-t.C:
			case <-p.wake:
				t.Stop()
			case <-p.quit:
				t.Stop()
				return
			}
			continue
		}
		// head is due
		heap.Pop(&p.pq)
		p.mtx.Unlock()
		p.rt.Send(head)
	}
}
