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
	"net"
	"sync"

	"sbn/kernel"
	"sbn/util"
	"sbn/wire"

	"github.com/bfix/gospel/logger"
)

// Client is the connection handler for one remote peer. It owns a
// framed read buffer and a framed write buffer. Outbound kernels pass
// through a single writer goroutine, which preserves per-connection
// FIFO order. Kernels forwarded upstream are kept in the saved list
// until their result returns; on connection loss every saved kernel
// is recovered locally with endpoint_not_connected.
type Client struct {
	pl    *SocketPipeline
	vaddr util.Endpoint // virtual peer address (peer server endpoint)

	mtx     sync.Mutex
	conn    net.Conn
	started bool
	closed  bool
	weight  int

	out  chan kernel.Kernel
	done chan struct{}

	// kernels sent upstream whose result has not returned yet
	upSaved []kernel.Kernel
	// kernels received whose results are still computed locally
	downSaved []kernel.Kernel
}

// newClient wraps an established connection to a peer.
func newClient(pl *SocketPipeline, conn net.Conn, vaddr util.Endpoint) *Client {
	return &Client{
		pl:      pl,
		vaddr:   vaddr,
		conn:    conn,
		weight:  1,
		started: true,
		out:     make(chan kernel.Kernel, 1024),
		done:    make(chan struct{}),
	}
}

// run launches the reader and writer for the connection.
func (c *Client) run() {
	c.pl.wg.Add(2)
	go c.readLoop(c.conn)
	go c.writeLoop(c.conn)
}

// Weight returns the number of nodes behind this peer (round-robin
// share).
func (c *Client) Weight() int {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.weight
}

// SetWeight adjusts the round-robin share of the peer.
func (c *Client) SetWeight(w int) {
	if w < 1 {
		w = 1
	}
	c.mtx.Lock()
	c.weight = w
	c.mtx.Unlock()
}

// Started returns true for a usable client; a client wraps an
// established connection and is started from its creation on.
func (c *Client) Started() bool {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.started
}

// Empty returns true if no saved kernels are awaiting a result.
func (c *Client) Empty() bool {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return len(c.upSaved) == 0 && len(c.out) == 0
}

// send hands a kernel to the writer goroutine. Kernels moving
// upstream or somewhere are saved until their reply arrives;
// broadcast kernels are never saved.
func (c *Client) send(k kernel.Kernel) {
	c.mtx.Lock()
	if c.closed {
		c.mtx.Unlock()
		c.pl.recoverKernel(k)
		return
	}
	if k.Identifiable() &&
		(k.Flags()&(kernel.MovesUpstream|kernel.MovesSomewhere)) != 0 &&
		!k.Flags().Has(kernel.MovesEverywhere) {
		k.SetFlags(kernel.SaveUpstreamKernels)
		c.upSaved = append(c.upSaved, k)
	}
	if k.Flags().Has(kernel.MovesDownstream) && k.Flags().Has(kernel.IsForeign) {
		// result leaves the node: forget the foreign original
		c.dropDownSavedLocked(k.ID())
	}
	c.mtx.Unlock()
	select {
	case c.out <- k:
	case <-c.done:
		c.pl.recoverKernel(k)
	}
}

// writeLoop encodes and flushes outbound kernels in FIFO order.
func (c *Client) writeLoop(conn net.Conn) {
	defer c.pl.wg.Done()
	buf := wire.NewBuffer()
	for {
		select {
		case k := <-c.out:
			if err := kernel.Encode(buf, k); err != nil {
				logger.Printf(logger.ERROR, "[%s] encode %v: %s", c.pl.name, k, err.Error())
				continue
			}
			if _, err := buf.Flush(conn); err != nil {
				logger.Printf(logger.WARN, "[%s] write %s: %s", c.pl.name, c.vaddr, err.Error())
				c.pl.dropClient(c)
				return
			}
			if buf.IsSafeToCompact() {
				buf.Compact()
			}
			c.mtx.Lock()
			c.started = true
			c.mtx.Unlock()
		case <-c.done:
			return
		}
	}
}

// readLoop fills the framed buffer from the socket and dispatches
// every complete kernel.
func (c *Client) readLoop(conn net.Conn) {
	defer c.pl.wg.Done()
	buf := wire.NewBuffer()
	for {
		if _, err := buf.Fill(conn); err != nil {
			select {
			case <-c.done:
			default:
				logger.Printf(logger.WARN, "[%s] read %s: %s", c.pl.name, c.vaddr, err.Error())
				c.pl.dropClient(c)
			}
			return
		}
		for {
			k, ok, err := kernel.Decode(buf)
			if err != nil {
				// protocol violation: close and re-home
				logger.Printf(logger.ERROR, "[%s] decode from %s: %s", c.pl.name, c.vaddr, err.Error())
				c.pl.dropClient(c)
				return
			}
			if !ok {
				break
			}
			c.mtx.Lock()
			c.started = true
			c.mtx.Unlock()
			c.dispatch(k)
		}
		if buf.IsSafeToCompact() {
			buf.Compact()
		}
	}
}

// dispatch hands one inbound kernel to the local node. A returning
// kernel is matched against the saved upstream list and resolved to
// its principal; fresh work executes with no local principal (its
// parent lives on the origin node). A return whose principal cannot
// be resolved is bounced back to the source endpoint.
func (c *Client) dispatch(k kernel.Kernel) {
	k.SetFrom(c.vaddr)
	k.SetFlags(kernel.IsForeign)
	if k.Flags().Has(kernel.MovesDownstream) {
		// a result for a kernel we sent upstream earlier
		c.mtx.Lock()
		saved := c.takeUpSavedLocked(k.ID())
		c.mtx.Unlock()
		switch {
		case saved != nil && saved.Parent() != nil:
			k.SetParent(saved.Parent())
			k.SetPrincipal(saved.Parent())
		default:
			p := c.pl.instances.Lookup(k.PrincipalID())
			if p == nil {
				// bounce back to the source endpoint for local
				// handling by the originating kernel
				logger.Printf(logger.WARN, "[%s] no principal %d for %v",
					c.pl.name, k.PrincipalID(), k)
				k.SetResult(kernel.NoPrincipalFound)
				k.SetTo(c.vaddr)
				c.send(k)
				return
			}
			k.SetPrincipal(p)
		}
	} else {
		k.SetFlags(kernel.SaveDownstreamKernels)
		c.mtx.Lock()
		c.downSaved = append(c.downSaved, k)
		c.mtx.Unlock()
		// an explicitly addressed principal (well-known id)
		if pid := k.PrincipalID(); pid != kernel.RootID {
			if p := c.pl.instances.Lookup(pid); p != nil {
				k.SetPrincipal(p)
			}
		}
	}
	c.pl.native.Send(k)
}

// takeUpSavedLocked removes and returns a saved upstream kernel by id
// equality.
func (c *Client) takeUpSavedLocked(id uint64) kernel.Kernel {
	for i, s := range c.upSaved {
		if s.ID() == id {
			c.upSaved = append(c.upSaved[:i], c.upSaved[i+1:]...)
			return s
		}
	}
	return nil
}

// dropDownSavedLocked erases a saved foreign kernel by id equality.
func (c *Client) dropDownSavedLocked(id uint64) {
	for i, s := range c.downSaved {
		if s.ID() == id {
			c.downSaved = append(c.downSaved[:i], c.downSaved[i+1:]...)
			return
		}
	}
}

// close terminates the connection handler.
func (c *Client) close() {
	c.mtx.Lock()
	if c.closed {
		c.mtx.Unlock()
		return
	}
	c.closed = true
	c.mtx.Unlock()
	close(c.done)
	c.conn.Close()
}

// recover re-homes every kernel this connection was responsible for:
// saved upstream kernels complete locally with endpoint_not_connected
// so the originating React sees the failure; undelivered outbound
// kernels take the same path; foreign kernels computed locally are
// remembered for re-delivery to a replacement peer.
func (c *Client) recover() {
	c.mtx.Lock()
	up := c.upSaved
	c.upSaved = nil
	down := c.downSaved
	c.downSaved = nil
	c.mtx.Unlock()

	logger.Printf(logger.INFO, "[%s] recovering %d kernels from %s",
		c.pl.name, len(up), c.vaddr)
	for _, k := range up {
		c.pl.recoverKernel(k)
	}
	// drain undelivered outbound kernels
	for {
		select {
		case k := <-c.out:
			c.pl.recoverKernel(k)
		default:
			c.pl.markOrphans(down)
			return
		}
	}
}
