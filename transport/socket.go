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
	"errors"
	"net"
	"sync"
	"time"

	"sbn/kernel"
	"sbn/pipeline"
	"sbn/util"

	"github.com/bfix/gospel/logger"
)

// Transport error codes
var (
	ErrSockNoServer   = errors.New("no matching server interface")
	ErrSockLocal      = errors.New("kernel sent to local node")
	ErrSockNoUpstream = errors.New("no upstream servers available")
)

// maxStopIterations bounds the graceful-stop loop of the pipeline.
const maxStopIterations = 13

// defaultSocketTimeout is the TCP user timeout for peer connections.
const defaultSocketTimeout = 7 * time.Second

// SocketPipeline multiplexes kernels over persistent peer-to-peer
// connections. It owns one server per interface and one client per
// known peer endpoint; outbound kernels without a destination are
// spread over the peers by a weighted round-robin iterator.
type SocketPipeline struct {
	name      string
	native    pipeline.Pipeline // CPU pipeline for local execution
	instances *kernel.Instances
	startID   uint64 // START_ID override (0: derive from interface)

	mtx     sync.Mutex
	servers []*Server
	clients map[util.Endpoint]*Client
	order   []util.Endpoint // round-robin order of client endpoints
	itPos   int             // current iterator position; len(order) is the localhost slot
	weight  int             // uses of the current client so far

	useLocalhost  bool
	socketTimeout time.Duration

	queue    chan kernel.Kernel
	quit     chan struct{}
	stopping bool
	wg       sync.WaitGroup

	// foreign kernels from lost peers awaiting a replacement
	orphans []kernel.Kernel
}

// NewSocketPipeline creates the socket pipeline. The native pipeline
// receives recovered and short-circuited kernels.
func NewSocketPipeline(name string, native pipeline.Pipeline, inst *kernel.Instances, useLocalhost bool) *SocketPipeline {
	return &SocketPipeline{
		name:          name,
		native:        native,
		instances:     inst,
		clients:       make(map[util.Endpoint]*Client),
		useLocalhost:  useLocalhost,
		socketTimeout: defaultSocketTimeout,
		queue:         make(chan kernel.Kernel, 4096),
		quit:          make(chan struct{}),
	}
}

// SetStartID overrides the first kernel id handed out (START_ID).
func (p *SocketPipeline) SetStartID(id uint64) {
	p.startID = id
}

// AddServer opens a listening socket on an interface. The netmask
// determines both the neighbourhood and the node's kernel-id range.
func (p *SocketPipeline) AddServer(ifaddr, netmask uint32, port uint16) (util.Endpoint, error) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	for _, s := range p.servers {
		if s.ifaddr == ifaddr {
			return s.Addr(), nil
		}
	}
	s, err := newServer(ifaddr, netmask, port, p)
	if err != nil {
		return util.Endpoint{}, err
	}
	p.servers = append(p.servers, s)
	p.wg.Add(1)
	go s.serve()
	return s.Addr(), nil
}

// ServerAddr returns the endpoint of the first server socket.
func (p *SocketPipeline) ServerAddr() util.Endpoint {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	if len(p.servers) == 0 {
		return util.Endpoint{}
	}
	return p.servers[0].Addr()
}

// Peer dials a remote peer so it participates in round-robin routing.
func (p *SocketPipeline) Peer(addr util.Endpoint) error {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	_, err := p.findOrCreateClient(addr)
	return err
}

// SetWeight adjusts the round-robin share of a peer (the number of
// nodes behind it in the hierarchy).
func (p *SocketPipeline) SetWeight(addr util.Endpoint, w int) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	if c, ok := p.clients[addr]; ok {
		c.SetWeight(w)
	}
}

// Start launches the pipeline loop.
func (p *SocketPipeline) Start() {
	logger.Printf(logger.INFO, "[%s] starting", p.name)
	p.wg.Add(1)
	go p.serve()
}

// Send enqueues a kernel for transmission.
func (p *SocketPipeline) Send(k kernel.Kernel) {
	select {
	case p.queue <- k:
	case <-p.quit:
		p.recoverKernel(k)
	}
}

// Stop drains the pipeline. Shutdown is delayed until all saved
// upstream kernels have either returned or been recovered, bounded by
// a small iteration count to prevent hangs.
func (p *SocketPipeline) Stop() {
	p.mtx.Lock()
	p.stopping = true
	p.mtx.Unlock()
	for i := 0; i < maxStopIterations; i++ {
		if p.empty() {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	close(p.quit)
	p.mtx.Lock()
	for _, s := range p.servers {
		s.close()
	}
	clients := make([]*Client, 0, len(p.clients))
	for _, c := range p.clients {
		clients = append(clients, c)
	}
	p.mtx.Unlock()
	for _, c := range clients {
		c.close()
	}
	p.wg.Wait()
	logger.Printf(logger.INFO, "[%s] stopped", p.name)
}

// empty returns true if no connection holds unconfirmed kernels.
func (p *SocketPipeline) empty() bool {
	if len(p.queue) > 0 {
		return false
	}
	p.mtx.Lock()
	defer p.mtx.Unlock()
	for _, c := range p.clients {
		if !c.Empty() {
			return false
		}
	}
	return true
}

// serve is the pipeline loop processing enqueued kernels.
func (p *SocketPipeline) serve() {
	defer p.wg.Done()
	for {
		select {
		case k := <-p.queue:
			p.processKernel(k)
		case <-p.quit:
			// drain what is left
			for {
				select {
				case k := <-p.queue:
					p.recoverKernel(k)
				default:
					return
				}
			}
		}
	}
}

//----------------------------------------------------------------------
// Kernel routing within the pipeline
//----------------------------------------------------------------------

// processKernel routes one kernel to a connection (or back to the
// native pipeline).
func (p *SocketPipeline) processKernel(k kernel.Kernel) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	switch {
	case k.Flags().Has(kernel.MovesEverywhere):
		// broadcast: one copy per peer, the original is dropped
		for _, ep := range p.order {
			p.clients[ep].send(k)
		}

	case k.Flags().Has(kernel.MovesUpstream) && !k.To().IsSet():
		p.sendUpstream(k)

	case k.Flags().Has(kernel.MovesDownstream) && !k.From().IsSet() && !k.To().IsSet():
		// was executed locally because no upstream was available
		p.native.Send(k)

	default:
		if !k.To().IsSet() {
			k.SetTo(k.From())
		}
		if p.isLocalAddr(k.To()) {
			logger.Printf(logger.ERROR, "[%s] %s: %v", p.name, ErrSockLocal, k)
			p.native.Send(k)
			return
		}
		c, err := p.findOrCreateClient(k.To())
		if err != nil {
			p.failKernel(k, err)
			return
		}
		if k.Flags().Has(kernel.MovesSomewhere) {
			p.ensureIdentity(k, k.To())
		}
		c.send(k)
	}
}

// sendUpstream spreads kernels without a destination over the peers
// with the weighted round-robin iterator. When the iterator points at
// the localhost slot the kernel executes locally instead.
func (p *SocketPipeline) sendUpstream(k kernel.Kernel) {
	if len(p.order) == 0 || (p.useLocalhost && p.itPos >= len(p.order) && !k.Flags().Has(kernel.CarriesParent)) {
		if p.useLocalhost {
			// short-circuit to local execution
			p.advanceIterator()
			p.native.Send(k)
			return
		}
		p.failKernel(k, ErrSockNoUpstream)
		return
	}
	if p.itPos >= len(p.order) {
		// localhost slot, but the kernel must travel (carries parent)
		p.advanceIterator()
		if p.itPos >= len(p.order) {
			p.failKernel(k, ErrSockNoUpstream)
			return
		}
	}
	ep := p.order[p.itPos]
	p.ensureIdentity(k, ep)
	p.clients[ep].send(k)
	p.advanceIterator()
}

// failKernel completes a kernel locally with a failure result.
func (p *SocketPipeline) failKernel(k kernel.Kernel, err error) {
	logger.Printf(logger.WARN, "[%s] %v: %s", p.name, k, err.Error())
	rc := kernel.NoUpstreamServers
	if err != ErrSockNoUpstream {
		rc = kernel.EndpointNotConnected
	}
	k.SetFrom(k.To())
	kernel.ReturnToParent(k, rc)
	p.native.Send(k)
}

// recoverKernel re-injects an undelivered kernel locally so that the
// originating kernel's React sees the failure and can resubmit.
func (p *SocketPipeline) recoverKernel(k kernel.Kernel) {
	k.SetFrom(k.To())
	kernel.ReturnToParent(k, kernel.EndpointNotConnected)
	p.native.Send(k)
}

// markOrphans remembers foreign kernels from a lost peer; their
// results are re-delivered once a replacement peer connects.
func (p *SocketPipeline) markOrphans(down []kernel.Kernel) {
	if len(down) == 0 {
		return
	}
	p.mtx.Lock()
	p.orphans = append(p.orphans, down...)
	p.mtx.Unlock()
}

//----------------------------------------------------------------------
// Identity assignment
//----------------------------------------------------------------------

// ensureIdentity assigns ids from the local interface range to a
// kernel (and its parent) before it leaves the node. The parent stays
// behind and is registered so the returning result finds it.
func (p *SocketPipeline) ensureIdentity(k kernel.Kernel, dest util.Endpoint) {
	srv := p.findServer(dest)
	if srv == nil {
		if len(p.servers) == 0 {
			return
		}
		srv = p.servers[0]
	}
	if !k.Identifiable() {
		k.SetID(srv.GenerateID())
	}
	if par := k.Parent(); par != nil {
		if !par.Identifiable() {
			par.SetID(srv.GenerateID())
		}
		p.instances.Insert(par)
	}
}

//----------------------------------------------------------------------
// Iterator handling
//----------------------------------------------------------------------

// advanceIterator records one use of the current round-robin slot and
// moves on once the slot's weight is exhausted: each peer is used
// 'weight' times in a row; the position past the last peer is the
// localhost slot (when enabled), used once per cycle.
func (p *SocketPipeline) advanceIterator() {
	n := len(p.order)
	if n == 0 {
		p.itPos = 0
		p.weight = 0
		return
	}
	if p.itPos >= n {
		// localhost slot used: wrap around
		p.itPos = 0
		p.weight = 0
	} else {
		p.weight++
		if p.weight >= p.clients[p.order[p.itPos]].Weight() {
			p.itPos++
			p.weight = 0
		}
		if p.itPos >= n && !p.useLocalhost {
			p.itPos = 0
		}
	}
	// skip stopped clients
	for i := 0; i < n && p.itPos < n; i++ {
		if p.clients[p.order[p.itPos]].Started() {
			return
		}
		p.itPos++
		p.weight = 0
		if p.itPos >= n && !p.useLocalhost {
			p.itPos = 0
		}
	}
}

//----------------------------------------------------------------------
// Connection management
//----------------------------------------------------------------------

// isLocalAddr returns true if the endpoint is one of our servers.
func (p *SocketPipeline) isLocalAddr(ep util.Endpoint) bool {
	for _, s := range p.servers {
		if s.Addr() == ep {
			return true
		}
	}
	return false
}

// findServer returns the server whose subnet contains the endpoint.
func (p *SocketPipeline) findServer(ep util.Endpoint) *Server {
	for _, s := range p.servers {
		if s.Contains(ep) {
			return s
		}
	}
	return nil
}

// findOrCreateClient returns the connection for a peer endpoint,
// dialling it first if necessary. Callers hold the pipeline lock.
func (p *SocketPipeline) findOrCreateClient(addr util.Endpoint) (*Client, error) {
	if c, ok := p.clients[addr]; ok {
		return c, nil
	}
	// bind to the server address with an ephemeral port, so the peer
	// sees our node address as the connection source
	d := net.Dialer{Timeout: p.socketTimeout}
	if srv := p.findServer(addr); srv != nil && addr.Family == util.AfIPv4 {
		ip := srv.Addr()
		d.LocalAddr = &net.TCPAddr{IP: net.IPv4(ip.IP[0], ip.IP[1], ip.IP[2], ip.IP[3])}
	}
	conn, err := d.Dial(addr.Network(), addr.NetAddr())
	if err != nil {
		return nil, err
	}
	setUserTimeout(conn, p.socketTimeout)
	return p.addClient(conn, addr), nil
}

// addClient registers a connected peer. The round-robin iterator
// position is preserved. Callers hold the pipeline lock.
func (p *SocketPipeline) addClient(conn net.Conn, vaddr util.Endpoint) *Client {
	c := newClient(p, conn, vaddr)
	p.clients[vaddr] = c
	p.order = append(p.order, vaddr)
	c.run()
	logger.Printf(logger.INFO, "[%s] peer %s connected", p.name, vaddr)
	// re-deliver results of kernels orphaned by a lost peer
	if len(p.orphans) > 0 {
		orphans := p.orphans
		p.orphans = nil
		for _, k := range orphans {
			k.SetFrom(vaddr)
		}
		logger.Printf(logger.INFO, "[%s] re-homed %d orphaned kernels to %s",
			p.name, len(orphans), vaddr)
	}
	return c
}

// accept handles an incoming peer connection. When both sides connect
// simultaneously, the side with the lower server port keeps its
// outgoing connection and the duplicate is only drained.
func (p *SocketPipeline) accept(conn net.Conn, srv *Server) {
	addr := util.FromNetAddr(conn.RemoteAddr())
	vaddr := addr.WithPort(srv.Addr().Port)
	p.mtx.Lock()
	defer p.mtx.Unlock()
	old, ok := p.clients[vaddr]
	if !ok {
		p.addClient(conn, vaddr)
		return
	}
	if addr.Port < srv.Addr().Port {
		// keep the existing connection; drain the duplicate socket
		// until the other end closes it
		logger.Printf(logger.INFO, "[%s] not replacing peer %s", p.name, vaddr)
		link := newClient(p, conn, vaddr)
		link.run()
		return
	}
	// replace the peer connection with the accepted socket
	logger.Printf(logger.INFO, "[%s] replacing peer %s", p.name, vaddr)
	replacement := newClient(p, conn, vaddr)
	replacement.weight = old.Weight()
	replacement.upSaved = old.upSaved
	old.upSaved = nil
	p.clients[vaddr] = replacement
	replacement.run()
	old.close()
	// re-queue kernels the old writer never delivered
	for {
		select {
		case k := <-old.out:
			replacement.send(k)
		default:
			return
		}
	}
}

// dropClient removes a failed connection and runs kernel recovery.
func (p *SocketPipeline) dropClient(c *Client) {
	p.mtx.Lock()
	cur, ok := p.clients[c.vaddr]
	if ok && cur == c {
		delete(p.clients, c.vaddr)
		for i, ep := range p.order {
			if ep == c.vaddr {
				p.order = append(p.order[:i], p.order[i+1:]...)
				// keep the iterator stable: advance past a removed
				// element, step back for earlier ones
				if i < p.itPos {
					p.itPos--
				} else if i == p.itPos {
					p.weight = 0
				}
				break
			}
		}
		logger.Printf(logger.INFO, "[%s] peer %s removed", p.name, c.vaddr)
	}
	p.mtx.Unlock()
	c.close()
	c.recover()
}

// Clients returns the endpoints of all connected peers.
func (p *SocketPipeline) Clients() (list []util.Endpoint) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	list = append(list, p.order...)
	return
}
