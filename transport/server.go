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
	"sync/atomic"
	"time"

	"sbn/util"

	"github.com/bfix/gospel/logger"
	"golang.org/x/sys/unix"
)

// Server is the listening side of the socket pipeline for one
// interface. It owns the kernel-id allocator of the node: ids are
// generated from the [pos0,pos1) slice derived from the interface
// address, with an atomic counter that wraps to pos0 on exhaustion.
type Server struct {
	ifaddr   uint32 // interface address (host order)
	netmask  uint32
	addr     util.Endpoint // listening endpoint
	listener net.Listener

	pos0    uint64
	pos1    uint64
	counter uint64

	parent *SocketPipeline
}

// newServer creates a listener on the interface address.
func newServer(ifaddr, netmask uint32, port uint16, parent *SocketPipeline) (s *Server, err error) {
	s = &Server{
		ifaddr:  ifaddr,
		netmask: netmask,
		addr:    util.NewEndpointIPv4(ifaddr, port),
		parent:  parent,
	}
	s.pos0, s.pos1 = util.IDRange(ifaddr, netmask)
	// honour a START_ID override for the id counter
	start := s.pos0
	if seed := parent.startID; seed >= s.pos0 && seed < s.pos1 {
		start = seed
	}
	atomic.StoreUint64(&s.counter, start)
	if s.listener, err = net.Listen("tcp", s.addr.NetAddr()); err != nil {
		return nil, err
	}
	// pick up a dynamically assigned port
	s.addr = util.FromNetAddr(s.listener.Addr())
	logger.Printf(logger.INFO, "[%s] listening on %s (ids %d..%d)",
		parent.name, s.addr, s.pos0, s.pos1)
	return
}

// Addr returns the actual listening endpoint.
func (s *Server) Addr() util.Endpoint {
	return s.addr
}

// Contains returns true if an endpoint belongs to this interface's
// subnet.
func (s *Server) Contains(ep util.Endpoint) bool {
	if ep.Family != util.AfIPv4 {
		return false
	}
	return ep.Addr4()&s.netmask == s.ifaddr&s.netmask
}

// GenerateID hands out the next kernel id from the interface range.
func (s *Server) GenerateID() uint64 {
	for {
		c := atomic.LoadUint64(&s.counter)
		next := c + 1
		if next == s.pos1 {
			next = s.pos0
		}
		if atomic.CompareAndSwapUint64(&s.counter, c, next) {
			return c
		}
	}
}

// serve accepts peer connections until the listener is closed.
func (s *Server) serve() {
	defer s.parent.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		setUserTimeout(conn, s.parent.socketTimeout)
		s.parent.accept(conn, s)
	}
}

// close shuts the listener down.
func (s *Server) close() {
	s.listener.Close()
}

// setUserTimeout arms TCP_USER_TIMEOUT so dead peers are detected
// within seconds instead of kernel-default minutes.
func setUserTimeout(conn net.Conn, d time.Duration) {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	raw, err := tc.SyscallConn()
	if err != nil {
		return
	}
	raw.Control(func(fd uintptr) {
		if err := unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP,
			unix.TCP_USER_TIMEOUT, int(d.Milliseconds())); err != nil {
			logger.Printf(logger.WARN, "[sock] TCP_USER_TIMEOUT: %s", err.Error())
		}
	})
}
