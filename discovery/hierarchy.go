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

package discovery

import (
	"sort"
	"sync"

	"sbn/util"

	"github.com/bfix/gospel/logger"
)

// Hierarchy is the per-node view of the overlay tree: the network
// interface, zero or one principal (upstream) endpoint and the set of
// subordinate endpoints. Mutations happen on the discovery engine
// only; reads are allowed from any thread.
type Hierarchy struct {
	mtx sync.RWMutex

	ifaddr  uint32 // interface address (host order)
	netmask uint32
	addr    util.Endpoint // own server endpoint

	principal    util.Endpoint
	subordinates map[util.Endpoint]struct{}
}

// NewHierarchy creates the hierarchy view of a node.
func NewHierarchy(ifaddr, netmask uint32, addr util.Endpoint) *Hierarchy {
	return &Hierarchy{
		ifaddr:       ifaddr,
		netmask:      netmask,
		addr:         addr,
		subordinates: make(map[util.Endpoint]struct{}),
	}
}

// Addr returns the node's own server endpoint.
func (h *Hierarchy) Addr() util.Endpoint {
	return h.addr
}

// IfAddr returns the interface address.
func (h *Hierarchy) IfAddr() uint32 {
	return h.ifaddr
}

// Netmask returns the interface netmask.
func (h *Hierarchy) Netmask() uint32 {
	return h.netmask
}

// Principal returns the upstream endpoint (unset if the node is a
// root).
func (h *Hierarchy) Principal() util.Endpoint {
	h.mtx.RLock()
	defer h.mtx.RUnlock()
	return h.principal
}

// SetPrincipal adopts a new upstream endpoint. A subordinate becoming
// the principal is removed from the subordinate set.
func (h *Hierarchy) SetPrincipal(ep util.Endpoint) {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	logger.Printf(logger.INFO, "[dscvr] %s: set principal to %s", h.addr, ep)
	h.principal = ep
	delete(h.subordinates, ep)
}

// UnsetPrincipal makes the node a root again.
func (h *Hierarchy) UnsetPrincipal() {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	logger.Printf(logger.INFO, "[dscvr] %s: unset principal", h.addr)
	h.principal = util.Endpoint{}
}

// AddSubordinate records a downstream endpoint.
func (h *Hierarchy) AddSubordinate(ep util.Endpoint) {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	logger.Printf(logger.INFO, "[dscvr] %s: add subordinate %s", h.addr, ep)
	h.subordinates[ep] = struct{}{}
}

// RemoveSubordinate forgets a downstream endpoint.
func (h *Hierarchy) RemoveSubordinate(ep util.Endpoint) {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	logger.Printf(logger.INFO, "[dscvr] %s: remove subordinate %s", h.addr, ep)
	delete(h.subordinates, ep)
}

// HasSubordinate returns true if the endpoint is a known subordinate.
func (h *Hierarchy) HasSubordinate(ep util.Endpoint) bool {
	h.mtx.RLock()
	defer h.mtx.RUnlock()
	_, ok := h.subordinates[ep]
	return ok
}

// NumSubordinates returns the size of the subordinate set.
func (h *Hierarchy) NumSubordinates() int {
	h.mtx.RLock()
	defer h.mtx.RUnlock()
	return len(h.subordinates)
}

// Weight returns the number of direct subordinates plus one for this
// node (used for weighted round-robin announcements). Nodes below the
// direct subordinates are not counted.
func (h *Hierarchy) Weight() int {
	return h.NumSubordinates() + 1
}

//----------------------------------------------------------------------

// Info is the serialisable snapshot of a hierarchy for operator
// status queries.
type Info struct {
	Addr         string   `json:"addr"`
	Principal    string   `json:"principal,omitempty"`
	Subordinates []string `json:"subordinates,omitempty"`
}

// Snapshot returns a consistent copy of the hierarchy state.
func (h *Hierarchy) Snapshot() (info *Info) {
	h.mtx.RLock()
	defer h.mtx.RUnlock()
	info = &Info{
		Addr: h.addr.String(),
	}
	if h.principal.IsSet() {
		info.Principal = h.principal.String()
	}
	for ep := range h.subordinates {
		info.Subordinates = append(info.Subordinates, ep.String())
	}
	sort.Strings(info.Subordinates)
	return
}
