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
	"time"

	"sbn/kernel"
	"sbn/util"

	"github.com/bfix/gospel/logger"
)

// maxCandidates bounds the ranked neighbour list on large subnets.
const maxCandidates = 1024

// DefaultWaitTime is the pause before the candidate list is walked
// again after every peer failed (overridden by WAIT_TIME).
const DefaultWaitTime = 5 * time.Second

// Weighter adjusts the round-robin share of a peer link (implemented
// by the socket pipeline).
type Weighter interface {
	SetWeight(ep util.Endpoint, w int)
}

// Discoverer is the long-lived kernel electing the node's principal
// from its IPv4 neighbourhood. It is registered in the instance
// registry under the integer form of the interface address, the
// well-known id every peer can derive, so inbound negotiators resolve
// to it.
type Discoverer struct {
	kernel.Base

	hier     *Hierarchy
	port     uint16
	waitTime time.Duration
	weights  Weighter

	ranked []util.Endpoint
	cur    int

	neg   *MasterNegotiator
	agent *SecretAgent
}

// NewDiscoverer creates the discovery engine for a node. The ranked
// candidate list covers the addresses below the node's own, ordered
// by hierarchical distance; lower-numbered nodes become roots.
func NewDiscoverer(hier *Hierarchy, waitTime time.Duration, weights Weighter) *Discoverer {
	if waitTime <= 0 {
		waitTime = DefaultWaitTime
	}
	d := &Discoverer{
		hier:     hier,
		port:     hier.Addr().Port,
		waitTime: waitTime,
		weights:  weights,
		cur:      -1,
	}
	d.Init(d, 0)
	d.SetID(uint64(hier.IfAddr()))
	d.generateRankedHosts()
	return d
}

// generateRankedHosts ranks the neighbourhood by hierarchical
// distance.
func (d *Discoverer) generateRankedHosts() {
	ifaddr := d.hier.IfAddr()
	netmask := d.hier.Netmask()
	rng := util.HostRange(ifaddr, netmask)
	selfPos := ifaddr &^ netmask

	type candidate struct {
		dist Distance
		addr uint32
	}
	var list []candidate
	for a := ifaddr; a > rng.Start && len(list) < maxCandidates; {
		a--
		list = append(list, candidate{
			dist: addrDistance(selfPos, a&^netmask),
			addr: a,
		})
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].dist != list[j].dist {
			return list[i].dist.Less(list[j].dist)
		}
		return list[i].addr < list[j].addr
	})
	d.ranked = d.ranked[:0]
	for _, c := range list {
		d.ranked = append(d.ranked, util.NewEndpointIPv4(c.addr, d.port))
	}
	logger.Printf(logger.DBG, "[dscvr] %s: %d ranked candidates",
		d.hier.Addr(), len(d.ranked))
}

// Hierarchy returns the mutated hierarchy view.
func (d *Discoverer) Hierarchy() *Hierarchy {
	return d.hier
}

// Act starts (or resumes) the try-next-peer loop.
func (d *Discoverer) Act(rt kernel.Runtime) {
	d.tryNextHost(rt)
}

// React handles returning subordinate kernels: the outcome of a
// negotiation, or the secret agent coming home because the principal
// failed.
func (d *Discoverer) React(rt kernel.Runtime, child kernel.Kernel) {
	switch c := child.(type) {
	case *MasterNegotiator:
		if c != d.neg {
			return
		}
		d.neg = nil
		if c.Result() == kernel.Success {
			d.hier.SetPrincipal(c.NewPrincipal())
			d.deploySecretAgent(rt)
		} else {
			d.tryNextHost(rt)
		}

	case *SecretAgent:
		if c != d.agent {
			return
		}
		logger.Printf(logger.INFO, "[dscvr] %s: secret agent returned from %s (%s)",
			d.hier.Addr(), c.From(), c.Result())
		d.agent = nil
		if c.Result() == kernel.EndpointNotConnected {
			d.hier.UnsetPrincipal()
			d.tryNextHost(rt)
		}
	}
}

// tryNextHost advances through the ranked list and spawns a
// negotiation with the next candidate. A node with no candidates is a
// root. When the whole list has been tried, the walk pauses for the
// configured wait time.
func (d *Discoverer) tryNextHost(rt kernel.Runtime) {
	if len(d.ranked) == 0 {
		return
	}
	d.cur++
	if d.cur >= len(d.ranked) {
		d.cur = -1
		d.SetAt(time.Now().Add(d.waitTime))
		rt.Send(d)
		return
	}
	candidate := d.ranked[d.cur]
	logger.Printf(logger.DBG, "[dscvr] %s: trying %s", d.hier.Addr(), candidate)
	d.neg = NewMasterNegotiator(d.hier.Principal(), candidate, d.hier.Weight())
	kernel.Upstream(rt, d, d.neg)
}

// deploySecretAgent posts the failure detector to the new principal.
func (d *Discoverer) deploySecretAgent(rt kernel.Runtime) {
	principal := d.hier.Principal()
	a := NewSecretAgent()
	a.SetTo(principal)
	a.SetPrincipalID(uint64(principal.Addr4()))
	a.SetFlags(kernel.MovesSomewhere)
	d.agent = a
	kernel.Upstream(rt, d, a)
}

// negotiate applies an inbound proposal to the local hierarchy. The
// old principal carried by the negotiator distinguishes a legitimate
// re-parenting from a cycle of length two.
func (d *Discoverer) negotiate(n *Negotiator) (rc kernel.Result) {
	self := d.hier.Addr()
	from := n.From()
	rc = kernel.Success
	switch {
	case n.newPrinc == self:
		// the sender wants to become our subordinate
		if from == d.hier.Principal() {
			if n.oldPrinc.IsSet() {
				// our principal re-parents below us
				d.hier.UnsetPrincipal()
			} else {
				// root tries to swap with its subordinate
				rc = kernel.Error
			}
		}
		if rc != kernel.Error {
			d.hier.AddSubordinate(from)
			if d.weights != nil {
				d.weights.SetWeight(from, int(n.weight))
			}
		}

	case n.oldPrinc == self:
		// the sender is leaving us
		if from == d.hier.Principal() {
			rc = kernel.Error
		} else {
			d.hier.RemoveSubordinate(from)
		}
	}
	logger.Printf(logger.INFO, "[dscvr] %s: negotiated old=%s new=%s from=%s: %s",
		self, n.oldPrinc, n.newPrinc, from, rc)
	return
}
