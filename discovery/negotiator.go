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
	"sbn/kernel"
	"sbn/util"
	"sbn/wire"
)

// Kernel type ids of the discovery protocol.
const (
	TypeNegotiator = kernel.TypeID(16)
	TypeAgent      = kernel.TypeID(17)
)

func init() {
	kernel.MustRegister(TypeNegotiator, "Negotiator", func() kernel.Kernel {
		return NewNegotiator(util.Endpoint{}, util.Endpoint{}, 1)
	})
	kernel.MustRegister(TypeAgent, "SecretAgent", func() kernel.Kernel {
		return NewSecretAgent()
	})
}

//----------------------------------------------------------------------

// Negotiator is the short-lived kernel proposing a principal change
// between two nodes. It travels to the candidate endpoint, mutates
// the hierarchy there and returns with success or error. The carried
// old principal lets the candidate distinguish a legitimate
// re-parenting from an accidental cycle; the carried weight is the
// proposing node's Hierarchy.Weight (its direct subordinates plus one).
type Negotiator struct {
	kernel.Base

	oldPrinc util.Endpoint
	newPrinc util.Endpoint
	weight   uint32
}

// NewNegotiator creates a proposal to change a node's principal from
// 'oldPrinc' to 'newPrinc'.
func NewNegotiator(oldPrinc, newPrinc util.Endpoint, weight int) *Negotiator {
	n := &Negotiator{
		oldPrinc: oldPrinc,
		newPrinc: newPrinc,
		weight:   uint32(weight),
	}
	n.Init(n, TypeNegotiator)
	return n
}

// Act runs on the receiving node: the local discoverer (the
// negotiator's resolved principal) applies the proposal and the
// negotiator returns with the outcome.
func (n *Negotiator) Act(rt kernel.Runtime) {
	rc := kernel.Success
	if d, ok := n.Principal().(*Discoverer); ok {
		rc = d.negotiate(n)
	}
	kernel.Commit(rt, n, rc)
}

// Write serialises the proposal.
func (n *Negotiator) Write(b *wire.Buffer) {
	b.PutEndpoint(n.oldPrinc)
	b.PutEndpoint(n.newPrinc)
	b.PutU32(n.weight)
}

// Read deserialises the proposal.
func (n *Negotiator) Read(b *wire.Buffer) (err error) {
	if n.oldPrinc, err = b.GetEndpoint(); err != nil {
		return
	}
	if n.newPrinc, err = b.GetEndpoint(); err != nil {
		return
	}
	n.weight, err = b.GetU32()
	return
}

//----------------------------------------------------------------------

// MasterNegotiator orchestrates one principal change for the local
// discoverer: it proposes to the new principal and, on success,
// notifies the old principal that the node is leaving.
type MasterNegotiator struct {
	kernel.Base

	oldPrinc util.Endpoint
	newPrinc util.Endpoint
	weight   int
	numSent  int
}

// NewMasterNegotiator creates the orchestration kernel. It never
// leaves the node; only the negotiators it spawns do.
func NewMasterNegotiator(old, new util.Endpoint, weight int) *MasterNegotiator {
	m := &MasterNegotiator{
		oldPrinc: old,
		newPrinc: new,
		weight:   weight,
	}
	m.Init(m, 0)
	return m
}

// NewPrincipal returns the proposed upstream endpoint.
func (m *MasterNegotiator) NewPrincipal() util.Endpoint {
	return m.newPrinc
}

// Act sends the proposal to the new principal.
func (m *MasterNegotiator) Act(rt kernel.Runtime) {
	m.sendNegotiator(rt, m.newPrinc)
}

// React collects negotiator replies. The first reply decides the
// outcome; a success with a previous principal triggers the leave
// notification before the master commits to the discoverer.
func (m *MasterNegotiator) React(rt kernel.Runtime, child kernel.Kernel) {
	finished := true
	if m.numSent == 1 {
		m.SetResult(child.Result())
		if child.Result() == kernel.Success && m.oldPrinc.IsSet() {
			finished = false
			m.sendNegotiator(rt, m.oldPrinc)
		}
	}
	if finished {
		kernel.Commit(rt, m, m.Result())
	}
}

// sendNegotiator dispatches one proposal to an endpoint. The remote
// discoverer is addressed by its well-known id, the integer form of
// its interface address.
func (m *MasterNegotiator) sendNegotiator(rt kernel.Runtime, addr util.Endpoint) {
	m.numSent++
	n := NewNegotiator(m.oldPrinc, m.newPrinc, m.weight)
	n.SetPrincipalID(uint64(addr.Addr4()))
	n.SetTo(addr)
	n.SetFlags(kernel.MovesSomewhere)
	kernel.Upstream(rt, m, n)
}
