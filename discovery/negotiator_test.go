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
	"testing"
	"time"

	"sbn/kernel"
	"sbn/util"
	"sbn/wire"
)

var (
	epSelf = util.NewEndpointIPv4(0x0a000002, 33333)
	ep3    = util.NewEndpointIPv4(0x0a000003, 33333)
	ep9    = util.NewEndpointIPv4(0x0a000009, 33333)
)

func testDisc() *Discoverer {
	h := NewHierarchy(0x0a000002, 0xffffff00, epSelf)
	return NewDiscoverer(h, time.Second, nil)
}

func inbound(oldP, newP, from util.Endpoint) *Negotiator {
	n := NewNegotiator(oldP, newP, 1)
	n.SetFrom(from)
	return n
}

func TestNegotiateAccept(t *testing.T) {
	d := testDisc()
	n := inbound(util.Endpoint{}, epSelf, ep3)
	if rc := d.negotiate(n); rc != kernel.Success {
		t.Fatalf("accept failed: %s", rc)
	}
	if !d.hier.HasSubordinate(ep3) {
		t.Fatal("subordinate not recorded")
	}
}

// A root proposing to swap with its own subordinate forms a cycle of
// length two and is rejected.
func TestNegotiateCycleRejected(t *testing.T) {
	d := testDisc()
	d.hier.SetPrincipal(ep3)
	n := inbound(util.Endpoint{}, epSelf, ep3)
	if rc := d.negotiate(n); rc != kernel.Error {
		t.Fatalf("cycle accepted: %s", rc)
	}
	if d.hier.HasSubordinate(ep3) {
		t.Fatal("cycle peer recorded as subordinate")
	}
}

// A legitimate re-parenting: our principal moves below us, carrying
// its old principal.
func TestNegotiateReparent(t *testing.T) {
	d := testDisc()
	d.hier.SetPrincipal(ep3)
	n := inbound(ep9, epSelf, ep3)
	if rc := d.negotiate(n); rc != kernel.Success {
		t.Fatalf("re-parenting rejected: %s", rc)
	}
	if d.hier.Principal().IsSet() {
		t.Fatal("old principal still set")
	}
	if !d.hier.HasSubordinate(ep3) {
		t.Fatal("subordinate not recorded")
	}
}

// A subordinate leaving us is removed.
func TestNegotiateLeave(t *testing.T) {
	d := testDisc()
	d.hier.AddSubordinate(ep3)
	n := inbound(epSelf, ep9, ep3)
	if rc := d.negotiate(n); rc != kernel.Success {
		t.Fatalf("leave rejected: %s", rc)
	}
	if d.hier.HasSubordinate(ep3) {
		t.Fatal("subordinate not removed")
	}
}

// Unrelated proposals succeed without state change.
func TestNegotiateUnrelated(t *testing.T) {
	d := testDisc()
	n := inbound(ep9, ep9, ep3)
	if rc := d.negotiate(n); rc != kernel.Success {
		t.Fatalf("unrelated proposal: %s", rc)
	}
	if d.hier.NumSubordinates() != 0 || d.hier.Principal().IsSet() {
		t.Fatal("state changed")
	}
}

func TestNegotiatorRoundTrip(t *testing.T) {
	n := NewNegotiator(ep9, epSelf, 3)
	n.SetID(77)
	n.SetTo(ep3)
	n.SetFlags(kernel.MovesSomewhere)

	buf := wire.NewBuffer()
	if err := kernel.Encode(buf, n); err != nil {
		t.Fatal(err)
	}
	out, ok, err := kernel.Decode(buf)
	if err != nil || !ok {
		t.Fatalf("decode: ok=%v err=%v", ok, err)
	}
	got, good := out.(*Negotiator)
	if !good {
		t.Fatal("wrong type decoded")
	}
	if got.oldPrinc != ep9 || got.newPrinc != epSelf || got.weight != 3 {
		t.Fatalf("payload mismatch: %v %v %d", got.oldPrinc, got.newPrinc, got.weight)
	}
	if got.ID() != 77 || got.To() != ep3 {
		t.Fatal("header mismatch")
	}
}

// The master negotiator adopts the outcome of the first proposal and
// notifies the old principal on success.
func TestMasterNegotiator(t *testing.T) {
	rt := new(fakeRuntime)
	m := NewMasterNegotiator(ep9, ep3, 1)
	m.Act(rt)
	if len(rt.sent) != 1 {
		t.Fatal("no proposal sent")
	}
	first := rt.sent[0].(*Negotiator)
	if first.To() != ep3 {
		t.Fatalf("proposal went to %s", first.To())
	}

	// simulate the successful reply
	kernel.ReturnToParent(first, kernel.Success)
	m.React(rt, first)
	if len(rt.sent) != 2 {
		t.Fatal("leave notification missing")
	}
	second := rt.sent[1].(*Negotiator)
	if second.To() != ep9 {
		t.Fatalf("leave notification went to %s", second.To())
	}

	kernel.ReturnToParent(second, kernel.Success)
	m.React(rt, second)
	if m.Result() != kernel.Success {
		t.Fatalf("master result %s", m.Result())
	}
	last := rt.sent[len(rt.sent)-1]
	if last != kernel.Kernel(m) {
		t.Fatal("master did not commit")
	}
}

//----------------------------------------------------------------------

// fakeRuntime collects sent kernels.
type fakeRuntime struct {
	sent     []kernel.Kernel
	shutdown bool
}

func (rt *fakeRuntime) Send(k kernel.Kernel) { rt.sent = append(rt.sent, k) }
func (rt *fakeRuntime) Shutdown()            { rt.shutdown = true }
