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

package kernel

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"sbn/util"
	"sbn/wire"
)

// RootID is the reserved kernel id meaning "root / no kernel".
const RootID = uint64(0)

// Runtime is the view a kernel has of the node it runs on. Send routes
// a kernel to the pipeline that executes it next; Shutdown terminates
// the node (issued when a root kernel commits).
type Runtime interface {
	Send(k Kernel)
	Shutdown()
}

// Kernel is a serialisable unit of computation with a parent/principal
// relation. Act runs when the kernel is dispatched; React runs on the
// principal when a subordinate returns. Read and Write serialise the
// subclass payload (the common header is handled by Encode/Decode).
// The runtime guarantees that at most one of Act/React/Read/Write is
// in progress for a given kernel instance at any instant.
type Kernel interface {
	Type() TypeID

	ID() uint64
	SetID(id uint64)
	Identifiable() bool

	Parent() Kernel
	SetParent(p Kernel)
	Principal() Kernel
	SetPrincipal(p Kernel)
	PrincipalID() uint64
	SetPrincipalID(id uint64)

	From() util.Endpoint
	SetFrom(ep util.Endpoint)
	To() util.Endpoint
	SetTo(ep util.Endpoint)

	Flags() Flags
	SetFlags(f Flags)
	ClearFlags(f Flags)
	Result() Result
	SetResult(rc Result)

	Timed() bool
	At() time.Time
	SetAt(t time.Time)
	Cancelled() bool
	Cancel()

	Act(rt Runtime)
	React(rt Runtime, child Kernel)
	Read(b *wire.Buffer) error
	Write(b *wire.Buffer)

	LockRun()
	UnlockRun()

	base() *Base
}

//----------------------------------------------------------------------

// Base carries the common kernel state. Concrete kernels embed Base
// and call Init with themselves in their constructor.
type Base struct {
	id          uint64
	typ         TypeID
	parent      Kernel
	principal   Kernel
	principalID uint64
	from, to    util.Endpoint
	flags       Flags
	result      Result
	at          time.Time
	timed       bool
	cancelled   int32
	pending     int32 // outstanding subordinate returns
	transient   bool
	self        Kernel

	// serialises Act/React so a kernel is never re-entered
	runMtx sync.Mutex
}

// LockRun serialises scheduling events for the kernel: at most one of
// Act/React runs for a given instance at any instant.
func (k *Base) LockRun() { k.runMtx.Lock() }

// UnlockRun releases the scheduling lock.
func (k *Base) UnlockRun() { k.runMtx.Unlock() }

// Init binds the embedding kernel to its base and declares its wire
// type. Every concrete kernel constructor calls this once.
func (k *Base) Init(self Kernel, typ TypeID) {
	k.self = self
	k.typ = typ
	k.result = Undefined
}

// Type returns the registered wire type of the kernel.
func (k *Base) Type() TypeID { return k.typ }

// ID returns the kernel id (RootID if unassigned).
func (k *Base) ID() uint64 { return k.id }

// SetID assigns the kernel id. An id never changes once set.
func (k *Base) SetID(id uint64) {
	if k.id == RootID {
		k.id = id
	}
}

// Identifiable returns true if the kernel has an id.
func (k *Base) Identifiable() bool { return k.id != RootID }

// Parent returns the logical creator of the kernel.
func (k *Base) Parent() Kernel { return k.parent }

// SetParent records the logical creator.
func (k *Base) SetParent(p Kernel) { k.parent = p }

// Principal returns the kernel that receives React when this kernel
// returns; usually identical to the parent.
func (k *Base) Principal() Kernel { return k.principal }

// SetPrincipal records the recipient of the next React.
func (k *Base) SetPrincipal(p Kernel) {
	k.principal = p
	if p != nil {
		k.principalID = p.ID()
	}
}

// PrincipalID returns the id used to resolve the principal on the
// receiving node.
func (k *Base) PrincipalID() uint64 {
	if k.principal != nil {
		return k.principal.ID()
	}
	if k.principalID != RootID {
		return k.principalID
	}
	if k.parent != nil {
		return k.parent.ID()
	}
	return RootID
}

// SetPrincipalID records the principal by id only (wire form).
func (k *Base) SetPrincipalID(id uint64) { k.principalID = id }

// From returns the endpoint the kernel arrived from.
func (k *Base) From() util.Endpoint { return k.from }

// SetFrom is called by the transport on arrival.
func (k *Base) SetFrom(ep util.Endpoint) { k.from = ep }

// To returns the routing destination.
func (k *Base) To() util.Endpoint { return k.to }

// SetTo determines where the kernel is routed.
func (k *Base) SetTo(ep util.Endpoint) { k.to = ep }

// Flags returns the movement flags.
func (k *Base) Flags() Flags { return k.flags }

// SetFlags adds flag bits.
func (k *Base) SetFlags(f Flags) { k.flags |= f }

// ClearFlags removes flag bits.
func (k *Base) ClearFlags(f Flags) { k.flags &^= f }

// Result returns the exit code.
func (k *Base) Result() Result { return k.result }

// SetResult assigns the exit code.
func (k *Base) SetResult(rc Result) { k.result = rc }

// Timed returns true if the kernel has a wall-clock deadline.
func (k *Base) Timed() bool { return k.timed }

// At returns the deadline for the timer pipeline.
func (k *Base) At() time.Time { return k.at }

// SetAt schedules the kernel for a point in time.
func (k *Base) SetAt(t time.Time) {
	k.at = t
	k.timed = true
}

// Cancelled returns true if the kernel was cancelled while queued.
func (k *Base) Cancelled() bool {
	return atomic.LoadInt32(&k.cancelled) != 0
}

// Cancel marks a queued kernel; the timer pipeline skips it on pop.
func (k *Base) Cancel() {
	atomic.StoreInt32(&k.cancelled, 1)
}

// Transient returns true for parent stubs reinstantiated from the
// wire; they exist only as return targets of their carried child.
func (k *Base) Transient() bool { return k.transient }

// Act is a no-op by default.
func (k *Base) Act(rt Runtime) {}

// React handles a returning subordinate. The default commits the
// kernel once all subordinates have returned; an error result from a
// subordinate is adopted.
func (k *Base) React(rt Runtime, child Kernel) {
	if child.Result() != Success && k.result == Undefined {
		k.result = child.Result()
	}
	if atomic.AddInt32(&k.pending, -1) <= 0 {
		rc := k.result
		if rc == Undefined {
			rc = Success
		}
		Commit(rt, k.self, rc)
	}
}

// Read deserialises the payload (nothing by default).
func (k *Base) Read(b *wire.Buffer) error { return nil }

// Write serialises the payload (nothing by default).
func (k *Base) Write(b *wire.Buffer) {}

// String returns a human-readable representation for log messages.
func (k *Base) String() string {
	return fmt.Sprintf("{id=%d,type=%d,flags=%s,result=%s,from=%s,to=%s}",
		k.id, k.typ, k.flags, k.result, k.from, k.to)
}

func (k *Base) base() *Base { return k }

//----------------------------------------------------------------------
// Scheduling helpers
//----------------------------------------------------------------------

// Upstream spawns a subordinate: the child records its parent and is
// routed for execution. The parent expects one React per child.
func Upstream(rt Runtime, parent, child Kernel) {
	child.SetParent(parent)
	if parent != nil {
		atomic.AddInt32(&parent.base().pending, 1)
	}
	rt.Send(child)
}

// Commit terminates a kernel: it is returned to its principal, whose
// React fires with the kernel as child. A root kernel (no principal)
// shuts down the runtime instead.
func Commit(rt Runtime, k Kernel, rc Result) {
	ReturnToParent(k, rc)
	rt.Send(k)
}

// ReturnToParent redirects a kernel back to its principal with the
// given result. A foreign kernel travels back to its origin endpoint.
func ReturnToParent(k Kernel, rc Result) {
	b := k.base()
	if b.result == Undefined || rc != Success {
		b.result = rc
	}
	b.principal = b.parent
	b.flags = b.flags.Without(MovesUpstream | MovesSomewhere).With(MovesDownstream)
	if b.flags.Has(IsForeign) && !b.to.IsSet() {
		b.to = b.from
	}
}
