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
	"sync"
)

// Instances maps kernel ids to live kernels. It is consulted on every
// inbound kernel with a non-zero principal id. It contains exactly
// those kernels that have an id and are neither retired nor in flight
// on a remote peer.
type Instances struct {
	mtx  sync.Mutex
	list map[uint64]Kernel
}

// NewInstances creates an empty instance registry. Every factory owns
// one; tests inject a fresh one.
func NewInstances() *Instances {
	return &Instances{
		list: make(map[uint64]Kernel),
	}
}

// Insert registers a kernel under its id. Kernels without an id are
// ignored.
func (r *Instances) Insert(k Kernel) {
	if k.ID() == RootID {
		return
	}
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.list[k.ID()] = k
}

// Erase removes the registration for an id.
func (r *Instances) Erase(id uint64) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	delete(r.list, id)
}

// Lookup resolves an id to a live kernel (nil if unknown).
func (r *Instances) Lookup(id uint64) Kernel {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return r.list[id]
}

// Size returns the number of registered kernels.
func (r *Instances) Size() int {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return len(r.list)
}
