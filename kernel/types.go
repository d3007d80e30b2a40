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
)

// Registry error codes
var (
	ErrTypeRegistered = fmt.Errorf("type id already registered")
	ErrNameRegistered = fmt.Errorf("type name already registered")
	ErrTypeUnknown    = fmt.Errorf("unknown type id")
)

// TypeID identifies a concrete kernel type on the wire. It precedes
// every kernel payload.
type TypeID uint16

// Type binds a stable type id to a kernel factory.
type Type struct {
	ID   TypeID
	Name string
	New  func() Kernel
}

// String returns a human-readable representation of a type.
func (t *Type) String() string {
	return fmt.Sprintf("%s(%d)", t.Name, t.ID)
}

//----------------------------------------------------------------------

// The process-global type registry: a bidirectional mapping between
// type ids and kernel factories. Append-only; populated during
// initialisation.
var (
	typesMtx    sync.RWMutex
	typesByID   = make(map[TypeID]*Type)
	typesByName = make(map[string]*Type)
)

// Register adds a kernel type to the registry. Registration fails if
// the id or the name already has an entry.
func Register(id TypeID, name string, factory func() Kernel) error {
	typesMtx.Lock()
	defer typesMtx.Unlock()
	if old, ok := typesByID[id]; ok {
		return fmt.Errorf("%w: '%s' and '%s' share id %d",
			ErrTypeRegistered, name, old.Name, id)
	}
	if _, ok := typesByName[name]; ok {
		return fmt.Errorf("%w: '%s'", ErrNameRegistered, name)
	}
	t := &Type{
		ID:   id,
		Name: name,
		New:  factory,
	}
	typesByID[id] = t
	typesByName[name] = t
	return nil
}

// MustRegister registers a kernel type and aborts on conflict
// (invariant violation during initialisation).
func MustRegister(id TypeID, name string, factory func() Kernel) {
	if err := Register(id, name, factory); err != nil {
		panic(err)
	}
}

// Lookup returns the type registered under an id (nil if unknown).
func Lookup(id TypeID) *Type {
	typesMtx.RLock()
	defer typesMtx.RUnlock()
	return typesByID[id]
}

// LookupName returns the type registered under a name (nil if
// unknown).
func LookupName(name string) *Type {
	typesMtx.RLock()
	defer typesMtx.RUnlock()
	return typesByName[name]
}
