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

package util

import (
	"fmt"
	"math"
)

//----------------------------------------------------------------------
// Address intervals
//----------------------------------------------------------------------

// Interval is a half-open range [Start,End) of IPv4 addresses in host
// order. It is used to enumerate the neighbourhood of an interface.
type Interval struct {
	Start uint32
	End   uint32
}

// NewInterval creates the interval [a,b).
func NewInterval(a, b uint32) Interval {
	return Interval{Start: a, End: b}
}

// HostRange returns the usable host addresses of the network that
// 'addr' with 'netmask' belongs to (network and broadcast addresses
// excluded).
func HostRange(addr, netmask uint32) Interval {
	base := addr & netmask
	return Interval{Start: base + 1, End: base + ^netmask}
}

// Empty returns true if the interval contains no address.
func (iv Interval) Empty() bool {
	return iv.Start >= iv.End
}

// Count returns the number of addresses in the interval.
func (iv Interval) Count() uint32 {
	if iv.Empty() {
		return 0
	}
	return iv.End - iv.Start
}

// Contains returns true if 'a' falls into the interval.
func (iv Interval) Contains(a uint32) bool {
	return a >= iv.Start && a < iv.End
}

// Overlaps returns true if the two intervals share an address.
func (iv Interval) Overlaps(rhs Interval) bool {
	return !iv.Empty() && !rhs.Empty() &&
		iv.Start < rhs.End && rhs.Start < iv.End
}

// String returns a human-readable representation of the interval.
func (iv Interval) String() string {
	return fmt.Sprintf("%s-%s",
		NewEndpointIPv4(iv.Start, 0).NetAddr(),
		NewEndpointIPv4(iv.End, 0).NetAddr())
}

//----------------------------------------------------------------------
// Kernel-id space partitioning
//----------------------------------------------------------------------

// IDRange derives the [pos0,pos1) slice of the 64-bit kernel-id space
// that belongs to the node with the given interface address and
// netmask. The host part of the address selects the slice, so two
// nodes in the same subnet never share a range. Position 0 (the
// network address itself) never occurs, therefore id 0 stays reserved
// for "no kernel".
func IDRange(addr, netmask uint32) (pos0, pos1 uint64) {
	pos := uint64(addr &^ netmask)
	slots := uint64(^netmask) + 1
	span := math.MaxUint64 / slots
	pos0 = pos * span
	pos1 = pos0 + span
	if pos0 == 0 {
		// interface without a host part; avoid handing out id 0
		pos0 = 1
	}
	return
}
