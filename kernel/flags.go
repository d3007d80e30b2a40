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
	"strings"
)

// Flags describe how a kernel moves through the pipelines.
type Flags uint32

// Kernel movement and transport flags
const (
	// MovesUpstream marks a kernel travelling away from its parent
	// to be executed elsewhere; a destination is chosen by the
	// round-robin iterator when none is set.
	MovesUpstream = Flags(1 << iota)

	// MovesDownstream marks a kernel returning to its principal.
	MovesDownstream

	// MovesSomewhere marks a kernel sent to an explicit endpoint.
	MovesSomewhere

	// MovesEverywhere marks a broadcast kernel (one copy per peer).
	MovesEverywhere

	// CarriesParent makes the parent kernel travel with the child,
	// to be reinstantiated as a transient stub on the receiving side.
	CarriesParent

	// PrependApplication tags wire frames with an application id for
	// the process pipeline.
	PrependApplication

	// SaveUpstreamKernels keeps kernels sent upstream in the
	// per-connection buffer until their result returns.
	SaveUpstreamKernels

	// SaveDownstreamKernels keeps received kernels whose results are
	// still being computed locally.
	SaveDownstreamKernels

	// IsForeign marks a kernel that entered the node over a
	// connection; its return travels back to the origin endpoint.
	IsForeign
)

var flagNames = []string{
	"upstream",
	"downstream",
	"somewhere",
	"everywhere",
	"carries_parent",
	"prepend_app",
	"save_up",
	"save_down",
	"foreign",
}

// Has returns true if all given bits are set.
func (f Flags) Has(bits Flags) bool {
	return f&bits == bits
}

// With returns the flags with the given bits added.
func (f Flags) With(bits Flags) Flags {
	return f | bits
}

// Without returns the flags with the given bits removed.
func (f Flags) Without(bits Flags) Flags {
	return f &^ bits
}

// String returns a human-readable representation of a flag set.
func (f Flags) String() string {
	if f == 0 {
		return "-"
	}
	var list []string
	for i, name := range flagNames {
		if f&(1<<uint(i)) != 0 {
			list = append(list, name)
		}
	}
	return strings.Join(list, "|")
}
