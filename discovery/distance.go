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
	"math"
)

// Fanout of the overlay tree spanned over the subnet positions.
const Fanout = 2

// lvlInf is the sentinel for candidates on a shallower level; they
// rank after all same-level candidates but stay in the list as
// fallback parents.
const lvlInf = math.MaxUint32

// Distance is the two-level hierarchical distance key between two
// subnet positions: level difference first, intra-level index
// difference second.
type Distance struct {
	Lvl uint32
	Idx uint32
}

// Less orders distances lexicographically.
func (d Distance) Less(rhs Distance) bool {
	if d.Lvl != rhs.Lvl {
		return d.Lvl < rhs.Lvl
	}
	return d.Idx < rhs.Idx
}

// log2 returns the position of the highest set bit.
func log2(x uint32) (n uint32) {
	for x > 1 {
		x >>= 1
		n++
	}
	return
}

// levelNum maps a subnet position to its level in the fanout tree and
// the index within that level. Positions start at 1 (the network
// address never occurs); position 1 is the root at level 0.
func levelNum(pos uint32) (lvl, num uint32) {
	if pos == 0 {
		return 0, 0
	}
	lvl = log2(pos)
	num = pos - 1<<lvl
	return
}

// addrDistance computes the hierarchical distance from the node at
// position 'self' to the candidate at position 'target'.
func addrDistance(self, target uint32) (d Distance) {
	ls, ns := levelNum(self)
	lt, nt := levelNum(target)
	switch {
	case ls > lt:
		d.Lvl = lvlInf
	case lt == ls:
		d.Lvl = 1
	default:
		d.Lvl = lt - ls
	}
	n := ns / Fanout
	if nt > n {
		d.Idx = nt - n
	} else {
		d.Idx = n - nt
	}
	return
}
