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
)

// SecretAgent is a kernel sent to the elected principal that does
// nothing there and never returns on its own. It sits in the sender's
// per-connection buffer; only a connection loss brings it home, with
// endpoint_not_connected, which is how the discoverer learns that its
// principal failed.
type SecretAgent struct {
	kernel.Base
}

// NewSecretAgent creates an agent kernel.
func NewSecretAgent() *SecretAgent {
	a := new(SecretAgent)
	a.Init(a, TypeAgent)
	return a
}

// Act deliberately does nothing; the kernel is consumed on the
// remote node.
func (a *SecretAgent) Act(rt kernel.Runtime) {}
