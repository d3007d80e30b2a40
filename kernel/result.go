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

// Result is the exit code a kernel carries back to its principal.
type Result uint8

// Kernel exit codes
const (
	Success Result = iota
	Undefined
	Error
	EndpointNotConnected
	NoPrincipalFound
	NoUpstreamServers
)

// resultNames for human-readable output
var resultNames = []string{
	"success",
	"undefined",
	"error",
	"endpoint_not_connected",
	"no_principal_found",
	"no_upstream_servers_available",
}

// String returns a human-readable representation of a result.
func (r Result) String() string {
	if int(r) < len(resultNames) {
		return resultNames[r]
	}
	return "unknown"
}
