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
	"errors"
	"net"
)

// Interface detection error codes
var (
	ErrNoInterface = errors.New("no usable IPv4 interface")
)

// BindAddress walks the host interfaces and returns the first IPv4
// address usable for discovery. Loopback addresses and /32 interfaces
// (no neighbourhood) are skipped.
func BindAddress() (addr, netmask uint32, err error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, aerr := iface.Addrs()
		if aerr != nil {
			continue
		}
		for _, a := range addrs {
			ipn, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipn.IP.To4()
			if ip4 == nil || ip4.IsLoopback() {
				// ignore localhost and non-IPv4 addresses
				continue
			}
			ones, bits := ipn.Mask.Size()
			if bits != 32 || ones == 32 {
				// ignore interfaces without a neighbourhood
				continue
			}
			addr = uint32(ip4[0])<<24 | uint32(ip4[1])<<16 |
				uint32(ip4[2])<<8 | uint32(ip4[3])
			m := ipn.Mask
			netmask = uint32(m[0])<<24 | uint32(m[1])<<16 |
				uint32(m[2])<<8 | uint32(m[3])
			return
		}
	}
	err = ErrNoInterface
	return
}
