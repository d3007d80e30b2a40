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
	"errors"
	"net"
	"strconv"
	"strings"

	"github.com/miekg/dns"
)

// Resolver-related error codes
var (
	ErrResolveNoAnswer = errors.New("no address records for host")
)

// ResolveEndpoint translates a "host:port" string into an endpoint.
// Numeric addresses are converted directly; names are resolved with a
// DNS query (A records) against the resolver from /etc/resolv.conf,
// or against 'resolver' if non-empty.
func ResolveEndpoint(s, resolver string) (ep Endpoint, err error) {
	if strings.HasPrefix(s, "unix:") {
		return NewEndpointUnix(s[5:]), nil
	}
	// try numeric address first
	if ep, err = ParseEndpoint(s); err == nil {
		return
	}
	var host, port string
	if host, port, err = net.SplitHostPort(s); err != nil {
		return
	}
	var p int
	if p, err = strconv.Atoi(port); err != nil || p < 0 || p > 65535 {
		err = ErrEndpointInvalid
		return
	}
	// resolve host name
	if len(resolver) == 0 {
		var cfg *dns.ClientConfig
		if cfg, err = dns.ClientConfigFromFile("/etc/resolv.conf"); err != nil {
			return
		}
		resolver = net.JoinHostPort(cfg.Servers[0], cfg.Port)
	}
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), dns.TypeA)
	cl := new(dns.Client)
	var in *dns.Msg
	if in, _, err = cl.Exchange(m, resolver); err != nil {
		return
	}
	for _, rr := range in.Answer {
		if a, ok := rr.(*dns.A); ok {
			if ip4 := a.A.To4(); ip4 != nil {
				ep.Family = AfIPv4
				copy(ep.IP[:4], ip4)
				ep.Port = uint16(p)
				return
			}
		}
	}
	err = ErrResolveNoAnswer
	return
}
