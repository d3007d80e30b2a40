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
	"os"
	"path/filepath"
	"testing"

	"sbn/util"
)

func TestHierarchyMutators(t *testing.T) {
	h := NewHierarchy(0x0a000002, 0xffffff00, epSelf)
	h.AddSubordinate(ep3)
	h.AddSubordinate(ep9)
	if h.NumSubordinates() != 2 || h.Weight() != 3 {
		t.Fatalf("subordinates %d weight %d", h.NumSubordinates(), h.Weight())
	}
	// a subordinate promoted to principal leaves the subordinate set
	h.SetPrincipal(ep3)
	if h.HasSubordinate(ep3) {
		t.Fatal("principal still a subordinate")
	}
	if h.Principal() != ep3 {
		t.Fatal("principal not set")
	}
	h.UnsetPrincipal()
	if h.Principal().IsSet() {
		t.Fatal("principal still set")
	}
	h.RemoveSubordinate(ep9)
	if h.NumSubordinates() != 0 {
		t.Fatal("subordinate not removed")
	}
}

func TestHierarchySnapshot(t *testing.T) {
	h := NewHierarchy(0x0a000002, 0xffffff00, epSelf)
	h.SetPrincipal(util.NewEndpointIPv4(0x0a000001, 33333))
	h.AddSubordinate(ep3)
	info := h.Snapshot()
	if info.Addr != epSelf.String() {
		t.Fatalf("snapshot addr %s", info.Addr)
	}
	if info.Principal != "10.0.0.1:33333" {
		t.Fatalf("snapshot principal %s", info.Principal)
	}
	if len(info.Subordinates) != 1 || info.Subordinates[0] != ep3.String() {
		t.Fatalf("snapshot subordinates %v", info.Subordinates)
	}
}

func TestCacheRoundTrip(t *testing.T) {
	dir := t.TempDir()
	spec := "sqlite3+" + filepath.Join(dir, "peers.cache")
	c := OpenCache(spec, epSelf.String())
	if c == nil {
		t.Skip("no sqlite3 support in test environment")
	}
	h := NewHierarchy(0x0a000002, 0xffffff00, epSelf)
	h.SetPrincipal(util.NewEndpointIPv4(0x0a000001, 33333))
	c.Save(h)

	info := c.Load(epSelf.String())
	if info == nil {
		t.Fatal("cache load failed")
	}
	if info.Principal != "10.0.0.1:33333" {
		t.Fatalf("cached principal %s", info.Principal)
	}
	os.Remove(filepath.Join(dir, "peers.cache"))
}

// A missing cache is not an error.
func TestCacheAbsent(t *testing.T) {
	var c *Cache
	c.Save(nil)
	if c.Load("x") != nil {
		t.Fatal("nil cache returned data")
	}
}
