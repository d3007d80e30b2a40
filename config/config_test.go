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

package config

import (
	"os"
	"path/filepath"
	"testing"
)

const testConfig = `{
	"environ": {
		"TMP": "/tmp",
		"PORT": "2377"
	},
	"node": {
		"name": "n1",
		"interface": "10.0.0.2/24",
		"port": 2377,
		"workers": 4
	},
	"discovery": {
		"enabled": true,
		"waitTime": 3,
		"cache": "sqlite3+${TMP}/peers.cache",
		"peers": [ "10.0.0.1:${PORT}" ]
	},
	"rpc": {
		"endpoint": "127.0.0.1:8050"
	},
	"logging": {
		"level": 2
	}
}`

func TestParseConfig(t *testing.T) {
	fn := filepath.Join(t.TempDir(), "sbn-config.json")
	if err := os.WriteFile(fn, []byte(testConfig), 0600); err != nil {
		t.Fatal(err)
	}
	if err := ParseConfig(fn); err != nil {
		t.Fatal(err)
	}
	if Cfg.Node.Name != "n1" || Cfg.Node.Port != 2377 || Cfg.Node.Workers != 4 {
		t.Fatalf("node config: %+v", Cfg.Node)
	}
	// ${VAR} substitutions apply to all string settings
	if Cfg.Discovery.Cache != "sqlite3+/tmp/peers.cache" {
		t.Fatalf("substitution failed: %s", Cfg.Discovery.Cache)
	}
	if len(Cfg.Discovery.Peers) != 1 || Cfg.Discovery.Peers[0] != "10.0.0.1:2377" {
		t.Fatalf("peer substitution failed: %v", Cfg.Discovery.Peers)
	}
	if Cfg.RPC.Endpoint != "127.0.0.1:8050" {
		t.Fatalf("rpc config: %+v", Cfg.RPC)
	}
}

func TestParseInterface(t *testing.T) {
	nc := &NodeConfig{Interface: "10.0.0.2/24"}
	addr, mask, err := nc.ParseInterface()
	if err != nil {
		t.Fatal(err)
	}
	if addr != 0x0a000002 || mask != 0xffffff00 {
		t.Fatalf("interface %08x/%08x", addr, mask)
	}
	nc.Interface = "not-a-cidr"
	if _, _, err = nc.ParseInterface(); err == nil {
		t.Fatal("invalid interface accepted")
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	os.Setenv("WAIT_TIME", "11")
	os.Setenv("NUM_PEERS", "4")
	os.Setenv("START_ID", "5000")
	defer func() {
		os.Unsetenv("WAIT_TIME")
		os.Unsetenv("NUM_PEERS")
		os.Unsetenv("START_ID")
	}()
	cfg := Default()
	cfg.FromEnvironment()
	if cfg.Discovery.WaitTime != 11 {
		t.Fatalf("WAIT_TIME override: %d", cfg.Discovery.WaitTime)
	}
	if cfg.Discovery.NumPeers != 4 {
		t.Fatalf("NUM_PEERS override: %d", cfg.Discovery.NumPeers)
	}
	if StartID() != 5000 {
		t.Fatalf("START_ID override: %d", StartID())
	}
}
