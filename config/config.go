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
	"encoding/json"
	"errors"
	"net"
	"os"
	"reflect"
	"regexp"
	"strconv"
	"strings"
)

// Configuration error codes
var (
	ErrCfgInterface = errors.New("invalid interface specification")
)

// NodeConfig describes the local node.
type NodeConfig struct {
	Name         string `json:"name"`         // node name for log messages
	Interface    string `json:"interface"`    // CIDR address, e.g. "10.0.0.2/24"
	Port         uint16 `json:"port"`         // server port
	Workers      int    `json:"workers"`      // CPU pipeline size (0: all cores)
	UseLocalhost bool   `json:"useLocalhost"` // run kernels locally when no upstream
}

// DiscoveryConfig describes the peer discovery engine.
type DiscoveryConfig struct {
	Enabled  bool     `json:"enabled"`  // run hierarchical discovery
	WaitTime int      `json:"waitTime"` // seconds between candidate walks
	Cache    string   `json:"cache"`    // peer cache KVStore spec (empty: default)
	Resolver string   `json:"resolver"` // DNS resolver for peer names (empty: system)
	Peers    []string `json:"peers"`    // static peer endpoints (names allowed)
	NumPeers int      `json:"numPeers"` // expected peer count (synthetic tests)
}

// AppConfig describes a child application of the process pipeline.
type AppConfig struct {
	ID   uint64   `json:"id"`
	Path string   `json:"path"`
	Args []string `json:"args"`
}

// RPCConfig for the status endpoint.
type RPCConfig struct {
	Endpoint string `json:"endpoint"` // listen address (empty: disabled)
}

// LoggingConfig for the logger backend.
type LoggingConfig struct {
	Level int `json:"level"` // gospel logger level
}

// Environment settings
type Environ map[string]string

// Config is the aggregated node configuration.
type Config struct {
	Env       Environ          `json:"environ"`
	Node      *NodeConfig      `json:"node"`
	Discovery *DiscoveryConfig `json:"discovery"`
	Apps      []*AppConfig     `json:"apps"`
	RPC       *RPCConfig       `json:"rpc"`
	Logging   *LoggingConfig   `json:"logging"`
}

var (
	// Cfg is the global configuration
	Cfg *Config
)

// Default returns a configuration with sensible values for a single
// node on the loopback interface.
func Default() *Config {
	return &Config{
		Env: make(Environ),
		Node: &NodeConfig{
			Name:         "sbn",
			Interface:    "127.0.0.1/24",
			Port:         33333,
			UseLocalhost: true,
		},
		Discovery: &DiscoveryConfig{
			Enabled:  true,
			WaitTime: 5,
		},
		RPC:     &RPCConfig{},
		Logging: &LoggingConfig{},
	}
}

// ParseConfig reads a JSON-encoded configuration file and maps it to
// the Config data structure. Environment variables recognised by the
// runtime override file settings afterwards.
func ParseConfig(fileName string) (err error) {
	// parse configuration file
	file, err := os.ReadFile(fileName)
	if err != nil {
		return
	}
	// unmarshal to Config data structure
	cfg := Default()
	if err = json.Unmarshal(file, cfg); err != nil {
		return
	}
	// process all string-based config settings and apply
	// string substitutions.
	applySubstitutions(cfg, cfg.Env)
	cfg.FromEnvironment()
	Cfg = cfg
	return
}

// FromEnvironment applies the runtime environment variables:
// NUM_PEERS sets the expected peer count, WAIT_TIME overrides the
// hierarchy-convergence wait. (START_ID is read by StartID; APP_ID is
// consumed by the process pipeline directly.)
func (c *Config) FromEnvironment() {
	if v := os.Getenv("NUM_PEERS"); len(v) > 0 {
		if n, err := strconv.Atoi(v); err == nil {
			c.Discovery.NumPeers = n
		}
	}
	if v := os.Getenv("WAIT_TIME"); len(v) > 0 {
		if n, err := strconv.Atoi(v); err == nil {
			c.Discovery.WaitTime = n
		}
	}
}

// StartID reads the START_ID seed for the kernel-id counter (0 if
// unset or invalid).
func StartID() uint64 {
	v := os.Getenv("START_ID")
	if len(v) == 0 {
		return 0
	}
	id, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// ParseInterface splits the CIDR interface specification into address
// and netmask (host order).
func (nc *NodeConfig) ParseInterface() (addr, netmask uint32, err error) {
	ip, ipnet, err := net.ParseCIDR(nc.Interface)
	if err != nil {
		return 0, 0, ErrCfgInterface
	}
	ip4 := ip.To4()
	if ip4 == nil || len(ipnet.Mask) != 4 {
		return 0, 0, ErrCfgInterface
	}
	addr = uint32(ip4[0])<<24 | uint32(ip4[1])<<16 | uint32(ip4[2])<<8 | uint32(ip4[3])
	m := ipnet.Mask
	netmask = uint32(m[0])<<24 | uint32(m[1])<<16 | uint32(m[2])<<8 | uint32(m[3])
	return
}

//----------------------------------------------------------------------
// String substitution from the environment map
//----------------------------------------------------------------------

var (
	rx = regexp.MustCompile(`\$\{([^\}]*)\}`)
)

// substString is a helper function to substitute environment
// variables with actual values.
func substString(s string, env map[string]string) string {
	matches := rx.FindAllStringSubmatch(s, -1)
	for _, m := range matches {
		if len(m[1]) != 0 {
			subst, ok := env[m[1]]
			if !ok {
				continue
			}
			s = strings.Replace(s, "${"+m[1]+"}", subst, -1)
		}
	}
	return s
}

// applySubstitutions traverses the configuration data structure and
// applies string substitutions to all string values.
func applySubstitutions(x interface{}, env map[string]string) {
	var process func(v reflect.Value)
	process = func(v reflect.Value) {
		for i := 0; i < v.NumField(); i++ {
			fld := v.Field(i)
			if fld.CanSet() {
				switch fld.Kind() {
				case reflect.String:
					fld.SetString(substString(fld.String(), env))
				case reflect.Struct:
					process(fld)
				case reflect.Ptr:
					if !fld.IsNil() && fld.Elem().Kind() == reflect.Struct {
						process(fld.Elem())
					}
				case reflect.Slice:
					for j := 0; j < fld.Len(); j++ {
						e := fld.Index(j)
						switch e.Kind() {
						case reflect.String:
							e.SetString(substString(e.String(), env))
						case reflect.Ptr:
							if !e.IsNil() && e.Elem().Kind() == reflect.Struct {
								process(e.Elem())
							}
						}
					}
				}
			}
		}
	}
	process(reflect.ValueOf(x).Elem())
}
