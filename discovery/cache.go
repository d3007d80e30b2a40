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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"sbn/store"

	"github.com/bfix/gospel/logger"
)

// Cache is the optional diagnostic peer cache: the serialised
// hierarchy of a node, kept in a key/value store between runs.
// Its absence is never an error.
type Cache struct {
	kvs store.KeyValueStore
}

// OpenCache opens the peer cache described by a KVStore spec (see
// store.OpenKVStore). An empty spec selects the default SQLite3 file
// in the tmp directory, named after the endpoint. Open failures
// disable the cache silently.
func OpenCache(spec, endpoint string) *Cache {
	if len(spec) == 0 {
		name := strings.ReplaceAll(endpoint, "/", "_")
		spec = "sqlite3+" + filepath.Join(os.TempDir(), fmt.Sprintf("%s.cache", name))
	}
	kvs, err := store.OpenKVStore(spec)
	if err != nil {
		logger.Printf(logger.DBG, "[dscvr] no peer cache (%s)", err.Error())
		return nil
	}
	return &Cache{kvs: kvs}
}

// Save writes the hierarchy snapshot of a node.
func (c *Cache) Save(h *Hierarchy) {
	if c == nil {
		return
	}
	buf, err := json.Marshal(h.Snapshot())
	if err != nil {
		return
	}
	if err = c.kvs.Put(h.Addr().String(), string(buf)); err != nil {
		logger.Printf(logger.WARN, "[dscvr] cache save failed: %s", err.Error())
	}
}

// Load reads the last known hierarchy snapshot for an endpoint.
func (c *Cache) Load(endpoint string) *Info {
	if c == nil {
		return nil
	}
	val, err := c.kvs.Get(endpoint)
	if err != nil {
		return nil
	}
	info := new(Info)
	if json.Unmarshal([]byte(val), info) != nil {
		return nil
	}
	return info
}
