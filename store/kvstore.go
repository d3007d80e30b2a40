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

package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	redis "github.com/go-redis/redis/v8"
)

// Error messages related to the key/value-store implementations
var (
	ErrKVSInvalidSpec  = fmt.Errorf("invalid KVStore specification")
	ErrKVSNotAvailable = fmt.Errorf("KVStore not available")
)

// KeyValueStore interface for implementations that store and retrieve
// key/value pairs. Keys and values are strings.
type KeyValueStore interface {
	Put(key string, value string) error // put a key/value pair into store
	Get(key string) (string, error)     // retrieve a value for a key from store
	List() ([]string, error)            // get all keys from the store
}

// OpenKVStore opens a key/value store for further put/get operations.
// The 'spec' option specifies the arguments required to connect to a
// specific persistence mechanism, separated by the '+' character. The
// first argument selects the store type:
// * 'redis':   Redis server; the specification is
//              "redis+addr+[passwd]+db" ('db' is an integer).
// * 'mysql':   MySQL-compatible database (see 'database.go').
// * 'sqlite3': SQLite3 database file (see 'database.go').
func OpenKVStore(spec string) (KeyValueStore, error) {
	// check specification string
	specs := strings.Split(spec, "+")
	if len(specs) < 2 {
		return nil, ErrKVSInvalidSpec
	}
	switch specs[0] {
	case "redis":
		//--------------------------------------------------------------
		// NoSQL-based persistence
		//--------------------------------------------------------------
		if len(specs) < 4 {
			return nil, ErrKVSInvalidSpec
		}
		db, err := strconv.Atoi(specs[3])
		if err != nil {
			return nil, ErrKVSInvalidSpec
		}
		kvs := new(KvsRedis)
		kvs.db = db
		kvs.client = redis.NewClient(&redis.Options{
			Addr:     specs[1],
			Password: specs[2],
			DB:       db,
		})
		if kvs.client == nil {
			err = ErrKVSNotAvailable
		}
		return kvs, err

	case "sqlite3", "mysql":
		//--------------------------------------------------------------
		// SQL-based persistence
		//--------------------------------------------------------------
		kvs := new(KvsSQL)
		var err error

		// connect to SQL database
		kvs.db, err = ConnectSQLDatabase(spec)
		if err != nil {
			return nil, err
		}
		// make sure the store table exists
		if _, err = kvs.db.Exec(
			"create table if not exists store(key text primary key, value text)"); err != nil {
			return nil, err
		}
		return kvs, nil
	}
	return nil, ErrKVSInvalidSpec
}

//======================================================================
// NoSQL-based key-value-stores
//======================================================================

// KvsRedis represents a redis-based key/value store
type KvsRedis struct {
	client *redis.Client // client connection
	db     int           // index to database
}

// Put a key/value pair into the store
func (kvs *KvsRedis) Put(key string, value string) error {
	return kvs.client.Set(context.TODO(), key, value, 0).Err()
}

// Get a value for a given key from store
func (kvs *KvsRedis) Get(key string) (value string, err error) {
	return kvs.client.Get(context.TODO(), key).Result()
}

// List all keys in store
func (kvs *KvsRedis) List() (keys []string, err error) {
	var (
		crs  uint64
		segm []string
		ctx  = context.TODO()
	)
	for {
		segm, crs, err = kvs.client.Scan(ctx, crs, "*", 10).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, segm...)
		if crs == 0 {
			break
		}
	}
	return
}

//======================================================================
// SQL-based key-value-store
//======================================================================

// KvsSQL represents a SQL-based key/value store
type KvsSQL struct {
	db *sql.DB
}

// Put a key/value pair into the store (insert or update)
func (kvs *KvsSQL) Put(key string, value string) error {
	res, err := kvs.db.Exec("update store set value=? where key=?", value, key)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		_, err = kvs.db.Exec("insert into store(key,value) values(?,?)", key, value)
	}
	return err
}

// Get a value for a given key from store
func (kvs *KvsSQL) Get(key string) (value string, err error) {
	row := kvs.db.QueryRow("select value from store where key=?", key)
	err = row.Scan(&value)
	return
}

// List all keys in store
func (kvs *KvsSQL) List() (keys []string, err error) {
	var (
		rows *sql.Rows
		key  string
	)
	rows, err = kvs.db.Query("select key from store")
	if err == nil {
		for rows.Next() {
			if err = rows.Scan(&key); err != nil {
				break
			}
			keys = append(keys, key)
		}
	}
	return
}
