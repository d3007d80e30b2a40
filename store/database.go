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
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
)

// Error messages related to databases
var (
	ErrSQLInvalidDatabaseSpec = fmt.Errorf("invalid database specification")
)

// ConnectSQLDatabase connects to an SQL database (various types and
// flavors). The 'spec' option defines the arguments required to
// connect; the first (mandatory) argument selects the SQL database
// type, the following arguments depend on it:
// * 'sqlite3': the second argument is the file holding the data
//              (e.g. "sqlite3+/tmp/peers.db"). The file is created
//              on first use.
// * 'mysql':   the second argument is the DSN for the login (e.g.
//              "[user[:passwd]@][proto[(addr)]]/dbname[?params]").
func ConnectSQLDatabase(spec string) (db *sql.DB, err error) {
	specs := strings.Split(spec, "+")
	if len(specs) < 2 {
		return nil, ErrSQLInvalidDatabaseSpec
	}
	switch specs[0] {
	case "sqlite3":
		return sql.Open("sqlite3", specs[1])
	case "mysql":
		return sql.Open("mysql", specs[1])
	}
	return nil, ErrSQLInvalidDatabaseSpec
}
