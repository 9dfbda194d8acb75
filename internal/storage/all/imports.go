// Package all wires every built-in storage backend into the storage factory.
//
// The package exists purely for side effects: a blank import runs the init
// functions of each concrete backend, which register their factories with
// the storage package. Binaries that only need a subset can blank-import the
// individual backend packages instead.
package all

import (
	_ "ingest/internal/storage/mssql"
	_ "ingest/internal/storage/mysql"
	_ "ingest/internal/storage/postgres"
	_ "ingest/internal/storage/sqlite"
)
