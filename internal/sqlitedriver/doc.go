// Package sqlitedriver registers a database/sql driver named "sqlite3"
// backed by the pure-Go modernc.org/sqlite engine. It has no CGO
// dependency, which keeps the workspace metadata read-index
// (internal/index) buildable on any host that can build the rest of
// this module.
//
// Import this package for its side effects only:
//
//	import _ "github.com/muxrun/mux/internal/sqlitedriver"
package sqlitedriver
