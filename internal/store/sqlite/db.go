// Package sqlite implements the store contracts on SQLite for standalone
// (single-node) deployments. Same semantics as store/pg; the unique indexes
// carry the dedupe and binding-race guarantees here too.
package sqlite

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // cgo-free database/sql driver
)

// OpenDB opens (and creates if missing) the SQLite database at path.
func OpenDB(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_time_format=sqlite&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY
	// churn under concurrent outbox and router writes.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return db, nil
}
