package database

import (
	"database/sql"

	_ "modernc.org/sqlite" // SQLite driver
)

// New creates a new database connection pool.
func New(dataSourceName string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dataSourceName+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, err
	}
	if err = db.Ping(); err != nil {
		return nil, err
	}
	// One writer at a time: several pipeline components share this file and
	// sqlite serializes writers anyway.
	db.SetMaxOpenConns(1)
	return db, nil
}

// Migrate runs the SQL statements to set up the database schema.
func Migrate(db *sql.DB) error {
	const sqlStmt = `
	CREATE TABLE IF NOT EXISTS events (
		id TEXT NOT NULL PRIMARY KEY,
		timestamp DATETIME NOT NULL,
		component TEXT NOT NULL,
		level TEXT NOT NULL,
		event TEXT NOT NULL,
		message TEXT,
		recovery_level INTEGER NOT NULL DEFAULT 0,
		details_json TEXT,
		decision TEXT NOT NULL DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events (timestamp);
	CREATE INDEX IF NOT EXISTS idx_events_level ON events (level);
	`
	_, err := db.Exec(sqlStmt)
	return err
}
