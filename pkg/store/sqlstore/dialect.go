package sqlstore

import (
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"
)

// Dialect holds the SQL that differs between database/sql backends.
type Dialect struct {
	// Name is the registry driver name
	Name string
	// DriverName is the database/sql driver to open
	DriverName string
	// MaxOpenConns bounds the pool; 1 keeps a :memory: SQLite database alive
	MaxOpenConns int

	createTable string
	insert      string
	upsert      string
	isDuplicate func(error) bool
}

// SQLite is the dialect for modernc.org/sqlite.
var SQLite = Dialect{
	Name:         "sqlite",
	DriverName:   "sqlite",
	MaxOpenConns: 1,
	createTable: `CREATE TABLE IF NOT EXISTS %s (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		record_key TEXT NOT NULL UNIQUE,
		payload TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		source_updated_at INTEGER NOT NULL DEFAULT 0
	)`,
	insert: `INSERT INTO %s (record_key, payload, created_at, updated_at, source_updated_at)
		VALUES (?, ?, ?, ?, ?) ON CONFLICT(record_key) DO NOTHING`,
	upsert: `INSERT INTO %s (record_key, payload, created_at, updated_at, source_updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(record_key) DO UPDATE SET
			payload = excluded.payload,
			updated_at = excluded.updated_at,
			source_updated_at = excluded.source_updated_at`,
	isDuplicate: func(error) bool { return false },
}

// MySQL is the dialect for github.com/go-sql-driver/mysql.
var MySQL = Dialect{
	Name:         "mysql",
	DriverName:   "mysql",
	MaxOpenConns: 10,
	createTable: `CREATE TABLE IF NOT EXISTS %s (
		id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
		record_key VARCHAR(255) NOT NULL UNIQUE,
		payload JSON NOT NULL,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL,
		source_updated_at BIGINT NOT NULL DEFAULT 0
	)`,
	insert: `INSERT INTO %s (record_key, payload, created_at, updated_at, source_updated_at)
		VALUES (?, ?, ?, ?, ?)`,
	upsert: `INSERT INTO %s (record_key, payload, created_at, updated_at, source_updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			payload = VALUES(payload),
			updated_at = VALUES(updated_at),
			source_updated_at = VALUES(source_updated_at)`,
	isDuplicate: func(err error) bool {
		var myErr *mysql.MySQLError
		return errors.As(err, &myErr) && myErr.Number == 1062
	},
}

func (d Dialect) sql(stmt, table string) string {
	return fmt.Sprintf(stmt, table)
}
