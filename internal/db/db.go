// Package db is the sqlite storage behind the slice history: a single
// key/value table with an optional hard size limit.
package db

import (
	"database/sql"
	"errors"
	"fmt"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/banshee-data/noise.report/internal/monitoring"
)

var logf = monitoring.Component("db")

// ErrQuotaExceeded is returned when a write would grow the database past
// its configured size limit.
var ErrQuotaExceeded = errors.New("db: storage quota exceeded")

// Options configures Open.
type Options struct {
	// MaxBytes caps the database file size. Zero means unlimited.
	MaxBytes int64

	// SkipMigrations opens the database without applying migrations.
	SkipMigrations bool
}

// DB wraps the sqlite connection.
type DB struct {
	*sql.DB
	path     string
	maxPages int64
}

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA temp_store=MEMORY",
}

// Open opens or creates the database at path, applies pragmas and runs
// pending migrations.
func Open(path string, opts Options) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// max_page_count is a per-connection setting
	sqlDB.SetMaxOpenConns(1)

	for _, pragma := range pragmas {
		if _, err := sqlDB.Exec(pragma); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	db := &DB{DB: sqlDB, path: path}
	if !opts.SkipMigrations {
		if err := db.MigrateUp(); err != nil {
			sqlDB.Close()
			return nil, err
		}
	}
	if opts.MaxBytes > 0 {
		if err := db.SetMaxBytes(opts.MaxBytes); err != nil {
			sqlDB.Close()
			return nil, err
		}
	}
	return db, nil
}

// Path returns the file the database was opened from.
func (db *DB) Path() string {
	return db.path
}

// PageSize returns the sqlite page size in bytes.
func (db *DB) PageSize() (int64, error) {
	var size int64
	if err := db.QueryRow("PRAGMA page_size").Scan(&size); err != nil {
		return 0, err
	}
	return size, nil
}

// SetMaxBytes limits the database to maxBytes, rounded down to whole pages.
// sqlite never shrinks the limit below the current page count.
func (db *DB) SetMaxBytes(maxBytes int64) error {
	pageSize, err := db.PageSize()
	if err != nil {
		return err
	}
	pages := max(maxBytes/pageSize, 1)
	var applied int64
	if err := db.QueryRow(fmt.Sprintf("PRAGMA max_page_count = %d", pages)).Scan(&applied); err != nil {
		return fmt.Errorf("failed to set max_page_count: %w", err)
	}
	if applied != pages {
		logf("max_page_count raised to %d pages (requested %d)", applied, pages)
	}
	db.maxPages = applied
	return nil
}

// isFull reports whether err is sqlite's "database or disk is full".
func isFull(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code()&0xff == sqlite3.SQLITE_FULL
	}
	return false
}
