package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/noise.report/internal/history"
)

// Load returns the value stored under key, or history.ErrNotFound.
func (db *DB) Load(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := db.QueryRowContext(ctx, `SELECT value FROM kv_store WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, history.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load %q: %w", key, err)
	}
	return value, nil
}

// Save stores value under key, replacing any previous value. A write that
// would exceed the size limit fails with ErrQuotaExceeded and leaves the
// previous value in place.
func (db *DB) Save(ctx context.Context, key string, value []byte) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO kv_store (key, value, updated_unix) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_unix = excluded.updated_unix`,
		key, value, time.Now().Unix(),
	)
	if err != nil {
		if isFull(err) {
			return fmt.Errorf("failed to save %q (%d bytes): %w", key, len(value), ErrQuotaExceeded)
		}
		return fmt.Errorf("failed to save %q: %w", key, err)
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (db *DB) Delete(ctx context.Context, key string) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM kv_store WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete %q: %w", key, err)
	}
	return nil
}

// Quota returns the configured size limit in bytes, or 0 when the
// database is unlimited.
func (db *DB) Quota(ctx context.Context) (int64, error) {
	if db.maxPages <= 0 {
		return 0, nil
	}
	pageSize, err := db.PageSize()
	if err != nil {
		return 0, err
	}
	return pageSize * db.maxPages, nil
}

var (
	_ history.Backend        = (*DB)(nil)
	_ history.QuotaEstimator = (*DB)(nil)
)
