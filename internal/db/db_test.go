package db

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/noise.report/internal/history"
)

func openTestDB(t *testing.T, opts Options) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "noise.db"), opts)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestPragmasApplied(t *testing.T) {
	db := openTestDB(t, Options{})

	var journalMode string
	require.NoError(t, db.QueryRow("PRAGMA journal_mode").Scan(&journalMode))
	assert.Equal(t, "wal", journalMode)

	var busyTimeout int
	require.NoError(t, db.QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout))
	assert.Equal(t, 5000, busyTimeout)

	var tempStore int
	require.NoError(t, db.QueryRow("PRAGMA temp_store").Scan(&tempStore))
	assert.Equal(t, 2, tempStore)
}

func TestLoadSaveDelete(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, Options{})

	_, err := db.Load(ctx, "missing")
	assert.ErrorIs(t, err, history.ErrNotFound)

	require.NoError(t, db.Save(ctx, "k", []byte(`[1]`)))
	require.NoError(t, db.Save(ctx, "k", []byte(`[1,2]`)))
	got, err := db.Load(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, `[1,2]`, string(got))

	require.NoError(t, db.Delete(ctx, "k"))
	require.NoError(t, db.Delete(ctx, "k"))
	_, err = db.Load(ctx, "k")
	assert.ErrorIs(t, err, history.ErrNotFound)
}

func TestQuotaUnlimited(t *testing.T) {
	db := openTestDB(t, Options{})
	q, err := db.Quota(context.Background())
	require.NoError(t, err)
	assert.Zero(t, q)
}

func TestQuotaExceeded(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, Options{MaxBytes: 64 * 1024})

	q, err := db.Quota(ctx)
	require.NoError(t, err)
	pageSize, err := db.PageSize()
	require.NoError(t, err)
	assert.Equal(t, int64(0), q%pageSize)
	assert.LessOrEqual(t, q, int64(64*1024))

	small := bytes.Repeat([]byte("a"), 1024)
	require.NoError(t, db.Save(ctx, history.StorageKey, small))

	err = db.Save(ctx, history.StorageKey, bytes.Repeat([]byte("b"), 256*1024))
	require.ErrorIs(t, err, ErrQuotaExceeded)

	got, err := db.Load(ctx, history.StorageKey)
	require.NoError(t, err)
	assert.Equal(t, small, got, "failed write keeps the previous value")
}

func TestMigrationsApplied(t *testing.T) {
	db := openTestDB(t, Options{})
	version, dirty, err := db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
	assert.False(t, dirty)

	// re-running is a no-op
	require.NoError(t, db.MigrateUp())
}

func TestMigrateDownAndUp(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, Options{})

	require.NoError(t, db.MigrateDown())
	version, _, err := db.MigrateVersion()
	require.NoError(t, err)
	assert.Zero(t, version)
	assert.Error(t, db.Save(ctx, "k", []byte("v")), "table is gone")

	require.NoError(t, db.MigrateUp())
	require.NoError(t, db.Save(ctx, "k", []byte("v")))
}

func TestSkipMigrations(t *testing.T) {
	db := openTestDB(t, Options{SkipMigrations: true})
	version, dirty, err := db.MigrateVersion()
	require.NoError(t, err)
	assert.Zero(t, version)
	assert.False(t, dirty)
}
