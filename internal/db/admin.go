package db

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/tailscale/tailsql/server/tailsql"
	"tailscale.com/tsweb"
)

// AttachAdminRoutes mounts the SQL console and the backup download under
// /debug/ on mux.
func (db *DB) AttachAdminRoutes(mux *http.ServeMux) error {
	debug := tsweb.Debugger(mux)

	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		return fmt.Errorf("failed to create tailsql server: %w", err)
	}
	tsql.SetDB("sqlite://"+filepath.Base(db.path), db.DB, &tailsql.DBOptions{
		Label: "Noise history DB",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())
	debug.Handle("db-stats", "Database size, quota and stored keys", http.HandlerFunc(db.handleStats))
	debug.Handle("backup", "Create and download a backup of the database now", http.HandlerFunc(db.handleBackup))
	return nil
}

func (db *DB) handleBackup(w http.ResponseWriter, r *http.Request) {
	backupPath := filepath.Join(os.TempDir(), fmt.Sprintf("noise-backup-%d.db", time.Now().UnixNano()))
	if _, err := db.ExecContext(r.Context(), "VACUUM INTO ?", backupPath); err != nil {
		http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
		return
	}
	defer func() {
		if err := os.Remove(backupPath); err != nil {
			logf("failed to remove backup file: %v", err)
		}
	}()

	backupFile, err := os.Open(backupPath)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
		return
	}
	defer backupFile.Close()

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.gz", filepath.Base(backupPath)))
	w.Header().Set("Content-Type", "application/gzip")

	gz := gzip.NewWriter(w)
	defer gz.Close()
	if _, err := io.Copy(gz, backupFile); err != nil {
		logf("failed to stream backup: %v", err)
	}
}

// Stats describes the database size and contents.
type Stats struct {
	PageSize     int64     `json:"page_size"`
	PageCount    int64     `json:"page_count"`
	MaxPageCount int64     `json:"max_page_count"`
	QuotaBytes   int64     `json:"quota_bytes"`
	Keys         []KeyStat `json:"keys"`
}

// KeyStat is the stored size of one key.
type KeyStat struct {
	Key         string `json:"key"`
	Bytes       int64  `json:"bytes"`
	UpdatedUnix int64  `json:"updated_unix"`
}

// Stats reports page usage and the size of every stored key.
func (db *DB) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	var err error
	if st.PageSize, err = db.PageSize(); err != nil {
		return st, err
	}
	if err := db.QueryRowContext(ctx, "PRAGMA page_count").Scan(&st.PageCount); err != nil {
		return st, err
	}
	if err := db.QueryRowContext(ctx, "PRAGMA max_page_count").Scan(&st.MaxPageCount); err != nil {
		return st, err
	}
	if st.QuotaBytes, err = db.Quota(ctx); err != nil {
		return st, err
	}

	rows, err := db.QueryContext(ctx, `SELECT key, length(value), updated_unix FROM kv_store ORDER BY key`)
	if err != nil {
		return st, err
	}
	defer rows.Close()
	for rows.Next() {
		var k KeyStat
		if err := rows.Scan(&k.Key, &k.Bytes, &k.UpdatedUnix); err != nil {
			return st, err
		}
		st.Keys = append(st.Keys, k)
	}
	return st, rows.Err()
}

func (db *DB) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := db.Stats(r.Context())
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to read stats: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(st); err != nil {
		logf("failed to encode stats: %v", err)
	}
}
