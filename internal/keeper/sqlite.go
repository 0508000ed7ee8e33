package keeper

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteRecorder persists keeper runs to a SQLite database.
type SQLiteRecorder struct {
	db *sql.DB
	mu sync.Mutex
}

// NewSQLiteRecorder opens (or creates) the database and its table.
func NewSQLiteRecorder(dbPath string) (*SQLiteRecorder, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	r := &SQLiteRecorder{db: db}
	if err := r.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return r, nil
}

func (r *SQLiteRecorder) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS keeper_reports (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp    INTEGER NOT NULL,
			mode         TEXT,
			profit       TEXT,
			loss         TEXT,
			unrecovered  TEXT,
			total_assets TEXT,
			insolvent    INTEGER NOT NULL DEFAULT 0,
			error        TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_keeper_reports_ts ON keeper_reports(timestamp)`,
	}
	for _, s := range stmts {
		if _, err := r.db.Exec(s); err != nil {
			return fmt.Errorf("exec %q: %w", s[:40], err)
		}
	}
	return nil
}

func (r *SQLiteRecorder) RecordReport(rec *ReportRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.Exec(`INSERT INTO keeper_reports
		(timestamp, mode, profit, loss, unrecovered, total_assets, insolvent, error)
		VALUES (?,?,?,?,?,?,?,?)`,
		rec.Timestamp.UnixMilli(), rec.Mode, rec.Profit, rec.Loss,
		rec.Unrecovered, rec.TotalAssets, rec.Insolvent, rec.Error,
	)
	return err
}

// Recent returns the latest limit runs, newest first.
func (r *SQLiteRecorder) Recent(limit int) ([]ReportRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rows, err := r.db.Query(`SELECT timestamp, mode, profit, loss, unrecovered, total_assets, insolvent, error
		FROM keeper_reports ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ReportRecord
	for rows.Next() {
		var (
			rec ReportRecord
			ts  int64
		)
		if err := rows.Scan(&ts, &rec.Mode, &rec.Profit, &rec.Loss,
			&rec.Unrecovered, &rec.TotalAssets, &rec.Insolvent, &rec.Error); err != nil {
			return nil, err
		}
		rec.Timestamp = time.UnixMilli(ts).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *SQLiteRecorder) Close() error {
	return r.db.Close()
}
