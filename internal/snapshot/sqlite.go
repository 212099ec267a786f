package snapshot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS snapshots (
	id         TEXT PRIMARY KEY,
	task_id    TEXT NOT NULL,
	version    INTEGER NOT NULL,
	data       TEXT NOT NULL,
	checkpoint INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL,
	UNIQUE (task_id, version)
);
CREATE INDEX IF NOT EXISTS idx_snapshots_task ON snapshots (task_id, version);
`

// SQLiteStore is the durable Store backed by a local SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens (and migrates) a SQLite-backed store at path.
func NewSQLite(path string) (*SQLiteStore, error) {
	if path == "" {
		path = "asap.db"
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite only supports one writer

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate snapshot schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Save(ctx context.Context, snap *Snapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save: %w", err)
	}
	defer tx.Rollback()

	var highest int
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM snapshots WHERE task_id = ?`, snap.TaskID,
	).Scan(&highest)
	if err != nil {
		return fmt.Errorf("query highest version: %w", err)
	}
	switch {
	case snap.Version == 0:
		snap.Version = highest + 1
	case snap.Version != highest+1:
		return ErrVersionConflict
	}
	if snap.ID == "" {
		snap.ID = uuid.NewString()
	}
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO snapshots (id, task_id, version, data, checkpoint, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		snap.ID, snap.TaskID, snap.Version, string(snap.Data), snap.Checkpoint, snap.CreatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrVersionConflict
		}
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) Get(ctx context.Context, taskID string, version int) (*Snapshot, error) {
	query := `SELECT id, task_id, version, data, checkpoint, created_at FROM snapshots WHERE task_id = ?`
	args := []any{taskID}
	if version == Latest {
		query += ` ORDER BY version DESC LIMIT 1`
	} else {
		query += ` AND version = ?`
		args = append(args, version)
	}

	var snap Snapshot
	var data string
	err := s.db.QueryRowContext(ctx, query, args...).
		Scan(&snap.ID, &snap.TaskID, &snap.Version, &data, &snap.Checkpoint, &snap.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query snapshot: %w", err)
	}
	snap.Data = []byte(data)
	return &snap, nil
}

func (s *SQLiteStore) ListVersions(ctx context.Context, taskID string) ([]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT version FROM snapshots WHERE task_id = ? ORDER BY version ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	var out []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Delete(ctx context.Context, taskID string, version int) error {
	query := `DELETE FROM snapshots WHERE task_id = ?`
	args := []any{taskID}
	if version != Latest {
		query += ` AND version = ?`
		args = append(args, version)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) Prune(ctx context.Context, taskID string, keep int) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM snapshots
		WHERE task_id = ? AND checkpoint = 0 AND version NOT IN (
			SELECT version FROM snapshots WHERE task_id = ? ORDER BY version DESC LIMIT ?
		)`, taskID, taskID, keep)
	if err != nil {
		return 0, fmt.Errorf("prune snapshots: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune snapshots: %w", err)
	}
	return int(n), nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }
