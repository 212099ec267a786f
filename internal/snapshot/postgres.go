package snapshot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS snapshots (
	id         TEXT PRIMARY KEY,
	task_id    TEXT NOT NULL,
	version    INTEGER NOT NULL,
	data       JSONB NOT NULL,
	checkpoint BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL,
	UNIQUE (task_id, version)
);
CREATE INDEX IF NOT EXISTS idx_snapshots_task ON snapshots (task_id, version);
`

// PostgresStore is the durable Store backed by PostgreSQL, for deployments
// where several agent processes share one snapshot database.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres opens (and migrates) a PostgreSQL-backed store.
func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach postgres: %w", err)
	}
	if _, err := db.Exec(postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate snapshot schema: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Save(ctx context.Context, snap *Snapshot) error {
	explicit := snap.Version != 0
	if snap.ID == "" {
		snap.ID = uuid.NewString()
	}
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now().UTC()
	}

	// Version allocation is optimistic: the UNIQUE (task_id, version)
	// constraint arbitrates concurrent saves, and auto-allocated versions
	// retry on collision so no update is lost.
	for attempt := 0; attempt < 5; attempt++ {
		var highest int
		err := s.db.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(version), 0) FROM snapshots WHERE task_id = $1`, snap.TaskID,
		).Scan(&highest)
		if err != nil {
			return fmt.Errorf("query highest version: %w", err)
		}
		if explicit {
			if snap.Version != highest+1 {
				return ErrVersionConflict
			}
		} else {
			snap.Version = highest + 1
		}

		_, err = s.db.ExecContext(ctx,
			`INSERT INTO snapshots (id, task_id, version, data, checkpoint, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
			snap.ID, snap.TaskID, snap.Version, string(snap.Data), snap.Checkpoint, snap.CreatedAt,
		)
		if err == nil {
			return nil
		}
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			if explicit {
				return ErrVersionConflict
			}
			continue
		}
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return ErrVersionConflict
}

func (s *PostgresStore) Get(ctx context.Context, taskID string, version int) (*Snapshot, error) {
	query := `SELECT id, task_id, version, data, checkpoint, created_at FROM snapshots WHERE task_id = $1`
	args := []any{taskID}
	if version == Latest {
		query += ` ORDER BY version DESC LIMIT 1`
	} else {
		query += ` AND version = $2`
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

func (s *PostgresStore) ListVersions(ctx context.Context, taskID string) ([]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT version FROM snapshots WHERE task_id = $1 ORDER BY version ASC`, taskID)
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

func (s *PostgresStore) Delete(ctx context.Context, taskID string, version int) error {
	query := `DELETE FROM snapshots WHERE task_id = $1`
	args := []any{taskID}
	if version != Latest {
		query += ` AND version = $2`
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

func (s *PostgresStore) Prune(ctx context.Context, taskID string, keep int) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM snapshots
		WHERE task_id = $1 AND checkpoint = FALSE AND version NOT IN (
			SELECT version FROM snapshots WHERE task_id = $1 ORDER BY version DESC LIMIT $2
		)`, taskID, keep)
	if err != nil {
		return 0, fmt.Errorf("prune snapshots: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune snapshots: %w", err)
	}
	return int(n), nil
}

func (s *PostgresStore) Close() error { return s.db.Close() }
