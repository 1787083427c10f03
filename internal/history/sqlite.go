package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"vodpipeline/internal/jobs"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS job_transitions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id TEXT NOT NULL,
    video_id TEXT NOT NULL,
    status TEXT NOT NULL,
    attempt INTEGER NOT NULL,
    error TEXT NOT NULL DEFAULT '',
    url TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_job_transitions_job ON job_transitions(job_id, id);
`

// SQLiteStore is the embedded backend for single-node deployments.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// OpenSQLite opens or creates the database at path and applies the schema.
func OpenSQLite(path string) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("sqlite path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply history schema: %w", err)
	}
	return &SQLiteStore{db: db, path: path}, nil
}

// Path returns the database file location.
func (s *SQLiteStore) Path() string { return s.path }

func (s *SQLiteStore) Append(ctx context.Context, entry Entry) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO job_transitions (job_id, video_id, status, attempt, error, url, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.JobID,
		entry.VideoID,
		string(entry.Status),
		entry.Attempt,
		entry.Error,
		entry.URL,
		entry.At.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert transition: %w", err)
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context, jobID string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT job_id, video_id, status, attempt, error, url, created_at
FROM job_transitions
WHERE job_id = ?
ORDER BY id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			entry     Entry
			status    string
			createdAt string
		)
		if err := rows.Scan(&entry.JobID, &entry.VideoID, &status, &entry.Attempt, &entry.Error, &entry.URL, &createdAt); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		entry.Status = jobs.Status(status)
		if ts, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			entry.At = ts
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s *SQLiteStore) Close(ctx context.Context) error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
