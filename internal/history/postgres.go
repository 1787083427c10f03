package history

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/puddle/v2"

	"vodpipeline/internal/jobs"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS job_transitions (
    id BIGSERIAL PRIMARY KEY,
    job_id TEXT NOT NULL,
    video_id TEXT NOT NULL,
    status TEXT NOT NULL,
    attempt INTEGER NOT NULL,
    error TEXT NOT NULL DEFAULT '',
    url TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_job_transitions_job ON job_transitions (job_id, id);
`

// PostgresConfig describes the connection pool for the Postgres backend.
type PostgresConfig struct {
	DSN             string
	MaxConnections  int32
	MinConnections  int32
	MaxConnIdleTime time.Duration
	ConnectTimeout  time.Duration
	ApplicationName string
}

// PostgresStore records transitions in a shared database so every worker
// host writes to one history.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore opens the pool and ensures the schema exists.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections > 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply history schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Append(ctx context.Context, entry Entry) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO job_transitions (job_id, video_id, status, attempt, error, url, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
`, entry.JobID, entry.VideoID, string(entry.Status), entry.Attempt, entry.Error, entry.URL, entry.At.UTC())
	if err != nil {
		return postgresErr("insert transition", err)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, jobID string) ([]Entry, error) {
	rows, err := s.pool.Query(ctx, `
SELECT job_id, video_id, status, attempt, error, url, created_at
FROM job_transitions
WHERE job_id = $1
ORDER BY id
`, jobID)
	if err != nil {
		return nil, postgresErr("query transitions", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			entry  Entry
			status string
		)
		if err := rows.Scan(&entry.JobID, &entry.VideoID, &status, &entry.Attempt, &entry.Error, &entry.URL, &entry.At); err != nil {
			return nil, postgresErr("scan transition", err)
		}
		entry.Status = jobs.Status(status)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, postgresErr("read transitions", err)
	}
	return entries, nil
}

func (s *PostgresStore) Close(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		s.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func postgresErr(op string, err error) error {
	if isClosedPool(err) {
		return fmt.Errorf("%s: %w", op, ErrClosed)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isClosedPool(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, puddle.ErrClosedPool)
}
