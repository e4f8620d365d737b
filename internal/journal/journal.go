// Package journal records terminal job outcomes in SQLite so a restarted
// worker can refuse assignments it already finished, and serves the recent
// in-memory duplicate window for the hot path.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mattjoyce/stevedore/internal/log"
	"github.com/mattjoyce/stevedore/internal/protocol"
)

// Journal is safe for concurrent use; SQLite serializes writers and the
// busy_timeout pragma absorbs short contention.
type Journal struct {
	db  *sql.DB
	ttl time.Duration
}

// Open opens (and creates if needed) the journal database at path.
func Open(ctx context.Context, path string, ttl time.Duration) (*Journal, error) {
	if path == "" {
		return nil, fmt.Errorf("journal path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(pctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if _, err := db.ExecContext(pctx, "PRAGMA journal_mode = WAL;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set journal_mode: %w", err)
	}

	if err := bootstrap(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Journal{db: db, ttl: ttl}, nil
}

func bootstrap(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS job_outcomes (
  job_id       TEXT PRIMARY KEY,
  job_type     TEXT NOT NULL,
  status       TEXT NOT NULL,
  error_code   TEXT,
  duration_ms  INTEGER NOT NULL,
  finished_at  TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_job_outcomes_finished_at ON job_outcomes(finished_at);`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap journal: %w", err)
		}
	}
	return nil
}

// Record stores the terminal outcome for a job, replacing any earlier row
// with the same id. Duplicate deliveries collapse to one row.
func (j *Journal) Record(ctx context.Context, res *protocol.Result) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO job_outcomes (job_id, job_type, status, error_code, duration_ms, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(job_id) DO UPDATE SET
		   status = excluded.status,
		   error_code = excluded.error_code,
		   duration_ms = excluded.duration_ms,
		   finished_at = excluded.finished_at`,
		res.JobID, res.JobType, string(res.Status), res.ErrorCode,
		res.DurationMS, res.FinishedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("recording outcome for %s: %w", res.JobID, err)
	}
	return nil
}

// Seen reports whether jobID has a recorded outcome newer than the TTL.
func (j *Journal) Seen(ctx context.Context, jobID string) (bool, error) {
	cutoff := time.Now().Add(-j.ttl).UTC().Format(time.RFC3339Nano)
	var one int
	err := j.db.QueryRowContext(ctx,
		`SELECT 1 FROM job_outcomes WHERE job_id = ? AND finished_at > ?`,
		jobID, cutoff).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking outcome for %s: %w", jobID, err)
	}
	return true, nil
}

// Prune deletes outcomes older than the TTL and returns how many went.
func (j *Journal) Prune(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-j.ttl).UTC().Format(time.RFC3339Nano)
	res, err := j.db.ExecContext(ctx,
		`DELETE FROM job_outcomes WHERE finished_at <= ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning journal: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// RunPruner prunes on every tick until ctx ends.
func (j *Journal) RunPruner(ctx context.Context, interval time.Duration) {
	logger := log.WithComponent("journal")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := j.Prune(ctx)
			if err != nil {
				logger.Warn("prune failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Debug("pruned outcomes", "count", n)
			}
		}
	}
}

// Close releases the underlying database handle.
func (j *Journal) Close() error { return j.db.Close() }
