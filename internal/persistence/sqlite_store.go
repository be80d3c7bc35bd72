package persistence

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/castscribe/internal/queue"
	"github.com/castscribe/internal/runner"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// SQLiteStore persists queue and run state in a single sqlite file.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("db path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.init(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
		return fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		version := migrationVersion(entry.Name())
		if version <= 0 {
			continue
		}
		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, version).Scan(&exists); err != nil {
			return fmt.Errorf("check migration %s: %w", entry.Name(), err)
		}
		if exists > 0 {
			continue
		}
		content, err := migrationFiles.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		if _, err := s.db.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("apply migration %s: %w", entry.Name(), err)
		}
		if _, err := s.db.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES (?)`, version); err != nil {
			return fmt.Errorf("record migration %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// migrationVersion extracts the leading integer from a migration filename (e.g. "001_init.sql" → 1).
func migrationVersion(name string) int {
	end := 0
	for end < len(name) && name[end] >= '0' && name[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0
	}
	n, _ := strconv.Atoi(name[:end])
	return n
}

const jobColumns = `id, source_ref, audio_hash, display_name, collection_name, feed_url,
	status, queue_position, attempts, error_message, source_missing, result_path,
	added_at, started_at, completed_at, last_heartbeat_at, updated_at`

func (s *SQLiteStore) LoadJobs(ctx context.Context) ([]*queue.Job, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY added_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ret := make([]*queue.Job, 0)
	for rows.Next() {
		var (
			job                                 queue.Job
			status                              string
			missing                             int
			startedAt, completedAt, heartbeatAt sql.NullTime
		)
		if err := rows.Scan(
			&job.ID,
			&job.SourceRef,
			&job.AudioHash,
			&job.DisplayName,
			&job.CollectionName,
			&job.FeedURL,
			&status,
			&job.QueuePosition,
			&job.Attempts,
			&job.ErrorMessage,
			&missing,
			&job.ResultPath,
			&job.AddedAt,
			&startedAt,
			&completedAt,
			&heartbeatAt,
			&job.UpdatedAt,
		); err != nil {
			return nil, err
		}
		job.Status = queue.Status(status)
		job.SourceMissing = missing != 0
		job.StartedAt = startedAt.Time
		job.CompletedAt = completedAt.Time
		job.LastHeartbeatAt = heartbeatAt.Time
		ret = append(ret, &job)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ret, nil
}

// UpsertJobs writes all jobs in one transaction.
func (s *SQLiteStore) UpsertJobs(ctx context.Context, jobs []*queue.Job) error {
	if len(jobs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			source_ref=excluded.source_ref,
			audio_hash=excluded.audio_hash,
			display_name=excluded.display_name,
			collection_name=excluded.collection_name,
			feed_url=excluded.feed_url,
			status=excluded.status,
			queue_position=excluded.queue_position,
			attempts=excluded.attempts,
			error_message=excluded.error_message,
			source_missing=excluded.source_missing,
			result_path=excluded.result_path,
			started_at=excluded.started_at,
			completed_at=excluded.completed_at,
			last_heartbeat_at=excluded.last_heartbeat_at,
			updated_at=excluded.updated_at`)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, job := range jobs {
		if job == nil {
			continue
		}
		if _, err := stmt.ExecContext(ctx,
			job.ID,
			job.SourceRef,
			job.AudioHash,
			job.DisplayName,
			job.CollectionName,
			job.FeedURL,
			string(job.Status),
			job.QueuePosition,
			job.Attempts,
			job.ErrorMessage,
			boolToInt(job.SourceMissing),
			job.ResultPath,
			job.AddedAt,
			nullTime(job.StartedAt),
			nullTime(job.CompletedAt),
			nullTime(job.LastHeartbeatAt),
			job.UpdatedAt,
		); err != nil {
			return fmt.Errorf("upsert job %s: %w", job.ID, err)
		}
	}

	return tx.Commit()
}

func (s *SQLiteStore) LoadProcessingTimes(ctx context.Context, limit int) ([]float64, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT seconds FROM (
			SELECT id, seconds FROM processing_times ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ret []float64
	for rows.Next() {
		var v float64
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		ret = append(ret, v)
	}
	return ret, rows.Err()
}

func (s *SQLiteStore) RecordProcessingTime(ctx context.Context, jobID string, seconds float64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO processing_times (job_id, seconds, recorded_at) VALUES (?, ?, ?)`,
		jobID, seconds, time.Now().UTC())
	return err
}

// RecordRun stores a finished run session.
func (s *SQLiteStore) RecordRun(ctx context.Context, run runner.RunSummary) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, started_at, finished_at, job_limit, backend, processed_count, error_count, cancelled_count, stop_reason)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID,
		run.StartedAt,
		run.FinishedAt,
		run.Limit,
		run.Backend,
		run.ProcessedCount,
		run.ErrorCount,
		run.CancelledCount,
		run.StopReason,
	)
	return err
}

// ListRuns returns the most recent run sessions, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]runner.RunSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, started_at, finished_at, job_limit, backend, processed_count, error_count, cancelled_count, stop_reason
		 FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ret := make([]runner.RunSummary, 0)
	for rows.Next() {
		var run runner.RunSummary
		if err := rows.Scan(
			&run.ID,
			&run.StartedAt,
			&run.FinishedAt,
			&run.Limit,
			&run.Backend,
			&run.ProcessedCount,
			&run.ErrorCount,
			&run.CancelledCount,
			&run.StopReason,
		); err != nil {
			return nil, err
		}
		ret = append(ret, run)
	}
	return ret, rows.Err()
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
