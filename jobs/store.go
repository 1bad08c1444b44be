package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a job ID has no record.
var ErrNotFound = fmt.Errorf("jobs: job not found")

// Store persists job records in SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore opens (or creates) the jobs database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("jobs: open database: %w", err)
	}
	s, err := NewStoreWithDB(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewStoreWithDB wraps an existing database handle. Tests use this with an
// in-memory database.
func NewStoreWithDB(db *sql.DB) (*Store, error) {
	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			payload BLOB NOT NULL,
			logs BLOB NOT NULL DEFAULT '[]',
			started_at TEXT NOT NULL,
			completed_at TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_jobs_started ON jobs(started_at);
	`)
	if err != nil {
		return fmt.Errorf("jobs: migrate: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Create inserts a new job record.
func (s *Store) Create(ctx context.Context, job *Job) error {
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return fmt.Errorf("jobs: marshal payload: %w", err)
	}
	logs, err := json.Marshal(job.Logs)
	if err != nil {
		return fmt.Errorf("jobs: marshal logs: %w", err)
	}
	if job.Logs == nil {
		logs = []byte("[]")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, status, payload, logs, started_at) VALUES (?, ?, ?, ?, ?)`,
		job.ID, string(job.Status), payload, logs, job.StartedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("jobs: create job %s: %w", job.ID, err)
	}
	return nil
}

// UpdateStatus transitions a job; done and failed also stamp completed_at.
func (s *Store) UpdateStatus(ctx context.Context, jobID string, status Status) error {
	var completedAt any
	if status == StatusDone || status == StatusFailed {
		completedAt = s.now().UTC().Format(time.RFC3339Nano)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, completed_at = ? WHERE id = ?`,
		string(status), completedAt, jobID,
	)
	if err != nil {
		return fmt.Errorf("jobs: update status of %s: %w", jobID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendLog adds a timestamped checkpoint message to the job's log.
func (s *Store) AppendLog(ctx context.Context, jobID, message string) error {
	job, err := s.Get(ctx, jobID)
	if err != nil {
		return err
	}
	job.Logs = append(job.Logs, LogEntry{Message: message, At: s.now().UTC()})

	logs, err := json.Marshal(job.Logs)
	if err != nil {
		return fmt.Errorf("jobs: marshal logs: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE jobs SET logs = ? WHERE id = ?`, logs, jobID); err != nil {
		return fmt.Errorf("jobs: append log to %s: %w", jobID, err)
	}
	return nil
}

// Get loads one job by ID.
func (s *Store) Get(ctx context.Context, jobID string) (*Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, status, payload, logs, started_at, completed_at FROM jobs WHERE id = ?`, jobID)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return job, err
}

// ListRecent returns the most recently started jobs, newest first.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, status, payload, logs, started_at, completed_at FROM jobs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("jobs: list recent: %w", err)
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("jobs: list recent rows: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		job         Job
		status      string
		payload     []byte
		logs        []byte
		startedAt   string
		completedAt sql.NullString
	)
	if err := row.Scan(&job.ID, &status, &payload, &logs, &startedAt, &completedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("jobs: scan job: %w", err)
	}

	job.Status = Status(status)
	if err := json.Unmarshal(payload, &job.Payload); err != nil {
		return nil, fmt.Errorf("jobs: decode payload of %s: %w", job.ID, err)
	}
	if err := json.Unmarshal(logs, &job.Logs); err != nil {
		return nil, fmt.Errorf("jobs: decode logs of %s: %w", job.ID, err)
	}

	t, err := time.Parse(time.RFC3339Nano, startedAt)
	if err != nil {
		return nil, fmt.Errorf("jobs: decode started_at of %s: %w", job.ID, err)
	}
	job.StartedAt = t

	if completedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, completedAt.String)
		if err != nil {
			return nil, fmt.Errorf("jobs: decode completed_at of %s: %w", job.ID, err)
		}
		job.CompletedAt = &t
	}
	return &job, nil
}
