// Package sqlitestore persists transcripts in SQLite with TTL-based
// expiry. It is the durable counterpart of the in-memory store: records
// carry an expires_at deadline that every save refreshes, and expired rows
// are treated as absent and swept lazily.
package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store is a TTL-annotated transcript store backed by SQLite. All public
// methods are safe for concurrent use (SQLite serializes writes).
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// New creates a transcript store at the given database path. The schema is
// created automatically on first use.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// NewWithDB creates a transcript store using an existing database
// connection. Tests use this with an in-memory database.
func NewWithDB(db *sql.DB) (*Store, error) {
	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS transcripts (
		user_id    TEXT PRIMARY KEY,
		entries    BLOB NOT NULL,
		expires_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_transcripts_expires_at ON transcripts (expires_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Load returns the persisted transcript bytes for a user. Expired records
// behave exactly like absent ones.
func (s *Store) Load(ctx context.Context, userID string) ([]byte, bool, error) {
	var data []byte
	var expiresAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT entries, expires_at FROM transcripts WHERE user_id = ?`,
		userID,
	).Scan(&data, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load %s: %w", userID, err)
	}

	deadline, err := time.Parse(time.RFC3339, expiresAt)
	if err != nil || s.now().After(deadline) {
		return nil, false, nil
	}
	return data, true, nil
}

// Save upserts the transcript bytes and refreshes the expiry deadline.
func (s *Store) Save(ctx context.Context, userID string, data []byte, ttl time.Duration) error {
	now := s.now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transcripts (user_id, entries, expires_at, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (user_id) DO UPDATE
		 SET entries = excluded.entries, expires_at = excluded.expires_at, updated_at = excluded.updated_at`,
		userID, data, now.Add(ttl).Format(time.RFC3339), now.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("save %s: %w", userID, err)
	}
	return nil
}

// Delete removes a user's transcript. No error is returned if the record
// does not exist.
func (s *Store) Delete(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM transcripts WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("delete %s: %w", userID, err)
	}
	return nil
}

// Sweep deletes all expired rows and returns how many were removed. Callers
// run this periodically; correctness does not depend on it because Load
// already treats expired rows as absent.
func (s *Store) Sweep(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM transcripts WHERE expires_at < ?`,
		s.now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, fmt.Errorf("sweep: %w", err)
	}
	return res.RowsAffected()
}
