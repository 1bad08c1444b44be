// Package index provides a SQLite-backed keyword index over processed
// invoice documents. Each document is a short summary line plus the blob
// reference locating the stored file.
package index

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/invobot/invobot"
)

// Document is one indexed invoice.
type Document struct {
	UserID   string
	Content  string // Summary line, e.g. "Provider: Acme Inc. Date: 2024-06-15 Item: Laptop Category: Electronics"
	BlobPath string
	Filename string
}

// Index stores and searches invoice documents.
type Index struct {
	db     *sql.DB
	logger *slog.Logger
}

// New opens (or creates) the index database at dbPath.
func New(dbPath string, logger *slog.Logger) (*Index, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("index: open database: %w", err)
	}
	idx, err := NewWithDB(db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return idx, nil
}

// NewWithDB wraps an existing database handle. Tests use this with an
// in-memory database.
func NewWithDB(db *sql.DB, logger *slog.Logger) (*Index, error) {
	if logger == nil {
		logger = slog.Default()
	}
	idx := &Index{db: db, logger: logger}
	if err := idx.migrate(); err != nil {
		return nil, err
	}
	return idx, nil
}

func (idx *Index) migrate() error {
	_, err := idx.db.Exec(`
		CREATE TABLE IF NOT EXISTS documents (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL,
			content TEXT NOT NULL,
			blob_path TEXT NOT NULL,
			filename TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_documents_user ON documents(user_id);
	`)
	if err != nil {
		return fmt.Errorf("index: migrate: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (idx *Index) Close() error {
	return idx.db.Close()
}

// Add indexes a document.
func (idx *Index) Add(ctx context.Context, doc Document) error {
	if doc.UserID == "" || doc.Content == "" {
		return fmt.Errorf("index: user ID and content are required")
	}
	_, err := idx.db.ExecContext(ctx,
		`INSERT INTO documents (user_id, content, blob_path, filename, created_at) VALUES (?, ?, ?, ?, ?)`,
		doc.UserID, doc.Content, doc.BlobPath, doc.Filename, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("index: add document: %w", err)
	}
	idx.logger.Info("document indexed", "user_id", doc.UserID, "blob_path", doc.BlobPath)
	return nil
}

// AddDocument is the flat-argument form of Add used by the job worker.
func (idx *Index) AddDocument(ctx context.Context, userID, content, blobPath, filename string) error {
	return idx.Add(ctx, Document{
		UserID:   userID,
		Content:  content,
		BlobPath: blobPath,
		Filename: filename,
	})
}

// Search returns the user's documents matching the query, best match first.
// Matching is keyword overlap: each query term that appears in the content
// (case-insensitive) counts toward the score.
func (idx *Index) Search(ctx context.Context, userID, query string) ([]invobot.SearchHit, error) {
	rows, err := idx.db.QueryContext(ctx,
		`SELECT content, blob_path, filename FROM documents WHERE user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("index: search: %w", err)
	}
	defer rows.Close()

	terms := queryTerms(query)

	type scored struct {
		hit   invobot.SearchHit
		score int
	}
	var matches []scored

	for rows.Next() {
		var content, blobPath, filename string
		if err := rows.Scan(&content, &blobPath, &filename); err != nil {
			return nil, fmt.Errorf("index: search scan: %w", err)
		}
		score := matchScore(content, terms)
		if score == 0 {
			continue
		}
		matches = append(matches, scored{
			hit: invobot.SearchHit{
				Content: content,
				Metadata: map[string]string{
					"blob_path": blobPath,
					"filename":  filename,
				},
			},
			score: score,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("index: search rows: %w", err)
	}

	sort.SliceStable(matches, func(i, j int) bool { return matches[i].score > matches[j].score })

	hits := make([]invobot.SearchHit, len(matches))
	for i, m := range matches {
		hits[i] = m.hit
	}
	return hits, nil
}

func queryTerms(query string) []string {
	fields := strings.Fields(strings.ToLower(query))
	terms := fields[:0]
	for _, f := range fields {
		f = strings.Trim(f, ".,;:!?\"'()")
		if len(f) >= 2 {
			terms = append(terms, f)
		}
	}
	return terms
}

func matchScore(content string, terms []string) int {
	if len(terms) == 0 {
		return 0
	}
	lower := strings.ToLower(content)
	score := 0
	for _, t := range terms {
		if strings.Contains(lower, t) {
			score++
		}
	}
	return score
}
