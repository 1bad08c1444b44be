package invobot

import (
	"context"
	"time"
)

// DefaultTranscriptTTL is how long an idle conversation survives before the
// store garbage-collects it. Every save refreshes the deadline.
const DefaultTranscriptTTL = time.Hour

// TranscriptStore persists per-user transcripts in their encoded form.
// Implementations: in-memory (internal/memstore) and SQLite (store/sqlite).
type TranscriptStore interface {
	// Load returns the persisted transcript bytes for a user. An absent or
	// expired record is not an error: found is false and data is nil.
	Load(ctx context.Context, userID string) (data []byte, found bool, err error)

	// Save writes the transcript bytes and re-applies the TTL. Conversations
	// that go quiet expire on their own.
	Save(ctx context.Context, userID string, data []byte, ttl time.Duration) error

	// Delete removes the record. Deleting an absent record is not an error.
	Delete(ctx context.Context, userID string) error
}
