// Package memstore provides an in-memory transcript store with TTL
// expiry. Useful for testing and development. Not suitable for production:
// records do not survive restarts.
package memstore

import (
	"context"
	"sync"
	"time"
)

type record struct {
	data      []byte
	expiresAt time.Time
}

// Store is an in-memory TTL key-value store keyed by user id.
type Store struct {
	mu      sync.RWMutex
	records map[string]record
	now     func() time.Time
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		records: make(map[string]record),
		now:     time.Now,
	}
}

// NewWithClock creates a store with an injected clock for expiry tests.
func NewWithClock(now func() time.Time) *Store {
	s := New()
	s.now = now
	return s
}

// Load returns the stored bytes for a user. Expired records behave exactly
// like absent ones.
func (s *Store) Load(ctx context.Context, userID string) ([]byte, bool, error) {
	s.mu.RLock()
	rec, ok := s.records[userID]
	s.mu.RUnlock()

	if !ok || s.now().After(rec.expiresAt) {
		return nil, false, nil
	}
	data := make([]byte, len(rec.data))
	copy(data, rec.data)
	return data, true, nil
}

// Save writes the record and refreshes its TTL.
func (s *Store) Save(ctx context.Context, userID string, data []byte, ttl time.Duration) error {
	buf := make([]byte, len(data))
	copy(buf, data)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[userID] = record{data: buf, expiresAt: s.now().Add(ttl)}
	return nil
}

// Delete removes the record. Deleting an absent record is a no-op.
func (s *Store) Delete(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, userID)
	return nil
}

// Count returns the number of stored records, expired or not. Useful for
// tests.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
