// Package userlock provides per-key mutual exclusion. It serializes
// turns for a single user while letting different users proceed in
// parallel.
package userlock

import "sync"

type entry struct {
	mu   sync.Mutex
	refs int
}

// Set is a collection of mutexes keyed by string. The zero value is not
// usable; call New.
type Set struct {
	mu    sync.Mutex
	locks map[string]*entry
}

// New creates an empty lock set.
func New() *Set {
	return &Set{locks: make(map[string]*entry)}
}

// Lock acquires the mutex for key, blocking while another holder has it.
// The returned function releases it. Entries are removed once the last
// waiter releases, so the set does not grow with the number of users ever
// seen.
func (s *Set) Lock(key string) (unlock func()) {
	s.mu.Lock()
	e, ok := s.locks[key]
	if !ok {
		e = &entry{}
		s.locks[key] = e
	}
	e.refs++
	s.mu.Unlock()

	e.mu.Lock()

	return func() {
		e.mu.Unlock()
		s.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

// Len returns the number of keys currently held or waited on.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.locks)
}
