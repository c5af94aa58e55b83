// Package history keeps a bounded append-only log of optimization outcomes.
package history

import (
	"sync"

	"github.com/wattshift/powerengine/internal/model"
)

// Store retains the most recent records up to a fixed capacity, evicting the
// oldest first. The engine is the only appender; all other consumers read.
type Store struct {
	mu    sync.RWMutex
	ring  []*model.OptimizationRecord
	head  int
	count int
}

const defaultLimit = 100

// NewStore creates a store holding at most limit records. A non-positive
// limit falls back to the default capacity.
func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = defaultLimit
	}
	return &Store{ring: make([]*model.OptimizationRecord, limit)}
}

// Append adds a record in O(1), evicting the oldest when full.
func (s *Store) Append(record *model.OptimizationRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ring[(s.head+s.count)%len(s.ring)] = record
	if s.count < len(s.ring) {
		s.count++
	} else {
		s.head = (s.head + 1) % len(s.ring)
	}
}

// Window returns up to n most recent records in chronological order, newest
// last.
func (s *Store) Window(n int) []*model.OptimizationRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if n > s.count {
		n = s.count
	}
	out := make([]*model.OptimizationRecord, 0, n)
	for i := s.count - n; i < s.count; i++ {
		out = append(out, s.ring[(s.head+i)%len(s.ring)])
	}
	return out
}

// Len returns the number of retained records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count
}

// Last returns the most recent record, or nil when empty.
func (s *Store) Last() *model.OptimizationRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.count == 0 {
		return nil
	}
	return s.ring[(s.head+s.count-1)%len(s.ring)]
}
