package data

import (
	"sync"
	"time"
)

// Store holds the current snapshot. Replace swaps the whole snapshot under a
// write lock, so readers see either the old or the new snapshot, never a mix.
type Store struct {
	mu      sync.RWMutex
	current *Snapshot
}

// NewStore creates a Store holding an empty snapshot that was never updated.
func NewStore() *Store {
	return &Store{
		current: &Snapshot{},
	}
}

// Current returns the current snapshot. Callers must treat it as read-only.
func (s *Store) Current() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Replace atomically installs snap and returns the previous snapshot.
func (s *Store) Replace(snap *Snapshot) *Snapshot {
	if snap == nil {
		snap = &Snapshot{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.current
	s.current = snap
	return old
}

// RowsAt returns the rows at the given indices. Indices outside the current
// snapshot are omitted.
func (s *Store) RowsAt(indices []int) map[int]Record {
	snap := s.Current()

	rows := make(map[int]Record, len(indices))
	for _, idx := range indices {
		if idx < 0 || idx >= len(snap.Rows) {
			continue
		}
		rows[idx] = snap.Rows[idx]
	}
	return rows
}

// Updated returns the external modification time of the current snapshot.
// The zero time means the store was never updated.
func (s *Store) Updated() time.Time {
	return s.Current().Updated
}

// Len returns the number of rows in the current snapshot.
func (s *Store) Len() int {
	return s.Current().Len()
}
