package session

import (
	"sync"
)

// Store holds the current snapshot. Only the fold loop calls Set; every
// other reader gets a private clone.
type Store struct {
	mu      sync.RWMutex
	current *Snapshot
}

func NewStore(initial *Snapshot) *Store {
	return &Store{current: initial.Clone()}
}

// Get returns a copy of the current snapshot.
func (s *Store) Get() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.Clone()
}

// Version returns the version of the current snapshot without copying it.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.Version
}

// Set replaces the current snapshot. The store keeps its own copy so the
// caller may continue folding over snap.
func (s *Store) Set(snap *Snapshot) {
	c := snap.Clone()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = c
}
