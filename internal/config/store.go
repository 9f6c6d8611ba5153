package config

import (
	"sync/atomic"
)

// Store publishes the current security snapshot. Readers always see a
// complete snapshot; writers replace it with a single pointer swap.
type Store struct {
	current atomic.Pointer[SecurityConfig]
	version atomic.Uint64
}

// NewStore creates a store holding initial, which must not be nil.
func NewStore(initial *SecurityConfig) *Store {
	s := &Store{}
	s.current.Store(initial)
	s.version.Store(1)
	return s
}

// Load returns the current snapshot.
func (s *Store) Load() *SecurityConfig {
	return s.current.Load()
}

// Swap publishes next and returns the snapshot it replaced.
func (s *Store) Swap(next *SecurityConfig) *SecurityConfig {
	prev := s.current.Swap(next)
	s.version.Add(1)
	return prev
}

// Update derives a new snapshot from the current one with fn and publishes
// it. fn receives a private clone; an error from fn abandons the update.
// Concurrent Updates retry until their compare-and-swap wins, so no update
// is lost.
func (s *Store) Update(fn func(*SecurityConfig) error) (*SecurityConfig, error) {
	for {
		prev := s.current.Load()
		next := prev.Clone()
		if err := fn(next); err != nil {
			return nil, err
		}
		if s.current.CompareAndSwap(prev, next) {
			s.version.Add(1)
			return next, nil
		}
	}
}

// Version increments on every publish.
func (s *Store) Version() uint64 {
	return s.version.Load()
}
