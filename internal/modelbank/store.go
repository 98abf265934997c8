package modelbank

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

var (
	// ErrVersionNotFound is returned for versions that were never published or were pruned.
	ErrVersionNotFound = errors.New("model bank version not found")

	// ErrNoModel is returned when nothing has been published yet.
	ErrNoModel = errors.New("no model bank has been trained")
)

// Store keeps the last few published banks and an atomically swapped
// pointer to the current one. Readers never block.
type Store struct {
	mu       sync.Mutex
	versions []*Bank // oldest first
	next     uint64
	retain   int

	current atomic.Pointer[Bank]
}

// NewStore creates an empty store that retains up to retain versions.
func NewStore(retain int) *Store {
	if retain < 1 {
		retain = 1
	}
	return &Store{retain: retain}
}

// Current returns the bank scorers should use, or nil before the first publish.
func (s *Store) Current() *Bank {
	return s.current.Load()
}

// CurrentInfo summarizes the current bank, or returns ErrNoModel.
func (s *Store) CurrentInfo() (Info, error) {
	b := s.current.Load()
	if b == nil {
		return Info{}, ErrNoModel
	}
	info := b.Info()
	info.Current = true
	return info, nil
}

// Publish assigns the next version to a copy of b and makes it current.
func (s *Store) Publish(b *Bank) *Bank {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.next++
	published := *b
	published.Version = s.next

	s.versions = append(s.versions, &published)
	if extra := len(s.versions) - s.retain; extra > 0 {
		s.versions = append(s.versions[:0:0], s.versions[extra:]...)
	}
	s.current.Store(&published)
	return &published
}

// Get returns a retained version.
func (s *Store) Get(version uint64) (*Bank, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, b := range s.versions {
		if b.Version == version {
			return b, nil
		}
	}
	return nil, fmt.Errorf("%w: %d", ErrVersionNotFound, version)
}

// Rollback makes a retained version current again.
func (s *Store) Rollback(version uint64) (*Bank, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, b := range s.versions {
		if b.Version == version {
			s.current.Store(b)
			return b, nil
		}
	}
	return nil, fmt.Errorf("%w: %d", ErrVersionNotFound, version)
}

// Versions summarizes the retained banks, newest first.
func (s *Store) Versions() []Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.current.Load()
	out := make([]Info, 0, len(s.versions))
	for i := len(s.versions) - 1; i >= 0; i-- {
		info := s.versions[i].Info()
		info.Current = s.versions[i] == cur
		out = append(out, info)
	}
	return out
}
