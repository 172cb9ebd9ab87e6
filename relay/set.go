package relay

import (
	"sort"
	"sync"
)

// Set tracks active connection IDs. Safe for concurrent use.
type Set struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

// NewSet returns an empty Set.
func NewSet() *Set {
	return &Set{ids: make(map[string]struct{})}
}

func (s *Set) Add(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids[id] = struct{}{}
}

func (s *Set) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ids, id)
}

// Has reports whether id is present.
func (s *Set) Has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.ids[id]
	return ok
}

// Len reports the number of tracked IDs.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ids)
}

// IDs returns the tracked IDs in sorted order.
func (s *Set) IDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.ids))
	for id := range s.ids {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
