package sched

import "sync"

type setKey struct {
	kind Kind
	id   int64
}

// Set tracks task ids that already have a pending occurrence in the queue,
// keyed per occurrence kind. It is process-local; after a restart the queue
// itself plus the dispatcher's idempotency checks prevent duplicate side
// effects.
type Set struct {
	mu  sync.Mutex
	ids map[setKey]struct{}
}

func NewSet() *Set {
	return &Set{ids: make(map[setKey]struct{})}
}

// Mark records (kind, id) as scheduled. Returns false if it was already
// present.
func (s *Set) Mark(kind Kind, id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := setKey{kind: kind, id: id}
	if _, ok := s.ids[k]; ok {
		return false
	}
	s.ids[k] = struct{}{}
	return true
}

// Contains reports whether (kind, id) is currently scheduled.
func (s *Set) Contains(kind Kind, id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.ids[setKey{kind: kind, id: id}]
	return ok
}

// Forget removes (kind, id), typically after its occurrence has fired.
func (s *Set) Forget(kind Kind, id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ids, setKey{kind: kind, id: id})
}

// Len returns the number of scheduled entries.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ids)
}
