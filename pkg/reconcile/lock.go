package reconcile

import "github.com/google/uuid"

// IsLocked reports whether id is waiting for reconciliation, either an
// unresolved query or a snapshot fetch. Without a transport every identity is
// locked. Safe for concurrent use.
func (s *Service) IsLocked(id uuid.UUID) bool {
	if s.tr == nil {
		return true
	}
	s.lockMu.RLock()
	defer s.lockMu.RUnlock()
	_, ok := s.locked[id]
	return ok
}

// syncLock mirrors the loop's view of id into the lock set.
func (s *Service) syncLock(id uuid.UUID) {
	_, q := s.queries[id]
	_, f := s.fetches[id]

	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	if q || f {
		s.locked[id] = struct{}{}
	} else {
		delete(s.locked, id)
	}
}
