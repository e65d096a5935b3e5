package broadcast

import "sync"

// seenSet is a bounded recently-seen id set: membership plus FIFO eviction.
// It exists to make relay delivery idempotent by message id, not to be a
// perfect de-duplicator; an id older than the window can in principle slip
// through, which at-least-once delivery already permits.
type seenSet struct {
	mu    sync.Mutex
	ids   map[string]struct{}
	order []string
	cap   int
}

func newSeenSet(capacity int) *seenSet {
	return &seenSet{
		ids: make(map[string]struct{}, capacity),
		cap: capacity,
	}
}

// add records the id and reports whether it was new.
func (s *seenSet) add(id string) bool {
	if id == "" {
		return true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.ids[id]; dup {
		return false
	}
	if len(s.order) >= s.cap {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.ids, oldest)
	}
	s.ids[id] = struct{}{}
	s.order = append(s.order, id)
	return true
}
