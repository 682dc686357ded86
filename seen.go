package vitals

import (
	"container/list"
	"sync"
)

// seenSet remembers a bounded number of recently added keys. When full, the oldest key is
// evicted to make room.
type seenSet struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	index    map[string]*list.Element
}

// newSeenSet creates a set holding at most capacity keys. A non-positive capacity disables the
// limit.
func newSeenSet(capacity int) *seenSet {
	return &seenSet{
		capacity: capacity,
		order:    list.New(),
		index:    make(map[string]*list.Element),
	}
}

// add inserts key and reports whether it was new.
func (s *seenSet) add(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.index[key]; ok {
		return false
	}
	if s.capacity > 0 && s.order.Len() >= s.capacity {
		oldest := s.order.Front()
		s.order.Remove(oldest)
		delete(s.index, oldest.Value.(string))
	}
	s.index[key] = s.order.PushBack(key)
	return true
}

// remove forgets key, if present.
func (s *seenSet) remove(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.index[key]; ok {
		s.order.Remove(el)
		delete(s.index, key)
	}
}

// len returns the number of remembered keys.
func (s *seenSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}
