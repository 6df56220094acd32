package router

import "container/list"

// DefaultCapacity is the number of message ids remembered for duplicate
// suppression.
const DefaultCapacity = 1000

// SeenSet is a capacity-bounded set of message ids ordered by most recent
// touch. It is not safe for concurrent use; the Router guards it.
type SeenSet struct {
	data map[string]*list.Element
	ll   *list.List // front = most recently touched
	cap  int
}

func NewSeenSet(capacity int) *SeenSet {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &SeenSet{
		data: make(map[string]*list.Element, capacity),
		ll:   list.New(),
		cap:  capacity,
	}
}

// Contains reports membership without changing recency.
func (s *SeenSet) Contains(id string) bool {
	_, ok := s.data[id]
	return ok
}

// Add inserts id, or refreshes its recency if already present, evicting the
// least recently touched id when over capacity. It reports whether id was new.
func (s *SeenSet) Add(id string) bool {
	if el, ok := s.data[id]; ok {
		s.ll.MoveToFront(el)
		return false
	}
	s.data[id] = s.ll.PushFront(id)
	for s.ll.Len() > s.cap {
		s.removeElement(s.ll.Back())
	}
	return true
}

func (s *SeenSet) Len() int {
	return len(s.data)
}

func (s *SeenSet) Cap() int {
	return s.cap
}

func (s *SeenSet) removeElement(el *list.Element) {
	delete(s.data, el.Value.(string))
	s.ll.Remove(el)
}
