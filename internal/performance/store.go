package performance

import "sync"

// DefaultMaxCompleted bounds completed-span storage when Options.MaxCompleted is not positive.
const DefaultMaxCompleted = 1000

// store holds active spans by id and the most recent completed spans in end order.
// When the completed buffer is full the oldest span is dropped.
type store struct {
	mu        sync.Mutex
	active    map[string]*Span
	completed []*Span
	max       int
}

func newStore(max int) *store {
	if max <= 0 {
		max = DefaultMaxCompleted
	}
	return &store{active: make(map[string]*Span), max: max}
}

func (s *store) add(sp *Span) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[sp.ID] = sp
}

// take removes and returns the active span with id.
func (s *store) take(id string) (*Span, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sp, ok := s.active[id]
	if ok {
		delete(s.active, id)
	}
	return sp, ok
}

func (s *store) complete(sp *Span) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.completed) >= s.max {
		n := copy(s.completed, s.completed[len(s.completed)-s.max+1:])
		clear(s.completed[n:])
		s.completed = s.completed[:n]
	}
	s.completed = append(s.completed, sp)
}

// matching returns completed spans named name, oldest first, for which keep returns true.
func (s *store) matching(name string, keep func(*Span) bool) []*Span {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Span
	for _, sp := range s.completed {
		if sp.Name == name && keep(sp) {
			out = append(out, sp)
		}
	}
	return out
}

func (s *store) activeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

func (s *store) completedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.completed)
}

func (s *store) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed = nil
}
