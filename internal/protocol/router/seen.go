package router

// Seen is a bounded set of recently processed event ids. When it grows past
// its limit the older half is forgotten.
type Seen struct {
	limit int
	order []string
	ids   map[string]struct{}
}

func NewSeen(limit int) *Seen {
	if limit < 2 {
		limit = 2
	}
	return &Seen{
		limit: limit,
		ids:   make(map[string]struct{}, limit),
	}
}

func (s *Seen) Has(id string) bool {
	_, ok := s.ids[id]
	return ok
}

// Add records id and reports whether it was new.
func (s *Seen) Add(id string) bool {
	if s.Has(id) {
		return false
	}
	s.ids[id] = struct{}{}
	s.order = append(s.order, id)
	if len(s.order) > s.limit {
		drop := len(s.order) - s.limit/2
		for _, old := range s.order[:drop] {
			delete(s.ids, old)
		}
		s.order = append([]string(nil), s.order[drop:]...)
	}
	return true
}

func (s *Seen) Len() int {
	return len(s.order)
}
