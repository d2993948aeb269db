package set

// Set is an insertion-ordered set. The zero value is ready to use.
type Set[T comparable] struct {
	set   map[T]int
	order []T
}

// Insert adds k and reports whether it was not already present.
func (s *Set[T]) Insert(k T) bool {
	if s.set == nil {
		s.set = make(map[T]int)
	}
	if _, ok := s.set[k]; ok {
		return false
	}
	s.set[k] = len(s.order)
	s.order = append(s.order, k)
	return true
}

func (s *Set[T]) Contains(k T) bool {
	_, ok := s.set[k]
	return ok
}

// Index returns the insertion position of k, or -1.
func (s *Set[T]) Index(k T) int {
	i, ok := s.set[k]
	if !ok {
		return -1
	}
	return i
}

func (s *Set[T]) Len() int {
	return len(s.order)
}

// Items returns the members in insertion order.
func (s *Set[T]) Items() []T {
	return append([]T(nil), s.order...)
}
