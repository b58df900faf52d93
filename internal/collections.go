package internal

// Set is a collection of unique items that remembers insertion order.
type Set[T comparable] struct {
	items map[T]struct{}
	order []T
}

// NewSet creates a set holding items.
func NewSet[T comparable](items ...T) *Set[T] {
	s := &Set[T]{items: make(map[T]struct{}, len(items))}
	for _, item := range items {
		s.Add(item)
	}
	return s
}

// Add inserts an item into the set. If the item already exists, it has no effect.
func (s *Set[T]) Add(item T) {
	if _, ok := s.items[item]; ok {
		return
	}
	s.items[item] = struct{}{}
	s.order = append(s.order, item)
}

// AddAll inserts every item of other.
func (s *Set[T]) AddAll(other *Set[T]) {
	if other == nil {
		return
	}
	for _, item := range other.order {
		s.Add(item)
	}
}

// Remove deletes an item from the set. If the item doesn't exist, it has no effect.
func (s *Set[T]) Remove(item T) {
	if _, ok := s.items[item]; !ok {
		return
	}
	delete(s.items, item)
	for i, candidate := range s.order {
		if candidate == item {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// Contains checks if an item exists in the set.
func (s *Set[T]) Contains(item T) bool {
	_, exists := s.items[item]
	return exists
}

// Intersects reports whether the two sets share an item.
func (s *Set[T]) Intersects(other *Set[T]) bool {
	if s == nil || other == nil {
		return false
	}
	for item := range s.items {
		if other.Contains(item) {
			return true
		}
	}
	return false
}

// Size returns the number of items in the set.
func (s *Set[T]) Size() int {
	return len(s.items)
}

// ToSlice returns the items in insertion order.
func (s *Set[T]) ToSlice() []T {
	out := make([]T, len(s.order))
	copy(out, s.order)
	return out
}

// Clear removes all items from the set.
func (s *Set[T]) Clear() {
	s.items = make(map[T]struct{})
	s.order = nil
}

// MapKeys extracts all keys from a map and returns them as a slice.
// The order of keys is non-deterministic due to map iteration.
func MapKeys[K comparable, V any](m map[K]V) []K {
	if m == nil {
		return []K{}
	}
	keys := make([]K, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	return keys
}
