// Package set provides the unordered collections used throughout the
// protocol. On the wire a set is a JSON array; it is written sorted so
// identical sets always encode to identical bytes.
package set

import (
	"cmp"
	"encoding/json"
	"slices"
)

type Set[T cmp.Ordered] map[T]struct{}

func New[T cmp.Ordered](items ...T) Set[T] {
	s := make(Set[T], len(items))
	s.Add(items...)
	return s
}

func (s Set[T]) Add(items ...T) {
	for _, item := range items {
		s[item] = struct{}{}
	}
}

// Merge adds every element of other and returns how many were new.
func (s Set[T]) Merge(other Set[T]) int {
	added := 0
	for item := range other {
		if _, found := s[item]; !found {
			s[item] = struct{}{}
			added++
		}
	}
	return added
}

func (s Set[T]) Remove(items ...T) {
	for _, item := range items {
		delete(s, item)
	}
}

func (s Set[T]) Subtract(other Set[T]) {
	for item := range other {
		delete(s, item)
	}
}

func (s Set[T]) Contains(item T) bool {
	_, found := s[item]
	return found
}

func (s Set[T]) Len() int {
	return len(s)
}

func (s Set[T]) Clone() Set[T] {
	out := make(Set[T], len(s))
	for item := range s {
		out[item] = struct{}{}
	}
	return out
}

// Sorted returns the elements in ascending order.
func (s Set[T]) Sorted() []T {
	out := make([]T, 0, len(s))
	for item := range s {
		out = append(out, item)
	}
	slices.Sort(out)
	return out
}

func (s Set[T]) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Sorted())
}

func (s *Set[T]) UnmarshalJSON(data []byte) error {
	var items []T
	if err := json.Unmarshal(data, &items); err != nil {
		return err
	}

	*s = New(items...)
	return nil
}
