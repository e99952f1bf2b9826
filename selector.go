package treelock

import "sync"

// RepositorySelector hands out cluster members in round-robin order. Safe for concurrent use;
// the cursor is the only shared mutable state.
type RepositorySelector[T any] struct {
	mu     sync.Mutex
	items  []T
	cursor int
}

// NewRepositorySelector copies items; an empty list is a configuration error.
func NewRepositorySelector[T any](items []T) (*RepositorySelector[T], error) {
	if len(items) == 0 {
		return nil, NewError(InvalidConfiguration, nil, "repository selector needs at least one member")
	}
	return &RepositorySelector[T]{
		items: append([]T(nil), items...),
	}, nil
}

// Next returns the next member, wrapping around forever.
func (s *RepositorySelector[T]) Next() T {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.items[s.cursor]
	s.cursor = (s.cursor + 1) % len(s.items)
	return v
}

// Len returns the number of members.
func (s *RepositorySelector[T]) Len() int {
	return len(s.items)
}
