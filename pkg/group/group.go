package group

import (
	"errors"
	"fmt"
)

// Set is an ordered collection of unique member names. The original ordering is
// kept for the lifetime of the set while removals only affect lookups, so a set
// can shrink but never grow.
type Set struct {
	original []string
	index    map[string]int
	removed  map[string]struct{}
}

// NewSet creates a set from an ordered list of member names.
func NewSet(members []string) (*Set, error) {
	if len(members) == 0 {
		return nil, errors.New("member set must have at least one member")
	}
	s := &Set{
		original: make([]string, len(members)),
		index:    make(map[string]int, len(members)),
		removed:  make(map[string]struct{}),
	}
	copy(s.original, members)
	if err := s.checkMemberUniqueness(); err != nil {
		return nil, err
	}
	return s, nil
}

// Has reports whether the member is present and has not been removed.
func (s *Set) Has(member string) bool {
	if _, ok := s.removed[member]; ok {
		return false
	}
	_, ok := s.index[member]
	return ok
}

// Index returns the position of the member in the current member list or -1
// if the member is not present.
func (s *Set) Index(member string) int {
	if !s.Has(member) {
		return -1
	}
	idx := 0
	for _, m := range s.original {
		if m == member {
			return idx
		}
		if _, ok := s.removed[m]; !ok {
			idx++
		}
	}
	return -1
}

// Remove drops a member. It returns false if the member was not present.
func (s *Set) Remove(member string) bool {
	if !s.Has(member) {
		return false
	}
	s.removed[member] = struct{}{}
	return true
}

// Members returns a copy of the current (non-removed) members in original order.
func (s *Set) Members() []string {
	members := make([]string, 0, s.Size())
	for _, m := range s.original {
		if _, ok := s.removed[m]; !ok {
			members = append(members, m)
		}
	}
	return members
}

// Original returns a copy of the member list the set was created with.
func (s *Set) Original() []string {
	members := make([]string, len(s.original))
	copy(members, s.original)
	return members
}

// Size is the number of current members.
func (s *Set) Size() int {
	return len(s.original) - len(s.removed)
}

// Difference returns the members of s that are not members of other.
func (s *Set) Difference(other *Set) []string {
	var diff []string
	for _, m := range s.Members() {
		if other == nil || !other.Has(m) {
			diff = append(diff, m)
		}
	}
	return diff
}

func (s *Set) checkMemberUniqueness() error {
	for i, m := range s.original {
		if m == "" {
			return fmt.Errorf("member %d has an empty name", i)
		}
		if j, ok := s.index[m]; ok {
			return fmt.Errorf("member %s is duplicated at index %d and %d", m, j, i)
		}
		s.index[m] = i
	}
	return nil
}
