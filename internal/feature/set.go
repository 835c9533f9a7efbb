package feature

import (
	"slices"
	"strings"
)

// Set maps feature names to values for one inference row. Keys are unique;
// insertion order is kept only so diagnostics and iteration are stable.
type Set struct {
	names  []string
	values map[string]*Value
}

// NewSet returns an empty set.
func NewSet() *Set {
	return &Set{values: make(map[string]*Value)}
}

// Put stores v under name. Re-putting a name replaces the value in place.
func (s *Set) Put(name string, v *Value) {
	if s.values == nil {
		s.values = make(map[string]*Value)
	}
	if _, ok := s.values[name]; !ok {
		s.names = append(s.names, name)
	}
	s.values[name] = v
}

// Get returns the value stored under name.
func (s *Set) Get(name string) (*Value, bool) {
	if s == nil {
		return nil, false
	}
	v, ok := s.values[name]
	return v, ok
}

// Has reports whether name is present.
func (s *Set) Has(name string) bool {
	_, ok := s.Get(name)
	return ok
}

// Delete removes name if present.
func (s *Set) Delete(name string) {
	if _, ok := s.values[name]; !ok {
		return
	}
	delete(s.values, name)
	s.names = slices.DeleteFunc(s.names, func(n string) bool { return n == name })
}

// Len returns the number of features.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.names)
}

// Names returns the feature names in insertion order.
func (s *Set) Names() []string {
	if s == nil {
		return nil
	}
	return slices.Clone(s.names)
}

// Range calls fn for every feature in insertion order until fn returns false.
func (s *Set) Range(fn func(name string, v *Value) bool) {
	if s == nil {
		return
	}
	for _, n := range s.names {
		if !fn(n, s.values[n]) {
			return
		}
	}
}

// Clone returns a shallow copy. Values are immutable so they are shared.
func (s *Set) Clone() *Set {
	c := NewSet()
	s.Range(func(name string, v *Value) bool {
		c.Put(name, v)
		return true
	})
	return c
}

func (s *Set) String() string {
	var b strings.Builder
	b.WriteByte('{')
	s.Range(func(name string, v *Value) bool {
		if b.Len() > 1 {
			b.WriteString(", ")
		}
		b.WriteString(name)
		b.WriteByte(':')
		b.WriteString(v.String())
		return true
	})
	b.WriteByte('}')
	return b.String()
}
