// Package suite runs named groups of integration cases against the sandbox
// platform and reports pass/fail per suite.
//
// A Suite is an ordered list of Cases. Each case receives a *T, which
// mirrors the subset of testing.T the integration suites need: logging,
// failure, skipping and LIFO cleanups. Suites are registered in a Registry
// and executed sequentially by a Runner.
package suite

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
)

// TagDefault marks suites that run when no names are given.
const TagDefault = "default"

// ErrUnknownSuite is returned when a requested suite is not registered.
var ErrUnknownSuite = errors.New("unknown suite")

// Case is one named check.
type Case struct {
	Name string
	Run  func(t *T)
}

// Suite is an ordered list of cases.
type Suite struct {
	Name        string
	Description string
	Tags        []string
	Cases       []Case
}

// HasTag reports whether the suite carries tag.
func (s *Suite) HasTag(tag string) bool {
	return slices.Contains(s.Tags, tag)
}

// Registry holds suites in registration order.
type Registry struct {
	mu     sync.RWMutex
	suites []*Suite
	byName map[string]*Suite
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]*Suite)}
}

// Register adds suites. Registering a name twice is an error.
func (r *Registry) Register(suites ...*Suite) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range suites {
		if s.Name == "" {
			return errors.New("suite name is required")
		}
		if _, ok := r.byName[s.Name]; ok {
			return fmt.Errorf("suite %q already registered", s.Name)
		}
		r.byName[s.Name] = s
		r.suites = append(r.suites, s)
	}
	return nil
}

// MustRegister is Register that panics on error.
func (r *Registry) MustRegister(suites ...*Suite) {
	if err := r.Register(suites...); err != nil {
		panic(err)
	}
}

// Names lists suite names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.suites))
	for i, s := range r.suites {
		names[i] = s.Name
	}
	return names
}

// All returns every suite in registration order.
func (r *Registry) All() []*Suite {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.suites)
}

// Lookup returns the suite registered under name.
func (r *Registry) Lookup(name string) (*Suite, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byName[name]
	return s, ok
}

// Defaults returns the suites tagged TagDefault, or every suite when none
// is tagged.
func (r *Registry) Defaults() []*Suite {
	all := r.All()
	var out []*Suite
	for _, s := range all {
		if s.HasTag(TagDefault) {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return all
	}
	return out
}

// Select resolves names in the given order. Unknown names produce an error
// matching ErrUnknownSuite that lists the available suites.
func (r *Registry) Select(names ...string) ([]*Suite, error) {
	out := make([]*Suite, 0, len(names))
	for _, n := range names {
		s, ok := r.Lookup(n)
		if !ok {
			return nil, fmt.Errorf("%w: %s (available: %s)", ErrUnknownSuite, n, strings.Join(r.Names(), ", "))
		}
		out = append(out, s)
	}
	return out, nil
}

// WithTag returns the suites carrying tag, in registration order.
func (r *Registry) WithTag(tag string) []*Suite {
	var out []*Suite
	for _, s := range r.All() {
		if s.HasTag(tag) {
			out = append(out, s)
		}
	}
	return out
}
