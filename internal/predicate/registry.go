package predicate

import (
	"fmt"
	"sort"
)

// Spec is the configuration form of a predicate. Clauses win over Segment,
// which wins over Prefix/ExcludeSegments.
type Spec struct {
	Prefix          string   `mapstructure:"prefix" yaml:"prefix"`
	ExcludeSegments []string `mapstructure:"exclude_segments" yaml:"exclude_segments"`
	Segment         string   `mapstructure:"segment" yaml:"segment"`
	Clauses         []Clause `mapstructure:"clauses" yaml:"clauses"`
}

// Build turns a spec into a named predicate.
func (s Spec) Build(name string) (Predicate, error) {
	var p Predicate
	switch {
	case len(s.Clauses) > 0:
		p = Predicate{Clauses: append([]Clause(nil), s.Clauses...)}
	case s.Segment != "":
		p = NestedPages(s.Prefix, s.Segment)
	case s.Prefix != "":
		p = ContentPages(s.Prefix, s.ExcludeSegments)
	default:
		p = All()
	}
	p.Name = name
	if err := p.Validate(); err != nil {
		return Predicate{}, fmt.Errorf("predicate %s: %w", name, err)
	}
	return p, nil
}

// Registry resolves predicates by name.
type Registry struct {
	byName map[string]Predicate
}

// NewRegistry builds a registry from specs. "all" is always registered.
func NewRegistry(specs map[string]Spec) (*Registry, error) {
	r := &Registry{byName: map[string]Predicate{"all": All()}}
	for name, spec := range specs {
		p, err := spec.Build(name)
		if err != nil {
			return nil, err
		}
		r.byName[name] = p
	}
	return r, nil
}

// Get returns the named predicate.
func (r *Registry) Get(name string) (Predicate, error) {
	p, ok := r.byName[name]
	if !ok {
		return Predicate{}, fmt.Errorf("%w: unknown predicate %q", ErrInvalid, name)
	}
	return p, nil
}

// Names lists registered predicates in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
