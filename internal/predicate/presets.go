package predicate

import "strings"

// ContentPages selects URLs under prefix that do not contain any of the
// excluded path segments (listing, tag or sub-pages of an entity).
func ContentPages(prefix string, excluded []string) Predicate {
	clauses := []Clause{{Column: "url", Op: OpPrefix, Value: prefix}}
	for _, seg := range excluded {
		if strings.TrimSpace(seg) == "" {
			continue
		}
		clauses = append(clauses, Clause{Column: "url", Op: OpNotContains, Value: seg})
	}
	return Predicate{Name: "content", Clauses: clauses}
}

// NestedPages selects URLs under prefix with segment somewhere after it,
// e.g. job postings below a company page.
func NestedPages(prefix, segment string) Predicate {
	return Predicate{
		Name:    "nested",
		Clauses: []Clause{{Column: "url", Op: OpLike, Value: prefix + "%" + segment + "%"}},
	}
}

// Substring selects URLs containing pattern, optionally excluding those
// containing exclude.
func Substring(pattern, exclude string) Predicate {
	p := Predicate{Name: "substring"}
	if pattern != "" {
		p.Clauses = append(p.Clauses, Clause{Column: "url", Op: OpContains, Value: pattern})
	}
	if exclude != "" {
		p.Clauses = append(p.Clauses, Clause{Column: "url", Op: OpNotContains, Value: exclude})
	}
	return p
}
