// Package predicate describes URL selections as data so the same selection
// can be rendered into SQL for any ledger backend, compared, and logged.
package predicate

import (
	"errors"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
)

// ErrInvalid is returned for predicates that reference unknown columns or
// operators.
var ErrInvalid = errors.New("invalid predicate")

// Op is a comparison applied to one column.
type Op string

// Supported operators. like/not_like take raw SQL patterns; the rest are
// translated into patterns or equality.
const (
	OpLike        Op = "like"
	OpNotLike     Op = "not_like"
	OpEq          Op = "eq"
	OpNeq         Op = "neq"
	OpContains    Op = "contains"
	OpNotContains Op = "not_contains"
	OpPrefix      Op = "prefix"
)

var allowedColumns = map[string]struct{}{
	"url":                {},
	"source_tag":         {},
	"last_modified_hint": {},
}

// Clause is one condition of a predicate.
type Clause struct {
	Column string `mapstructure:"column" yaml:"column" json:"column"`
	Op     Op     `mapstructure:"op" yaml:"op" json:"op"`
	Value  string `mapstructure:"value" yaml:"value" json:"value"`
}

// Predicate is a named conjunction of clauses. The zero value matches
// everything.
type Predicate struct {
	Name    string
	Clauses []Clause
}

// All matches every identifier in a queue.
func All() Predicate {
	return Predicate{Name: "all"}
}

// Validate checks every clause against the column and operator whitelist.
func (p Predicate) Validate() error {
	for i, c := range p.Clauses {
		if _, ok := allowedColumns[c.Column]; !ok {
			return fmt.Errorf("%w: clause %d: unknown column %q", ErrInvalid, i, c.Column)
		}
		switch c.Op {
		case OpLike, OpNotLike, OpEq, OpNeq, OpPrefix:
		case OpContains, OpNotContains:
			if c.Value == "" {
				return fmt.Errorf("%w: clause %d: empty %s value", ErrInvalid, i, c.Op)
			}
		default:
			return fmt.Errorf("%w: clause %d: unknown operator %q", ErrInvalid, i, c.Op)
		}
	}
	return nil
}

// And returns a predicate holding the clauses of both.
func (p Predicate) And(other Predicate) Predicate {
	clauses := make([]Clause, 0, len(p.Clauses)+len(other.Clauses))
	clauses = append(clauses, p.Clauses...)
	clauses = append(clauses, other.Clauses...)
	name := p.Name
	if other.Name != "" {
		name = strings.Trim(p.Name+"+"+other.Name, "+")
	}
	return Predicate{Name: name, Clauses: clauses}
}

// Equal reports whether two predicates select the same rows.
func (p Predicate) Equal(other Predicate) bool {
	if len(p.Clauses) != len(other.Clauses) {
		return false
	}
	for i := range p.Clauses {
		if p.Clauses[i] != other.Clauses[i] {
			return false
		}
	}
	return true
}

// String renders the predicate for logs.
func (p Predicate) String() string {
	if len(p.Clauses) == 0 {
		return "true"
	}
	parts := make([]string, 0, len(p.Clauses))
	for _, c := range p.Clauses {
		parts = append(parts, fmt.Sprintf("%s %s %q", c.Column, c.Op, c.Value))
	}
	return strings.Join(parts, " AND ")
}

// Sqlizer renders the clauses into a squirrel condition. The predicate must
// be valid.
func (p Predicate) Sqlizer() (sq.Sqlizer, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	conds := make(sq.And, 0, len(p.Clauses))
	for _, c := range p.Clauses {
		conds = append(conds, c.sqlizer())
	}
	return conds, nil
}

func (c Clause) sqlizer() sq.Sqlizer {
	switch c.Op {
	case OpLike:
		return sq.Like{c.Column: c.Value}
	case OpNotLike:
		return sq.NotLike{c.Column: c.Value}
	case OpEq:
		return sq.Eq{c.Column: c.Value}
	case OpNeq:
		return sq.NotEq{c.Column: c.Value}
	case OpContains:
		return sq.Like{c.Column: "%" + c.Value + "%"}
	case OpNotContains:
		return sq.NotLike{c.Column: "%" + c.Value + "%"}
	case OpPrefix:
		return sq.Like{c.Column: c.Value + "%"}
	}
	return sq.Expr("1 = 0")
}
