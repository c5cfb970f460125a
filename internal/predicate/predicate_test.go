package predicate

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSqlizerRendersClauses(t *testing.T) {
	t.Parallel()

	p := ContentPages("https://example.com/companies/", []string{"/jobs", "", "/tags/"})
	cond, err := p.Sqlizer()
	require.NoError(t, err)

	sql, args, err := cond.ToSql()
	require.NoError(t, err)
	require.Equal(t, "(url LIKE ? AND url NOT LIKE ? AND url NOT LIKE ?)", sql)
	require.Equal(t, []any{"https://example.com/companies/%", "%/jobs%", "%/tags/%"}, args)
}

func TestSqlizerEmptyMatchesAll(t *testing.T) {
	t.Parallel()

	cond, err := All().Sqlizer()
	require.NoError(t, err)
	sql, args, err := cond.ToSql()
	require.NoError(t, err)
	require.Equal(t, "(1=1)", sql)
	require.Empty(t, args)
}

func TestValidateRejectsUnknownColumnAndOp(t *testing.T) {
	t.Parallel()

	_, err := Predicate{Clauses: []Clause{{Column: "url; DROP TABLE x", Op: OpEq, Value: "a"}}}.Sqlizer()
	require.ErrorIs(t, err, ErrInvalid)

	err = Predicate{Clauses: []Clause{{Column: "url", Op: "regex", Value: "a"}}}.Validate()
	require.ErrorIs(t, err, ErrInvalid)

	err = Predicate{Clauses: []Clause{{Column: "url", Op: OpContains}}}.Validate()
	require.ErrorIs(t, err, ErrInvalid)
}

func TestNestedAndSubstring(t *testing.T) {
	t.Parallel()

	nested := NestedPages("https://example.com/companies/", "/jobs/")
	require.Equal(t, []Clause{{Column: "url", Op: OpLike, Value: "https://example.com/companies/%/jobs/%"}}, nested.Clauses)

	sub := Substring("acme", "launches")
	require.Len(t, sub.Clauses, 2)
	require.Equal(t, `url contains "acme" AND url not_contains "launches"`, sub.String())
	require.Equal(t, "true", Substring("", "").String())
}

func TestEqualAndAnd(t *testing.T) {
	t.Parallel()

	a := Substring("a", "")
	b := Predicate{Name: "other", Clauses: []Clause{{Column: "url", Op: OpContains, Value: "a"}}}
	require.True(t, a.Equal(b))
	require.False(t, a.Equal(All()))

	joined := a.And(Predicate{Name: "tag", Clauses: []Clause{{Column: "source_tag", Op: OpEq, Value: "sitemap"}}})
	require.Len(t, joined.Clauses, 2)
	require.Equal(t, "substring+tag", joined.Name)
	require.Len(t, a.Clauses, 1)
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	reg, err := NewRegistry(map[string]Spec{
		"content": {Prefix: "https://example.com/c/", ExcludeSegments: []string{"/jobs"}},
		"jobs":    {Prefix: "https://example.com/c/", Segment: "/jobs/"},
		"custom":  {Clauses: []Clause{{Column: "source_tag", Op: OpEq, Value: "manual"}}},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"all", "content", "custom", "jobs"}, reg.Names())

	jobs, err := reg.Get("jobs")
	require.NoError(t, err)
	require.Equal(t, "jobs", jobs.Name)
	require.Equal(t, OpLike, jobs.Clauses[0].Op)

	_, err = reg.Get("missing")
	require.ErrorIs(t, err, ErrInvalid)

	_, err = NewRegistry(map[string]Spec{"bad": {Clauses: []Clause{{Column: "html", Op: OpEq}}}})
	require.ErrorIs(t, err, ErrInvalid)
}
