package store

import (
	"fmt"
	"strings"
)

// query assembles a SELECT with positional arguments. Conditions use "?"
// as the placeholder for their single argument.
type query struct {
	base       string
	conditions []string
	order      string
	args       []any
	max        int
}

func newQuery(base string) *query {
	return &query{base: base}
}

func (q *query) where(cond string, arg any) {
	q.args = append(q.args, arg)
	q.conditions = append(q.conditions, strings.Replace(cond, "?", fmt.Sprintf("$%d", len(q.args)), 1))
}

// whereRaw adds a condition with no argument.
func (q *query) whereRaw(cond string) {
	q.conditions = append(q.conditions, cond)
}

func (q *query) orderBy(order string) {
	q.order = order
}

func (q *query) limit(n int) {
	q.max = n
}

// build returns the SQL text and its arguments.
func (q *query) build() (string, []any) {
	args := append([]any(nil), q.args...)
	var b strings.Builder
	b.WriteString(q.base)
	if len(q.conditions) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(q.conditions, " AND "))
	}
	if q.order != "" {
		b.WriteString(" ORDER BY ")
		b.WriteString(q.order)
	}
	if q.max > 0 {
		args = append(args, q.max)
		fmt.Fprintf(&b, " LIMIT $%d", len(args))
	}
	return b.String(), args
}
