package db

import (
	"fmt"
	"sort"
	"strings"
)

// FilterKind selects how a query parameter is turned into a WHERE clause.
type FilterKind int

const (
	FilterExact    FilterKind = iota // column = $n
	FilterContains                   // column ILIKE %value%
	FilterFrom                       // column >= $n
	FilterTo                         // column <= $n
	FilterAny                        // $n = ANY(column), for text[] columns
	FilterBool                       // column = $n::boolean
)

// Filter maps a query parameter name to its column.
type Filter struct {
	Kind   FilterKind
	Column string
}

// SearchQuery accumulates WHERE fragments and positional arguments for a
// paged listing of one table.
type SearchQuery struct {
	table   string
	cols    string
	where   string
	args    []interface{}
	idx     int
	orderBy string
}

func NewSearchQuery(table, cols string) *SearchQuery {
	return &SearchQuery{table: table, cols: cols, idx: 1}
}

// Add appends a raw clause (without leading "AND"). Placeholders in clause
// must start at Idx().
func (q *SearchQuery) Add(clause string, args ...interface{}) {
	q.where += " AND " + clause
	q.args = append(q.args, args...)
	q.idx += len(args)
}

func (q *SearchQuery) Idx() int { return q.idx }

// Apply adds one clause for value using f.
func (q *SearchQuery) Apply(f Filter, value string) {
	switch f.Kind {
	case FilterExact:
		q.Add(fmt.Sprintf("%s = $%d", f.Column, q.idx), value)
	case FilterContains:
		q.Add(fmt.Sprintf("%s ILIKE $%d", f.Column, q.idx), "%"+escapeLike(value)+"%")
	case FilterFrom:
		q.Add(fmt.Sprintf("%s >= $%d", f.Column, q.idx), value)
	case FilterTo:
		q.Add(fmt.Sprintf("%s <= $%d", f.Column, q.idx), value)
	case FilterAny:
		q.Add(fmt.Sprintf("$%d = ANY(%s)", q.idx, f.Column), value)
	case FilterBool:
		q.Add(fmt.Sprintf("%s = $%d::boolean", f.Column, q.idx), value)
	}
}

// ApplyParams applies every non-empty parameter that has a filter, in name
// order so the generated SQL is stable.
func (q *SearchQuery) ApplyParams(params map[string]string, filters map[string]Filter) {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		f, ok := filters[name]
		if !ok || params[name] == "" {
			continue
		}
		q.Apply(f, params[name])
	}
}

func (q *SearchQuery) OrderBy(orderBy string) {
	q.orderBy = orderBy
}

// ApplySort reads a "_sort" style value ("field,-other") and maps fields
// through sortable. Unknown fields are ignored; if nothing is left the
// default order is used.
func (q *SearchQuery) ApplySort(sortParam, defaultOrder string, sortable map[string]string) {
	var parts []string
	for _, field := range strings.Split(sortParam, ",") {
		field = strings.TrimSpace(field)
		dir := " ASC"
		if strings.HasPrefix(field, "-") {
			dir = " DESC"
			field = field[1:]
		}
		if col, ok := sortable[field]; ok {
			parts = append(parts, col+dir)
		}
	}
	if len(parts) == 0 {
		q.orderBy = defaultOrder
		return
	}
	q.orderBy = strings.Join(parts, ", ")
}

func (q *SearchQuery) CountSQL() string {
	return fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE 1=1%s", q.table, q.where)
}

func (q *SearchQuery) CountArgs() []interface{} {
	return q.args
}

func (q *SearchQuery) DataSQL() string {
	sql := fmt.Sprintf("SELECT %s FROM %s WHERE 1=1%s", q.cols, q.table, q.where)
	if q.orderBy != "" {
		sql += " ORDER BY " + q.orderBy
	}
	return sql + fmt.Sprintf(" LIMIT $%d OFFSET $%d", q.idx, q.idx+1)
}

func (q *SearchQuery) DataArgs(limit, offset int) []interface{} {
	out := make([]interface{}, len(q.args), len(q.args)+2)
	copy(out, q.args)
	return append(out, limit, offset)
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
