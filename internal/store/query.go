package store

import (
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Operator is a predicate operator understood by the REST store.
type Operator string

const (
	OpEq   Operator = "eq"
	OpIn   Operator = "in"
	OpLike Operator = "like"
	OpIs   Operator = "is"
	OpGt   Operator = "gt"
)

// Filter is one column predicate.
type Filter struct {
	Column string
	Op     Operator
	Values []string
}

type ordering struct {
	column string
	desc   bool
}

// Query is a predicate builder for table reads and updates. Like patterns
// use "*" as the wildcard.
type Query struct {
	filters []Filter
	order   []ordering
	limit   int
	columns []string
}

// NewQuery starts an empty query.
func NewQuery() *Query {
	return &Query{}
}

// Eq matches column = v.
func (q *Query) Eq(column string, v interface{}) *Query {
	q.filters = append(q.filters, Filter{Column: column, Op: OpEq, Values: []string{FormatValue(v)}})
	return q
}

// In matches column against any of values.
func (q *Query) In(column string, values ...interface{}) *Query {
	formatted := make([]string, 0, len(values))
	for _, v := range values {
		formatted = append(formatted, FormatValue(v))
	}
	q.filters = append(q.filters, Filter{Column: column, Op: OpIn, Values: formatted})
	return q
}

// Like matches column against pattern.
func (q *Query) Like(column, pattern string) *Query {
	q.filters = append(q.filters, Filter{Column: column, Op: OpLike, Values: []string{pattern}})
	return q
}

// Gt matches column > v.
func (q *Query) Gt(column string, v interface{}) *Query {
	q.filters = append(q.filters, Filter{Column: column, Op: OpGt, Values: []string{FormatValue(v)}})
	return q
}

// IsNull matches rows where column is null.
func (q *Query) IsNull(column string) *Query {
	q.filters = append(q.filters, Filter{Column: column, Op: OpIs, Values: []string{"null"}})
	return q
}

// OrderBy appends a sort key.
func (q *Query) OrderBy(column string, desc bool) *Query {
	q.order = append(q.order, ordering{column: column, desc: desc})
	return q
}

// Limit caps the number of returned rows.
func (q *Query) Limit(n int) *Query {
	q.limit = n
	return q
}

// Select restricts the returned columns.
func (q *Query) Select(columns ...string) *Query {
	q.columns = append(q.columns, columns...)
	return q
}

// Filters returns the predicates of q.
func (q *Query) Filters() []Filter {
	return q.filters
}

// Values renders q as REST query parameters.
func (q *Query) Values() url.Values {
	values := url.Values{}
	if q == nil {
		return values
	}
	for _, f := range q.filters {
		switch f.Op {
		case OpIn:
			quoted := make([]string, 0, len(f.Values))
			for _, v := range f.Values {
				quoted = append(quoted, strconv.Quote(v))
			}
			values.Add(f.Column, fmt.Sprintf("in.(%s)", strings.Join(quoted, ",")))
		default:
			values.Add(f.Column, fmt.Sprintf("%s.%s", f.Op, f.Values[0]))
		}
	}
	if len(q.order) > 0 {
		parts := make([]string, 0, len(q.order))
		for _, o := range q.order {
			if o.desc {
				parts = append(parts, o.column+".desc.nullslast")
			} else {
				parts = append(parts, o.column+".asc")
			}
		}
		values.Set("order", strings.Join(parts, ","))
	}
	if q.limit > 0 {
		values.Set("limit", strconv.Itoa(q.limit))
	}
	if len(q.columns) > 0 {
		values.Set("select", strings.Join(q.columns, ","))
	}
	return values
}

// FormatValue renders a predicate operand the way the store stores it.
func FormatValue(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case string:
		return t
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	case *time.Time:
		if t == nil {
			return "null"
		}
		return t.UTC().Format(time.RFC3339Nano)
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprint(v)
	}
}

// Match evaluates the predicates of q against a decoded row.
func (q *Query) Match(row map[string]interface{}) bool {
	if q == nil {
		return true
	}
	for _, f := range q.filters {
		value, present := row[f.Column]
		switch f.Op {
		case OpIs:
			if present && value != nil {
				return false
			}
		case OpEq:
			if !present || value == nil || !valuesEqual(FormatValue(value), f.Values[0]) {
				return false
			}
		case OpIn:
			if !present || value == nil {
				return false
			}
			found := false
			for _, candidate := range f.Values {
				if valuesEqual(FormatValue(value), candidate) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		case OpLike:
			if !present || value == nil || !likeMatch(FormatValue(value), f.Values[0]) {
				return false
			}
		case OpGt:
			if !present || value == nil || compareValues(value, f.Values[0]) <= 0 {
				return false
			}
		}
	}
	return true
}

// Apply filters, sorts, limits and projects rows in memory.
func (q *Query) Apply(rows []map[string]interface{}) []map[string]interface{} {
	var matched []map[string]interface{}
	for _, row := range rows {
		if q.Match(row) {
			matched = append(matched, row)
		}
	}
	if q == nil {
		return matched
	}
	if len(q.order) > 0 {
		sort.SliceStable(matched, func(i, j int) bool {
			for _, o := range q.order {
				a, b := matched[i][o.column], matched[j][o.column]
				// Nulls sort last in both directions.
				if (a == nil) != (b == nil) {
					return b == nil
				}
				c := compareValues(a, b)
				if c == 0 {
					continue
				}
				if o.desc {
					return c > 0
				}
				return c < 0
			}
			return false
		})
	}
	if q.limit > 0 && len(matched) > q.limit {
		matched = matched[:q.limit]
	}
	if len(q.columns) > 0 {
		projected := make([]map[string]interface{}, 0, len(matched))
		for _, row := range matched {
			p := make(map[string]interface{}, len(q.columns))
			for _, c := range q.columns {
				p[c] = row[c]
			}
			projected = append(projected, p)
		}
		matched = projected
	}
	return matched
}

func valuesEqual(a, b string) bool {
	if a == b {
		return true
	}
	ta, errA := time.Parse(time.RFC3339Nano, a)
	tb, errB := time.Parse(time.RFC3339Nano, b)
	if errA == nil && errB == nil {
		return ta.Equal(tb)
	}
	fa, errA := strconv.ParseFloat(a, 64)
	fb, errB := strconv.ParseFloat(b, 64)
	return errA == nil && errB == nil && fa == fb
}

// compareValues orders nulls last, then numbers, times and strings.
func compareValues(a, b interface{}) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	}
	sa, sb := FormatValue(a), FormatValue(b)
	if fa, err := strconv.ParseFloat(sa, 64); err == nil {
		if fb, err := strconv.ParseFloat(sb, 64); err == nil {
			switch {
			case fa < fb:
				return -1
			case fa > fb:
				return 1
			}
			return 0
		}
	}
	if ta, err := time.Parse(time.RFC3339Nano, sa); err == nil {
		if tb, err := time.Parse(time.RFC3339Nano, sb); err == nil {
			return ta.Compare(tb)
		}
	}
	return strings.Compare(sa, sb)
}

func likeMatch(value, pattern string) bool {
	parts := strings.Split(pattern, "*")
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(p)
	}
	re, err := regexp.Compile("^" + strings.Join(parts, ".*") + "$")
	if err != nil {
		return false
	}
	return re.MatchString(value)
}
