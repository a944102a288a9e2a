package backend

import "github.com/tidylist/tidysync/pkg/models"

type Op string

const (
	OpEq     Op = "eq"
	OpPrefix Op = "prefix"
	OpIn     Op = "in"
)

// Filter restricts a select to rows whose Column matches Value. For OpIn,
// Value is a slice.
type Filter struct {
	Column string
	Op     Op
	Value  any
}

func Eq(column string, value any) Filter {
	return Filter{Column: column, Op: OpEq, Value: value}
}

func Prefix(column, prefix string) Filter {
	return Filter{Column: column, Op: OpPrefix, Value: prefix}
}

func In(column string, values ...any) Filter {
	return Filter{Column: column, Op: OpIn, Value: values}
}

// Query selects rows matching every filter. Zero Limit means no limit.
type Query struct {
	Filters    []Filter
	OrderBy    string
	Descending bool
	Limit      int
}

func Where(filters ...Filter) Query {
	return Query{Filters: filters}
}

func (q Query) Order(column string, descending bool) Query {
	q.OrderBy = column
	q.Descending = descending
	return q
}

func (q Query) WithLimit(n int) Query {
	q.Limit = n
	return q
}

// ByID selects the row keyed id.
func ByID(id models.ID) Query {
	return Where(Eq("id", string(id))).WithLimit(1)
}
