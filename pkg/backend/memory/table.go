package memory

import (
	"cmp"
	"context"
	"fmt"
	"reflect"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/tidylist/tidysync/pkg/backend"
	"github.com/tidylist/tidysync/pkg/models"
)

type tableOptions struct {
	// callerIDs tables keep the id given on insert instead of assigning one.
	callerIDs bool
	// stamp is set to the server time on insert, and on update too when
	// touch is set.
	stamp  string
	touch  bool
	unique [][]string
}

type cascader interface {
	deleteWhere(column string, id models.ID)
}

type child struct {
	table  cascader
	column string
}

// Table is an in-memory backend.Table.
type Table[R models.Record[R]] struct {
	db   *DB
	name string
	opts tableOptions

	mu       sync.Mutex
	rows     []R
	children []child
}

var _ backend.Table[models.List] = (*Table[models.List])(nil)

func newTable[R models.Record[R]](db *DB, opts tableOptions) *Table[R] {
	var zero R
	return &Table[R]{db: db, name: zero.Kind().Table(), opts: opts}
}

// cascade deletes rows of c whose column references a deleted row of t.
func (t *Table[R]) cascade(c cascader, column string) {
	t.children = append(t.children, child{table: c, column: column})
}

func (t *Table[R]) Name() string {
	return t.name
}

// Seed stores rows as given, bypassing failures, id assignment and stamps.
func (t *Table[R]) Seed(rows ...R) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, row := range rows {
		t.rows = append(t.rows, models.RowOf(row))
	}
}

// Rows returns every stored row in insertion order.
func (t *Table[R]) Rows() []R {
	t.mu.Lock()
	defer t.mu.Unlock()

	return slices.Clone(t.rows)
}

func (t *Table[R]) Select(ctx context.Context, q backend.Query) ([]R, error) {
	if err := t.db.intercept(ctx, t.name, OpSelect); err != nil {
		return nil, err
	}

	t.mu.Lock()
	var out []R
	for _, row := range t.rows {
		ok, err := matches(fieldsOf(row), q.Filters)
		if err != nil {
			t.mu.Unlock()
			return nil, err
		}
		if ok {
			out = append(out, row)
		}
	}
	t.mu.Unlock()

	if q.OrderBy != "" {
		slices.SortStableFunc(out, func(a, b R) int {
			c := compareValues(fieldsOf(a)[q.OrderBy], fieldsOf(b)[q.OrderBy])
			if q.Descending {
				return -c
			}
			return c
		})
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (t *Table[R]) Insert(ctx context.Context, rec R) (R, error) {
	rows, err := t.insert(ctx, []R{rec})
	if err != nil {
		var zero R
		return zero, err
	}
	return rows[0], nil
}

// InsertMany stores every record or none of them.
func (t *Table[R]) InsertMany(ctx context.Context, recs []R) ([]R, error) {
	return t.insert(ctx, recs)
}

func (t *Table[R]) insert(ctx context.Context, recs []R) ([]R, error) {
	if err := t.db.intercept(ctx, t.name, OpInsert); err != nil {
		return nil, err
	}

	prepared := make([]R, 0, len(recs))
	for _, rec := range recs {
		row, err := t.prepare(rec)
		if err != nil {
			return nil, err
		}
		prepared = append(prepared, row)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	candidate := slices.Clone(t.rows)
	for _, row := range prepared {
		if err := t.checkUnique(candidate, row); err != nil {
			return nil, err
		}
		candidate = append(candidate, row)
	}
	t.rows = candidate
	return prepared, nil
}

func (t *Table[R]) prepare(rec R) (R, error) {
	var zero R
	rec = models.RowOf(rec)

	id := rec.RecordID()
	switch {
	case id.IsTemp():
		return zero, fmt.Errorf("%w: %s on %s", backend.ErrTemporaryID, id, t.name)
	case id.IsZero() && t.opts.callerIDs:
		return zero, fmt.Errorf("memory: %s requires an id on insert", t.name)
	case id.IsZero():
		rec = rec.WithID(models.ID(uuid.NewString()))
	}

	if t.opts.stamp != "" {
		return models.ApplyPatch(rec, models.Patch{t.opts.stamp: t.db.now()})
	}
	return rec, nil
}

func (t *Table[R]) Update(ctx context.Context, id models.ID, patch models.Patch) (R, error) {
	var zero R
	if err := t.db.intercept(ctx, t.name, OpUpdate); err != nil {
		return zero, err
	}
	if id.IsTemp() {
		return zero, fmt.Errorf("%w: %s on %s", backend.ErrTemporaryID, id, t.name)
	}

	patch = patch.Without("id")
	if t.opts.touch && t.opts.stamp != "" {
		patch[t.opts.stamp] = t.db.now()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	idx := slices.IndexFunc(t.rows, func(r R) bool { return r.RecordID() == id })
	if idx < 0 {
		return zero, fmt.Errorf("%w: %s %s", backend.ErrNotFound, t.name, id)
	}
	row, err := models.ApplyPatch(t.rows[idx], patch)
	if err != nil {
		return zero, err
	}
	row = models.RowOf(row.WithID(id))

	others := slices.Delete(slices.Clone(t.rows), idx, idx+1)
	if err := t.checkUnique(others, row); err != nil {
		return zero, err
	}
	t.rows[idx] = row
	return row, nil
}

// Delete removes the row keyed id along with the rows referencing it. A
// missing row is not an error.
func (t *Table[R]) Delete(ctx context.Context, id models.ID) error {
	if err := t.db.intercept(ctx, t.name, OpDelete); err != nil {
		return err
	}
	if id.IsTemp() {
		return fmt.Errorf("%w: %s on %s", backend.ErrTemporaryID, id, t.name)
	}

	t.removeWhere(func(r R) bool { return r.RecordID() == id })
	return nil
}

func (t *Table[R]) deleteWhere(column string, id models.ID) {
	t.removeWhere(func(r R) bool {
		v, _ := fieldsOf(r)[column].(string)
		return v == string(id)
	})
}

func (t *Table[R]) removeWhere(match func(R) bool) {
	t.mu.Lock()
	var removed []models.ID
	t.rows = slices.DeleteFunc(t.rows, func(r R) bool {
		if match(r) {
			removed = append(removed, r.RecordID())
			return true
		}
		return false
	})
	children := t.children
	t.mu.Unlock()

	for _, id := range removed {
		for _, c := range children {
			c.table.deleteWhere(c.column, id)
		}
	}
}

func (t *Table[R]) checkUnique(rows []R, row R) error {
	fields := fieldsOf(row)
	for _, other := range rows {
		if other.RecordID() == row.RecordID() {
			return fmt.Errorf("%w: %s id %s", backend.ErrConflict, t.name, row.RecordID())
		}
		for _, cols := range t.opts.unique {
			if sameValues(fields, fieldsOf(other), cols) {
				return fmt.Errorf("%w: %s (%s)", backend.ErrConflict, t.name, strings.Join(cols, ", "))
			}
		}
	}
	return nil
}

func sameValues(a, b models.Patch, cols []string) bool {
	for _, c := range cols {
		// NULLs never conflict.
		if a[c] == nil || b[c] == nil || !reflect.DeepEqual(a[c], b[c]) {
			return false
		}
	}
	return true
}

func fieldsOf[R any](rec R) models.Patch {
	p, err := models.PatchOf(rec)
	if err != nil {
		panic(fmt.Sprintf("BUG: memory: record %T does not encode: %v", rec, err))
	}
	return p
}

// normalize gives v the representation PatchOf uses for stored fields.
func normalize(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func matches(fields models.Patch, filters []backend.Filter) (bool, error) {
	for _, f := range filters {
		got := fields[f.Column]
		switch f.Op {
		case backend.OpEq, "":
			want, err := normalize(f.Value)
			if err != nil {
				return false, err
			}
			if !reflect.DeepEqual(got, want) {
				return false, nil
			}
		case backend.OpPrefix:
			s, ok := got.(string)
			prefix, _ := f.Value.(string)
			if !ok || !strings.HasPrefix(strings.ToLower(s), strings.ToLower(prefix)) {
				return false, nil
			}
		case backend.OpIn:
			values, err := normalize(f.Value)
			if err != nil {
				return false, err
			}
			list, _ := values.([]any)
			if !slices.ContainsFunc(list, func(v any) bool { return reflect.DeepEqual(got, v) }) {
				return false, nil
			}
		default:
			return false, fmt.Errorf("memory: unsupported filter op %q", f.Op)
		}
	}
	return true, nil
}

// compareValues orders decoded field values. NULL sorts after everything,
// as in PostgreSQL's default ascending order.
func compareValues(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	}

	switch av := a.(type) {
	case string:
		bv, _ := b.(string)
		at, aerr := time.Parse(time.RFC3339Nano, av)
		bt, berr := time.Parse(time.RFC3339Nano, bv)
		if aerr == nil && berr == nil {
			return at.Compare(bt)
		}
		return strings.Compare(av, bv)
	case float64:
		bv, _ := b.(float64)
		return cmp.Compare(av, bv)
	case bool:
		bv, _ := b.(bool)
		switch {
		case av == bv:
			return 0
		case !av:
			return -1
		default:
			return 1
		}
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}
