// Package gormstore is a backend.Table implementation on PostgreSQL using
// GORM. Cascading deletes and unique constraints are enforced by the schema
// that Migrate installs; row-level security, when enabled on the database,
// surfaces as backend.ErrPermissionDenied.
//
// # Usage
//
//	db, err := gormstore.Open(dsn)
//	if err != nil {
//		return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//		return err
//	}
//	client, err := tidysync.New(db.Tables(), transport, session, nil)
package gormstore

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/tidylist/tidysync/pkg/backend"
	"github.com/tidylist/tidysync/pkg/models"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

//go:embed schema.sql
var schema string

// insufficient_privilege, raised for row-level security violations.
const codeInsufficientPrivilege = "42501"

// DB owns the connection shared by every table.
type DB struct {
	db *gorm.DB
}

// Open connects to the PostgreSQL database at dsn.
func Open(dsn string) (*DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return New(db), nil
}

func New(db *gorm.DB) *DB {
	return &DB{db: db}
}

// Migrate creates the tables that do not exist yet.
func (s *DB) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).Exec(schema).Error
}

func (s *DB) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *DB) Tables() backend.Tables {
	return backend.Tables{
		Lists:    NewTable[models.List](s.db, Options{Stamp: "created_at"}),
		Tasks:    NewTable[models.Task](s.db, Options{Stamp: "created_at"}),
		Subtasks: NewTable[models.Subtask](s.db, Options{}),
		Comments: NewTable[models.Comment](s.db, Options{Stamp: "created_at"}),
		Members:  NewTable[models.Member](s.db, Options{Stamp: "invited_at"}),
		Profiles: NewTable[models.Profile](s.db, Options{CallerIDs: true, Stamp: "updated_at", Touch: true}),
	}
}

type Options struct {
	// CallerIDs keeps the id given on insert instead of assigning one.
	CallerIDs bool
	// Stamp is set to the current time on insert, and on update too when
	// Touch is set.
	Stamp string
	Touch bool
}

type Table[R models.Record[R]] struct {
	db   *gorm.DB
	name string
	opts Options
}

var _ backend.Table[models.Task] = (*Table[models.Task])(nil)

func NewTable[R models.Record[R]](db *gorm.DB, opts Options) *Table[R] {
	var zero R
	return &Table[R]{db: db, name: zero.Kind().Table(), opts: opts}
}

func (t *Table[R]) tx(ctx context.Context) *gorm.DB {
	return t.db.WithContext(ctx).Table(t.name)
}

func (t *Table[R]) Select(ctx context.Context, q backend.Query) ([]R, error) {
	tx := t.tx(ctx)
	for _, f := range q.Filters {
		col := clause.Column{Name: f.Column}
		switch f.Op {
		case backend.OpEq:
			tx = tx.Where(clause.Eq{Column: col, Value: f.Value})
		case backend.OpPrefix:
			prefix, ok := f.Value.(string)
			if !ok {
				return nil, fmt.Errorf("gormstore: prefix filter on %s needs a string, got %T", f.Column, f.Value)
			}
			tx = tx.Where(clause.Expr{SQL: "? ILIKE ?", Vars: []any{col, escapeLike(prefix) + "%"}})
		case backend.OpIn:
			values, ok := f.Value.([]any)
			if !ok {
				return nil, fmt.Errorf("gormstore: in filter on %s needs a list, got %T", f.Column, f.Value)
			}
			if len(values) == 0 {
				return nil, nil
			}
			tx = tx.Where(clause.IN{Column: col, Values: values})
		default:
			return nil, fmt.Errorf("gormstore: unsupported filter op %q", f.Op)
		}
	}
	if q.OrderBy != "" {
		tx = tx.Order(clause.OrderByColumn{Column: clause.Column{Name: q.OrderBy}, Desc: q.Descending})
	}
	if q.Limit > 0 {
		tx = tx.Limit(q.Limit)
	}

	var rows []R
	if err := tx.Find(&rows).Error; err != nil {
		return nil, translate(err)
	}
	return rows, nil
}

func (t *Table[R]) Insert(ctx context.Context, rec R) (R, error) {
	rows, err := t.InsertMany(ctx, []R{rec})
	if err != nil {
		var zero R
		return zero, err
	}
	return rows[0], nil
}

// InsertMany stores recs in one statement: either every row is stored or
// none is.
func (t *Table[R]) InsertMany(ctx context.Context, recs []R) ([]R, error) {
	if len(recs) == 0 {
		return nil, nil
	}

	rows := make([]R, 0, len(recs))
	now := time.Now().UTC()
	for _, rec := range recs {
		row, err := t.prepare(rec, now)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}

	if err := t.tx(ctx).Clauses(clause.Returning{}).Create(&rows).Error; err != nil {
		return nil, translate(err)
	}
	return rows, nil
}

func (t *Table[R]) prepare(rec R, now time.Time) (R, error) {
	row := models.RowOf(rec)
	id := row.RecordID()
	switch {
	case id.IsTemp():
		return row, fmt.Errorf("%w: %s", backend.ErrTemporaryID, id)
	case t.opts.CallerIDs && id.IsZero():
		return row, fmt.Errorf("gormstore: %s rows need a caller-assigned id", t.name)
	case !t.opts.CallerIDs:
		row = row.WithID(models.ID(uuid.NewString()))
	}
	if t.opts.Stamp != "" {
		stamped, err := models.ApplyPatch(row, models.Patch{t.opts.Stamp: now})
		if err != nil {
			return row, err
		}
		row = stamped
	}
	return row, nil
}

func (t *Table[R]) Update(ctx context.Context, id models.ID, patch models.Patch) (R, error) {
	var row R
	if id.IsTemp() {
		return row, fmt.Errorf("%w: %s", backend.ErrTemporaryID, id)
	}

	values, err := columns(patch.Without("id"))
	if err != nil {
		return row, err
	}
	if t.opts.Touch && t.opts.Stamp != "" {
		values[t.opts.Stamp] = time.Now().UTC()
	}
	if len(values) == 0 {
		rows, err := t.Select(ctx, backend.ByID(id))
		if err != nil {
			return row, err
		}
		if len(rows) == 0 {
			return row, fmt.Errorf("%w: %s %s", backend.ErrNotFound, t.name, id)
		}
		return rows[0], nil
	}

	res := t.tx(ctx).Model(&row).Clauses(clause.Returning{}).Where("id = ?", string(id)).Updates(values)
	if res.Error != nil {
		return row, translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return row, fmt.Errorf("%w: %s %s", backend.ErrNotFound, t.name, id)
	}
	return row, nil
}

// Delete removes the row keyed id. Deleting a missing row is not an error.
func (t *Table[R]) Delete(ctx context.Context, id models.ID) error {
	if id.IsTemp() {
		return fmt.Errorf("%w: %s", backend.ErrTemporaryID, id)
	}
	var zero R
	return translate(t.tx(ctx).Where("id = ?", string(id)).Delete(&zero).Error)
}

// columns turns a patch into column values the driver accepts: objects and
// arrays are sent as json.
func columns(patch models.Patch) (map[string]any, error) {
	values := make(map[string]any, len(patch))
	for col, v := range patch {
		switch reflect.ValueOf(v).Kind() {
		case reflect.Map, reflect.Slice:
			if _, ok := v.([]byte); ok {
				values[col] = v
				continue
			}
			b, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("gormstore: failed to encode %s: %w", col, err)
			}
			values[col] = string(b)
		default:
			values[col] = v
		}
	}
	return values, nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func translate(err error) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return fmt.Errorf("%w: %w", backend.ErrNotFound, err)
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return fmt.Errorf("%w: %w", backend.ErrConflict, err)
	case errors.Is(err, gorm.ErrForeignKeyViolated):
		return fmt.Errorf("%w: %w", backend.ErrNotFound, err)
	case errors.As(err, &pgErr) && pgErr.Code == codeInsufficientPrivilege:
		return fmt.Errorf("%w: %w", backend.ErrPermissionDenied, err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return err
	}

	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return fmt.Errorf("%w: %w", backend.ErrUnavailable, err)
	}
	return err
}
