// Package backend defines the request/response contract the sync engine
// needs from the hosted database: filtered and ordered selects, inserts and
// updates that return the stored row, and deletes by id. Row-level
// authorization is the backend's business.
package backend

import (
	"context"
	"errors"

	"github.com/tidylist/tidysync/pkg/models"
)

var (
	ErrNotFound         = errors.New("backend: record not found")
	ErrConflict         = errors.New("backend: unique constraint violated")
	ErrPermissionDenied = errors.New("backend: permission denied")
	ErrUnavailable      = errors.New("backend: unavailable")
	// ErrTemporaryID is returned when a locally generated id reaches the
	// backend. It always indicates a client bug.
	ErrTemporaryID = errors.New("backend: temporary id must not be persisted")
)

// Table is one backend table holding records of kind R.
type Table[R models.Record[R]] interface {
	Select(ctx context.Context, q Query) ([]R, error)
	// Insert stores rec and returns the stored row. rec's id is empty
	// unless the table uses caller-assigned ids.
	Insert(ctx context.Context, rec R) (R, error)
	InsertMany(ctx context.Context, recs []R) ([]R, error)
	// Update applies patch to the row keyed id and returns the stored row.
	Update(ctx context.Context, id models.ID, patch models.Patch) (R, error)
	Delete(ctx context.Context, id models.ID) error
}

// Tables bundles the tables of the list app.
type Tables struct {
	Lists    Table[models.List]
	Tasks    Table[models.Task]
	Subtasks Table[models.Subtask]
	Comments Table[models.Comment]
	Members  Table[models.Member]
	Profiles Table[models.Profile]
}

func (t Tables) Validate() error {
	if t.Lists == nil || t.Tasks == nil || t.Subtasks == nil || t.Comments == nil || t.Members == nil || t.Profiles == nil {
		return errors.New("backend: every table must be set")
	}
	return nil
}
