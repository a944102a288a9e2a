package mutation

import (
	"errors"
	"fmt"

	"github.com/tidylist/tidysync/pkg/models"
)

// Operation names.
const (
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
)

var (
	// ErrInvalidInput is returned before any state changes when the input
	// fails validation.
	ErrInvalidInput = errors.New("invalid input")
	// ErrPendingCreate is returned for updates and deletes of a record whose
	// create has not been confirmed yet.
	ErrPendingCreate = errors.New("record is still being created")
	// ErrNotLoaded is returned for local-only changes to a record the
	// collection does not hold.
	ErrNotLoaded = errors.New("record is not in the collection")
)

// WriteError reports a write the backend rejected. By the time it is
// returned the optimistic change has been rolled back.
type WriteError struct {
	Kind models.Kind
	Op   string
	ID   models.ID
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("%s %s %s failed: %v", e.Op, e.Kind, e.ID, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
