package tidysync

import (
	"errors"
	"fmt"

	"github.com/tidylist/tidysync/pkg/auth"
	"github.com/tidylist/tidysync/pkg/models"
	"github.com/tidylist/tidysync/pkg/mutation"
	"github.com/tidylist/tidysync/pkg/notifier"
)

var (
	// ErrInvalidInput is returned before any state changes. Callers may
	// treat it as a no-op.
	ErrInvalidInput = mutation.ErrInvalidInput
	// ErrPendingCreate is returned for updates and deletes of a record
	// whose create has not been confirmed yet.
	ErrPendingCreate = mutation.ErrPendingCreate
	ErrNoSession     = auth.ErrNoSession
	// ErrChannelLost is wrapped by View.Err once the transport dropped the
	// view's channel.
	ErrChannelLost = notifier.ErrLost
	ErrNotLoaded   = mutation.ErrNotLoaded

	ErrUserNotFound   = errors.New("tidysync: user not found")
	ErrAlreadyInvited = errors.New("tidysync: user already invited to this list")
	ErrClosed         = errors.New("tidysync: client closed")
)

// WriteError is returned when the backend rejected a write. The optimistic
// change has been rolled back.
type WriteError = mutation.WriteError

// PartialError is returned when a record was stored but a dependent step
// failed. The stored record is kept.
type PartialError struct {
	Kind models.Kind
	ID   models.ID
	Step string
	Err  error
}

func (e *PartialError) Error() string {
	return fmt.Sprintf("%s %s stored but %s failed: %v", e.Kind, e.ID, e.Step, e.Err)
}

func (e *PartialError) Unwrap() error {
	return e.Err
}
