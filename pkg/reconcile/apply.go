// Package reconcile merges change events into collections.
//
// Apply is the pure merge. It is idempotent for every action, so events may
// be delivered more than once and a session may receive its own broadcasts.
// Resolver decodes events arriving on a notifier channel and falls back to a
// full refetch whenever an event cannot be trusted.
package reconcile

import (
	"errors"
	"fmt"

	"github.com/tidylist/tidysync/pkg/collection"
	"github.com/tidylist/tidysync/pkg/models"
)

// Result tells what Apply did with an event.
type Result string

const (
	Replaced  Result = "replaced"
	Inserted  Result = "inserted"
	Duplicate Result = "duplicate"
	Merged    Result = "merged"
	Removed   Result = "removed"
	Ignored   Result = "ignored"
)

// ErrAnomaly marks events that cannot be applied safely.
var ErrAnomaly = errors.New("reconcile: anomalous change event")

// Check validates ev before it touches a collection.
func Check[R models.Record[R]](ev models.ChangeEvent[R]) error {
	id := ev.Record.RecordID()
	switch {
	case !ev.Action.Valid():
		return fmt.Errorf("%w: unknown action %q", ErrAnomaly, ev.Action)
	case id.IsZero():
		return fmt.Errorf("%w: %s event without id", ErrAnomaly, ev.Action)
	case id.IsTemp():
		return fmt.Errorf("%w: %s event for temporary id %s", ErrAnomaly, ev.Action, id)
	case !ev.CorrelationID.IsZero() && !ev.CorrelationID.IsTemp():
		return fmt.Errorf("%w: correlation id %s is not temporary", ErrAnomaly, ev.CorrelationID)
	}
	if ev.Action == models.Deleted {
		return nil
	}
	if err := models.Validate(ev.Record); err != nil {
		return fmt.Errorf("%w: %w", ErrAnomaly, err)
	}
	return nil
}

// Apply merges ev into items and returns the next collection state.
//
//   - Created replaces the live temporary record named by the correlation id,
//     is dropped when the id is already present, and is prepended otherwise.
//   - Updated merges the record's fields by id and ignores unknown ids.
//   - Deleted removes the id, and the correlation id when one is given.
func Apply[R models.Record[R]](items []R, ev models.ChangeEvent[R]) ([]R, Result, error) {
	id := ev.Record.RecordID()

	switch ev.Action {
	case models.Created:
		if ev.CorrelationID.IsTemp() && collection.Contains(items, ev.CorrelationID) {
			return collection.Replace(items, ev.CorrelationID, ev.Record), Replaced, nil
		}
		if collection.Contains(items, id) {
			return items, Duplicate, nil
		}
		return collection.InsertOptimistic(items, ev.Record), Inserted, nil

	case models.Updated:
		if !collection.Contains(items, id) {
			return items, Ignored, nil
		}
		patch, err := models.PatchOf(ev.Record)
		if err != nil {
			return items, "", fmt.Errorf("%w: %w", ErrAnomaly, err)
		}
		out, err := collection.Merge(items, id, patch)
		if err != nil {
			return items, "", fmt.Errorf("%w: %w", ErrAnomaly, err)
		}
		return out, Merged, nil

	case models.Deleted:
		result := Ignored
		if collection.Contains(items, id) {
			items = collection.Remove(items, id)
			result = Removed
		}
		if ev.CorrelationID.IsTemp() && collection.Contains(items, ev.CorrelationID) {
			items = collection.Remove(items, ev.CorrelationID)
			result = Removed
		}
		return items, result, nil
	}

	return items, "", fmt.Errorf("%w: unknown action %q", ErrAnomaly, ev.Action)
}
