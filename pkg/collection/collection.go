// Package collection implements the ordered, per-kind record collections the
// client renders from.
//
// The package-level functions are pure transitions: they never modify their
// input slice and always return a new one. Store wraps them with the shared,
// observable state a set of views reads from.
package collection

import (
	"slices"

	"github.com/tidylist/tidysync/pkg/models"
)

// IndexOf returns the position of the record with id, or -1.
func IndexOf[R models.Record[R]](items []R, id models.ID) int {
	return slices.IndexFunc(items, func(r R) bool { return r.RecordID() == id })
}

// Contains reports whether a record keyed id is in items.
func Contains[R models.Record[R]](items []R, id models.ID) bool {
	return IndexOf(items, id) >= 0
}

// InsertOptimistic prepends rec.
func InsertOptimistic[R models.Record[R]](items []R, rec R) []R {
	out := make([]R, 0, len(items)+1)
	out = append(out, rec)
	return append(out, items...)
}

// Replace puts rec where the record keyed oldID is. Other records sharing
// rec's id are dropped so the id stays unique. When oldID is absent, rec is
// prepended after the same deduplication.
func Replace[R models.Record[R]](items []R, oldID models.ID, rec R) []R {
	newID := rec.RecordID()
	idx := IndexOf(items, oldID)

	out := make([]R, 0, len(items)+1)
	if idx < 0 {
		out = append(out, rec)
	}
	for i, item := range items {
		switch {
		case i == idx:
			out = append(out, rec)
		case item.RecordID() == newID:
		default:
			out = append(out, item)
		}
	}
	return out
}

// Merge shallow-merges p into the record keyed id. A missing id is a no-op.
// The id itself is never changed by a merge.
func Merge[R models.Record[R]](items []R, id models.ID, p models.Patch) ([]R, error) {
	idx := IndexOf(items, id)
	if idx < 0 {
		return items, nil
	}
	merged, err := models.ApplyPatch(items[idx], p.Without("id"))
	if err != nil {
		return items, err
	}
	out := slices.Clone(items)
	out[idx] = merged.WithID(id)
	return out, nil
}

// Remove drops the record keyed id. A missing id is a no-op.
func Remove[R models.Record[R]](items []R, id models.ID) []R {
	if !Contains(items, id) {
		return items
	}
	return slices.DeleteFunc(slices.Clone(items), func(r R) bool { return r.RecordID() == id })
}

// Rollback removes an optimistic record after its write failed.
func Rollback[R models.Record[R]](items []R, tempID models.ID) []R {
	return Remove(items, tempID)
}

// Pending returns the records still keyed by a temporary id.
func Pending[R models.Record[R]](items []R) []R {
	var out []R
	for _, item := range items {
		if item.RecordID().IsTemp() {
			out = append(out, item)
		}
	}
	return out
}
