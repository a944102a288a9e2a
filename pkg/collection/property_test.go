package collection_test

import (
	"testing"

	"github.com/tidylist/tidysync/pkg/collection"
	"github.com/tidylist/tidysync/pkg/models"
	"pgregory.net/rapid"
)

type op struct {
	kind  int
	oldID models.ID
	newID models.ID
}

func genOp(t *rapid.T) op {
	idGen := rapid.SampledFrom([]models.ID{"s1", "s2", "s3", "temp_a", "temp_b"})
	return op{
		kind:  rapid.IntRange(0, 3).Draw(t, "kind"),
		oldID: idGen.Draw(t, "old"),
		newID: idGen.Draw(t, "new"),
	}
}

func apply(items []models.List, o op) []models.List {
	switch o.kind {
	case 0:
		if collection.Contains(items, o.newID) {
			return items
		}
		return collection.InsertOptimistic(items, list(string(o.newID), "x"))
	case 1:
		return collection.Replace(items, o.oldID, list(string(o.newID), "y"))
	case 2:
		out, _ := collection.Merge(items, o.oldID, models.Patch{"title": "z"})
		return out
	default:
		return collection.Remove(items, o.oldID)
	}
}

// Replace, merge and remove never introduce a second record for an id.
func TestPropertyIDsStayUnique(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		var items []models.List
		ops := rapid.SliceOfN(rapid.Custom(genOp), 1, 40).Draw(t, "ops")
		for _, o := range ops {
			items = apply(items, o)

			seen := map[models.ID]bool{}
			for _, l := range items {
				if seen[l.ID] {
					t.Fatalf("duplicate id %s after %+v: %v", l.ID, o, ids(items))
				}
				seen[l.ID] = true
			}
		}
	})
}

// Applying the same replace twice is the same as applying it once.
func TestPropertyReplaceIdempotent(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		var items []models.List
		for _, o := range rapid.SliceOfN(rapid.Custom(genOp), 0, 20).Draw(t, "setup") {
			items = apply(items, o)
		}
		o := genOp(t)
		rec := list(string(o.newID), "canonical")

		once := collection.Replace(items, o.oldID, rec)
		twice := collection.Replace(once, o.oldID, rec)
		if len(once) != len(twice) {
			t.Fatalf("replace not idempotent: %v vs %v", ids(once), ids(twice))
		}
	})
}
