package models_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidylist/tidysync/pkg/models"
)

func TestNewTempID(t *testing.T) {
	seen := make(map[models.ID]struct{})
	for range 1000 {
		id := models.NewTempID()
		require.True(t, id.IsTemp())
		_, dup := seen[id]
		require.False(t, dup, "temporary id %s issued twice", id)
		seen[id] = struct{}{}
	}

	assert.False(t, models.ID("8b1f7a9e").IsTemp())
	assert.True(t, models.ID("").IsZero())
}

func TestKindTable(t *testing.T) {
	assert.Equal(t, "updates", models.KindComment.Table())
	assert.Equal(t, "list_members", models.KindMember.Table())
	assert.True(t, models.KindTask.Valid())
	assert.False(t, models.Kind("widget").Valid())
	assert.Equal(t, "", models.Kind("widget").Table())
}

func TestApplyPatch(t *testing.T) {
	created := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	task := models.Task{
		ID:        "s5",
		ListID:    "l1",
		Title:     "Milk",
		Priority:  models.PriorityNormal,
		CreatedAt: created,
		Subtasks:  []models.Subtask{{ID: "st1", TaskID: "s5", Title: "2%"}},
	}

	t.Run("listed keys replace values", func(t *testing.T) {
		got, err := models.ApplyPatch(task, models.Patch{"status": true, "title": "Oat milk"})
		require.NoError(t, err)
		assert.True(t, got.Status)
		assert.Equal(t, "Oat milk", got.Title)
		assert.Equal(t, models.PriorityNormal, got.Priority)
		assert.True(t, created.Equal(got.CreatedAt))
		assert.Len(t, got.Subtasks, 1)
	})

	t.Run("input is not modified", func(t *testing.T) {
		_, err := models.ApplyPatch(task, models.Patch{"status": true})
		require.NoError(t, err)
		assert.False(t, task.Status)
	})

	t.Run("false and null values are applied", func(t *testing.T) {
		due := created.Add(24 * time.Hour)
		done := task
		done.Status = true
		done.DueDate = &due

		got, err := models.ApplyPatch(done, models.Patch{"status": false, "due_date": nil})
		require.NoError(t, err)
		assert.False(t, got.Status)
		assert.Nil(t, got.DueDate)
	})

	t.Run("type mismatch is an error", func(t *testing.T) {
		_, err := models.ApplyPatch(task, models.Patch{"status": "yes"})
		require.Error(t, err)
	})
}

func TestPatchOfOmitsUnjoinedSubtasks(t *testing.T) {
	p, err := models.PatchOf(models.Task{ID: "s5", Title: "Milk"})
	require.NoError(t, err)
	assert.False(t, p.Has("subtasks"))
	assert.True(t, p.Has("status"))
	assert.Equal(t, "s5", p["id"])
}

func TestPatchWithout(t *testing.T) {
	p := models.Patch{"title": "Work", "features": map[string]any{"tags": true}}
	stripped := p.Without("features")

	assert.False(t, stripped.Has("features"))
	assert.True(t, p.Has("features"), "original patch must be untouched")
	assert.Equal(t, models.Patch{}, models.Patch(nil).Without("x"))
}

func TestValidate(t *testing.T) {
	valid := models.List{OwnerID: "u1", Title: "Groceries", Type: models.ListStandard, IconColor: "#6366f1"}
	require.NoError(t, models.Validate(valid))

	cases := map[string]any{
		"blank title":       models.List{OwnerID: "u1", Title: "   ", Type: models.ListStandard},
		"unknown list type": models.List{OwnerID: "u1", Title: "Work", Type: "kanban"},
		"bad color":         models.List{OwnerID: "u1", Title: "Work", Type: models.ListStandard, IconColor: "indigo"},
		"task without list": models.Task{Title: "Milk"},
		"bad priority":      models.Task{ListID: "l1", Title: "Milk", Priority: "urgent"},
		"tag without label": models.Task{ListID: "l1", Title: "Milk", Tags: models.Tags{{Color: "#fff"}}},
		"empty comment":     models.Comment{TaskID: "s5", UserID: "u1", Type: models.CommentTypeComment},
		"member role":       models.Member{ListID: "l1", UserID: "u2", Role: "admin", Status: models.StatusPending},
	}
	for name, rec := range cases {
		t.Run(name, func(t *testing.T) {
			err := models.Validate(rec)
			require.ErrorIs(t, err, models.ErrInvalid)
		})
	}
}

func TestJSONMapScan(t *testing.T) {
	var m models.JSONMap
	require.NoError(t, m.Scan([]byte(`{"priority":true}`)))
	assert.Equal(t, true, m["priority"])

	var tags models.Tags
	require.NoError(t, tags.Scan(`[{"label":"home","color":"#0f0"}]`))
	assert.Equal(t, models.Tags{{Label: "home", Color: "#0f0"}}, tags)

	require.Error(t, tags.Scan(42))

	v, err := models.Tags(nil).Value()
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestChangeEventString(t *testing.T) {
	ev := models.ChangeEvent[models.List]{Action: models.Created, Record: models.List{ID: "s1"}, CorrelationID: "temp_x"}
	assert.Equal(t, "created list s1 (correlation temp_x)", ev.String())
	assert.True(t, models.Updated.Valid())
	assert.False(t, models.Action("moved").Valid())
}
