package gormstore_test

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidylist/tidysync/pkg/backend"
	"github.com/tidylist/tidysync/pkg/backend/gormstore"
	"github.com/tidylist/tidysync/pkg/models"
)

// openTestDB connects to the database named by TIDYSYNC_POSTGRES_DSN and
// skips the test when it is unset.
func openTestDB(t *testing.T) backend.Tables {
	t.Helper()

	dsn := os.Getenv("TIDYSYNC_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TIDYSYNC_POSTGRES_DSN is not set")
	}
	db, err := gormstore.Open(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate(context.Background()))
	return db.Tables()
}

func TestRoundTrip(t *testing.T) {
	tables := openTestDB(t)
	ctx := context.Background()

	list, err := tables.Lists.Insert(ctx, models.List{OwnerID: "u1", Title: "Groceries", Type: models.ListStandard, IconName: "list", IconColor: "#6366f1"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tables.Lists.Delete(ctx, list.ID) })
	assert.False(t, list.CreatedAt.IsZero())

	task, err := tables.Tasks.Insert(ctx, models.Task{ListID: list.ID, Title: "Milk", Priority: models.PriorityNormal})
	require.NoError(t, err)

	subs, err := tables.Subtasks.InsertMany(ctx, []models.Subtask{
		{TaskID: task.ID, Title: "Whole"},
		{TaskID: task.ID, Title: "Oat"},
	})
	require.NoError(t, err)
	require.Len(t, subs, 2)

	updated, err := tables.Tasks.Update(ctx, task.ID, models.Patch{"status": true, "tags": []any{map[string]any{"label": "home", "color": "#ff0000"}}})
	require.NoError(t, err)
	assert.True(t, updated.Status)
	require.Len(t, updated.Tags, 1)

	got, err := tables.Subtasks.Select(ctx, backend.Where(backend.In("task_id", string(task.ID))))
	require.NoError(t, err)
	assert.Len(t, got, 2)

	require.NoError(t, tables.Lists.Delete(ctx, list.ID))
	got, err = tables.Subtasks.Select(ctx, backend.Where(backend.In("task_id", string(task.ID))))
	require.NoError(t, err)
	assert.Empty(t, got, "deleting a list cascades to its subtasks")

	_, err = tables.Tasks.Update(ctx, task.ID, models.Patch{"status": false})
	assert.ErrorIs(t, err, backend.ErrNotFound)
}

func TestMembersAreUniquePerList(t *testing.T) {
	tables := openTestDB(t)
	ctx := context.Background()

	list, err := tables.Lists.Insert(ctx, models.List{OwnerID: "u1", Title: "Shared", Type: models.ListStandard})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tables.Lists.Delete(ctx, list.ID) })

	invite := models.Member{ListID: list.ID, UserID: "u2", Role: models.RoleEditor, Status: models.StatusPending}
	_, err = tables.Members.Insert(ctx, invite)
	require.NoError(t, err)
	_, err = tables.Members.Insert(ctx, invite)
	assert.ErrorIs(t, err, backend.ErrConflict)
}
