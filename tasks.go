package tidysync

import (
	"context"
	"fmt"
	"slices"

	"github.com/tidylist/tidysync/pkg/backend"
	"github.com/tidylist/tidysync/pkg/collection"
	"github.com/tidylist/tidysync/pkg/models"
)

// TasksTopic is the channel of one list's tasks.
func TasksTopic(listID models.ID) string {
	return "list_realtime_" + string(listID)
}

// TasksView is the tasks of one list with their subtasks.
type TasksView struct {
	*View[models.Task]
	listID models.ID
}

func (c *Client) Tasks(ctx context.Context, listID models.ID) (*TasksView, error) {
	if listID.IsZero() || listID.IsTemp() {
		return nil, fmt.Errorf("%w: list id %q", ErrInvalidInput, listID)
	}

	v, err := openView(ctx, c, viewOptions[models.Task]{
		topic: TasksTopic(listID),
		table: c.tables.Tasks,
		fetch: func(ctx context.Context) ([]models.Task, error) {
			return c.fetchTasks(ctx, listID)
		},
		stampColumn: "created_at",
	})
	if err != nil {
		return nil, err
	}
	return &TasksView{View: v, listID: listID}, nil
}

func (c *Client) fetchTasks(ctx context.Context, listID models.ID) ([]models.Task, error) {
	tasks, err := c.tables.Tasks.Select(ctx, backend.Where(backend.Eq("list_id", string(listID))).Order("created_at", true))
	if err != nil || len(tasks) == 0 {
		return tasks, err
	}

	ids := make([]any, len(tasks))
	for i, t := range tasks {
		ids[i] = string(t.ID)
	}
	subtasks, err := c.tables.Subtasks.Select(ctx, backend.Where(backend.In("task_id", ids...)))
	if err != nil {
		return nil, err
	}

	byTask := make(map[models.ID][]models.Subtask, len(tasks))
	for _, s := range subtasks {
		byTask[s.TaskID] = append(byTask[s.TaskID], s)
	}
	for i := range tasks {
		tasks[i].Subtasks = byTask[tasks[i].ID]
	}
	return tasks, nil
}

func (v *TasksView) ListID() models.ID {
	return v.listID
}

// Create adds a task to the list. Priority defaults to normal and the
// assignee to the caller. draft.Subtasks are stored once the task is; if
// that fails the task is kept and a *PartialError returned.
func (v *TasksView) Create(ctx context.Context, draft models.Task) (models.Task, error) {
	id, err := v.client.identity(ctx)
	if err != nil {
		return models.Task{}, err
	}

	subtasks := slices.Clone(draft.Subtasks)
	draft.Subtasks = nil
	draft.ListID = v.listID
	draft.Status = false
	if draft.Priority == "" {
		draft.Priority = models.PriorityNormal
	}
	if draft.AssigneeID == nil || draft.AssigneeID.IsZero() {
		assignee := id.Subject
		draft.AssigneeID = &assignee
	}
	for i := range subtasks {
		// The task id is not known yet.
		subtasks[i].TaskID = models.NewTempID()
		if err := models.Validate(subtasks[i]); err != nil {
			return models.Task{}, fmt.Errorf("%w: subtask %d: %w", ErrInvalidInput, i, err)
		}
	}

	task, err := v.coord.Create(ctx, draft)
	if err != nil || len(subtasks) == 0 {
		return task, err
	}

	for i := range subtasks {
		subtasks[i].ID = ""
		subtasks[i].TaskID = task.ID
		subtasks[i].Completed = false
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), v.client.cfg.WriteTimeout)
	defer cancel()
	stored, err := v.client.tables.Subtasks.InsertMany(wctx, subtasks)
	if err != nil {
		v.client.logger.Warn("tidysync.TasksView failed to store subtasks", "task_id", task.ID, "error", err)
		return task, &PartialError{Kind: models.KindTask, ID: task.ID, Step: "storing subtasks", Err: err}
	}

	if err := v.store.Update(func(items []models.Task) ([]models.Task, error) {
		return collection.Merge(items, task.ID, models.Patch{"subtasks": stored})
	}); err != nil {
		v.client.logger.Error("BUG: tidysync.TasksView failed to merge subtasks", "task_id", task.ID, "error", err)
	}
	task.Subtasks = stored
	if rec, ok := v.store.Get(task.ID); ok {
		task = rec
	}

	v.coord.Publish(wctx, models.ChangeEvent[models.Task]{Action: models.Updated, Record: task})
	return task, nil
}

// Toggle flips the completion status of the task keyed id.
func (v *TasksView) Toggle(ctx context.Context, id models.ID) (models.Task, error) {
	if id.IsTemp() {
		return models.Task{}, fmt.Errorf("%w: %s", ErrPendingCreate, id)
	}
	task, ok := v.store.Get(id)
	if !ok {
		return models.Task{}, fmt.Errorf("%w: task %s", ErrNotLoaded, id)
	}
	return v.coord.Update(ctx, id, models.Patch{"status": !task.Status})
}

// Update merges patch into the task keyed id. Subtasks are not updated
// through the task.
func (v *TasksView) Update(ctx context.Context, id models.ID, patch models.Patch) (models.Task, error) {
	return v.coord.Update(ctx, id, patch.Without("subtasks", "list_id"))
}
