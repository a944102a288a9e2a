package tidysync

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/tidylist/tidysync/pkg/backend"
	"github.com/tidylist/tidysync/pkg/models"
	"github.com/tidylist/tidysync/pkg/notifier"
)

// CommentsTopic is the channel of one task's comments.
func CommentsTopic(taskID models.ID) string {
	return "comments_" + string(taskID)
}

// CommentsView is the comments of one task, newest first.
type CommentsView struct {
	*View[models.Comment]
	taskID models.ID
	listID models.ID

	// tasks is the channel of the task's list, pinged after every comment
	// so the list's task views refresh.
	tasks     *notifier.Channel
	closeOnce sync.Once
}

func (c *Client) Comments(ctx context.Context, taskID models.ID) (*CommentsView, error) {
	if taskID.IsZero() || taskID.IsTemp() {
		return nil, fmt.Errorf("%w: task id %q", ErrInvalidInput, taskID)
	}

	tasks, err := c.tables.Tasks.Select(ctx, backend.ByID(taskID))
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, fmt.Errorf("%w: task %s", backend.ErrNotFound, taskID)
	}
	listID := tasks[0].ListID

	v, err := openView(ctx, c, viewOptions[models.Comment]{
		topic: CommentsTopic(taskID),
		table: c.tables.Comments,
		fetch: func(ctx context.Context) ([]models.Comment, error) {
			return c.tables.Comments.Select(ctx, backend.Where(backend.Eq("task_id", string(taskID))).Order("created_at", true))
		},
		stampColumn: "created_at",
	})
	if err != nil {
		return nil, err
	}

	ping, err := c.acquire(ctx, TasksTopic(listID))
	if err != nil {
		_ = v.Close()
		return nil, err
	}
	return &CommentsView{View: v, taskID: taskID, listID: listID, tasks: ping}, nil
}

// Add posts message as the caller.
func (v *CommentsView) Add(ctx context.Context, message string) (models.Comment, error) {
	id, err := v.client.identity(ctx)
	if err != nil {
		return models.Comment{}, err
	}

	comment, err := v.coord.Create(ctx, models.Comment{
		TaskID:  v.taskID,
		UserID:  id.Subject,
		Message: strings.TrimSpace(message),
		Type:    models.CommentTypeComment,
	})
	if err != nil {
		return comment, err
	}

	v.ping(ctx)
	return comment, nil
}

// ping sends a payload-less broadcast on the list's task channel.
func (v *CommentsView) ping(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), v.client.cfg.WriteTimeout)
	defer cancel()

	v.tasks.AwaitActive(ctx, v.client.cfg.AckTimeout)
	if err := v.tasks.Publish(ctx, notifier.Message{Event: notifier.DefaultEvent}); err != nil {
		v.client.logger.Warn("tidysync.CommentsView failed to ping task channel", "list_id", v.listID, "error", err)
	}
}

func (v *CommentsView) Close() error {
	v.closeOnce.Do(func() {
		v.client.release(v.tasks)
	})
	return v.View.Close()
}
