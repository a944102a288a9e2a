package tidysync

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/tidylist/tidysync/pkg/backend"
	"github.com/tidylist/tidysync/pkg/models"
)

const ListsTopic = "lists_channel"

// Defaults for new lists.
const (
	DefaultListIcon  = "list"
	DefaultListColor = "#6366f1"
)

// ListsView is the caller's lists: the ones they own and the ones shared
// with them through an accepted invitation.
type ListsView struct {
	*View[models.List]
}

func (c *Client) Lists(ctx context.Context) (*ListsView, error) {
	v, err := openView(ctx, c, viewOptions[models.List]{
		topic:       ListsTopic,
		table:       c.tables.Lists,
		fetch:       c.fetchLists,
		stampColumn: "created_at",
		// features is a client-side setting.
		localFields: []string{"features"},
	})
	if err != nil {
		return nil, err
	}
	return &ListsView{View: v}, nil
}

func (c *Client) fetchLists(ctx context.Context) ([]models.List, error) {
	id, err := c.identity(ctx)
	if err != nil {
		return nil, err
	}

	lists, err := c.tables.Lists.Select(ctx, backend.Where(backend.Eq("owner_id", string(id.Subject))))
	if err != nil {
		return nil, err
	}

	memberships, err := c.tables.Members.Select(ctx, backend.Where(
		backend.Eq("user_id", string(id.Subject)),
		backend.Eq("status", string(models.StatusAccepted)),
	))
	if err != nil {
		return nil, err
	}
	if len(memberships) > 0 {
		ids := make([]any, 0, len(memberships))
		for _, m := range memberships {
			ids = append(ids, string(m.ListID))
		}
		shared, err := c.tables.Lists.Select(ctx, backend.Where(backend.In("id", ids...)))
		if err != nil {
			return nil, err
		}
		for _, l := range shared {
			if !slices.ContainsFunc(lists, func(o models.List) bool { return o.ID == l.ID }) {
				lists = append(lists, l)
			}
		}
	}

	slices.SortStableFunc(lists, func(a, b models.List) int {
		return cmp.Compare(b.CreatedAt.UnixNano(), a.CreatedAt.UnixNano())
	})
	return lists, nil
}

// Create adds a list owned by the caller. Type, icon and color default to
// a standard list with the list icon.
func (v *ListsView) Create(ctx context.Context, draft models.List) (models.List, error) {
	id, err := v.client.identity(ctx)
	if err != nil {
		return models.List{}, err
	}

	draft.OwnerID = id.Subject
	if draft.Type == "" {
		draft.Type = models.ListStandard
	}
	if draft.IconName == "" {
		draft.IconName = DefaultListIcon
	}
	if draft.IconColor == "" {
		draft.IconColor = DefaultListColor
	}
	if err := models.Validate(draft); err != nil {
		return models.List{}, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}

	if _, err := v.client.EnsureProfile(ctx); err != nil {
		v.client.logger.Warn("tidysync.ListsView failed to ensure profile", "user_id", id.Subject, "error", err)
	}

	return v.coord.Create(ctx, draft)
}
