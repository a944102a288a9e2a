package tidysync

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tidylist/tidysync/pkg/backend"
	"github.com/tidylist/tidysync/pkg/collection"
	"github.com/tidylist/tidysync/pkg/models"
	"github.com/tidylist/tidysync/pkg/mutation"
)

// InvitationsTopic is the channel of one user's invitations.
func InvitationsTopic(userID models.ID) string {
	return "invitations_" + string(userID)
}

// Invite adds a pending editor membership of listID for the user whose
// username is who, or the local part of who when it is an email.
func (c *Client) Invite(ctx context.Context, listID models.ID, who string) (models.Member, error) {
	username, _, _ := strings.Cut(strings.TrimSpace(who), "@")
	if listID.IsZero() || listID.IsTemp() || username == "" {
		return models.Member{}, fmt.Errorf("%w: invite %q to list %q", ErrInvalidInput, who, listID)
	}
	if _, err := c.identity(ctx); err != nil {
		return models.Member{}, err
	}

	profiles, err := c.tables.Profiles.Select(ctx, backend.Where(backend.Eq("username", username)).WithLimit(1))
	if err != nil {
		return models.Member{}, err
	}
	if len(profiles) == 0 {
		return models.Member{}, fmt.Errorf("%w: %s", ErrUserNotFound, username)
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.WriteTimeout)
	defer cancel()

	member, err := c.tables.Members.Insert(ctx, models.Member{
		ListID: listID,
		UserID: profiles[0].ID,
		Role:   models.RoleEditor,
		Status: models.StatusPending,
	})
	switch {
	case errors.Is(err, backend.ErrConflict):
		return models.Member{}, fmt.Errorf("%w: %s", ErrAlreadyInvited, username)
	case err != nil:
		return models.Member{}, &WriteError{Kind: models.KindMember, Op: mutation.OpCreate, ID: listID, Err: err}
	}

	c.notifyInvitee(ctx, member)
	return member, nil
}

// notifyInvitee broadcasts the invitation on the invitee's channel.
func (c *Client) notifyInvitee(ctx context.Context, member models.Member) {
	topic := InvitationsTopic(member.UserID)
	ch, err := c.acquire(ctx, topic)
	if err != nil {
		c.logger.Warn("tidysync.Client failed to join invitee channel", "topic", topic, "error", err)
		return
	}
	defer c.release(ch)

	mutation.New(mutation.Config[models.Member]{
		Store:      collection.NewStore[models.Member](),
		Table:      c.tables.Members,
		Channel:    ch,
		AckTimeout: c.cfg.AckTimeout,
		Logger:     c.logger,
		Metrics:    c.metrics,
	}).Publish(ctx, models.ChangeEvent[models.Member]{Action: models.Created, Record: member})
}

// InvitationsView is the caller's pending invitations, newest first.
type InvitationsView struct {
	*View[models.Member]
}

func (c *Client) Invitations(ctx context.Context) (*InvitationsView, error) {
	id, err := c.identity(ctx)
	if err != nil {
		return nil, err
	}

	v, err := openView(ctx, c, viewOptions[models.Member]{
		topic: InvitationsTopic(id.Subject),
		table: c.tables.Members,
		fetch: func(ctx context.Context) ([]models.Member, error) {
			return c.tables.Members.Select(ctx, backend.Where(
				backend.Eq("user_id", string(id.Subject)),
				backend.Eq("status", string(models.StatusPending)),
			).Order("invited_at", true))
		},
	})
	if err != nil {
		return nil, err
	}
	return &InvitationsView{View: v}, nil
}

// Accept marks the invitation keyed id accepted. It leaves the view at once
// and comes back if the backend refuses.
func (v *InvitationsView) Accept(ctx context.Context, id models.ID) error {
	if id.IsTemp() {
		return fmt.Errorf("%w: %s", ErrPendingCreate, id)
	}
	if id.IsZero() {
		return fmt.Errorf("%w: empty invitation id", ErrInvalidInput)
	}

	return v.coord.Do(ctx, mutation.Mutation[models.Member]{
		Op: "accept",
		ID: id,
		Local: func(items []models.Member) []models.Member {
			return collection.Remove(items, id)
		},
		Remote: func(ctx context.Context) error {
			_, err := v.client.tables.Members.Update(ctx, id, models.Patch{"status": string(models.StatusAccepted)})
			return err
		},
		Publish: &models.ChangeEvent[models.Member]{Action: models.Deleted, Record: models.Member{ID: id}},
	})
}

// Decline deletes the invitation keyed id.
func (v *InvitationsView) Decline(ctx context.Context, id models.ID) error {
	return v.coord.Delete(ctx, id)
}
