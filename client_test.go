package tidysync_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidylist/tidysync"
	"github.com/tidylist/tidysync/pkg/auth"
	"github.com/tidylist/tidysync/pkg/backend/memory"
	"github.com/tidylist/tidysync/pkg/models"
	"github.com/tidylist/tidysync/pkg/notifier"
	"github.com/tidylist/tidysync/pkg/reconcile"
)

var (
	alice = auth.Identity{Subject: "u1", Email: "alice@example.com"}
	bob   = auth.Identity{Subject: "u2", Email: "bob@example.com"}

	errRevoked = errors.New("permission revoked")
)

type world struct {
	db  *memory.DB
	hub *notifier.LocalHub
}

func newWorld() *world {
	return &world{db: memory.New(), hub: notifier.NewLocalHub(nil)}
}

func (w *world) client(t *testing.T, id auth.Identity) *tidysync.Client {
	t.Helper()
	cfg := tidysync.NewConfig()
	cfg.AckTimeout = 200 * time.Millisecond
	cfg.WriteTimeout = 5 * time.Second
	cfg.SearchDebounce = 20 * time.Millisecond

	c, err := tidysync.New(w.db.Tables(), w.hub, auth.StaticSession(id), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func titles(lists []models.List) []string {
	out := make([]string, len(lists))
	for i, l := range lists {
		out[i] = l.Title
	}
	return out
}

func (w *world) seedList(t *testing.T, owner auth.Identity, title string) models.List {
	t.Helper()
	l, err := w.db.Lists().Insert(context.Background(), models.List{OwnerID: owner.Subject, Title: title, Type: models.ListStandard})
	require.NoError(t, err)
	return l
}

// Session A creates "Groceries"; before the backend answers, session B's
// broadcast for "Work" arrives. Both end up keyed by their server ids.
func TestCreateUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	w := newWorld()
	a, err := w.client(t, alice).Lists(ctx)
	require.NoError(t, err)
	b, err := w.client(t, alice).Lists(ctx)
	require.NoError(t, err)

	gate := make(chan struct{})
	w.db.AddFailure(memory.FailureConfig{
		Matcher: memory.RequestMatcher{Table: "lists", Op: memory.OpInsert},
		Gate:    gate,
		Times:   1,
	})

	created := make(chan models.List, 1)
	go func() {
		l, err := a.Create(ctx, models.List{Title: "Groceries"})
		assert.NoError(t, err)
		created <- l
	}()
	require.Eventually(t, func() bool { return w.db.Calls("lists", memory.OpInsert) == 1 }, time.Second, time.Millisecond)

	work, err := b.Create(ctx, models.List{Title: "Work"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(a.Snapshot()) == 2 }, time.Second, time.Millisecond)
	snap := a.Snapshot()
	assert.ElementsMatch(t, []string{"Groceries", "Work"}, titles(snap))
	for _, l := range snap {
		switch l.Title {
		case "Groceries":
			assert.True(t, l.ID.IsTemp())
		case "Work":
			assert.Equal(t, work.ID, l.ID)
		}
	}

	close(gate)
	groceries := <-created

	for _, v := range []*tidysync.ListsView{a, b} {
		require.Eventually(t, func() bool {
			snap := v.Snapshot()
			if len(snap) != 2 {
				return false
			}
			_, ok := v.Get(groceries.ID)
			return ok
		}, time.Second, time.Millisecond)
		for _, l := range v.Snapshot() {
			assert.False(t, l.ID.IsTemp(), "temporary id %s survived", l.ID)
		}
	}
	assert.ElementsMatch(t, []string{"Groceries", "Work"}, titles(a.Snapshot()))
}

func TestCreateListDefaultsAndProfile(t *testing.T) {
	ctx := context.Background()
	w := newWorld()
	lists, err := w.client(t, alice).Lists(ctx)
	require.NoError(t, err)

	l, err := lists.Create(ctx, models.List{Title: "Groceries"})
	require.NoError(t, err)
	assert.Equal(t, alice.Subject, l.OwnerID)
	assert.Equal(t, models.ListStandard, l.Type)
	assert.Equal(t, tidysync.DefaultListIcon, l.IconName)
	assert.Equal(t, tidysync.DefaultListColor, l.IconColor)

	profiles := w.db.Profiles().Rows()
	require.Len(t, profiles, 1)
	assert.Equal(t, "alice", *profiles[0].Username)
	assert.Equal(t, "User", *profiles[0].FullName)

	_, err = lists.Create(ctx, models.List{Title: "  "})
	require.ErrorIs(t, err, tidysync.ErrInvalidInput)
	assert.Len(t, lists.Snapshot(), 1)
}

func TestCreateListSurvivesProfileFailure(t *testing.T) {
	ctx := context.Background()
	w := newWorld()
	lists, err := w.client(t, alice).Lists(ctx)
	require.NoError(t, err)

	w.db.AddFailure(memory.FailureConfig{Matcher: memory.RequestMatcher{Table: "profiles", Op: memory.OpInsert}, Err: errRevoked})
	_, err = lists.Create(ctx, models.List{Title: "Groceries"})
	require.NoError(t, err)
	assert.Empty(t, w.db.Profiles().Rows())
}

func TestCreateListRollbackIsClean(t *testing.T) {
	ctx := context.Background()
	w := newWorld()
	w.seedList(t, alice, "Work")
	lists, err := w.client(t, alice).Lists(ctx)
	require.NoError(t, err)
	before := lists.Snapshot()

	w.db.AddFailure(memory.FailureConfig{Matcher: memory.RequestMatcher{Table: "lists", Op: memory.OpInsert}, Err: errRevoked})
	_, err = lists.Create(ctx, models.List{Title: "Groceries"})

	var werr *tidysync.WriteError
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, before, lists.Snapshot())
}

func TestNoSession(t *testing.T) {
	w := newWorld()
	c, err := tidysync.New(w.db.Tables(), w.hub, auth.StaticSession{}, nil)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Lists(context.Background())
	require.ErrorIs(t, err, tidysync.ErrNoSession)
	_, err = c.EnsureProfile(context.Background())
	require.ErrorIs(t, err, tidysync.ErrNoSession)
}

func TestClosedClient(t *testing.T) {
	w := newWorld()
	c := w.client(t, alice)
	lists, err := c.Lists(context.Background())
	require.NoError(t, err)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	_, err = c.Lists(context.Background())
	require.ErrorIs(t, err, tidysync.ErrClosed)
	assert.Zero(t, w.hub.Members(lists.Topic()))
}

type lostChannel struct {
	topic string
	err   error
}

func TestLostChannelIsReported(t *testing.T) {
	ctx := context.Background()
	w := newWorld()

	lost := make(chan lostChannel, 1)
	cfg := tidysync.NewConfig()
	cfg.AckTimeout = 200 * time.Millisecond
	cfg.OnChannelLost = func(topic string, err error) { lost <- lostChannel{topic, err} }
	c, err := tidysync.New(w.db.Tables(), w.hub, auth.StaticSession(alice), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	lists, err := c.Lists(ctx)
	require.NoError(t, err)
	require.NoError(t, lists.Err())

	w.hub.Disconnect(tidysync.ListsTopic)

	select {
	case got := <-lost:
		assert.Equal(t, tidysync.ListsTopic, got.topic)
		assert.ErrorIs(t, got.err, tidysync.ErrChannelLost)
	case <-time.After(time.Second):
		t.Fatal("OnChannelLost was not called")
	}
	<-lists.Done()
	assert.ErrorIs(t, lists.Err(), tidysync.ErrChannelLost)

	// Reopening joins the topic again; closing the stale view leaves the
	// new membership alone.
	again, err := c.Lists(ctx)
	require.NoError(t, err)
	require.NoError(t, again.Err())
	assert.Equal(t, 1, w.hub.Members(tidysync.ListsTopic))
	require.NoError(t, lists.Close())
	assert.Equal(t, 1, w.hub.Members(tidysync.ListsTopic))

	other, err := w.client(t, alice).Lists(ctx)
	require.NoError(t, err)
	_, err = other.Create(ctx, models.List{Title: "Work"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(again.Snapshot()) == 1 }, time.Second, time.Millisecond)
}

func TestRefreshPicksUpMissedRows(t *testing.T) {
	ctx := context.Background()
	w := newWorld()
	c := w.client(t, alice)
	lists, err := c.Lists(ctx)
	require.NoError(t, err)
	l := w.seedList(t, alice, "Work")
	tasks, err := c.Tasks(ctx, l.ID)
	require.NoError(t, err)
	assert.Len(t, lists.Snapshot(), 0)

	w.seedList(t, alice, "Home")
	_, err = w.db.Tasks().Insert(ctx, models.Task{ListID: l.ID, Title: "Milk"})
	require.NoError(t, err)

	require.NoError(t, c.Refresh(ctx))
	assert.ElementsMatch(t, []string{"Work", "Home"}, titles(lists.Snapshot()))
	assert.Len(t, tasks.Snapshot(), 1)

	w.db.AddFailure(memory.FailureConfig{Matcher: memory.RequestMatcher{Table: "tasks", Op: memory.OpSelect}, Err: errRevoked})
	require.ErrorIs(t, c.Refresh(ctx), errRevoked)
}

func TestSharedListsAreFetched(t *testing.T) {
	ctx := context.Background()
	w := newWorld()
	shared := w.seedList(t, bob, "Shared")
	w.seedList(t, bob, "Private")
	w.db.Members().Seed(models.Member{ID: "m1", ListID: shared.ID, UserID: alice.Subject, Role: models.RoleEditor, Status: models.StatusAccepted})

	lists, err := w.client(t, alice).Lists(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Shared"}, titles(lists.Snapshot()))
}

// The same Updated event for s5 arrives twice.
func TestDuplicateBroadcast(t *testing.T) {
	ctx := context.Background()
	w := newWorld()
	l := w.seedList(t, alice, "Groceries")
	w.db.Tasks().Seed(models.Task{ID: "s5", ListID: l.ID, Title: "Milk", Priority: models.PriorityNormal})

	tasks, err := w.client(t, alice).Tasks(ctx, l.ID)
	require.NoError(t, err)

	sender := notifier.NewChannel(tidysync.TasksTopic(l.ID), w.hub, nil)
	require.NoError(t, sender.Open(ctx))
	defer sender.Close()
	require.True(t, sender.AwaitActive(ctx, time.Second))

	payload, err := reconcile.Encode(models.ChangeEvent[models.Task]{
		Action: models.Updated,
		Record: models.Task{ID: "s5", ListID: l.ID, Title: "Milk", Status: true, Priority: models.PriorityNormal},
	})
	require.NoError(t, err)
	for range 2 {
		require.NoError(t, sender.Publish(ctx, notifier.Message{Payload: payload}))
	}

	require.Eventually(t, func() bool {
		task, _ := tasks.Get("s5")
		return task.Status
	}, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, tasks.Snapshot(), 1)
	assert.Zero(t, w.db.Calls("tasks", memory.OpSelect)-1, "no refetch beyond the initial load")
}

// Task s5 is toggled to true; the backend refuses and s5 is false again.
func TestFailedToggleRollsBack(t *testing.T) {
	ctx := context.Background()
	w := newWorld()
	l := w.seedList(t, alice, "Groceries")
	w.db.Tasks().Seed(models.Task{ID: "s5", ListID: l.ID, Title: "Milk", Priority: models.PriorityNormal})
	tasks, err := w.client(t, alice).Tasks(ctx, l.ID)
	require.NoError(t, err)

	w.db.AddFailure(memory.FailureConfig{Matcher: memory.RequestMatcher{Table: "tasks", Op: memory.OpUpdate}, Err: errRevoked, Times: 1})
	_, err = tasks.Toggle(ctx, "s5")
	require.ErrorIs(t, err, errRevoked)
	task, _ := tasks.Get("s5")
	assert.False(t, task.Status)

	task, err = tasks.Toggle(ctx, "s5")
	require.NoError(t, err)
	assert.True(t, task.Status)

	_, err = tasks.Toggle(ctx, "missing")
	require.ErrorIs(t, err, tidysync.ErrNotLoaded)
}

func TestCreateTaskWithSubtasks(t *testing.T) {
	ctx := context.Background()
	w := newWorld()
	l := w.seedList(t, alice, "Groceries")
	mine, err := w.client(t, alice).Tasks(ctx, l.ID)
	require.NoError(t, err)
	theirs, err := w.client(t, bob).Tasks(ctx, l.ID)
	require.NoError(t, err)

	task, err := mine.Create(ctx, models.Task{
		Title:    "Milk",
		Tags:     models.Tags{{Label: "dairy", Color: "#ffffff"}},
		Subtasks: []models.Subtask{{Title: "Whole"}, {Title: "Oat"}},
	})
	require.NoError(t, err)
	assert.Equal(t, models.PriorityNormal, task.Priority)
	require.NotNil(t, task.AssigneeID)
	assert.Equal(t, alice.Subject, *task.AssigneeID)
	require.Len(t, task.Subtasks, 2)
	for _, s := range task.Subtasks {
		assert.Equal(t, task.ID, s.TaskID)
		assert.False(t, s.ID.IsTemp())
	}

	require.Eventually(t, func() bool {
		got, ok := theirs.Get(task.ID)
		return ok && len(got.Subtasks) == 2
	}, time.Second, time.Millisecond)
	assert.Len(t, theirs.Snapshot(), 1)
}

// The task insert commits and the subtask insert fails: the task stays and
// the caller learns which record was stored.
func TestCreateTaskPartialFailure(t *testing.T) {
	ctx := context.Background()
	w := newWorld()
	l := w.seedList(t, alice, "Groceries")
	tasks, err := w.client(t, alice).Tasks(ctx, l.ID)
	require.NoError(t, err)

	w.db.AddFailure(memory.FailureConfig{Matcher: memory.RequestMatcher{Table: "subtasks", Op: memory.OpInsert}, Err: errRevoked})
	task, err := tasks.Create(ctx, models.Task{Title: "Milk", Subtasks: []models.Subtask{{Title: "Whole"}}})

	var perr *tidysync.PartialError
	require.ErrorAs(t, err, &perr)
	require.ErrorIs(t, err, errRevoked)
	assert.Equal(t, task.ID, perr.ID)
	assert.False(t, task.ID.IsZero())

	got, ok := tasks.Get(task.ID)
	require.True(t, ok)
	assert.Empty(t, got.Subtasks)
	assert.Len(t, w.db.Tasks().Rows(), 1)
	assert.Empty(t, w.db.Subtasks().Rows())
}

func TestCreateTaskRejectsBlankSubtask(t *testing.T) {
	ctx := context.Background()
	w := newWorld()
	l := w.seedList(t, alice, "Groceries")
	tasks, err := w.client(t, alice).Tasks(ctx, l.ID)
	require.NoError(t, err)

	_, err = tasks.Create(ctx, models.Task{Title: "Milk", Subtasks: []models.Subtask{{Title: ""}}})
	require.ErrorIs(t, err, tidysync.ErrInvalidInput)
	assert.Empty(t, tasks.Snapshot())
	assert.Zero(t, w.db.Calls("tasks", memory.OpInsert))
}

func TestDeleteTaskReachesOtherSessions(t *testing.T) {
	ctx := context.Background()
	w := newWorld()
	l := w.seedList(t, alice, "Groceries")
	w.db.Tasks().Seed(models.Task{ID: "s5", ListID: l.ID, Title: "Milk"})
	mine, err := w.client(t, alice).Tasks(ctx, l.ID)
	require.NoError(t, err)
	theirs, err := w.client(t, bob).Tasks(ctx, l.ID)
	require.NoError(t, err)

	require.NoError(t, mine.Delete(ctx, "s5"))
	assert.Empty(t, mine.Snapshot())
	require.Eventually(t, func() bool { return len(theirs.Snapshot()) == 0 }, time.Second, time.Millisecond)
}

func TestCommentPingRefreshesTasks(t *testing.T) {
	ctx := context.Background()
	w := newWorld()
	l := w.seedList(t, alice, "Groceries")
	w.db.Tasks().Seed(models.Task{ID: "s5", ListID: l.ID, Title: "Milk"})

	author := w.client(t, alice)
	comments, err := author.Comments(ctx, "s5")
	require.NoError(t, err)

	reader := w.client(t, bob)
	readerTasks, err := reader.Tasks(ctx, l.ID)
	require.NoError(t, err)
	readerComments, err := reader.Comments(ctx, "s5")
	require.NoError(t, err)

	selects := w.db.Calls("tasks", memory.OpSelect)
	c, err := comments.Add(ctx, "  bought it  ")
	require.NoError(t, err)
	assert.Equal(t, "bought it", c.Message)
	assert.Equal(t, alice.Subject, c.UserID)

	require.Eventually(t, func() bool { return len(readerComments.Snapshot()) == 1 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return w.db.Calls("tasks", memory.OpSelect) > selects }, time.Second, time.Millisecond)
	assert.Len(t, readerTasks.Snapshot(), 1)

	_, err = comments.Add(ctx, " ")
	require.ErrorIs(t, err, tidysync.ErrInvalidInput)

	_, err = author.Comments(ctx, "missing")
	require.Error(t, err)
}

func TestInvitations(t *testing.T) {
	ctx := context.Background()
	w := newWorld()

	owner := w.client(t, alice)
	lists, err := owner.Lists(ctx)
	require.NoError(t, err)
	l, err := lists.Create(ctx, models.List{Title: "Shared"})
	require.NoError(t, err)

	invitee := w.client(t, bob)
	_, err = invitee.EnsureProfile(ctx)
	require.NoError(t, err)
	inbox, err := invitee.Invitations(ctx)
	require.NoError(t, err)

	_, err = owner.Invite(ctx, l.ID, "nobody@example.com")
	require.ErrorIs(t, err, tidysync.ErrUserNotFound)

	m, err := owner.Invite(ctx, l.ID, "bob@example.com")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, m.Status)
	assert.Equal(t, models.RoleEditor, m.Role)

	_, err = owner.Invite(ctx, l.ID, "bob")
	require.ErrorIs(t, err, tidysync.ErrAlreadyInvited)

	require.Eventually(t, func() bool { return len(inbox.Snapshot()) == 1 }, time.Second, time.Millisecond)

	w.db.AddFailure(memory.FailureConfig{Matcher: memory.RequestMatcher{Table: "list_members", Op: memory.OpUpdate}, Err: errRevoked, Times: 1})
	require.ErrorIs(t, inbox.Accept(ctx, m.ID), errRevoked)
	assert.Len(t, inbox.Snapshot(), 1)

	require.NoError(t, inbox.Accept(ctx, m.ID))
	assert.Empty(t, inbox.Snapshot())
	assert.Equal(t, models.StatusAccepted, w.db.Members().Rows()[0].Status)

	theirLists, err := invitee.Lists(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Shared"}, titles(theirLists.Snapshot()))
}

func TestDeclineInvitation(t *testing.T) {
	ctx := context.Background()
	w := newWorld()
	l := w.seedList(t, alice, "Shared")
	w.db.Members().Seed(models.Member{ID: "m1", ListID: l.ID, UserID: bob.Subject, Role: models.RoleEditor, Status: models.StatusPending})

	inbox, err := w.client(t, bob).Invitations(ctx)
	require.NoError(t, err)
	require.Len(t, inbox.Snapshot(), 1)

	require.NoError(t, inbox.Decline(ctx, "m1"))
	assert.Empty(t, inbox.Snapshot())
	assert.Empty(t, w.db.Members().Rows())
}

func TestProfileSearchRunsLastQueryOnly(t *testing.T) {
	ctx := context.Background()
	w := newWorld()
	for id, name := range map[models.ID]string{"id-alice": "alice", "id-alina": "alina", bob.Subject: "bob"} {
		_, err := w.db.Profiles().Insert(ctx, models.Profile{ID: id, Username: &name})
		require.NoError(t, err)
	}
	c := w.client(t, bob)

	results := make(chan tidysync.SearchResult, 4)
	search := c.NewProfileSearch(func(r tidysync.SearchResult) { results <- r })
	defer search.Stop()

	for _, q := range []string{"a", "al", "ALI"} {
		search.Type(q)
	}

	select {
	case r := <-results:
		require.NoError(t, r.Err)
		assert.Equal(t, "ALI", r.Query)
		require.Len(t, r.Profiles, 2)
		assert.Equal(t, "alice", *r.Profiles[0].Username)
		assert.Equal(t, "alina", *r.Profiles[1].Username)
	case <-time.After(time.Second):
		t.Fatal("search did not run")
	}
	select {
	case r := <-results:
		t.Fatalf("unexpected second result %+v", r)
	case <-time.After(60 * time.Millisecond):
	}
	assert.Equal(t, 1, w.db.Calls("profiles", memory.OpSelect))

	search.Type("  ")
	r := <-results
	assert.Empty(t, r.Profiles)

	self, err := c.SearchProfiles(ctx, "bo")
	require.NoError(t, err)
	assert.Empty(t, self, "the caller is excluded")
}
