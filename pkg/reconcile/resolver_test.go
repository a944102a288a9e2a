package reconcile_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidylist/tidysync/pkg/collection"
	"github.com/tidylist/tidysync/pkg/models"
	"github.com/tidylist/tidysync/pkg/notifier"
	"github.com/tidylist/tidysync/pkg/reconcile"
)

func TestWireRoundTrip(t *testing.T) {
	in := models.ChangeEvent[models.Task]{Action: models.Created, Record: task("s5", true), CorrelationID: "temp_1"}
	in.Record.Tags = models.Tags{{Label: "home", Color: "#0f0"}}

	payload, err := reconcile.Encode(in)
	require.NoError(t, err)

	out, err := reconcile.Decode[models.Task](payload)
	require.NoError(t, err)
	assert.Equal(t, in.Action, out.Action)
	assert.Equal(t, in.CorrelationID, out.CorrelationID)
	assert.Equal(t, in.Record.Tags, out.Record.Tags)
	assert.True(t, in.Record.CreatedAt.Equal(out.Record.CreatedAt))
}

func TestDecodeRejects(t *testing.T) {
	listPayload, err := reconcile.Encode(models.ChangeEvent[models.List]{Action: models.Created, Record: list("s1", "Work")})
	require.NoError(t, err)

	unknownField, err := cbor.Marshal(map[string]any{
		"action": "updated",
		"kind":   "task",
		"item":   cbor.RawMessage(mustCBOR(t, map[string]any{"id": "s5", "colour": "red"})),
	})
	require.NoError(t, err)

	cases := map[string][]byte{
		"garbage":       []byte{0xff, 0x00, 0x13},
		"wrong kind":    listPayload,
		"unknown field": unknownField,
		"missing item":  mustCBOR(t, map[string]any{"action": "created", "kind": "task"}),
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := reconcile.Decode[models.Task](payload)
			require.ErrorIs(t, err, reconcile.ErrAnomaly)
		})
	}

	_, err = reconcile.Decode[models.Task](nil)
	require.ErrorIs(t, err, reconcile.ErrEmptyPayload)
}

func mustCBOR(t *testing.T, v any) []byte {
	t.Helper()
	data, err := cbor.Marshal(v)
	require.NoError(t, err)
	return data
}

type fetchStub struct {
	calls atomic.Int32
	rows  []models.Task
	err   error
}

func (f *fetchStub) fetch(context.Context) ([]models.Task, error) {
	f.calls.Add(1)
	return f.rows, f.err
}

func newResolver(store *collection.Store[models.Task], f *fetchStub) *reconcile.Resolver[models.Task] {
	return reconcile.NewResolver(reconcile.ResolverConfig[models.Task]{Store: store, Fetch: f.fetch})
}

func TestResolverHandleAppliesEvents(t *testing.T) {
	store := collection.NewStore(task("s5", false))
	f := &fetchStub{}
	r := newResolver(store, f)

	payload, err := reconcile.Encode(models.ChangeEvent[models.Task]{Action: models.Updated, Record: task("s5", true)})
	require.NoError(t, err)

	r.Handle(notifier.Message{Topic: "list_realtime_l1", Payload: payload})
	r.Handle(notifier.Message{Topic: "list_realtime_l1", Payload: payload})

	got, ok := store.Get("s5")
	require.True(t, ok)
	assert.True(t, got.Status)
	assert.Equal(t, 1, store.Len())
	assert.Zero(t, f.calls.Load())
}

func TestResolverRefetchesOnHintAndAnomaly(t *testing.T) {
	pending := task("temp_1", false)
	store := collection.NewStore(pending, task("s5", false))
	f := &fetchStub{rows: []models.Task{task("s7", false), task("s5", true)}}
	r := newResolver(store, f)

	r.Handle(notifier.Message{Event: notifier.DefaultEvent})
	assert.EqualValues(t, 1, f.calls.Load())
	ids := []models.ID{}
	for _, tk := range store.Snapshot() {
		ids = append(ids, tk.ID)
	}
	assert.Equal(t, []models.ID{"temp_1", "s7", "s5"}, ids)

	r.Handle(notifier.Message{Payload: []byte("not cbor")})
	assert.EqualValues(t, 2, f.calls.Load())

	bad, err := reconcile.Encode(models.ChangeEvent[models.Task]{Action: models.Updated, Record: task("temp_9", true)})
	require.NoError(t, err)
	r.Handle(notifier.Message{Payload: bad})
	assert.EqualValues(t, 3, f.calls.Load())
}

func TestResolverRefetchFailureKeepsState(t *testing.T) {
	store := collection.NewStore(task("s5", false))
	f := &fetchStub{err: errors.New("offline")}
	r := newResolver(store, f)

	r.Handle(notifier.Message{})
	assert.EqualValues(t, 1, f.calls.Load())
	assert.Equal(t, 1, store.Len())

	require.Error(t, r.Refetch(context.Background(), reconcile.ReasonManual))
}

func TestResolverWithoutFetcher(t *testing.T) {
	r := reconcile.NewResolver(reconcile.ResolverConfig[models.Task]{Store: collection.NewStore[models.Task]()})
	require.Error(t, r.Refetch(context.Background(), reconcile.ReasonManual))
}
