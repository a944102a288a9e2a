package tidysync

import (
	"context"
	"sync"

	"github.com/tidylist/tidysync/pkg/backend"
	"github.com/tidylist/tidysync/pkg/collection"
	"github.com/tidylist/tidysync/pkg/models"
	"github.com/tidylist/tidysync/pkg/mutation"
	"github.com/tidylist/tidysync/pkg/notifier"
	"github.com/tidylist/tidysync/pkg/reconcile"
)

// View is a live collection of records of kind R: the local snapshot, the
// optimistic writes against it and the channel that keeps it in sync.
type View[R models.Record[R]] struct {
	client   *Client
	topic    string
	channel  *notifier.Channel
	store    *collection.Store[R]
	coord    *mutation.Coordinator[R]
	resolver *reconcile.Resolver[R]

	unsubscribe func()
	closeOnce   sync.Once
}

type viewOptions[R models.Record[R]] struct {
	topic       string
	table       backend.Table[R]
	fetch       reconcile.Fetcher[R]
	stampColumn string
	localFields []string
}

func openView[R models.Record[R]](ctx context.Context, c *Client, opts viewOptions[R]) (*View[R], error) {
	ch, err := c.acquire(ctx, opts.topic)
	if err != nil {
		return nil, err
	}

	store := collection.NewStore[R]()
	v := &View[R]{
		client:  c,
		topic:   opts.topic,
		channel: ch,
		store:   store,
		coord: mutation.New(mutation.Config[R]{
			Store:        store,
			Table:        opts.table,
			Channel:      ch,
			AckTimeout:   c.cfg.AckTimeout,
			WriteTimeout: c.cfg.WriteTimeout,
			StampColumn:  opts.stampColumn,
			LocalFields:  opts.localFields,
			Logger:       c.logger,
			Metrics:      c.metrics,
		}),
		resolver: reconcile.NewResolver(reconcile.ResolverConfig[R]{
			Store:          store,
			Fetch:          opts.fetch,
			Logger:         c.logger,
			Metrics:        c.metrics,
			RefetchTimeout: c.cfg.RefetchTimeout,
		}),
	}

	// Subscribe before the first fetch so no broadcast falls between them.
	v.unsubscribe = ch.Subscribe(v.resolver.Handle)
	if err := v.resolver.Refetch(ctx, reconcile.ReasonManual); err != nil {
		_ = v.Close()
		return nil, err
	}
	if err := c.register(v); err != nil {
		_ = v.Close()
		return nil, err
	}
	return v, nil
}

func (v *View[R]) Topic() string {
	return v.topic
}

// Snapshot returns the current records, pending creates included, newest
// first.
func (v *View[R]) Snapshot() []R {
	return v.store.Snapshot()
}

func (v *View[R]) Get(id models.ID) (R, bool) {
	return v.store.Get(id)
}

// Watch calls fn with every new snapshot until the returned function is
// called.
func (v *View[R]) Watch(fn func([]R)) (cancel func()) {
	return v.store.Watch(fn)
}

// Refresh replaces the collection with the backend's rows, keeping pending
// creates.
func (v *View[R]) Refresh(ctx context.Context) error {
	return v.resolver.Refetch(ctx, reconcile.ReasonManual)
}

// Update merges patch into the record keyed id.
func (v *View[R]) Update(ctx context.Context, id models.ID, patch models.Patch) (R, error) {
	return v.coord.Update(ctx, id, patch)
}

// Delete removes the record keyed id.
func (v *View[R]) Delete(ctx context.Context, id models.ID) error {
	return v.coord.Delete(ctx, id)
}

// Done is closed when the view's channel is closed. A view whose channel
// was lost keeps its last snapshot but no longer receives changes from
// other devices; Err tells the two cases apart.
func (v *View[R]) Done() <-chan struct{} {
	return v.channel.Done()
}

// Err returns nil while the view is live and an error wrapping
// ErrChannelLost once its channel was lost.
func (v *View[R]) Err() error {
	return v.channel.Err()
}

// Close detaches the view from its channel.
func (v *View[R]) Close() error {
	v.closeOnce.Do(func() {
		v.unsubscribe()
		v.client.unregister(v)
		v.client.release(v.channel)
	})
	return nil
}
