// Package mutation runs optimistic writes: the change is applied to the local
// collection first, the backend write follows, and the outcome either
// confirms the change with the backend's row or restores the collection as
// it was before the write. Confirmed changes are broadcast on the
// collection's channel.
package mutation

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/tidylist/tidysync/pkg/backend"
	"github.com/tidylist/tidysync/pkg/collection"
	"github.com/tidylist/tidysync/pkg/logger"
	"github.com/tidylist/tidysync/pkg/metrics"
	"github.com/tidylist/tidysync/pkg/models"
	"github.com/tidylist/tidysync/pkg/notifier"
	"github.com/tidylist/tidysync/pkg/reconcile"
)

const DefaultWriteTimeout = 30 * time.Second

// Publisher is the part of a notifier channel the coordinator uses.
type Publisher interface {
	AwaitActive(ctx context.Context, timeout time.Duration) bool
	Publish(ctx context.Context, msg notifier.Message) error
}

var _ Publisher = (*notifier.Channel)(nil)

type Config[R models.Record[R]] struct {
	Store *collection.Store[R]
	Table backend.Table[R]
	// Channel receives confirmed changes. Nil disables broadcasting.
	Channel Publisher

	// AckTimeout bounds the wait for the channel's acknowledgement before
	// publishing anyway.
	AckTimeout time.Duration
	// WriteTimeout bounds each backend write. Writes are detached from the
	// caller's cancellation.
	WriteTimeout time.Duration

	// StampColumn, when set, is filled with the local time on the
	// provisional record of a create.
	StampColumn string
	// LocalFields are kept on the local copy only. They are never sent to
	// the backend or broadcast, and the backend's row does not overwrite
	// them.
	LocalFields []string

	Logger  logger.Logger
	Metrics metrics.Recorder
	// Now is the local clock. Defaults to time.Now.
	Now func() time.Time
}

// Coordinator runs optimistic writes for one collection.
type Coordinator[R models.Record[R]] struct {
	kind    models.Kind
	store   *collection.Store[R]
	table   backend.Table[R]
	channel Publisher

	ackTimeout   time.Duration
	writeTimeout time.Duration
	stampColumn  string
	localFields  []string

	logger  logger.Logger
	metrics metrics.Recorder
	now     func() time.Time
}

func New[R models.Record[R]](cfg Config[R]) *Coordinator[R] {
	var zero R
	c := &Coordinator[R]{
		kind:         zero.Kind(),
		store:        cfg.Store,
		table:        cfg.Table,
		channel:      cfg.Channel,
		ackTimeout:   cfg.AckTimeout,
		writeTimeout: cfg.WriteTimeout,
		stampColumn:  cfg.StampColumn,
		localFields:  cfg.LocalFields,
		logger:       logger.OrNop(cfg.Logger),
		metrics:      metrics.OrNop(cfg.Metrics),
		now:          cfg.Now,
	}
	if c.ackTimeout <= 0 {
		c.ackTimeout = notifier.DefaultAckTimeout
	}
	if c.writeTimeout <= 0 {
		c.writeTimeout = DefaultWriteTimeout
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

func (c *Coordinator[R]) Store() *collection.Store[R] {
	return c.store
}

// writeContext detaches ctx from cancellation: once issued, a write runs to
// completion or until WriteTimeout.
func (c *Coordinator[R]) writeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), c.writeTimeout)
}

// Create inserts draft optimistically under a temporary id, writes it and
// replaces the temporary record with the backend's row. On failure the
// temporary record is removed and a *WriteError returned.
func (c *Coordinator[R]) Create(ctx context.Context, draft R) (R, error) {
	var zero R
	if err := models.Validate(draft); err != nil {
		c.metrics.Mutation(string(c.kind), OpCreate, metrics.OutcomeInvalid, 0)
		return zero, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}

	remote, err := c.withoutLocal(draft)
	if err != nil {
		return zero, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	if remote.RecordID().IsTemp() {
		remote = remote.WithID("")
	}

	tempID := models.NewTempID()
	provisional := draft.WithID(tempID)
	if c.stampColumn != "" {
		stamped, err := models.ApplyPatch(provisional, models.Patch{c.stampColumn: c.now().UTC()})
		if err != nil {
			return zero, fmt.Errorf("%w: %w", ErrInvalidInput, err)
		}
		provisional = stamped
	}

	c.store.Apply(func(items []R) []R {
		return collection.InsertOptimistic(items, provisional)
	})

	wctx, cancel := c.writeContext(ctx)
	defer cancel()

	start := time.Now()
	row, err := c.table.Insert(wctx, remote)
	took := time.Since(start)
	if err != nil {
		c.store.Apply(func(items []R) []R {
			return collection.Rollback(items, tempID)
		})
		c.metrics.Mutation(string(c.kind), OpCreate, metrics.OutcomeRolledBack, took)
		c.logger.Warn("mutation.Coordinator rolled back create", "kind", c.kind, "temp_id", tempID, "error", err)
		return zero, &WriteError{Kind: c.kind, Op: OpCreate, ID: tempID, Err: err}
	}
	if row.RecordID().IsZero() || row.RecordID().IsTemp() {
		c.store.Apply(func(items []R) []R {
			return collection.Rollback(items, tempID)
		})
		c.logger.Error("BUG: mutation.Coordinator backend returned an unusable id", "kind", c.kind, "id", row.RecordID())
		return zero, &WriteError{Kind: c.kind, Op: OpCreate, ID: tempID, Err: backend.ErrTemporaryID}
	}

	local, err := c.withLocal(row, draft)
	if err != nil {
		c.logger.Error("BUG: mutation.Coordinator failed to restore local fields", "kind", c.kind, "id", row.RecordID(), "error", err)
		local = row
	}
	c.store.Apply(func(items []R) []R {
		return collection.Replace(items, tempID, local)
	})
	if c.store.Contains(tempID) {
		c.logger.Error("BUG: mutation.Coordinator temporary record survived reconciliation", "kind", c.kind, "temp_id", tempID)
	}
	c.metrics.Mutation(string(c.kind), OpCreate, metrics.OutcomeOK, took)
	c.logger.Debug("mutation.Coordinator confirmed create", "kind", c.kind, "temp_id", tempID, "id", row.RecordID())

	published, err := c.withoutLocal(row)
	if err != nil {
		c.logger.Error("BUG: mutation.Coordinator failed to strip local fields", "kind", c.kind, "id", row.RecordID(), "error", err)
		return local, nil
	}
	c.Publish(wctx, models.ChangeEvent[R]{Action: models.Created, Record: published, CorrelationID: tempID})
	return local, nil
}

// withoutLocal clears the local fields of rec, leaving what may leave the
// device.
func (c *Coordinator[R]) withoutLocal(rec R) (R, error) {
	if len(c.localFields) == 0 {
		return rec, nil
	}
	unset := make(models.Patch, len(c.localFields))
	for _, f := range c.localFields {
		unset[f] = nil
	}
	return models.ApplyPatch(rec, unset)
}

// withLocal copies the local fields of from onto rec.
func (c *Coordinator[R]) withLocal(rec, from R) (R, error) {
	if len(c.localFields) == 0 {
		return rec, nil
	}
	fields, err := models.PatchOf(from)
	if err != nil {
		return rec, err
	}
	local := models.Patch{}
	for _, f := range c.localFields {
		if v, ok := fields[f]; ok {
			local[f] = v
		}
	}
	if len(local) == 0 {
		return rec, nil
	}
	return models.ApplyPatch(rec, local)
}

// Update merges patch into the record keyed id, writes it and merges the
// backend's row. On failure the collection is restored to the snapshot taken
// before the merge.
func (c *Coordinator[R]) Update(ctx context.Context, id models.ID, patch models.Patch) (R, error) {
	var zero R
	switch {
	case id.IsTemp():
		return zero, fmt.Errorf("%w: %s", ErrPendingCreate, id)
	case id.IsZero(), len(patch.Without("id")) == 0:
		c.metrics.Mutation(string(c.kind), OpUpdate, metrics.OutcomeInvalid, 0)
		return zero, fmt.Errorf("%w: empty update of %s %q", ErrInvalidInput, c.kind, id)
	}
	patch = patch.Without("id")

	if current, ok := c.store.Get(id); ok {
		next, err := models.ApplyPatch(current, patch)
		if err == nil {
			err = models.Validate(next)
		}
		if err != nil {
			c.metrics.Mutation(string(c.kind), OpUpdate, metrics.OutcomeInvalid, 0)
			return zero, fmt.Errorf("%w: %w", ErrInvalidInput, err)
		}
	}

	var (
		snapshot []R
		merged   R
		loaded   bool
	)
	if err := c.store.Update(func(items []R) ([]R, error) {
		snapshot = slices.Clone(items)
		next, err := collection.Merge(items, id, patch)
		if idx := collection.IndexOf(next, id); idx >= 0 {
			merged, loaded = next[idx], true
		}
		return next, err
	}); err != nil {
		return zero, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}

	wctx, cancel := c.writeContext(ctx)
	defer cancel()

	remote := patch.Without(c.localFields...)
	if len(remote) == 0 {
		// Only local fields changed.
		if !loaded {
			return zero, fmt.Errorf("%w: %s %s", ErrNotLoaded, c.kind, id)
		}
		c.metrics.Mutation(string(c.kind), OpUpdate, metrics.OutcomeOK, 0)
		return merged, nil
	}

	start := time.Now()
	row, err := c.table.Update(wctx, id, remote)
	took := time.Since(start)
	if err != nil {
		c.store.Restore(snapshot)
		c.metrics.Mutation(string(c.kind), OpUpdate, metrics.OutcomeRolledBack, took)
		c.logger.Warn("mutation.Coordinator rolled back update", "kind", c.kind, "id", id, "error", err)
		return zero, &WriteError{Kind: c.kind, Op: OpUpdate, ID: id, Err: err}
	}

	canonical, err := models.PatchOf(row)
	if err == nil {
		err = c.store.Update(func(items []R) ([]R, error) {
			return collection.Merge(items, id, canonical.Without(c.localFields...))
		})
	}
	if err != nil {
		c.logger.Error("BUG: mutation.Coordinator failed to merge canonical row", "kind", c.kind, "id", id, "error", err)
	}
	c.metrics.Mutation(string(c.kind), OpUpdate, metrics.OutcomeOK, took)

	result := row
	if rec, ok := c.store.Get(id); ok {
		result = rec
	}
	published, err := c.withoutLocal(result)
	if err != nil {
		c.logger.Error("BUG: mutation.Coordinator failed to strip local fields", "kind", c.kind, "id", id, "error", err)
		return result, nil
	}
	c.Publish(wctx, models.ChangeEvent[R]{Action: models.Updated, Record: published})
	return result, nil
}

// Delete removes the record keyed id, deletes it on the backend and restores
// the collection on failure.
func (c *Coordinator[R]) Delete(ctx context.Context, id models.ID) error {
	switch {
	case id.IsTemp():
		return fmt.Errorf("%w: %s", ErrPendingCreate, id)
	case id.IsZero():
		c.metrics.Mutation(string(c.kind), OpDelete, metrics.OutcomeInvalid, 0)
		return fmt.Errorf("%w: empty %s id", ErrInvalidInput, c.kind)
	}

	var zero R
	return c.Do(ctx, Mutation[R]{
		Op: OpDelete,
		ID: id,
		Local: func(items []R) []R {
			return collection.Remove(items, id)
		},
		Remote: func(ctx context.Context) error {
			return c.table.Delete(ctx, id)
		},
		Publish: &models.ChangeEvent[R]{Action: models.Deleted, Record: zero.WithID(id)},
	})
}

// Mutation is an arbitrary optimistic change: Local is applied to the
// collection at once, Remote performs the write, and Publish is broadcast
// when the write succeeds.
type Mutation[R models.Record[R]] struct {
	Op      string
	ID      models.ID
	Local   func(items []R) []R
	Remote  func(ctx context.Context) error
	Publish *models.ChangeEvent[R]
}

// Do runs m with the same snapshot rollback as Update and Delete.
func (c *Coordinator[R]) Do(ctx context.Context, m Mutation[R]) error {
	var snapshot []R
	c.store.Apply(func(items []R) []R {
		snapshot = slices.Clone(items)
		return m.Local(items)
	})

	wctx, cancel := c.writeContext(ctx)
	defer cancel()

	start := time.Now()
	err := m.Remote(wctx)
	took := time.Since(start)
	if err != nil {
		c.store.Restore(snapshot)
		c.metrics.Mutation(string(c.kind), m.Op, metrics.OutcomeRolledBack, took)
		c.logger.Warn("mutation.Coordinator rolled back "+m.Op, "kind", c.kind, "id", m.ID, "error", err)
		return &WriteError{Kind: c.kind, Op: m.Op, ID: m.ID, Err: err}
	}

	c.metrics.Mutation(string(c.kind), m.Op, metrics.OutcomeOK, took)
	if m.Publish != nil {
		c.Publish(wctx, *m.Publish)
	}
	return nil
}

// Publish broadcasts ev once the channel is acknowledged or AckTimeout has
// elapsed. Broadcasting is best effort: failures are logged, not returned.
func (c *Coordinator[R]) Publish(ctx context.Context, ev models.ChangeEvent[R]) {
	if c.channel == nil {
		return
	}
	if id := ev.Record.RecordID(); id.IsTemp() {
		c.logger.Error("BUG: mutation.Coordinator refusing to broadcast a temporary id", "kind", c.kind, "id", id)
		return
	}

	acked := c.channel.AwaitActive(ctx, c.ackTimeout)
	c.metrics.Broadcast(string(c.kind), acked)
	if !acked {
		c.logger.Debug("mutation.Coordinator publishing before acknowledgement", "kind", c.kind, "event", ev.String())
	}

	payload, err := reconcile.Encode(ev)
	if err != nil {
		c.logger.Warn("mutation.Coordinator failed to encode change event", "kind", c.kind, "event", ev.String(), "error", err)
		return
	}
	if err := c.channel.Publish(ctx, notifier.Message{Event: notifier.DefaultEvent, Payload: payload}); err != nil {
		c.logger.Warn("mutation.Coordinator failed to broadcast change event", "kind", c.kind, "event", ev.String(), "error", err)
	}
}
