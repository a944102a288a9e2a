package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tidylist/tidysync/pkg/collection"
	"github.com/tidylist/tidysync/pkg/logger"
	"github.com/tidylist/tidysync/pkg/metrics"
	"github.com/tidylist/tidysync/pkg/models"
	"github.com/tidylist/tidysync/pkg/notifier"
)

const DefaultRefetchTimeout = 10 * time.Second

// Refetch reasons.
const (
	ReasonHint    = "hint"
	ReasonAnomaly = "anomaly"
	ReasonManual  = "manual"
)

// Fetcher loads the full collection from the backend, newest first.
type Fetcher[R models.Record[R]] func(ctx context.Context) ([]R, error)

type ResolverConfig[R models.Record[R]] struct {
	Store   *collection.Store[R]
	Fetch   Fetcher[R]
	Logger  logger.Logger
	Metrics metrics.Recorder

	// RefetchTimeout bounds a refetch triggered by an incoming message.
	RefetchTimeout time.Duration
}

// Resolver applies the change events of one collection to its store.
type Resolver[R models.Record[R]] struct {
	kind           models.Kind
	store          *collection.Store[R]
	fetch          Fetcher[R]
	logger         logger.Logger
	metrics        metrics.Recorder
	refetchTimeout time.Duration
}

func NewResolver[R models.Record[R]](cfg ResolverConfig[R]) *Resolver[R] {
	var zero R
	r := &Resolver[R]{
		kind:           zero.Kind(),
		store:          cfg.Store,
		fetch:          cfg.Fetch,
		logger:         logger.OrNop(cfg.Logger),
		metrics:        metrics.OrNop(cfg.Metrics),
		refetchTimeout: cfg.RefetchTimeout,
	}
	if r.refetchTimeout <= 0 {
		r.refetchTimeout = DefaultRefetchTimeout
	}
	return r
}

// Handle is a notifier.Handler. Payload-less messages and messages that fail
// to decode or validate trigger a refetch instead of a partial merge.
func (r *Resolver[R]) Handle(msg notifier.Message) {
	ev, err := Decode[R](msg.Payload)
	if err == nil {
		err = r.Apply(ev)
	}

	reason := ""
	switch {
	case err == nil:
		return
	case errors.Is(err, ErrEmptyPayload):
		reason = ReasonHint
	default:
		reason = ReasonAnomaly
		r.logger.Warn("reconcile.Resolver refetching after anomalous event",
			"kind", r.kind, "topic", msg.Topic, "event", msg.Event, "error", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.refetchTimeout)
	defer cancel()
	if ferr := r.Refetch(ctx, reason); ferr != nil {
		r.logger.Warn("reconcile.Resolver refetch failed", "kind", r.kind, "reason", reason, "error", ferr)
	}
}

// Apply checks ev and merges it into the store.
func (r *Resolver[R]) Apply(ev models.ChangeEvent[R]) error {
	if err := Check(ev); err != nil {
		r.metrics.Reconcile(string(r.kind), "anomaly")
		return err
	}

	var result Result
	err := r.store.Update(func(items []R) ([]R, error) {
		out, res, err := Apply(items, ev)
		result = res
		return out, err
	})
	if err != nil {
		r.metrics.Reconcile(string(r.kind), "anomaly")
		return err
	}

	r.metrics.Reconcile(string(r.kind), string(result))
	r.logger.Debug("reconcile.Resolver applied event", "kind", r.kind, "event", ev.String(), "result", result)
	return nil
}

// Refetch replaces the collection with the backend's rows. Records still
// pending creation are kept.
func (r *Resolver[R]) Refetch(ctx context.Context, reason string) error {
	if r.fetch == nil {
		return fmt.Errorf("reconcile: no fetcher configured for %s", r.kind)
	}

	r.metrics.Refetch(string(r.kind), reason)
	rows, err := r.fetch(ctx)
	if err != nil {
		return err
	}
	r.store.Reset(rows)
	r.logger.Debug("reconcile.Resolver refetched collection", "kind", r.kind, "reason", reason, "rows", len(rows))
	return nil
}
