package collection

import (
	"slices"
	"sync"

	"github.com/tidylist/tidysync/pkg/models"
)

// Store is the shared state of one collection. Every view of the collection
// reads from the same Store, and only the mutation coordinator and the
// reconciliation resolver write to it.
type Store[R models.Record[R]] struct {
	mu    sync.Mutex
	items []R

	// notifyMu is taken before mu is released, so watchers observe
	// snapshots in the order the transitions were applied.
	notifyMu  sync.Mutex
	watchers  map[int]func([]R)
	nextWatch int
}

// NewStore returns a store holding a copy of initial.
func NewStore[R models.Record[R]](initial ...R) *Store[R] {
	return &Store[R]{
		items:    slices.Clone(initial),
		watchers: make(map[int]func([]R)),
	}
}

// Snapshot returns a copy of the current records in display order.
func (s *Store[R]) Snapshot() []R {
	s.mu.Lock()
	defer s.mu.Unlock()

	return slices.Clone(s.items)
}

// Get returns the record keyed id and whether it is present.
func (s *Store[R]) Get(id models.ID) (R, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if idx := IndexOf(s.items, id); idx >= 0 {
		return s.items[idx], true
	}
	var zero R
	return zero, false
}

func (s *Store[R]) Contains(id models.ID) bool {
	_, ok := s.Get(id)
	return ok
}

// Len returns the number of records, pending creates included.
func (s *Store[R]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.items)
}

// Update applies fn to the current records atomically. When fn returns an
// error the store is left untouched and watchers are not called.
func (s *Store[R]) Update(fn func([]R) ([]R, error)) error {
	s.mu.Lock()
	next, err := fn(slices.Clone(s.items))
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.items = next
	s.publishLocked()
	return nil
}

// Apply is Update for transitions that cannot fail.
func (s *Store[R]) Apply(fn func([]R) []R) {
	_ = s.Update(func(items []R) ([]R, error) {
		return fn(items), nil
	})
}

// Restore replaces the records with a snapshot taken earlier.
func (s *Store[R]) Restore(snapshot []R) {
	s.Apply(func([]R) []R { return slices.Clone(snapshot) })
}

// Reset replaces the records with rows fetched from the backend. Records
// still waiting for their create to be confirmed stay in front.
func (s *Store[R]) Reset(rows []R) {
	s.Apply(func(items []R) []R {
		out := Pending(items)
		seen := make(map[models.ID]struct{}, len(rows))
		for _, row := range rows {
			if _, dup := seen[row.RecordID()]; dup {
				continue
			}
			seen[row.RecordID()] = struct{}{}
			out = append(out, row)
		}
		return out
	})
}

// Watch registers fn to receive a snapshot after every change. fn runs on the
// writer's goroutine and must neither write to the store nor cancel a watch.
func (s *Store[R]) Watch(fn func([]R)) (cancel func()) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	id := s.nextWatch
	s.nextWatch++
	s.watchers[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			s.notifyMu.Lock()
			defer s.notifyMu.Unlock()
			delete(s.watchers, id)
		})
	}
}

// publishLocked hands the new snapshot to watchers. The caller holds mu,
// which is released here once notifyMu is held.
func (s *Store[R]) publishLocked() {
	snapshot := slices.Clone(s.items)
	s.notifyMu.Lock()
	s.mu.Unlock()
	defer s.notifyMu.Unlock()

	for _, fn := range s.watchers {
		fn(slices.Clone(snapshot))
	}
}
