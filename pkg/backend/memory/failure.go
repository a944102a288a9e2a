package memory

import (
	"context"
	"time"
)

// Operation names a backend call.
type Operation string

const (
	OpSelect Operation = "select"
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// RequestMatcher selects the calls a failure applies to. Empty fields match
// anything.
type RequestMatcher struct {
	Table string
	Op    Operation
}

func (m RequestMatcher) matches(table string, op Operation) bool {
	return (m.Table == "" || m.Table == table) && (m.Op == "" || m.Op == op)
}

// FailureConfig injects a failure into matching calls. Delay and Gate hold
// the call before it runs; Err, when set, is returned instead of running it.
type FailureConfig struct {
	Matcher RequestMatcher
	Err     error
	Delay   time.Duration
	// Gate blocks matching calls until it is closed.
	Gate <-chan struct{}
	// Times limits how many calls the failure applies to. Zero means every
	// matching call.
	Times int
}

type failure struct {
	FailureConfig
	remaining int
}

// MatchWrites matches insert, update and delete calls on table by
// registering one failure per operation.
func MatchWrites(table string, cfg FailureConfig) []FailureConfig {
	out := make([]FailureConfig, 0, 3)
	for _, op := range []Operation{OpInsert, OpUpdate, OpDelete} {
		c := cfg
		c.Matcher = RequestMatcher{Table: table, Op: op}
		out = append(out, c)
	}
	return out
}

// AddFailure registers cfg. Failures are matched in the order they were added
// and at most one applies to a call.
func (db *DB) AddFailure(cfgs ...FailureConfig) {
	db.mu.Lock()
	defer db.mu.Unlock()

	for _, cfg := range cfgs {
		db.failures = append(db.failures, &failure{FailureConfig: cfg, remaining: cfg.Times})
	}
}

func (db *DB) ClearFailures() {
	db.mu.Lock()
	defer db.mu.Unlock()

	db.failures = nil
}

// Calls returns how many calls reached table with op.
func (db *DB) Calls(table string, op Operation) int {
	db.mu.Lock()
	defer db.mu.Unlock()

	return db.calls[RequestMatcher{Table: table, Op: op}]
}

func (db *DB) intercept(ctx context.Context, table string, op Operation) error {
	db.mu.Lock()
	db.calls[RequestMatcher{Table: table, Op: op}]++

	var hit *FailureConfig
	for _, f := range db.failures {
		if !f.Matcher.matches(table, op) {
			continue
		}
		if f.Times > 0 {
			if f.remaining == 0 {
				continue
			}
			f.remaining--
		}
		cfg := f.FailureConfig
		hit = &cfg
		break
	}
	db.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if hit == nil {
		return nil
	}

	if hit.Delay > 0 {
		timer := time.NewTimer(hit.Delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
	if hit.Gate != nil {
		select {
		case <-hit.Gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return hit.Err
}
