// Package oprun prevents duplicate initiation of logical operations.
//
// At most one global operation and at most one operation per key run at a
// time. A second attempt is dropped, not queued.
package oprun

import (
	"context"
	"sync"

	"github.com/svetliomitev/miniclouds-sub000/internal/logging"
	"github.com/svetliomitev/miniclouds-sub000/internal/metrics"
)

// Runner is safe for concurrent use.
type Runner struct {
	mu     sync.Mutex
	global bool
	keys   map[string]struct{}
}

// New creates an idle runner.
func New() *Runner {
	return &Runner{keys: make(map[string]struct{})}
}

// Global runs fn unless another global operation is in flight. ran is false
// when the call was dropped; err is fn's error otherwise.
func (r *Runner) Global(ctx context.Context, name string, fn func(ctx context.Context) error) (ran bool, err error) {
	r.mu.Lock()
	if r.global {
		r.mu.Unlock()
		logging.Debug("global operation dropped", logging.String("op", name))
		metrics.RecordOperation("global", "dropped")
		return false, nil
	}
	r.global = true
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.global = false
		r.mu.Unlock()
	}()

	return true, r.run(ctx, "global", name, fn)
}

// Key runs fn unless an operation for the same key is in flight. Different
// keys run concurrently.
func (r *Runner) Key(ctx context.Context, key string, fn func(ctx context.Context) error) (ran bool, err error) {
	r.mu.Lock()
	if _, busy := r.keys[key]; busy {
		r.mu.Unlock()
		logging.Debug("keyed operation dropped", logging.String("key", key))
		metrics.RecordOperation("key", "dropped")
		return false, nil
	}
	r.keys[key] = struct{}{}
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.keys, key)
		r.mu.Unlock()
	}()

	return true, r.run(ctx, "key", key, fn)
}

func (r *Runner) run(ctx context.Context, scope, name string, fn func(ctx context.Context) error) error {
	ctx = logging.WithOperation(ctx, name)
	err := fn(ctx)
	if err != nil {
		metrics.RecordOperation(scope, "failed")
		return err
	}
	metrics.RecordOperation(scope, "ok")
	return nil
}

// Running reports whether a global operation is in flight.
func (r *Runner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.global
}

// KeyRunning reports whether an operation for key is in flight.
func (r *Runner) KeyRunning(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.keys[key]
	return ok
}
