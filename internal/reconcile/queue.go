// Package reconcile holds writes that were applied locally but could not be
// confirmed by the persistent store, and replays them until they stick.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Op re-attempts a pending write. Returning an error wrapped with
// backoff.Permanent drops the write from the queue.
type Op func(ctx context.Context) error

// Queue is a keyed, ordered set of pending writes. Enqueueing an existing key
// keeps the original write.
type Queue struct {
	mu         sync.Mutex
	order      []string
	ops        map[string]Op
	newBackOff func() backoff.BackOff
	onConfirm  func(key string)
	onDrop     func(key string, err error)
}

// Option customises a Queue.
type Option func(*Queue)

// WithBackOff overrides the per-replay retry policy.
func WithBackOff(fn func() backoff.BackOff) Option {
	return func(q *Queue) {
		if fn != nil {
			q.newBackOff = fn
		}
	}
}

// WithConfirmHook registers a callback run after a write is confirmed.
func WithConfirmHook(fn func(key string)) Option {
	return func(q *Queue) { q.onConfirm = fn }
}

// WithDropHook registers a callback run when a write fails permanently.
func WithDropHook(fn func(key string, err error)) Option {
	return func(q *Queue) { q.onDrop = fn }
}

// DefaultBackOff retries for up to 30 seconds per replay.
func DefaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 30 * time.Second
	return b
}

// NewQueue constructs an empty queue.
func NewQueue(opts ...Option) *Queue {
	q := &Queue{ops: make(map[string]Op), newBackOff: DefaultBackOff}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue adds a pending write. It reports false when key is already queued.
func (q *Queue) Enqueue(key string, op Op) bool {
	if key == "" || op == nil {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, exists := q.ops[key]; exists {
		return false
	}
	q.ops[key] = op
	q.order = append(q.order, key)
	return true
}

// Has reports whether key is pending.
func (q *Queue) Has(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.ops[key]
	return ok
}

// Pending returns the queued keys in enqueue order.
func (q *Queue) Pending() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.order...)
}

// Len returns the number of pending writes.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}

// Replay re-attempts every pending write in order. Confirmed and permanently
// failed writes leave the queue; writes that keep failing stay for the next
// replay. The returned error joins every failure.
func (q *Queue) Replay(ctx context.Context) error {
	var errs []error
	for _, key := range q.Pending() {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		q.mu.Lock()
		op, ok := q.ops[key]
		q.mu.Unlock()
		if !ok {
			continue
		}
		permanent := false
		err := backoff.Retry(func() error {
			err := op(ctx)
			var perm *backoff.PermanentError
			if errors.As(err, &perm) {
				permanent = true
			}
			return err
		}, backoff.WithContext(q.newBackOff(), ctx))
		switch {
		case err == nil:
			q.remove(key)
			if q.onConfirm != nil {
				q.onConfirm(key)
			}
		case permanent:
			q.remove(key)
			if q.onDrop != nil {
				q.onDrop(key, err)
			}
			errs = append(errs, fmt.Errorf("%s dropped: %w", key, err))
		default:
			errs = append(errs, fmt.Errorf("%s still pending: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

// Run replays the queue every interval until ctx is done.
func (q *Queue) Run(ctx context.Context, interval time.Duration, onErr func(error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if q.Len() == 0 {
				continue
			}
			if err := q.Replay(ctx); err != nil && onErr != nil {
				onErr(err)
			}
		}
	}
}

func (q *Queue) remove(key string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.ops, key)
	for i, k := range q.order {
		if k == key {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
}
