// Package resource wraps slow lookups, such as device enumeration, so they
// can start early and be awaited later.
package resource

import (
	"context"
	"sync"
)

// FetchFunc produces the value of a Resource.
type FetchFunc[T any] func(ctx context.Context) (T, error)

type result[T any] struct {
	val  T
	err  error
	done chan struct{}
}

// Resource runs a fetch in the background. Get waits on the current
// fetch's watch channel; Refresh starts a new fetch without disturbing
// callers still waiting on the old one.
type Resource[T any] struct {
	fetch FetchFunc[T]

	mu      sync.Mutex
	current *result[T]
}

// New returns a resource that has not fetched yet.
func New[T any](fetch FetchFunc[T]) *Resource[T] {
	return &Resource[T]{fetch: fetch}
}

// Start begins fetching unless a fetch already ran or is running.
func (r *Resource[T]) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		r.current = r.launch(ctx)
	}
}

// Refresh discards the cached value and fetches again.
func (r *Resource[T]) Refresh(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current = r.launch(ctx)
}

func (r *Resource[T]) launch(ctx context.Context) *result[T] {
	res := &result[T]{done: make(chan struct{})}
	go func() {
		defer close(res.done)
		res.val, res.err = r.fetch(ctx)
	}()
	return res
}

// Get waits for the latest fetch, starting one if needed.
func (r *Resource[T]) Get(ctx context.Context) (T, error) {
	r.Start(ctx)
	r.mu.Lock()
	res := r.current
	r.mu.Unlock()

	select {
	case <-res.done:
		return res.val, res.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Ready reports whether the latest fetch has finished.
func (r *Resource[T]) Ready() bool {
	r.mu.Lock()
	res := r.current
	r.mu.Unlock()
	if res == nil {
		return false
	}
	select {
	case <-res.done:
		return true
	default:
		return false
	}
}
