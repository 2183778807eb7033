// Package queue provides a serialized, order-preserving work queue: one
// consumer, strict FIFO, per-item failure isolation.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Handler processes one item.
type Handler[T any] func(ctx context.Context, item T) error

// Queue drains items one at a time on a background goroutine that exists
// only while the backlog is non-empty.
type Queue[T any] struct {
	ctx     context.Context
	handler Handler[T]
	onError func(error, T)
	logger  *slog.Logger

	mu      sync.Mutex
	items   []T
	running bool
	idle    chan struct{} // closed whenever no drain loop is active
}

// Option customizes a Queue.
type Option[T any] func(*Queue[T])

// WithOnError sets the callback that receives handler failures.
func WithOnError[T any](fn func(error, T)) Option[T] {
	return func(q *Queue[T]) { q.onError = fn }
}

// WithLogger sets the logger.
func WithLogger[T any](l *slog.Logger) Option[T] {
	return func(q *Queue[T]) { q.logger = l }
}

// New returns an empty queue. Handlers receive ctx.
func New[T any](ctx context.Context, handler Handler[T], opts ...Option[T]) *Queue[T] {
	idle := make(chan struct{})
	close(idle)
	q := &Queue[T]{
		ctx:     ctx,
		handler: handler,
		logger:  slog.Default(),
		idle:    idle,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue appends item and starts a drain loop if none is running.
func (q *Queue[T]) Enqueue(item T) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, item)
	if !q.running {
		q.running = true
		q.idle = make(chan struct{})
		go q.run()
	}
}

// Drain blocks until the backlog is empty and no handler is running.
func (q *Queue[T]) Drain(ctx context.Context) error {
	q.mu.Lock()
	idle := q.idle
	q.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Clear drops every item that has not started processing and returns how
// many were dropped. An item already in its handler runs to completion.
func (q *Queue[T]) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	clear(q.items)
	q.items = q.items[:0]
	return n
}

// Size returns the number of items waiting to be processed.
func (q *Queue[T]) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue[T]) run() {
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.running = false
			close(q.idle)
			q.mu.Unlock()
			return
		}
		item := q.items[0]
		var zero T
		q.items[0] = zero
		q.items = q.items[1:]
		q.mu.Unlock()

		if err := q.process(item); err != nil {
			q.logger.Warn("queue item failed", "error", err)
			if q.onError != nil {
				q.onError(err, item)
			}
		}
	}
}

func (q *Queue[T]) process(item T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return q.handler(q.ctx, item)
}
