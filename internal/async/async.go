// Package async adapts the blocking trace server to callers that schedule
// work as independent tasks. Every operation returns a Future immediately and
// runs on a bounded pool of goroutines.
package async

import (
	"context"
	"iter"

	"golang.org/x/sync/semaphore"
)

// Future holds the eventual result of one operation.
type Future[T any] struct {
	done chan struct{}
	val  T
	err  error
}

// Done is closed once the result is available.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Wait blocks until the result is available or ctx is done. Abandoning a
// wait does not cancel the operation; cancel the context passed to Go for that.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Pool bounds how many operations run at once.
type Pool struct {
	sema *semaphore.Weighted
}

func NewPool(workers int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	return &Pool{sema: semaphore.NewWeighted(int64(workers))}
}

// Go schedules fn on p and returns without blocking. If ctx ends before a
// worker frees up, fn never runs and the future fails with ctx's error.
func Go[T any](ctx context.Context, p *Pool, fn func(context.Context) (T, error)) *Future[T] {
	f := &Future[T]{done: make(chan struct{})}
	go func() {
		defer close(f.done)
		if err := p.sema.Acquire(ctx, 1); err != nil {
			f.err = err
			return
		}
		defer p.sema.Release(1)
		f.val, f.err = fn(ctx)
	}()
	return f
}

// Stream carries the items of one streaming operation from a pool worker to
// a single consumer. The worker holds its pool slot until the source ends or
// the stream is closed.
type Stream[T any] struct {
	items  chan T
	done   chan struct{}
	cancel context.CancelFunc
	err    error
}

// GoStream runs src on p and buffers up to buffer items ahead of the
// consumer.
func GoStream[T any](ctx context.Context, p *Pool, buffer int, src func(context.Context) iter.Seq2[T, error]) *Stream[T] {
	ctx, cancel := context.WithCancel(ctx)
	s := &Stream[T]{
		items:  make(chan T, max(buffer, 0)),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	go func() {
		defer close(s.done)
		defer close(s.items)
		defer cancel()
		if err := p.sema.Acquire(ctx, 1); err != nil {
			s.err = err
			return
		}
		defer p.sema.Release(1)
		for v, err := range src(ctx) {
			if err != nil {
				s.err = err
				return
			}
			select {
			case s.items <- v:
			case <-ctx.Done():
				s.err = ctx.Err()
				return
			}
		}
	}()
	return s
}

// All yields the items in order, then the error that ended the stream if
// any. Breaking out of the loop closes the stream.
func (s *Stream[T]) All() iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for v := range s.items {
			if !yield(v, nil) {
				s.Close()
				return
			}
		}
		<-s.done
		if s.err != nil {
			var zero T
			yield(zero, s.err)
		}
	}
}

// Close stops the worker and waits for it to release its pool slot.
func (s *Stream[T]) Close() {
	s.cancel()
	<-s.done
}

// Done is closed once the worker has exited.
func (s *Stream[T]) Done() <-chan struct{} { return s.done }
