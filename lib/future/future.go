// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package future

import (
	"context"
	"sync"
)

type state[T any] struct {
	once  sync.Once
	done  chan struct{}
	value T
}

// Future is the read side of a single-assignment value.
type Future[T any] struct {
	state *state[T]
}

// Promise is the write side of a single-assignment value.
type Promise[T any] struct {
	state *state[T]
}

// New returns a linked promise and future.
func New[T any]() (*Promise[T], *Future[T]) {
	s := &state[T]{done: make(chan struct{})}
	return &Promise[T]{state: s}, &Future[T]{state: s}
}

// Resolved returns a future that already holds value.
func Resolved[T any](value T) *Future[T] {
	promise, fut := New[T]()
	promise.Fulfil(value)
	return fut
}

// Fulfil stores value and wakes all waiters. It returns false if the
// promise was already fulfilled, in which case value is discarded.
func (p *Promise[T]) Fulfil(value T) bool {
	fulfilled := false
	p.state.once.Do(func() {
		p.state.value = value
		close(p.state.done)
		fulfilled = true
	})
	return fulfilled
}

// Future returns the read side of this promise.
func (p *Promise[T]) Future() *Future[T] {
	return &Future[T]{state: p.state}
}

// Done returns a channel closed once the value is available.
func (f *Future[T]) Done() <-chan struct{} {
	return f.state.done
}

// Ready reports whether the value is available without blocking.
func (f *Future[T]) Ready() bool {
	select {
	case <-f.state.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the value is available and returns it.
func (f *Future[T]) Wait() T {
	<-f.state.done
	return f.state.value
}

// WaitContext blocks until the value is available or ctx ends.
func (f *Future[T]) WaitContext(ctx context.Context) (T, error) {
	select {
	case <-f.state.done:
		return f.state.value, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Go runs fn on a new goroutine and returns a future for its result.
func Go[T any](fn func() T) *Future[T] {
	promise, fut := New[T]()
	go func() {
		promise.Fulfil(fn())
	}()
	return fut
}
