// Copyright 2026 The Nuclide RPC Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package rpc

import (
	"context"
	"sync"
)

// future is a single-assignment value resolved exactly once, used
// internally to model a Remote Proxy's asynchronous objectId (§9 "Proxy
// objects with asynchronous identity") and the one-shot resolvers of the
// client-side RPC table (§3 "Client-side RPC Table").
type future[T any] struct {
	done chan struct{}
	once sync.Once
	val  T
	err  error
}

func newFuture[T any]() *future[T] {
	return &future[T]{done: make(chan struct{})}
}

// resolved returns a future that is already complete, for the common case
// of a Proxy unmarshaled from an objectId that is already known (the
// identity was never actually in question).
func resolved[T any](v T) *future[T] {
	f := newFuture[T]()
	f.resolve(v)
	return f
}

func (f *future[T]) resolve(v T) {
	f.once.Do(func() {
		f.val = v
		close(f.done)
	})
}

func (f *future[T]) reject(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

// Await blocks until the future resolves or the context is canceled.
func (f *future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
