// Copyright 2026 The Nuclide RPC Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package rpc

import (
	"context"
	"sync/atomic"

	json "github.com/segmentio/encoding/json"
)

// Proxy is a caller-side handle for a server-side object addressable by
// objectId (§3 "Remote Proxy"). Its id is held as a future because a Proxy
// returned from CreateObjectAsync is only fully identified once the
// NewObject reply arrives; a Proxy returned from CreateObject, or
// reconstructed while decoding another call's result, already carries a
// known id and so is immediately resolved. Callers never
// observe the unresolved id directly (§9).
type Proxy struct {
	client        *Client
	interfaceName string
	id            *future[int64]
	disposed      atomic.Bool
}

func newPendingProxy(client *Client, interfaceName string) *Proxy {
	return &Proxy{client: client, interfaceName: interfaceName, id: newFuture[int64]()}
}

func newResolvedProxy(client *Client, interfaceName string, objectID int64) *Proxy {
	return &Proxy{client: client, interfaceName: interfaceName, id: resolved(objectID)}
}

// InterfaceName returns the registered interface name this proxy was
// created against.
func (p *Proxy) InterfaceName() string { return p.interfaceName }

// objectID resolves the proxy's id. It fails with ErrObjectDisposed once the
// proxy is disposed, with the NewObject call's own error if that call
// failed, with ErrClosed if the Client closed first, or with ctx's error.
func (p *Proxy) objectID(ctx context.Context) (int64, error) {
	if p.disposed.Load() {
		return 0, ErrObjectDisposed
	}
	return p.id.Await(ctx)
}

// CallVoid invokes a fire-and-forget method on the remote object (§4.4
// "void"). args must already be marshaled, typically via the Type
// Registry against the method's declared parameter types.
func (p *Proxy) CallVoid(ctx context.Context, method string, args []json.RawMessage) error {
	id, err := p.objectID(ctx)
	if err != nil {
		return err
	}
	return p.client.callMethodVoid(ctx, id, method, args)
}

// CallPromise invokes a method and blocks for its single reply (§4.4
// "promise"). The raw JSON result is returned for the caller to decode
// against the declared return type via the Type Registry.
func (p *Proxy) CallPromise(ctx context.Context, method string, args []json.RawMessage) (json.RawMessage, error) {
	id, err := p.objectID(ctx)
	if err != nil {
		return nil, err
	}
	if p.disposed.Load() {
		return nil, ErrObjectDisposed
	}
	return p.client.callMethodPromise(ctx, id, method, args)
}

// CallObservable invokes a method whose declared return shape is
// observable<T> and returns a Subscription streaming the server's next
// frames (§4.4 "observable").
func (p *Proxy) CallObservable(ctx context.Context, method string, args []json.RawMessage) (*Subscription, error) {
	id, err := p.objectID(ctx)
	if err != nil {
		return nil, err
	}
	if p.disposed.Load() {
		return nil, ErrObjectDisposed
	}
	return p.client.callMethodObservable(ctx, id, method, args)
}

// Dispose sends DisposeObject for this proxy's objectId and marks the
// proxy locally disposed so that subsequent calls fail fast with
// KindObjectDisposed without a round trip (§3 invariant, §8 property 4:
// dispose idempotence). Calling Dispose twice is safe; only the first call
// reaches the wire.
func (p *Proxy) Dispose(ctx context.Context) error {
	if !p.disposed.CompareAndSwap(false, true) {
		return nil
	}
	id, err := p.id.Await(ctx)
	if err != nil {
		// The object was never successfully created; nothing to dispose.
		return nil
	}
	return p.client.disposeObject(ctx, id)
}
