// Copyright 2026 The Nuclide RPC Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package rpc

import (
	"context"

	json "github.com/segmentio/encoding/json"
)

// Subscription is the caller-side handle for an observable<T> call (§3
// "Client-side RPC Table" stream entries, §4.4 "observable"). Next delivers
// raw JSON values in emission order; the channel closes after Err is safe
// to read (either nil for normal completion or the terminal error).
type Subscription struct {
	client    *Client
	requestID int64
	values    chan json.RawMessage
	errCh     chan error
}

func newSubscription(client *Client, requestID int64) *Subscription {
	return &Subscription{
		client:    client,
		requestID: requestID,
		values:    make(chan json.RawMessage, 16),
		errCh:     make(chan error, 1),
	}
}

// Next blocks until a value arrives, the stream completes, or ctx is done.
// ok is false once the stream has completed or failed; call Err to
// distinguish the two.
func (s *Subscription) Next(ctx context.Context) (data json.RawMessage, ok bool) {
	select {
	case v, open := <-s.values:
		if !open {
			return nil, false
		}
		return v, true
	case <-ctx.Done():
		return nil, false
	}
}

// Err returns the terminal error, if the stream ended in failure rather
// than a clean "completed" frame. It must only be called after Next has
// returned ok=false.
func (s *Subscription) Err() error {
	select {
	case err := <-s.errCh:
		return err
	default:
		return nil
	}
}

// Unsubscribe sends DisposeObservable for this subscription's requestId and
// removes the local table entry (§4.4 "observable" unsubscribe). Frames
// that arrive for this requestId afterward are dropped by the dispatch
// loop (§8 property 6).
func (s *Subscription) Unsubscribe(ctx context.Context) error {
	return s.client.unsubscribe(ctx, s.requestID)
}
