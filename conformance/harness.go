// Copyright 2026 The Nuclide RPC Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package conformance replays the end-to-end scenarios against a real
// rpc.Client/rpc.Server pair and checks the resulting wire-frame trace
// against golden txtar fixtures, mirroring how the corpus's own protocol
// package validates its request/response choreography with recorded
// fixtures rather than hand-asserted mocks.
package conformance

import (
	"context"
	"fmt"
	"io"
	"sync"

	json "github.com/segmentio/encoding/json"

	"github.com/sagarawasthi/nuclide/rpc"
)

// tracingConn is an in-memory rpc.Connection that appends a normalized,
// human-readable line to a shared trace every time a frame crosses it, so a
// whole scenario's choreography can be captured as an ordered list of
// strings and compared against a golden fixture with go-cmp.
type tracingConn struct {
	label string // "C->S" when writing, used to describe frames this end sends
	out   chan []byte
	in    chan []byte

	mu     *sync.Mutex
	trace  *[]string
	closed bool
}

// newTracingPair returns two ends of one in-memory connection sharing a
// single ordered trace. a's label describes frames written by the caller
// that holds a (conventionally "C->S"); b's is the reverse.
func newTracingPair() (a, b *tracingConn) {
	ab := make(chan []byte, 64)
	ba := make(chan []byte, 64)
	trace := &[]string{}
	var mu sync.Mutex
	a = &tracingConn{label: "C->S", out: ab, in: ba, mu: &mu, trace: trace}
	b = &tracingConn{label: "S->C", out: ba, in: ab, mu: &mu, trace: trace}
	return a, b
}

func (c *tracingConn) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case data, ok := <-c.in:
		if !ok {
			return nil, io.EOF
		}
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *tracingConn) WriteFrame(ctx context.Context, data []byte) error {
	c.mu.Lock()
	*c.trace = append(*c.trace, c.label+" "+describeFrame(data))
	c.mu.Unlock()
	select {
	case c.out <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// snapshot returns a copy of every frame line recorded so far, in the
// order frames were written, across both ends of the pair.
func (c *tracingConn) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(*c.trace))
	copy(out, *c.trace)
	return out
}

func (c *tracingConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.out)
	}
	return nil
}

// describeFrame renders one wire frame as a single normalized line:
// requestIds and raw argument/result payloads are reduced to shape
// descriptors so the trace stays stable across runs while still pinning
// down exactly which frame kind crossed the wire, in what order, carrying
// success/error/next/completed (§8 properties 1-5).
func describeFrame(data []byte) string {
	frame, err := rpc.DecodeFrame(data)
	if err != nil {
		return fmt.Sprintf("malformed: %v", err)
	}
	switch f := frame.(type) {
	case *rpc.RequestFrame:
		switch f.Type {
		case rpc.FunctionCall:
			return fmt.Sprintf("FunctionCall %s argc=%d", f.Function, len(f.Args))
		case rpc.MethodCall:
			return fmt.Sprintf("MethodCall %s argc=%d", f.Method, len(f.Args))
		case rpc.NewObject:
			return fmt.Sprintf("NewObject %s", f.Interface)
		case rpc.DisposeObject:
			return "DisposeObject"
		case rpc.DisposeObservable:
			return "DisposeObservable"
		default:
			return fmt.Sprintf("request type=%s", f.Type)
		}
	case *rpc.ResponseFrame:
		if f.HadError {
			return fmt.Sprintf("error message=%q code=%q", f.Error.Message, f.Error.Code)
		}
		var sr struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
		}
		if json.Unmarshal(f.Result, &sr) == nil && (sr.Type == "next" || sr.Type == "completed") {
			if sr.Type == "next" {
				return fmt.Sprintf("stream next data=%s", sr.Data)
			}
			return "stream completed"
		}
		return fmt.Sprintf("promise result=%s", f.Result)
	default:
		return "unknown frame"
	}
}
