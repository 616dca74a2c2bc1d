// Copyright 2026 The Nuclide RPC Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package rpc

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	json "github.com/segmentio/encoding/json"
	"github.com/sirupsen/logrus"
	logrustest "github.com/sirupsen/logrus/hooks/test"
)

// TestDispatchFunctionRejectsArgsFailingDeclaredSchema confirms a function
// registered with a declared parameter type has its args validated before
// the handler runs: a JSON value that cannot satisfy greetArgs's schema is
// rejected as a HandlerError and the handler itself never executes (§4.5
// step 3).
func TestDispatchFunctionRejectsArgsFailingDeclaredSchema(t *testing.T) {
	registry := NewServiceRegistry()
	invoked := false
	err := registry.RegisterPromiseFunction("Greet", func(ctx context.Context, args []json.RawMessage) (json.RawMessage, error) {
		invoked = true
		return json.Marshal("hi")
	}, reflect.TypeOf(greetArgs{}))
	if err != nil {
		t.Fatal(err)
	}

	client, _, _ := newClientServerPair(t, registry)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	badArg, _ := json.Marshal(42) // greetArgs wants an object, not a number
	_, callErr := client.CallFunctionPromise(ctx, "Greet", []json.RawMessage{badArg})
	var rpcErr *Error
	if !errors.As(callErr, &rpcErr) || rpcErr.Kind != KindHandlerError {
		t.Fatalf("got %v, want KindHandlerError", callErr)
	}
	if invoked {
		t.Error("handler was invoked despite failing argument validation")
	}
}

// TestDispatchFunctionAcceptsArgsMatchingDeclaredSchema is
// RejectsArgsFailingDeclaredSchema's counterpart: a well-formed argument
// passes validation and reaches the handler normally.
func TestDispatchFunctionAcceptsArgsMatchingDeclaredSchema(t *testing.T) {
	registry := NewServiceRegistry()
	err := registry.RegisterPromiseFunction("Greet", func(ctx context.Context, args []json.RawMessage) (json.RawMessage, error) {
		var a greetArgs
		if err := json.Unmarshal(args[0], &a); err != nil {
			return nil, err
		}
		return json.Marshal("hi " + a.Name)
	}, reflect.TypeOf(greetArgs{}))
	if err != nil {
		t.Fatal(err)
	}

	client, _, _ := newClientServerPair(t, registry)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	goodArg, _ := json.Marshal(greetArgs{Name: "Ren"})
	result, callErr := client.CallFunctionPromise(ctx, "Greet", []json.RawMessage{goodArg})
	if callErr != nil {
		t.Fatalf("CallFunctionPromise: %v", callErr)
	}
	var got string
	json.Unmarshal(result, &got)
	if got != "hi Ren" {
		t.Errorf("got %q, want %q", got, "hi Ren")
	}
}

// TestServeRejectsConcurrentLoopOnSameClientSession covers the narrow
// fast-reconnect race where a second Serve call could otherwise start a
// second goroutine reading the same ClientSession while the first loop
// (started by newClientServerPair) is still alive: the second call must
// return immediately rather than competing with the first for frames.
func TestServeRejectsConcurrentLoopOnSameClientSession(t *testing.T) {
	registry := NewServiceRegistry()
	if err := registry.RegisterPromiseFunction("Ping", func(ctx context.Context, args []json.RawMessage) (json.RawMessage, error) {
		return json.Marshal("pong")
	}); err != nil {
		t.Fatal(err)
	}
	client, cs, server := newClientServerPair(t, registry)

	if err := server.Serve(context.Background(), cs); err != nil {
		t.Fatalf("second concurrent Serve call: got %v, want nil", err)
	}

	// The first loop (from newClientServerPair) must still be the one
	// actually serving: an ordinary call still completes normally.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	result, err := client.CallFunctionPromise(ctx, "Ping", nil)
	if err != nil {
		t.Fatalf("CallFunctionPromise after rejected second Serve: %v", err)
	}
	var got string
	json.Unmarshal(result, &got)
	if got != "pong" {
		t.Errorf("got %q, want pong", got)
	}
}

// TestDispatchNewObjectRejectsArgsFailingDeclaredSchema covers the same
// validation path for a NewObject factory's declared argument type.
func TestDispatchNewObjectRejectsArgsFailingDeclaredSchema(t *testing.T) {
	registry := NewServiceRegistry()
	invoked := false
	_, err := registry.RegisterInterface("Greeter", func(ctx context.Context, args []json.RawMessage) (any, error) {
		invoked = true
		return struct{}{}, nil
	}, reflect.TypeOf(greetArgs{}))
	if err != nil {
		t.Fatal(err)
	}

	client, _, _ := newClientServerPair(t, registry)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	badArg, _ := json.Marshal(42)
	_, callErr := client.CreateObject(ctx, "Greeter", []json.RawMessage{badArg})
	var rpcErr *Error
	if !errors.As(callErr, &rpcErr) || rpcErr.Kind != KindHandlerError {
		t.Fatalf("got %v, want KindHandlerError", callErr)
	}
	if invoked {
		t.Error("factory was invoked despite failing argument validation")
	}
}

func TestServerEventLoopTrackingWarnsOnSlowHandler(t *testing.T) {
	registry := NewServiceRegistry()
	if err := registry.RegisterPromiseFunction("Slow", func(ctx context.Context, args []json.RawMessage) (json.RawMessage, error) {
		time.Sleep(20 * time.Millisecond)
		return json.Marshal("done")
	}); err != nil {
		t.Fatal(err)
	}

	log, hook := logrustest.NewNullLogger()
	entry := logrus.NewEntry(log)
	server := NewServer(registry, entry).EnableEventLoopTracking(5 * time.Millisecond)

	clientConn, serverConn := newChanConnPair()
	clientSession := NewSession(clientConn, nil, 0)
	serverSession := NewSession(serverConn, nil, 0)
	defer clientSession.Close()
	defer serverSession.Close()

	client := NewClient(clientSession, NewRegistry(), nil)
	defer client.Close()
	cs := NewClientSession("c1", serverSession, &ClientSessionOptions{Log: entry})
	defer cs.Close()
	go server.Serve(context.Background(), cs)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := client.CallFunctionPromise(ctx, "Slow", nil); err != nil {
		t.Fatalf("CallFunctionPromise: %v", err)
	}

	for _, e := range hook.AllEntries() {
		if e.Message == "slow dispatch handling" {
			return
		}
	}
	t.Error("no slow dispatch warning was logged")
}

func TestServerObservableDisposeStopsEmission(t *testing.T) {
	registry := NewServiceRegistry()
	stopped := make(chan struct{})
	if err := registry.RegisterObservableFunction("Forever", func(ctx context.Context, args []json.RawMessage, emit func(json.RawMessage)) error {
		i := 0
		for {
			select {
			case <-ctx.Done():
				close(stopped)
				return nil
			default:
				i++
				data, _ := json.Marshal(i)
				emit(data)
				time.Sleep(5 * time.Millisecond)
			}
		}
	}); err != nil {
		t.Fatal(err)
	}

	client, _, _ := newClientServerPair(t, registry)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub, err := client.CallFunctionObservable(ctx, "Forever", nil)
	if err != nil {
		t.Fatalf("CallFunctionObservable: %v", err)
	}
	// Let a few values flow before disposing.
	sub.Next(ctx)
	sub.Next(ctx)
	if err := sub.Unsubscribe(ctx); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("observable handler never observed cancellation")
	}
}

type closeRecorder struct{ closed bool }

func (c *closeRecorder) Close() error {
	c.closed = true
	return nil
}

func TestClientSessionDisposeClosesIoCloser(t *testing.T) {
	_, serverConn := newChanConnPair()
	session := NewSession(serverConn, nil, 0)
	defer session.Close()

	cs := NewClientSession("c1", session, nil)
	defer cs.Close()

	rec := &closeRecorder{}
	id := cs.allocateObject("Thing", rec)
	cs.disposeObject(id)

	if !rec.closed {
		t.Error("disposeObject did not close the io.Closer target")
	}
	if _, ok := cs.lookupObject(id); ok {
		t.Error("disposed object is still present in the live-object table")
	}
}

func TestClientSessionTeardownDisposesLIFO(t *testing.T) {
	_, serverConn := newChanConnPair()
	session := NewSession(serverConn, nil, 0)

	cs := NewClientSession("c1", session, nil)

	var order []int
	newOrdered := func(n int) *orderRecorder {
		return &orderRecorder{n: n, order: &order}
	}

	cs.allocateObject("Thing", newOrdered(1))
	cs.allocateObject("Thing", newOrdered(2))
	cs.allocateObject("Thing", newOrdered(3))

	cs.Close()

	if len(order) != 3 || order[0] != 3 || order[1] != 2 || order[2] != 1 {
		t.Errorf("teardown order = %v, want [3 2 1] (LIFO)", order)
	}
}

type orderRecorder struct {
	n     int
	order *[]int
}

func (r *orderRecorder) Close() error {
	*r.order = append(*r.order, r.n)
	return nil
}

func TestClientSessionDisposeUnknownObjectIsNoop(t *testing.T) {
	_, serverConn := newChanConnPair()
	session := NewSession(serverConn, nil, 0)
	defer session.Close()

	cs := NewClientSession("c1", session, nil)
	defer cs.Close()

	cs.disposeObject(999) // must not panic
}
