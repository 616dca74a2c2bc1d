// Copyright 2026 The Nuclide RPC Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package conformance

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	json "github.com/segmentio/encoding/json"
	"golang.org/x/tools/txtar"

	"github.com/sagarawasthi/nuclide/rpc"
)

// runScenario wires a fresh Client/Server pair over a tracingConn, hands the
// Client to drive, and returns the recorded frame trace once drive returns.
func runScenario(t *testing.T, register func(*rpc.ServiceRegistry), drive func(t *testing.T, client *rpc.Client)) []string {
	t.Helper()
	registry := rpc.NewServiceRegistry()
	register(registry)

	clientConn, serverConn := newTracingPair()
	clientSession := rpc.NewSession(clientConn, nil, 0)
	serverSession := rpc.NewSession(serverConn, nil, 0)
	t.Cleanup(func() {
		clientSession.Close()
		serverSession.Close()
	})

	client := rpc.NewClient(clientSession, rpc.NewRegistry(), &rpc.ClientOptions{RPCTimeout: 2 * time.Second})
	t.Cleanup(func() { client.Close() })

	cs := rpc.NewClientSession("conformance-client", serverSession, nil)
	t.Cleanup(cs.Close)
	server := rpc.NewServer(registry, nil)
	go server.Serve(context.Background(), cs)

	drive(t, client)
	return clientConn.snapshot()
}

func checkGolden(t *testing.T, name string, got []string) {
	t.Helper()
	path := filepath.Join("testdata", name+".txtar")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading golden fixture %s: %v", path, err)
	}
	archive := txtar.Parse(data)
	if len(archive.Files) != 1 || archive.Files[0].Name != "trace" {
		t.Fatalf("%s: expected a single \"trace\" file in the archive", path)
	}
	want := strings.Split(strings.TrimRight(string(archive.Files[0].Data), "\n"), "\n")
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("%s: trace mismatch (-want +got):\n%s", name, diff)
	}
}

// S1: promise success (§8).
func TestS1PromiseSuccess(t *testing.T) {
	got := runScenario(t, func(r *rpc.ServiceRegistry) {
		r.RegisterPromiseFunction("add", func(ctx context.Context, args []json.RawMessage) (json.RawMessage, error) {
			var a, b int
			json.Unmarshal(args[0], &a)
			json.Unmarshal(args[1], &b)
			return json.Marshal(a + b)
		})
	}, func(t *testing.T, client *rpc.Client) {
		two, _ := json.Marshal(2)
		three, _ := json.Marshal(3)
		result, err := client.CallFunctionPromise(context.Background(), "add", []json.RawMessage{two, three})
		if err != nil {
			t.Fatalf("CallFunctionPromise: %v", err)
		}
		var sum int
		json.Unmarshal(result, &sum)
		if sum != 5 {
			t.Errorf("sum = %d, want 5", sum)
		}
	})
	checkGolden(t, "s1_promise_success", got)
}

// S2: promise failure (§8).
func TestS2PromiseFailure(t *testing.T) {
	got := runScenario(t, func(r *rpc.ServiceRegistry) {
		r.RegisterPromiseFunction("boom", func(ctx context.Context, args []json.RawMessage) (json.RawMessage, error) {
			return nil, &rpc.Error{Kind: rpc.KindHandlerError, Message: "boom", Code: "EBOOM"}
		})
	}, func(t *testing.T, client *rpc.Client) {
		_, err := client.CallFunctionPromise(context.Background(), "boom", nil)
		if err == nil {
			t.Fatal("expected an error")
		}
		var rpcErr *rpc.Error
		if !errors.As(err, &rpcErr) || rpcErr.Message != "boom" || rpcErr.Code != "EBOOM" {
			t.Errorf("got %v, want message=boom code=EBOOM", err)
		}
	})
	checkGolden(t, "s2_promise_failure", got)
}

// S3: observable lifecycle, end to end through "completed" (§8 scenario S3).
// Drop-on-unknown-requestId behavior for a frame arriving after completion
// is covered directly at the Client Dispatcher level in rpc/client_test.go.
func TestS3ObservableLifecycle(t *testing.T) {
	got := runScenario(t, func(r *rpc.ServiceRegistry) {
		r.RegisterObservableFunction("letters", func(ctx context.Context, args []json.RawMessage, emit func(json.RawMessage)) error {
			for _, v := range []string{"a", "b", "c"} {
				data, _ := json.Marshal(v)
				emit(data)
			}
			return nil
		})
	}, func(t *testing.T, client *rpc.Client) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		sub, err := client.CallFunctionObservable(ctx, "letters", nil)
		if err != nil {
			t.Fatalf("CallFunctionObservable: %v", err)
		}
		var got []string
		for {
			data, ok := sub.Next(ctx)
			if !ok {
				break
			}
			var v string
			json.Unmarshal(data, &v)
			got = append(got, v)
		}
		if err := sub.Err(); err != nil {
			t.Fatalf("subscription ended in error: %v", err)
		}
		if diff := cmp.Diff([]string{"a", "b", "c"}, got); diff != "" {
			t.Errorf("emitted values mismatch (-want +got):\n%s", diff)
		}
	})
	checkGolden(t, "s3_observable_lifecycle", got)
}

// S4: unsubscribe mid-stream (§8 scenario S4): the client stops consuming
// after two values and the resulting DisposeObservable is the last frame
// recorded; no stray "next"/"completed" follows it.
func TestS4Unsubscribe(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	got := runScenario(t, func(r *rpc.ServiceRegistry) {
		r.RegisterObservableFunction("counter", func(ctx context.Context, args []json.RawMessage, emit func(json.RawMessage)) error {
			for i := 1; i <= 2; i++ {
				data, _ := json.Marshal(i)
				emit(data)
			}
			close(started)
			select {
			case <-ctx.Done():
				return nil
			case <-release:
				emit([]byte(`"late"`))
				return nil
			}
		})
	}, func(t *testing.T, client *rpc.Client) {
		defer close(release)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		sub, err := client.CallFunctionObservable(ctx, "counter", nil)
		if err != nil {
			t.Fatalf("CallFunctionObservable: %v", err)
		}
		sub.Next(ctx)
		sub.Next(ctx)
		<-started
		if err := sub.Unsubscribe(ctx); err != nil {
			t.Fatalf("Unsubscribe: %v", err)
		}
	})
	checkGolden(t, "s4_unsubscribe", got)
}

// S6: remote object lifecycle (§8 scenario S6): createObject, a method call,
// disposeObject, then a local ObjectDisposed failure with no wire traffic.
func TestS6RemoteObject(t *testing.T) {
	got := runScenario(t, func(r *rpc.ServiceRegistry) {
		type session struct{ touched bool }
		iface, _ := r.RegisterInterface("Session", func(ctx context.Context, args []json.RawMessage) (any, error) {
			return &session{}, nil
		})
		iface.AddVoidMethod("Touch", func(ctx context.Context, target any, args []json.RawMessage) error {
			target.(*session).touched = true
			return nil
		})
	}, func(t *testing.T, client *rpc.Client) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		proxy, err := client.CreateObject(ctx, "Session", nil)
		if err != nil {
			t.Fatalf("CreateObject: %v", err)
		}
		if err := proxy.CallVoid(ctx, "Touch", nil); err != nil {
			t.Fatalf("CallVoid: %v", err)
		}
		if err := proxy.Dispose(ctx); err != nil {
			t.Fatalf("Dispose: %v", err)
		}
		if err := proxy.CallVoid(ctx, "Touch", nil); !errors.Is(err, rpc.ErrObjectDisposed) {
			t.Errorf("got %v, want ErrObjectDisposed", err)
		}
	})
	checkGolden(t, "s6_remote_object", got)
}
