// Copyright 2026 The Nuclide RPC Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package rpc

import (
	"context"
	"errors"
	"testing"

	json "github.com/segmentio/encoding/json"
)

type point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

func registerPoint(t *testing.T, r *Registry) {
	t.Helper()
	err := r.RegisterValue("Point",
		func(client *Client, v any) (json.RawMessage, error) { return json.Marshal(v) },
		func(client *Client, data json.RawMessage) (any, error) {
			var p point
			if err := json.Unmarshal(data, &p); err != nil {
				return nil, err
			}
			return p, nil
		})
	if err != nil {
		t.Fatalf("RegisterValue: %v", err)
	}
}

func TestRegistryMarshalUnmarshalValueType(t *testing.T) {
	r := NewRegistry()
	registerPoint(t, r)

	data, err := r.Marshal(nil, "Point", point{X: 1, Y: 2})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	got, err := r.Unmarshal(nil, "Point", data)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	p, ok := got.(point)
	if !ok || p != (point{X: 1, Y: 2}) {
		t.Errorf("Unmarshal = %#v, want point{1, 2}", got)
	}
}

func TestRegistryUnregisteredTypeFallsBackToPlainJSON(t *testing.T) {
	r := NewRegistry()
	data, err := r.Marshal(nil, "Untyped", map[string]int{"n": 3})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	got, err := r.Unmarshal(nil, "Untyped", data)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	m, ok := got.(map[string]any)
	if !ok || m["n"] != float64(3) {
		t.Errorf("Unmarshal = %#v, want map[n:3]", got)
	}
}

func TestRegistryDuplicateRegistrationFails(t *testing.T) {
	r := NewRegistry()
	registerPoint(t, r)
	err := r.RegisterValue("Point", nil, nil)
	var rpcErr *Error
	if !errors.As(err, &rpcErr) || rpcErr.Kind != KindDuplicateTypeRegistration {
		t.Errorf("got %v, want KindDuplicateTypeRegistration", err)
	}
}

func TestRegistryAlias(t *testing.T) {
	r := NewRegistry()
	registerPoint(t, r)
	if err := r.RegisterAlias("Coordinate", "Point"); err != nil {
		t.Fatalf("RegisterAlias: %v", err)
	}

	data, err := r.Marshal(nil, "Coordinate", point{X: 5, Y: 6})
	if err != nil {
		t.Fatalf("Marshal via alias: %v", err)
	}
	got, err := r.Unmarshal(nil, "Coordinate", data)
	if err != nil {
		t.Fatalf("Unmarshal via alias: %v", err)
	}
	if p, ok := got.(point); !ok || p != (point{X: 5, Y: 6}) {
		t.Errorf("Unmarshal via alias = %#v, want point{5, 6}", got)
	}
}

func TestRegistryAliasUnknownTargetFails(t *testing.T) {
	r := NewRegistry()
	if err := r.RegisterAlias("Coordinate", "Point"); !errors.Is(err, ErrUnknownService) {
		t.Errorf("got %v, want ErrUnknownService", err)
	}
}

// TestRegistryCopyOnWriteSnapshotIsolatesReaders confirms a snapshot held
// by an in-flight reader is unaffected by a registration racing alongside
// it (§5 "append-only after startup, read without locking").
func TestRegistryCopyOnWriteSnapshotIsolatesReaders(t *testing.T) {
	r := NewRegistry()
	registerPoint(t, r)

	before := *r.snapshot.Load()
	if _, ok := before["Point"]; !ok {
		t.Fatal("expected Point in snapshot before registering Segment")
	}

	if err := r.RegisterValue("Segment", nil, nil); err != nil {
		t.Fatalf("RegisterValue: %v", err)
	}

	if _, ok := before["Segment"]; ok {
		t.Error("pre-registration snapshot mutated in place; copy-on-write was not preserved")
	}
	after := *r.snapshot.Load()
	if _, ok := after["Segment"]; !ok {
		t.Error("post-registration snapshot missing newly registered type")
	}
}

// TestRegistryInterfaceMarshalUnmarshalRoundTrip exercises the
// interface-type marshal/unmarshal pair RegisterInterface installs: a
// Proxy marshals to its resolved objectId, and an arriving objectId
// unmarshals into a proxy cached on the owning Client (§3 "Remote Proxy").
func TestRegistryInterfaceMarshalUnmarshalRoundTrip(t *testing.T) {
	r := NewRegistry()
	if err := r.RegisterInterface("FileSession"); err != nil {
		t.Fatalf("RegisterInterface: %v", err)
	}

	client := &Client{registry: r, proxies: make(map[string]map[int64]*Proxy)}
	proxy := newResolvedProxy(client, "FileSession", 42)

	data, err := r.Marshal(client, "FileSession", proxy)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var id int64
	if err := json.Unmarshal(data, &id); err != nil || id != 42 {
		t.Fatalf("Marshal produced %s, want the bare objectId 42", data)
	}

	got, err := r.Unmarshal(client, "FileSession", data)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	unmarshaled, ok := got.(*Proxy)
	if !ok {
		t.Fatalf("Unmarshal returned %T, want *Proxy", got)
	}
	if unmarshaled != proxy {
		t.Error("Unmarshal did not return the cached Proxy for the same objectId")
	}
	resolvedID, err := unmarshaled.objectID(context.Background())
	if err != nil || resolvedID != 42 {
		t.Errorf("objectID = %d, %v, want 42, nil", resolvedID, err)
	}
}

func TestRegistryInterfaceMarshalRejectsNonProxy(t *testing.T) {
	r := NewRegistry()
	if err := r.RegisterInterface("FileSession"); err != nil {
		t.Fatalf("RegisterInterface: %v", err)
	}
	if _, err := r.Marshal(nil, "FileSession", "not a proxy"); err == nil {
		t.Error("expected an error marshaling a non-*Proxy value as an interface type")
	}
}
