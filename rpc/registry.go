// Copyright 2026 The Nuclide RPC Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package rpc

import (
	"context"
	"sync"
	"sync/atomic"

	json "github.com/segmentio/encoding/json"
)

// Marshaler turns a local value into its wire representation. For
// interface-typed values it is given the owning Client so it can resolve a
// proxy to its objectId (§4.3).
type Marshaler func(client *Client, v any) (json.RawMessage, error)

// Unmarshaler turns a wire value back into a local value. For
// interface-typed values it is given the owning Client so it can look up a
// cached proxy or construct a fresh one bound to the arriving objectId.
type Unmarshaler func(client *Client, data json.RawMessage) (any, error)

type typeDef struct {
	name      string
	marshal   Marshaler
	unmarshal Unmarshaler
}

// Registry maps registered type names to marshal/unmarshal pairs (§3 "Type
// Registry", §4.3). Registration is one-shot per name: registering the same
// name twice is a KindDuplicateTypeRegistration error. Once past startup the
// registry is read-only and every lookup is lock-free, satisfying §5's
// "Type Registry is append-only after startup and may be read concurrently
// without locking": registrations publish a fresh copy-on-write snapshot
// via atomic.Pointer, so readers never take a lock.
type Registry struct {
	mu       sync.Mutex // serializes writers only
	snapshot atomic.Pointer[map[string]*typeDef]
}

// NewRegistry returns an empty, ready-to-use Registry.
func NewRegistry() *Registry {
	r := &Registry{}
	empty := map[string]*typeDef{}
	r.snapshot.Store(&empty)
	return r
}

func (r *Registry) register(def *typeDef) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := *r.snapshot.Load()
	if _, ok := cur[def.name]; ok {
		return NewError(KindDuplicateTypeRegistration, "type %q already registered", def.name)
	}
	next := make(map[string]*typeDef, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	next[def.name] = def
	r.snapshot.Store(&next)
	return nil
}

// RegisterValue registers a named type with direct marshal/unmarshal
// functions. Use this for scalar and struct types that need no special
// handling.
func (r *Registry) RegisterValue(name string, marshal Marshaler, unmarshal Unmarshaler) error {
	return r.register(&typeDef{name: name, marshal: marshal, unmarshal: unmarshal})
}

// RegisterInterface registers a remote-object interface: marshal turns a
// live *Proxy into its objectId; unmarshal turns an arriving objectId into
// a cached or freshly bound *Proxy (§3 "Remote Proxy").
func (r *Registry) RegisterInterface(name string) error {
	marshal := func(client *Client, v any) (json.RawMessage, error) {
		p, ok := v.(*Proxy)
		if !ok {
			return nil, NewError(KindMalformedFrame, "value for interface %q is not a *Proxy", name)
		}
		// A Proxy from CreateObject or from decoding a result already has
		// its id; one from CreateObjectAsync makes Await block here until
		// the NewObject reply resolves or rejects it.
		id, err := p.id.Await(context.Background())
		if err != nil {
			return nil, err
		}
		return json.Marshal(id)
	}
	unmarshal := func(client *Client, data json.RawMessage) (any, error) {
		var id int64
		if err := json.Unmarshal(data, &id); err != nil {
			return nil, NewError(KindMalformedFrame, "decoding objectId for interface %q: %v", name, err)
		}
		return client.proxyFor(name, id), nil
	}
	return r.register(&typeDef{name: name, marshal: marshal, unmarshal: unmarshal})
}

// RegisterAlias registers name as forwarding to target's marshal/unmarshal
// pair (§3 "alias registration forwards marshaling to its target
// definition"). target must already be registered.
func (r *Registry) RegisterAlias(name, target string) error {
	cur := *r.snapshot.Load()
	t, ok := cur[target]
	if !ok {
		return NewError(KindUnknownService, "alias %q targets unregistered type %q", name, target)
	}
	return r.register(&typeDef{name: name, marshal: t.marshal, unmarshal: t.unmarshal})
}

func (r *Registry) lookup(name string) (*typeDef, bool) {
	cur := *r.snapshot.Load()
	t, ok := cur[name]
	return t, ok
}

// Marshal marshals v as the named type; a type that was never registered
// is marshaled as plain JSON.
func (r *Registry) Marshal(client *Client, typeName string, v any) (json.RawMessage, error) {
	t, ok := r.lookup(typeName)
	if !ok {
		return json.Marshal(v) // untyped values pass through plain JSON (§4.3 applies only to declared types)
	}
	return t.marshal(client, v)
}

// Unmarshal unmarshals data as the named type; a type that was never
// registered is decoded as plain, structure-free JSON.
func (r *Registry) Unmarshal(client *Client, typeName string, data json.RawMessage) (any, error) {
	t, ok := r.lookup(typeName)
	if !ok {
		var v any
		err := json.Unmarshal(data, &v)
		return v, err
	}
	return t.unmarshal(client, data)
}
