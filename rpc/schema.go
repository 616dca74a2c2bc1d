// Copyright 2026 The Nuclide RPC Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package rpc

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
	json "github.com/segmentio/encoding/json"
)

// ArgSchema validates and, on success, re-marshals a single declared
// argument's JSON against the schema derived from its Go type (§4.3
// "declared argument types", §10.2). It caches the generated schema and
// its resolved form by reflect.Type so repeated calls for the same
// parameter type, which is the common case across many invocations of the
// same function or method, skip reflection-based schema generation.
type ArgSchema struct {
	mu    sync.Mutex
	cache map[reflect.Type]*resolvedType
}

type resolvedType struct {
	schema   *jsonschema.Schema
	resolved *jsonschema.Resolved
}

// NewArgSchema returns an empty, ready-to-use ArgSchema cache.
func NewArgSchema() *ArgSchema {
	return &ArgSchema{cache: make(map[reflect.Type]*resolvedType)}
}

// ValidationError reports that an argument's wire JSON did not conform to
// its declared type's schema.
type ValidationError struct {
	Index int // position of the offending argument
	Cause error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("argument %d: %v", e.Index, e.Cause)
}

func (e *ValidationError) Unwrap() error { return e.Cause }

func (s *ArgSchema) resolve(t reflect.Type) (*resolvedType, error) {
	s.mu.Lock()
	if rt, ok := s.cache[t]; ok {
		s.mu.Unlock()
		return rt, nil
	}
	s.mu.Unlock()

	schema, err := jsonschema.ForType(t, nil)
	if err != nil {
		return nil, fmt.Errorf("deriving schema for %s: %w", t, err)
	}
	resolved, err := schema.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("resolving schema for %s: %w", t, err)
	}
	rt := &resolvedType{schema: schema, resolved: resolved}

	s.mu.Lock()
	s.cache[t] = rt
	s.mu.Unlock()
	return rt, nil
}

// Validate checks args against the declared parameter types in paramOf,
// one Go type per positional argument, returning a *ValidationError
// (wrapped as KindHandlerError by the caller) naming the first argument
// that fails. A handler that wants defaults applied should call
// ValidateAndApply instead.
func (s *ArgSchema) Validate(args []json.RawMessage, paramOf ...reflect.Type) error {
	if len(args) != len(paramOf) {
		return fmt.Errorf("expected %d arguments, got %d", len(paramOf), len(args))
	}
	for i, t := range paramOf {
		rt, err := s.resolve(t)
		if err != nil {
			return &ValidationError{Index: i, Cause: err}
		}
		var v any
		if err := json.Unmarshal(args[i], &v); err != nil {
			return &ValidationError{Index: i, Cause: err}
		}
		if err := rt.resolved.Validate(&v); err != nil {
			return &ValidationError{Index: i, Cause: err}
		}
	}
	return nil
}

// ValidateAndApply validates a single argument against t's derived
// schema, applies any schema-declared defaults, and returns the
// (possibly-amended) JSON for the handler to unmarshal into a concrete
// value.
func (s *ArgSchema) ValidateAndApply(data json.RawMessage, t reflect.Type) (json.RawMessage, error) {
	rt, err := s.resolve(t)
	if err != nil {
		return nil, err
	}
	var v any
	if len(data) == 0 {
		v = map[string]any{}
	} else if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("unmarshaling argument: %w", err)
	}
	if err := rt.resolved.ApplyDefaults(&v); err != nil {
		return nil, fmt.Errorf("applying schema defaults: %w", err)
	}
	if err := rt.resolved.Validate(&v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}
