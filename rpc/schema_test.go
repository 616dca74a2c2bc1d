// Copyright 2026 The Nuclide RPC Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package rpc

import (
	"reflect"
	"testing"

	json "github.com/segmentio/encoding/json"
)

type greetArgs struct {
	Name  string `json:"name"`
	Count int    `json:"count,omitempty"`
}

func TestArgSchemaValidateAccepts(t *testing.T) {
	s := NewArgSchema()
	arg, _ := json.Marshal(map[string]any{"name": "Ada", "count": 2})
	if err := s.Validate([]json.RawMessage{arg}, reflect.TypeOf(greetArgs{})); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestArgSchemaValidateRejectsWrongType(t *testing.T) {
	s := NewArgSchema()
	arg, _ := json.Marshal(map[string]any{"name": 42})
	err := s.Validate([]json.RawMessage{arg}, reflect.TypeOf(greetArgs{}))
	if err == nil {
		t.Fatal("expected a validation error for a wrong-typed field")
	}
	var verr *ValidationError
	if ok := asValidationError(err, &verr); !ok {
		t.Fatalf("got %v, want *ValidationError", err)
	}
	if verr.Index != 0 {
		t.Errorf("Index = %d, want 0", verr.Index)
	}
}

func TestArgSchemaValidateRejectsArgCountMismatch(t *testing.T) {
	s := NewArgSchema()
	if err := s.Validate(nil, reflect.TypeOf(greetArgs{})); err == nil {
		t.Fatal("expected an error when no argument is supplied for a declared parameter")
	}
}

func TestArgSchemaValidateAndApplyAcceptsOmittedOptionalField(t *testing.T) {
	s := NewArgSchema()
	arg, _ := json.Marshal(map[string]any{"name": "Ada"})
	out, err := s.ValidateAndApply(arg, reflect.TypeOf(greetArgs{}))
	if err != nil {
		t.Fatalf("ValidateAndApply: %v", err)
	}
	var got greetArgs
	if err := json.Unmarshal(out, &got); err != nil {
		t.Fatal(err)
	}
	if got.Name != "Ada" {
		t.Errorf("Name = %q, want Ada", got.Name)
	}
}

func TestArgSchemaCachesResolvedType(t *testing.T) {
	s := NewArgSchema()
	typ := reflect.TypeOf(greetArgs{})
	first, err := s.resolve(typ)
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.resolve(typ)
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Error("resolve did not return the cached *resolvedType on the second call")
	}
}

func asValidationError(err error, target **ValidationError) bool {
	if ve, ok := err.(*ValidationError); ok {
		*target = ve
		return true
	}
	return false
}
