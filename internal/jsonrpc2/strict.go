// Copyright 2026 The Nuclide RPC Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package jsonrpc2 provides the low-level frame validation shared by the
// wire codec: a check that a JSON object carries no case-variant duplicate
// keys, which would otherwise let an attacker smuggle a field past one
// decoder's case-sensitivity while a second decoder (or a human reading
// logs) sees the other spelling.
package jsonrpc2

import (
	"encoding/json"
	"fmt"
	"strings"
)

// CheckNoCaseVariantDuplicateKeys walks data (which must be a JSON object or
// any value containing nested objects) and fails if any object contains two
// keys that differ only in case, e.g. both "requestId" and "RequestId".
//
// Unlike a strict decoder with DisallowUnknownFields, this check does not
// reject unrecognized fields: the wire codec's frame types are meant to
// tolerate unknown optional fields for forward compatibility (§4.1). It
// only rejects the narrower case of a duplicate spelling, which is never a
// legitimate forward-compatible addition.
func CheckNoCaseVariantDuplicateKeys(data []byte) error {
	var raw json.RawMessage = data
	if err := checkValue(raw); err != nil {
		return fmt.Errorf("duplicate key check: %w", err)
	}
	return nil
}

func checkValue(data json.RawMessage) error {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err == nil {
		return checkObject(obj)
	}

	var arr []json.RawMessage
	if err := json.Unmarshal(data, &arr); err == nil {
		for i, elem := range arr {
			if err := checkValue(elem); err != nil {
				return fmt.Errorf("index %d: %w", i, err)
			}
		}
	}
	// Primitives (or values that are neither object nor array) have
	// nothing to check.
	return nil
}

func checkObject(obj map[string]json.RawMessage) error {
	seen := make(map[string]string, len(obj))
	for key := range obj {
		lower := strings.ToLower(key)
		if original, ok := seen[lower]; ok && original != key {
			return fmt.Errorf("duplicate key with different case: %q and %q", original, key)
		}
		seen[lower] = key
	}
	for key, val := range obj {
		if err := checkValue(val); err != nil {
			return fmt.Errorf("field %q: %w", key, err)
		}
	}
	return nil
}
