// Copyright 2026 The Nuclide RPC Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package jsonrpc2

import "testing"

func TestCheckNoCaseVariantDuplicateKeys(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr bool
	}{
		{"clean", `{"requestId":1,"channel":"rpc"}`, false},
		{"duplicate case", `{"requestId":1,"RequestId":2}`, true},
		{"nested duplicate", `{"args":[{"x":1,"X":2}]}`, true},
		{"array of primitives", `{"args":[1,2,3]}`, false},
		{"not an object", `"hello"`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckNoCaseVariantDuplicateKeys([]byte(tt.data))
			if (err != nil) != tt.wantErr {
				t.Errorf("CheckNoCaseVariantDuplicateKeys(%q) error = %v, wantErr %v", tt.data, err, tt.wantErr)
			}
		})
	}
}
