// Copyright 2026 The Nuclide RPC Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package rpcdebug provides a mechanism to configure compatibility and
// tracing parameters via the NUCLIDE_RPC_DEBUG environment variable.
//
// The value of NUCLIDE_RPC_DEBUG is a comma-separated list of key=value
// pairs. For example:
//
//	NUCLIDE_RPC_DEBUG=trackEventLoop=1,logFrames=1
package rpcdebug

import (
	"fmt"
	"os"
	"strings"
)

const envKey = "NUCLIDE_RPC_DEBUG"

var params map[string]string

func init() {
	var err error
	params, err = parse(os.Getenv(envKey))
	if err != nil {
		panic(err)
	}
}

// Value returns the value of the debug parameter with the given key, or
// the empty string if it was not set.
func Value(key string) string {
	return params[key]
}

// Enabled reports whether the named parameter was set to a truthy value
// ("1", "true" or "yes").
func Enabled(key string) bool {
	switch strings.ToLower(params[key]) {
	case "1", "true", "yes":
		return true
	default:
		return false
	}
}

func parse(envValue string) (map[string]string, error) {
	if envValue == "" {
		return nil, nil
	}
	out := make(map[string]string)
	for part := range strings.SplitSeq(envValue, ",") {
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("%s: invalid format: %q", envKey, part)
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out, nil
}
