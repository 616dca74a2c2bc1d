// Copyright 2026 The Nuclide RPC Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package rpc

import "fmt"

// Kind classifies a transport-level error so callers can branch on it with
// errors.Is rather than string matching.
type Kind string

const (
	// KindMalformedFrame means a frame's JSON could not be parsed, or its
	// protocol/channel was missing or did not match expectations.
	KindMalformedFrame Kind = "MalformedFrame"
	// KindUnknownMessageType means a request frame's type field was not one
	// of the recognized values.
	KindUnknownMessageType Kind = "UnknownMessageType"
	// KindUnknownService means a FunctionCall or NewObject named a function
	// or interface that was never registered.
	KindUnknownService Kind = "UnknownService"
	// KindUnknownMethod means a MethodCall named a method the target
	// interface does not declare.
	KindUnknownMethod Kind = "UnknownMethod"
	// KindObjectDisposed means the targeted objectId is not (or is no
	// longer) live in the client's object registry.
	KindObjectDisposed Kind = "ObjectDisposed"
	// KindHandlerError wraps a panic or error returned by service code,
	// including argument schema validation failures.
	KindHandlerError Kind = "HandlerError"
	// KindTimeout means a promise call's RPC_TIMEOUT elapsed with no reply.
	KindTimeout Kind = "Timeout"
	// KindBackpressure means a Socket Session's outbound queue was at
	// capacity when a send was attempted.
	KindBackpressure Kind = "Backpressure"
	// KindClosed means the Client Dispatcher or Socket Session was shut
	// down while the call was pending.
	KindClosed Kind = "Closed"
	// KindTransportError means a socket-level failure occurred that is not
	// covered by the reconnect contract.
	KindTransportError Kind = "TransportError"
	// KindDuplicateTypeRegistration means a name was registered twice in a
	// Type Registry.
	KindDuplicateTypeRegistration Kind = "DuplicateTypeRegistration"
)

// Error is the concrete error type returned by every component described in
// this package. Code and Message mirror the wire error encoding of §4.5; a
// local Error constructed on the client or server side marshals to the same
// shape a remote peer would send.
type Error struct {
	Kind    Kind
	Message string
	Code    string // optional, mirrors a service-thrown error's code, if any
	Stack   string // advisory only, never load-bearing
	cause   error
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is supports errors.Is(err, &Error{Kind: KindTimeout}) style checks that
// compare only the Kind field.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind == "" {
		return false
	}
	return e.Kind == t.Kind
}

// NewError constructs an Error of the given kind with a formatted message.
func NewError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError constructs a KindHandlerError wrapping an arbitrary service
// error, preserving Code if the original error carries one.
func WrapError(err error) *Error {
	if err == nil {
		return nil
	}
	if e, ok := err.(*Error); ok {
		return e
	}
	if we, ok := err.(*wireError); ok {
		return &Error{Kind: KindHandlerError, Message: we.Message, Code: we.Code, Stack: we.Stack, cause: err}
	}
	return &Error{Kind: KindHandlerError, Message: err.Error(), cause: err}
}

// sentinels for errors.Is(err, rpc.ErrTimeout) style comparisons.
var (
	ErrTimeout         = &Error{Kind: KindTimeout}
	ErrClosed          = &Error{Kind: KindClosed}
	ErrObjectDisposed  = &Error{Kind: KindObjectDisposed}
	ErrBackpressure    = &Error{Kind: KindBackpressure}
	ErrMalformedFrame  = &Error{Kind: KindMalformedFrame}
	ErrTransportError  = &Error{Kind: KindTransportError}
	ErrUnknownService  = &Error{Kind: KindUnknownService}
	ErrUnknownMethod   = &Error{Kind: KindUnknownMethod}
	ErrUnknownMsgType  = &Error{Kind: KindUnknownMessageType}
	ErrDuplicateTypeReg = &Error{Kind: KindDuplicateTypeRegistration}
)
