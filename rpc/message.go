// Copyright 2026 The Nuclide RPC Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package rpc implements the bidirectional message-framed RPC transport
// described for the remote-development backend: a Wire Codec, a Socket
// Session, a Type Registry, and the Client and Server Dispatchers built on
// top of them.
package rpc

import (
	json "github.com/segmentio/encoding/json"

	"github.com/sagarawasthi/nuclide/internal/jsonrpc2"
)

// Protocol is the fixed protocol tag every frame of this transport carries.
// A frame whose protocol field does not match this value is ignored with a
// warning rather than dispatched (§6 Invocation).
const Protocol = "nuclide-rpc"

// Channel distinguishes this transport's frames from other traffic
// multiplexed on the same socket.
type Channel string

// ChannelRPC is the only channel tag this package currently emits or
// accepts; it exists as a type, rather than a bare constant check, so that
// additional channels can be multiplexed on the same connection without a
// wire-format change.
const ChannelRPC Channel = "rpc"

// MessageType identifies the shape of a request-side frame.
type MessageType string

const (
	FunctionCall       MessageType = "FunctionCall"
	MethodCall         MessageType = "MethodCall"
	NewObject          MessageType = "NewObject"
	DisposeObject      MessageType = "DisposeObject"
	DisposeObservable  MessageType = "DisposeObservable"
)

// ReturnShape is the return-shape declared for a function or method in the
// service schema; it dictates how the Server Dispatcher replies and how the
// Client Dispatcher resolves the call.
type ReturnShape string

const (
	ShapeVoid        ReturnShape = "void"
	ShapePromise     ReturnShape = "promise"
	ShapeObservable  ReturnShape = "observable"
)

// wireError is the JSON shape of a service exception on the wire (§4.5
// "Error encoding"). Code is emitted only when the originating error
// carried one.
type wireError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	Stack   string `json:"stack,omitempty"`
}

// RequestFrame is the wire representation of a caller-to-callee frame:
// FunctionCall, MethodCall, NewObject, DisposeObject or DisposeObservable.
type RequestFrame struct {
	Protocol  string          `json:"protocol"`
	Channel   Channel         `json:"channel"`
	RequestID int64           `json:"requestId"`
	Type      MessageType     `json:"type"`
	Function  string          `json:"function,omitempty"`
	Interface string          `json:"interface,omitempty"`
	Method    string          `json:"method,omitempty"`
	ObjectID  int64           `json:"objectId,omitempty"`
	Args      []json.RawMessage `json:"args,omitempty"`
}

// streamResult is the payload of an observable's `result` field.
type streamResult struct {
	Type string          `json:"type"` // "next" | "completed"
	Data json.RawMessage `json:"data,omitempty"`
}

// ResponseFrame is the wire representation of a callee-to-caller frame: a
// promise reply, or one frame of an observable's next/completed/error
// sequence. Responses are untyped on the wire (no `type` field); Result
// carries a plain promise result or, for observable frames, the
// next/completed stream payload, and Error carries a failure. Error is set
// exactly when HadError is true.
type ResponseFrame struct {
	Protocol    string          `json:"protocol"`
	Channel     Channel         `json:"channel"`
	RequestID   int64           `json:"requestId"`
	HadError    bool            `json:"hadError"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       *wireError      `json:"error,omitempty"`
}

// wireEnvelope is the minimal shape used to sniff the frame kind before
// decoding into a RequestFrame or ResponseFrame.
type wireEnvelope struct {
	Protocol  string      `json:"protocol"`
	Channel   Channel     `json:"channel"`
	RequestID int64       `json:"requestId"`
	Type      MessageType `json:"type,omitempty"`
}

// Frame is the decoded result of DecodeFrame: either a *RequestFrame or a
// *ResponseFrame.
type Frame any

// EncodeRequest renders a RequestFrame as a single wire message.
func EncodeRequest(f *RequestFrame) ([]byte, error) {
	f.Protocol = Protocol
	if f.Channel == "" {
		f.Channel = ChannelRPC
	}
	return json.Marshal(f)
}

// EncodeResponse renders a ResponseFrame as a single wire message.
func EncodeResponse(f *ResponseFrame) ([]byte, error) {
	f.Protocol = Protocol
	if f.Channel == "" {
		f.Channel = ChannelRPC
	}
	return json.Marshal(f)
}

// NewPromiseResult builds a successful promise reply frame.
func NewPromiseResult(requestID int64, result json.RawMessage) *ResponseFrame {
	return &ResponseFrame{RequestID: requestID, HadError: false, Result: result}
}

// NewErrorResult builds a failed reply frame, used for both promise
// failures and terminal observable errors.
func NewErrorResult(requestID int64, err error) *ResponseFrame {
	return &ResponseFrame{RequestID: requestID, HadError: true, Error: encodeWireError(err)}
}

// NewStreamNext builds an observable "next" frame carrying one value.
func NewStreamNext(requestID int64, data json.RawMessage) *ResponseFrame {
	next, _ := json.Marshal(streamResult{Type: "next", Data: data})
	return &ResponseFrame{RequestID: requestID, HadError: false, Result: next}
}

// NewStreamCompleted builds the terminal "completed" frame of an observable.
func NewStreamCompleted(requestID int64) *ResponseFrame {
	done, _ := json.Marshal(streamResult{Type: "completed"})
	return &ResponseFrame{RequestID: requestID, HadError: false, Result: done}
}

// decodeStreamResult extracts the next/completed discriminant from a
// successful ResponseFrame's Result field, for use on the client side.
func decodeStreamResult(result json.RawMessage) (*streamResult, error) {
	var sr streamResult
	if err := json.Unmarshal(result, &sr); err != nil {
		return nil, NewError(KindMalformedFrame, "decoding stream result: %v", err)
	}
	return &sr, nil
}

func encodeWireError(err error) *wireError {
	if err == nil {
		return nil
	}
	if e, ok := err.(*Error); ok {
		return &wireError{Message: e.Message, Code: e.Code, Stack: e.Stack}
	}
	return &wireError{Message: err.Error()}
}

// DecodeFrame parses a single wire message and returns a *RequestFrame or a
// *ResponseFrame. It fails with KindMalformedFrame if the payload is not
// valid JSON, contains case-variant duplicate keys (a message-smuggling
// defense; see internal/jsonrpc2), or is missing a mandatory field; it
// fails with KindUnknownMessageType if a request's Type is not recognized.
// Unrecognized optional fields are ignored, per §4.1.
func DecodeFrame(data []byte) (Frame, error) {
	if err := jsonrpc2.CheckNoCaseVariantDuplicateKeys(data); err != nil {
		return nil, NewError(KindMalformedFrame, "%v", err)
	}

	var env wireEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, NewError(KindMalformedFrame, "invalid JSON: %v", err)
	}
	if env.Protocol != Protocol {
		return nil, NewError(KindMalformedFrame, "unexpected protocol %q", env.Protocol)
	}
	if env.Channel == "" {
		return nil, NewError(KindMalformedFrame, "missing channel")
	}
	if env.Channel != ChannelRPC {
		return nil, NewError(KindMalformedFrame, "unexpected channel %q", env.Channel)
	}

	if env.Type != "" {
		switch env.Type {
		case FunctionCall, MethodCall, NewObject, DisposeObject, DisposeObservable:
		default:
			return nil, NewError(KindUnknownMessageType, "unknown message type %q", env.Type)
		}
		var req RequestFrame
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, NewError(KindMalformedFrame, "decoding request frame: %v", err)
		}
		return &req, nil
	}

	var resp ResponseFrame
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, NewError(KindMalformedFrame, "decoding response frame: %v", err)
	}
	return &resp, nil
}
