// Copyright 2026 The Nuclide RPC Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package rpc

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	json "github.com/segmentio/encoding/json"
)

func TestEncodeDecodeRequestRoundTrip(t *testing.T) {
	args, _ := json.Marshal(2)
	req := &RequestFrame{
		Type:      FunctionCall,
		RequestID: 1,
		Function:  "add",
		Args:      []json.RawMessage{args, args},
	}
	data, err := EncodeRequest(req)
	if err != nil {
		t.Fatalf("EncodeRequest: %v", err)
	}
	frame, err := DecodeFrame(data)
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	got, ok := frame.(*RequestFrame)
	if !ok {
		t.Fatalf("DecodeFrame returned %T, want *RequestFrame", frame)
	}
	if diff := cmp.Diff(req, got); diff != "" {
		t.Errorf("round-trip mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeFrameRejectsWrongProtocol(t *testing.T) {
	data := []byte(`{"protocol":"other","channel":"rpc","requestId":1,"type":"FunctionCall"}`)
	if _, err := DecodeFrame(data); err == nil {
		t.Fatal("expected error for mismatched protocol")
	} else if e, ok := err.(*Error); !ok || e.Kind != KindMalformedFrame {
		t.Errorf("got error %v, want KindMalformedFrame", err)
	}
}

func TestDecodeFrameRejectsUnknownType(t *testing.T) {
	data := []byte(`{"protocol":"nuclide-rpc","channel":"rpc","requestId":1,"type":"Bogus"}`)
	if _, err := DecodeFrame(data); err == nil {
		t.Fatal("expected error for unknown message type")
	} else if e, ok := err.(*Error); !ok || e.Kind != KindUnknownMessageType {
		t.Errorf("got error %v, want KindUnknownMessageType", err)
	}
}

func TestDecodeFrameIgnoresUnknownOptionalFields(t *testing.T) {
	data := []byte(`{"protocol":"nuclide-rpc","channel":"rpc","requestId":1,"type":"FunctionCall","function":"add","futureField":true}`)
	frame, err := DecodeFrame(data)
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	req := frame.(*RequestFrame)
	if req.Function != "add" {
		t.Errorf("Function = %q, want add", req.Function)
	}
}

func TestDecodeFrameRejectsDuplicateCaseKeys(t *testing.T) {
	data := []byte(`{"protocol":"nuclide-rpc","channel":"rpc","requestId":1,"RequestId":2,"type":"FunctionCall"}`)
	if _, err := DecodeFrame(data); err == nil {
		t.Fatal("expected error for duplicate case-variant keys")
	}
}

func TestResponseFrameRoundTrip(t *testing.T) {
	result, _ := json.Marshal(5)
	resp := NewPromiseResult(1, result)
	data, err := EncodeResponse(resp)
	if err != nil {
		t.Fatalf("EncodeResponse: %v", err)
	}
	frame, err := DecodeFrame(data)
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	got, ok := frame.(*ResponseFrame)
	if !ok {
		t.Fatalf("DecodeFrame returned %T, want *ResponseFrame", frame)
	}
	if got.HadError {
		t.Errorf("HadError = true, want false")
	}
	var gotResult int
	if err := json.Unmarshal(got.Result, &gotResult); err != nil {
		t.Fatalf("Unmarshal result: %v", err)
	}
	if gotResult != 5 {
		t.Errorf("result = %d, want 5", gotResult)
	}
}

func TestStreamNextAndCompleted(t *testing.T) {
	data, _ := json.Marshal("a")
	next := NewStreamNext(7, data)
	sr, err := decodeStreamResult(next.Result)
	if err != nil {
		t.Fatalf("decodeStreamResult: %v", err)
	}
	if sr.Type != "next" {
		t.Errorf("Type = %q, want next", sr.Type)
	}
	var s string
	if err := json.Unmarshal(sr.Data, &s); err != nil || s != "a" {
		t.Errorf("Data = %q, err = %v, want a", s, err)
	}

	done := NewStreamCompleted(7)
	sr2, err := decodeStreamResult(done.Result)
	if err != nil {
		t.Fatalf("decodeStreamResult: %v", err)
	}
	if sr2.Type != "completed" {
		t.Errorf("Type = %q, want completed", sr2.Type)
	}
}
