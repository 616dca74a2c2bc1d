// Copyright 2026 The Nuclide RPC Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package rpc

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/segmentio/encoding/json"
	"github.com/sirupsen/logrus"
)

// DefaultRPCTimeout is the default timeout for promise calls (§4.4).
const DefaultRPCTimeout = 30 * time.Second

// ClientOptions configures a Client Dispatcher. The client-identifier
// handshake (§6) is sent over the raw Connection before it is wrapped in
// a Session, so it has no place in this struct; see DialWebSocket.
type ClientOptions struct {
	// RPCTimeout bounds how long a promise call waits for a reply before
	// failing with KindTimeout. Zero means DefaultRPCTimeout.
	RPCTimeout time.Duration
	Log        *logrus.Entry
}

// rpcEntry is one live row of the client-side RPC table (§3). It is
// mutated exclusively by the Client's run loop so that wire arrivals and
// timeout firings can never race.
type rpcEntry struct {
	observable bool
	resultCh   chan *ResponseFrame // promise entries
	sub        *Subscription       // observable entries
	timer      *time.Timer
	err        error // local failure (timeout, close) of a promise entry, signaled by a nil on resultCh
}

type opRegister struct {
	requestID int64
	entry     *rpcEntry
	ack       chan struct{}
}

type opTimeout struct {
	requestID int64
}

type opUnsubscribe struct {
	requestID int64
	ack       chan struct{}
}

// Client is the caller-side RPC surface (§4.4 "Client Dispatcher"): it
// generates request identifiers, sends requests, correlates responses,
// enforces per-call timeouts, materializes streams, and issues dispose
// messages.
type Client struct {
	registry   *Registry
	rpcTimeout time.Duration
	log        *logrus.Entry

	session atomic.Pointer[Session]
	nextID  atomic.Int64

	ops  chan any
	done chan struct{}

	proxiesMu sync.Mutex
	proxies   map[string]map[int64]*Proxy // interfaceName -> objectId -> proxy

	closedOnce sync.Once
	closed     atomic.Bool
}

// NewClient constructs a Client Dispatcher bound to session, whose first
// frame must already have carried the client-identifier handshake (§6),
// and starts its dispatch loop.
func NewClient(session *Session, registry *Registry, opts *ClientOptions) *Client {
	if opts == nil {
		opts = &ClientOptions{}
	}
	timeout := opts.RPCTimeout
	if timeout <= 0 {
		timeout = DefaultRPCTimeout
	}
	log := opts.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	c := &Client{
		registry:   registry,
		rpcTimeout: timeout,
		log:        log,
		ops:        make(chan any, 256),
		done:       make(chan struct{}),
		proxies:    make(map[string]map[int64]*Proxy),
	}
	c.session.Store(session)
	go c.run(session)
	return c
}

// Reattach swaps in a new Session after a reconnect, preserving every
// pending RPC table entry (promises keep waiting, streams keep their
// sink) — the reconnect contract (§4.2) is about server-side Client
// Session state, but callers that drive their own reconnect loop use this
// to keep a single Client alive across sockets.
func (c *Client) Reattach(session *Session) {
	c.session.Store(session)
	go c.readFrom(session)
}

// Close shuts the dispatcher down: every pending promise is rejected with
// KindClosed and every live stream is closed with KindClosed (§5
// "Cancellation").
func (c *Client) Close() error {
	c.closedOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
	})
	return nil
}

func (c *Client) run(session *Session) {
	table := make(map[int64]*rpcEntry)
	go c.readFrom(session)
	for {
		select {
		case raw, ok := <-c.opsOrDone():
			_ = ok
			c.handleOp(table, raw)
		case <-c.done:
			c.rejectAll(table, ErrClosed)
			return
		}
	}
}

// opsOrDone exists so run's select can treat c.ops uniformly; c.ops is
// fixed for the Client's lifetime so this is just a readability helper.
func (c *Client) opsOrDone() chan any { return c.ops }

func (c *Client) handleOp(table map[int64]*rpcEntry, raw any) {
	switch op := raw.(type) {
	case frameArrived:
		c.handleFrame(table, op.data)
	case opRegister:
		table[op.requestID] = op.entry
		close(op.ack)
	case opTimeout:
		entry, ok := table[op.requestID]
		if !ok {
			return
		}
		delete(table, op.requestID)
		c.failEntry(entry, ErrTimeout)
	case opUnsubscribe:
		if entry, ok := table[op.requestID]; ok {
			if entry.timer != nil {
				entry.timer.Stop()
			}
			delete(table, op.requestID)
		}
		if op.ack != nil {
			close(op.ack)
		}
	}
}

// frameArrived wraps an inbound wire frame so it can travel over the same
// ops channel as register/timeout/unsubscribe commands, keeping the RPC
// table single-owner (§5).
type frameArrived struct{ data []byte }

func (c *Client) readFrom(session *Session) {
	for {
		select {
		case data, ok := <-session.Inbound():
			if !ok {
				return
			}
			select {
			case c.ops <- frameArrived{data}:
			case <-c.done:
				return
			}
		case <-session.Done():
			return
		case <-c.done:
			return
		}
	}
}

func (c *Client) handleFrame(table map[int64]*rpcEntry, data []byte) {
	frame, err := DecodeFrame(data)
	if err != nil {
		c.log.WithError(err).Warn("dropping malformed frame")
		return
	}
	resp, ok := frame.(*ResponseFrame)
	if !ok {
		c.log.Warn("dropping unexpected request-shaped frame on client session")
		return
	}
	entry, ok := table[resp.RequestID]
	if !ok {
		c.log.WithField("requestId", resp.RequestID).Warn("dropping frame for unknown or completed request")
		return
	}

	if !entry.observable {
		delete(table, resp.RequestID)
		if entry.timer != nil {
			entry.timer.Stop()
		}
		entry.resultCh <- resp
		return
	}

	// Observable: a timer only guards the time to the *first* frame;
	// once any frame arrives, ordering takes over (§4.4).
	if entry.timer != nil {
		entry.timer.Stop()
		entry.timer = nil
	}
	if resp.HadError {
		delete(table, resp.RequestID)
		entry.sub.errCh <- WrapError(decodeWireErrorFrame(resp))
		close(entry.sub.values)
		return
	}
	sr, err := decodeStreamResult(resp.Result)
	if err != nil {
		delete(table, resp.RequestID)
		entry.sub.errCh <- err
		close(entry.sub.values)
		return
	}
	switch sr.Type {
	case "next":
		select {
		case entry.sub.values <- sr.Data:
		default:
			c.log.WithField("requestId", resp.RequestID).Warn("subscriber too slow, dropping value")
		}
	case "completed":
		delete(table, resp.RequestID)
		close(entry.sub.values)
	default:
		c.log.WithField("requestId", resp.RequestID).Warn("unknown stream result type")
	}
}

func decodeWireErrorFrame(resp *ResponseFrame) *Error {
	if resp.Error == nil {
		return NewError(KindHandlerError, "remote error")
	}
	return &Error{Kind: KindHandlerError, Message: resp.Error.Message, Code: resp.Error.Code, Stack: resp.Error.Stack}
}

func (c *Client) failEntry(entry *rpcEntry, err error) {
	if entry.observable {
		entry.sub.errCh <- err
		close(entry.sub.values)
		return
	}
	entry.err = err
	entry.resultCh <- nil
}

func (c *Client) rejectAll(table map[int64]*rpcEntry, err error) {
	for id, entry := range table {
		delete(table, id)
		if entry.timer != nil {
			entry.timer.Stop()
		}
		c.failEntry(entry, err)
	}
}

func (c *Client) nextRequestID() int64 {
	return c.nextID.Add(1)
}

func (c *Client) send(ctx context.Context, req *RequestFrame) error {
	data, err := EncodeRequest(req)
	if err != nil {
		return NewError(KindMalformedFrame, "encoding request: %v", err)
	}
	s := c.session.Load()
	if s == nil {
		return ErrClosed
	}
	return s.Send(data)
}

func (c *Client) register(requestID int64, entry *rpcEntry) error {
	ack := make(chan struct{})
	select {
	case c.ops <- opRegister{requestID: requestID, entry: entry, ack: ack}:
	case <-c.done:
		return ErrClosed
	}
	select {
	case <-ack:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

func (c *Client) fireTimeout(requestID int64) {
	select {
	case c.ops <- opTimeout{requestID: requestID}:
	case <-c.done:
	}
}

func (c *Client) unsubscribe(ctx context.Context, requestID int64) error {
	ack := make(chan struct{})
	select {
	case c.ops <- opUnsubscribe{requestID: requestID, ack: ack}:
	case <-c.done:
		return ErrClosed
	}
	select {
	case <-ack:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
	return c.send(ctx, &RequestFrame{Type: DisposeObservable, RequestID: requestID})
}

// CallFunctionVoid sends a FunctionCall with return shape void: no table
// entry is registered and no result is awaited (§4.4).
func (c *Client) CallFunctionVoid(ctx context.Context, name string, args []json.RawMessage) error {
	if c.closed.Load() {
		return ErrClosed
	}
	return c.send(ctx, &RequestFrame{
		Type:      FunctionCall,
		RequestID: c.nextRequestID(),
		Function:  name,
		Args:      args,
	})
}

// CallFunctionPromise sends a FunctionCall with return shape promise and
// blocks for its single reply or RPC_TIMEOUT, whichever comes first.
func (c *Client) CallFunctionPromise(ctx context.Context, name string, args []json.RawMessage) (json.RawMessage, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	requestID := c.nextRequestID()
	return c.doPromiseCall(ctx, requestID, &RequestFrame{
		Type:      FunctionCall,
		RequestID: requestID,
		Function:  name,
		Args:      args,
	})
}

// CallFunctionObservable sends a FunctionCall with return shape observable
// and returns a Subscription.
func (c *Client) CallFunctionObservable(ctx context.Context, name string, args []json.RawMessage) (*Subscription, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	requestID := c.nextRequestID()
	return c.doObservableCall(ctx, requestID, &RequestFrame{
		Type:      FunctionCall,
		RequestID: requestID,
		Function:  name,
		Args:      args,
	})
}

func (c *Client) callMethodVoid(ctx context.Context, objectID int64, method string, args []json.RawMessage) error {
	if c.closed.Load() {
		return ErrClosed
	}
	return c.send(ctx, &RequestFrame{
		Type:      MethodCall,
		RequestID: c.nextRequestID(),
		Method:    method,
		ObjectID:  objectID,
		Args:      args,
	})
}

func (c *Client) callMethodPromise(ctx context.Context, objectID int64, method string, args []json.RawMessage) (json.RawMessage, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	requestID := c.nextRequestID()
	return c.doPromiseCall(ctx, requestID, &RequestFrame{
		Type:      MethodCall,
		RequestID: requestID,
		Method:    method,
		ObjectID:  objectID,
		Args:      args,
	})
}

func (c *Client) callMethodObservable(ctx context.Context, objectID int64, method string, args []json.RawMessage) (*Subscription, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	requestID := c.nextRequestID()
	return c.doObservableCall(ctx, requestID, &RequestFrame{
		Type:      MethodCall,
		RequestID: requestID,
		Method:    method,
		ObjectID:  objectID,
		Args:      args,
	})
}

func (c *Client) doPromiseCall(ctx context.Context, requestID int64, req *RequestFrame) (json.RawMessage, error) {
	entry := &rpcEntry{resultCh: make(chan *ResponseFrame, 1)}
	entry.timer = time.AfterFunc(c.rpcTimeout, func() { c.fireTimeout(requestID) })
	if err := c.register(requestID, entry); err != nil {
		entry.timer.Stop()
		return nil, err
	}
	if err := c.send(ctx, req); err != nil {
		return nil, err
	}
	select {
	case resp := <-entry.resultCh:
		if resp == nil {
			return nil, entry.err
		}
		if resp.HadError {
			return nil, WrapError(decodeWireErrorFrame(resp))
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClosed
	}
}

func (c *Client) doObservableCall(ctx context.Context, requestID int64, req *RequestFrame) (*Subscription, error) {
	sub := newSubscription(c, requestID)
	entry := &rpcEntry{observable: true, sub: sub}
	entry.timer = time.AfterFunc(c.rpcTimeout, func() { c.fireTimeout(requestID) })
	if err := c.register(requestID, entry); err != nil {
		entry.timer.Stop()
		return nil, err
	}
	if err := c.send(ctx, req); err != nil {
		return nil, err
	}
	return sub, nil
}

// CreateObject sends NewObject for interfaceName and blocks until the
// server replies with the newly allocated objectId, returning a fully
// resolved Proxy (§4.4 "createObject").
func (c *Client) CreateObject(ctx context.Context, interfaceName string, args []json.RawMessage) (*Proxy, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	requestID := c.nextRequestID()
	result, err := c.doPromiseCall(ctx, requestID, &RequestFrame{
		Type:      NewObject,
		RequestID: requestID,
		Interface: interfaceName,
		Args:      args,
	})
	if err != nil {
		return nil, err
	}
	var objectID int64
	if err := json.Unmarshal(result, &objectID); err != nil {
		return nil, NewError(KindMalformedFrame, "decoding NewObject result: %v", err)
	}
	return c.proxyFor(interfaceName, objectID), nil
}

// CreateObjectAsync sends NewObject for interfaceName without waiting for
// the reply: it returns a Proxy immediately, its objectId held as an
// unresolved future (Proxy.id) that a background goroutine resolves once
// the server's reply arrives. This is the async-identity counterpart to
// CreateObject, for callers that want to start queuing method calls
// against the new object right away rather than blocking on the NewObject
// round trip first; CallVoid/CallPromise/CallObservable all already block
// on objectID internally, so they work unchanged against a still-pending
// Proxy.
func (c *Client) CreateObjectAsync(ctx context.Context, interfaceName string, args []json.RawMessage) (*Proxy, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	requestID := c.nextRequestID()
	proxy := newPendingProxy(c, interfaceName)

	entry := &rpcEntry{resultCh: make(chan *ResponseFrame, 1)}
	entry.timer = time.AfterFunc(c.rpcTimeout, func() { c.fireTimeout(requestID) })
	if err := c.register(requestID, entry); err != nil {
		entry.timer.Stop()
		return nil, err
	}
	req := &RequestFrame{Type: NewObject, RequestID: requestID, Interface: interfaceName, Args: args}
	if err := c.send(ctx, req); err != nil {
		return nil, err
	}

	go func() {
		select {
		case resp := <-entry.resultCh:
			if resp == nil {
				proxy.id.reject(entry.err)
				return
			}
			if resp.HadError {
				proxy.id.reject(WrapError(decodeWireErrorFrame(resp)))
				return
			}
			var objectID int64
			if err := json.Unmarshal(resp.Result, &objectID); err != nil {
				proxy.id.reject(NewError(KindMalformedFrame, "decoding NewObject result: %v", err))
				return
			}
			c.cacheProxy(interfaceName, objectID, proxy)
			proxy.id.resolve(objectID)
		case <-c.done:
			proxy.id.reject(ErrClosed)
		}
	}()

	return proxy, nil
}

// DecodeResult decodes raw JSON returned by a promise call, an
// observable's Subscription.Next, or a Proxy method call against
// typeName through this Client's Type Registry (§4.3, §4.4 "Result
// decoding"). Call it once the caller already knows, from the service
// schema it is coded against, which declared type a given call returns;
// an unregistered typeName falls back to generic, structure-free JSON
// decoding rather than failing.
func (c *Client) DecodeResult(typeName string, data json.RawMessage) (any, error) {
	return c.registry.Unmarshal(c, typeName, data)
}

// EncodeArg is DecodeResult's counterpart for building request arguments
// against a declared type (§4.3).
func (c *Client) EncodeArg(typeName string, v any) (json.RawMessage, error) {
	return c.registry.Marshal(c, typeName, v)
}

// disposeObject sends DisposeObject and blocks for its ack (§4.4
// "disposeObject").
func (c *Client) disposeObject(ctx context.Context, objectID int64) error {
	if c.closed.Load() {
		return ErrClosed
	}
	requestID := c.nextRequestID()
	_, err := c.doPromiseCall(ctx, requestID, &RequestFrame{
		Type:      DisposeObject,
		RequestID: requestID,
		ObjectID:  objectID,
	})
	c.forgetProxy(objectID)
	return err
}

// proxyFor returns the cached Proxy for (interfaceName, objectID) if one
// exists, or constructs and caches a fresh one already bound to objectID
// (§3 "Remote Proxy", §4.3 "interface unmarshal").
func (c *Client) proxyFor(interfaceName string, objectID int64) *Proxy {
	c.proxiesMu.Lock()
	defer c.proxiesMu.Unlock()
	byID, ok := c.proxies[interfaceName]
	if !ok {
		byID = make(map[int64]*Proxy)
		c.proxies[interfaceName] = byID
	}
	if p, ok := byID[objectID]; ok {
		return p
	}
	p := newResolvedProxy(c, interfaceName, objectID)
	byID[objectID] = p
	return p
}

// cacheProxy caches an already-constructed Proxy (typically one just
// resolved by CreateObjectAsync) under (interfaceName, objectID), so a
// later interface-typed Unmarshal of the same objectID returns the same
// Proxy rather than constructing a second one.
func (c *Client) cacheProxy(interfaceName string, objectID int64, p *Proxy) {
	c.proxiesMu.Lock()
	defer c.proxiesMu.Unlock()
	byID, ok := c.proxies[interfaceName]
	if !ok {
		byID = make(map[int64]*Proxy)
		c.proxies[interfaceName] = byID
	}
	if _, exists := byID[objectID]; !exists {
		byID[objectID] = p
	}
}

func (c *Client) forgetProxy(objectID int64) {
	c.proxiesMu.Lock()
	defer c.proxiesMu.Unlock()
	for _, byID := range c.proxies {
		delete(byID, objectID)
	}
}
