// Copyright 2026 The Nuclide RPC Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package rpc

import (
	"context"
	"reflect"
	"time"

	json "github.com/segmentio/encoding/json"
	"github.com/sirupsen/logrus"

	"github.com/sagarawasthi/nuclide/internal/rpcdebug"
)

// defaultSlowDispatchThreshold is the default warning threshold once event
// loop tracking is enabled (§6 --track-event-loop).
const defaultSlowDispatchThreshold = 200 * time.Millisecond

// VoidHandler implements a function whose declared return shape is void
// (§4.4 "void"): it runs fire-and-forget and no reply frame is ever sent,
// so its error is only observable through logging.
type VoidHandler func(ctx context.Context, args []json.RawMessage) error

// PromiseHandler implements a function whose declared return shape is
// promise (§4.4 "promise"): its result or error becomes the single reply
// frame.
type PromiseHandler func(ctx context.Context, args []json.RawMessage) (json.RawMessage, error)

// ObservableHandler implements a function whose declared return shape is
// observable (§4.4 "observable"). It calls emit for each value in order
// and returns when the stream is exhausted; a non-nil return becomes the
// stream's terminal error frame instead of a "completed" frame. ctx is
// canceled when the caller sends DisposeObservable, and emit becomes a
// no-op once ctx is done.
type ObservableHandler func(ctx context.Context, args []json.RawMessage, emit func(json.RawMessage)) error

// ObjectFactory constructs the server-side target of a NewObject call
// (§4.4 "createObject"). The returned value is opaque to the Server
// Dispatcher; it is only ever passed back into this interface's own
// method handlers.
type ObjectFactory func(ctx context.Context, args []json.RawMessage) (any, error)

// VoidMethodHandler, PromiseMethodHandler and ObservableMethodHandler are
// the method-call analogues of the function handlers above, bound to the
// live target returned by an ObjectFactory.
type VoidMethodHandler func(ctx context.Context, target any, args []json.RawMessage) error
type PromiseMethodHandler func(ctx context.Context, target any, args []json.RawMessage) (json.RawMessage, error)
type ObservableMethodHandler func(ctx context.Context, target any, args []json.RawMessage, emit func(json.RawMessage)) error

type functionSpec struct {
	shape      ReturnShape
	voidFn     VoidHandler
	promiseFn  PromiseHandler
	observeFn  ObservableHandler
	paramTypes []reflect.Type
}

type voidMethodEntry struct {
	handler    VoidMethodHandler
	paramTypes []reflect.Type
}

type promiseMethodEntry struct {
	handler    PromiseMethodHandler
	paramTypes []reflect.Type
}

type observableMethodEntry struct {
	handler    ObservableMethodHandler
	paramTypes []reflect.Type
}

// InterfaceSpec is the registered method table for one NewObject-creatable
// interface. Obtain one from ServiceRegistry.RegisterInterface and attach
// methods with AddVoidMethod/AddPromiseMethod/AddObservableMethod.
type InterfaceSpec struct {
	name              string
	factory           ObjectFactory
	factoryParamTypes []reflect.Type
	voidMethods       map[string]voidMethodEntry
	promiseMethods    map[string]promiseMethodEntry
	observableMethods map[string]observableMethodEntry
}

// AddVoidMethod registers method as return shape void on this interface.
// paramTypes, if given, declares one Go type per positional argument; a
// MethodCall is validated against it before h is invoked (§4.5 step 3).
func (i *InterfaceSpec) AddVoidMethod(method string, h VoidMethodHandler, paramTypes ...reflect.Type) *InterfaceSpec {
	i.voidMethods[method] = voidMethodEntry{handler: h, paramTypes: paramTypes}
	return i
}

// AddPromiseMethod registers method as return shape promise on this
// interface. See AddVoidMethod for paramTypes.
func (i *InterfaceSpec) AddPromiseMethod(method string, h PromiseMethodHandler, paramTypes ...reflect.Type) *InterfaceSpec {
	i.promiseMethods[method] = promiseMethodEntry{handler: h, paramTypes: paramTypes}
	return i
}

// AddObservableMethod registers method as return shape observable on this
// interface. See AddVoidMethod for paramTypes.
func (i *InterfaceSpec) AddObservableMethod(method string, h ObservableMethodHandler, paramTypes ...reflect.Type) *InterfaceSpec {
	i.observableMethods[method] = observableMethodEntry{handler: h, paramTypes: paramTypes}
	return i
}

// ServiceRegistry is the Server Dispatcher's routing table (§4.5): the set
// of functions and interfaces a deployment exposes. Unlike the Type
// Registry it is built once at startup by a single goroutine before Serve
// is ever called, so it needs no copy-on-write discipline.
type ServiceRegistry struct {
	functions  map[string]*functionSpec
	interfaces map[string]*InterfaceSpec
	schema     *ArgSchema
}

// NewServiceRegistry returns an empty ServiceRegistry.
func NewServiceRegistry() *ServiceRegistry {
	return &ServiceRegistry{
		functions:  make(map[string]*functionSpec),
		interfaces: make(map[string]*InterfaceSpec),
		schema:     NewArgSchema(),
	}
}

// RegisterVoidFunction registers name as a FunctionCall-only, return-shape
// void function. paramTypes, if given, declares one Go type per positional
// argument; a call is validated against it before h is invoked (§4.5 step
// 3). Omitting paramTypes skips validation, matching a function with no
// declared argument schema.
func (r *ServiceRegistry) RegisterVoidFunction(name string, h VoidHandler, paramTypes ...reflect.Type) error {
	if _, ok := r.functions[name]; ok {
		return NewError(KindDuplicateTypeRegistration, "function %q already registered", name)
	}
	r.functions[name] = &functionSpec{shape: ShapeVoid, voidFn: h, paramTypes: paramTypes}
	return nil
}

// RegisterPromiseFunction registers name as a return-shape promise
// function. See RegisterVoidFunction for paramTypes.
func (r *ServiceRegistry) RegisterPromiseFunction(name string, h PromiseHandler, paramTypes ...reflect.Type) error {
	if _, ok := r.functions[name]; ok {
		return NewError(KindDuplicateTypeRegistration, "function %q already registered", name)
	}
	r.functions[name] = &functionSpec{shape: ShapePromise, promiseFn: h, paramTypes: paramTypes}
	return nil
}

// RegisterObservableFunction registers name as a return-shape observable
// function. See RegisterVoidFunction for paramTypes.
func (r *ServiceRegistry) RegisterObservableFunction(name string, h ObservableHandler, paramTypes ...reflect.Type) error {
	if _, ok := r.functions[name]; ok {
		return NewError(KindDuplicateTypeRegistration, "function %q already registered", name)
	}
	r.functions[name] = &functionSpec{shape: ShapeObservable, observeFn: h, paramTypes: paramTypes}
	return nil
}

// RegisterInterface registers name as a NewObject-creatable interface with
// factory as its constructor, returning a builder for attaching methods.
// factoryParamTypes, if given, declares one Go type per positional
// NewObject argument and is validated the same way method paramTypes are.
func (r *ServiceRegistry) RegisterInterface(name string, factory ObjectFactory, factoryParamTypes ...reflect.Type) (*InterfaceSpec, error) {
	if _, ok := r.interfaces[name]; ok {
		return nil, NewError(KindDuplicateTypeRegistration, "interface %q already registered", name)
	}
	spec := &InterfaceSpec{
		name:              name,
		factory:           factory,
		factoryParamTypes: factoryParamTypes,
		voidMethods:       make(map[string]voidMethodEntry),
		promiseMethods:    make(map[string]promiseMethodEntry),
		observableMethods: make(map[string]observableMethodEntry),
	}
	r.interfaces[name] = spec
	return spec, nil
}

// Server is the Server Dispatcher (§4.5): it validates inbound request
// frames against a ServiceRegistry, invokes the matching handler, and
// writes back exactly the one reply shape the handler's declared return
// shape calls for (§8 property 2, "exactly one terminal frame").
type Server struct {
	registry *ServiceRegistry
	log      *logrus.Entry

	slowThreshold time.Duration // zero disables event loop tracking
}

// NewServer returns a Server Dispatcher routing through registry.
func NewServer(registry *ServiceRegistry, log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Server{registry: registry, log: log}
}

// EnableEventLoopTracking turns on slow-dispatch warnings: any handler
// invocation taking longer than threshold logs a warning naming the
// function or method involved (§6 --track-event-loop). A zero threshold
// falls back to defaultSlowDispatchThreshold. NUCLIDE_RPC_DEBUG=
// trackEventLoop=1 enables it at the default threshold even when the
// caller never calls this method, for ad hoc debugging in the field.
func (s *Server) EnableEventLoopTracking(threshold time.Duration) *Server {
	if threshold <= 0 {
		threshold = defaultSlowDispatchThreshold
	}
	s.slowThreshold = threshold
	return s
}

func (s *Server) trackingThreshold() time.Duration {
	if s.slowThreshold > 0 {
		return s.slowThreshold
	}
	if rpcdebug.Enabled("trackEventLoop") {
		return defaultSlowDispatchThreshold
	}
	return 0
}

// timeDispatch runs fn, logging a warning naming label if it runs past the
// current tracking threshold; tracking disabled (the common case) costs
// one time.Since-free boolean check.
func (s *Server) timeDispatch(label string, fn func()) {
	threshold := s.trackingThreshold()
	if threshold <= 0 {
		fn()
		return
	}
	start := time.Now()
	fn()
	if elapsed := time.Since(start); elapsed > threshold {
		s.log.WithFields(logrus.Fields{"handler": label, "elapsed": elapsed}).Warn("slow dispatch handling")
	}
}

// Serve reads and dispatches frames from cs's current Socket Session until
// it disconnects or ctx is canceled, invoking each request concurrently so
// that one slow handler never blocks another (§5 "concurrent handler
// invocation"). It returns when the session ends; callers drive
// reconnection by constructing a new Session and calling cs.Reattach
// before calling Serve again. A fast reconnect can land while the
// previous Serve call for the same cs is still running (it resumes on the
// newly attached Session itself rather than returning); in that case this
// call is a no-op and returns immediately rather than starting a second
// concurrent reader on the same ClientSession.
func (s *Server) Serve(ctx context.Context, cs *ClientSession) error {
	if !cs.beginServe() {
		return nil
	}
	defer cs.endServe()
	for {
		session := cs.currentSession()
		select {
		case data, ok := <-session.Inbound():
			if !ok {
				return nil
			}
			go s.handleFrame(ctx, cs, data)
		case <-session.Done():
			if cs.currentSession() != session {
				continue // reattached mid-select; resume on the new session
			}
			cs.NoteDetached()
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Server) handleFrame(ctx context.Context, cs *ClientSession, data []byte) {
	if cs.limiter != nil && !cs.limiter.Allow() {
		s.log.WithField("client", cs.id).Warn("admission limit exceeded, dropping frame")
		return
	}
	frame, err := DecodeFrame(data)
	if err != nil {
		s.log.WithError(err).Warn("dropping malformed frame")
		return
	}
	req, ok := frame.(*RequestFrame)
	if !ok {
		s.log.Warn("dropping unexpected response-shaped frame on server session")
		return
	}

	switch req.Type {
	case FunctionCall:
		s.dispatchFunction(ctx, cs, req)
	case MethodCall:
		s.dispatchMethod(ctx, cs, req)
	case NewObject:
		s.dispatchNewObject(ctx, cs, req)
	case DisposeObject:
		s.dispatchDisposeObject(cs, req)
	case DisposeObservable:
		cs.cancelSubscription(req.RequestID)
	}
}

// replyError and replyResult hand the encoded frame to cs's own outbound
// queue, not to whatever Session happens to be attached right now: a
// reply produced while the client is between sockets is held until a new
// one reattaches, rather than being dropped against a stale, already
// Close()d Session (§3, §8 property 3).
func (s *Server) replyError(cs *ClientSession, requestID int64, err error) {
	data, encErr := EncodeResponse(NewErrorResult(requestID, err))
	if encErr != nil {
		s.log.WithError(encErr).Error("encoding error reply")
		return
	}
	if sendErr := cs.Send(data); sendErr != nil {
		s.log.WithError(sendErr).Warn("dropping error reply, client outbound queue full")
	}
}

func (s *Server) replyResult(cs *ClientSession, resp *ResponseFrame) {
	data, err := EncodeResponse(resp)
	if err != nil {
		s.log.WithError(err).Error("encoding reply")
		return
	}
	if err := cs.Send(data); err != nil {
		s.log.WithError(err).Warn("dropping reply, client outbound queue full")
	}
}

func (s *Server) dispatchFunction(ctx context.Context, cs *ClientSession, req *RequestFrame) {
	spec, ok := s.registry.functions[req.Function]
	if !ok {
		s.replyError(cs, req.RequestID, NewError(KindUnknownService, "unknown function %q", req.Function))
		return
	}
	if !s.validateArgs(cs, req, spec.paramTypes) {
		return
	}
	switch spec.shape {
	case ShapeVoid:
		s.timeDispatch(req.Function, func() {
			if err := spec.voidFn(ctx, req.Args); err != nil {
				s.log.WithError(err).WithField("function", req.Function).Warn("void function returned error")
			}
		})
	case ShapePromise:
		var result json.RawMessage
		var err error
		s.timeDispatch(req.Function, func() {
			result, err = spec.promiseFn(ctx, req.Args)
		})
		if err != nil {
			s.replyError(cs, req.RequestID, err)
			return
		}
		s.replyResult(cs, NewPromiseResult(req.RequestID, result))
	case ShapeObservable:
		s.runObservable(ctx, cs, req.RequestID, func(ctx context.Context, emit func(json.RawMessage)) error {
			return spec.observeFn(ctx, req.Args, emit)
		})
	}
}

func (s *Server) dispatchMethod(ctx context.Context, cs *ClientSession, req *RequestFrame) {
	obj, ok := cs.lookupObject(req.ObjectID)
	if !ok {
		s.replyError(cs, req.RequestID, ErrObjectDisposed)
		return
	}
	iface, ok := s.registry.interfaces[obj.interfaceName]
	if !ok {
		s.replyError(cs, req.RequestID, NewError(KindUnknownService, "unknown interface %q", obj.interfaceName))
		return
	}
	if entry, ok := iface.voidMethods[req.Method]; ok {
		if !s.validateArgs(cs, req, entry.paramTypes) {
			return
		}
		s.timeDispatch(req.Method, func() {
			if err := entry.handler(ctx, obj.target, req.Args); err != nil {
				s.log.WithError(err).WithField("method", req.Method).Warn("void method returned error")
			}
		})
		return
	}
	if entry, ok := iface.promiseMethods[req.Method]; ok {
		if !s.validateArgs(cs, req, entry.paramTypes) {
			return
		}
		var result json.RawMessage
		var err error
		s.timeDispatch(req.Method, func() {
			result, err = entry.handler(ctx, obj.target, req.Args)
		})
		if err != nil {
			s.replyError(cs, req.RequestID, err)
			return
		}
		s.replyResult(cs, NewPromiseResult(req.RequestID, result))
		return
	}
	if entry, ok := iface.observableMethods[req.Method]; ok {
		if !s.validateArgs(cs, req, entry.paramTypes) {
			return
		}
		s.runObservable(ctx, cs, req.RequestID, func(ctx context.Context, emit func(json.RawMessage)) error {
			return entry.handler(ctx, obj.target, req.Args, emit)
		})
		return
	}
	s.replyError(cs, req.RequestID, NewError(KindUnknownMethod, "interface %q has no method %q", obj.interfaceName, req.Method))
}

// validateArgs validates req.Args against paramTypes when the method
// declared any, replying with a HandlerError and reporting false (without
// invoking the handler) on failure (§4.5 step 3). A method with no declared
// paramTypes always reports true.
func (s *Server) validateArgs(cs *ClientSession, req *RequestFrame, paramTypes []reflect.Type) bool {
	if len(paramTypes) == 0 {
		return true
	}
	if err := s.registry.schema.Validate(req.Args, paramTypes...); err != nil {
		s.replyError(cs, req.RequestID, &Error{Kind: KindHandlerError, Message: err.Error(), cause: err})
		return false
	}
	return true
}

func (s *Server) dispatchNewObject(ctx context.Context, cs *ClientSession, req *RequestFrame) {
	iface, ok := s.registry.interfaces[req.Interface]
	if !ok {
		s.replyError(cs, req.RequestID, NewError(KindUnknownService, "unknown interface %q", req.Interface))
		return
	}
	if !s.validateArgs(cs, req, iface.factoryParamTypes) {
		return
	}
	target, err := iface.factory(ctx, req.Args)
	if err != nil {
		s.replyError(cs, req.RequestID, err)
		return
	}
	id := cs.allocateObject(req.Interface, target)
	result, err := json.Marshal(id)
	if err != nil {
		s.replyError(cs, req.RequestID, NewError(KindMalformedFrame, "encoding objectId: %v", err))
		return
	}
	s.replyResult(cs, NewPromiseResult(req.RequestID, result))
}

func (s *Server) dispatchDisposeObject(cs *ClientSession, req *RequestFrame) {
	cs.disposeObject(req.ObjectID)
	s.replyResult(cs, NewPromiseResult(req.RequestID, nil))
}

// runObservable drives one observable call end to end: it registers a
// cancelable subscription so DisposeObservable can stop it early, streams
// "next" frames as produce calls emit, and writes exactly one terminal
// frame ("completed" or an error) when produce returns (§8 property 2).
func (s *Server) runObservable(ctx context.Context, cs *ClientSession, requestID int64, produce func(ctx context.Context, emit func(json.RawMessage)) error) {
	subCtx, cancel := context.WithCancel(ctx)
	cs.registerSubscription(requestID, cancel)
	defer cs.cancelSubscription(requestID)

	emit := func(data json.RawMessage) {
		if subCtx.Err() != nil {
			return
		}
		s.replyResult(cs, NewStreamNext(requestID, data))
	}
	err := produce(subCtx, emit)
	if subCtx.Err() != nil {
		return // disposed by the caller; no terminal frame follows a cancellation
	}
	if err != nil {
		s.replyResult(cs, NewErrorResult(requestID, err))
		return
	}
	s.replyResult(cs, NewStreamCompleted(requestID))
}
