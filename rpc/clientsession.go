// Copyright 2026 The Nuclide RPC Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package rpc

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// DefaultClientIdleTimeout bounds how long a ClientSession survives with no
// attached socket before the server discards its state entirely (§4.2
// reconnect contract, §6).
const DefaultClientIdleTimeout = 5 * time.Minute

type liveObject struct {
	interfaceName string
	target        any
}

// ClientSessionOptions configures a ClientSession.
type ClientSessionOptions struct {
	// IdleTimeout bounds time with no attached socket. Zero means
	// DefaultClientIdleTimeout; a negative value disables the timeout.
	IdleTimeout time.Duration
	// Limiter admits or rejects inbound frames for this client (§10.3). Nil
	// means unlimited.
	Limiter *rate.Limiter
	// OutboundQueueCap bounds the ClientSession's own outbound buffer,
	// which is independent of any one Socket Session's queue and survives
	// a detach (§3, §8 property 3). Zero means DefaultOutboundQueueCap.
	OutboundQueueCap int
	Log              *logrus.Entry
}

// ClientSession is the server-side counterpart of a Client Dispatcher: a
// long-lived identity, keyed by a client-supplied identifier, that
// survives the underlying socket closing and a new one reattaching (§4.2
// "Reconnect contract"). It owns the live-object registry objectIds are
// allocated from, the live-subscription registry DisposeObservable cancels
// into, the per-client admission limiter, and its own outbound frame
// buffer: replies and stream frames are queued here, not written straight
// to whatever Socket Session happens to be attached, so a reply produced
// while the client is between sockets is held rather than dropped.
type ClientSession struct {
	id  string
	log *logrus.Entry

	sessionMu sync.RWMutex
	session   *Session
	attached  chan struct{} // replaced and closed on every Reattach, to wake the pump

	outbound chan []byte

	objectsMu    sync.Mutex
	objects      map[int64]*liveObject
	disposeOrder []int64 // LIFO teardown order (§4.5 "client teardown")
	nextObjectID atomic.Int64

	subsMu sync.Mutex
	subs   map[int64]context.CancelFunc

	limiter *rate.Limiter

	idleTimeout time.Duration
	idleMu      sync.Mutex
	idleTimer   *time.Timer

	serving atomic.Bool // true while a Server.Serve loop owns this session

	closeOnce sync.Once
	closed    chan struct{}
}

// NewClientSession constructs a ClientSession identified by id, bound to
// session as its first attached socket.
func NewClientSession(id string, session *Session, opts *ClientSessionOptions) *ClientSession {
	if opts == nil {
		opts = &ClientSessionOptions{}
	}
	log := opts.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	timeout := opts.IdleTimeout
	if timeout == 0 {
		timeout = DefaultClientIdleTimeout
	}
	queueCap := opts.OutboundQueueCap
	if queueCap <= 0 {
		queueCap = DefaultOutboundQueueCap
	}
	cs := &ClientSession{
		id:          id,
		log:         log.WithField("client", id),
		session:     session,
		attached:    make(chan struct{}),
		outbound:    make(chan []byte, queueCap),
		objects:     make(map[int64]*liveObject),
		subs:        make(map[int64]context.CancelFunc),
		limiter:     opts.Limiter,
		idleTimeout: timeout,
		closed:      make(chan struct{}),
	}
	go cs.pump()
	return cs
}

// Send queues a frame for delivery to whatever Socket Session is (or will
// be) attached to this client. It never blocks on the network: the frame
// sits in ClientSession's own bounded outbound queue, independent of any
// one Session's lifetime, until the pump goroutine hands it off (§3 "held,
// not dropped"). A full queue fails fast with ErrBackpressure.
func (cs *ClientSession) Send(frame []byte) error {
	select {
	case cs.outbound <- frame:
		return nil
	default:
		return ErrBackpressure
	}
}

// pump delivers queued frames to whatever Session is currently attached,
// retrying a frame against the newly attached Session if the one it was
// first offered to has already gone stale (closed but not yet replaced).
// It is the one place that bridges ClientSession's persistent queue to a
// transient Socket Session's own queue.
func (cs *ClientSession) pump() {
	var pending []byte
	for {
		if pending == nil {
			select {
			case pending = <-cs.outbound:
			case <-cs.closed:
				return
			}
		}
		session := cs.currentSession()
		if session == nil {
			if !cs.awaitAttachOrClosed() {
				return
			}
			continue
		}
		if err := session.Send(pending); err != nil {
			if !cs.awaitAttachOrClosed() {
				return
			}
			continue
		}
		pending = nil
	}
}

// awaitAttachOrClosed blocks until a Reattach signals the pump to retry,
// or the ClientSession is closed for good. It returns false in the latter
// case so callers can stop looping.
func (cs *ClientSession) awaitAttachOrClosed() bool {
	cs.sessionMu.RLock()
	attached := cs.attached
	cs.sessionMu.RUnlock()
	select {
	case <-attached:
		return true
	case <-cs.closed:
		return false
	}
}

// ID returns the client identifier this session was keyed under.
func (cs *ClientSession) ID() string { return cs.id }

// beginServe claims exclusive ownership of this ClientSession for one
// Server.Serve loop, reporting false if another loop already owns it. A
// fast reconnect can hand a transport listener a freshly attached Session
// while the previous connection's Serve call is still inside its read
// loop (it resumes on the new Session rather than returning, per
// Reattach's contract) — without this guard the listener's second Serve
// call would start a second goroutine reading the same ClientSession.
func (cs *ClientSession) beginServe() bool {
	return cs.serving.CompareAndSwap(false, true)
}

// endServe releases the claim beginServe took, once a Serve loop actually
// returns (rather than resuming on a reattached Session).
func (cs *ClientSession) endServe() {
	cs.serving.Store(false)
}

func (cs *ClientSession) currentSession() *Session {
	cs.sessionMu.RLock()
	defer cs.sessionMu.RUnlock()
	return cs.session
}

// Reattach replaces the underlying socket after a reconnect, flushing any
// frames still queued on the old one into the new one in order (§4.2 step
// 3) and canceling the idle-timeout countdown that started when the old
// socket dropped.
func (cs *ClientSession) Reattach(next *Session) {
	cs.sessionMu.Lock()
	old := cs.session
	cs.session = next
	woken := cs.attached
	cs.attached = make(chan struct{})
	cs.sessionMu.Unlock()
	close(woken)

	cs.stopIdleTimer()
	if old != nil {
		// Rescue any frame the pump had already handed to old's own
		// queue an instant before the detach was noticed (§4.2 step 3).
		old.drainInto(next)
	}
}

// NoteDetached starts (or restarts) the idle-timeout countdown; callers
// invoke this once they observe the attached Session's Done channel close
// without a replacement having arrived yet. If the timeout elapses before
// Reattach is called, the ClientSession is closed permanently.
func (cs *ClientSession) NoteDetached() {
	if cs.idleTimeout < 0 {
		return
	}
	cs.idleMu.Lock()
	defer cs.idleMu.Unlock()
	if cs.idleTimer != nil {
		cs.idleTimer.Stop()
	}
	cs.idleTimer = time.AfterFunc(cs.idleTimeout, func() {
		cs.log.Warn("client idle timeout elapsed, discarding session")
		cs.Close()
	})
}

func (cs *ClientSession) stopIdleTimer() {
	cs.idleMu.Lock()
	defer cs.idleMu.Unlock()
	if cs.idleTimer != nil {
		cs.idleTimer.Stop()
		cs.idleTimer = nil
	}
}

// Closed reports whether this ClientSession has been permanently torn
// down.
func (cs *ClientSession) Closed() <-chan struct{} { return cs.closed }

// Close tears the session down for good: every live object is disposed in
// reverse creation order and every live subscription is canceled (§4.5
// "client teardown"). It is idempotent.
func (cs *ClientSession) Close() {
	cs.closeOnce.Do(func() {
		cs.stopIdleTimer()
		cs.teardown()
		close(cs.closed)
		if s := cs.currentSession(); s != nil {
			s.Close()
		}
	})
}

func (cs *ClientSession) teardown() {
	cs.subsMu.Lock()
	for id, cancel := range cs.subs {
		cancel()
		delete(cs.subs, id)
	}
	cs.subsMu.Unlock()

	cs.objectsMu.Lock()
	order := cs.disposeOrder
	cs.disposeOrder = nil
	cs.objectsMu.Unlock()

	for i := len(order) - 1; i >= 0; i-- {
		id := order[i]
		cs.objectsMu.Lock()
		obj, ok := cs.objects[id]
		delete(cs.objects, id)
		cs.objectsMu.Unlock()
		if !ok {
			continue
		}
		if closer, ok := obj.target.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				cs.log.WithError(err).WithField("objectId", id).Warn("error disposing live object on teardown")
			}
		}
	}
}

func (cs *ClientSession) allocateObject(interfaceName string, target any) int64 {
	id := cs.nextObjectID.Add(1)
	cs.objectsMu.Lock()
	cs.objects[id] = &liveObject{interfaceName: interfaceName, target: target}
	cs.disposeOrder = append(cs.disposeOrder, id)
	cs.objectsMu.Unlock()
	return id
}

func (cs *ClientSession) lookupObject(id int64) (*liveObject, bool) {
	cs.objectsMu.Lock()
	defer cs.objectsMu.Unlock()
	obj, ok := cs.objects[id]
	return obj, ok
}

// disposeObject removes id from the live-object registry and, if it
// implements io.Closer, releases it. Disposing an unknown or
// already-disposed id is a no-op, matching Proxy.Dispose's idempotence
// (§8 property 4).
func (cs *ClientSession) disposeObject(id int64) {
	cs.objectsMu.Lock()
	obj, ok := cs.objects[id]
	delete(cs.objects, id)
	cs.objectsMu.Unlock()
	if !ok {
		return
	}
	if closer, ok := obj.target.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			cs.log.WithError(err).WithField("objectId", id).Warn("error disposing live object")
		}
	}
}

func (cs *ClientSession) registerSubscription(requestID int64, cancel context.CancelFunc) {
	cs.subsMu.Lock()
	defer cs.subsMu.Unlock()
	cs.subs[requestID] = cancel
}

// cancelSubscription cancels and forgets the subscription for requestID,
// if one is still live. Safe to call more than once for the same
// requestID.
func (cs *ClientSession) cancelSubscription(requestID int64) {
	cs.subsMu.Lock()
	cancel, ok := cs.subs[requestID]
	delete(cs.subs, requestID)
	cs.subsMu.Unlock()
	if ok {
		cancel()
	}
}
