// Copyright 2026 The Nuclide RPC Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package rpc

import (
	"context"
	"io"
	"sync"

	"github.com/sirupsen/logrus"
)

// Connection is the byte-oriented, message-framed transport a Socket
// Session is built on: one logical full-duplex connection, with one wire
// frame per message (§4.2). webSocketConn (see websocket.go) is the
// concrete binding used in production; tests use an in-memory pipe.
type Connection interface {
	ReadFrame(ctx context.Context) ([]byte, error)
	WriteFrame(ctx context.Context, data []byte) error
	Close() error
}

// DefaultOutboundQueueCap is the default capacity of a Session's outbound
// queue before further sends fail with KindBackpressure (§5, §9 "Stream
// back-pressure": this implementation caps rather than blocks).
const DefaultOutboundQueueCap = 4096

// Session owns exactly one Connection and layers on it the behavior common
// to both client and server Socket Sessions: a non-blocking Send backed by
// a bounded outbound queue, an ordered Inbound stream, and disconnect
// notification. It does not itself know about client identifiers or
// reconnection; that is layered on top by ClientSession on the server side
// and by Client.Reattach on the client side.
type Session struct {
	conn   Connection
	log    *logrus.Entry
	outCap int

	mu       sync.Mutex
	closed   bool
	outbound chan []byte
	inbound  chan []byte
	done     chan struct{}

	closeOnce sync.Once
}

// NewSession starts a Session wrapping conn. The returned Session begins
// reading and writing immediately; call Close to tear it down.
func NewSession(conn Connection, log *logrus.Entry, outboundQueueCap int) *Session {
	if outboundQueueCap <= 0 {
		outboundQueueCap = DefaultOutboundQueueCap
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Session{
		conn:     conn,
		log:      log,
		outCap:   outboundQueueCap,
		outbound: make(chan []byte, outboundQueueCap),
		inbound:  make(chan []byte, 64),
		done:     make(chan struct{}),
	}
	go s.readLoop()
	go s.writeLoop()
	return s
}

// Send enqueues a frame for transmission. It never blocks the caller:
// back-pressure is absorbed by the bounded outbound queue, and a full queue
// fails fast with KindBackpressure rather than stalling the producer (§5).
func (s *Session) Send(frame []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.mu.Unlock()

	select {
	case s.outbound <- frame:
		return nil
	default:
		return ErrBackpressure
	}
}

// Inbound returns the channel of frames received in arrival order.
func (s *Session) Inbound() <-chan []byte { return s.inbound }

// Done is closed once the Session has disconnected, whether due to a local
// Close or a transport-level read/write failure.
func (s *Session) Done() <-chan struct{} { return s.done }

// Close terminates the Session and releases the underlying Connection.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		err = s.conn.Close()
		close(s.done)
	})
	return err
}

func (s *Session) readLoop() {
	defer close(s.inbound)
	ctx := context.Background()
	for {
		data, err := s.conn.ReadFrame(ctx)
		if err != nil {
			if err != io.EOF {
				s.log.WithError(err).Debug("session read failed")
			}
			s.Close()
			return
		}
		select {
		case s.inbound <- data:
		case <-s.done:
			return
		}
	}
}

func (s *Session) writeLoop() {
	ctx := context.Background()
	for {
		select {
		case frame, ok := <-s.outbound:
			if !ok {
				return
			}
			if err := s.conn.WriteFrame(ctx, frame); err != nil {
				s.log.WithError(err).Debug("session write failed")
				s.Close()
				return
			}
		case <-s.done:
			return
		}
	}
}

// drainInto flushes any frames still sitting in this (about-to-be-replaced)
// Session's outbound queue into the replacement queue, preserving order.
// Used by ClientSession when a new socket attaches (§4.2 reconnect
// contract, step 3).
func (s *Session) drainInto(next *Session) {
	for {
		select {
		case frame := <-s.outbound:
			if err := next.Send(frame); err != nil {
				s.log.WithError(err).Warn("dropping queued frame on reconnect")
			}
		default:
			return
		}
	}
}
