// Copyright 2026 The Nuclide RPC Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package transport binds the rpc package's Socket Session abstraction to
// a concrete HTTP server: a plain-HTTP heartbeat endpoint and a WebSocket
// upgrade at /rpc carrying the client-identifier handshake described in
// the service schema (§6).
package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	json "github.com/segmentio/encoding/json"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/sagarawasthi/nuclide/internal/util"
	"github.com/sagarawasthi/nuclide/rpc"
)

// ListenerOptions configures a Listener.
type ListenerOptions struct {
	Version          string
	Upgrader         *websocket.Upgrader // defaults to rpc.NewUpgrader(nil)
	OutboundQueueCap int
	ClientIdleTimeout time.Duration
	// ClientRateLimit and ClientRateBurst configure the per-client
	// admission limiter (§10.3); zero disables limiting.
	ClientRateLimit rate.Limit
	ClientRateBurst int
	// RequireLoopbackForPlaintext rejects /rpc upgrades that arrive without
	// TLS from a non-loopback remote address, so an accidental plain-HTTP
	// deployment doesn't expose the RPC surface to the network.
	RequireLoopbackForPlaintext bool
	Log                         *logrus.Entry
}

// Listener is an http.Handler exposing POST /heartbeat and the /rpc
// WebSocket upgrade, dispatching every accepted connection through a
// shared rpc.Server against a single rpc.ServiceRegistry (§6).
type Listener struct {
	server   *rpc.Server
	opts     ListenerOptions
	log      *logrus.Entry
	upgrader *websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*rpc.ClientSession
}

// NewListener constructs a Listener that dispatches every accepted client
// through server.
func NewListener(server *rpc.Server, opts ListenerOptions) *Listener {
	if opts.Upgrader == nil {
		opts.Upgrader = rpc.NewUpgrader(nil)
	}
	if opts.Log == nil {
		opts.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Listener{
		server:   server,
		opts:     opts,
		log:      opts.Log,
		upgrader: opts.Upgrader,
		sessions: make(map[string]*rpc.ClientSession),
	}
}

func (l *Listener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/heartbeat":
		l.serveHeartbeat(w, r)
	case "/rpc":
		l.serveRPC(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (l *Listener) serveHeartbeat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprint(w, l.opts.Version)
}

func (l *Listener) serveRPC(w http.ResponseWriter, r *http.Request) {
	if l.opts.RequireLoopbackForPlaintext && r.TLS == nil && !util.IsLoopback(r.RemoteAddr) {
		l.log.WithField("remoteAddr", r.RemoteAddr).Warn("rejecting plaintext /rpc upgrade from a non-loopback address")
		http.Error(w, "plaintext RPC is only permitted from loopback", http.StatusForbidden)
		return
	}

	conn, err := rpc.UpgradeConnection(l.upgrader, w, r)
	if err != nil {
		l.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	ctx := r.Context()
	clientID, err := readHandshake(ctx, conn)
	if err != nil {
		l.log.WithError(err).Warn("rejecting connection with invalid handshake")
		conn.Close()
		return
	}

	session := rpc.NewSession(conn, l.log.WithField("client", clientID), l.opts.OutboundQueueCap)
	cs := l.attach(clientID, session)

	if err := l.server.Serve(ctx, cs); err != nil {
		l.log.WithError(err).WithField("client", clientID).Debug("serve loop exited")
	}
}

// readHandshake reads the one frame the protocol guarantees is sent
// immediately after upgrade: a bare JSON string carrying the client
// identifier (§6 "Handshake"), not a RequestFrame/ResponseFrame envelope.
func readHandshake(ctx context.Context, conn rpc.Connection) (string, error) {
	data, err := conn.ReadFrame(ctx)
	if err != nil {
		return "", fmt.Errorf("reading handshake: %w", err)
	}
	var id string
	if err := json.Unmarshal(data, &id); err != nil {
		return "", fmt.Errorf("decoding handshake identifier: %w", err)
	}
	if id == "" {
		return "", io.ErrUnexpectedEOF
	}
	return id, nil
}

// attach binds session to the ClientSession identified by clientID,
// constructing a fresh one on first contact and otherwise reattaching
// (§4.2 reconnect contract).
func (l *Listener) attach(clientID string, session *rpc.Session) *rpc.ClientSession {
	l.mu.Lock()
	defer l.mu.Unlock()

	if cs, ok := l.sessions[clientID]; ok {
		select {
		case <-cs.Closed():
			// The previous incarnation idled out; start fresh under the
			// same identifier.
		default:
			cs.Reattach(session)
			return cs
		}
	}

	var limiter *rate.Limiter
	if l.opts.ClientRateLimit > 0 {
		limiter = rate.NewLimiter(l.opts.ClientRateLimit, l.opts.ClientRateBurst)
	}
	cs := rpc.NewClientSession(clientID, session, &rpc.ClientSessionOptions{
		IdleTimeout: l.opts.ClientIdleTimeout,
		Limiter:     limiter,
		Log:         l.log,
	})
	l.sessions[clientID] = cs
	return cs
}
