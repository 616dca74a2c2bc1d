// Copyright 2026 The Nuclide RPC Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package rpc

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Subprotocol is negotiated during the WebSocket upgrade so that a plain
// WebSocket client cannot accidentally attach to the RPC endpoint.
const Subprotocol = "nuclide-rpc"

// webSocketConn adapts a *websocket.Conn to the Connection interface
// (§10.1): one WebSocket text message per wire frame.
type webSocketConn struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
}

func newWebSocketConn(conn *websocket.Conn) *webSocketConn {
	return &webSocketConn{conn: conn}
}

func (c *webSocketConn) ReadFrame(ctx context.Context) ([]byte, error) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			c.conn.Close()
		case <-done:
		}
	}()

	messageType, data, err := c.conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("websocket read: %w", err)
	}
	if messageType != websocket.TextMessage {
		return nil, fmt.Errorf("unexpected websocket message type %d, want text", messageType)
	}
	return data, nil
}

func (c *webSocketConn) WriteFrame(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetWriteDeadline(deadline)
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *webSocketConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
	})
	return err
}

// DialWebSocket connects to a Socket Session endpoint over WebSocket and
// returns a Connection ready to be handed to NewSession. The caller is
// responsible for sending the client-identifier handshake frame before any
// RPC frame (§6 Handshake).
func DialWebSocket(ctx context.Context, url string, dialer *websocket.Dialer, header http.Header) (Connection, error) {
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	d := *dialer
	d.Subprotocols = []string{Subprotocol}

	conn, resp, err := d.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("websocket dial %s: %w", url, err)
	}
	return newWebSocketConn(conn), nil
}

// NewUpgrader builds the gorilla/websocket.Upgrader used by the server's
// RPC endpoint. checkOrigin, if nil, allows all origins (the listener is
// expected to be protected by TLS client-certificate verification instead,
// see §6).
func NewUpgrader(checkOrigin func(*http.Request) bool) *websocket.Upgrader {
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &websocket.Upgrader{
		Subprotocols: []string{Subprotocol},
		CheckOrigin:  checkOrigin,
	}
}

// UpgradeConnection upgrades an inbound HTTP request to a WebSocket
// Connection. It is the server-side half of DialWebSocket.
func UpgradeConnection(upgrader *websocket.Upgrader, w http.ResponseWriter, r *http.Request) (Connection, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket upgrade: %w", err)
	}
	return newWebSocketConn(conn), nil
}
