// Copyright 2026 The Flightdeck Authors
// SPDX-License-Identifier: Apache-2.0

package vmlink

import (
	"context"

	"github.com/gorilla/websocket"
)

// Conn is one established inspection connection. The client reads
// frames from a single goroutine; writes come from many and are
// serialized by the client, so implementations need not support
// concurrent writers.
type Conn interface {
	// ReadFrame blocks until a frame arrives or the connection fails.
	ReadFrame() ([]byte, error)

	// WriteFrame sends one frame.
	WriteFrame(data []byte) error

	// Close tears the connection down, unblocking any pending read.
	Close() error
}

// DialFunc establishes a Conn to a service URI. The context carries
// the connect timeout.
type DialFunc func(ctx context.Context, uri string) (Conn, error)

// dialWebSocket is the production DialFunc.
func dialWebSocket(ctx context.Context, uri string) (Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, uri, nil)
	if err != nil {
		return nil, err
	}
	return wsConn{ws}, nil
}

type wsConn struct{ ws *websocket.Conn }

var _ Conn = wsConn{}

func (c wsConn) ReadFrame() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	return data, err
}

func (c wsConn) WriteFrame(data []byte) error {
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c wsConn) Close() error { return c.ws.Close() }
