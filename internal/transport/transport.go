// Package transport abstracts the bidirectional frame channel to the chat
// server. The production implementation rides a websocket; tests swap in
// an in-memory conn.
package transport

import (
	"context"
	"errors"
)

// ErrNotReady is returned by Send when the socket is not yet writable.
var ErrNotReady = errors.New("transport not ready")

// Conn is one open connection delivering frames in arrival order.
//
// Exactly one of the three channels terminates a connection: an error on
// Errors (recoverable, the manager reconnects) or a close on Closed
// (terminal by design). Frames is closed once no more frames will arrive.
type Conn interface {
	// Send writes one text frame. Returns ErrNotReady before the socket
	// is writable.
	Send(ctx context.Context, frame string) error
	// Frames delivers inbound frames one at a time.
	Frames() <-chan string
	// Errors delivers transport-level failures.
	Errors() <-chan error
	// Closed is closed on a normal or server-initiated close.
	Closed() <-chan struct{}
	// Close tears the connection down.
	Close() error
}

// Dialer opens a fresh Conn. The connection manager dials once per
// connect cycle.
type Dialer func(ctx context.Context) (Conn, error)
