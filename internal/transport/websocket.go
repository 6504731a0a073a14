package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"
)

// DefaultEndpoint is the production chat socket.
const DefaultEndpoint = "wss://chat.f-list.net/chat2"

// WSConn is a Conn over a single websocket connection.
type WSConn struct {
	conn *websocket.Conn
	log  zerolog.Logger

	frames chan string
	errs   chan error
	closed chan struct{}

	ready     atomic.Bool
	closeOnce sync.Once
}

// NewDialer returns a Dialer for the given websocket URL. An empty URL
// selects the production endpoint.
func NewDialer(url string, logger zerolog.Logger) Dialer {
	if url == "" {
		url = DefaultEndpoint
	}
	return func(ctx context.Context) (Conn, error) {
		return dial(ctx, url, logger)
	}
}

func dial(ctx context.Context, url string, logger zerolog.Logger) (*WSConn, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	// Protocol frames are small; the default 32KiB read limit clips LIS.
	conn.SetReadLimit(1 << 22)

	c := &WSConn{
		conn:   conn,
		log:    logger.With().Str("component", "transport").Logger(),
		frames: make(chan string, 64),
		errs:   make(chan error, 1),
		closed: make(chan struct{}),
	}
	c.ready.Store(true)
	go c.readLoop(ctx)
	return c, nil
}

func (c *WSConn) readLoop(ctx context.Context) {
	defer close(c.frames)
	for {
		kind, data, err := c.conn.Read(ctx)
		if err != nil {
			c.ready.Store(false)
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				c.closeOnce.Do(func() { close(c.closed) })
				return
			}
			if errors.Is(err, context.Canceled) {
				c.closeOnce.Do(func() { close(c.closed) })
				return
			}
			select {
			case c.errs <- err:
			default:
			}
			return
		}
		if kind != websocket.MessageText {
			c.log.Debug().Int("kind", int(kind)).Msg("ignore non-text frame")
			continue
		}
		c.frames <- string(data)
	}
}

// Send writes one text frame to the socket.
func (c *WSConn) Send(ctx context.Context, frame string) error {
	if !c.ready.Load() {
		return ErrNotReady
	}
	if err := c.conn.Write(ctx, websocket.MessageText, []byte(frame)); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Frames delivers inbound frames in arrival order.
func (c *WSConn) Frames() <-chan string { return c.frames }

// Errors delivers transport failures.
func (c *WSConn) Errors() <-chan error { return c.errs }

// Closed is closed on a clean shutdown of the socket.
func (c *WSConn) Closed() <-chan struct{} { return c.closed }

// Close tears the socket down with a normal closure.
func (c *WSConn) Close() error {
	c.ready.Store(false)
	return c.conn.Close(websocket.StatusNormalClosure, "closing")
}
