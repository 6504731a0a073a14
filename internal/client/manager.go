// Package client owns the connection lifecycle: ticket acquisition,
// identify, keepalive, reconnect on error, and terminal close handling.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/AoiTakara/fchatlib/internal/auth"
	"github.com/AoiTakara/fchatlib/internal/dispatch"
	"github.com/AoiTakara/fchatlib/internal/proto"
	"github.com/AoiTakara/fchatlib/internal/transport"
)

const (
	identifyRetryDelay = time.Second
	keepaliveInterval  = 25 * time.Second
	reconnectDelay     = 4 * time.Second
	restartDelay       = time.Second
)

// ErrConnectionClosed signals a normal or server-initiated close. It is
// terminal by design: a clean close means the identity was invalidated or
// force-disconnected and must not silently retry.
var ErrConnectionClosed = errors.New("connection closed by server")

// Identity carries the credentials and client identification for identify.
type Identity struct {
	Account       string
	Password      string
	Character     string
	ClientName    string
	ClientVersion string
}

// Manager drives one logical connection. OnConnect runs on every connect
// cycle and must register its listeners idempotently.
type Manager struct {
	identity  Identity
	tickets   *auth.TicketClient
	dial      transport.Dialer
	disp      *dispatch.Dispatcher
	log       zerolog.Logger
	onConnect func(ctx context.Context)

	mu            sync.Mutex
	conn          transport.Conn
	stopKeepalive context.CancelFunc

	state      atomic.Int32
	restarting atomic.Bool
	fatal      chan error

	// Delays are fields so tests can shrink them.
	identifyRetry time.Duration
	pingEvery     time.Duration
	reconnectWait time.Duration
	restartWait   time.Duration
}

// New builds a Manager. onConnect may be nil.
func New(identity Identity, tickets *auth.TicketClient, dial transport.Dialer, disp *dispatch.Dispatcher, logger zerolog.Logger, onConnect func(ctx context.Context)) *Manager {
	return &Manager{
		identity:      identity,
		tickets:       tickets,
		dial:          dial,
		disp:          disp,
		log:           logger.With().Str("component", "client").Logger(),
		onConnect:     onConnect,
		fatal:         make(chan error, 1),
		identifyRetry: identifyRetryDelay,
		pingEvery:     keepaliveInterval,
		reconnectWait: reconnectDelay,
		restartWait:   restartDelay,
	}
}

// State reports the current lifecycle state.
func (m *Manager) State() State {
	return State(m.state.Load())
}

func (m *Manager) setState(s State) {
	old := State(m.state.Swap(int32(s)))
	if old != s {
		m.log.Debug().Str("from", old.String()).Str("state", s.String()).Msg("state change")
	}
}

// Fatal delivers the terminal error once the connection is gone for good.
func (m *Manager) Fatal() <-chan error { return m.fatal }

// Connect acquires a ticket, opens the transport, identifies, and arms the
// keepalive. Ticket failure propagates to the caller without retry.
func (m *Manager) Connect(ctx context.Context) error {
	m.setState(StateConnecting)

	ticket, err := m.tickets.Ticket(ctx, m.identity.Account, m.identity.Password)
	if err != nil {
		m.setState(StateDisconnected)
		return fmt.Errorf("acquire ticket: %w", err)
	}

	conn, err := m.dial(ctx)
	if err != nil {
		m.setState(StateDisconnected)
		return fmt.Errorf("open transport: %w", err)
	}

	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()
	m.setState(StateSocketOpen)

	if m.onConnect != nil {
		m.onConnect(ctx)
	}

	go m.run(ctx, conn)

	if err := m.identify(ctx, conn, ticket); err != nil {
		return err
	}
	m.setState(StateIdentified)

	m.armKeepalive(ctx, conn)
	m.setState(StateConnected)
	return nil
}

// Send writes one frame through the current connection, unthrottled.
func (m *Manager) Send(ctx context.Context, frame string) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return transport.ErrNotReady
	}
	return conn.Send(ctx, frame)
}

// Disconnect closes the transport, which takes the terminal close path.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

// Restart closes the transport and reconnects after a short delay,
// bypassing the terminal-close handling for intentional restarts.
func (m *Manager) Restart() error {
	m.restarting.Store(true)
	return m.Disconnect()
}

func (m *Manager) identify(ctx context.Context, conn transport.Conn, ticket string) error {
	frame, err := proto.Frame(proto.VerbIdentify, &proto.Identify{
		Method:        "ticket",
		Account:       m.identity.Account,
		Ticket:        ticket,
		Character:     m.identity.Character,
		ClientName:    m.identity.ClientName,
		ClientVersion: m.identity.ClientVersion,
	})
	if err != nil {
		return err
	}

	for {
		err := conn.Send(ctx, frame)
		if err == nil {
			return nil
		}
		if !errors.Is(err, transport.ErrNotReady) {
			return fmt.Errorf("identify: %w", err)
		}
		// Socket not writable yet; try again shortly instead of failing
		// the connection.
		m.log.Debug().Msg("identify deferred, transport not ready")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.identifyRetry):
		}
	}
}

// armKeepalive (re)schedules the recurring ping, cancelling any previous
// timer first.
func (m *Manager) armKeepalive(ctx context.Context, conn transport.Conn) {
	m.mu.Lock()
	if m.stopKeepalive != nil {
		m.stopKeepalive()
	}
	kaCtx, cancel := context.WithCancel(ctx)
	m.stopKeepalive = cancel
	m.mu.Unlock()

	go func() {
		ticker := time.NewTicker(m.pingEvery)
		defer ticker.Stop()
		for {
			select {
			case <-kaCtx.Done():
				return
			case <-ticker.C:
				if err := conn.Send(kaCtx, proto.VerbPing); err != nil {
					m.log.Warn().Err(err).Msg("keepalive ping failed")
				}
			}
		}
	}()
}

// run pumps one connection until it errors out or closes. Frames dispatch
// sequentially with respect to each other.
func (m *Manager) run(ctx context.Context, conn transport.Conn) {
	frames := conn.Frames()
	for {
		select {
		case frame, ok := <-frames:
			if !ok {
				frames = nil
				continue
			}
			m.disp.Dispatch(ctx, frame)
		case err := <-conn.Errors():
			m.handleError(ctx, conn, err)
			return
		case <-conn.Closed():
			m.handleClosed(ctx, conn)
			return
		case <-ctx.Done():
			_ = conn.Close()
			return
		}
	}
}

// handleError recovers from a transport failure by reconnecting from
// scratch after a fixed delay.
func (m *Manager) handleError(ctx context.Context, conn transport.Conn, err error) {
	// A pending restart intent is satisfied by this reconnect; leaving the
	// flag set would turn a later genuine server close into a restart.
	m.restarting.Store(false)
	m.log.Warn().Err(err).Msg("transport error, scheduling reconnect")
	m.stopKeepaliveTimer()
	_ = conn.Close()
	m.setState(StateReconnecting)

	select {
	case <-ctx.Done():
		return
	case <-time.After(m.reconnectWait):
	}

	if cerr := m.Connect(ctx); cerr != nil {
		m.log.Error().Err(cerr).Msg("reconnect failed")
		m.deliverFatal(fmt.Errorf("reconnect: %w", cerr))
	}
}

// handleClosed treats a clean close as terminal unless a restart was
// requested.
func (m *Manager) handleClosed(ctx context.Context, conn transport.Conn) {
	m.stopKeepaliveTimer()
	_ = conn.Close()

	if m.restarting.Swap(false) {
		m.log.Info().Msg("restarting connection")
		select {
		case <-ctx.Done():
			return
		case <-time.After(m.restartWait):
		}
		if err := m.Connect(ctx); err != nil {
			m.log.Error().Err(err).Msg("restart failed")
			m.deliverFatal(fmt.Errorf("restart: %w", err))
		}
		return
	}

	m.setState(StateDisconnected)
	m.log.Info().Msg("server closed the connection")
	m.deliverFatal(ErrConnectionClosed)
}

func (m *Manager) stopKeepaliveTimer() {
	m.mu.Lock()
	if m.stopKeepalive != nil {
		m.stopKeepalive()
		m.stopKeepalive = nil
	}
	m.mu.Unlock()
}

func (m *Manager) deliverFatal(err error) {
	select {
	case m.fatal <- err:
	default:
	}
}
