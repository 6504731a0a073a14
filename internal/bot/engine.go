// Package bot assembles the protocol engine: connection, dispatcher,
// throttler, state store, plugin host, and per-channel routers. The Engine
// is the explicit context object handed to every component; there are no
// package-level singletons.
package bot

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/AoiTakara/fchatlib/internal/auth"
	"github.com/AoiTakara/fchatlib/internal/client"
	"github.com/AoiTakara/fchatlib/internal/config"
	"github.com/AoiTakara/fchatlib/internal/dispatch"
	"github.com/AoiTakara/fchatlib/internal/plugin"
	"github.com/AoiTakara/fchatlib/internal/proto"
	"github.com/AoiTakara/fchatlib/internal/router"
	"github.com/AoiTakara/fchatlib/internal/state"
	"github.com/AoiTakara/fchatlib/internal/store"
	filestore "github.com/AoiTakara/fchatlib/internal/store/file"
	"github.com/AoiTakara/fchatlib/internal/store/sqlite"
	"github.com/AoiTakara/fchatlib/internal/throttle"
	"github.com/AoiTakara/fchatlib/internal/transport"
	"github.com/AoiTakara/fchatlib/internal/validate"
)

// Engine is one bot instance managing exactly one authenticated identity.
type Engine struct {
	cfg *config.Config
	log zerolog.Logger

	disp      *dispatch.Dispatcher
	throttler *throttle.Throttler
	states    *state.Store
	persist   store.Store
	host      *plugin.Host
	conn      *client.Manager

	mu        sync.Mutex
	routers   map[string]*router.Router
	persisted store.ChannelPlugins
	autoJoin  bool
	started   time.Time
}

// New builds an Engine from validated configuration. The persisted channel
// mapping is loaded once here.
func New(cfg *config.Config, logger *zerolog.Logger) (*Engine, error) {
	if err := config.Validate(*cfg); err != nil {
		return nil, err
	}

	persist, err := openStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}

	persisted, err := persist.Load(context.Background())
	if err != nil {
		persist.Close()
		return nil, fmt.Errorf("load channel list: %w", err)
	}

	validator := validate.New()

	e := &Engine{
		cfg:       cfg,
		log:       logger.With().Str("component", "bot").Logger(),
		states:    state.New(cfg.Master),
		persist:   persist,
		routers:   make(map[string]*router.Router),
		persisted: persisted,
		autoJoin:  cfg.AutoJoinInvites,
		started:   time.Now(),
	}

	e.disp = dispatch.New(validator, *logger)
	e.host = plugin.NewHost(cfg.PluginFolder, persist, e, *logger)

	identity := client.Identity{
		Account:       cfg.Account,
		Password:      cfg.Password,
		Character:     cfg.Character,
		ClientName:    cfg.ClientName,
		ClientVersion: cfg.ClientVersion,
	}
	tickets := auth.NewTicketClient(cfg.TicketEndpoint)
	dialer := transport.NewDialer(cfg.ChatEndpoint, *logger)
	e.conn = client.New(identity, tickets, dialer, e.disp, *logger, e.registerListeners)

	e.throttler = throttle.New(e.conn.Send, validator, *logger)

	e.disp.SetReporter(func(ctx context.Context, verb string, err error) {
		msg := fmt.Sprintf("Error handling %s: %v", verb, err)
		if serr := e.SendPrivate(ctx, cfg.Master, msg); serr != nil {
			e.log.Warn().Err(serr).Msg("relay error to master")
		}
	})

	return e, nil
}

func openStore(cfg *config.Config) (store.Store, error) {
	if cfg.Storage == "sqlite" {
		return sqlite.New(cfg.DatabasePath)
	}
	return filestore.New(cfg.SaveFolder, cfg.SaveFile), nil
}

// Run connects and blocks until the connection becomes terminal or ctx is
// cancelled. A clean server close surfaces as client.ErrConnectionClosed.
func (e *Engine) Run(ctx context.Context) error {
	if e.cfg.WatchPlugins {
		if err := e.host.Watch(ctx); err != nil {
			e.log.Warn().Err(err).Msg("plugin watcher unavailable")
		}
	}

	if err := e.conn.Connect(ctx); err != nil {
		return err
	}

	select {
	case err := <-e.conn.Fatal():
		e.closeStore()
		return err
	case <-ctx.Done():
		_ = e.conn.Disconnect()
		e.closeStore()
		return ctx.Err()
	}
}

func (e *Engine) closeStore() {
	if err := e.persist.Close(); err != nil {
		e.log.Warn().Err(err).Msg("close store")
	}
}

// Host exposes the plugin host to routers and builtins.
func (e *Engine) Host() *plugin.Host { return e.host }

// Uptime reports how long the engine has been running.
func (e *Engine) Uptime() time.Duration { return time.Since(e.started) }

// FloodLimit reports the outbound spacing in seconds.
func (e *Engine) FloodLimit() float64 { return e.throttler.FloodLimit() }

// SetFloodLimit adjusts the outbound spacing.
func (e *Engine) SetFloodLimit(seconds float64) { e.throttler.SetFloodLimit(seconds) }

// AutoJoinInvites reports whether channel invites are followed.
func (e *Engine) AutoJoinInvites() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.autoJoin
}

// SetAutoJoinInvites toggles invite following at runtime.
func (e *Engine) SetAutoJoinInvites(enabled bool) {
	e.mu.Lock()
	e.autoJoin = enabled
	e.mu.Unlock()
}

// Restart closes the connection and reconnects, bypassing the terminal
// close handling.
func (e *Engine) Restart() error { return e.conn.Restart() }

// SendMessage posts a throttled chat message to a channel.
func (e *Engine) SendMessage(ctx context.Context, channel, message string) error {
	return e.throttler.Send(ctx, proto.VerbChannelMessage, &proto.MessageSend{
		Channel: channel,
		Message: message,
	})
}

// SendPrivate posts a throttled direct message to a character.
func (e *Engine) SendPrivate(ctx context.Context, character, message string) error {
	return e.throttler.Send(ctx, proto.VerbPrivateMessage, &proto.PrivateSend{
		Recipient: character,
		Message:   message,
	})
}

// JoinChannel asks the server to join a channel. State and persistence
// update when the join event comes back.
func (e *Engine) JoinChannel(ctx context.Context, channel string) error {
	return e.throttler.Send(ctx, proto.VerbJoinChannel, &proto.JoinRequest{Channel: channel})
}

// LeaveChannel asks the server to leave a channel.
func (e *Engine) LeaveChannel(ctx context.Context, channel string) error {
	return e.throttler.Send(ctx, proto.VerbLeaveChannel, &proto.LeaveRequest{Channel: channel})
}

// SetStatus broadcasts the bot's status.
func (e *Engine) SetStatus(ctx context.Context, status, message string) error {
	return e.throttler.Send(ctx, proto.VerbStatus, &proto.StatusSend{
		Status:    status,
		StatusMsg: message,
	})
}

// Roster returns the known identities in a channel.
func (e *Engine) Roster(channel string) []string { return e.states.Roster(channel) }

// Operators returns the channel's operator identities.
func (e *Engine) Operators(channel string) []string { return e.states.Operators(channel) }

// IsOperator reports whether a character moderates a channel.
func (e *Engine) IsOperator(character, channel string) bool {
	return e.states.IsOperator(character, channel)
}

// IsMaster reports whether a character is the configured master.
func (e *Engine) IsMaster(character string) bool { return e.states.IsMaster(character) }

// UserByName looks up the global user directory.
func (e *Engine) UserByName(character string) (state.User, bool) {
	return e.states.UserByName(character)
}

// States exposes the channel/user store for read access.
func (e *Engine) States() *state.Store { return e.states }

// ReloadPersisted re-reads the persisted channel mapping and reapplies it:
// missing channels are joined, their plugin lists replayed.
func (e *Engine) ReloadPersisted(ctx context.Context) error {
	persisted, err := e.persist.Load(ctx)
	if err != nil {
		return fmt.Errorf("reload channel list: %w", err)
	}
	e.mu.Lock()
	e.persisted = persisted
	e.mu.Unlock()

	for channel, names := range persisted {
		if err := e.JoinChannel(ctx, channel); err != nil {
			e.log.Warn().Err(err).Str("channel", channel).Msg("rejoin failed")
		}
		e.host.LoadOnStart(ctx, channel, names)
	}
	return nil
}

func (e *Engine) routerFor(channel string) *router.Router {
	r, _ := e.ensureRouter(channel)
	return r
}

// ensureRouter returns the channel's router, reporting whether this call
// constructed it. Plugin replay is keyed off construction, so a rejoin on
// a live router never reloads anything.
func (e *Engine) ensureRouter(channel string) (*router.Router, bool) {
	key := strings.ToLower(channel)
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.routers[key]
	if !ok {
		r = router.New(channel, e, e.log)
		e.routers[key] = r
	}
	return r, !ok
}

func (e *Engine) dropRouter(channel string) {
	e.mu.Lock()
	delete(e.routers, strings.ToLower(channel))
	e.mu.Unlock()
}

// persistedPlugins reads the stored plugin list for one channel. The store
// is the live source of truth: the host persists after every load and
// unload, so a replay from here never resurrects a plugin the master
// unloaded earlier in the session.
func (e *Engine) persistedPlugins(ctx context.Context, channel string) []string {
	persisted, err := e.persist.Load(ctx)
	if err != nil {
		e.log.Warn().Err(err).Msg("load channel list")
		return nil
	}
	e.mu.Lock()
	e.persisted = persisted
	e.mu.Unlock()
	for name, names := range persisted {
		if strings.EqualFold(name, channel) {
			return names
		}
	}
	return nil
}

// floodVariable is the server variable carrying the flood limit.
const floodVariable = "msg_flood"

func asSeconds(v any) (float64, bool) {
	switch value := v.(type) {
	case float64:
		return value, true
	case string:
		f, err := strconv.ParseFloat(value, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
