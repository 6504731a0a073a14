// Package router resolves trigger-prefixed chat messages against loaded
// plugins first and builtin administrative commands second.
package router

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/AoiTakara/fchatlib/internal/plugin"
	"github.com/AoiTakara/fchatlib/internal/proto"
)

// Trigger is the character a chat command starts with.
const Trigger = '!'

const deniedReply = "You don't have sufficient rights to do that."

// Engine is the slice of the bot the router and its builtins need.
type Engine interface {
	plugin.Bot

	Host() *plugin.Host
	JoinChannel(ctx context.Context, channel string) error
	SetStatus(ctx context.Context, status, message string) error
	Restart() error
	Uptime() time.Duration
	FloodLimit() float64
	SetFloodLimit(seconds float64)
	AutoJoinInvites() bool
	SetAutoJoinInvites(enabled bool)
	ReloadPersisted(ctx context.Context) error
}

type builtin struct {
	handler    func(ctx context.Context, r *Router, sender, args string) error
	masterOnly bool
}

// Router handles commands for one channel.
type Router struct {
	channel string
	engine  Engine
	log     zerolog.Logger
}

// New builds a Router for a channel.
func New(channel string, engine Engine, logger zerolog.Logger) *Router {
	return &Router{
		channel: channel,
		engine:  engine,
		log:     logger.With().Str("component", "router").Str("channel", channel).Logger(),
	}
}

// Channel returns the channel this router serves.
func (r *Router) Channel() string { return r.channel }

// Process routes one decoded chat message. Messages that do not start with
// the trigger, or unmatched verbs, are silently ignored.
func (r *Router) Process(ctx context.Context, msg *proto.ChannelMessage) error {
	text := msg.Message
	if len(text) < 3 || text[0] != Trigger {
		return nil
	}

	verb, args := splitCommand(text[1:])
	if verb == "" {
		return nil
	}

	// Every loaded plugin exposing the verb fires, not just the first.
	matched := false
	for _, ref := range r.engine.Host().Plugins(r.channel) {
		if !ref.Has(verb) {
			continue
		}
		matched = true
		if err := r.engine.Host().Invoke(ctx, ref, verb, args, msg.Character); err != nil {
			return fmt.Errorf("plugin command: %w", err)
		}
	}
	if matched {
		return nil
	}

	b, ok := builtins[verb]
	if !ok {
		return nil
	}
	if !r.authorized(msg.Character, b) {
		return r.reply(ctx, deniedReply)
	}
	if err := b.handler(ctx, r, msg.Character, args); err != nil {
		return fmt.Errorf("builtin %s: %w", verb, err)
	}
	return nil
}

func (r *Router) authorized(sender string, b builtin) bool {
	if b.masterOnly {
		return r.engine.IsMaster(sender)
	}
	return r.engine.IsOperator(sender, r.channel)
}

func (r *Router) reply(ctx context.Context, message string) error {
	return r.engine.SendMessage(ctx, r.channel, message)
}

func splitCommand(s string) (verb, args string) {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, ' '); i >= 0 {
		return s[:i], strings.TrimSpace(s[i+1:])
	}
	return s, ""
}

// builtins is populated in init: cmdHelp enumerates the map, so a
// composite literal here would be an initialization cycle.
var builtins map[string]builtin

func init() {
	builtins = map[string]builtin{
		"help":             {handler: cmdHelp},
		"list":             {handler: cmdList},
		"listops":          {handler: cmdListOps},
		"loadplugin":       {handler: cmdLoadPlugin},
		"unloadplugin":     {handler: cmdUnloadPlugin},
		"loadedplugins":    {handler: cmdLoadedPlugins},
		"reloadplugins":    {handler: cmdReloadPlugins},
		"updateplugins":    {handler: cmdUpdatePlugins},
		"flushpluginslist": {handler: cmdFlushPlugins},
		"uptime":           {handler: cmdUptime},
		"flood":            {handler: cmdFlood},
		"greload":          {handler: cmdGlobalReload, masterOnly: true},
		"grestart":         {handler: cmdRestart, masterOnly: true},
		"gjoinchannel":     {handler: cmdJoinChannel, masterOnly: true},
		"gstatus":          {handler: cmdStatus, masterOnly: true},
		"genableinvites":   {handler: cmdEnableInvites, masterOnly: true},
		"gdisableinvites":  {handler: cmdDisableInvites, masterOnly: true},
	}
}
func cmdHelp(ctx context.Context, r *Router, _, _ string) error {
	names := make([]string, 0, len(builtins))
	for name := range builtins {
		names = append(names, name)
	}
	for _, ref := range r.engine.Host().Plugins(r.channel) {
		names = append(names, ref.Commands...)
	}
	sort.Strings(names)
	return r.reply(ctx, "Available commands: "+strings.Join(names, ", "))
}

func cmdList(ctx context.Context, r *Router, _, _ string) error {
	roster := r.engine.Roster(r.channel)
	if len(roster) == 0 {
		return r.reply(ctx, "Nobody here.")
	}
	return r.reply(ctx, "Users: "+strings.Join(roster, ", "))
}

func cmdListOps(ctx context.Context, r *Router, _, _ string) error {
	ops := r.engine.Operators(r.channel)
	if len(ops) == 0 {
		return r.reply(ctx, "No operators here.")
	}
	return r.reply(ctx, "Operators: "+strings.Join(ops, ", "))
}

func cmdLoadPlugin(ctx context.Context, r *Router, _, args string) error {
	name := firstWord(args)
	if name == "" {
		return r.reply(ctx, "Usage: "+string(Trigger)+"loadplugin <name>")
	}
	if _, err := r.engine.Host().Load(ctx, r.channel, name, false); err != nil {
		if rerr := r.reply(ctx, plugin.SanitizeErr(err)); rerr != nil {
			return rerr
		}
		if plugin.IsUserError(err) {
			return nil
		}
		// Unexpected failure: the sanitized reply hides the cause, so the
		// full error goes to the operator relay.
		r.log.Error().Err(err).Str("plugin", name).Msg("plugin load failed")
		return fmt.Errorf("load plugin %s: %w", name, err)
	}
	return nil
}

func cmdUnloadPlugin(ctx context.Context, r *Router, _, args string) error {
	name := firstWord(args)
	if name == "" {
		return r.reply(ctx, "Usage: "+string(Trigger)+"unloadplugin <name>")
	}
	if err := r.engine.Host().Unload(ctx, r.channel, name); err != nil {
		return err
	}
	return r.reply(ctx, "Unloaded plugin "+name)
}

func cmdLoadedPlugins(ctx context.Context, r *Router, _, _ string) error {
	refs := r.engine.Host().Plugins(r.channel)
	if len(refs) == 0 {
		return r.reply(ctx, "No plugins loaded.")
	}
	names := make([]string, 0, len(refs))
	for _, ref := range refs {
		names = append(names, ref.Name)
	}
	return r.reply(ctx, "Loaded plugins: "+strings.Join(names, ", "))
}

func cmdReloadPlugins(ctx context.Context, r *Router, _, _ string) error {
	for _, ref := range r.engine.Host().Plugins(r.channel) {
		if _, err := r.engine.Host().Reload(ctx, r.channel, ref.Name, false); err != nil {
			if rerr := r.reply(ctx, plugin.SanitizeErr(err)); rerr != nil {
				return rerr
			}
			if !plugin.IsUserError(err) {
				r.log.Error().Err(err).Str("plugin", ref.Name).Msg("plugin reload failed")
			}
		}
	}
	return nil
}

func cmdUpdatePlugins(ctx context.Context, r *Router, _, _ string) error {
	host := r.engine.Host()
	for channel, names := range host.Snapshot() {
		for _, name := range names {
			if _, err := host.Reload(ctx, channel, name, true); err != nil {
				r.log.Error().Err(err).Str("plugin", name).Msg("update failed")
			}
		}
	}
	return r.reply(ctx, "Plugins updated from disk.")
}

func cmdFlushPlugins(ctx context.Context, r *Router, _, _ string) error {
	if err := r.engine.Host().Flush(ctx); err != nil {
		return err
	}
	return r.reply(ctx, "Plugin list saved.")
}

func cmdUptime(ctx context.Context, r *Router, _, _ string) error {
	return r.reply(ctx, "Uptime: "+r.engine.Uptime().Round(time.Second).String())
}

func cmdFlood(ctx context.Context, r *Router, sender, args string) error {
	if arg := firstWord(args); arg != "" {
		if !r.engine.IsMaster(sender) {
			return r.reply(ctx, deniedReply)
		}
		var seconds float64
		if _, err := fmt.Sscanf(arg, "%f", &seconds); err != nil || seconds <= 0 {
			return r.reply(ctx, "Usage: "+string(Trigger)+"flood [seconds]")
		}
		r.engine.SetFloodLimit(seconds)
	}
	return r.reply(ctx, fmt.Sprintf("Flood limit: %.1fs", r.engine.FloodLimit()))
}

func cmdGlobalReload(ctx context.Context, r *Router, _, _ string) error {
	if err := r.engine.ReloadPersisted(ctx); err != nil {
		return err
	}
	return r.reply(ctx, "Reloaded persisted channel and plugin lists.")
}

func cmdRestart(_ context.Context, r *Router, _, _ string) error {
	return r.engine.Restart()
}

func cmdJoinChannel(ctx context.Context, r *Router, _, args string) error {
	name := firstWord(args)
	if name == "" {
		return r.reply(ctx, "Usage: "+string(Trigger)+"gjoinchannel <name>")
	}
	return r.engine.JoinChannel(ctx, name)
}

func cmdStatus(ctx context.Context, r *Router, _, args string) error {
	status, message := splitCommand(args)
	if status == "" {
		return r.reply(ctx, "Usage: "+string(Trigger)+"gstatus <status> [message]")
	}
	return r.engine.SetStatus(ctx, status, message)
}

func cmdEnableInvites(ctx context.Context, r *Router, _, _ string) error {
	r.engine.SetAutoJoinInvites(true)
	return r.reply(ctx, "Auto-join on invite enabled.")
}

func cmdDisableInvites(ctx context.Context, r *Router, _, _ string) error {
	r.engine.SetAutoJoinInvites(false)
	return r.reply(ctx, "Auto-join on invite disabled.")
}

func firstWord(s string) string {
	verb, _ := splitCommand(s)
	return verb
}
