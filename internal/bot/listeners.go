package bot

import (
	"context"
	"fmt"
	"strings"

	"github.com/AoiTakara/fchatlib/internal/dispatch"
	"github.com/AoiTakara/fchatlib/internal/proto"
)

// registerListeners wires the engine's listeners into the dispatcher. It
// runs on every connect cycle; registration is by name, so repeated calls
// replace rather than duplicate.
func (e *Engine) registerListeners(ctx context.Context) {
	e.disp.AddListener(proto.TypeIdentified, "bot/identified", e.onIdentified)
	e.disp.AddListener(proto.TypePing, "bot/ping", e.onPing)
	e.disp.AddListener(proto.TypeServerError, "bot/error", e.onServerError)
	e.disp.AddListener(proto.TypeServerHello, "bot/hello", e.onHello)
	e.disp.AddListener(proto.TypeUserCount, "bot/count", e.onCount)
	e.disp.AddListener(proto.TypeVariable, "bot/variable", e.onVariable)
	e.disp.AddListener(proto.TypeSysMessage, "bot/sys", e.onSys)

	e.disp.AddListener(proto.TypeUserOnline, "state/online", e.onUserOnline)
	e.disp.AddListener(proto.TypeUserOffline, "state/offline", e.onUserOffline)
	e.disp.AddListener(proto.TypeStatusChange, "state/status", e.onStatusChange)
	e.disp.AddListener(proto.TypeOnlineList, "state/list", e.onOnlineList)
	e.disp.AddListener(proto.TypeChannelData, "state/channel-data", e.onChannelData)
	e.disp.AddListener(proto.TypeChannelJoin, "state/join", e.onChannelJoin)
	e.disp.AddListener(proto.TypeChannelLeave, "state/leave", e.onChannelLeave)
	e.disp.AddListener(proto.TypeOperatorList, "state/oplist", e.onOperatorList)
	e.disp.AddListener(proto.TypeOperatorAdd, "state/opadd", e.onOperatorAdd)
	e.disp.AddListener(proto.TypeOperatorRemove, "state/opremove", e.onOperatorRemove)

	e.disp.AddListener(proto.TypeChannelMessage, "router/message", e.onChannelMessage)
	e.disp.AddListener(proto.TypePrivateMessage, "router/private", e.onPrivateMessage)
	e.disp.AddListener(proto.TypeInvite, "bot/invite", e.onInvite)

	e.disp.AddGeneric("bot/unknown", func(_ context.Context, verb, payload string) error {
		e.log.Debug().Str("verb", verb).Str("payload", payload).Msg("unhandled verb")
		return nil
	})
}

func (e *Engine) onIdentified(ctx context.Context, _ dispatch.Event) error {
	e.log.Info().Str("character", e.cfg.Character).Msg("identified")

	channels := map[string]struct{}{strings.ToLower(e.cfg.Room): {}}
	if err := e.JoinChannel(ctx, e.cfg.Room); err != nil {
		e.log.Warn().Err(err).Str("channel", e.cfg.Room).Msg("join default room")
	}
	e.mu.Lock()
	persisted := e.persisted.Clone()
	e.mu.Unlock()
	for channel := range persisted {
		if _, done := channels[strings.ToLower(channel)]; done {
			continue
		}
		if err := e.JoinChannel(ctx, channel); err != nil {
			e.log.Warn().Err(err).Str("channel", channel).Msg("rejoin persisted channel")
		}
	}
	return nil
}

func (e *Engine) onPing(ctx context.Context, _ dispatch.Event) error {
	return e.conn.Send(ctx, proto.VerbPing)
}

func (e *Engine) onServerError(_ context.Context, ev dispatch.Event) error {
	p := ev.Payload.(*proto.ServerError)
	e.log.Error().Int("number", p.Number).Str("message", p.Message).Msg("server error")
	return nil
}

func (e *Engine) onHello(_ context.Context, ev dispatch.Event) error {
	p := ev.Payload.(*proto.ServerHello)
	e.log.Info().Str("message", p.Message).Msg("server hello")
	return nil
}

func (e *Engine) onCount(_ context.Context, ev dispatch.Event) error {
	p := ev.Payload.(*proto.UserCount)
	e.log.Info().Int("count", p.Count).Msg("users online")
	return nil
}

func (e *Engine) onSys(_ context.Context, ev dispatch.Event) error {
	p := ev.Payload.(*proto.SysMessage)
	e.log.Info().Str("channel", p.Channel).Str("message", p.Message).Msg("server notice")
	return nil
}

func (e *Engine) onVariable(_ context.Context, ev dispatch.Event) error {
	p := ev.Payload.(*proto.Variable)
	if p.Variable != floodVariable {
		return nil
	}
	seconds, ok := asSeconds(p.Value)
	if !ok {
		return fmt.Errorf("variable %s: unusable value %v", p.Variable, p.Value)
	}
	e.SetFloodLimit(seconds)
	return nil
}

func (e *Engine) onUserOnline(_ context.Context, ev dispatch.Event) error {
	p := ev.Payload.(*proto.UserOnline)
	e.states.UpdateUser(p.Character, p.Gender, p.Status, p.StatusMsg)
	return nil
}

func (e *Engine) onUserOffline(_ context.Context, ev dispatch.Event) error {
	p := ev.Payload.(*proto.UserOffline)
	e.states.RemoveEverywhere(p.Character)
	e.states.UpdateUser(p.Character, "", "offline", "")
	return nil
}

func (e *Engine) onStatusChange(_ context.Context, ev dispatch.Event) error {
	p := ev.Payload.(*proto.StatusChange)
	e.states.UpdateUser(p.Character, "", p.Status, p.StatusMsg)
	return nil
}

func (e *Engine) onOnlineList(_ context.Context, ev dispatch.Event) error {
	p := ev.Payload.(*proto.OnlineList)
	e.states.UpsertUsers(p.Characters)
	return nil
}

func (e *Engine) onChannelData(_ context.Context, ev dispatch.Event) error {
	p := ev.Payload.(*proto.ChannelData)
	identities := make([]string, 0, len(p.Users))
	for _, u := range p.Users {
		identities = append(identities, u.Identity)
	}
	e.states.MergeRoster(p.Channel, identities)
	e.routerFor(p.Channel)
	return nil
}

func (e *Engine) onChannelJoin(ctx context.Context, ev dispatch.Event) error {
	p := ev.Payload.(*proto.ChannelJoin)
	e.states.AddToRoster(p.Channel, p.Character.Identity, p.Title)

	if !strings.EqualFold(p.Character.Identity, e.cfg.Character) {
		return nil
	}

	// Our own join. Persisted plugins replay only when the router is first
	// constructed; a rejoin on a live router keeps the loaded set as-is.
	// The stored list is read before EnsureChannel persists over it.
	_, created := e.ensureRouter(p.Channel)
	var names []string
	if created {
		names = e.persistedPlugins(ctx, p.Channel)
	}
	if err := e.host.EnsureChannel(ctx, p.Channel); err != nil {
		e.log.Warn().Err(err).Str("channel", p.Channel).Msg("persist channel join")
	}
	if len(names) > 0 {
		e.host.LoadOnStart(ctx, p.Channel, names)
	}
	return nil
}

func (e *Engine) onChannelLeave(_ context.Context, ev dispatch.Event) error {
	p := ev.Payload.(*proto.ChannelLeave)
	e.states.RemoveFromRoster(p.Channel, p.Character.Identity)
	if strings.EqualFold(p.Character.Identity, e.cfg.Character) {
		e.dropRouter(p.Channel)
	}
	return nil
}

func (e *Engine) onOperatorList(_ context.Context, ev dispatch.Event) error {
	p := ev.Payload.(*proto.OperatorList)
	e.states.SetOperators(p.Channel, p.OpList)
	return nil
}

func (e *Engine) onOperatorAdd(_ context.Context, ev dispatch.Event) error {
	p := ev.Payload.(*proto.OperatorAdd)
	e.states.AddOperator(p.Channel, p.Character)
	return nil
}

func (e *Engine) onOperatorRemove(_ context.Context, ev dispatch.Event) error {
	p := ev.Payload.(*proto.OperatorRemove)
	e.states.RemoveOperator(p.Channel, p.Character)
	return nil
}

func (e *Engine) onChannelMessage(ctx context.Context, ev dispatch.Event) error {
	p := ev.Payload.(*proto.ChannelMessage)
	return e.routerFor(p.Channel).Process(ctx, p)
}

// onPrivateMessage lets the master drive trigger commands over PRI; the
// command runs in the default room's context.
func (e *Engine) onPrivateMessage(ctx context.Context, ev dispatch.Event) error {
	p := ev.Payload.(*proto.PrivateMessage)
	if !e.IsMaster(p.Character) {
		return nil
	}
	return e.routerFor(e.cfg.Room).Process(ctx, &proto.ChannelMessage{
		Channel:   e.cfg.Room,
		Character: p.Character,
		Message:   p.Message,
	})
}

func (e *Engine) onInvite(ctx context.Context, ev dispatch.Event) error {
	p := ev.Payload.(*proto.Invite)
	if !e.AutoJoinInvites() {
		e.log.Info().Str("sender", p.Sender).Str("channel", p.Name).Msg("invite ignored")
		return nil
	}
	e.log.Info().Str("sender", p.Sender).Str("channel", p.Name).Msg("following invite")
	if err := e.JoinChannel(ctx, p.Name); err != nil {
		return err
	}
	notice := fmt.Sprintf("Joined %s on invite from %s", p.Name, p.Sender)
	return e.SendPrivate(ctx, e.cfg.Master, notice)
}
