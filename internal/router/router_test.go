package router

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/AoiTakara/fchatlib/internal/plugin"
	"github.com/AoiTakara/fchatlib/internal/proto"
)

type sent struct {
	channel string
	message string
}

// fakeEngine records every outbound message and answers authorization
// queries from fixed sets.
type fakeEngine struct {
	host *plugin.Host

	master    string
	operators map[string]bool
	roster    []string
	ops       []string

	sent      []sent
	flood     float64
	autoJoin  bool
	restarted bool
	joined    []string
	status    string
	reloaded  bool
}

func newFakeEngine(t *testing.T, master string) *fakeEngine {
	t.Helper()
	e := &fakeEngine{
		master:    master,
		operators: make(map[string]bool),
		flood:     2,
	}
	e.host = plugin.NewHost(t.TempDir(), nil, e, zerolog.Nop())
	return e
}

func (e *fakeEngine) SendMessage(_ context.Context, channel, message string) error {
	e.sent = append(e.sent, sent{channel: channel, message: message})
	return nil
}

func (e *fakeEngine) SendPrivate(_ context.Context, character, message string) error {
	e.sent = append(e.sent, sent{channel: "priv:" + character, message: message})
	return nil
}

func (e *fakeEngine) Roster(string) []string            { return e.roster }
func (e *fakeEngine) Operators(string) []string         { return e.ops }
func (e *fakeEngine) IsOperator(c, _ string) bool       { return e.operators[c] || e.IsMaster(c) }
func (e *fakeEngine) IsMaster(c string) bool            { return strings.EqualFold(c, e.master) }
func (e *fakeEngine) Host() *plugin.Host                { return e.host }
func (e *fakeEngine) JoinChannel(_ context.Context, ch string) error {
	e.joined = append(e.joined, ch)
	return nil
}
func (e *fakeEngine) SetStatus(_ context.Context, status, message string) error {
	e.status = status + "/" + message
	return nil
}
func (e *fakeEngine) Restart() error                  { e.restarted = true; return nil }
func (e *fakeEngine) Uptime() time.Duration           { return 90 * time.Second }
func (e *fakeEngine) FloodLimit() float64             { return e.flood }
func (e *fakeEngine) SetFloodLimit(s float64)         { e.flood = s }
func (e *fakeEngine) AutoJoinInvites() bool           { return e.autoJoin }
func (e *fakeEngine) SetAutoJoinInvites(enabled bool) { e.autoJoin = enabled }
func (e *fakeEngine) ReloadPersisted(context.Context) error {
	e.reloaded = true
	return nil
}

func message(sender, text string) *proto.ChannelMessage {
	return &proto.ChannelMessage{Channel: "Lounge", Character: sender, Message: text}
}

func process(t *testing.T, r *Router, sender, text string) {
	t.Helper()
	if err := r.Process(context.Background(), message(sender, text)); err != nil {
		t.Fatalf("Process(%q): %v", text, err)
	}
}

func lastReply(t *testing.T, e *fakeEngine) sent {
	t.Helper()
	if len(e.sent) == 0 {
		t.Fatal("no message sent")
	}
	return e.sent[len(e.sent)-1]
}

func TestProcessIgnoresNonCommands(t *testing.T) {
	e := newFakeEngine(t, "Bob")
	r := New("Lounge", e, zerolog.Nop())

	for _, text := range []string{
		"hello there",
		"!",
		"!x",
		"! spaced out",
		"!definitelynotacommand",
	} {
		process(t, r, "Bob", text)
	}
	if len(e.sent) != 0 {
		t.Fatalf("expected silence, got %v", e.sent)
	}
}

func TestListReportsRoster(t *testing.T) {
	e := newFakeEngine(t, "Bob")
	e.roster = []string{"Alice", "Bob"}
	r := New("Lounge", e, zerolog.Nop())

	process(t, r, "Bob", "!list")

	reply := lastReply(t, e)
	if reply.channel != "Lounge" || reply.message != "Users: Alice, Bob" {
		t.Fatalf("reply = %+v", reply)
	}
}

func TestListEmptyRoster(t *testing.T) {
	e := newFakeEngine(t, "Bob")
	r := New("Lounge", e, zerolog.Nop())

	process(t, r, "Bob", "!list")

	if got := lastReply(t, e).message; got != "Nobody here." {
		t.Fatalf("reply = %q", got)
	}
}

func TestListOps(t *testing.T) {
	e := newFakeEngine(t, "Bob")
	e.ops = []string{"Ann", "Bob"}
	r := New("Lounge", e, zerolog.Nop())

	process(t, r, "Bob", "!listops")

	if got := lastReply(t, e).message; got != "Operators: Ann, Bob" {
		t.Fatalf("reply = %q", got)
	}
}

func TestCommandsRequireOperator(t *testing.T) {
	e := newFakeEngine(t, "Bob")
	e.roster = []string{"Carol"}
	r := New("Lounge", e, zerolog.Nop())

	process(t, r, "Carol", "!list")

	if got := lastReply(t, e).message; got != deniedReply {
		t.Fatalf("reply = %q, want denial", got)
	}
}

func TestMasterOnlyDeniedForOperator(t *testing.T) {
	e := newFakeEngine(t, "Bob")
	e.operators["Ann"] = true
	r := New("Lounge", e, zerolog.Nop())

	process(t, r, "Ann", "!grestart")

	if e.restarted {
		t.Fatal("operator must not restart the bot")
	}
	if got := lastReply(t, e).message; got != deniedReply {
		t.Fatalf("reply = %q, want denial", got)
	}
}

func TestMasterRestart(t *testing.T) {
	e := newFakeEngine(t, "Bob")
	r := New("Lounge", e, zerolog.Nop())

	process(t, r, "bob", "!grestart")

	if !e.restarted {
		t.Fatal("master restart did not fire")
	}
}

func TestFlood(t *testing.T) {
	e := newFakeEngine(t, "Bob")
	e.operators["Ann"] = true
	r := New("Lounge", e, zerolog.Nop())

	// Operators may read the limit.
	process(t, r, "Ann", "!flood")
	if got := lastReply(t, e).message; got != "Flood limit: 2.0s" {
		t.Fatalf("reply = %q", got)
	}

	// Only the master may change it.
	process(t, r, "Ann", "!flood 5")
	if got := lastReply(t, e).message; got != deniedReply {
		t.Fatalf("reply = %q, want denial", got)
	}
	if e.flood != 2 {
		t.Fatalf("flood limit changed to %v by non-master", e.flood)
	}

	process(t, r, "Bob", "!flood 5")
	if e.flood != 5 {
		t.Fatalf("flood limit = %v, want 5", e.flood)
	}
	if got := lastReply(t, e).message; got != "Flood limit: 5.0s" {
		t.Fatalf("reply = %q", got)
	}

	process(t, r, "Bob", "!flood nonsense")
	if got := lastReply(t, e).message; !strings.HasPrefix(got, "Usage:") {
		t.Fatalf("reply = %q, want usage", got)
	}
}

func TestJoinChannel(t *testing.T) {
	e := newFakeEngine(t, "Bob")
	r := New("Lounge", e, zerolog.Nop())

	process(t, r, "Bob", "!gjoinchannel")
	if got := lastReply(t, e).message; !strings.HasPrefix(got, "Usage:") {
		t.Fatalf("reply = %q, want usage", got)
	}

	process(t, r, "Bob", "!gjoinchannel Dev Chat")
	if len(e.joined) != 1 || e.joined[0] != "Dev" {
		t.Fatalf("joined = %v", e.joined)
	}
}

func TestInviteToggles(t *testing.T) {
	e := newFakeEngine(t, "Bob")
	r := New("Lounge", e, zerolog.Nop())

	process(t, r, "Bob", "!genableinvites")
	if !e.autoJoin {
		t.Fatal("auto-join not enabled")
	}
	process(t, r, "Bob", "!gdisableinvites")
	if e.autoJoin {
		t.Fatal("auto-join not disabled")
	}
}

func TestUptime(t *testing.T) {
	e := newFakeEngine(t, "Bob")
	r := New("Lounge", e, zerolog.Nop())

	process(t, r, "Bob", "!uptime")

	if got := lastReply(t, e).message; got != "Uptime: 1m30s" {
		t.Fatalf("reply = %q", got)
	}
}

func TestGlobalReload(t *testing.T) {
	e := newFakeEngine(t, "Bob")
	r := New("Lounge", e, zerolog.Nop())

	process(t, r, "Bob", "!greload")

	if !e.reloaded {
		t.Fatal("persisted reload did not fire")
	}
}

func TestHelpListsCommands(t *testing.T) {
	e := newFakeEngine(t, "Bob")
	r := New("Lounge", e, zerolog.Nop())

	process(t, r, "Bob", "!help")

	reply := lastReply(t, e).message
	if !strings.HasPrefix(reply, "Available commands: ") {
		t.Fatalf("reply = %q", reply)
	}
	for _, name := range []string{"help", "list", "loadplugin", "flood", "uptime", "grestart"} {
		if !strings.Contains(reply, name) {
			t.Fatalf("help %q missing %s", reply, name)
		}
	}
}

func TestLoadPluginUsageAndMissing(t *testing.T) {
	e := newFakeEngine(t, "Bob")
	r := New("Lounge", e, zerolog.Nop())

	process(t, r, "Bob", "!loadplugin")
	if got := lastReply(t, e).message; !strings.HasPrefix(got, "Usage:") {
		t.Fatalf("reply = %q, want usage", got)
	}

	process(t, r, "Bob", "!loadplugin Ghost")
	if got := lastReply(t, e).message; got != "plugin not found: Ghost.lua" {
		t.Fatalf("reply = %q", got)
	}
}

func TestLoadPluginRuntimeFailureReachesOperator(t *testing.T) {
	e := &fakeEngine{master: "Bob", operators: make(map[string]bool), flood: 2}
	dir := t.TempDir()
	e.host = plugin.NewHost(dir, nil, e, zerolog.Nop())
	writeModule(t, dir, "Bad", `error("boom at load time")`)

	r := New("Lounge", e, zerolog.Nop())

	// The channel gets the sanitized reply, and the underlying error
	// propagates so the dispatcher relays it to the operator.
	err := r.Process(context.Background(), message("Bob", "!loadplugin Bad"))
	if err == nil {
		t.Fatal("runtime load failure must propagate")
	}
	if !strings.Contains(err.Error(), "Bad") {
		t.Fatalf("err = %v, should name the plugin", err)
	}
	if got := lastReply(t, e).message; got != "plugin failed to load" {
		t.Fatalf("reply = %q", got)
	}
}

const echoModule = `
Echo = {}
Echo.__index = Echo

function Echo.new(bot, channel)
  local self = setmetatable({}, Echo)
  self.bot = bot
  self.channel = channel
  return self
end

function Echo:list(args, sender)
  self.bot.say(self.channel, "plugin list for " .. sender)
end
`

func writeModule(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name+".lua"), []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestPluginCommandShadowsBuiltin(t *testing.T) {
	e := &fakeEngine{master: "Bob", operators: make(map[string]bool), flood: 2}
	dir := t.TempDir()
	e.host = plugin.NewHost(dir, nil, e, zerolog.Nop())
	writeModule(t, dir, "Echo", echoModule)

	if _, err := e.host.Load(context.Background(), "Lounge", "Echo", true); err != nil {
		t.Fatalf("load plugin: %v", err)
	}

	e.roster = []string{"Alice"}
	r := New("Lounge", e, zerolog.Nop())

	// Plugins are not permission-gated; any sender may trigger them, and a
	// plugin-owned verb suppresses the builtin of the same name.
	process(t, r, "Dave", "!list")

	reply := lastReply(t, e)
	if reply.message != "plugin list for Dave" {
		t.Fatalf("reply = %q, want the plugin's output", reply.message)
	}
	for _, s := range e.sent {
		if strings.HasPrefix(s.message, "Users:") {
			t.Fatal("builtin list ran despite plugin match")
		}
	}
}
