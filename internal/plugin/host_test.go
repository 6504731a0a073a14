package plugin

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/rs/zerolog"

	"github.com/AoiTakara/fchatlib/internal/store"
)

type fakeBot struct {
	said  []string
	privs []string
}

func (b *fakeBot) SendMessage(_ context.Context, channel, message string) error {
	b.said = append(b.said, channel+"|"+message)
	return nil
}

func (b *fakeBot) SendPrivate(_ context.Context, character, message string) error {
	b.privs = append(b.privs, character+"|"+message)
	return nil
}

func (b *fakeBot) Roster(string) []string        { return []string{"Ann", "Bob"} }
func (b *fakeBot) Operators(string) []string     { return nil }
func (b *fakeBot) IsOperator(string, string) bool { return false }
func (b *fakeBot) IsMaster(string) bool           { return false }

type memStore struct {
	data  store.ChannelPlugins
	saved []store.ChannelPlugins
}

func (m *memStore) Load(context.Context) (store.ChannelPlugins, error) { return m.data.Clone(), nil }

func (m *memStore) Save(_ context.Context, cp store.ChannelPlugins) error {
	m.saved = append(m.saved, cp.Clone())
	return nil
}

func (m *memStore) Close() error { return nil }

const greeterModule = `
Greeter = {}
Greeter.__index = Greeter

function Greeter.new(bot, channel)
  local self = setmetatable({}, Greeter)
  self.bot = bot
  self.channel = channel
  self.greeting = "hi"
  return self
end

function Greeter:init()
end

function Greeter:greet(args, sender)
  self.bot.say(self.channel, self.greeting .. " " .. sender)
end

function Greeter:hello(args, sender)
  self.bot.priv(sender, "hello " .. sender)
end
`

func newTestHost(t *testing.T, st store.Store) (*Host, *fakeBot, string) {
	t.Helper()
	dir := t.TempDir()
	bot := &fakeBot{}
	return NewHost(dir, st, bot, zerolog.Nop()), bot, dir
}

func writeModule(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name+".lua"), []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestLoadDiscoversCommands(t *testing.T) {
	host, bot, dir := newTestHost(t, nil)
	writeModule(t, dir, "Greeter", greeterModule)

	ref, err := host.Load(context.Background(), "Lounge", "Greeter", false)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !reflect.DeepEqual(ref.Commands, []string{"greet", "hello"}) {
		t.Fatalf("commands = %v", ref.Commands)
	}
	if ref.ID == "" {
		t.Fatal("ref has no id")
	}

	if len(bot.said) != 1 || bot.said[0] != "Lounge|Loaded plugin Greeter: greet, hello" {
		t.Fatalf("load notice = %v", bot.said)
	}
}

func TestQuietLoadDoesNotMessage(t *testing.T) {
	host, bot, dir := newTestHost(t, nil)
	writeModule(t, dir, "Greeter", greeterModule)

	if _, err := host.Load(context.Background(), "Lounge", "Greeter", true); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(bot.said) != 0 {
		t.Fatalf("quiet load messaged the channel: %v", bot.said)
	}
}

func TestLoadMissingModule(t *testing.T) {
	host, _, _ := newTestHost(t, nil)

	_, err := host.Load(context.Background(), "Lounge", "Ghost", false)
	var notFound *NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("err = %v, want NotFoundError", err)
	}
	if notFound.Error() != "plugin not found: Ghost.lua" {
		t.Fatalf("message = %q", notFound.Error())
	}
}

func TestLoadModuleWithoutClass(t *testing.T) {
	host, _, dir := newTestHost(t, nil)
	writeModule(t, dir, "Greeter", greeterModule)
	writeModule(t, dir, "Broken", `Other = {}
function Other.new() end
`)

	if _, err := host.Load(context.Background(), "Lounge", "Greeter", true); err != nil {
		t.Fatalf("Load: %v", err)
	}

	_, err := host.Load(context.Background(), "Lounge", "Broken", false)
	var noClass *NoClassError
	if !errors.As(err, &noClass) {
		t.Fatalf("err = %v, want NoClassError", err)
	}
	if got := noClass.Error(); got != "plugin Broken doesn't contain a class named Broken" {
		t.Fatalf("message = %q", got)
	}

	// A failed load leaves the channel's plugin set untouched.
	refs := host.Plugins("Lounge")
	if len(refs) != 1 || refs[0].Name != "Greeter" {
		t.Fatalf("plugins after failed load = %v", refs)
	}
}

func TestLoadReplacesSameName(t *testing.T) {
	host, _, dir := newTestHost(t, nil)
	writeModule(t, dir, "Greeter", greeterModule)

	first, err := host.Load(context.Background(), "Lounge", "Greeter", true)
	if err != nil {
		t.Fatal(err)
	}
	second, err := host.Load(context.Background(), "Lounge", "Greeter", true)
	if err != nil {
		t.Fatal(err)
	}

	refs := host.Plugins("Lounge")
	if len(refs) != 1 {
		t.Fatalf("expected a single instance, got %d", len(refs))
	}
	if first.ID == second.ID {
		t.Fatal("reload kept the old instance id")
	}
}

func TestIgnoreListHidesCommands(t *testing.T) {
	host, _, dir := newTestHost(t, nil)
	writeModule(t, dir, "Quiet", `
Quiet = {}
Quiet.__index = Quiet
Quiet.ignore = {"helper"}

function Quiet.new(bot, channel)
  return setmetatable({}, Quiet)
end

function Quiet:visible(args, sender)
end

function Quiet:helper(args, sender)
end
`)

	ref, err := host.Load(context.Background(), "Lounge", "Quiet", true)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !reflect.DeepEqual(ref.Commands, []string{"visible"}) {
		t.Fatalf("commands = %v", ref.Commands)
	}
}

func TestInvoke(t *testing.T) {
	host, bot, dir := newTestHost(t, nil)
	writeModule(t, dir, "Greeter", greeterModule)

	ref, err := host.Load(context.Background(), "Lounge", "Greeter", true)
	if err != nil {
		t.Fatal(err)
	}

	if err := host.Invoke(context.Background(), ref, "greet", "", "Ann"); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if len(bot.said) != 1 || bot.said[0] != "Lounge|hi Ann" {
		t.Fatalf("said = %v", bot.said)
	}

	if err := host.Invoke(context.Background(), ref, "hello", "", "Bob"); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if len(bot.privs) != 1 || bot.privs[0] != "Bob|hello Bob" {
		t.Fatalf("privs = %v", bot.privs)
	}

	if err := host.Invoke(context.Background(), ref, "nosuch", "", "Ann"); err == nil {
		t.Fatal("expected error for unknown command")
	}
}

func TestUnloadIsIdempotent(t *testing.T) {
	host, _, dir := newTestHost(t, nil)
	writeModule(t, dir, "Greeter", greeterModule)

	if _, err := host.Load(context.Background(), "Lounge", "Greeter", true); err != nil {
		t.Fatal(err)
	}
	if err := host.Unload(context.Background(), "Lounge", "Greeter"); err != nil {
		t.Fatalf("Unload: %v", err)
	}
	if refs := host.Plugins("Lounge"); len(refs) != 0 {
		t.Fatalf("plugins after unload = %v", refs)
	}
	// Unloading again is not an error.
	if err := host.Unload(context.Background(), "Lounge", "Greeter"); err != nil {
		t.Fatalf("second Unload: %v", err)
	}
}

func TestPersistence(t *testing.T) {
	st := &memStore{}
	host, _, dir := newTestHost(t, st)
	writeModule(t, dir, "Greeter", greeterModule)

	ctx := context.Background()
	if err := host.EnsureChannel(ctx, "Lounge"); err != nil {
		t.Fatal(err)
	}
	if _, err := host.Load(ctx, "Lounge", "Greeter", true); err != nil {
		t.Fatal(err)
	}
	if err := host.Unload(ctx, "Lounge", "Greeter"); err != nil {
		t.Fatal(err)
	}

	if len(st.saved) != 3 {
		t.Fatalf("saved %d snapshots, want 3", len(st.saved))
	}
	if got := st.saved[0]["Lounge"]; len(got) != 0 {
		t.Fatalf("join snapshot = %v", st.saved[0])
	}
	if got := st.saved[1]["Lounge"]; !reflect.DeepEqual(got, []string{"Greeter"}) {
		t.Fatalf("load snapshot = %v", st.saved[1])
	}
	if got := st.saved[2]["Lounge"]; len(got) != 0 {
		t.Fatalf("unload snapshot = %v", st.saved[2])
	}
}

func TestSnapshotKeepsChannelDisplayCase(t *testing.T) {
	host, _, dir := newTestHost(t, nil)
	writeModule(t, dir, "Greeter", greeterModule)

	// First sighting fixes the persisted spelling; later lookups stay
	// case-insensitive.
	if _, err := host.Load(context.Background(), "Dev Lounge", "Greeter", true); err != nil {
		t.Fatal(err)
	}
	snap := host.Snapshot()
	if !reflect.DeepEqual(snap["Dev Lounge"], []string{"Greeter"}) {
		t.Fatalf("snapshot = %v, want the announced spelling", snap)
	}
	if _, ok := snap["dev lounge"]; ok {
		t.Fatalf("snapshot = %v, lowercased key leaked", snap)
	}
	if refs := host.Plugins("DEV LOUNGE"); len(refs) != 1 {
		t.Fatalf("case-insensitive lookup broken: %v", refs)
	}
}
