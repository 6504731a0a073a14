// Package plugin loads, unloads, and hot-reloads per-channel command
// plugins. A plugin is a Lua module under the configured plugin root; the
// module <root>/<Name>.lua must define a global table <Name> with a `new`
// constructor taking the bot handle and the channel name.
package plugin

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	lua "github.com/Shopify/go-lua"
	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/AoiTakara/fchatlib/internal/store"
)

const instanceKey = "fchatlib.instance"

// Function members never exposed as chat commands: the constructor, the
// router's dispatch entry point, and the ignore declaration itself.
var ignoredCommands = map[string]struct{}{
	"new":             {},
	"init":            {},
	"ignore":          {},
	"process_command": {},
}

// Bot is the engine handle exposed to plugin instances.
type Bot interface {
	SendMessage(ctx context.Context, channel, message string) error
	SendPrivate(ctx context.Context, character, message string) error
	Roster(channel string) []string
	Operators(channel string) []string
	IsOperator(character, channel string) bool
	IsMaster(character string) bool
}

// Ref is one loaded plugin instance. Ownership is exclusive to the channel
// it was loaded for; the instance's lifetime ends at unload.
type Ref struct {
	ID       string
	Name     string
	Commands []string
	state    *lua.State
}

// Has reports whether the plugin exposes the named command.
func (r *Ref) Has(command string) bool {
	for _, c := range r.Commands {
		if c == command {
			return true
		}
	}
	return false
}

// Host manages the plugin set of every channel and persists it.
type Host struct {
	root  string
	store store.Store
	bot   Bot
	log   zerolog.Logger

	mu       sync.Mutex
	channels map[string][]*Ref
	display  map[string]string // channel key -> display name as first seen
	watcher  *fsnotify.Watcher
}

// NewHost builds a Host rooted at the configured plugin folder.
func NewHost(root string, st store.Store, bot Bot, logger zerolog.Logger) *Host {
	return &Host{
		root:     root,
		store:    st,
		bot:      bot,
		log:      logger.With().Str("component", "plugin").Logger(),
		channels: make(map[string][]*Ref),
		display:  make(map[string]string),
	}
}

func channelKey(channel string) string { return strings.ToLower(channel) }

// rememberLocked records the channel's display name the first time the key
// is seen, so the persisted mapping keeps the case the server announced.
func (h *Host) rememberLocked(channel string) string {
	key := channelKey(channel)
	if _, ok := h.display[key]; !ok {
		h.display[key] = channel
	}
	return key
}

// Plugins returns the loaded refs for a channel in load order.
func (h *Host) Plugins(channel string) []*Ref {
	h.mu.Lock()
	defer h.mu.Unlock()
	refs := h.channels[channelKey(channel)]
	out := make([]*Ref, len(refs))
	copy(out, refs)
	return out
}

// EnsureChannel records a channel in the persisted mapping even before any
// plugin is loaded there. Called on channel join.
func (h *Host) EnsureChannel(ctx context.Context, channel string) error {
	h.mu.Lock()
	key := h.rememberLocked(channel)
	if _, ok := h.channels[key]; !ok {
		h.channels[key] = nil
	}
	h.mu.Unlock()
	return h.persist(ctx)
}

// Load loads one plugin into a channel, unloading any previous instance of
// the same name first. On success the discovered command list is reported
// to the channel; quiet mode logs instead, for startup loads where no
// channel audience is guaranteed yet.
func (h *Host) Load(ctx context.Context, channel, name string, quiet bool) (*Ref, error) {
	ref, err := h.load(channel, name)
	if err != nil {
		return nil, err
	}

	if err := h.persist(ctx); err != nil {
		h.log.Warn().Err(err).Msg("persist plugin list")
	}

	h.log.Info().
		Str("channel", channel).
		Str("plugin", name).
		Str("instance", ref.ID).
		Strs("commands", ref.Commands).
		Msg("plugin loaded")

	if !quiet {
		notice := fmt.Sprintf("Loaded plugin %s: no commands found", name)
		if len(ref.Commands) > 0 {
			notice = fmt.Sprintf("Loaded plugin %s: %s", name, strings.Join(ref.Commands, ", "))
		}
		if err := h.bot.SendMessage(ctx, channel, notice); err != nil {
			h.log.Warn().Err(err).Str("channel", channel).Msg("report plugin load")
		}
	}
	return ref, nil
}

func (h *Host) load(channel, name string) (*Ref, error) {
	rel := name + ".lua"
	path := filepath.Join(h.root, rel)
	if _, err := os.Stat(path); err != nil {
		return nil, &NotFoundError{Name: name, Path: rel}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.rememberLocked(channel)
	h.removeLocked(channel, name)

	state := lua.NewState()
	lua.OpenLibraries(state)
	h.registerBotAPI(state)

	if err := lua.DoFile(state, path); err != nil {
		return nil, fmt.Errorf("run module %s: %w", rel, err)
	}

	state.Global(name)
	if state.TypeOf(-1) != lua.TypeTable {
		state.Pop(1)
		return nil, &NoClassError{Name: name}
	}
	state.Field(-1, "new")
	if !state.IsFunction(-1) {
		state.Pop(2)
		return nil, &NoClassError{Name: name}
	}

	// new(bot, channel)
	state.Global("bot")
	state.PushString(channel)
	if err := state.ProtectedCall(2, 1, 0); err != nil {
		state.Pop(1)
		return nil, fmt.Errorf("construct %s: %w", name, err)
	}
	if state.TypeOf(-1) != lua.TypeTable {
		state.Pop(2)
		return nil, &NoClassError{Name: name}
	}

	commands := discoverCommands(state)

	// Pin the instance in the registry for later invocations.
	state.PushValue(-1)
	state.SetField(lua.RegistryIndex, instanceKey)
	state.Pop(2)

	ref := &Ref{
		ID:       uuid.NewString(),
		Name:     name,
		Commands: commands,
		state:    state,
	}
	key := channelKey(channel)
	h.channels[key] = append(h.channels[key], ref)
	return ref, nil
}

// Unload removes a plugin by name. Unloading a name that is not loaded is
// a no-op, not an error.
func (h *Host) Unload(ctx context.Context, channel, name string) error {
	h.mu.Lock()
	h.removeLocked(channel, name)
	h.mu.Unlock()
	return h.persist(ctx)
}

func (h *Host) removeLocked(channel, name string) {
	key := channelKey(channel)
	refs := h.channels[key]
	for i, ref := range refs {
		if ref.Name == name {
			h.channels[key] = append(refs[:i:i], refs[i+1:]...)
			return
		}
	}
}

// LoadOnStart replays a channel's persisted plugin list when its router is
// (re)constructed. Failures are logged, not messaged.
func (h *Host) LoadOnStart(ctx context.Context, channel string, names []string) {
	for _, name := range names {
		if _, err := h.Load(ctx, channel, name, true); err != nil {
			h.log.Error().Err(err).Str("channel", channel).Str("plugin", name).Msg("startup plugin load failed")
		}
	}
}

// Reload unloads and loads a plugin again from disk.
func (h *Host) Reload(ctx context.Context, channel, name string, quiet bool) (*Ref, error) {
	h.mu.Lock()
	h.removeLocked(channel, name)
	h.mu.Unlock()
	return h.Load(ctx, channel, name, quiet)
}

// Invoke runs one plugin command with the raw argument string and the
// sending character.
func (h *Host) Invoke(ctx context.Context, ref *Ref, command, args, sender string) (err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("plugin %s command %s: %v", ref.Name, command, r)
		}
	}()

	state := ref.state
	state.Field(lua.RegistryIndex, instanceKey)
	state.Field(-1, command)
	if !state.IsFunction(-1) {
		state.Pop(2)
		return fmt.Errorf("plugin %s has no command %s", ref.Name, command)
	}
	state.PushValue(-2) // self
	state.PushString(args)
	state.PushString(sender)
	if cerr := state.ProtectedCall(3, 0, 0); cerr != nil {
		state.Pop(1)
		return fmt.Errorf("plugin %s command %s: %w", ref.Name, command, cerr)
	}
	state.Pop(1)
	return nil
}

// Snapshot returns the channel → plugin-name mapping currently loaded.
func (h *Host) Snapshot() store.ChannelPlugins {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := store.ChannelPlugins{}
	for key, refs := range h.channels {
		channel := h.display[key]
		if channel == "" {
			channel = key
		}
		names := make([]string, 0, len(refs))
		for _, ref := range refs {
			names = append(names, ref.Name)
		}
		out[channel] = names
	}
	return out
}

// Flush persists the current mapping explicitly.
func (h *Host) Flush(ctx context.Context) error {
	return h.persist(ctx)
}

func (h *Host) persist(ctx context.Context) error {
	if h.store == nil {
		return nil
	}
	if err := h.store.Save(ctx, h.Snapshot()); err != nil {
		return fmt.Errorf("save plugin list: %w", err)
	}
	return nil
}

// Watch hot-reloads plugins whose module file changes on disk. It returns
// once the watcher is installed; reloads run until ctx is done.
func (h *Host) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(h.root); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", h.root, err)
	}
	h.watcher = watcher

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				if filepath.Ext(event.Name) != ".lua" {
					continue
				}
				name := strings.TrimSuffix(filepath.Base(event.Name), ".lua")
				h.reloadEverywhere(ctx, name)
			case werr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				h.log.Warn().Err(werr).Msg("plugin watcher error")
			}
		}
	}()
	return nil
}

func (h *Host) reloadEverywhere(ctx context.Context, name string) {
	h.mu.Lock()
	var affected []string
	for channel, refs := range h.channels {
		for _, ref := range refs {
			if ref.Name == name {
				affected = append(affected, channel)
				break
			}
		}
	}
	h.mu.Unlock()

	for _, channel := range affected {
		ref, err := h.Reload(ctx, channel, name, true)
		if err != nil {
			h.log.Error().Err(err).Str("channel", channel).Str("plugin", name).Msg("hot reload failed")
			continue
		}
		h.log.Info().Str("channel", channel).Str("plugin", name).Str("instance", ref.ID).Msg("hot reloaded")
	}
}

// registerBotAPI exposes the engine handle to the Lua side as the global
// `bot` table.
func (h *Host) registerBotAPI(state *lua.State) {
	bot := h.bot
	fns := []lua.RegistryFunction{
		{Name: "say", Function: func(l *lua.State) int {
			channel := lua.CheckString(l, 1)
			message := lua.CheckString(l, 2)
			if err := bot.SendMessage(context.Background(), channel, message); err != nil {
				lua.Errorf(l, "say: %s", err.Error())
			}
			return 0
		}},
		{Name: "priv", Function: func(l *lua.State) int {
			character := lua.CheckString(l, 1)
			message := lua.CheckString(l, 2)
			if err := bot.SendPrivate(context.Background(), character, message); err != nil {
				lua.Errorf(l, "priv: %s", err.Error())
			}
			return 0
		}},
		{Name: "roster", Function: func(l *lua.State) int {
			channel := lua.CheckString(l, 1)
			names := bot.Roster(channel)
			l.CreateTable(len(names), 0)
			for i, name := range names {
				l.PushString(name)
				l.RawSetInt(-2, i+1)
			}
			return 1
		}},
		{Name: "is_op", Function: func(l *lua.State) int {
			character := lua.CheckString(l, 1)
			channel := lua.CheckString(l, 2)
			l.PushBoolean(bot.IsOperator(character, channel))
			return 1
		}},
		{Name: "is_master", Function: func(l *lua.State) int {
			character := lua.CheckString(l, 1)
			l.PushBoolean(bot.IsMaster(character))
			return 1
		}},
	}
	state.NewTable()
	lua.SetFunctions(state, fns, 0)
	state.SetGlobal("bot")
}

// discoverCommands enumerates the instance's callable members, walking the
// __index chain, minus the fixed ignore set and the plugin's own ignore
// list. The instance table is at the top of the stack and stays there.
func discoverCommands(state *lua.State) []string {
	seen := make(map[string]struct{})
	ignore := make(map[string]struct{}, len(ignoredCommands))
	for k := range ignoredCommands {
		ignore[k] = struct{}{}
	}

	// Plugin-declared extra ignore list: an array of strings.
	state.Field(-1, "ignore")
	if state.TypeOf(-1) == lua.TypeTable {
		state.PushNil()
		for state.Next(-2) {
			if state.TypeOf(-1) == lua.TypeString {
				if s, ok := state.ToString(-1); ok {
					ignore[s] = struct{}{}
				}
			}
			state.Pop(1)
		}
	}
	state.Pop(1)

	state.PushValue(-1)
	for depth := 0; depth < 8; depth++ {
		if state.TypeOf(-1) != lua.TypeTable {
			break
		}
		state.PushNil()
		for state.Next(-2) {
			if state.IsFunction(-1) && state.TypeOf(-2) == lua.TypeString {
				if name, ok := state.ToString(-2); ok {
					if _, skip := ignore[name]; !skip {
						seen[name] = struct{}{}
					}
				}
			}
			state.Pop(1)
		}
		if !state.MetaTable(-1) {
			break
		}
		state.Field(-1, "__index")
		state.Remove(-2) // metatable
		state.Remove(-2) // previous table
	}
	// Drop whatever the chain walk left behind, back to the instance.
	state.SetTop(stateTopToInstance(state))

	commands := make([]string, 0, len(seen))
	for name := range seen {
		commands = append(commands, name)
	}
	sort.Strings(commands)
	return commands
}

// stateTopToInstance assumes the instance was at the top before discovery
// pushed one extra table; discovery keeps exactly one scratch slot.
func stateTopToInstance(state *lua.State) int {
	return state.Top() - 1
}

// SanitizeErr maps a load failure to its user-facing diagnostic.
func SanitizeErr(err error) string {
	var notFound *NotFoundError
	if errors.As(err, &notFound) {
		return notFound.Error()
	}
	var noClass *NoClassError
	if errors.As(err, &noClass) {
		return noClass.Error()
	}
	return "plugin failed to load"
}
