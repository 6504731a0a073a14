// Package state keeps the derived channel and user view of the inbound
// event stream. Nothing here talks to the network; listeners feed it.
package state

import (
	"sort"
	"strings"
	"sync"
)

// Default field values for a newly-seen user.
const (
	DefaultGender = "None"
	DefaultStatus = "online"
)

// User is one entry in the global user directory.
type User struct {
	Name      string
	Gender    string
	Status    string
	StatusMsg string
}

type channel struct {
	name   string // display name as first seen
	title  string
	roster map[string]string // lowercased identity -> display identity
	ops    map[string]string
}

// Store tracks per-channel rosters and operators plus the process-wide
// user directory. Channel keys are lowercased before every lookup. All
// methods are safe for concurrent use; the dispatcher fans listeners out
// across goroutines.
type Store struct {
	mu       sync.RWMutex
	master   string
	channels map[string]*channel
	users    map[string]User
}

// New builds a Store with the configured master identity.
func New(master string) *Store {
	return &Store{
		master:   master,
		channels: make(map[string]*channel),
		users:    make(map[string]User),
	}
}

func key(s string) string { return strings.ToLower(s) }

func (s *Store) channelFor(name string) *channel {
	k := key(name)
	ch, ok := s.channels[k]
	if !ok {
		ch = &channel{
			name:   name,
			roster: make(map[string]string),
			ops:    make(map[string]string),
		}
		s.channels[k] = ch
	}
	return ch
}

// MergeRoster unions identities into the channel's roster (initial snapshot).
func (s *Store) MergeRoster(channelName string, identities []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := s.channelFor(channelName)
	for _, id := range identities {
		if id == "" {
			continue
		}
		ch.roster[key(id)] = id
	}
}

// AddToRoster records a single join and the channel's display title.
func (s *Store) AddToRoster(channelName, identity, title string) {
	if identity == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := s.channelFor(channelName)
	ch.roster[key(identity)] = identity
	if title != "" {
		ch.title = title
	}
}

// RemoveFromRoster drops an identity from one channel only.
func (s *Store) RemoveFromRoster(channelName, identity string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.channels[key(channelName)]; ok {
		delete(ch.roster, key(identity))
	}
}

// RemoveEverywhere sweeps an identity out of every channel's roster.
func (s *Store) RemoveEverywhere(identity string) {
	k := key(identity)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.channels {
		delete(ch.roster, k)
	}
}

// SetOperators replaces a channel's operator set from a snapshot, skipping
// empty entries.
func (s *Store) SetOperators(channelName string, ops []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := s.channelFor(channelName)
	ch.ops = make(map[string]string, len(ops))
	for _, op := range ops {
		if op == "" {
			continue
		}
		ch.ops[key(op)] = op
	}
}

// AddOperator promotes an identity in one channel.
func (s *Store) AddOperator(channelName, identity string) {
	if identity == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channelFor(channelName).ops[key(identity)] = identity
}

// RemoveOperator demotes an identity in one channel.
func (s *Store) RemoveOperator(channelName, identity string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.channels[key(channelName)]; ok {
		delete(ch.ops, key(identity))
	}
}

// UpsertUsers applies the bulk online list, overwriting entries wholesale.
// Each tuple is [identity, gender, status, statusmsg]; short tuples are
// padded with empty fields.
func (s *Store) UpsertUsers(tuples [][]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tuple := range tuples {
		if len(tuple) == 0 || tuple[0] == "" {
			continue
		}
		u := User{Name: tuple[0]}
		if len(tuple) > 1 {
			u.Gender = tuple[1]
		}
		if len(tuple) > 2 {
			u.Status = tuple[2]
		}
		if len(tuple) > 3 {
			u.StatusMsg = tuple[3]
		}
		s.users[key(tuple[0])] = u
	}
}

// UpdateUser applies an incremental status event. Absent fields never
// overwrite existing values; a newly-seen identity starts from defaults.
func (s *Store) UpdateUser(identity, gender, status, statusMsg string) {
	if identity == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(identity)
	u, ok := s.users[k]
	if !ok {
		u = User{
			Name:   identity,
			Gender: DefaultGender,
			Status: DefaultStatus,
		}
	}
	if gender != "" {
		u.Gender = gender
	}
	if status != "" {
		u.Status = status
	}
	if statusMsg != "" {
		u.StatusMsg = statusMsg
	}
	s.users[k] = u
}

// UserByName looks up a directory entry by identity.
func (s *Store) UserByName(identity string) (User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[key(identity)]
	return u, ok
}

// Roster returns the channel's identities sorted case-insensitively.
func (s *Store) Roster(channelName string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ch, ok := s.channels[key(channelName)]
	if !ok {
		return nil
	}
	return sortedValues(ch.roster)
}

// Operators returns the channel's operator identities sorted.
func (s *Store) Operators(channelName string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ch, ok := s.channels[key(channelName)]
	if !ok {
		return nil
	}
	return sortedValues(ch.ops)
}

// Title returns the channel's display title as last announced.
func (s *Store) Title(channelName string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if ch, ok := s.channels[key(channelName)]; ok {
		return ch.title
	}
	return ""
}

// IsMaster reports whether identity case-insensitively equals the
// configured master.
func (s *Store) IsMaster(identity string) bool {
	return strings.EqualFold(identity, s.master)
}

// IsOperator reports whether identity moderates the channel. The master
// identity counts as an operator everywhere.
func (s *Store) IsOperator(identity, channelName string) bool {
	if s.IsMaster(identity) {
		return true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	ch, ok := s.channels[key(channelName)]
	if !ok {
		return false
	}
	_, op := ch.ops[key(identity)]
	return op
}

func sortedValues(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		return strings.ToLower(out[i]) < strings.ToLower(out[j])
	})
	return out
}
