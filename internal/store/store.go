// Package store persists the channel → plugin-name mapping across runs.
package store

import "context"

// ChannelPlugins maps a channel key to the ordered plugin names loaded in
// that channel.
type ChannelPlugins map[string][]string

// Clone returns a deep copy.
func (cp ChannelPlugins) Clone() ChannelPlugins {
	out := make(ChannelPlugins, len(cp))
	for ch, names := range cp {
		out[ch] = append([]string(nil), names...)
	}
	return out
}

// Store loads and saves the persisted mapping. The mapping is loaded once
// at construction and saved after every channel join, plugin load, plugin
// unload, or explicit flush.
type Store interface {
	Load(ctx context.Context) (ChannelPlugins, error)
	Save(ctx context.Context, channels ChannelPlugins) error
	Close() error
}
