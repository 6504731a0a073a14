// Package file persists the channel mapping as a JSON document at a
// configured folder and filename.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/AoiTakara/fchatlib/internal/store"
)

// Store reads and writes one JSON file.
type Store struct {
	path string
}

// New builds a file store at folder/filename.
func New(folder, filename string) *Store {
	return &Store{path: filepath.Join(folder, filename)}
}

// Path returns the resolved file location.
func (s *Store) Path() string { return s.path }

// Load reads the mapping. A missing file is an empty mapping, not an error.
func (s *Store) Load(_ context.Context) (store.ChannelPlugins, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return store.ChannelPlugins{}, nil
		}
		return nil, fmt.Errorf("read %s: %w", s.path, err)
	}

	var channels store.ChannelPlugins
	if err := json.Unmarshal(data, &channels); err != nil {
		return nil, fmt.Errorf("decode %s: %w", s.path, err)
	}
	if channels == nil {
		channels = store.ChannelPlugins{}
	}
	return channels, nil
}

// Save writes the mapping, creating the folder if needed.
func (s *Store) Save(_ context.Context, channels store.ChannelPlugins) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create save folder: %w", err)
	}
	data, err := json.MarshalIndent(channels, "", "  ")
	if err != nil {
		return fmt.Errorf("encode channels: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", s.path, err)
	}
	return nil
}

// Close is a no-op for the file store.
func (s *Store) Close() error { return nil }
