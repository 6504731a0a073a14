// Package sqlite persists the channel mapping in a SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/AoiTakara/fchatlib/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS channel_plugins (
	channel  TEXT    NOT NULL,
	position INTEGER NOT NULL,
	plugin   TEXT    NOT NULL,
	PRIMARY KEY (channel, position)
);
`

// Store implements store.Store on SQLite.
type Store struct {
	db *sql.DB
}

// New opens (and if needed creates) the database at dbPath.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite works best with a single connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	return &Store{db: db}, nil
}

// Load reads every channel's plugin list in stored order.
func (s *Store) Load(ctx context.Context) (store.ChannelPlugins, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT channel, plugin
		FROM channel_plugins
		ORDER BY channel, position
	`)
	if err != nil {
		return nil, fmt.Errorf("query channel plugins: %w", err)
	}
	defer rows.Close()

	channels := store.ChannelPlugins{}
	for rows.Next() {
		var channel, plugin string
		if err := rows.Scan(&channel, &plugin); err != nil {
			return nil, fmt.Errorf("scan channel plugin: %w", err)
		}
		channels[channel] = append(channels[channel], plugin)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate channel plugins: %w", err)
	}
	return channels, nil
}

// Save replaces the stored mapping atomically.
func (s *Store) Save(ctx context.Context, channels store.ChannelPlugins) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM channel_plugins`); err != nil {
		return fmt.Errorf("clear channel plugins: %w", err)
	}
	for channel, plugins := range channels {
		for i, plugin := range plugins {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO channel_plugins (channel, position, plugin)
				VALUES (?, ?, ?)
			`, channel, i, plugin); err != nil {
				return fmt.Errorf("insert channel plugin: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
