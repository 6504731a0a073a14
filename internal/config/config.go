package config

// Config holds the bot configuration. Fields tagged required are fatal
// when missing: the process must not partially start.
type Config struct {
	Account   string `mapstructure:"account" yaml:"account" validate:"required"`
	Password  string `mapstructure:"password" yaml:"password" validate:"required"`
	Character string `mapstructure:"character" yaml:"character" validate:"required"`
	Master    string `mapstructure:"master" yaml:"master" validate:"required"`
	Room      string `mapstructure:"room" yaml:"room" validate:"required"`

	ClientName    string `mapstructure:"client_name" yaml:"client_name"`
	ClientVersion string `mapstructure:"client_version" yaml:"client_version"`

	AutoJoinInvites bool `mapstructure:"auto_join_invites" yaml:"auto_join_invites"`

	SaveFolder   string `mapstructure:"save_folder" yaml:"save_folder"`
	SaveFile     string `mapstructure:"save_file" yaml:"save_file"`
	PluginFolder string `mapstructure:"plugin_folder" yaml:"plugin_folder"`
	WatchPlugins bool   `mapstructure:"watch_plugins" yaml:"watch_plugins"`

	// Storage selects the persistence backend: "file" or "sqlite".
	Storage      string `mapstructure:"storage" yaml:"storage" validate:"oneof=file sqlite"`
	DatabasePath string `mapstructure:"database_path" yaml:"database_path"`

	ChatEndpoint   string `mapstructure:"chat_endpoint" yaml:"chat_endpoint"`
	TicketEndpoint string `mapstructure:"ticket_endpoint" yaml:"ticket_endpoint"`

	LogLevel string `mapstructure:"log_level" yaml:"log_level"`
}

// Default returns configuration with reasonable starter defaults. Required
// credentials stay empty and must come from the config file or env.
func Default() Config {
	return Config{
		ClientName:    "fchatlib",
		ClientVersion: "1.0.0",
		SaveFolder:    ".",
		SaveFile:      "channels.json",
		PluginFolder:  "plugins",
		Storage:       "file",
		DatabasePath:  "fchatlib.db",
		LogLevel:      "info",
	}
}
