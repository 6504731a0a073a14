package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const defaultConfigName = "config.yaml"

// ErrInvalidConfig wraps missing or malformed required fields. Callers
// treat it as fatal; the engine never starts on a partial config.
var ErrInvalidConfig = errors.New("invalid configuration")

// Load builds configuration from defaults, optional config file, and env
// vars, and returns the resolved path.
// Precedence: defaults < config file < env vars.
func Load(logger *zerolog.Logger, explicitPath string) (Config, string, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetDefault("client_name", cfg.ClientName)
	v.SetDefault("client_version", cfg.ClientVersion)
	v.SetDefault("save_folder", cfg.SaveFolder)
	v.SetDefault("save_file", cfg.SaveFile)
	v.SetDefault("plugin_folder", cfg.PluginFolder)
	v.SetDefault("storage", cfg.Storage)
	v.SetDefault("database_path", cfg.DatabasePath)
	v.SetDefault("log_level", cfg.LogLevel)

	v.SetEnvPrefix("FCHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	configPath := resolveConfigPath(explicitPath)
	v.SetConfigFile(configPath)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist) {
			if writeErr := writeDefaultConfig(configPath, cfg); writeErr != nil && logger != nil {
				logger.Warn().Err(writeErr).Str("path", configPath).Msg("failed to write default config")
			} else if logger != nil {
				logger.Info().Str("path", configPath).Msg("created default config, fill in the credentials")
			}
		} else {
			return cfg, configPath, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, configPath, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return cfg, configPath, err
	}

	return cfg, configPath, nil
}

// Validate checks the required fields and reports every missing one.
func Validate(cfg Config) error {
	err := validator.New(validator.WithRequiredStructEnabled()).Struct(cfg)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	missing := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		missing = append(missing, strings.ToLower(fe.Field()))
	}
	return fmt.Errorf("%w: check fields: %s", ErrInvalidConfig, strings.Join(missing, ", "))
}

func resolveConfigPath(explicitPath string) string {
	if explicitPath != "" {
		return explicitPath
	}
	cwd, err := os.Getwd()
	if err != nil {
		return defaultConfigName
	}
	return filepath.Join(cwd, defaultConfigName)
}

func writeDefaultConfig(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
