package config

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/blobdepot/blobdepot/internal/storage"
	"github.com/spf13/viper"
)

// Config is the process-wide configuration, constructed once at
// startup and passed by reference to every component.
type Config struct {
	DBPath         string                  `mapstructure:"db_path"`
	DefaultService string                  `mapstructure:"default_service"`
	LogLevel       string                  `mapstructure:"log_level"`
	Backends       []storage.BackendConfig `mapstructure:"backends"`
}

func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("db_path required")
	}
	if len(c.Backends) == 0 {
		return fmt.Errorf("at least one backend required")
	}
	for i := range c.Backends {
		if err := c.Backends[i].Validate(); err != nil {
			return fmt.Errorf("backend %d: %w", i, err)
		}
	}
	return nil
}

// SlogLevel maps the configured log level onto slog's scale, defaulting
// to info for unknown values.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Load reads a yaml config file and overlays BLOBDEPOT_* environment
// variables.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("BLOBDEPOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config read %q: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config parse %q: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config invalid %q: %w", path, err)
	}
	return &cfg, nil
}
