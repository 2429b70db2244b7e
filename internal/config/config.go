// Package config loads service configuration from YAML and CODESTRAIN_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/xypine/codestrain/internal/battle"
	"github.com/xypine/codestrain/internal/sandbox"
)

// EnvPrefix is prepended to every environment override, e.g.
// CODESTRAIN_BATTLE_ARENA_SIZE.
const EnvPrefix = "CODESTRAIN"

// Config is the full service configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Battle   BattleConfig   `mapstructure:"battle"`
	Sandbox  SandboxConfig  `mapstructure:"sandbox"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Address         string        `mapstructure:"address"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig selects and tunes the result store.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	URL             string        `mapstructure:"url"`
	SQLitePath      string        `mapstructure:"sqlite_path"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
}

// BattleConfig holds the game rules and battle scheduling limits.
type BattleConfig struct {
	ArenaSize         int    `mapstructure:"arena_size"`
	MovesPerRound     int    `mapstructure:"moves_per_round"`
	IllegalMovePolicy string `mapstructure:"illegal_move_policy"`
	MaxConcurrent     int    `mapstructure:"max_concurrent"`
	ReplayDir         string `mapstructure:"replay_dir"`
}

// SandboxConfig bounds strain execution.
type SandboxConfig struct {
	LoadTimeout      time.Duration `mapstructure:"load_timeout"`
	CallTimeout      time.Duration `mapstructure:"call_timeout"`
	MaxResponseBytes int           `mapstructure:"max_response_bytes"`
}

// LoggingConfig configures zap.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 5*time.Minute)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.url", "")
	v.SetDefault("database.sqlite_path", "codestrain.db")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 1)
	v.SetDefault("database.max_conn_lifetime", time.Hour)
	v.SetDefault("database.connect_timeout", 10*time.Second)

	rules := battle.DefaultConfig()
	v.SetDefault("battle.arena_size", rules.ArenaSize)
	v.SetDefault("battle.moves_per_round", rules.MovesPerRound)
	v.SetDefault("battle.illegal_move_policy", string(rules.Policy))
	v.SetDefault("battle.max_concurrent", 4)
	v.SetDefault("battle.replay_dir", "")

	limits := sandbox.DefaultOptions()
	v.SetDefault("sandbox.load_timeout", limits.LoadTimeout)
	v.SetDefault("sandbox.call_timeout", limits.CallTimeout)
	v.SetDefault("sandbox.max_response_bytes", limits.MaxResponseBytes)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
}

// Load reads the YAML file at path, if it exists, applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports the first configuration error.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres":
		if c.Database.URL == "" {
			return errors.New("database.url is required for the postgres driver")
		}
	case "sqlite":
		if c.Database.SQLitePath == "" {
			return errors.New("database.sqlite_path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}

	if _, err := c.Battle.Rules(); err != nil {
		return fmt.Errorf("invalid battle config: %w", err)
	}
	if c.Battle.MaxConcurrent < 1 {
		return fmt.Errorf("battle.max_concurrent must be positive, got %d", c.Battle.MaxConcurrent)
	}

	if c.Sandbox.CallTimeout <= 0 || c.Sandbox.LoadTimeout <= 0 {
		return errors.New("sandbox timeouts must be positive")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unsupported log level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("unsupported log format %q", c.Logging.Format)
	}
	return nil
}

// Rules converts the battle section into scheduler rules.
func (b BattleConfig) Rules() (battle.Config, error) {
	policy, err := battle.ParsePolicy(b.IllegalMovePolicy)
	if err != nil {
		return battle.Config{}, err
	}
	rules := battle.Config{
		ArenaSize:     b.ArenaSize,
		MovesPerRound: b.MovesPerRound,
		Policy:        policy,
	}
	if err := rules.Validate(); err != nil {
		return battle.Config{}, err
	}
	return rules, nil
}

// Options converts the sandbox section into adapter limits.
func (s SandboxConfig) Options() sandbox.Options {
	return sandbox.Options{
		LoadTimeout:      s.LoadTimeout,
		CallTimeout:      s.CallTimeout,
		MaxResponseBytes: s.MaxResponseBytes,
	}
}
