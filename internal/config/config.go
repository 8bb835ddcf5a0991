// Package config loads server configuration from defaults, an optional
// YAML file and VEGA_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"

	vega "github.com/everydev1618/vegatree"
)

// Store drivers.
const (
	DriverSQLite = "sqlite"
	DriverBolt   = "bolt"
	DriverMemory = "memory"
)

// Config holds all settings.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Store        StoreConfig        `mapstructure:"store"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Janitor      JanitorConfig      `mapstructure:"janitor"`
	Log          LogConfig          `mapstructure:"log"`
	Profiles     ProfilesConfig     `mapstructure:"profiles"`
}

// ServerConfig holds HTTP settings.
type ServerConfig struct {
	Addr       string        `mapstructure:"addr"`
	Heartbeat  time.Duration `mapstructure:"heartbeat"`
	MaxStreams int           `mapstructure:"max_streams"`
}

// StoreConfig selects the durable store.
type StoreConfig struct {
	// Driver is one of sqlite, bolt or memory.
	Driver string `mapstructure:"driver"`
	// Path is the database file. Empty means the driver's default under
	// the Vega home directory.
	Path string `mapstructure:"path"`
}

// OrchestratorConfig tunes the orchestrator.
type OrchestratorConfig struct {
	HistorySize      int           `mapstructure:"history_size"`
	SubscriberBuffer int           `mapstructure:"subscriber_buffer"`
	TurnTimeout      time.Duration `mapstructure:"turn_timeout"`
	AdjustTimeout    time.Duration `mapstructure:"adjust_timeout"`
	ShutdownGrace    time.Duration `mapstructure:"shutdown_grace"`
	MaxTurns         int           `mapstructure:"max_turns"`
	SkipAutoTurn     bool          `mapstructure:"skip_auto_turn"`
	DefaultModels    []string      `mapstructure:"default_models"`
}

// JanitorConfig holds the self-heal sweep schedule. An empty schedule
// disables the sweep.
type JanitorConfig struct {
	Schedule string `mapstructure:"schedule"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ProfilesConfig points at a capability profile file. Empty uses the
// built-in profiles.
type ProfilesConfig struct {
	Path string `mapstructure:"path"`
}

// Load reads configuration. Precedence (highest to lowest):
// 1. Environment variables (VEGA_SERVER_ADDR, VEGA_STORE_DRIVER, ...)
// 2. The file at path, or config.yaml in the Vega home when path is empty
// 3. Built-in defaults
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(vega.Home())
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("reading config: %w", err)
			}
		}
	}

	v.SetEnvPrefix("VEGA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":3001")
	v.SetDefault("server.heartbeat", 30*time.Second)
	v.SetDefault("server.max_streams", 50)

	v.SetDefault("store.driver", DriverSQLite)
	v.SetDefault("store.path", "")

	v.SetDefault("orchestrator.history_size", vega.DefaultHistorySize)
	v.SetDefault("orchestrator.subscriber_buffer", 256)
	v.SetDefault("orchestrator.turn_timeout", 2*time.Minute)
	v.SetDefault("orchestrator.adjust_timeout", 5*time.Second)
	v.SetDefault("orchestrator.shutdown_grace", 30*time.Second)
	v.SetDefault("orchestrator.max_turns", 0)
	v.SetDefault("orchestrator.skip_auto_turn", false)
	v.SetDefault("orchestrator.default_models", []string{})

	v.SetDefault("janitor.schedule", "@every 1m")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("profiles.path", "")
}

// Validate checks values that would otherwise fail later and less
// clearly.
func (c *Config) Validate() error {
	if !slices.Contains([]string{DriverSQLite, DriverBolt, DriverMemory}, c.Store.Driver) {
		return fmt.Errorf("store.driver: unknown driver %q", c.Store.Driver)
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("log.format: must be text or json, got %q", c.Log.Format)
	}
	if c.Orchestrator.HistorySize <= 0 {
		return fmt.Errorf("orchestrator.history_size: must be positive")
	}
	if c.Orchestrator.TurnTimeout <= 0 || c.Orchestrator.AdjustTimeout <= 0 {
		return fmt.Errorf("orchestrator: timeouts must be positive")
	}
	if c.Orchestrator.MaxTurns < 0 {
		return fmt.Errorf("orchestrator.max_turns: must not be negative")
	}
	return nil
}

// StorePath returns the configured store path or the driver default.
func (c *Config) StorePath() string {
	if c.Store.Path != "" {
		return c.Store.Path
	}
	if c.Store.Driver == DriverBolt {
		return vega.DefaultBoltPath()
	}
	return vega.DefaultDBPath()
}

// ProfilesPath returns the profile file to load, or "" for built-ins.
// A relative path is taken from the Vega home directory.
func (c *Config) ProfilesPath() string {
	p := c.Profiles.Path
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(vega.Home(), p)
}

// Logger builds a slog.Logger writing to w.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	level, _ := parseLevel(c.Log.Level)
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}
