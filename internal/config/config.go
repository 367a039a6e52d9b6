// Package config loads the daemon configuration from an optional YAML file
// and VOXLINE_-prefixed environment variables, environment winning.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// Config is the full daemon configuration.
type Config struct {
	ListenAddr string `mapstructure:"listen_addr"`
	DataDir    string `mapstructure:"data_dir"`

	// APIKey guards the store API when non-empty.
	APIKey string `mapstructure:"api_key"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// Call lifecycle timers.
	RingingTimeout time.Duration `mapstructure:"ringing_timeout"`
	RecoveryWindow time.Duration `mapstructure:"recovery_window"`

	// Per-party call initiation limit. 0 disables.
	DialsPerSecond    int `mapstructure:"dials_per_second"`
	MaxTrackedParties int `mapstructure:"max_tracked_parties"`

	// Inbound budget per subscribe stream. 0 disables the corresponding
	// bucket.
	SubscribeMsgsPerSecond  int `mapstructure:"subscribe_msgs_per_second"`
	SubscribeBytesPerSecond int `mapstructure:"subscribe_bytes_per_second"`

	// ICE configuration: either a JSON blob, or the convenience fields.
	ICEServersJSON string `mapstructure:"ice_servers_json"`
	StunURLs       string `mapstructure:"stun_urls"`
	TurnURLs       string `mapstructure:"turn_urls"`
	TurnUsername   string `mapstructure:"turn_username"`
	TurnCredential string `mapstructure:"turn_credential"`
}

// Load reads file (optional; empty string skips the file) and the
// environment, applies defaults and validates the result.
func Load(file string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("VOXLINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("listen_addr", ":8090")
	v.SetDefault("data_dir", "./voxline-data")
	v.SetDefault("api_key", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("shutdown_timeout", "10s")
	v.SetDefault("ringing_timeout", "60s")
	v.SetDefault("recovery_window", "5s")
	v.SetDefault("dials_per_second", 0)
	v.SetDefault("max_tracked_parties", 1024)
	v.SetDefault("subscribe_msgs_per_second", 16)
	v.SetDefault("subscribe_bytes_per_second", 65536)
	v.SetDefault("ice_servers_json", "")
	v.SetDefault("stun_urls", "")
	v.SetDefault("turn_urls", "")
	v.SetDefault("turn_username", "")
	v.SetDefault("turn_credential", "")

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr must not be empty")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	if c.LogFormat != "json" && c.LogFormat != "console" {
		return fmt.Errorf("log_format must be json or console, got %q", c.LogFormat)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown_timeout must be positive")
	}
	if c.RingingTimeout <= 0 {
		return fmt.Errorf("ringing_timeout must be positive")
	}
	if c.RecoveryWindow <= 0 {
		return fmt.Errorf("recovery_window must be positive")
	}
	if c.RecoveryWindow >= c.RingingTimeout {
		return fmt.Errorf("recovery_window (%s) must be shorter than ringing_timeout (%s)", c.RecoveryWindow, c.RingingTimeout)
	}
	if c.DialsPerSecond < 0 {
		return fmt.Errorf("dials_per_second must not be negative")
	}
	if c.SubscribeMsgsPerSecond < 0 || c.SubscribeBytesPerSecond < 0 {
		return fmt.Errorf("subscribe rate limits must not be negative")
	}
	if _, err := c.ICEServers(); err != nil {
		return err
	}
	return nil
}

// Level returns the parsed zerolog level.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}
