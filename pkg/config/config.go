// Package config provides YAML/env configuration loading for scopelink.
package config

import (
    "errors"
    "fmt"
    "os"
    "path/filepath"
    "strings"
    "time"

    "github.com/spf13/viper"
)

// Config is the root application configuration.
type Config struct {
    // AppName optional logical name of the client instance
    AppName string `mapstructure:"app_name"`

    // Log holds logging configuration
    Log LogConfig `mapstructure:"log"`

    // Telescopes lists the remote telescope endpoints to operate
    Telescopes []TelescopeConfig `mapstructure:"telescopes"`

    // Net holds link/backoff options shared by all sessions
    Net NetConfig `mapstructure:"net"`

    // Command holds per-command timing options
    Command CommandConfig `mapstructure:"command"`
}

// LogConfig defines logger settings.
type LogConfig struct {
    // Level: debug, info, warn, error
    Level string `mapstructure:"level"`
    // Format: console or json
    Format string `mapstructure:"format"`
    // Outputs: list of outputs: stdout, stderr, or file paths
    Outputs []string `mapstructure:"outputs"`

    // Rotation controls file rotation when writing to files
    Rotation RotationConfig `mapstructure:"rotation"`
    // Development toggles development-friendly logging options
    Development bool `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
    Enable     bool   `mapstructure:"enable"`
    Filename   string `mapstructure:"filename"`
    MaxSizeMB  int    `mapstructure:"max_size_mb"`
    MaxBackups int    `mapstructure:"max_backups"`
    MaxAgeDays int    `mapstructure:"max_age_days"`
    Compress   bool   `mapstructure:"compress"`
}

// TelescopeConfig identifies one remote telescope endpoint.
type TelescopeConfig struct {
    // ID is the target identifier carried in envelopes
    ID string `mapstructure:"id"`
    // Kind selects the link type: ws, tcp, or quic
    Kind string `mapstructure:"kind"`
    // Address is the transport-specific endpoint address
    Address string `mapstructure:"address"`
    // Codec selects the wire codec: json (default) or cbor
    Codec string `mapstructure:"codec"`
}

// NetConfig holds dial/reconnect options.
type NetConfig struct {
    DialBackoffInitialMS int `mapstructure:"dial_backoff_initial_ms"`
    DialBackoffMaxMS     int `mapstructure:"dial_backoff_max_ms"`
    DialBackoffJitterMS  int `mapstructure:"dial_backoff_jitter_ms"`
    // SendBuffer bounds frames queued while a link is reconnecting
    SendBuffer int `mapstructure:"send_buffer"`
}

// CommandConfig holds command timing options.
type CommandConfig struct {
    // DefaultTimeoutMS bounds simple commands
    DefaultTimeoutMS int `mapstructure:"default_timeout_ms"`
    // LongTimeoutMS bounds plate-solve-class operations
    LongTimeoutMS int `mapstructure:"long_timeout_ms"`
    // ContinuousIntervalMS is the held-gesture repeat period
    ContinuousIntervalMS int `mapstructure:"continuous_interval_ms"`
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
    return &Config{
        AppName: "scopelink",
        Log: LogConfig{
            Level:   "info",
            Format:  "console",
            Outputs: []string{"stdout"},
        },
        Net: NetConfig{
            DialBackoffInitialMS: 500,
            DialBackoffMaxMS:     30000,
            DialBackoffJitterMS:  250,
            SendBuffer:           8,
        },
        Command: CommandConfig{
            DefaultTimeoutMS:     5000,
            LongTimeoutMS:        60000,
            ContinuousIntervalMS: 500,
        },
    }
}

// Load reads configuration from path (or well-known locations when empty),
// layered with SCOPELINK_* environment overrides.
func Load(path string) (*Config, error) {
    cfg := Default()

    v := viper.New()
    v.SetConfigType("yaml")
    v.SetEnvPrefix("SCOPELINK")
    v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
    v.AutomaticEnv()

    // seed defaults for viper so env-only configs work
    v.SetDefault("app_name", cfg.AppName)
    v.SetDefault("log.level", cfg.Log.Level)
    v.SetDefault("log.format", cfg.Log.Format)
    v.SetDefault("log.outputs", cfg.Log.Outputs)
    v.SetDefault("log.development", cfg.Log.Development)
    v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
    v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
    v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
    v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
    v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
    v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
    v.SetDefault("telescopes", cfg.Telescopes)
    v.SetDefault("net.dial_backoff_initial_ms", cfg.Net.DialBackoffInitialMS)
    v.SetDefault("net.dial_backoff_max_ms", cfg.Net.DialBackoffMaxMS)
    v.SetDefault("net.dial_backoff_jitter_ms", cfg.Net.DialBackoffJitterMS)
    v.SetDefault("net.send_buffer", cfg.Net.SendBuffer)
    v.SetDefault("command.default_timeout_ms", cfg.Command.DefaultTimeoutMS)
    v.SetDefault("command.long_timeout_ms", cfg.Command.LongTimeoutMS)
    v.SetDefault("command.continuous_interval_ms", cfg.Command.ContinuousIntervalMS)

    if path == "" {
        if envPath := os.Getenv("SCOPELINK_CONFIG"); envPath != "" {
            path = envPath
        }
    }

    if path != "" {
        v.SetConfigFile(path)
    } else {
        v.SetConfigName("scopelink")
        v.AddConfigPath(".")
        v.AddConfigPath("./configs")
        if home, err := os.UserHomeDir(); err == nil {
            v.AddConfigPath(filepath.Join(home, ".scopelink"))
        }
    }

    // Read config file if present; if not found, continue with defaults/env
    if err := v.ReadInConfig(); err != nil {
        var notFound viper.ConfigFileNotFoundError
        if !errors.As(err, &notFound) {
            return nil, fmt.Errorf("read config: %w", err)
        }
    }

    if err := v.Unmarshal(&cfg); err != nil {
        return nil, fmt.Errorf("decode config: %w", err)
    }

    if err := cfg.validate(); err != nil {
        return nil, err
    }
    return cfg, nil
}

func (c *Config) validate() error {
    switch strings.ToLower(c.Log.Level) {
    case "", "debug", "info", "warn", "warning", "error":
    default:
        return fmt.Errorf("invalid log level %q", c.Log.Level)
    }
    switch strings.ToLower(c.Log.Format) {
    case "", "console", "json":
    default:
        return fmt.Errorf("invalid log format %q", c.Log.Format)
    }
    seen := make(map[string]bool, len(c.Telescopes))
    for i, t := range c.Telescopes {
        if t.ID == "" {
            return fmt.Errorf("telescopes[%d]: id is required", i)
        }
        if seen[t.ID] {
            return fmt.Errorf("telescopes[%d]: duplicate id %q", i, t.ID)
        }
        seen[t.ID] = true
        if t.Address == "" {
            return fmt.Errorf("telescope %q: address is required", t.ID)
        }
        switch strings.ToLower(t.Kind) {
        case "", "ws", "tcp", "quic", "mem":
        default:
            return fmt.Errorf("telescope %q: unknown link kind %q", t.ID, t.Kind)
        }
        switch strings.ToLower(t.Codec) {
        case "", "json", "cbor":
        default:
            return fmt.Errorf("telescope %q: unknown codec %q", t.ID, t.Codec)
        }
    }
    if c.Command.DefaultTimeoutMS < 0 || c.Command.LongTimeoutMS < 0 || c.Command.ContinuousIntervalMS < 0 {
        return errors.New("command timings must be non-negative")
    }
    return nil
}

// DialBackoffInitial returns the initial reconnect delay.
func (n NetConfig) DialBackoffInitial() time.Duration {
    return time.Duration(n.DialBackoffInitialMS) * time.Millisecond
}

// DialBackoffMax returns the reconnect delay cap.
func (n NetConfig) DialBackoffMax() time.Duration {
    return time.Duration(n.DialBackoffMaxMS) * time.Millisecond
}

// DialBackoffJitter returns the per-attempt jitter bound.
func (n NetConfig) DialBackoffJitter() time.Duration {
    return time.Duration(n.DialBackoffJitterMS) * time.Millisecond
}

// DefaultTimeout returns the simple-command timeout.
func (c CommandConfig) DefaultTimeout() time.Duration {
    return time.Duration(c.DefaultTimeoutMS) * time.Millisecond
}

// LongTimeout returns the long-operation timeout.
func (c CommandConfig) LongTimeout() time.Duration {
    return time.Duration(c.LongTimeoutMS) * time.Millisecond
}

// ContinuousInterval returns the held-gesture repeat period.
func (c CommandConfig) ContinuousInterval() time.Duration {
    return time.Duration(c.ContinuousIntervalMS) * time.Millisecond
}
