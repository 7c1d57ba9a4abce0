package model

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig describes the API server the client talks to.
type ServerConfig struct {
	// BaseURL is the server root; API routes live under BaseURL + "/api".
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`

	// TimeoutSec bounds each request/response call. The event stream
	// is not subject to it.
	TimeoutSec int `mapstructure:"timeout_sec" yaml:"timeout_sec"`
}

// StreamConfig tunes the event stream reconnect policy.
type StreamConfig struct {
	// MinRetryMS is the floor between two connection attempts.
	MinRetryMS int `mapstructure:"min_retry_ms" yaml:"min_retry_ms"`

	// MaxRetryMS caps the exponential backoff.
	MaxRetryMS int `mapstructure:"max_retry_ms" yaml:"max_retry_ms"`

	// IdleTimeoutSec forces a reconnect when no frame arrives for this
	// long. Zero disables the check.
	IdleTimeoutSec int `mapstructure:"idle_timeout_sec" yaml:"idle_timeout_sec"`
}

// NotificationsConfig controls the in-memory notification store.
type NotificationsConfig struct {
	Capacity int  `mapstructure:"capacity" yaml:"capacity"`
	Dedupe   bool `mapstructure:"dedupe" yaml:"dedupe"`
}

// HistoryConfig locates the notification journal.
type HistoryConfig struct {
	DBPath string `mapstructure:"db_path" yaml:"db_path"`
}

// DisplayConfig holds UI/rendering preferences.
type DisplayConfig struct {
	Theme string `mapstructure:"theme" yaml:"theme"`
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	Server        ServerConfig        `mapstructure:"server" yaml:"server"`
	Stream        StreamConfig        `mapstructure:"stream" yaml:"stream"`
	Notifications NotificationsConfig `mapstructure:"notifications" yaml:"notifications"`
	History       HistoryConfig       `mapstructure:"history" yaml:"history"`
	Display       DisplayConfig       `mapstructure:"display" yaml:"display"`
}

// RequestTimeout returns the per-request timeout as a duration.
func (c *AppConfig) RequestTimeout() time.Duration {
	return time.Duration(c.Server.TimeoutSec) * time.Second
}

// MinRetryDelay returns the stream reconnect floor.
func (c *AppConfig) MinRetryDelay() time.Duration {
	return time.Duration(c.Stream.MinRetryMS) * time.Millisecond
}

// MaxRetryDelay returns the stream reconnect cap.
func (c *AppConfig) MaxRetryDelay() time.Duration {
	return time.Duration(c.Stream.MaxRetryMS) * time.Millisecond
}

// IdleTimeout returns the stream idle timeout, zero when disabled.
func (c *AppConfig) IdleTimeout() time.Duration {
	return time.Duration(c.Stream.IdleTimeoutSec) * time.Second
}

// ConfigDir returns ~/.config/topicfeed, falling back to the working
// directory when the home directory cannot be resolved.
func ConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "topicfeed")
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/topicfeed/config.yaml.
func DefaultConfigPath() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// DefaultLogPath returns where the TUI writes its log.
func DefaultLogPath() string {
	return filepath.Join(ConfigDir(), "topicfeed.log")
}

// defaultAppConfig returns a sensible default configuration.
func defaultAppConfig() *AppConfig {
	return &AppConfig{
		Server: ServerConfig{
			BaseURL:    "http://localhost:8080",
			TimeoutSec: 30,
		},
		Stream: StreamConfig{
			MinRetryMS: 1000,
			MaxRetryMS: 30000,
		},
		Notifications: NotificationsConfig{
			Capacity: 100,
		},
		History: HistoryConfig{
			DBPath: filepath.Join(ConfigDir(), "history.db"),
		},
		Display: DisplayConfig{
			Theme: "default",
		},
	}
}

// LoadConfig reads configuration from the given YAML file path using Viper.
// If the file does not exist, it returns a default configuration.
// Values can be overridden with TOPICFEED_* environment variables, e.g.
// TOPICFEED_SERVER_BASE_URL.
func LoadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("topicfeed")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultAppConfig()

	// Set defaults so missing keys resolve to sensible values; this also
	// makes every key visible to AutomaticEnv during Unmarshal.
	v.SetDefault("server.base_url", def.Server.BaseURL)
	v.SetDefault("server.timeout_sec", def.Server.TimeoutSec)
	v.SetDefault("stream.min_retry_ms", def.Stream.MinRetryMS)
	v.SetDefault("stream.max_retry_ms", def.Stream.MaxRetryMS)
	v.SetDefault("stream.idle_timeout_sec", def.Stream.IdleTimeoutSec)
	v.SetDefault("notifications.capacity", def.Notifications.Capacity)
	v.SetDefault("notifications.dedupe", def.Notifications.Dedupe)
	v.SetDefault("history.db_path", def.History.DBPath)
	v.SetDefault("display.theme", def.Display.Theme)

	// A missing file is not an error: defaults and environment still apply.
	if err := v.ReadInConfig(); err != nil {
		_, isPathErr := err.(*os.PathError)
		_, isNotFound := err.(viper.ConfigFileNotFoundError)
		if !isPathErr && !isNotFound {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg := defaultAppConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	cfg.Server.BaseURL = strings.TrimRight(cfg.Server.BaseURL, "/")
	if cfg.Server.TimeoutSec <= 0 {
		cfg.Server.TimeoutSec = def.Server.TimeoutSec
	}
	if cfg.Stream.MinRetryMS <= 0 {
		cfg.Stream.MinRetryMS = def.Stream.MinRetryMS
	}
	if cfg.Stream.MaxRetryMS < cfg.Stream.MinRetryMS {
		cfg.Stream.MaxRetryMS = cfg.Stream.MinRetryMS
	}
	if cfg.Notifications.Capacity <= 0 {
		cfg.Notifications.Capacity = def.Notifications.Capacity
	}

	return cfg, nil
}

// SaveConfig writes the given configuration to a YAML file at path,
// creating parent directories if needed.
func SaveConfig(path string, cfg *AppConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("server", cfg.Server)
	v.Set("stream", cfg.Stream)
	v.Set("notifications", cfg.Notifications)
	v.Set("history", cfg.History)
	v.Set("display", cfg.Display)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}

	return nil
}
