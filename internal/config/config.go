package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/tailscale/hujson"
)

type Config struct {
	Relay   RelayConfig   `json:"relay"`
	Browser BrowserConfig `json:"browser"`
	Store   StoreConfig   `json:"store"`
	Server  ServerConfig  `json:"server"`
	Log     LogConfig     `json:"log"`
}

type RelayConfig struct {
	Endpoint                 string `json:"endpoint"`
	Identity                 string `json:"identity"`
	ConnectTimeoutSeconds    int    `json:"connect_timeout_seconds"`
	KeepaliveIntervalSeconds int    `json:"keepalive_interval_seconds"`
	MaxBackoffSeconds        int    `json:"max_backoff_seconds"`
}

type BrowserConfig struct {
	DebuggerURL          string `json:"debugger_url"`
	ProtocolVersion      string `json:"protocol_version"`
	ActionTimeoutSeconds int    `json:"action_timeout_seconds"`
}

type StoreConfig struct {
	RedisAddr string `json:"redis_addr"`
	KeyPrefix string `json:"key_prefix"`
}

type ServerConfig struct {
	Enabled                 bool   `json:"enabled"`
	ListenAddr              string `json:"listen_addr"`
	RelayPath               string `json:"relay_path"`
	AuthToken               string `json:"auth_token"`
	SelectionTimeoutSeconds int    `json:"selection_timeout_seconds"`
}

type LogConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

func Default() Config {
	return Config{
		Relay: RelayConfig{
			Endpoint:                 os.Getenv("TABRELAY_ENDPOINT"),
			Identity:                 os.Getenv("TABRELAY_IDENTITY"),
			ConnectTimeoutSeconds:    10,
			KeepaliveIntervalSeconds: 30,
			MaxBackoffSeconds:        30,
		},
		Browser: BrowserConfig{
			DebuggerURL:          envOrDefault("TABRELAY_DEBUGGER_URL", "http://127.0.0.1:9222"),
			ProtocolVersion:      "1.3",
			ActionTimeoutSeconds: 30,
		},
		Store: StoreConfig{
			RedisAddr: os.Getenv("REDIS_ADDR"),
			KeyPrefix: "tabrelay:",
		},
		Server: ServerConfig{
			Enabled:                 true,
			ListenAddr:              envOrDefault("TABRELAY_LISTEN_ADDR", "127.0.0.1:8765"),
			RelayPath:               "/relay",
			AuthToken:               os.Getenv("TABRELAY_RELAY_TOKEN"),
			SelectionTimeoutSeconds: 5,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a JSON-with-comments config file over Default. An empty path
// returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config failed: %w", err)
	}

	standard, err := hujson.Standardize(content)
	if err != nil {
		return Config{}, fmt.Errorf("parse config failed: %w", err)
	}
	if err := json.Unmarshal(standard, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config failed: %w", err)
	}

	if cfg.Server.RelayPath == "" {
		cfg.Server.RelayPath = "/relay"
	}
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = "127.0.0.1:8765"
	}
	if cfg.Browser.ProtocolVersion == "" {
		cfg.Browser.ProtocolVersion = "1.3"
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects non-positive durations.
func (c Config) Validate() error {
	var errs []error
	check := func(name string, v int) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, v))
		}
	}
	check("relay.connect_timeout_seconds", c.Relay.ConnectTimeoutSeconds)
	check("relay.keepalive_interval_seconds", c.Relay.KeepaliveIntervalSeconds)
	check("relay.max_backoff_seconds", c.Relay.MaxBackoffSeconds)
	check("browser.action_timeout_seconds", c.Browser.ActionTimeoutSeconds)
	check("server.selection_timeout_seconds", c.Server.SelectionTimeoutSeconds)
	return errors.Join(errs...)
}

func (c RelayConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSeconds) * time.Second
}

func (c RelayConfig) KeepaliveInterval() time.Duration {
	return time.Duration(c.KeepaliveIntervalSeconds) * time.Second
}

func (c RelayConfig) MaxBackoff() time.Duration {
	return time.Duration(c.MaxBackoffSeconds) * time.Second
}

func (c BrowserConfig) ActionTimeout() time.Duration {
	return time.Duration(c.ActionTimeoutSeconds) * time.Second
}

func (c ServerConfig) SelectionTimeout() time.Duration {
	return time.Duration(c.SelectionTimeoutSeconds) * time.Second
}

func envOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
