package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Config represents application configuration
type Config struct {
	GatewayURL            string   `json:"gateway_url"`
	Token                 string   `json:"token,omitempty"`
	SessionKey            string   `json:"session_key"`
	ClientID              string   `json:"client_id"`
	Locale                string   `json:"locale,omitempty"`
	LogLevel              string   `json:"log_level"` // debug, info, warn, error, none
	LogPath               string   `json:"-"`
	ReconnectDelaySeconds int      `json:"reconnect_delay_seconds,omitempty"`
	AllowedHosts          []string `json:"allowed_hosts,omitempty"` // extra trusted TLS hosts for self-hosted gateways
	StateDir              string   `json:"-"`

	path string
}

func defaultConfigDir() string {
	if dir := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")); dir != "" {
		return filepath.Join(dir, "clawlink")
	}
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".config", "clawlink")
}

// DefaultPath returns the default config file location
func DefaultPath() string {
	return filepath.Join(defaultConfigDir(), "config.json")
}

// Default returns a configuration with sane defaults
func Default() *Config {
	dir := defaultConfigDir()
	return &Config{
		GatewayURL:            "ws://localhost:18789/ws/gateway",
		SessionKey:            "main",
		ClientID:              "clawlink",
		LogLevel:              "info",
		LogPath:               filepath.Join(dir, "clawlink.log"),
		ReconnectDelaySeconds: 3,
		StateDir:              filepath.Join(dir, "state"),
		path:                  DefaultPath(),
	}
}

// Load reads configuration from path, falling back to defaults when the file
// does not exist. Environment variables override file values.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		path = DefaultPath()
	}
	cfg.path = path

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// first run, defaults apply
	default:
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("CLAWLINK_GATEWAY_URL"); v != "" {
		c.GatewayURL = v
	}
	if v := os.Getenv("CLAWLINK_TOKEN"); v != "" {
		c.Token = v
	}
	if v := os.Getenv("CLAWLINK_SESSION"); v != "" {
		c.SessionKey = v
	}
	if v := os.Getenv("CLAWLINK_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

func (c *Config) validate() error {
	if c.GatewayURL == "" {
		return fmt.Errorf("gateway_url is required")
	}
	if !strings.HasPrefix(c.GatewayURL, "ws://") && !strings.HasPrefix(c.GatewayURL, "wss://") {
		return fmt.Errorf("gateway_url must be a ws:// or wss:// URL, got %q", c.GatewayURL)
	}
	if c.SessionKey == "" {
		return fmt.Errorf("session_key is required")
	}
	if c.ReconnectDelaySeconds <= 0 {
		c.ReconnectDelaySeconds = 3
	}
	return nil
}

// Save writes the configuration back to its file with restrictive
// permissions, since it may contain the auth token.
func (c *Config) Save() error {
	if c.path == "" {
		c.path = DefaultPath()
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(c.path, append(data, '\n'), 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
