package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Config holds the effective gateway configuration, loaded from a single
// JSON file. All intervals are expressed in milliseconds in the file, as
// the browser side counts them.
type Config struct {
	Port                       int      `json:"port"`
	WsMaxPayload               int64    `json:"wsMaxPayload"`
	WsHeartbeatIntervalMs      int      `json:"wsHeartbeatIntervalMs"`
	WsAuthTimeoutMs            int      `json:"wsAuthTimeoutMs"`
	WsTicketTtlMs              int      `json:"wsTicketTtlMs"`
	WsTicketMaxKubeconfigBytes int      `json:"wsTicketMaxKubeconfigBytes"`
	WsAllowedOrigins           []string `json:"wsAllowedOrigins"`
	Debug                      bool     `json:"debug"`
}

// Default returns the built-in configuration used when no file is present.
func Default() *Config {
	return &Config{
		Port:                       8080,
		WsMaxPayload:               1 << 20, // 1 MiB
		WsHeartbeatIntervalMs:      30000,
		WsAuthTimeoutMs:            10000,
		WsTicketTtlMs:              60000,
		WsTicketMaxKubeconfigBytes: 128 << 10, // 128 KiB
		WsAllowedOrigins:           nil,
		Debug:                      false,
	}
}

// Load reads the JSON config file at path. A missing file yields defaults;
// present keys override defaults, absent keys keep them.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects values the gateway cannot run with.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port out of range: %d", c.Port)
	}
	if c.WsMaxPayload < 1024 {
		return fmt.Errorf("wsMaxPayload too small: %d", c.WsMaxPayload)
	}
	if c.WsHeartbeatIntervalMs < 1 {
		return fmt.Errorf("wsHeartbeatIntervalMs must be positive: %d", c.WsHeartbeatIntervalMs)
	}
	if c.WsAuthTimeoutMs < 1 {
		return fmt.Errorf("wsAuthTimeoutMs must be positive: %d", c.WsAuthTimeoutMs)
	}
	if c.WsTicketTtlMs < 1 {
		return fmt.Errorf("wsTicketTtlMs must be positive: %d", c.WsTicketTtlMs)
	}
	if c.WsTicketMaxKubeconfigBytes < 1 {
		return fmt.Errorf("wsTicketMaxKubeconfigBytes must be positive: %d", c.WsTicketMaxKubeconfigBytes)
	}
	return nil
}

// HeartbeatInterval returns the heartbeat period as a duration.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.WsHeartbeatIntervalMs) * time.Millisecond
}

// AuthTimeout returns the pre-auth grace period as a duration.
func (c *Config) AuthTimeout() time.Duration {
	return time.Duration(c.WsAuthTimeoutMs) * time.Millisecond
}

// TicketTTL returns the ticket lifetime as a duration.
func (c *Config) TicketTTL() time.Duration {
	return time.Duration(c.WsTicketTtlMs) * time.Millisecond
}

// OriginAllowed reports whether the given Origin header value passes the
// allowlist. An empty allowlist admits every origin, including a missing
// header; a non-empty one requires an exact match.
func (c *Config) OriginAllowed(origin string) bool {
	if len(c.WsAllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range c.WsAllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}
