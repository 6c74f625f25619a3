// Package config loads relay configuration from an optional YAML file with
// environment-variable overrides (PERCH_*).
package config

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Store backend names.
const (
	BackendInProcess = "in-process"
	BackendRemoteKV  = "remote-kv"
)

// Config is the full relay configuration.
type Config struct {
	ListenPort int    `yaml:"listen-port" env:"PERCH_LISTEN_PORT"`
	BaseDomain string `yaml:"base-domain" env:"PERCH_BASE_DOMAIN"`
	JWTSecret  string `yaml:"jwt-secret" env:"PERCH_JWT_SECRET"`
	Production bool   `yaml:"production" env:"PERCH_PRODUCTION"`

	StoreBackend    string `yaml:"store-backend" env:"PERCH_STORE_BACKEND"`
	StoreConnection string `yaml:"store-connection" env:"PERCH_STORE_CONNECTION"`

	SessionTTLSeconds    int `yaml:"session-ttl-seconds" env:"PERCH_SESSION_TTL_SECONDS"`
	HTTPTimeoutPage      int `yaml:"http-timeout-page" env:"PERCH_HTTP_TIMEOUT_PAGE"`
	HTTPTimeoutAsset     int `yaml:"http-timeout-asset" env:"PERCH_HTTP_TIMEOUT_ASSET"`
	BridgeTimeoutSeconds int `yaml:"bridge-timeout-seconds" env:"PERCH_BRIDGE_TIMEOUT_SECONDS"`
	PendingPerDesktopMax int `yaml:"pending-per-desktop-max" env:"PERCH_PENDING_PER_DESKTOP_MAX"`

	// Sustained tunneled-requests-per-second cap per desktop. 0 disables.
	TunnelRatePerDesktop  float64 `yaml:"tunnel-rate-per-desktop" env:"PERCH_TUNNEL_RATE_PER_DESKTOP"`
	TunnelBurstPerDesktop int     `yaml:"tunnel-burst-per-desktop" env:"PERCH_TUNNEL_BURST_PER_DESKTOP"`

	LogLevel string `yaml:"log-level" env:"PERCH_LOG_LEVEL"`
	LogFile  string `yaml:"log-file" env:"PERCH_LOG_FILE"`
}

// Default returns a config with every knob at its documented default.
func Default() Config {
	return Config{
		ListenPort:            3790,
		BaseDomain:            "localhost",
		StoreBackend:          BackendInProcess,
		SessionTTLSeconds:     3600,
		HTTPTimeoutPage:       30,
		HTTPTimeoutAsset:      60,
		BridgeTimeoutSeconds:  30,
		PendingPerDesktopMax:  1000,
		TunnelBurstPerDesktop: 50,
		LogLevel:              "info",
	}
}

// Load reads the YAML file at path (if non-empty), applies environment
// overrides, then validates.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration, generating an ephemeral JWT secret in
// non-production when none is set.
func (c *Config) Validate() error {
	if c.ListenPort <= 0 || c.ListenPort > 65535 {
		return fmt.Errorf("listen-port %d out of range", c.ListenPort)
	}
	if c.BaseDomain == "" {
		return fmt.Errorf("base-domain is required")
	}
	switch c.StoreBackend {
	case BackendInProcess:
	case BackendRemoteKV:
		if c.StoreConnection == "" {
			return fmt.Errorf("store-connection is required for %s backend", BackendRemoteKV)
		}
	default:
		return fmt.Errorf("store-backend must be %q or %q", BackendRemoteKV, BackendInProcess)
	}
	if c.SessionTTLSeconds <= 0 {
		return fmt.Errorf("session-ttl-seconds must be positive")
	}
	if c.HTTPTimeoutPage <= 0 || c.HTTPTimeoutAsset <= 0 || c.BridgeTimeoutSeconds <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	if c.JWTSecret == "" {
		if c.Production {
			return fmt.Errorf("jwt-secret is required in production")
		}
		secret := make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return fmt.Errorf("generate jwt secret: %w", err)
		}
		c.JWTSecret = base64.StdEncoding.EncodeToString(secret)
	}
	return nil
}

// SecretBytes decodes the JWT secret. Base64 input is decoded; anything
// else is used as raw key material.
func (c *Config) SecretBytes() []byte {
	if b, err := base64.StdEncoding.DecodeString(c.JWTSecret); err == nil && len(b) > 0 {
		return b
	}
	return []byte(c.JWTSecret)
}

func (c *Config) SessionTTL() time.Duration { return time.Duration(c.SessionTTLSeconds) * time.Second }
func (c *Config) PageTimeout() time.Duration {
	return time.Duration(c.HTTPTimeoutPage) * time.Second
}
func (c *Config) AssetTimeout() time.Duration {
	return time.Duration(c.HTTPTimeoutAsset) * time.Second
}
func (c *Config) BridgeTimeout() time.Duration {
	return time.Duration(c.BridgeTimeoutSeconds) * time.Second
}
