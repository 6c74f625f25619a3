package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenPort != 3790 {
		t.Errorf("listen port = %d", cfg.ListenPort)
	}
	if cfg.StoreBackend != BackendInProcess {
		t.Errorf("store backend = %q", cfg.StoreBackend)
	}
	if cfg.SessionTTL() != time.Hour {
		t.Errorf("session ttl = %v", cfg.SessionTTL())
	}
	if cfg.PageTimeout() != 30*time.Second || cfg.AssetTimeout() != 60*time.Second {
		t.Errorf("timeouts = %v / %v", cfg.PageTimeout(), cfg.AssetTimeout())
	}
	// Non-production gets an ephemeral secret.
	if cfg.JWTSecret == "" {
		t.Error("expected generated jwt secret")
	}
	if len(cfg.SecretBytes()) == 0 {
		t.Error("empty secret bytes")
	}
}

func TestLoadYAMLAndEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "perch.yaml")
	yaml := "listen-port: 4000\nbase-domain: relay.example\nstore-backend: in-process\nsession-ttl-seconds: 120\n"
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("PERCH_LISTEN_PORT", "5000")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenPort != 5000 {
		t.Errorf("env override lost: listen port = %d", cfg.ListenPort)
	}
	if cfg.BaseDomain != "relay.example" {
		t.Errorf("base domain = %q", cfg.BaseDomain)
	}
	if cfg.SessionTTL() != 2*time.Minute {
		t.Errorf("session ttl = %v", cfg.SessionTTL())
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.ListenPort = 0 }},
		{"empty base domain", func(c *Config) { c.BaseDomain = "" }},
		{"unknown backend", func(c *Config) { c.StoreBackend = "dynamo" }},
		{"remote-kv without connection", func(c *Config) { c.StoreBackend = BackendRemoteKV }},
		{"zero ttl", func(c *Config) { c.SessionTTLSeconds = 0 }},
		{"zero page timeout", func(c *Config) { c.HTTPTimeoutPage = 0 }},
		{"production without secret", func(c *Config) { c.Production = true }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}

	cfg := Default()
	cfg.StoreBackend = BackendRemoteKV
	cfg.StoreConnection = "localhost:6379"
	if err := cfg.Validate(); err != nil {
		t.Errorf("valid remote-kv config rejected: %v", err)
	}
}

func TestSecretBytes(t *testing.T) {
	c := Config{JWTSecret: "aGVsbG8="} // base64 "hello"
	if got := string(c.SecretBytes()); got != "hello" {
		t.Errorf("base64 secret = %q, want hello", got)
	}
	c = Config{JWTSecret: "not base64!!"}
	if got := string(c.SecretBytes()); got != "not base64!!" {
		t.Errorf("raw secret = %q", got)
	}
}
