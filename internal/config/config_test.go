package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("BACKEND_URL", "")
	t.Setenv("AUTOSAVE_INTERVAL", "")
	t.Setenv("RECONNECT_MAX_ATTEMPTS", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.AutoSaveInterval != 5*time.Second {
		t.Fatalf("AutoSaveInterval = %s, want 5s", cfg.AutoSaveInterval)
	}
	if cfg.HandshakeTimeout != 10*time.Second {
		t.Fatalf("HandshakeTimeout = %s, want 10s", cfg.HandshakeTimeout)
	}
	if cfg.ReconnectMaxAttempts != 5 {
		t.Fatalf("ReconnectMaxAttempts = %d, want 5", cfg.ReconnectMaxAttempts)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("BACKEND_URL", "https://collab.example.com/api/")
	t.Setenv("AUTOSAVE_INTERVAL", "2500")
	t.Setenv("HANDSHAKE_TIMEOUT", "3s")
	t.Setenv("RECONNECT_MAX_ATTEMPTS", "7")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.AutoSaveInterval != 2500*time.Millisecond {
		t.Fatalf("AutoSaveInterval = %s, want 2.5s", cfg.AutoSaveInterval)
	}
	if cfg.HandshakeTimeout != 3*time.Second {
		t.Fatalf("HandshakeTimeout = %s, want 3s", cfg.HandshakeTimeout)
	}
	if cfg.ReconnectMaxAttempts != 7 {
		t.Fatalf("ReconnectMaxAttempts = %d, want 7", cfg.ReconnectMaxAttempts)
	}
	if got := cfg.SocketURL(); got != "wss://collab.example.com/api/socket" {
		t.Fatalf("SocketURL() = %q", got)
	}
	if got := cfg.PollingURL(); got != "https://collab.example.com/api/socket/polling" {
		t.Fatalf("PollingURL() = %q", got)
	}
}

func TestProviderURLSharesBackend(t *testing.T) {
	cfg := &Config{BackendURL: "http://localhost:8080"}
	got := cfg.ProviderURL("code-i1", "a b&c")
	want := "ws://localhost:8080/yjs/code-i1?token=a+b%26c"
	if got != want {
		t.Fatalf("ProviderURL() = %q, want %q", got, want)
	}
	if cfg.SocketURL() != "ws://localhost:8080/socket" {
		t.Fatalf("SocketURL() = %q", cfg.SocketURL())
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			BackendURL:           "http://localhost:8080",
			AutoSaveInterval:     time.Second,
			HandshakeTimeout:     time.Second,
			ReconnectMaxAttempts: 5,
			ReconnectDelay:       time.Second,
			ReconnectDelayMax:    5 * time.Second,
			TokenTTL:             time.Hour,
			PersistenceWorkers:   1,
			PersistenceQueueSize: 1,
		}
	}
	if err := valid().Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	broken := map[string]func(*Config){
		"relative url":   func(c *Config) { c.BackendURL = "localhost" },
		"bad scheme":     func(c *Config) { c.BackendURL = "ftp://localhost" },
		"zero autosave":  func(c *Config) { c.AutoSaveInterval = 0 },
		"delay over max": func(c *Config) { c.ReconnectDelay = time.Minute },
		"no workers":     func(c *Config) { c.PersistenceWorkers = 0 },
	}
	for name, mutate := range broken {
		c := valid()
		mutate(c)
		if err := c.Validate(); err == nil {
			t.Fatalf("Validate() accepted %s", name)
		}
	}

	if err := valid().RequireServer(); err == nil {
		t.Fatal("RequireServer() accepted an empty JWT secret")
	}
}
