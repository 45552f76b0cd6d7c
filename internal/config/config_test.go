package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Port != "8443" {
		t.Fatalf("unexpected port: %s", cfg.Port)
	}
	if cfg.GenerateTimeout != 120*time.Second {
		t.Fatalf("unexpected generate timeout: %s", cfg.GenerateTimeout)
	}
	if cfg.ListTimeout != 10*time.Second {
		t.Fatalf("unexpected list timeout: %s", cfg.ListTimeout)
	}
	if cfg.UpstreamInsecureSkipVerify {
		t.Fatalf("TLS verification must be on by default")
	}
	if cfg.ReadBufferSize != 32*1024 {
		t.Fatalf("unexpected read buffer size: %d", cfg.ReadBufferSize)
	}
	if got := cfg.Origins(); len(got) != 1 || got[0] != "*" {
		t.Fatalf("unexpected origins: %v", got)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("RELAY_PORT", "9000")
	t.Setenv("RELAY_GENERATE_TIMEOUT", "45s")
	t.Setenv("RELAY_UPSTREAM_INSECURE_SKIP_VERIFY", "true")
	t.Setenv("RELAY_ALLOWED_ORIGINS", "http://a.test, http://b.test")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Port != "9000" {
		t.Fatalf("unexpected port: %s", cfg.Port)
	}
	if cfg.GenerateTimeout != 45*time.Second {
		t.Fatalf("unexpected generate timeout: %s", cfg.GenerateTimeout)
	}
	if !cfg.UpstreamInsecureSkipVerify {
		t.Fatalf("expected insecure mode to be enabled")
	}
	if got := cfg.Origins(); len(got) != 2 || got[1] != "http://b.test" {
		t.Fatalf("unexpected origins: %v", got)
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	path := filepath.Join(dir, "relay.yaml")
	if err := os.WriteFile(path, []byte("list_timeout: 3s\nlog_level: debug\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("RELAY_CONFIG_FILE", path)
	t.Setenv("RELAY_LOG_LEVEL", "warn")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.ListTimeout != 3*time.Second {
		t.Fatalf("file value not applied: %s", cfg.ListTimeout)
	}
	if cfg.LogLevel != "warn" {
		t.Fatalf("env should override file, got %s", cfg.LogLevel)
	}
}

func TestLoadInvalid(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("RELAY_LIST_TIMEOUT", "0s")

	if _, err := Load(); err == nil {
		t.Fatalf("expected validation error")
	}
}
