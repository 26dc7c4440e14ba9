package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
)

// These tests use the global Viper instance and environment, so they do not
// run in parallel.

func TestLoadConfig_FileAndEnv(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	path := filepath.Join(t.TempDir(), "mcp-gateway.yaml")
	yaml := `
server:
  http_addr: "0.0.0.0:4000"
  allowed_origins: ["https://app.example"]
gateway:
  session_idle_ttl: "2h"
backend:
  default_command: npx
  default_args: "-y @modelcontextprotocol/server-everything"
  default_env:
    - NODE_ENV=production
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("MCP_GATEWAY_GATEWAY_SESSION_MODE", "single-backend")

	InitViper(path)
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "0.0.0.0:4000" {
		t.Errorf("HTTPAddr = %q", cfg.Server.HTTPAddr)
	}
	if cfg.Gateway.SessionMode != "single-backend" {
		t.Errorf("SessionMode = %q, want env override", cfg.Gateway.SessionMode)
	}
	if got := MustDuration(cfg.Gateway.SessionIdleTTL).Hours(); got != 2 {
		t.Errorf("SessionIdleTTL = %v hours, want 2", got)
	}
	if env := cfg.Backend.DefaultEnvMap(); env["NODE_ENV"] != "production" {
		t.Errorf("DefaultEnvMap() = %v, key case must survive", env)
	}
	if cfg.Gateway.ConnectTimeout != "30s" {
		t.Errorf("ConnectTimeout default = %q", cfg.Gateway.ConnectTimeout)
	}
	if ConfigFileUsed() != path {
		t.Errorf("ConfigFileUsed() = %q, want %q", ConfigFileUsed(), path)
	}
}

func TestLoadConfig_InvalidFileValue(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	path := filepath.Join(t.TempDir(), "mcp-gateway.yaml")
	if err := os.WriteFile(path, []byte("backend:\n  terminate_timeout: forever\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	InitViper(path)
	if _, err := LoadConfig(); err == nil {
		t.Fatal("LoadConfig() expected validation error")
	}
}
