package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/tjfontaine/llm-bridge/internal/domain"
)

func TestLoadDefaultsFromEnv(t *testing.T) {
	t.Setenv("BRIDGE_TARGET__API_KEY", "sk-test")
	t.Setenv("BRIDGE_TARGET__MODEL", "gpt-4o")

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 8742 {
		t.Errorf("port = %d, want default 8742", cfg.Server.Port)
	}
	if cfg.Intercept.Host != "api.anthropic.com" || cfg.Intercept.PathPattern != "/v1/messages" {
		t.Errorf("intercept defaults = %+v", cfg.Intercept)
	}
	if cfg.Target.APIKey != "sk-test" || cfg.Target.Model != "gpt-4o" {
		t.Errorf("target = %+v", cfg.Target)
	}
	if cfg.Relay.MaxRetries != 2 {
		t.Errorf("relay.max_retries = %d, want 2", cfg.Relay.MaxRetries)
	}
	// Clients address the bridge's own host, so the default must not filter
	// on the upstream host or nothing ever gets bridged.
	if !cfg.Intercept.CaptureAllHost {
		t.Error("capture_all_host should default to true")
	}
}

func TestCaptureAllHostExplicitFalseKept(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
intercept:
  capture_all_host: false
target:
  model: gpt-4o
  api_key: sk-file
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	fs := Flags()
	if err := fs.Parse([]string{"--config", path}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}

	cfg, err := Load(fs)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Intercept.CaptureAllHost {
		t.Error("explicit capture_all_host: false must survive defaulting")
	}
}

func TestLoadInvalidPathPatternIsFatal(t *testing.T) {
	t.Setenv("BRIDGE_TARGET__API_KEY", "sk-test")
	t.Setenv("BRIDGE_TARGET__MODEL", "gpt-4o")
	t.Setenv("BRIDGE_INTERCEPT__PATH_PATTERN", "[")

	_, err := Load(nil)
	var bridgeErr *domain.BridgeError
	if !errors.As(err, &bridgeErr) || bridgeErr.Stage != domain.StageConfiguration {
		t.Fatalf("err = %v, want configuration stage error", err)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  port: 9090
target:
  model: gpt-4o-mini
  api_key: sk-file
storage:
  type: sqlite
  sqlite:
    path: bridge.db
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	fs := Flags()
	if err := fs.Parse([]string{"--config", path}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}

	cfg, err := Load(fs)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 9090 || cfg.Target.Model != "gpt-4o-mini" {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.Storage.Type != "sqlite" || cfg.Storage.SQLite.Path != "bridge.db" {
		t.Errorf("storage = %+v", cfg.Storage)
	}
}

func TestFlagsOverrideFile(t *testing.T) {
	t.Setenv("BRIDGE_TARGET__API_KEY", "sk-test")
	t.Setenv("BRIDGE_TARGET__MODEL", "gpt-4o")

	fs := Flags()
	if err := fs.Parse([]string{"--server.port", "7001", "--target.model", "gpt-4o-mini"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}

	cfg, err := Load(fs)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 7001 {
		t.Errorf("port = %d, want flag value 7001", cfg.Server.Port)
	}
	if cfg.Target.Model != "gpt-4o-mini" {
		t.Errorf("model = %q, want flag value", cfg.Target.Model)
	}
}

func TestLoadMissingAPIKeyIsFatal(t *testing.T) {
	t.Setenv("BRIDGE_TARGET__MODEL", "gpt-4o")
	t.Setenv("BRIDGE_TARGET__API_KEY", "")

	_, err := Load(nil)
	var bridgeErr *domain.BridgeError
	if !errors.As(err, &bridgeErr) || bridgeErr.Stage != domain.StageConfiguration {
		t.Fatalf("err = %v, want configuration stage error", err)
	}
}

func TestAPIKeyEnvSubstitution(t *testing.T) {
	t.Setenv("MY_SECRET", "sk-resolved")
	t.Setenv("BRIDGE_TARGET__MODEL", "gpt-4o")
	t.Setenv("BRIDGE_TARGET__API_KEY", "${MY_SECRET}")

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Target.APIKey != "sk-resolved" {
		t.Errorf("api key = %q, want substituted value", cfg.Target.APIKey)
	}
}

func TestUnknownStorageTypeRejected(t *testing.T) {
	t.Setenv("BRIDGE_TARGET__API_KEY", "sk-test")
	t.Setenv("BRIDGE_TARGET__MODEL", "gpt-4o")
	t.Setenv("BRIDGE_STORAGE__TYPE", "etcd")

	if _, err := Load(nil); err == nil {
		t.Fatal("expected error for unknown storage type")
	}
}
