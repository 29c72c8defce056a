package config

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/ueba/internal/domain"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ueba.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Tier != domain.TierCommunity {
		t.Errorf("expected community tier, got %s", cfg.Tier)
	}
	if cfg.Repository.Driver != "sqlite" {
		t.Errorf("expected sqlite driver, got %s", cfg.Repository.Driver)
	}
	if cfg.Refresher.Interval != time.Hour {
		t.Errorf("expected 1h refresh interval, got %v", cfg.Refresher.Interval)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
repository:
  sqlite_path: /tmp/file.db
cache:
  profile_ttl: 90s
refresher:
  concurrency: 2
`)

	t.Setenv("UEBA_SERVER_PORT", "9191")
	t.Setenv("UEBA_LOGGING_LEVEL", "debug")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Port != 9191 {
		t.Errorf("env should override file: expected 9191, got %d", cfg.Server.Port)
	}
	if cfg.Repository.SQLitePath != "/tmp/file.db" {
		t.Errorf("expected sqlite path from file, got %s", cfg.Repository.SQLitePath)
	}
	if cfg.Cache.ProfileTTL != 90*time.Second {
		t.Errorf("expected 90s profile ttl, got %v", cfg.Cache.ProfileTTL)
	}
	if cfg.Refresher.Concurrency != 2 {
		t.Errorf("expected concurrency 2, got %d", cfg.Refresher.Concurrency)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected debug level from env, got %s", cfg.Logging.Level)
	}
}

func TestLoadProTier(t *testing.T) {
	t.Setenv("UEBA_TIER", "pro")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Repository.Driver != "postgres" || cfg.EventBus.Type != "nats" {
		t.Errorf("expected pro backends, got %s/%s", cfg.Repository.Driver, cfg.EventBus.Type)
	}
	if !cfg.Worker.Enabled {
		t.Error("expected worker enabled in pro tier")
	}
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("missing file should fall back to defaults: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("expected default port, got %d", cfg.Server.Port)
	}
}

func TestLoadInvalid(t *testing.T) {
	t.Run("MalformedFile", func(t *testing.T) {
		path := writeConfig(t, "server: [unterminated")
		_, err := Load(path)
		if !errors.Is(err, domain.ErrConfiguration) {
			t.Errorf("expected ErrConfiguration, got %v", err)
		}
	})

	t.Run("FailsValidation", func(t *testing.T) {
		t.Setenv("UEBA_REPOSITORY_DRIVER", "oracle")
		_, err := Load("")
		if !errors.Is(err, domain.ErrConfiguration) {
			t.Errorf("expected ErrConfiguration, got %v", err)
		}
	})
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer

	logger := NewLogger(domain.LoggingConfig{Level: "warn", Format: "json"}, &buf)
	logger.Info("hidden")
	logger.Warn("shown", "user_id", "u1")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("info should be filtered at warn level")
	}
	if !strings.Contains(out, `"user_id":"u1"`) {
		t.Errorf("expected json attrs, got %s", out)
	}

	buf.Reset()
	NewLogger(domain.LoggingConfig{Format: "text"}, &buf).Info("plain")
	if !strings.Contains(buf.String(), "msg=plain") {
		t.Errorf("expected text format, got %s", buf.String())
	}
}
