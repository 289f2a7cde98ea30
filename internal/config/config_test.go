package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()
	if cfg.Database.Driver != "sqlite" {
		t.Errorf("expected sqlite, got %s", cfg.Database.Driver)
	}
	if cfg.Polling.DefaultIntervalSeconds != 60 {
		t.Errorf("expected 60, got %d", cfg.Polling.DefaultIntervalSeconds)
	}
	if cfg.Engine.MaxPasses != 1000 {
		t.Errorf("expected 1000, got %d", cfg.Engine.MaxPasses)
	}
}

func TestLoadFromTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.toml")
	os.WriteFile(path, []byte(`
[database]
driver = "postgres"
dsn = "postgres://localhost/flume"

[polling]
default_interval_seconds = 120
`), 0644)

	cfg := Load(path)
	if cfg.Database.Driver != "postgres" {
		t.Errorf("expected postgres, got %s", cfg.Database.Driver)
	}
	if cfg.Polling.DefaultIntervalSeconds != 120 {
		t.Errorf("expected 120, got %d", cfg.Polling.DefaultIntervalSeconds)
	}
	// Defaults preserved
	if cfg.Engine.MaxPasses != 1000 {
		t.Errorf("default should be preserved, got %d", cfg.Engine.MaxPasses)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("FLUME_DATABASE_DRIVER", "postgres")
	t.Setenv("FLUME_GOOGLE_CLIENT_ID", "gid")
	t.Setenv("FLUME_POLL_INTERVAL_SECONDS", "30")

	cfg := Load("/nonexistent/path.toml")
	if cfg.Database.Driver != "postgres" {
		t.Errorf("expected postgres, got %s", cfg.Database.Driver)
	}
	if cfg.OAuth.Google.ClientID != "gid" {
		t.Errorf("expected gid, got %s", cfg.OAuth.Google.ClientID)
	}
	if cfg.Polling.DefaultIntervalSeconds != 30 {
		t.Errorf("expected 30, got %d", cfg.Polling.DefaultIntervalSeconds)
	}
}
