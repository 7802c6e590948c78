package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	cfg := &Config{DefaultSession: "work"}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.DefaultSession != "work" {
		t.Errorf("DefaultSession = %q, want %q", loaded.DefaultSession, "work")
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if err == nil {
		t.Error("Load() expected error for missing file")
	}
}

func TestSavePermissions(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	if err := Save(path, &Config{DefaultSession: "main"}); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	perm := info.Mode().Perm()
	if perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}

func TestLoadWithDefaultsMissingFile(t *testing.T) {
	cfg, err := LoadWithDefaults(filepath.Join(t.TempDir(), "config.toml"))
	if err != nil {
		t.Fatal(err)
	}
	def := Default()
	if cfg.Sync.PageSize != def.Sync.PageSize || cfg.Search.FusionBonus != def.Search.FusionBonus {
		t.Errorf("defaults not applied: %+v", cfg)
	}
	if cfg.DefaultSession != "main" {
		t.Errorf("DefaultSession = %q", cfg.DefaultSession)
	}
}

func TestLoadWithDefaultsKeepsFileValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	data := `
default_session = "work"

[sync]
method = "takeout"
page_size = 50
retry_base = "2s"

[search]
over_fetch = 200
`
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadWithDefaults(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DefaultSession != "work" || cfg.Sync.Method != "takeout" || cfg.Sync.PageSize != 50 {
		t.Errorf("file values lost: %+v", cfg.Sync)
	}
	if cfg.Sync.RetryBase != 2*time.Second {
		t.Errorf("RetryBase = %s", cfg.Sync.RetryBase)
	}
	if cfg.Sync.RetryMax != 30*time.Second {
		t.Errorf("RetryMax = %s, want default", cfg.Sync.RetryMax)
	}
	if cfg.Search.OverFetch != 200 || cfg.Search.FusionBonus != 0.3 {
		t.Errorf("search = %+v", cfg.Search)
	}
}

func TestEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	if err := os.WriteFile(envPath, []byte("CHATVAULT_TG_APP_HASH=abc123\nCHATVAULT_TG_APP_ID=42\n"), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv(EnvAppHash, "")
	t.Setenv(EnvAppID, "")
	os.Unsetenv(EnvAppHash)
	os.Unsetenv(EnvAppID)

	if err := LoadEnvFile(envPath); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadWithDefaults(filepath.Join(dir, "config.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Telegram.AppHash != "abc123" || cfg.Telegram.AppID != 42 {
		t.Errorf("telegram = %+v", cfg.Telegram)
	}

	if err := LoadEnvFile(filepath.Join(dir, "missing.env")); err != nil {
		t.Errorf("missing env file should be ignored, got %v", err)
	}
}
