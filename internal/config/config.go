package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"dario.cat/mergo"
	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Config represents the global ~/.chatvault/config.toml.
type Config struct {
	DefaultSession string    `toml:"default_session"`
	Telegram       Telegram  `toml:"telegram"`
	Sync           Sync      `toml:"sync"`
	Embedding      Embedding `toml:"embedding"`
	Search         Search    `toml:"search"`
	Metrics        Metrics   `toml:"metrics"`
}

type Telegram struct {
	AppID             int     `toml:"app_id"`
	AppHash           string  `toml:"app_hash"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

type Sync struct {
	// Method is history or takeout.
	Method        string        `toml:"method"`
	PageSize      int           `toml:"page_size"`
	TakeoutQuota  int64         `toml:"takeout_quota"`
	RetryAttempts int           `toml:"retry_attempts"`
	RetryBase     time.Duration `toml:"retry_base"`
	RetryMax      time.Duration `toml:"retry_max"`
	WriteBatch    int           `toml:"write_batch"`
	// Schedule is a cron spec for incremental sync of every known chat.
	// Empty disables it.
	Schedule string `toml:"schedule"`
}

type Embedding struct {
	Provider    string `toml:"provider"`
	Model       string `toml:"model"`
	Dimensions  int    `toml:"dimensions"`
	BaseURL     string `toml:"base_url"`
	APIKey      string `toml:"api_key"`
	BatchSize   int    `toml:"batch_size"`
	Concurrency int    `toml:"concurrency"`
}

type Search struct {
	OverFetch     int     `toml:"over_fetch"`
	FusionBonus   float64 `toml:"fusion_bonus"`
	MinSimilarity float64 `toml:"min_similarity"`
}

type Metrics struct {
	// Listen is the address of the /metrics endpoint. Empty disables it.
	Listen string `toml:"listen"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		DefaultSession: "main",
		Telegram: Telegram{
			RequestsPerSecond: 3,
		},
		Sync: Sync{
			Method:        "history",
			PageSize:      100,
			TakeoutQuota:  1 << 30,
			RetryAttempts: 5,
			RetryBase:     500 * time.Millisecond,
			RetryMax:      30 * time.Second,
			WriteBatch:    200,
		},
		Embedding: Embedding{
			Provider:    "none",
			BatchSize:   100,
			Concurrency: 8,
		},
		Search: Search{
			OverFetch:   1000,
			FusionBonus: 0.3,
		},
	}
}

// Load reads config from the given path. Returns zero config and error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadWithDefaults reads path, fills unset fields from Default and applies
// environment overrides. A missing file yields the defaults.
func LoadWithDefaults(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		cfg, err = &Config{}, nil
	}
	if err != nil {
		return nil, err
	}
	if err := mergo.Merge(cfg, Default()); err != nil {
		return nil, err
	}
	applyEnv(cfg)
	return cfg, nil
}

// LoadEnvFile loads KEY=value pairs from path into the process environment
// without overriding variables that are already set. A missing file is fine.
func LoadEnvFile(path string) error {
	err := godotenv.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// Environment variables that override file settings.
const (
	EnvAppID       = "CHATVAULT_TG_APP_ID"
	EnvAppHash     = "CHATVAULT_TG_APP_HASH"
	EnvEmbedAPIKey = "CHATVAULT_EMBED_API_KEY"
	EnvEmbedURL    = "CHATVAULT_EMBED_BASE_URL"
)

func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvAppID); v != "" {
		if id, err := strconv.Atoi(v); err == nil {
			cfg.Telegram.AppID = id
		}
	}
	if v := os.Getenv(EnvAppHash); v != "" {
		cfg.Telegram.AppHash = v
	}
	if v := os.Getenv(EnvEmbedAPIKey); v != "" {
		cfg.Embedding.APIKey = v
	}
	if v := os.Getenv(EnvEmbedURL); v != "" {
		cfg.Embedding.BaseURL = v
	}
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
