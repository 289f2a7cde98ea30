package config

import (
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Database DatabaseConfig `toml:"database"`
	OAuth    OAuthConfig    `toml:"oauth"`
	Polling  PollingConfig  `toml:"polling"`
	Engine   EngineConfig   `toml:"engine"`
	Observer ObserverConfig `toml:"observer"`
}

type DatabaseConfig struct {
	Driver string `toml:"driver"`
	DSN    string `toml:"dsn"`
	Path   string `toml:"path"`
}

type OAuthConfig struct {
	Google GoogleOAuthConfig `toml:"google"`
	TikTok TikTokOAuthConfig `toml:"tiktok"`
}

type GoogleOAuthConfig struct {
	ClientID     string `toml:"client_id"`
	ClientSecret string `toml:"client_secret"`
}

type TikTokOAuthConfig struct {
	ClientKey    string `toml:"client_key"`
	ClientSecret string `toml:"client_secret"`
}

type PollingConfig struct {
	DefaultIntervalSeconds int `toml:"default_interval_seconds"`
	ResumeStaggerMillis    int `toml:"resume_stagger_millis"`
}

type EngineConfig struct {
	MaxPasses int `toml:"max_passes"`
}

type ObserverConfig struct {
	Enabled bool `toml:"enabled"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Database: DatabaseConfig{Driver: "sqlite", Path: "flume.db"},
		Polling:  PollingConfig{DefaultIntervalSeconds: 60, ResumeStaggerMillis: 250},
		Engine:   EngineConfig{MaxPasses: 1000},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "flume.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("FLUME_DATABASE_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("FLUME_DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("FLUME_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("FLUME_GOOGLE_CLIENT_ID"); v != "" {
		cfg.OAuth.Google.ClientID = v
	}
	if v := os.Getenv("FLUME_GOOGLE_CLIENT_SECRET"); v != "" {
		cfg.OAuth.Google.ClientSecret = v
	}
	if v := os.Getenv("FLUME_TIKTOK_CLIENT_KEY"); v != "" {
		cfg.OAuth.TikTok.ClientKey = v
	}
	if v := os.Getenv("FLUME_TIKTOK_CLIENT_SECRET"); v != "" {
		cfg.OAuth.TikTok.ClientSecret = v
	}
	if v := os.Getenv("FLUME_POLL_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Polling.DefaultIntervalSeconds = n
		}
	}
	if os.Getenv("FLUME_OBSERVER_ENABLED") == "true" || os.Getenv("FLUME_OBSERVER_ENABLED") == "1" {
		cfg.Observer.Enabled = true
	}

	return cfg
}
