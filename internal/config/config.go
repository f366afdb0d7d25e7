package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Addr string
}

// DatabaseConfig holds the SQLite location.
type DatabaseConfig struct {
	Path string
}

// NATSConfig holds the optional event bus connection. An empty URL
// disables event publishing entirely.
type NATSConfig struct {
	URL string
}

// GoogleConfig holds the OAuth client for the mailbox provider.
type GoogleConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

// VaultConfig holds the credential encryption secret.
type VaultConfig struct {
	EncryptionKey string
}

// JWTConfig holds app session token settings.
type JWTConfig struct {
	Secret string
	Expiry time.Duration
}

// SyncConfig tunes the sync engine, fetcher, limiter and schedulers.
type SyncConfig struct {
	Interval    time.Duration
	SessionIdle time.Duration
	BatchSize   int
	BatchPause  time.Duration
	RateLimit   int
	RateWindow  time.Duration
}

// LogConfig tunes the logger.
type LogConfig struct {
	Level       string
	Development bool
	File        string
}

// Config is the process configuration root.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	NATS     NATSConfig
	Google   GoogleConfig
	Vault    VaultConfig
	JWT      JWTConfig
	Sync     SyncConfig
	Log      LogConfig
}

// Load reads configuration from the environment (prefix MAILSYNC_) and
// an optional .env file, applying defaults and validating the result.
func Load() (*Config, error) {
	_ = godotenv.Load()

	viper.SetEnvPrefix("mailsync")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("server.addr", ":8080")
	viper.SetDefault("database.path", "data/mailsync.db")
	viper.SetDefault("nats.url", "")
	viper.SetDefault("google.client_id", "")
	viper.SetDefault("google.client_secret", "")
	viper.SetDefault("google.redirect_url", "http://localhost:8080/gmail/callback")
	viper.SetDefault("vault.encryption_key", "")
	viper.SetDefault("jwt.secret", "")
	viper.SetDefault("jwt.expiry", "24h")
	viper.SetDefault("sync.interval", "30s")
	viper.SetDefault("sync.session_idle", "15m")
	viper.SetDefault("sync.batch_size", 10)
	viper.SetDefault("sync.batch_pause", "100ms")
	viper.SetDefault("sync.rate_limit", 250)
	viper.SetDefault("sync.rate_window", "1s")
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.development", false)
	viper.SetDefault("log.file", "")

	cfg := &Config{
		Server: ServerConfig{
			Addr: viper.GetString("server.addr"),
		},
		Database: DatabaseConfig{
			Path: viper.GetString("database.path"),
		},
		NATS: NATSConfig{
			URL: viper.GetString("nats.url"),
		},
		Google: GoogleConfig{
			ClientID:     viper.GetString("google.client_id"),
			ClientSecret: viper.GetString("google.client_secret"),
			RedirectURL:  viper.GetString("google.redirect_url"),
		},
		Vault: VaultConfig{
			EncryptionKey: viper.GetString("vault.encryption_key"),
		},
		JWT: JWTConfig{
			Secret: viper.GetString("jwt.secret"),
			Expiry: viper.GetDuration("jwt.expiry"),
		},
		Sync: SyncConfig{
			Interval:    viper.GetDuration("sync.interval"),
			SessionIdle: viper.GetDuration("sync.session_idle"),
			BatchSize:   viper.GetInt("sync.batch_size"),
			BatchPause:  viper.GetDuration("sync.batch_pause"),
			RateLimit:   viper.GetInt("sync.rate_limit"),
			RateWindow:  viper.GetDuration("sync.rate_window"),
		},
		Log: LogConfig{
			Level:       viper.GetString("log.level"),
			Development: viper.GetBool("log.development"),
			File:        viper.GetString("log.file"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Vault.EncryptionKey == "" {
		return fmt.Errorf("vault.encryption_key is required (MAILSYNC_VAULT_ENCRYPTION_KEY)")
	}
	if c.JWT.Secret == "" {
		return fmt.Errorf("jwt.secret is required (MAILSYNC_JWT_SECRET)")
	}
	if len(c.JWT.Secret) < 32 {
		return fmt.Errorf("jwt.secret must be at least 32 characters")
	}
	if c.Google.ClientID == "" || c.Google.ClientSecret == "" {
		return fmt.Errorf("google.client_id and google.client_secret are required")
	}
	if c.Sync.BatchSize <= 0 {
		return fmt.Errorf("sync.batch_size must be positive")
	}
	if c.Sync.RateLimit <= 0 || c.Sync.RateWindow <= 0 {
		return fmt.Errorf("sync.rate_limit and sync.rate_window must be positive")
	}
	return nil
}
