package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

const (
	DefaultConfigPath      = "config.toml"
	DefaultEnvPath         = ".env"
	DefaultHTTPAddr        = ":8080"
	DefaultPGHost          = "127.0.0.1"
	DefaultPGPort          = 5432
	DefaultPGUser          = "postgres"
	DefaultPGDatabase      = "clinicdesk"
	DefaultPGSSLMode       = "disable"
	DefaultChannel         = "whatsapp"
	DefaultCountryCode     = "55"
	DefaultProviderTimeout = 15
	DefaultFeedChannel     = "inbox_changes"
	DefaultCacheBackend    = "memory"

	FeedModeNotify = "notify"
	FeedModeInline = "inline"
)

// Environment overrides applied after the TOML file is decoded.
const (
	EnvConfigPath    = "CONFIG_PATH"
	EnvDatabaseURL   = "CLINICDESK_DATABASE_URL"
	EnvProviderToken = "CLINICDESK_PROVIDER_TOKEN"
	EnvRedisURL      = "CLINICDESK_REDIS_URL"
)

type Config struct {
	Log      LogConfig      `toml:"log"`
	Server   ServerConfig   `toml:"server"`
	Postgres PostgresConfig `toml:"postgres"`
	Schema   SchemaConfig   `toml:"schema"`
	Inbox    InboxConfig    `toml:"inbox"`
	Provider ProviderConfig `toml:"provider"`
	Feed     FeedConfig     `toml:"feed"`
	Cache    CacheConfig    `toml:"cache"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
}

type PostgresConfig struct {
	URL      string `toml:"url"`
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	Database string `toml:"database"`
	SSLMode  string `toml:"sslmode"`
	MaxConns int32  `toml:"max_conns"`
}

// DSN returns the connection string, preferring an explicit URL.
func (c PostgresConfig) DSN() string {
	if url := strings.TrimSpace(c.URL); url != "" {
		return url
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s", c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode)
}

// SchemaConfig pins schema capabilities instead of detecting them at startup.
// Empty values mean "detect".
type SchemaConfig struct {
	ExternalIDColumn string `toml:"external_id_column"`
	Upsert           string `toml:"upsert"`
}

type InboxConfig struct {
	Channel string `toml:"channel"`
}

type ProviderConfig struct {
	BaseURL        string `toml:"base_url"`
	Token          string `toml:"token"`
	CountryCode    string `toml:"country_code"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

type FeedConfig struct {
	Mode    string `toml:"mode"`
	Channel string `toml:"channel"`
}

type CacheConfig struct {
	Backend  string `toml:"backend"`
	RedisURL string `toml:"redis_url"`
	Prefix   string `toml:"prefix"`
}

func Load(path string) (Config, error) {
	cfg := Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Addr: DefaultHTTPAddr,
		},
		Postgres: PostgresConfig{
			Host:     DefaultPGHost,
			Port:     DefaultPGPort,
			User:     DefaultPGUser,
			Database: DefaultPGDatabase,
			SSLMode:  DefaultPGSSLMode,
		},
		Inbox: InboxConfig{
			Channel: DefaultChannel,
		},
		Provider: ProviderConfig{
			CountryCode:    DefaultCountryCode,
			TimeoutSeconds: DefaultProviderTimeout,
		},
		Feed: FeedConfig{
			Mode:    FeedModeNotify,
			Channel: DefaultFeedChannel,
		},
		Cache: CacheConfig{
			Backend: DefaultCacheBackend,
			Prefix:  "clinicdesk:",
		},
	}

	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err != nil {
		if !os.IsNotExist(err) {
			return cfg, err
		}
	} else if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, err
	}

	if err := loadDotEnv(DefaultEnvPath); err != nil {
		return cfg, err
	}
	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects values that would otherwise fail late at runtime.
func (c Config) Validate() error {
	switch c.Feed.Mode {
	case FeedModeNotify, FeedModeInline:
	default:
		return fmt.Errorf("feed.mode must be %q or %q, got %q", FeedModeNotify, FeedModeInline, c.Feed.Mode)
	}
	switch strings.ToLower(strings.TrimSpace(c.Schema.Upsert)) {
	case "", "auto", "on", "off":
	default:
		return fmt.Errorf("schema.upsert must be auto, on or off, got %q", c.Schema.Upsert)
	}
	switch c.Cache.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("cache.backend must be memory or redis, got %q", c.Cache.Backend)
	}
	if c.Cache.Backend == "redis" && strings.TrimSpace(c.Cache.RedisURL) == "" {
		return fmt.Errorf("cache.redis_url is required for the redis backend")
	}
	return nil
}

func loadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	// Load never overwrites variables already present in the environment.
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv(EnvDatabaseURL)); v != "" {
		cfg.Postgres.URL = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvProviderToken)); v != "" {
		cfg.Provider.Token = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvRedisURL)); v != "" {
		cfg.Cache.RedisURL = v
	}
}
