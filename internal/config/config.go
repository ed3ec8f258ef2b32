// Package config handles configuration loading and validation for the
// LLM chat-completion reverse proxy.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the proxy.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Security  SecurityConfig  `mapstructure:"security"`
	Webhook   WebhookConfig   `mapstructure:"webhook"`
	NewRelic  NewRelicConfig  `mapstructure:"newrelic"`
	Profiling ProfilingConfig `mapstructure:"profiling"`
	Log       LogConfig       `mapstructure:"log"`
}

// ServerConfig defines HTTP listen and storage settings.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	AdminKey        string        `mapstructure:"admin_key"`
	DataDir         string        `mapstructure:"data_dir"`
	UpstreamTimeout time.Duration `mapstructure:"upstream_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
	StatsCache      time.Duration `mapstructure:"stats_cache"`
}

// RedisConfig defines the optional best-effort log mirror.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	URL      string `mapstructure:"url"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	ListKey  string `mapstructure:"list_key"`
	MaxLen   int64  `mapstructure:"max_len"`
}

// SecurityConfig defines the client-facing rate-limit/ban policy.
type SecurityConfig struct {
	RateLimitEnabled bool          `mapstructure:"rate_limit_enabled"`
	ConnectionLimit  int32         `mapstructure:"connection_limit"`
	ConnectionGrace  time.Duration `mapstructure:"connection_grace"`
	LimitJump        int32         `mapstructure:"limit_jump"`

	BanningEnabled bool          `mapstructure:"banning_enabled"`
	BanTimeout     time.Duration `mapstructure:"ban_timeout"`
	MalformedLimit int32         `mapstructure:"malformed_limit"`

	ResetInterval time.Duration `mapstructure:"reset_interval"`
}

// WebhookConfig defines operator alert destinations.
type WebhookConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	DiscordURL   string `mapstructure:"discord_url"`
	TelegramBot  string `mapstructure:"telegram_bot"`
	TelegramChat string `mapstructure:"telegram_chat"`
}

// NewRelicConfig defines APM settings.
type NewRelicConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	AppName    string `mapstructure:"app_name"`
	LicenseKey string `mapstructure:"license_key"`
}

// ProfilingConfig defines the optional pprof debug server.
type ProfilingConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Bind    string `mapstructure:"bind"`
}

// LogConfig defines logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// Load reads configuration from file and environment.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/llmproxy")
	}

	v.SetEnvPrefix("PROXY")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.admin_key", "")
	v.SetDefault("server.data_dir", "./data")
	v.SetDefault("server.upstream_timeout", "60s")
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.stats_cache", "5s")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.url", "127.0.0.1:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.list_key", "llmproxy:logs")
	v.SetDefault("redis.max_len", 200)

	v.SetDefault("security.rate_limit_enabled", true)
	v.SetDefault("security.connection_limit", 60)
	v.SetDefault("security.connection_grace", "30s")
	v.SetDefault("security.limit_jump", 1)
	v.SetDefault("security.banning_enabled", true)
	v.SetDefault("security.ban_timeout", "30m")
	v.SetDefault("security.malformed_limit", 10)
	v.SetDefault("security.reset_interval", "1m")

	v.SetDefault("webhook.enabled", false)

	v.SetDefault("newrelic.enabled", false)
	v.SetDefault("newrelic.app_name", "llmproxy")

	v.SetDefault("profiling.enabled", false)
	v.SetDefault("profiling.bind", "127.0.0.1:6060")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// Validate checks configuration for errors. A missing ADMIN_KEY is not
// itself a load error — per spec the service still starts, it just
// rejects every authenticated request; server wiring checks for that
// case separately.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Server.DataDir == "" {
		return fmt.Errorf("server.data_dir is required")
	}
	if c.Security.ConnectionLimit < 0 {
		return fmt.Errorf("security.connection_limit must be >= 0")
	}
	return nil
}
