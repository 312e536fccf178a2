// Package config loads the client configuration from an optional YAML file,
// a .env file, and STAGESYNC_-prefixed environment variables.
package config

import (
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds everything the client needs to reach the platform.
type Config struct {
	API     APIConfig     `mapstructure:"api"`
	Channel ChannelConfig `mapstructure:"channel"`
	Ledger  LedgerConfig  `mapstructure:"ledger"`
	Session SessionConfig `mapstructure:"session"`
}

// APIConfig holds the HTTP API settings.
type APIConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// ChannelConfig holds the push channel settings.
type ChannelConfig struct {
	URL string `mapstructure:"url"`
	// ReconnectDelayMS is the wait before the single login-triggered
	// connect attempt.
	ReconnectDelayMS int `mapstructure:"reconnect_delay_ms"`
}

// LedgerConfig holds notification ledger persistence settings.
type LedgerConfig struct {
	// DSN selects the persistence backend; empty means in-process only.
	DSN string `mapstructure:"dsn"`
}

// SessionConfig holds session discovery settings.
type SessionConfig struct {
	// TokenFile is watched for logins performed elsewhere.
	TokenFile string `mapstructure:"token_file"`
	// ActorID and Token provide a static session, overriding the file.
	ActorID string `mapstructure:"actor_id"`
	Token   string `mapstructure:"token"`
}

// Load reads configuration from config.yaml and environment variables.
// Environment variables use the STAGESYNC_ prefix and underscore
// separators; STAGESYNC_API_BASE_URL overrides api.base_url.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	_ = godotenv.Load()

	v.SetEnvPrefix("STAGESYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("api.base_url", "http://127.0.0.1:8080")
	v.SetDefault("api.timeout_seconds", 15)
	v.SetDefault("channel.url", "ws://127.0.0.1:8080/v1/subscribe")
	v.SetDefault("channel.reconnect_delay_ms", 1000)
	v.SetDefault("ledger.dsn", "")
	v.SetDefault("session.token_file", "")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return &cfg, nil
}
