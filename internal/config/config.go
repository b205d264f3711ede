package config

import (
	"log"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	DatabaseURL string `mapstructure:"database_url"`
	RedisURL    string `mapstructure:"redis_url"`
	Port        string `mapstructure:"port"`

	// Service-to-service auth for admin endpoints
	ServiceJWTSecret string `mapstructure:"service_jwt_secret"`

	// Requests below this protocol version are rejected with an
	// upgrade-required error before any other processing.
	MinAPIVersion int `mapstructure:"min_api_version"`

	// Authorization engine knobs (test overrides; production uses defaults)
	GracePeriodDays int `mapstructure:"grace_period_days"`
	CacheTTLMinutes int `mapstructure:"cache_ttl_minutes"`

	// Private/self-hosted installations skip the whole billing pipeline.
	PrivateMode bool `mapstructure:"private_mode"`

	// Redis channel for outbound metering events
	MeteringChannel string `mapstructure:"metering_channel"`
}

// GracePeriod returns the configured grace window as a duration.
func (c Config) GracePeriod() time.Duration {
	return time.Duration(c.GracePeriodDays) * 24 * time.Hour
}

// CacheTTL returns the configured cache TTL as a duration.
func (c Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLMinutes) * time.Minute
}

// App holds the global config instance
var App Config

// LoadConfig loads configuration from file and environment variables
func LoadConfig(path string) error {
	// Auto-load .env if present; its absence is fine in production.
	if err := godotenv.Load(); err == nil {
		log.Println("Loaded .env file")
	}

	v := viper.New()

	// Defaults
	v.SetDefault("port", "8080")
	v.SetDefault("min_api_version", 3)
	v.SetDefault("grace_period_days", 15)
	v.SetDefault("cache_ttl_minutes", 15)
	v.SetDefault("metering_channel", "metering.events")

	// Optional config file
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	// Environment variables
	v.SetEnvPrefix("meterable")
	v.AutomaticEnv()

	// Standard env vars without the prefix
	_ = v.BindEnv("database_url", "DATABASE_URL")
	_ = v.BindEnv("redis_url", "REDIS_URL")
	_ = v.BindEnv("port", "PORT")
	_ = v.BindEnv("service_jwt_secret", "SERVICE_JWT_SECRET")
	_ = v.BindEnv("private_mode", "PRIVATE_MODE")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && path != "" {
			return err
		}
		// Missing config file is fine; env vars carry the load.
	}

	return v.Unmarshal(&App)
}
