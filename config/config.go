// Package config loads the creditd runtime configuration from a YAML file
// with environment overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	defaultServerPort           = 8080
	defaultServerMode           = "release"
	defaultDatabaseURL          = "sqlite:///tmp/creditd.db"
	defaultRedisPort            = 6379
	defaultOverdraftPolicy      = "clamp_zero"
	defaultIdempotencyTTLHours  = 24
	defaultGraceWindowDays      = 16
	defaultSweepIntervalMinutes = 60
	defaultAbuseWindowDays      = 30
	defaultAbuseThreshold       = 3
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Ledger   LedgerConfig   `mapstructure:"ledger"`
	Pricing  PricingConfig  `mapstructure:"pricing"`
	Abuse    AbuseConfig    `mapstructure:"abuse"`
	CORS     CORSConfig     `mapstructure:"cors"`
}

type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

// Addr returns the listen address in host:port form.
func (server ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", server.Host, server.Port)
}

type DatabaseConfig struct {
	// URL is either a postgres:// connection string or a sqlite path.
	URL string `mapstructure:"url"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Enabled reports whether a Redis cache is configured at all.
func (redis RedisConfig) Enabled() bool {
	return redis.Host != ""
}

// Addr returns the Redis address in host:port form.
func (redis RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", redis.Host, redis.Port)
}

type AuthConfig struct {
	// Secret signs and verifies the HS256 service-to-service bearer tokens.
	// Empty disables authentication (local development only).
	Secret string `mapstructure:"secret"`
}

type LedgerConfig struct {
	OverdraftPolicy      string `mapstructure:"overdraft_policy"`
	InitialGrant         int64  `mapstructure:"initial_grant"`
	IdempotencyTTLHours  int    `mapstructure:"idempotency_ttl_hours"`
	GraceWindowDays      int    `mapstructure:"grace_window_days"`
	SweepIntervalMinutes int    `mapstructure:"sweep_interval_minutes"`
}

func (ledger LedgerConfig) IdempotencyTTL() time.Duration {
	return time.Duration(ledger.IdempotencyTTLHours) * time.Hour
}

func (ledger LedgerConfig) GraceWindow() time.Duration {
	return time.Duration(ledger.GraceWindowDays) * 24 * time.Hour
}

func (ledger LedgerConfig) SweepInterval() time.Duration {
	return time.Duration(ledger.SweepIntervalMinutes) * time.Minute
}

type PricingConfig struct {
	// Catalog maps an operation type to its unit cost in credits.
	Catalog map[string]int64 `mapstructure:"catalog"`
}

type AbuseConfig struct {
	WindowDays int `mapstructure:"window_days"`
	Threshold  int `mapstructure:"threshold"`
}

func (abuse AbuseConfig) Window() time.Duration {
	return time.Duration(abuse.WindowDays) * 24 * time.Hour
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Load reads configuration from the given YAML file, applies environment
// overrides, and fills defaults. An empty path skips the file and loads from
// environment and defaults alone.
func Load(configPath string) (*Config, error) {
	loader := viper.New()
	loader.SetConfigType("yaml")

	loader.AutomaticEnv()
	loader.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for configKey, envName := range map[string]string{
		"database.url":   "DATABASE_URL",
		"server.port":    "SERVER_PORT",
		"redis.host":     "REDIS_HOST",
		"redis.password": "REDIS_PASSWORD",
		"auth.secret":    "AUTH_SECRET",
	} {
		if err := loader.BindEnv(configKey, envName); err != nil {
			return nil, err
		}
	}

	if configPath != "" {
		loader.SetConfigFile(configPath)
		if err := loader.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configPath, err)
		}
	}

	var cfg Config
	if err := loader.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaultServerPort
	}
	if cfg.Server.Mode == "" {
		cfg.Server.Mode = defaultServerMode
	}
	if cfg.Database.URL == "" {
		cfg.Database.URL = defaultDatabaseURL
	}
	if cfg.Redis.Enabled() && cfg.Redis.Port == 0 {
		cfg.Redis.Port = defaultRedisPort
	}
	if cfg.Ledger.OverdraftPolicy == "" {
		cfg.Ledger.OverdraftPolicy = defaultOverdraftPolicy
	}
	if cfg.Ledger.IdempotencyTTLHours == 0 {
		cfg.Ledger.IdempotencyTTLHours = defaultIdempotencyTTLHours
	}
	if cfg.Ledger.GraceWindowDays == 0 {
		cfg.Ledger.GraceWindowDays = defaultGraceWindowDays
	}
	if cfg.Ledger.SweepIntervalMinutes == 0 {
		cfg.Ledger.SweepIntervalMinutes = defaultSweepIntervalMinutes
	}
	if cfg.Abuse.WindowDays == 0 {
		cfg.Abuse.WindowDays = defaultAbuseWindowDays
	}
	if cfg.Abuse.Threshold == 0 {
		cfg.Abuse.Threshold = defaultAbuseThreshold
	}
}

func validate(cfg *Config) error {
	switch cfg.Ledger.OverdraftPolicy {
	case "clamp_zero", "allow_negative":
	default:
		return fmt.Errorf("unknown overdraft policy %q", cfg.Ledger.OverdraftPolicy)
	}
	if cfg.Ledger.InitialGrant < 0 {
		return fmt.Errorf("initial grant must not be negative")
	}
	for operationType, unitCost := range cfg.Pricing.Catalog {
		if unitCost <= 0 {
			return fmt.Errorf("pricing catalog entry %q must have a positive cost", operationType)
		}
	}
	return nil
}
