package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds the complete application configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Tracking TrackingConfig `mapstructure:"tracking"`
	Audit    AuditConfig    `mapstructure:"audit"`
}

// ServerConfig defines listener ports and addresses
type ServerConfig struct {
	BindAddress string `mapstructure:"bind_address"`
	APIPort     int    `mapstructure:"api_port"`
	MetricsPort int    `mapstructure:"metrics_port"`

	// Requests per window per client; 0 disables rate limiting
	RateLimit       int    `mapstructure:"rate_limit"`
	RateLimitWindow string `mapstructure:"rate_limit_window"`
}

// StorageConfig defines storage backend settings
type StorageConfig struct {
	Type     string         `mapstructure:"type"` // "redis" or "postgres"
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// RedisConfig defines Redis connection settings
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
	DialTimeout  string `mapstructure:"dial_timeout"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
}

// PostgresConfig defines PostgreSQL connection settings
type PostgresConfig struct {
	DSN             string `mapstructure:"dsn"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetime string `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool   `mapstructure:"auto_migrate"`
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TrackingConfig defines the accrual clock and lifecycle tunables
type TrackingConfig struct {
	TickInterval      string `mapstructure:"tick_interval"`
	InactivityTimeout string `mapstructure:"inactivity_timeout"`
	MaxFold           string `mapstructure:"max_fold"` // empty means inactivity_timeout
	MaxUpdateAttempts int    `mapstructure:"max_update_attempts"`
	Workers           int    `mapstructure:"workers"`
	CacheSize         int    `mapstructure:"cache_size"`
}

// AuditConfig defines the consistency auditor settings
type AuditConfig struct {
	Interval  string `mapstructure:"interval"` // "0" disables the periodic audit
	Tolerance string `mapstructure:"tolerance"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	// A .env next to the binary is optional
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(configPath)
	v.SetEnvPrefix("PRESENCE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults and environment variables
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Defaults returns the configuration produced by the defaults alone
func Defaults() *Config {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.bind_address", "0.0.0.0")
	v.SetDefault("server.api_port", 8080)
	v.SetDefault("server.metrics_port", 9090)
	v.SetDefault("server.rate_limit", 600)
	v.SetDefault("server.rate_limit_window", "1m")

	// Storage defaults
	v.SetDefault("storage.type", "redis")
	v.SetDefault("storage.redis.host", "localhost")
	v.SetDefault("storage.redis.port", 6379)
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.pool_size", 10)
	v.SetDefault("storage.redis.min_idle_conns", 2)
	v.SetDefault("storage.redis.dial_timeout", "5s")
	v.SetDefault("storage.redis.read_timeout", "3s")
	v.SetDefault("storage.redis.write_timeout", "3s")
	v.SetDefault("storage.postgres.dsn", "")
	v.SetDefault("storage.postgres.max_open_conns", 10)
	v.SetDefault("storage.postgres.max_idle_conns", 5)
	v.SetDefault("storage.postgres.conn_max_lifetime", "30m")
	v.SetDefault("storage.postgres.auto_migrate", true)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Tracking defaults
	v.SetDefault("tracking.tick_interval", "10s")
	v.SetDefault("tracking.inactivity_timeout", "30m")
	v.SetDefault("tracking.max_fold", "")
	v.SetDefault("tracking.max_update_attempts", 5)
	v.SetDefault("tracking.workers", 8)
	v.SetDefault("tracking.cache_size", 4096)

	// Audit defaults
	v.SetDefault("audit.interval", "15m")
	v.SetDefault("audit.tolerance", "1s")
}

// validate validates the configuration
func validate(cfg *Config) error {
	if cfg.Server.APIPort <= 0 || cfg.Server.APIPort > 65535 {
		return fmt.Errorf("invalid API port: %d", cfg.Server.APIPort)
	}
	if cfg.Server.MetricsPort <= 0 || cfg.Server.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", cfg.Server.MetricsPort)
	}

	switch cfg.Storage.Type {
	case "":
		cfg.Storage.Type = "redis"
	case "redis":
	case "postgres":
		if cfg.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required for postgres storage")
		}
	default:
		return fmt.Errorf("unsupported storage type: %s (must be redis or postgres)", cfg.Storage.Type)
	}

	durations := map[string]string{
		"server.rate_limit_window":    cfg.Server.RateLimitWindow,
		"tracking.tick_interval":      cfg.Tracking.TickInterval,
		"tracking.inactivity_timeout": cfg.Tracking.InactivityTimeout,
		"tracking.max_fold":           cfg.Tracking.MaxFold,
		"audit.interval":              cfg.Audit.Interval,
		"audit.tolerance":             cfg.Audit.Tolerance,
	}
	for key, value := range durations {
		if key == "tracking.max_fold" && value == "" {
			continue
		}
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		if d < 0 {
			return fmt.Errorf("invalid %s: must not be negative", key)
		}
	}

	tick, _ := time.ParseDuration(cfg.Tracking.TickInterval)
	inactivity, _ := time.ParseDuration(cfg.Tracking.InactivityTimeout)
	if tick <= 0 {
		return fmt.Errorf("tracking.tick_interval must be positive")
	}
	if inactivity <= tick {
		return fmt.Errorf("tracking.inactivity_timeout (%s) must exceed tracking.tick_interval (%s)", inactivity, tick)
	}

	// A fold ceiling below the tick drops the rest of every tick's window.
	if maxFold := ParseDuration(cfg.Tracking.MaxFold, 0); maxFold > 0 && maxFold < tick {
		return fmt.Errorf("tracking.max_fold (%s) must be at least tracking.tick_interval (%s)", maxFold, tick)
	}

	if cfg.Server.RateLimit < 0 {
		return fmt.Errorf("server.rate_limit must not be negative")
	}

	if cfg.Tracking.MaxUpdateAttempts <= 0 {
		return fmt.Errorf("tracking.max_update_attempts must be positive")
	}
	if cfg.Tracking.Workers <= 0 {
		return fmt.Errorf("tracking.workers must be positive")
	}

	return nil
}

// ParseDuration parses a duration string with a fallback
func ParseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
