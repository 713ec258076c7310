package main

import (
	"fmt"
	"io"
	"os"
	"reflect"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/goodtune/presence/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	validateDump bool
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long:  `Validate the presence configuration file for syntax and semantic errors.`,
	RunE:  runValidate,
}

func init() {
	validateCmd.Flags().BoolVar(&validateDump, "dump", false, "Dump full configuration with defaults highlighted")
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Configuration validation failed: %v\n", err)
		return err
	}

	// Check for unknown keys (always, not just with --dump)
	unknownKeys, err := findUnknownKeys(configPath)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "⚠️  Warning: Could not check for unknown keys: %v\n", err)
	}

	_, _ = fmt.Fprintf(os.Stdout, "✅ Configuration is valid: %s\n", configPath)

	if len(unknownKeys) > 0 {
		red := color.New(color.FgRed, color.Bold)
		fmt.Fprintln(os.Stdout)
		_, _ = red.Fprintf(os.Stdout, "⚠️  WARNING: Found %d unknown configuration key(s):\n", len(unknownKeys))
		for _, key := range unknownKeys {
			_, _ = red.Fprintf(os.Stdout, "   - %s\n", key)
		}
		fmt.Fprintln(os.Stdout, "\nThese keys will be ignored and may indicate typos or deprecated settings.")
	}

	if validateDump {
		_, _ = fmt.Fprintln(os.Stdout, "\n"+strings.Repeat("=", 80))
		_, _ = fmt.Fprintln(os.Stdout, "FULL CONFIGURATION (values different from defaults are highlighted)")
		_, _ = fmt.Fprintln(os.Stdout, strings.Repeat("=", 80))

		dumpConfig(os.Stdout, cfg, config.Defaults(), unknownKeys)
	}

	return nil
}

// findUnknownKeys loads the config file and checks for unknown keys
func findUnknownKeys(configPath string) ([]string, error) {
	v := viper.New()
	v.SetConfigFile(configPath)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	validKeys := getValidKeys()

	unknown := []string{}
	for _, key := range v.AllKeys() {
		if !validKeys[key] {
			unknown = append(unknown, key)
		}
	}
	sort.Strings(unknown)

	return unknown, nil
}

// getValidKeys returns a set of all valid configuration keys
func getValidKeys() map[string]bool {
	return map[string]bool{
		// Server
		"server.bind_address":      true,
		"server.api_port":          true,
		"server.metrics_port":      true,
		"server.rate_limit":        true,
		"server.rate_limit_window": true,

		// Storage
		"storage.type":                       true,
		"storage.redis.host":                 true,
		"storage.redis.port":                 true,
		"storage.redis.password":             true,
		"storage.redis.db":                   true,
		"storage.redis.pool_size":            true,
		"storage.redis.min_idle_conns":       true,
		"storage.redis.dial_timeout":         true,
		"storage.redis.read_timeout":         true,
		"storage.redis.write_timeout":        true,
		"storage.postgres.dsn":               true,
		"storage.postgres.max_open_conns":    true,
		"storage.postgres.max_idle_conns":    true,
		"storage.postgres.conn_max_lifetime": true,
		"storage.postgres.auto_migrate":      true,

		// Logging
		"logging.level":  true,
		"logging.format": true,

		// Tracking
		"tracking.tick_interval":       true,
		"tracking.inactivity_timeout":  true,
		"tracking.max_fold":            true,
		"tracking.max_update_attempts": true,
		"tracking.workers":             true,
		"tracking.cache_size":          true,

		// Audit
		"audit.interval":  true,
		"audit.tolerance": true,
	}
}

// dumpConfig dumps configuration with color highlighting for non-default values
func dumpConfig(w io.Writer, cfg, defaultCfg *config.Config, unknownKeys []string) {
	yellow := color.New(color.FgYellow, color.Bold)
	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan, color.Bold)

	field := func(name string, value, defaultValue interface{}) {
		dumpField(w, name, value, defaultValue, yellow, green)
	}

	_, _ = cyan.Fprintln(w, "\n[server]")
	field("  bind_address", cfg.Server.BindAddress, defaultCfg.Server.BindAddress)
	field("  api_port", cfg.Server.APIPort, defaultCfg.Server.APIPort)
	field("  metrics_port", cfg.Server.MetricsPort, defaultCfg.Server.MetricsPort)
	field("  rate_limit", cfg.Server.RateLimit, defaultCfg.Server.RateLimit)
	field("  rate_limit_window", cfg.Server.RateLimitWindow, defaultCfg.Server.RateLimitWindow)

	_, _ = cyan.Fprintln(w, "\n[storage]")
	field("  type", cfg.Storage.Type, defaultCfg.Storage.Type)
	_, _ = cyan.Fprintln(w, "  [storage.redis]")
	field("    host", cfg.Storage.Redis.Host, defaultCfg.Storage.Redis.Host)
	field("    port", cfg.Storage.Redis.Port, defaultCfg.Storage.Redis.Port)
	field("    password", redactSecret(cfg.Storage.Redis.Password), redactSecret(defaultCfg.Storage.Redis.Password))
	field("    db", cfg.Storage.Redis.DB, defaultCfg.Storage.Redis.DB)
	field("    pool_size", cfg.Storage.Redis.PoolSize, defaultCfg.Storage.Redis.PoolSize)
	field("    min_idle_conns", cfg.Storage.Redis.MinIdleConns, defaultCfg.Storage.Redis.MinIdleConns)
	field("    dial_timeout", cfg.Storage.Redis.DialTimeout, defaultCfg.Storage.Redis.DialTimeout)
	field("    read_timeout", cfg.Storage.Redis.ReadTimeout, defaultCfg.Storage.Redis.ReadTimeout)
	field("    write_timeout", cfg.Storage.Redis.WriteTimeout, defaultCfg.Storage.Redis.WriteTimeout)
	_, _ = cyan.Fprintln(w, "  [storage.postgres]")
	field("    dsn", redactSecret(cfg.Storage.Postgres.DSN), redactSecret(defaultCfg.Storage.Postgres.DSN))
	field("    max_open_conns", cfg.Storage.Postgres.MaxOpenConns, defaultCfg.Storage.Postgres.MaxOpenConns)
	field("    max_idle_conns", cfg.Storage.Postgres.MaxIdleConns, defaultCfg.Storage.Postgres.MaxIdleConns)
	field("    conn_max_lifetime", cfg.Storage.Postgres.ConnMaxLifetime, defaultCfg.Storage.Postgres.ConnMaxLifetime)
	field("    auto_migrate", cfg.Storage.Postgres.AutoMigrate, defaultCfg.Storage.Postgres.AutoMigrate)

	_, _ = cyan.Fprintln(w, "\n[logging]")
	field("  level", cfg.Logging.Level, defaultCfg.Logging.Level)
	field("  format", cfg.Logging.Format, defaultCfg.Logging.Format)

	_, _ = cyan.Fprintln(w, "\n[tracking]")
	field("  tick_interval", cfg.Tracking.TickInterval, defaultCfg.Tracking.TickInterval)
	field("  inactivity_timeout", cfg.Tracking.InactivityTimeout, defaultCfg.Tracking.InactivityTimeout)
	field("  max_fold", cfg.Tracking.MaxFold, defaultCfg.Tracking.MaxFold)
	field("  max_update_attempts", cfg.Tracking.MaxUpdateAttempts, defaultCfg.Tracking.MaxUpdateAttempts)
	field("  workers", cfg.Tracking.Workers, defaultCfg.Tracking.Workers)
	field("  cache_size", cfg.Tracking.CacheSize, defaultCfg.Tracking.CacheSize)

	_, _ = cyan.Fprintln(w, "\n[audit]")
	field("  interval", cfg.Audit.Interval, defaultCfg.Audit.Interval)
	field("  tolerance", cfg.Audit.Tolerance, defaultCfg.Audit.Tolerance)

	if len(unknownKeys) > 0 {
		red := color.New(color.FgRed, color.Bold)

		_, _ = cyan.Fprintln(w, "\n[UNKNOWN KEYS - These will be ignored!]")
		for _, key := range unknownKeys {
			_, _ = red.Fprintf(w, "  %s = (unknown key - check for typos)\n", key)
		}
	}

	_, _ = fmt.Fprintln(w, "\n"+strings.Repeat("=", 80))
}

// dumpField prints a field with color if it differs from default
func dumpField(w io.Writer, name string, value, defaultValue interface{}, modifiedColor, defaultColor *color.Color) {
	valueStr := fmt.Sprintf("%v", value)

	if reflect.DeepEqual(value, defaultValue) {
		_, _ = defaultColor.Fprintf(w, "%s = %s\n", name, valueStr)
	} else {
		_, _ = modifiedColor.Fprintf(w, "%s = %s  (modified from default: %v)\n", name, valueStr, defaultValue)
	}
}

// redactSecret redacts passwords and DSNs if not empty
func redactSecret(secret string) string {
	if secret == "" {
		return ""
	}
	return "***REDACTED***"
}
