// Package config provides configuration management for Orchid.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Orchid.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Registry   RegistryConfig   `mapstructure:"registry"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds schedule store connection configuration.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // sqlite, postgres
	Path     string `mapstructure:"path"`   // sqlite only
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory broker.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// RedisConfig holds the connection settings for the reference registry and
// control signal store. An empty Addr selects the in-memory fallback.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// RegistryConfig holds actor reference registry configuration.
type RegistryConfig struct {
	DefaultTTL        int `mapstructure:"defaultTtl"`        // seconds
	HeartbeatInterval int `mapstructure:"heartbeatInterval"` // seconds, must be < DefaultTTL
}

// SchedulerConfig holds scanner and cron loop configuration.
type SchedulerConfig struct {
	ScanInterval int `mapstructure:"scanInterval"` // seconds between pending scans
	ScanLimit    int `mapstructure:"scanLimit"`    // max records per scan
}

// DispatcherConfig holds dispatch retry configuration.
type DispatcherConfig struct {
	MaxRetries int `mapstructure:"maxRetries"`
	RetryDelay int `mapstructure:"retryDelay"` // seconds, base for exponential backoff
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// TTL returns the registry default TTL as a time.Duration.
func (r *RegistryConfig) TTL() time.Duration {
	return time.Duration(r.DefaultTTL) * time.Second
}

// HeartbeatDuration returns the heartbeat interval as a time.Duration.
func (r *RegistryConfig) HeartbeatDuration() time.Duration {
	return time.Duration(r.HeartbeatInterval) * time.Second
}

// ScanIntervalDuration returns the scanner interval as a time.Duration.
func (s *SchedulerConfig) ScanIntervalDuration() time.Duration {
	return time.Duration(s.ScanInterval) * time.Second
}

// detectDefaultLogFormat returns "json" for production-like environments and
// "text" for terminal/development use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("ORCHID_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./orchid.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "orchid")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "orchid")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)

	// NATS defaults - empty URL means use in-memory broker
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "orchid-client")
	v.SetDefault("nats.maxReconnects", 10)

	// Redis defaults - empty addr means in-memory registry and signal store
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// Registry defaults: TTL 1 hour, heartbeat 50 minutes
	v.SetDefault("registry.defaultTtl", 3600)
	v.SetDefault("registry.heartbeatInterval", 3000)

	// Scheduler defaults
	v.SetDefault("scheduler.scanInterval", 10)
	v.SetDefault("scheduler.scanLimit", 100)

	// Dispatcher defaults
	v.SetDefault("dispatcher.maxRetries", 3)
	v.SetDefault("dispatcher.retryDelay", 30)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix ORCHID_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/orchid/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("ORCHID")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings where env var naming differs from camelCase config keys.
	_ = v.BindEnv("logging.level", "ORCHID_LOG_LEVEL")
	_ = v.BindEnv("database.driver", "ORCHID_DATABASE_DRIVER")
	_ = v.BindEnv("registry.defaultTtl", "ORCHID_REGISTRY_DEFAULT_TTL")
	_ = v.BindEnv("registry.heartbeatInterval", "ORCHID_REGISTRY_HEARTBEAT_INTERVAL")
	_ = v.BindEnv("scheduler.scanInterval", "ORCHID_SCHEDULER_SCAN_INTERVAL")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/orchid/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that configuration values are internally consistent.
func validate(cfg *Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", cfg.Server.Port)
	}
	switch cfg.Database.Driver {
	case "sqlite", "postgres", "memory":
	default:
		return fmt.Errorf("unsupported database driver: %q", cfg.Database.Driver)
	}
	if cfg.Registry.HeartbeatInterval >= cfg.Registry.DefaultTTL {
		return fmt.Errorf("registry heartbeat interval (%ds) must be less than TTL (%ds)",
			cfg.Registry.HeartbeatInterval, cfg.Registry.DefaultTTL)
	}
	if cfg.Scheduler.ScanInterval <= 0 {
		return fmt.Errorf("scheduler scan interval must be positive")
	}
	return nil
}
