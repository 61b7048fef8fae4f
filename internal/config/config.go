package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const defaultJWTSecret = "planner-dev-secret-change-me"

// Config holds the application configuration.
type Config struct {
	// Server settings
	ServerPort string `yaml:"server_port"`
	TimeZone   string `yaml:"time_zone"`
	// TrustProxyHeaders takes the client address from X-Forwarded-For or
	// X-Real-IP. Enable only behind a proxy that overwrites them.
	TrustProxyHeaders bool `yaml:"trust_proxy_headers"`

	// OpenTelemetry settings
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
	Environment  string `yaml:"environment"`
	// Exporter selects where telemetry goes: otlp, stdout or none.
	Exporter string `yaml:"exporter"`

	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Redis     RedisConfig     `yaml:"redis"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// DatabaseConfig selects the gorm dialector and its connection string.
type DatabaseConfig struct {
	Driver        string        `yaml:"driver"` // sqlite|postgres|mysql
	DSN           string        `yaml:"dsn"`
	LogLevel      string        `yaml:"log_level"` // silent|error|warn|info
	SlowThreshold time.Duration `yaml:"slow_threshold"`
}

// AuthConfig holds token signing settings.
type AuthConfig struct {
	JWTSecret        string        `yaml:"jwt_secret"`
	Issuer           string        `yaml:"issuer"`
	AccessTokenTTL   time.Duration `yaml:"access_token_ttl"`
	RefreshTokenTTL  time.Duration `yaml:"refresh_token_ttl"`
	BlacklistBackend string        `yaml:"blacklist_backend"` // db|redis
}

// RedisConfig is shared by the redis blacklist and the redis rate limiter.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// RateLimitConfig holds throttling rates written as "N/period".
type RateLimitConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Backend  string `yaml:"backend"` // memory|redis
	AnonRate string `yaml:"anon_rate"`
	UserRate string `yaml:"user_rate"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		ServerPort:   "8080",
		TimeZone:     "UTC",
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "planner",
		Environment:  "development",
		Exporter:     "otlp",
		Database: DatabaseConfig{
			Driver:        "sqlite",
			DSN:           "planner.db",
			LogLevel:      "warn",
			SlowThreshold: 200 * time.Millisecond,
		},
		Auth: AuthConfig{
			JWTSecret:        defaultJWTSecret,
			Issuer:           "planner",
			AccessTokenTTL:   5 * time.Minute,
			RefreshTokenTTL:  24 * time.Hour,
			BlacklistBackend: "db",
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		RateLimit: RateLimitConfig{
			Enabled:  true,
			Backend:  "memory",
			AnonRate: "100/day",
			UserRate: "1000/day",
		},
	}
}

// Load returns configuration built from defaults, an optional .env file,
// an optional YAML file named by CONFIG_FILE, and environment variables,
// in increasing order of precedence.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML config: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.ServerPort = getEnv("SERVER_PORT", c.ServerPort)
	c.TimeZone = getEnv("TIME_ZONE", c.TimeZone)
	c.OTLPEndpoint = getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", c.OTLPEndpoint)
	c.ServiceName = getEnv("OTEL_SERVICE_NAME", c.ServiceName)
	c.Environment = getEnv("ENVIRONMENT", c.Environment)
	c.Exporter = getEnv("OTEL_EXPORTER", c.Exporter)

	c.Database.Driver = getEnv("DB_DRIVER", c.Database.Driver)
	c.Database.DSN = getEnv("DB_DSN", c.Database.DSN)
	c.Database.LogLevel = getEnv("DB_LOG_LEVEL", c.Database.LogLevel)

	c.Auth.JWTSecret = getEnv("JWT_SECRET", c.Auth.JWTSecret)
	c.Auth.Issuer = getEnv("JWT_ISSUER", c.Auth.Issuer)
	c.Auth.BlacklistBackend = getEnv("BLACKLIST_BACKEND", c.Auth.BlacklistBackend)

	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)

	c.RateLimit.Backend = getEnv("RATE_LIMIT_BACKEND", c.RateLimit.Backend)
	c.RateLimit.AnonRate = getEnv("RATE_LIMIT_ANON", c.RateLimit.AnonRate)
	c.RateLimit.UserRate = getEnv("RATE_LIMIT_USER", c.RateLimit.UserRate)

	var err error
	if c.Database.SlowThreshold, err = getEnvDuration("DB_SLOW_THRESHOLD", c.Database.SlowThreshold); err != nil {
		return err
	}
	if c.Auth.AccessTokenTTL, err = getEnvDuration("ACCESS_TOKEN_TTL", c.Auth.AccessTokenTTL); err != nil {
		return err
	}
	if c.Auth.RefreshTokenTTL, err = getEnvDuration("REFRESH_TOKEN_TTL", c.Auth.RefreshTokenTTL); err != nil {
		return err
	}
	if c.Redis.DB, err = getEnvInt("REDIS_DB", c.Redis.DB); err != nil {
		return err
	}
	if c.RateLimit.Enabled, err = getEnvBool("RATE_LIMIT_ENABLED", c.RateLimit.Enabled); err != nil {
		return err
	}
	if c.TrustProxyHeaders, err = getEnvBool("TRUST_PROXY_HEADERS", c.TrustProxyHeaders); err != nil {
		return err
	}
	return nil
}

// Validate rejects unknown enum values and unsafe production settings.
func (c *Config) Validate() error {
	switch c.Exporter {
	case "otlp", "stdout", "none":
	default:
		return fmt.Errorf("unknown telemetry exporter %q", c.Exporter)
	}
	switch c.Database.Driver {
	case "sqlite", "postgres", "mysql":
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}
	switch c.Auth.BlacklistBackend {
	case "db", "redis":
	default:
		return fmt.Errorf("unknown blacklist backend %q", c.Auth.BlacklistBackend)
	}
	switch c.RateLimit.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown rate limit backend %q", c.RateLimit.Backend)
	}
	if c.Auth.AccessTokenTTL <= 0 || c.Auth.RefreshTokenTTL <= 0 {
		return errors.New("token lifetimes must be positive")
	}
	if c.Auth.JWTSecret == "" {
		return errors.New("JWT_SECRET must not be empty")
	}
	if c.Environment != "development" && c.Auth.JWTSecret == defaultJWTSecret {
		return errors.New("JWT_SECRET must be set outside development")
	}
	if _, err := time.LoadLocation(c.TimeZone); err != nil {
		return fmt.Errorf("invalid TIME_ZONE: %w", err)
	}
	return nil
}

// Location returns the time zone used to stamp task creation dates.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getEnvBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}
