package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Duration lets YAML files say "5s" or "720h" instead of nanosecond ints.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	HTTPAddr string `yaml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr"` // empty disables the gRPC health server

	Env      string `yaml:"env"` // "dev" | "prod"
	LogLevel string `yaml:"log_level"`

	Store     StoreConfig     `yaml:"store"`
	Redis     RedisConfig     `yaml:"redis"`
	RabbitMQ  RabbitMQConfig  `yaml:"rabbitmq"`
	Sessions  SessionConfig   `yaml:"sessions"`
	Unlock    UnlockConfig    `yaml:"unlock"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`

	// SeedDev creates a demo user and key on startup (sqlite + dev only).
	SeedDev bool `yaml:"seed_dev"`
}

type StoreConfig struct {
	Driver string `yaml:"driver"` // "memory" | "sqlite" | "postgres"

	SQLitePath string `yaml:"sqlite_path"`

	PostgresDSN      string `yaml:"postgres_dsn"`
	PostgresMaxConns int    `yaml:"postgres_max_conns"`
}

type RedisConfig struct {
	Addr       string   `yaml:"addr"` // empty disables the session cache
	Password   string   `yaml:"password"`
	DB         int      `yaml:"db"`
	SessionTTL Duration `yaml:"session_ttl"`
}

type RabbitMQConfig struct {
	URL      string `yaml:"url"` // empty disables audit event publishing
	Exchange string `yaml:"exchange"`
}

type SessionConfig struct {
	// MaxAge of 0 keeps sessions forever.
	MaxAge        Duration `yaml:"max_age"`
	PruneInterval Duration `yaml:"prune_interval"`
}

type UnlockConfig struct {
	StorageTimeout  Duration `yaml:"storage_timeout"`
	ActuatorTimeout Duration `yaml:"actuator_timeout"`
}

type RateLimitConfig struct {
	AuthPerMinute int `yaml:"auth_per_minute"`
	AuthBurst     int `yaml:"auth_burst"`
}

// Defaults returns the configuration used when neither a file nor the
// environment says otherwise.
func Defaults() Config {
	return Config{
		HTTPAddr: ":8080",
		GRPCAddr: ":9090",
		Env:      "dev",
		LogLevel: "info",
		Store: StoreConfig{
			Driver:           "sqlite",
			SQLitePath:       "./data/keyman.db",
			PostgresMaxConns: 20,
		},
		Redis: RedisConfig{
			SessionTTL: Duration(10 * time.Minute),
		},
		RabbitMQ: RabbitMQConfig{
			Exchange: "keyman.audit",
		},
		Sessions: SessionConfig{
			PruneInterval: Duration(6 * time.Hour),
		},
		Unlock: UnlockConfig{
			StorageTimeout:  Duration(5 * time.Second),
			ActuatorTimeout: Duration(5 * time.Second),
		},
		RateLimit: RateLimitConfig{
			AuthPerMinute: 30,
			AuthBurst:     10,
		},
	}
}

// Load applies, in order: defaults, the YAML file at path (skipped when
// path is empty), and KEYMAN_* environment variables.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.UnmarshalStrict(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// FromEnv is Load without a config file.
func FromEnv() (Config, error) {
	return Load("")
}

func (c *Config) Validate() error {
	c.Env = strings.ToLower(c.Env)
	if c.Env != "dev" && c.Env != "prod" {
		// fail-soft: treat unknown as dev
		c.Env = "dev"
	}

	switch c.Store.Driver {
	case "memory", "sqlite":
	case "postgres":
		if c.Store.PostgresDSN == "" {
			return fmt.Errorf("store.postgres_dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}

	if c.Unlock.StorageTimeout <= 0 || c.Unlock.ActuatorTimeout <= 0 {
		return fmt.Errorf("unlock timeouts must be positive")
	}
	if c.Sessions.MaxAge < 0 {
		return fmt.Errorf("sessions.max_age must not be negative")
	}
	return nil
}

func applyEnv(c *Config) {
	c.HTTPAddr = getenvDefault("KEYMAN_HTTP_ADDR", c.HTTPAddr)
	if v, ok := os.LookupEnv("KEYMAN_GRPC_ADDR"); ok {
		c.GRPCAddr = strings.TrimSpace(v)
	}
	c.Env = getenvDefault("KEYMAN_ENV", c.Env)
	c.LogLevel = getenvDefault("KEYMAN_LOG_LEVEL", c.LogLevel)

	c.Store.Driver = strings.ToLower(getenvDefault("KEYMAN_STORE_DRIVER", c.Store.Driver))
	c.Store.SQLitePath = getenvDefault("KEYMAN_SQLITE_PATH", c.Store.SQLitePath)
	c.Store.PostgresDSN = getenvDefault("KEYMAN_POSTGRES_DSN", c.Store.PostgresDSN)
	c.Store.PostgresMaxConns = getenvInt("KEYMAN_POSTGRES_MAX_CONNS", c.Store.PostgresMaxConns)

	c.Redis.Addr = getenvDefault("KEYMAN_REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getenvDefault("KEYMAN_REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = getenvInt("KEYMAN_REDIS_DB", c.Redis.DB)
	c.Redis.SessionTTL = getenvDuration("KEYMAN_REDIS_SESSION_TTL", c.Redis.SessionTTL)

	c.RabbitMQ.URL = getenvDefault("KEYMAN_RABBITMQ_URL", c.RabbitMQ.URL)
	c.RabbitMQ.Exchange = getenvDefault("KEYMAN_RABBITMQ_EXCHANGE", c.RabbitMQ.Exchange)

	c.Sessions.MaxAge = getenvDuration("KEYMAN_SESSION_MAX_AGE", c.Sessions.MaxAge)
	c.Sessions.PruneInterval = getenvDuration("KEYMAN_SESSION_PRUNE_INTERVAL", c.Sessions.PruneInterval)

	c.Unlock.StorageTimeout = getenvDuration("KEYMAN_STORAGE_TIMEOUT", c.Unlock.StorageTimeout)
	c.Unlock.ActuatorTimeout = getenvDuration("KEYMAN_ACTUATOR_TIMEOUT", c.Unlock.ActuatorTimeout)

	c.RateLimit.AuthPerMinute = getenvInt("KEYMAN_AUTH_RATE_PER_MINUTE", c.RateLimit.AuthPerMinute)
	c.RateLimit.AuthBurst = getenvInt("KEYMAN_AUTH_RATE_BURST", c.RateLimit.AuthBurst)

	if v := os.Getenv("KEYMAN_SEED_DEV"); v != "" {
		c.SeedDev = strings.EqualFold(v, "true") || v == "1"
	}
}

func getenvDefault(key, def string) string {
	v := os.Getenv(key)
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

func getenvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func getenvDuration(key string, def Duration) Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return def
	}
	return Duration(d)
}
