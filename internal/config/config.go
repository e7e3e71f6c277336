package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Env      string         `yaml:"env"`
	Port     string         `yaml:"port"`
	Storage  StorageConfig  `yaml:"storage"`
	Redis    RedisConfig    `yaml:"redis"`
	NATS     NATSConfig     `yaml:"nats"`
	Auth     AuthConfig     `yaml:"auth"`
	Executor ExecutorConfig `yaml:"executor"`

	// CountdownSeconds is echoed to clients as the advisory UI grace period.
	// It never delays execution.
	CountdownSeconds int           `yaml:"countdown_seconds"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout"`
}

type StorageConfig struct {
	DatabaseURL string        `yaml:"database_url"` // empty = in-memory rule store
	RulesFile   string        `yaml:"rules_file"`   // YAML seed for the in-memory store
	CardsFile   string        `yaml:"cards_file"`   // YAML seed for board state
	CacheTTL    time.Duration `yaml:"cache_ttl"`
}

type RedisConfig struct {
	URL string `yaml:"url"` // empty = in-memory cache and log notifier
}

type NATSConfig struct {
	URL     string `yaml:"url"` // empty = outcomes are only logged
	Subject string `yaml:"subject"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	Issuer    string `yaml:"issuer"`
}

type ExecutorConfig struct {
	RuleTimeout        time.Duration `yaml:"rule_timeout"`
	MaxConcurrentRules int           `yaml:"max_concurrent_rules"`
}

// DefaultConfigFile is read when CONFIG_FILE is unset.
const DefaultConfigFile = "config/config.yml"

func defaults() Config {
	return Config{
		Env:  "development",
		Port: "8080",
		NATS: NATSConfig{
			Subject: "automations.outcomes",
		},
		Executor: ExecutorConfig{
			RuleTimeout:        30 * time.Second,
			MaxConcurrentRules: 64,
		},
		CountdownSeconds: 10,
		ShutdownTimeout:  30 * time.Second,
	}
}

// Load builds the configuration from defaults, then an optional YAML file,
// then environment variables. In development a .env file is loaded first.
func Load() (Config, error) {
	if getString("APP_ENV", "development") == "development" {
		_ = godotenv.Load(".env")
	}

	cfg := defaults()

	path := getString("CONFIG_FILE", DefaultConfigFile)
	if err := loadFile(path, &cfg); err != nil {
		return Config{}, err
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.Env = getString("APP_ENV", cfg.Env)
	cfg.Port = getString("PORT", cfg.Port)
	cfg.Storage.DatabaseURL = getString("DATABASE_URL", cfg.Storage.DatabaseURL)
	cfg.Storage.RulesFile = getString("RULES_FILE", cfg.Storage.RulesFile)
	cfg.Storage.CardsFile = getString("CARDS_FILE", cfg.Storage.CardsFile)
	cfg.Storage.CacheTTL = getDuration("RULES_CACHE_TTL", cfg.Storage.CacheTTL)
	cfg.Redis.URL = getString("REDIS_URL", cfg.Redis.URL)
	cfg.NATS.URL = getString("NATS_URL", cfg.NATS.URL)
	cfg.NATS.Subject = getString("NATS_SUBJECT", cfg.NATS.Subject)
	cfg.Auth.JWTSecret = getString("JWT_SECRET", cfg.Auth.JWTSecret)
	cfg.Auth.Issuer = getString("JWT_ISSUER", cfg.Auth.Issuer)
	cfg.Executor.RuleTimeout = getDuration("RULE_TIMEOUT", cfg.Executor.RuleTimeout)
	cfg.Executor.MaxConcurrentRules = getInt("MAX_CONCURRENT_RULES", cfg.Executor.MaxConcurrentRules)
	cfg.CountdownSeconds = getInt("COUNTDOWN_SECONDS", cfg.CountdownSeconds)
	cfg.ShutdownTimeout = getDuration("SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
}

// Validate reports configuration the server cannot start with.
func (c Config) Validate() error {
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.Executor.RuleTimeout <= 0 {
		return fmt.Errorf("rule timeout must be positive, got %s", c.Executor.RuleTimeout)
	}
	if c.CountdownSeconds < 0 {
		return fmt.Errorf("countdown seconds cannot be negative, got %d", c.CountdownSeconds)
	}
	return nil
}

func (c Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// getDuration accepts Go duration strings ("1500ms", "30s") or plain seconds.
func getDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return def
}
