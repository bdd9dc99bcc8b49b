package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"

	"github.com/farhan-ahmed1/tether/internal/logger"
)

// Queue backends
const (
	QueueMemory = "memory"
	QueueRedis  = "redis"
)

// Config holds all configuration for tether
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Queue   QueueConfig   `yaml:"queue"`
	Redis   RedisConfig   `yaml:"redis"`
	Storage StorageConfig `yaml:"storage"`
	Worker  WorkerConfig  `yaml:"worker"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`

	// Shared secret for /api/*. Workers and the CLI send the same value.
	Token string `yaml:"token"`

	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// QueueConfig selects the admission queue backend
type QueueConfig struct {
	Backend string `yaml:"backend"` // memory, redis
	Key     string `yaml:"key"`     // redis list key
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// StorageConfig holds result sink settings. Both sinks may be enabled.
type StorageConfig struct {
	ResultsDir string        `yaml:"results_dir"`
	Redis      bool          `yaml:"redis"`
	ResultTTL  time.Duration `yaml:"result_ttl"`
}

// WorkerConfig holds worker-specific settings
type WorkerConfig struct {
	ServerURL    string        `yaml:"server_url"`
	Concurrency  int           `yaml:"concurrency"`
	PollInterval time.Duration `yaml:"poll_interval"`
	ExecTimeout  time.Duration `yaml:"exec_timeout"`
	BackoffMin   time.Duration `yaml:"backoff_min"`
	BackoffMax   time.Duration `yaml:"backoff_max"`
	NoProxy      bool          `yaml:"no_proxy"`

	// Command is the work program, run once per task
	Command []string `yaml:"command"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// Default returns a configuration with sensible defaults
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:      ":8765",
			Token:           getEnv("TETHER_TOKEN", ""),
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Queue: QueueConfig{
			Backend: QueueMemory,
			Key:     "tether:queue:pending",
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     6379,
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       0,
			PoolSize: 10,
		},
		Storage: StorageConfig{
			ResultTTL: 30 * 24 * time.Hour,
		},
		Worker: WorkerConfig{
			ServerURL:    getEnv("TETHER_SERVER", "http://127.0.0.1:8765"),
			Concurrency:  1,
			PollInterval: 3 * time.Second,
			BackoffMin:   5 * time.Second,
			BackoffMax:   time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a YAML file over the defaults. Keys missing from the file
// keep their default values.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// RedisAddr returns the full Redis address
func (c *RedisConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// UsesRedis reports whether any component needs a Redis connection
func (c *Config) UsesRedis() bool {
	return c.Queue.Backend == QueueRedis || c.Storage.Redis
}

// Validate reports every problem in the configuration at once
func (c *Config) Validate() error {
	var result *multierror.Error

	if c.Server.ListenAddr == "" {
		result = multierror.Append(result, fmt.Errorf("server.listen_addr cannot be empty"))
	}
	switch c.Queue.Backend {
	case QueueMemory, QueueRedis:
	default:
		result = multierror.Append(result, fmt.Errorf("queue.backend must be %q or %q, got %q", QueueMemory, QueueRedis, c.Queue.Backend))
	}
	if c.UsesRedis() {
		if c.Redis.Host == "" {
			result = multierror.Append(result, fmt.Errorf("redis.host cannot be empty"))
		}
		if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
			result = multierror.Append(result, fmt.Errorf("redis.port out of range: %d", c.Redis.Port))
		}
	}
	if c.Storage.Redis && c.Storage.ResultTTL < 0 {
		result = multierror.Append(result, fmt.Errorf("storage.result_ttl cannot be negative"))
	}
	if c.Worker.Concurrency < 1 {
		result = multierror.Append(result, fmt.Errorf("worker.concurrency must be at least 1"))
	}
	if c.Worker.PollInterval <= 0 {
		result = multierror.Append(result, fmt.Errorf("worker.poll_interval must be positive"))
	}
	if c.Worker.BackoffMax < c.Worker.BackoffMin {
		result = multierror.Append(result, fmt.Errorf("worker.backoff_max must be >= worker.backoff_min"))
	}
	if !logger.ValidLevel(c.Logging.Level) {
		result = multierror.Append(result, fmt.Errorf("logging.level %q is not a known level", c.Logging.Level))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		result = multierror.Append(result, fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format))
	}

	return result.ErrorOrNil()
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
