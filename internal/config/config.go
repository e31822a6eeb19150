package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the engine process.
type Config struct {
	App           AppConfig           `mapstructure:"app"`
	HTTP          HTTPConfig          `mapstructure:"http"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	MessageQueue  MessageQueueConfig  `mapstructure:"message_queue"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Store         StoreConfig         `mapstructure:"store"`
	Scheduler     SchedulerConfig     `mapstructure:"scheduler"`
	Sandbox       SandboxConfig       `mapstructure:"sandbox"`
	StepRunner    StepRunnerConfig    `mapstructure:"step_runner"`
	RateLimit     RateLimitConfig     `mapstructure:"rate_limit"`
}

type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
	// WorkflowsDir, if set, is a directory of *.json workflow definitions
	// loaded into the in-memory catalog at startup.
	WorkflowsDir string `mapstructure:"workflows_dir"`
}

type HTTPConfig struct {
	Address string `mapstructure:"address"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // "postgres" or "redis"
	URL             string        `mapstructure:"url"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type RedisConfig struct {
	URL      string `mapstructure:"url"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type MessageQueueConfig struct {
	URL      string         `mapstructure:"url"`
	Queue    string         `mapstructure:"queue"`
	Consumer ConsumerConfig `mapstructure:"consumer"`
}

type ConsumerConfig struct {
	Workers       int           `mapstructure:"workers"`
	PrefetchCount int           `mapstructure:"prefetch_count"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
}

type ObservabilityConfig struct {
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	ServiceName  string `mapstructure:"service_name"`
	Environment  string `mapstructure:"environment"`
}

// StoreConfig carries the execution-lock and retry knobs.
type StoreConfig struct {
	LeaseMs      int64 `mapstructure:"lease_ms"`
	MaxRetries   int   `mapstructure:"max_retries"`
	RetryBaseMs  int64 `mapstructure:"retry_base_ms"`
}

// SchedulerConfig covers both the queue-backed and polling Scheduler
// variants; only the fields relevant to the configured Kind are used.
type SchedulerConfig struct {
	Kind               string  `mapstructure:"kind"` // "queue" or "polling"
	BatchSize          int     `mapstructure:"batch_size"`
	PollIntervalMs     int64   `mapstructure:"poll_interval_ms"`
	MinPollIntervalMs  int64   `mapstructure:"min_poll_interval_ms"`
	MaxPollIntervalMs  int64   `mapstructure:"max_poll_interval_ms"`
	BackoffMultiplier  float64 `mapstructure:"backoff_multiplier"`
	SpeedupMultiplier  float64 `mapstructure:"speedup_multiplier"`
}

// SandboxConfig bounds the code-step JS evaluator.
type SandboxConfig struct {
	MemoryBytes int64 `mapstructure:"sandbox_memory_bytes"`
	StackBytes  int64 `mapstructure:"sandbox_stack_bytes"`
	DeadlineMs  int64 `mapstructure:"sandbox_deadline_ms"`
}

// StepRunnerConfig configures the tool gateway client and the
// inline-vs-durable sleep threshold.
type StepRunnerConfig struct {
	GatewayURL          string `mapstructure:"gateway_url"`
	AuthToken           string `mapstructure:"auth_token"`
	InlineSleepBudgetMs int64  `mapstructure:"inline_sleep_budget_ms"`
}

type RateLimitConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	RequestsPerSecond int           `mapstructure:"requests_per_second"`
	BurstSize         int           `mapstructure:"burst_size"`
	WindowSize        time.Duration `mapstructure:"window_size"`
}

// Load reads configuration from environment variables and optional config
// files, applying built-in defaults first.
func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/n8n-work")

	setDefaults()
	bindEnvVars()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("app.name", "n8n-work-engine")
	viper.SetDefault("app.version", "0.1.0")
	viper.SetDefault("app.environment", "development")

	viper.SetDefault("http.address", ":8080")

	viper.SetDefault("database.driver", "postgres")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 10)
	viper.SetDefault("database.conn_max_lifetime", "5m")

	viper.SetDefault("redis.db", 0)

	viper.SetDefault("message_queue.queue", "engine.execution.ready")
	viper.SetDefault("message_queue.consumer.workers", 10)
	viper.SetDefault("message_queue.consumer.prefetch_count", 50)
	viper.SetDefault("message_queue.consumer.retry_delay", "5s")

	viper.SetDefault("observability.otlp_endpoint", "http://localhost:4317")
	viper.SetDefault("observability.service_name", "n8n-work-engine")
	viper.SetDefault("observability.environment", "development")

	viper.SetDefault("store.lease_ms", 300000)
	viper.SetDefault("store.max_retries", 10)
	viper.SetDefault("store.retry_base_ms", 1000)

	viper.SetDefault("scheduler.kind", "polling")
	viper.SetDefault("scheduler.batch_size", 10)
	viper.SetDefault("scheduler.poll_interval_ms", 1000)
	viper.SetDefault("scheduler.min_poll_interval_ms", 200)
	viper.SetDefault("scheduler.max_poll_interval_ms", 10000)
	viper.SetDefault("scheduler.backoff_multiplier", 1.5)
	viper.SetDefault("scheduler.speedup_multiplier", 0.5)

	viper.SetDefault("sandbox.sandbox_memory_bytes", 64*1024*1024)
	viper.SetDefault("sandbox.sandbox_stack_bytes", 1024*1024)
	viper.SetDefault("sandbox.sandbox_deadline_ms", 10000)

	viper.SetDefault("step_runner.inline_sleep_budget_ms", 25000)

	viper.SetDefault("rate_limit.enabled", true)
	viper.SetDefault("rate_limit.requests_per_second", 100)
	viper.SetDefault("rate_limit.burst_size", 200)
	viper.SetDefault("rate_limit.window_size", "1m")
}

func bindEnvVars() {
	viper.BindEnv("app.environment", "NODE_ENV")

	viper.BindEnv("http.address", "HTTP_ADDR")

	viper.BindEnv("database.driver", "STORE_DRIVER")
	viper.BindEnv("database.url", "POSTGRES_URL")
	viper.BindEnv("database.max_open_conns", "DB_MAX_OPEN_CONNS")
	viper.BindEnv("database.max_idle_conns", "DB_MAX_IDLE_CONNS")
	viper.BindEnv("database.conn_max_lifetime", "DB_CONN_MAX_LIFETIME")

	viper.BindEnv("redis.url", "REDIS_URL")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	viper.BindEnv("message_queue.url", "RABBITMQ_URL")

	viper.BindEnv("app.workflows_dir", "WORKFLOWS_DIR")

	viper.BindEnv("observability.otlp_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
	viper.BindEnv("observability.service_name", "OTEL_SERVICE_NAME")

	viper.BindEnv("store.lease_ms", "LEASE_MS")
	viper.BindEnv("store.max_retries", "MAX_RETRIES")
	viper.BindEnv("store.retry_base_ms", "RETRY_BASE_MS")

	viper.BindEnv("scheduler.kind", "SCHEDULER_KIND")
	viper.BindEnv("scheduler.batch_size", "BATCH_SIZE")

	viper.BindEnv("step_runner.gateway_url", "TOOL_GATEWAY_URL")
	viper.BindEnv("step_runner.auth_token", "TOOL_GATEWAY_TOKEN")
}

func validate(cfg *Config) error {
	if cfg.Database.URL == "" && cfg.Redis.URL == "" {
		return fmt.Errorf("one of database.url or redis.url is required")
	}
	if cfg.Store.LeaseMs <= 0 {
		return fmt.Errorf("store.lease_ms must be greater than 0")
	}
	if cfg.Scheduler.BatchSize <= 0 {
		return fmt.Errorf("scheduler.batch_size must be greater than 0")
	}
	return nil
}

// GetEnvAsInt retrieves an environment variable as an integer with a default value.
func GetEnvAsInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// GetEnvAsBool retrieves an environment variable as a boolean with a default value.
func GetEnvAsBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// GetEnvAsDuration retrieves an environment variable as a duration with a default value.
func GetEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
