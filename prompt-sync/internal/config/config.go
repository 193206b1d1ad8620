package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	LockBackendPostgres = "postgres"
	LockBackendRedis    = "redis"
	LockBackendLocal    = "local"

	GeneratorBackendHTTP   = "http"
	GeneratorBackendOpenAI = "openai"
)

type Config struct {
	Env          string `env:"PROMPT_SYNC_ENV" envDefault:"development"`
	Addr         string `env:"PROMPT_SYNC_ADDR" envDefault:":8071"`
	DatabaseURL  string `env:"PROMPT_SYNC_DATABASE_URL"`
	DBMaxConns   int    `env:"PROMPT_SYNC_DB_MAX_OPEN_CONNS" envDefault:"10"`
	AutoMigrate  bool   `env:"PROMPT_SYNC_AUTO_MIGRATE" envDefault:"false"`
	RunProcessor bool   `env:"PROMPT_SYNC_RUN_PROCESSOR" envDefault:"false"`

	Processor ProcessorConfig
	Lock      LockConfig
	Generator GeneratorConfig
	Platform  PlatformConfig
	Events    EventsConfig
	Archive   ArchiveConfig
	Auth      AuthConfig
	Tracing   TracingConfig
}

type ProcessorConfig struct {
	BatchSize         int           `env:"PROMPT_SYNC_BATCH_SIZE" envDefault:"25"`
	MaxConcurrency    int           `env:"PROMPT_SYNC_MAX_CONCURRENCY" envDefault:"4"`
	PollInterval      time.Duration `env:"PROMPT_SYNC_POLL_INTERVAL" envDefault:"5s"`
	ReconcileInterval time.Duration `env:"PROMPT_SYNC_RECONCILE_INTERVAL" envDefault:"5m"`
	ReconcileLimit    int           `env:"PROMPT_SYNC_RECONCILE_LIMIT" envDefault:"100"`
	SnapshotTimeout   time.Duration `env:"PROMPT_SYNC_SNAPSHOT_TIMEOUT" envDefault:"15s"`
	GenerationTimeout time.Duration `env:"PROMPT_SYNC_GENERATION_TIMEOUT" envDefault:"120s"`
	PersistTimeout    time.Duration `env:"PROMPT_SYNC_PERSIST_TIMEOUT" envDefault:"10s"`
	SyncTimeout       time.Duration `env:"PROMPT_SYNC_SYNC_TIMEOUT" envDefault:"30s"`
	ArchiveTimeout    time.Duration `env:"PROMPT_SYNC_ARCHIVE_TIMEOUT" envDefault:"30s"`
}

// CriticalSection is the longest one regeneration may hold its tenant lock.
func (c ProcessorConfig) CriticalSection() time.Duration {
	return c.SnapshotTimeout + c.GenerationTimeout + 2*c.PersistTimeout + c.ArchiveTimeout + c.SyncTimeout
}

type LockConfig struct {
	Backend  string        `env:"PROMPT_SYNC_LOCK_BACKEND" envDefault:"postgres"`
	Wait     time.Duration `env:"PROMPT_SYNC_LOCK_WAIT" envDefault:"30s"`
	TTL      time.Duration `env:"PROMPT_SYNC_LOCK_TTL" envDefault:"5m"`
	RedisURL string        `env:"PROMPT_SYNC_REDIS_URL"`
	// PoolSize caps the connections reserved for advisory locks; 0 derives it from MaxConcurrency.
	PoolSize int `env:"PROMPT_SYNC_LOCK_POOL_SIZE" envDefault:"0"`
}

type GeneratorConfig struct {
	Backend     string        `env:"PROMPT_SYNC_GENERATOR" envDefault:"http"`
	URL         string        `env:"PROMPT_SYNC_GENERATOR_URL"`
	APIKey      string        `env:"PROMPT_SYNC_GENERATOR_API_KEY"`
	Timeout     time.Duration `env:"PROMPT_SYNC_GENERATOR_TIMEOUT" envDefault:"60s"`
	MaxAttempts int           `env:"PROMPT_SYNC_GENERATOR_MAX_ATTEMPTS" envDefault:"3"`

	OpenAIAPIKey      string  `env:"OPENAI_API_KEY"`
	OpenAIBaseURL     string  `env:"OPENAI_BASE_URL"`
	OpenAIModel       string  `env:"PROMPT_SYNC_OPENAI_MODEL" envDefault:"gpt-4o-mini"`
	OpenAITemperature float64 `env:"PROMPT_SYNC_OPENAI_TEMPERATURE" envDefault:"0.4"`
	OpenAIMaxTokens   int64   `env:"PROMPT_SYNC_OPENAI_MAX_TOKENS" envDefault:"2048"`
}

type PlatformConfig struct {
	URL     string        `env:"PROMPT_SYNC_AGENT_PLATFORM_URL"`
	APIKey  string        `env:"PROMPT_SYNC_AGENT_PLATFORM_API_KEY"`
	Timeout time.Duration `env:"PROMPT_SYNC_AGENT_PLATFORM_TIMEOUT" envDefault:"10s"`
	Retries int           `env:"PROMPT_SYNC_AGENT_PLATFORM_RETRIES" envDefault:"2"`
}

type EventsConfig struct {
	KafkaBrokers []string `env:"PROMPT_SYNC_KAFKA_BROKERS" envSeparator:","`
	KafkaTopic   string   `env:"PROMPT_SYNC_KAFKA_TOPIC" envDefault:"prompt-sync.events"`
}

type ArchiveConfig struct {
	Bucket string `env:"PROMPT_SYNC_ARCHIVE_BUCKET"`
	Prefix string `env:"PROMPT_SYNC_ARCHIVE_PREFIX"`
}

type AuthConfig struct {
	JWTSecret string `env:"PROMPT_SYNC_JWT_SECRET"`
	Issuer    string `env:"PROMPT_SYNC_JWT_ISSUER"`
	Disabled  bool   `env:"PROMPT_SYNC_AUTH_DISABLED" envDefault:"false"`
}

type TracingConfig struct {
	Enabled     bool    `env:"OTEL_ENABLED" envDefault:"false"`
	Endpoint    string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	Insecure    bool    `env:"OTEL_EXPORTER_OTLP_INSECURE" envDefault:"true"`
	ServiceName string  `env:"OTEL_SERVICE_NAME" envDefault:"prompt-sync"`
	SampleRatio float64 `env:"OTEL_SAMPLER_RATIO" envDefault:"0.1"`
}

// Load reads optional .env files, then the process environment.
func Load() (Config, error) {
	cfg, err := LoadUnvalidated()
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadUnvalidated is Load without Validate, for tools that only need the database.
func LoadUnvalidated() (Config, error) {
	if err := loadDotEnv(".env", ".env.local"); err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.DatabaseURL = firstNonEmpty(cfg.DatabaseURL, os.Getenv("DATABASE_URL"))
	return cfg, nil
}

func (c Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL or PROMPT_SYNC_DATABASE_URL required")
	}
	switch c.Lock.Backend {
	case LockBackendPostgres, LockBackendLocal:
	case LockBackendRedis:
		if c.Lock.RedisURL == "" {
			return fmt.Errorf("PROMPT_SYNC_REDIS_URL required when PROMPT_SYNC_LOCK_BACKEND=redis")
		}
	default:
		return fmt.Errorf("unknown lock backend %q", c.Lock.Backend)
	}
	switch c.Generator.Backend {
	case GeneratorBackendHTTP:
		if c.Generator.URL == "" {
			return fmt.Errorf("PROMPT_SYNC_GENERATOR_URL required when PROMPT_SYNC_GENERATOR=http")
		}
	case GeneratorBackendOpenAI:
		if c.Generator.OpenAIAPIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY required when PROMPT_SYNC_GENERATOR=openai")
		}
	default:
		return fmt.Errorf("unknown generator backend %q", c.Generator.Backend)
	}
	if c.Platform.URL == "" {
		return fmt.Errorf("PROMPT_SYNC_AGENT_PLATFORM_URL required")
	}
	if c.Auth.JWTSecret == "" && !c.Auth.Disabled {
		return fmt.Errorf("PROMPT_SYNC_JWT_SECRET required unless PROMPT_SYNC_AUTH_DISABLED=true")
	}
	if c.Processor.BatchSize <= 0 {
		return fmt.Errorf("PROMPT_SYNC_BATCH_SIZE must be positive")
	}
	if c.Processor.MaxConcurrency <= 0 {
		return fmt.Errorf("PROMPT_SYNC_MAX_CONCURRENCY must be positive")
	}
	// Each in-flight regeneration needs a connection for its snapshot and persist steps,
	// plus headroom for the HTTP handlers.
	if c.DBMaxConns < c.Processor.MaxConcurrency+2 {
		return fmt.Errorf("PROMPT_SYNC_DB_MAX_OPEN_CONNS (%d) must be at least PROMPT_SYNC_MAX_CONCURRENCY+2 (%d)",
			c.DBMaxConns, c.Processor.MaxConcurrency+2)
	}
	if c.Lock.Backend == LockBackendRedis && c.Lock.TTL <= c.Processor.CriticalSection() {
		return fmt.Errorf("PROMPT_SYNC_LOCK_TTL (%s) must exceed the summed step timeouts (%s)",
			c.Lock.TTL, c.Processor.CriticalSection())
	}
	return nil
}

// LockPoolSize is the size of the connection pool reserved for tenant advisory locks.
// Lock holders and waiters share it; the worker and the HTTP triggers can each run
// MaxConcurrency regenerations at once.
func (c Config) LockPoolSize() int {
	if c.Lock.PoolSize > 0 {
		return c.Lock.PoolSize
	}
	return 2*c.Processor.MaxConcurrency + 2
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production") || strings.EqualFold(c.Env, "prod")
}

func loadDotEnv(files ...string) error {
	existing := make([]string, 0, len(files))
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	if err := godotenv.Load(existing...); err != nil {
		return fmt.Errorf("load dotenv: %w", err)
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
