// Package app wires configuration into the running prompt-sync components.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/cabibbz/koya-caller-sub007/prompt-sync/internal/agentplatform"
	"github.com/cabibbz/koya-caller-sub007/prompt-sync/internal/agentsync"
	"github.com/cabibbz/koya-caller-sub007/prompt-sync/internal/archive"
	"github.com/cabibbz/koya-caller-sub007/prompt-sync/internal/auth"
	"github.com/cabibbz/koya-caller-sub007/prompt-sync/internal/config"
	"github.com/cabibbz/koya-caller-sub007/prompt-sync/internal/events"
	"github.com/cabibbz/koya-caller-sub007/prompt-sync/internal/generation"
	"github.com/cabibbz/koya-caller-sub007/prompt-sync/internal/httpserver"
	"github.com/cabibbz/koya-caller-sub007/prompt-sync/internal/lock"
	"github.com/cabibbz/koya-caller-sub007/prompt-sync/internal/logger"
	"github.com/cabibbz/koya-caller-sub007/prompt-sync/internal/migrations"
	"github.com/cabibbz/koya-caller-sub007/prompt-sync/internal/observability"
	"github.com/cabibbz/koya-caller-sub007/prompt-sync/internal/processor"
	"github.com/cabibbz/koya-caller-sub007/prompt-sync/internal/snapshot"
	"github.com/cabibbz/koya-caller-sub007/prompt-sync/internal/store"
)

type App struct {
	Config    config.Config
	DB        *sql.DB
	Store     *store.PGStore
	Processor *processor.Processor
	Server    *httpserver.Server
	Log       *logger.Logger

	openDB  func(ctx context.Context, dsn string, maxOpen int) (*sql.DB, error)
	closers []func(context.Context) error
}

// OpenDB opens and pings a Postgres pool of at most maxOpen connections.
func OpenDB(ctx context.Context, dsn string, maxOpen int) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("db open: %w", err)
	}
	if maxOpen <= 0 {
		maxOpen = 10
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(max(1, maxOpen/2))
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

// New builds every component named by cfg. Close releases what it opened.
func New(ctx context.Context, cfg config.Config, log *logger.Logger) (*App, error) {
	if log == nil {
		log = logger.Nop()
	}
	a := &App{Config: cfg, Log: log, openDB: OpenDB}

	shutdownTracing, err := observability.SetupTracing(ctx, log, cfg.Tracing, cfg.Env)
	if err != nil {
		return nil, fmt.Errorf("tracing: %w", err)
	}
	a.closers = append(a.closers, shutdownTracing)

	db, err := OpenDB(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	a.DB = db
	a.closers = append(a.closers, func(context.Context) error { return db.Close() })
	log.Info("connected to postgres")

	if cfg.AutoMigrate {
		if err := migrations.Up(ctx, db, log); err != nil {
			a.Close(ctx)
			return nil, err
		}
	}

	a.Store = store.NewPGStore(db)

	locker, err := a.buildLocker(ctx)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	gen, err := buildGenerator(cfg.Generator, log)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	platform, err := agentplatform.NewHTTPClient(agentplatform.HTTPClientConfig{
		BaseURL: cfg.Platform.URL,
		APIKey:  cfg.Platform.APIKey,
		Timeout: cfg.Platform.Timeout,
		Retries: cfg.Platform.Retries,
	})
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("agent platform client: %w", err)
	}
	publisher, err := a.buildPublisher()
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	archiver, err := buildArchiver(ctx, cfg.Archive, log)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}

	syncer := agentsync.New(a.Store, a.Store, platform,
		agentsync.WithEvents(publisher),
		agentsync.WithLogger(log),
		agentsync.WithTimeout(cfg.Processor.SyncTimeout),
	)
	proc, err := processor.New(processor.Deps{
		Queue:     a.Store,
		Artifacts: a.Store,
		Bindings:  a.Store,
		Snapshots: snapshot.NewBuilder(snapshot.NewPGReader(db)),
		Generator: gen,
		Syncer:    syncer,
		Locker:    locker,
		Archiver:  archiver,
		Events:    publisher,
		Log:       log,
	}, ProcessorConfig(cfg.Processor))
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	a.Processor = proc

	verifier, err := auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.Disabled, log)
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("auth: %w", err)
	}
	a.Server = httpserver.New(a.Store, proc, verifier, log)
	return a, nil
}

// ProcessorConfig maps the environment settings onto the processor's.
func ProcessorConfig(c config.ProcessorConfig) processor.Config {
	return processor.Config{
		BatchSize:         c.BatchSize,
		MaxConcurrency:    c.MaxConcurrency,
		ReconcileLimit:    c.ReconcileLimit,
		SnapshotTimeout:   c.SnapshotTimeout,
		GenerationTimeout: c.GenerationTimeout,
		PersistTimeout:    c.PersistTimeout,
		SyncTimeout:       c.SyncTimeout,
		ArchiveTimeout:    c.ArchiveTimeout,
	}
}

// WorkerConfig maps the environment settings onto the background worker's.
func WorkerConfig(c config.ProcessorConfig) processor.WorkerConfig {
	return processor.WorkerConfig{
		PollInterval:      c.PollInterval,
		ReconcileInterval: c.ReconcileInterval,
		BatchSize:         c.BatchSize,
		ReconcileLimit:    c.ReconcileLimit,
	}
}

func (a *App) buildLocker(ctx context.Context) (lock.Locker, error) {
	cfg := a.Config.Lock
	switch cfg.Backend {
	case config.LockBackendLocal:
		a.Log.Warn("using in-process tenant lock; run a single replica")
		return lock.NewLocal(cfg.Wait), nil
	case config.LockBackendRedis:
		client, err := newRedisClient(cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func(context.Context) error { return client.Close() })
		return lock.NewRedis(client, cfg.TTL, cfg.Wait, a.Log), nil
	default:
		open := a.openDB
		if open == nil {
			open = OpenDB
		}
		size := a.Config.LockPoolSize()
		lockDB, err := open(ctx, a.Config.DatabaseURL, size)
		if err != nil {
			return nil, fmt.Errorf("lock pool: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return lockDB.Close() })
		a.Log.Info("advisory lock pool opened", "max_conns", size)
		return lock.NewPGAdvisory(lockDB, cfg.Wait), nil
	}
}

func newRedisClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

func buildGenerator(cfg config.GeneratorConfig, log *logger.Logger) (generation.Generator, error) {
	var (
		next generation.Generator
		err  error
	)
	switch cfg.Backend {
	case config.GeneratorBackendOpenAI:
		next, err = generation.NewOpenAIClient(generation.OpenAIConfig{
			APIKey:      cfg.OpenAIAPIKey,
			BaseURL:     cfg.OpenAIBaseURL,
			Model:       cfg.OpenAIModel,
			Temperature: cfg.OpenAITemperature,
			MaxTokens:   cfg.OpenAIMaxTokens,
		})
	default:
		next, err = generation.NewHTTPClient(generation.HTTPClientConfig{
			BaseURL: cfg.URL,
			APIKey:  cfg.APIKey,
			Timeout: cfg.Timeout,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("generator: %w", err)
	}
	return generation.NewRetrying(next, generation.RetryConfig{MaxAttempts: cfg.MaxAttempts}, log), nil
}

func (a *App) buildPublisher() (events.Publisher, error) {
	cfg := a.Config.Events
	if len(cfg.KafkaBrokers) == 0 {
		return events.NopPublisher{}, nil
	}
	p, err := events.NewKafkaPublisher(events.KafkaConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func(context.Context) error { return p.Close() })
	a.Log.Info("kafka publisher initialized", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	return p, nil
}

func buildArchiver(ctx context.Context, cfg config.ArchiveConfig, log *logger.Logger) (archive.Archiver, error) {
	if cfg.Bucket == "" {
		return archive.NopArchiver{}, nil
	}
	s3a, err := archive.NewS3Archiver(ctx, cfg.Bucket, cfg.Prefix)
	if err != nil {
		return nil, fmt.Errorf("s3 archiver: %w", err)
	}
	log.Info("s3 archiver initialized", "bucket", cfg.Bucket, "prefix", cfg.Prefix)
	return s3a, nil
}

// Close runs closers in reverse order of registration.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
