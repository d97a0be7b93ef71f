package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/RezaEskandarii/jobfire/client"
	"github.com/RezaEskandarii/jobfire/internal/db"
	"github.com/RezaEskandarii/jobfire/internal/lock"
	"github.com/RezaEskandarii/jobfire/internal/logging"
	"github.com/RezaEskandarii/jobfire/internal/message_broaker"
	"github.com/RezaEskandarii/jobfire/internal/store"
	"github.com/RezaEskandarii/jobfire/internal/store/postgres"
	"github.com/RezaEskandarii/jobfire/internal/store/sqlite"
	"github.com/RezaEskandarii/jobfire/types/config"
	"github.com/RezaEskandarii/jobfire/web"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Container holds all application dependencies. It is the single source of truth
// for dependency injection and ensures connections and services are created once.
type Container struct {
	Config *config.JobfireConfig
	Log    zerolog.Logger

	// Storage connections (created once, shared by all stores)
	DB      *sql.DB
	Dialect db.Dialect
	Redis   redis.UniversalClient

	// Stores (implement interfaces for testability)
	CronJobStore store.CronJobStore
	TaskStore    store.AutomatedTaskStore

	// Infrastructure
	LockManager   lock.DistributedLockManager
	MessageBroker message_broaker.MessageBroker
	Events        *message_broaker.EventPublisher

	// Job handlers and managers
	JobHandler     *config.JobHandler
	CronJobManager *client.CronJobManager
	TaskManager    *client.TaskManager
	Router         *web.HttpRouteHandler

	closers []func() error
}

// NewContainer creates and wires all dependencies. Single entry point for DI.
// Call this once per application lifecycle.
// Pass optional WithDB, WithRedis, WithLockManager, WithBroker to inject
// connections for testing.
func NewContainer(ctx context.Context, cfg *config.JobfireConfig, opts ...ContainerOption) (_ *Container, err error) {
	opt := &containerConfig{}
	for _, o := range opts {
		o(opt)
	}

	c := &Container{Config: cfg}
	defer func() {
		if err != nil {
			_ = c.Close()
		}
	}()

	if opt.logger != nil {
		c.Log = *opt.logger
	} else {
		c.Log = logging.New(logging.Config{Level: cfg.Logging.Level, Console: cfg.Logging.Console})
	}
	c.Log = c.Log.With().Str("instance", cfg.Instance).Logger()

	if c.JobHandler, err = cfg.BuildJobHandler(); err != nil {
		return nil, fmt.Errorf("register handlers: %w", err)
	}

	if err = c.initStorage(ctx, opt.db); err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}
	if err = c.initLock(opt); err != nil {
		return nil, fmt.Errorf("init lock: %w", err)
	}
	if err = c.initBroker(opt.broker); err != nil {
		return nil, fmt.Errorf("init message broker: %w", err)
	}
	c.Events = message_broaker.NewEventPublisher(c.MessageBroker, cfg.Instance, logging.Component(c.Log, "events"))

	if cfg.RunMigrations {
		var migrationLock lock.DistributedLockManager
		if c.Dialect == db.Postgres {
			migrationLock = lock.NewPostgresDistributedLockManager(c.DB)
		}
		if err = db.Migrate(ctx, c.DB, c.Dialect, migrationLock); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	managerOpts := append(client.FromConfig(cfg),
		client.WithLockManager(c.LockManager),
		client.WithEvents(c.Events),
		client.WithLogger(c.Log),
	)
	c.CronJobManager = client.NewCronJobManager(c.CronJobStore, c.JobHandler, cfg.Instance, managerOpts...)
	c.TaskManager = client.NewTaskManager(c.TaskStore, c.JobHandler, managerOpts...)
	c.Router = web.NewRouteHandler(c.CronJobManager, c.TaskManager, c.CronJobStore, c.TaskStore, cfg.HTTP, c.Log)

	return c, nil
}

// initStorage opens the configured database unless one was injected.
func (c *Container) initStorage(ctx context.Context, injected *sql.DB) error {
	cfg := c.Config
	switch cfg.StorageDriver {
	case config.Postgres:
		c.Dialect = db.Postgres
	case config.SQLite:
		c.Dialect = db.SQLite
	default:
		return fmt.Errorf("unsupported storage driver: %v", cfg.StorageDriver)
	}

	if injected != nil {
		c.DB = injected
	} else {
		var err error
		if c.Dialect == db.Postgres {
			c.DB, err = db.OpenPostgres(ctx, cfg.PostgresConfig.ConnectionUrl, db.PoolConfig{
				MaxOpenConns:    cfg.PostgresConfig.MaxOpenConns,
				MaxIdleConns:    cfg.PostgresConfig.MaxIdleConns,
				ConnMaxLifetime: cfg.PostgresConfig.ConnMaxLifetime,
			})
		} else {
			c.DB, err = db.OpenSQLite(ctx, cfg.SQLiteConfig.Path, cfg.SQLiteConfig.BusyTimeout)
		}
		if err != nil {
			return err
		}
		c.closers = append(c.closers, c.DB.Close)
	}

	if c.Dialect == db.Postgres {
		c.CronJobStore = postgres.NewPostgresCronJobStore(c.DB)
		c.TaskStore = postgres.NewPostgresAutomatedTaskStore(c.DB)
	} else {
		c.CronJobStore = sqlite.NewSQLiteCronJobStore(c.DB)
		c.TaskStore = sqlite.NewSQLiteAutomatedTaskStore(c.DB)
	}
	return nil
}

func (c *Container) initLock(opt *containerConfig) error {
	if opt.lock != nil {
		c.LockManager = opt.lock
		return nil
	}

	cfg := c.Config
	switch cfg.LockDriver {
	case config.NoLock:
		c.LockManager = lock.NoopLockManager{}
	case config.PostgresLock:
		if c.Dialect != db.Postgres {
			return errors.New("the postgres lock driver requires postgres storage")
		}
		c.LockManager = lock.NewPostgresDistributedLockManager(c.DB)
	case config.RedisLock:
		c.Redis = opt.redis
		if c.Redis == nil {
			rdb := redis.NewClient(&redis.Options{
				Addr:     cfg.RedisConfig.Address,
				Password: cfg.RedisConfig.Password,
				DB:       cfg.RedisConfig.DB,
			})
			c.Redis = rdb
			c.closers = append(c.closers, rdb.Close)
		}
		c.LockManager = lock.NewRedisDistributedLockManager(c.Redis, "", cfg.LockTTL)
	default:
		return fmt.Errorf("unsupported lock driver: %v", cfg.LockDriver)
	}
	return nil
}

func (c *Container) initBroker(injected message_broaker.MessageBroker) error {
	if injected != nil {
		c.MessageBroker = injected
		return nil
	}

	cfg := c.Config
	var (
		broker message_broaker.MessageBroker
		err    error
	)
	switch cfg.MQDriver {
	case config.NoMessageQueue:
		return nil
	case config.RabbitMQ:
		rc := cfg.RabbitMQConfig
		broker, err = message_broaker.NewRabbitMQ(rc.URL, rc.Exchange, rc.Queue, rc.RoutingKey)
	case config.NATS:
		broker, err = message_broaker.NewNATS(cfg.NATSConfig.URL, cfg.NATSConfig.Subject, "jobfire-"+cfg.Instance)
	default:
		return fmt.Errorf("unsupported message queue driver: %v", cfg.MQDriver)
	}
	if err != nil {
		return err
	}
	c.MessageBroker = broker
	c.closers = append(c.closers, broker.Close)
	return nil
}

// Close releases the connections the container opened itself, newest first.
func (c *Container) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}
