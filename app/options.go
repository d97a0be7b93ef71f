package app

import (
	"database/sql"

	"github.com/RezaEskandarii/jobfire/internal/lock"
	"github.com/RezaEskandarii/jobfire/internal/message_broaker"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ContainerOption configures Container creation. Used for testing and customization.
type ContainerOption func(*containerConfig)

type containerConfig struct {
	// Optional: inject connections instead of creating them from config
	db     *sql.DB
	redis  redis.UniversalClient
	lock   lock.DistributedLockManager
	broker message_broaker.MessageBroker
	logger *zerolog.Logger
}

// WithDB injects a database connection matching cfg.StorageDriver. The
// container does not close injected connections.
func WithDB(db *sql.DB) ContainerOption {
	return func(c *containerConfig) {
		c.db = db
	}
}

// WithRedis injects the client used by the redis lock driver.
func WithRedis(client redis.UniversalClient) ContainerOption {
	return func(c *containerConfig) {
		c.redis = client
	}
}

// WithLockManager replaces the lock selected by cfg.LockDriver.
func WithLockManager(l lock.DistributedLockManager) ContainerOption {
	return func(c *containerConfig) {
		c.lock = l
	}
}

// WithBroker replaces the broker selected by cfg.MQDriver.
func WithBroker(b message_broaker.MessageBroker) ContainerOption {
	return func(c *containerConfig) {
		c.broker = b
	}
}

func WithLogger(l zerolog.Logger) ContainerOption {
	return func(c *containerConfig) {
		c.logger = &l
	}
}
