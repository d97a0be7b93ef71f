package config

import "strings"

type StorageDriver int

const (
	Postgres StorageDriver = iota + 1
	SQLite
)

// String converts the StorageDriver enum to a human-readable string.
func (d StorageDriver) String() string {
	switch d {
	case Postgres:
		return "postgres"
	case SQLite:
		return "sqlite"
	}
	return "unknown"
}

type LockDriver int

const (
	NoLock LockDriver = iota
	PostgresLock
	RedisLock
)

func (d LockDriver) String() string {
	switch d {
	case NoLock:
		return "none"
	case PostgresLock:
		return "postgres"
	case RedisLock:
		return "redis"
	}
	return "unknown"
}

type MessageQueueDriver int

const (
	NoMessageQueue MessageQueueDriver = iota
	RabbitMQ
	NATS
)

func (d MessageQueueDriver) String() string {
	switch d {
	case NoMessageQueue:
		return "none"
	case RabbitMQ:
		return "rabbitmq"
	case NATS:
		return "nats"
	default:
		return "unknown"
	}
}

func ParseStorageDriver(s string) (StorageDriver, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "postgres", "postgresql":
		return Postgres, true
	case "sqlite", "sqlite3":
		return SQLite, true
	}
	return 0, false
}

func ParseLockDriver(s string) (LockDriver, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return NoLock, true
	case "postgres", "postgresql":
		return PostgresLock, true
	case "redis":
		return RedisLock, true
	}
	return 0, false
}

func ParseMessageQueueDriver(s string) (MessageQueueDriver, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return NoMessageQueue, true
	case "rabbitmq", "amqp":
		return RabbitMQ, true
	case "nats":
		return NATS, true
	}
	return 0, false
}
