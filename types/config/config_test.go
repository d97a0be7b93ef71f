package config

import (
	"context"
	"testing"
	"time"

	"github.com/RezaEskandarii/jobfire/custom_errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStorageDriver_String(t *testing.T) {
	tests := []struct {
		name     string
		driver   StorageDriver
		expected string
	}{
		{name: "Postgres driver", driver: Postgres, expected: "postgres"},
		{name: "SQLite driver", driver: SQLite, expected: "sqlite"},
		{name: "Unknown driver", driver: StorageDriver(999), expected: "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := tt.driver.String()
			if result != tt.expected {
				t.Errorf("String() = %v, want %v", result, tt.expected)
			}
		})
	}
}

func TestParseDrivers(t *testing.T) {
	d, ok := ParseStorageDriver("SQLite3")
	assert.True(t, ok)
	assert.Equal(t, SQLite, d)

	_, ok = ParseStorageDriver("mysql")
	assert.False(t, ok)

	l, ok := ParseLockDriver("")
	assert.True(t, ok)
	assert.Equal(t, NoLock, l)
	assert.Equal(t, "redis", RedisLock.String())

	m, ok := ParseMessageQueueDriver("amqp")
	assert.True(t, ok)
	assert.Equal(t, RabbitMQ, m)
	assert.Equal(t, "nats", NATS.String())
}

func TestNewJobfireConfig_Defaults(t *testing.T) {
	cfg, err := NewJobfireConfig("test-instance")
	require.NoError(t, err)

	assert.Equal(t, "test-instance", cfg.Instance)
	assert.Equal(t, DefaultStorageDriver, cfg.StorageDriver)
	assert.Equal(t, DefaultTaskBatchSize, cfg.TaskBatchSize)
	assert.Equal(t, DefaultLockTTL, cfg.LockTTL)
	assert.Equal(t, NoLock, cfg.LockDriver)
	assert.Equal(t, NoMessageQueue, cfg.MQDriver)
	assert.True(t, cfg.RunMigrations)
	assert.Equal(t, time.UTC, cfg.Location)
}

func TestNewJobfireConfig_CollectsValidationErrors(t *testing.T) {
	cfg, err := NewJobfireConfig("",
		WithTaskBatchSize(0),
		WithPostgresConfig(PostgresConfig{}),
		WithLockTTL(0),
	)
	require.Error(t, err)
	assert.Nil(t, cfg)

	var vErr *custom_errors.ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Len(t, vErr.Errors, 4)
}

func TestNewJobfireConfig_Options(t *testing.T) {
	cfg, err := NewJobfireConfig("node-1",
		WithSQLiteConfig(SQLiteConfig{Path: "/tmp/jobfire.db"}),
		WithRedisLock(RedisConfig{Address: "localhost:6379"}),
		WithNATSConfig(NATSConfig{URL: "nats://localhost:4222"}),
		WithItemTimeout(5*time.Second),
		WithHTTP(HTTPConfig{RateLimit: 2}),
		WithTimezone("UTC"),
	)
	require.NoError(t, err)

	assert.Equal(t, SQLite, cfg.StorageDriver)
	assert.Equal(t, RedisLock, cfg.LockDriver)
	assert.Equal(t, NATS, cfg.MQDriver)
	assert.Equal(t, DefaultEventSubject, cfg.NATSConfig.Subject)
	assert.Equal(t, 5*time.Second, cfg.ItemTimeout)
	assert.True(t, cfg.HTTP.Enabled)
	assert.Equal(t, uint(DefaultHTTPPort), cfg.HTTP.Port)
	assert.Equal(t, 1, cfg.HTTP.RateBurst)
}

func TestNewJobfireConfig_ItemTimeoutWithinLease(t *testing.T) {
	_, err := NewJobfireConfig("node-1", WithLockTTL(time.Minute), WithItemTimeout(time.Minute))
	assert.ErrorContains(t, err, "must be shorter than the lock ttl")

	_, err = NewJobfireConfig("node-1", WithItemTimeout(2*DefaultLockTTL))
	assert.Error(t, err)

	cfg, err := NewJobfireConfig("node-1", WithLockTTL(time.Minute), WithItemTimeout(59*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 59*time.Second, cfg.ItemTimeout)
}

func TestRegisterHandlerAndBuild(t *testing.T) {
	cfg, err := NewJobfireConfig("node-1")
	require.NoError(t, err)

	fn := RunnableFunc(func(ctx context.Context, input map[string]any) (any, error) { return nil, nil })
	require.NoError(t, cfg.RegisterHandlers([]MethodHandler{{Name: "a", Handler: fn}, {Name: "b", Handler: fn}}))
	assert.Error(t, cfg.RegisterHandler(MethodHandler{Name: "c"}))

	jh, err := cfg.BuildJobHandler()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, jh.List())

	require.NoError(t, cfg.RegisterHandler(MethodHandler{Name: "a", Handler: fn}))
	_, err = cfg.BuildJobHandler()
	assert.Error(t, err)
}
