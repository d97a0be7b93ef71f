package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"go.yaml.in/yaml/v3"
)

// FileConfig is the on-disk YAML representation of JobfireConfig.
// Values may reference environment variables as ${NAME}.
//
// Durations are Go duration strings (e.g. "500ms", "10s", "1m").
type FileConfig struct {
	Instance string `yaml:"instance"`

	Storage struct {
		Driver        string `yaml:"driver" validate:"omitempty,oneof=postgres postgresql sqlite sqlite3"`
		URL           string `yaml:"url" validate:"required"`
		MaxOpenConns  int    `yaml:"max_open_conns" validate:"gte=0"`
		MaxIdleConns  int    `yaml:"max_idle_conns" validate:"gte=0"`
		ConnLifetime  string `yaml:"conn_max_lifetime"`
		BusyTimeout   string `yaml:"busy_timeout"`
		RunMigrations *bool  `yaml:"run_migrations"`
	} `yaml:"storage"`

	Lock struct {
		Driver        string `yaml:"driver" validate:"omitempty,oneof=none postgres postgresql redis"`
		RedisAddress  string `yaml:"redis_address" validate:"required_if=Driver redis"`
		RedisPassword string `yaml:"redis_password"`
		RedisDB       int    `yaml:"redis_db" validate:"gte=0"`
	} `yaml:"lock"`

	Events struct {
		Driver     string `yaml:"driver" validate:"omitempty,oneof=none rabbitmq amqp nats"`
		URL        string `yaml:"url"`
		Exchange   string `yaml:"exchange"`
		Queue      string `yaml:"queue"`
		RoutingKey string `yaml:"routing_key"`
		Subject    string `yaml:"subject"`
	} `yaml:"events"`

	Runner struct {
		TaskBatchSize    int    `yaml:"task_batch_size" validate:"gte=0"`
		ItemTimeout      string `yaml:"item_timeout"`
		BatchDeadline    string `yaml:"batch_deadline"`
		LockTTL          string `yaml:"lock_ttl"`
		StaleTaskTimeout string `yaml:"stale_task_timeout"`
		ScanInterval     string `yaml:"scan_interval"`
		CronGrammar      bool   `yaml:"cron_grammar"`
		Timezone         string `yaml:"timezone"`
	} `yaml:"runner"`

	HTTP struct {
		Enabled   bool    `yaml:"enabled"`
		Port      uint    `yaml:"port" validate:"lte=65535"`
		RateLimit float64 `yaml:"rate_limit" validate:"gte=0"`
		RateBurst int     `yaml:"rate_burst" validate:"gte=0"`
	} `yaml:"http"`

	Logging struct {
		Level   string `yaml:"level" validate:"omitempty,oneof=trace debug info warn error"`
		Console *bool  `yaml:"console"`
	} `yaml:"logging"`

	CronJobs []FileCronJob `yaml:"cron_jobs" validate:"dive"`
}

type FileCronJob struct {
	Name               string         `yaml:"name" validate:"required"`
	FunctionName       string         `yaml:"function_name" validate:"required"`
	ScheduleExpression string         `yaml:"schedule_expression" validate:"required"`
	Parameters         map[string]any `yaml:"parameters"`
	IsActive           *bool          `yaml:"is_active"`
}

var validate = validator.New()

// LoadEnv loads KEY=VALUE pairs from the given dotenv files into the process
// environment. Missing files are ignored; existing variables are not overridden.
func LoadEnv(paths ...string) error {
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load env %s: %w", p, err)
		}
	}
	return nil
}

// LoadFile reads, expands and validates a YAML config file.
func LoadFile(path string) (*FileConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseFile(bytes.NewReader(b))
}

func ParseFile(r io.Reader) (*FileConfig, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	expanded := os.ExpandEnv(string(raw))

	var fc FileConfig
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := validate.Struct(&fc); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &fc, nil
}

// Options converts the file into functional options for NewJobfireConfig.
func (fc *FileConfig) Options() ([]Option, error) {
	var opts []Option

	storage, ok := ParseStorageDriver(fc.Storage.Driver)
	if !ok {
		return nil, fmt.Errorf("storage.driver: unknown driver %q", fc.Storage.Driver)
	}
	switch storage {
	case Postgres:
		lifetime, err := ParseDurationField("storage.conn_max_lifetime", fc.Storage.ConnLifetime)
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithPostgresConfig(PostgresConfig{
			ConnectionUrl:   fc.Storage.URL,
			MaxOpenConns:    fc.Storage.MaxOpenConns,
			MaxIdleConns:    fc.Storage.MaxIdleConns,
			ConnMaxLifetime: lifetime,
		}))
	case SQLite:
		busy, err := ParseDurationField("storage.busy_timeout", fc.Storage.BusyTimeout)
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithSQLiteConfig(SQLiteConfig{Path: fc.Storage.URL, BusyTimeout: busy}))
	}
	if fc.Storage.RunMigrations != nil {
		opts = append(opts, WithMigrations(*fc.Storage.RunMigrations))
	}

	lockDriver, ok := ParseLockDriver(fc.Lock.Driver)
	if !ok {
		return nil, fmt.Errorf("lock.driver: unknown driver %q", fc.Lock.Driver)
	}
	switch lockDriver {
	case PostgresLock:
		opts = append(opts, WithPostgresLock())
	case RedisLock:
		opts = append(opts, WithRedisLock(RedisConfig{
			Address:  fc.Lock.RedisAddress,
			Password: fc.Lock.RedisPassword,
			DB:       fc.Lock.RedisDB,
		}))
	}

	mq, ok := ParseMessageQueueDriver(fc.Events.Driver)
	if !ok {
		return nil, fmt.Errorf("events.driver: unknown driver %q", fc.Events.Driver)
	}
	switch mq {
	case RabbitMQ:
		opts = append(opts, WithRabbitMQConfig(RabbitMQConfig{
			URL:        fc.Events.URL,
			Exchange:   fc.Events.Exchange,
			Queue:      fc.Events.Queue,
			RoutingKey: fc.Events.RoutingKey,
		}))
	case NATS:
		opts = append(opts, WithNATSConfig(NATSConfig{URL: fc.Events.URL, Subject: fc.Events.Subject}))
	}

	durations := []struct {
		path string
		raw  string
		def  time.Duration
		opt  func(time.Duration) Option
	}{
		{"runner.item_timeout", fc.Runner.ItemTimeout, 0, WithItemTimeout},
		{"runner.batch_deadline", fc.Runner.BatchDeadline, 0, WithBatchDeadline},
		{"runner.lock_ttl", fc.Runner.LockTTL, DefaultLockTTL, WithLockTTL},
		{"runner.stale_task_timeout", fc.Runner.StaleTaskTimeout, 0, WithStaleTaskTimeout},
		{"runner.scan_interval", fc.Runner.ScanInterval, 0, WithScanInterval},
	}
	for _, d := range durations {
		v, err := ParseDurationOrDefault(d.path, d.raw, d.def)
		if err != nil {
			return nil, err
		}
		opts = append(opts, d.opt(v))
	}

	if fc.Runner.TaskBatchSize > 0 {
		opts = append(opts, WithTaskBatchSize(fc.Runner.TaskBatchSize))
	}
	opts = append(opts, WithCronGrammar(fc.Runner.CronGrammar), WithTimezone(fc.Runner.Timezone))

	if fc.HTTP.Enabled {
		opts = append(opts, WithHTTP(HTTPConfig{
			Port:      fc.HTTP.Port,
			RateLimit: fc.HTTP.RateLimit,
			RateBurst: fc.HTTP.RateBurst,
		}))
	}

	console := true
	if fc.Logging.Console != nil {
		console = *fc.Logging.Console
	}
	opts = append(opts, WithLogging(LoggingConfig{Level: fc.Logging.Level, Console: console}))

	for _, j := range fc.CronJobs {
		active := true
		if j.IsActive != nil {
			active = *j.IsActive
		}
		opts = append(opts, WithCronJob(CronJobSeed{
			Name:               j.Name,
			FunctionName:       j.FunctionName,
			ScheduleExpression: j.ScheduleExpression,
			Parameters:         j.Parameters,
			IsActive:           active,
		}))
	}

	return opts, nil
}

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}
