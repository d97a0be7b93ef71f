package client

import (
	"errors"
	"time"

	"github.com/RezaEskandarii/jobfire/internal/lock"
	"github.com/RezaEskandarii/jobfire/internal/message_broaker"
	"github.com/RezaEskandarii/jobfire/internal/schedule"
	"github.com/RezaEskandarii/jobfire/types/config"
	"github.com/rs/zerolog"
)

// ErrLockNotAcquired is returned when another runner holds the batch lock.
var ErrLockNotAcquired = errors.New("another run is in progress")

type options struct {
	lock          lock.DistributedLockManager
	events        *message_broaker.EventPublisher
	log           zerolog.Logger
	now           func() time.Time
	calc          schedule.Calculator
	itemTimeout   time.Duration
	batchDeadline time.Duration
	lockTTL       time.Duration
	batchSize     int
}

func defaultOptions() options {
	return options{
		lock:      lock.NoopLockManager{},
		log:       zerolog.Nop(),
		now:       time.Now,
		calc:      schedule.NewCalculator(),
		lockTTL:   config.DefaultLockTTL,
		batchSize: config.DefaultTaskBatchSize,
	}
}

type Option func(*options)

func WithLockManager(l lock.DistributedLockManager) Option {
	return func(o *options) {
		if l != nil {
			o.lock = l
		}
	}
}

func WithEvents(p *message_broaker.EventPublisher) Option {
	return func(o *options) { o.events = p }
}

func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func WithCalculator(c schedule.Calculator) Option {
	return func(o *options) { o.calc = c }
}

// WithItemTimeout bounds a single handler invocation. Zero disables it.
func WithItemTimeout(d time.Duration) Option {
	return func(o *options) { o.itemTimeout = d }
}

// WithBatchDeadline stops picking new items once d has elapsed since the
// batch started. Items left over stay due for the next pass.
func WithBatchDeadline(d time.Duration) Option {
	return func(o *options) { o.batchDeadline = d }
}

func WithLockTTL(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.lockTTL = d
		}
	}
}

func WithBatchSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.batchSize = n
		}
	}
}

// FromConfig maps the runner settings of cfg to options.
func FromConfig(cfg *config.JobfireConfig) []Option {
	return []Option{
		WithItemTimeout(cfg.ItemTimeout),
		WithBatchDeadline(cfg.BatchDeadline),
		WithLockTTL(cfg.LockTTL),
		WithBatchSize(cfg.TaskBatchSize),
		WithCalculator(schedule.NewCalculator(
			schedule.WithCronGrammar(cfg.CronGrammar),
			schedule.WithLocation(cfg.Location),
		)),
	}
}

func buildOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
