// Package schedule computes next run times for cron jobs and recurring tasks.
//
// The two policies are deliberately separate: cron jobs align to wall-clock
// boundaries from a small closed set of expressions, while recurring tasks
// add a fixed interval to their completion time.
package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Kind identifies how an expression was interpreted.
type Kind int

const (
	KindFallback Kind = iota
	KindQuarterHour
	KindHourly
	KindDaily
	KindWeekly
	KindCron
)

func (k Kind) String() string {
	switch k {
	case KindQuarterHour:
		return "every-15-minutes"
	case KindHourly:
		return "hourly"
	case KindDaily:
		return "daily-09:00"
	case KindWeekly:
		return "weekly"
	case KindCron:
		return "cron"
	default:
		return "fallback-hourly"
	}
}

const (
	ExprQuarterHour = "*/15 * * * *"
	ExprHourly      = "0 * * * *"
	ExprDaily       = "0 9 * * *"
	ExprWeeklyFmt   = "0 0 * * %d"

	dailyHour = 9
)

// Calculator maps a schedule expression and a reference time to the next
// eligible execution time. The zero value handles only the closed set.
type Calculator struct {
	cronGrammar bool
	loc         *time.Location
	parser      cron.Parser
}

type Option func(*Calculator)

// WithCronGrammar lets expressions outside the closed set be parsed as
// standard 5-field cron. Unparseable expressions still fall back to hourly.
func WithCronGrammar(enabled bool) Option {
	return func(c *Calculator) { c.cronGrammar = enabled }
}

// WithLocation evaluates wall-clock rules in loc instead of the reference time's zone.
func WithLocation(loc *time.Location) Option {
	return func(c *Calculator) { c.loc = loc }
}

func NewCalculator(opts ...Option) Calculator {
	c := Calculator{
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

var defaultCalculator = NewCalculator()

// NextCronExecution uses the closed-set rules with the hourly fallback.
func NextCronExecution(expr string, ref time.Time) time.Time {
	next, _ := defaultCalculator.Next(expr, ref)
	return next
}

// Next returns the next execution time and how expr was interpreted.
func (c Calculator) Next(expr string, ref time.Time) (time.Time, Kind) {
	if c.loc != nil {
		ref = ref.In(c.loc)
	}

	kind, weekday := classify(expr)
	switch kind {
	case KindQuarterHour:
		return nextQuarterHour(ref), kind
	case KindHourly:
		return nextHour(ref), kind
	case KindDaily:
		return nextDaily(ref), kind
	case KindWeekly:
		return nextWeekday(ref, weekday), kind
	}

	if c.cronGrammar {
		if sched, err := c.parse(expr); err == nil {
			return sched.Next(ref), KindCron
		}
	}
	return nextHour(ref), KindFallback
}

// Classify reports how expr would be interpreted.
func (c Calculator) Classify(expr string) Kind {
	kind, _ := classify(expr)
	if kind != KindFallback || !c.cronGrammar {
		return kind
	}
	if _, err := c.parse(expr); err == nil {
		return KindCron
	}
	return KindFallback
}

// Validate returns an error for expressions that would silently fall back to hourly.
func (c Calculator) Validate(expr string) error {
	if c.Classify(expr) != KindFallback {
		return nil
	}
	if c.cronGrammar {
		_, err := c.parse(expr)
		return fmt.Errorf("unsupported schedule expression %q: %w", expr, err)
	}
	return fmt.Errorf("unsupported schedule expression %q (supported: %q, %q, %q, %q)",
		expr, ExprQuarterHour, ExprHourly, ExprDaily, fmt.Sprintf(ExprWeeklyFmt, 0))
}

func (c Calculator) parse(expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if c.loc != nil && !strings.HasPrefix(expr, "CRON_TZ=") && !strings.HasPrefix(expr, "TZ=") {
		expr = "CRON_TZ=" + c.loc.String() + " " + expr
	}
	return c.parser.Parse(expr)
}

func classify(expr string) (Kind, time.Weekday) {
	fields := strings.Fields(expr)
	normalized := strings.Join(fields, " ")
	switch normalized {
	case ExprQuarterHour:
		return KindQuarterHour, 0
	case ExprHourly:
		return KindHourly, 0
	case ExprDaily:
		return KindDaily, 0
	}

	if len(fields) == 5 && fields[0] == "0" && fields[1] == "0" && fields[2] == "*" && fields[3] == "*" {
		day, err := strconv.Atoi(fields[4])
		if err == nil && day >= 0 && day <= 6 {
			return KindWeekly, time.Weekday(day)
		}
	}
	return KindFallback, 0
}

func nextQuarterHour(ref time.Time) time.Time {
	minute := (ref.Minute()/15 + 1) * 15
	if minute >= 60 {
		return time.Date(ref.Year(), ref.Month(), ref.Day(), ref.Hour()+1, 0, 0, 0, ref.Location())
	}
	return time.Date(ref.Year(), ref.Month(), ref.Day(), ref.Hour(), minute, 0, 0, ref.Location())
}

func nextHour(ref time.Time) time.Time {
	return time.Date(ref.Year(), ref.Month(), ref.Day(), ref.Hour()+1, 0, 0, 0, ref.Location())
}

// nextDaily is evaluated from the reference time, not from the last run:
// before 09:00 it targets today, otherwise tomorrow.
func nextDaily(ref time.Time) time.Time {
	if ref.Hour() < dailyHour {
		return time.Date(ref.Year(), ref.Month(), ref.Day(), dailyHour, 0, 0, 0, ref.Location())
	}
	return time.Date(ref.Year(), ref.Month(), ref.Day()+1, dailyHour, 0, 0, 0, ref.Location())
}

// nextWeekday never returns the same day: on the target weekday it advances a full week.
func nextWeekday(ref time.Time, target time.Weekday) time.Time {
	days := (int(target) - int(ref.Weekday()) + 7) % 7
	if days == 0 {
		days = 7
	}
	return time.Date(ref.Year(), ref.Month(), ref.Day()+days, 0, 0, 0, 0, ref.Location())
}
