package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func at(year int, month time.Month, day, hour, minute, sec int) time.Time {
	return time.Date(year, month, day, hour, minute, sec, 0, time.UTC)
}

func TestNextCronExecution_QuarterHour(t *testing.T) {
	tests := []struct {
		name string
		ref  time.Time
		want time.Time
	}{
		{name: "mid quarter", ref: at(2025, 5, 6, 10, 7, 31), want: at(2025, 5, 6, 10, 15, 0)},
		{name: "on boundary moves to next", ref: at(2025, 5, 6, 10, 15, 0), want: at(2025, 5, 6, 10, 30, 0)},
		{name: "last quarter rolls to next hour", ref: at(2025, 5, 6, 10, 52, 0), want: at(2025, 5, 6, 11, 0, 0)},
		{name: "rolls past midnight", ref: at(2025, 5, 6, 23, 45, 0), want: at(2025, 5, 7, 0, 0, 0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NextCronExecution(ExprQuarterHour, tt.ref))
		})
	}
}

func TestNextCronExecution_Hourly(t *testing.T) {
	assert.Equal(t, at(2025, 5, 6, 11, 0, 0), NextCronExecution(ExprHourly, at(2025, 5, 6, 10, 59, 59)))
	assert.Equal(t, at(2025, 5, 7, 0, 0, 0), NextCronExecution(ExprHourly, at(2025, 5, 6, 23, 0, 0)))
}

func TestNextCronExecution_DailyDependsOnReferenceHour(t *testing.T) {
	morning := NextCronExecution(ExprDaily, at(2025, 5, 6, 8, 0, 0))
	late := NextCronExecution(ExprDaily, at(2025, 5, 6, 10, 0, 0))

	assert.Equal(t, at(2025, 5, 6, 9, 0, 0), morning)
	assert.Equal(t, at(2025, 5, 7, 9, 0, 0), late)
	assert.NotEqual(t, morning, late)

	// exactly 09:xx counts as "not before nine"
	assert.Equal(t, at(2025, 5, 7, 9, 0, 0), NextCronExecution(ExprDaily, at(2025, 5, 6, 9, 0, 0)))
	// month rollover
	assert.Equal(t, at(2025, 6, 1, 9, 0, 0), NextCronExecution(ExprDaily, at(2025, 5, 31, 18, 0, 0)))
}

func TestNextCronExecution_Weekly(t *testing.T) {
	// 2025-05-06 is a Tuesday.
	tuesday := at(2025, 5, 6, 14, 30, 0)

	assert.Equal(t, at(2025, 5, 11, 0, 0, 0), NextCronExecution("0 0 * * 0", tuesday))
	assert.Equal(t, at(2025, 5, 12, 0, 0, 0), NextCronExecution("0 0 * * 1", tuesday))
	assert.Equal(t, at(2025, 5, 13, 0, 0, 0), NextCronExecution("0 0 * * 2", tuesday), "same weekday advances a full week")
	assert.Equal(t, at(2025, 5, 13, 0, 0, 0), NextCronExecution("0 0 * * 2", at(2025, 5, 6, 0, 0, 0)))
}

func TestNextCronExecution_UnknownFallsBackToHourly(t *testing.T) {
	ref := at(2025, 5, 6, 10, 20, 0)
	for _, expr := range []string{"", "garbage", "*/5 * * * *", "0 0 1 * *", "0 0 * * 9"} {
		assert.Equal(t, at(2025, 5, 6, 11, 0, 0), NextCronExecution(expr, ref), expr)
	}
}

func TestCalculator_CronGrammar(t *testing.T) {
	calc := NewCalculator(WithCronGrammar(true))
	ref := at(2025, 5, 6, 10, 20, 0)

	next, kind := calc.Next("*/5 * * * *", ref)
	assert.Equal(t, KindCron, kind)
	assert.Equal(t, at(2025, 5, 6, 10, 25, 0), next)

	next, kind = calc.Next("@daily", ref)
	assert.Equal(t, KindCron, kind)
	assert.Equal(t, at(2025, 5, 7, 0, 0, 0), next)

	// closed set keeps its own semantics even with the grammar enabled
	next, kind = calc.Next(ExprDaily, at(2025, 5, 6, 8, 0, 0))
	assert.Equal(t, KindDaily, kind)
	assert.Equal(t, at(2025, 5, 6, 9, 0, 0), next)

	next, kind = calc.Next("not a cron", ref)
	assert.Equal(t, KindFallback, kind)
	assert.Equal(t, at(2025, 5, 6, 11, 0, 0), next)
}

func TestCalculator_WithLocation(t *testing.T) {
	loc := time.FixedZone("UTC+3", 3*60*60)
	calc := NewCalculator(WithLocation(loc))

	// 07:00 UTC is 10:00 local, so the daily rule targets tomorrow 09:00 local.
	next, kind := calc.Next(ExprDaily, at(2025, 5, 6, 7, 0, 0))
	require.Equal(t, KindDaily, kind)
	assert.True(t, next.Equal(time.Date(2025, 5, 7, 9, 0, 0, 0, loc)))
}

func TestCalculator_Validate(t *testing.T) {
	closed := NewCalculator()
	assert.NoError(t, closed.Validate(ExprHourly))
	assert.NoError(t, closed.Validate("0  9 * *  *"))
	assert.Error(t, closed.Validate("*/5 * * * *"))

	open := NewCalculator(WithCronGrammar(true))
	assert.NoError(t, open.Validate("*/5 * * * *"))
	assert.Error(t, open.Validate("61 * * * *"))
}

func TestKind_String(t *testing.T) {
	assert.Equal(t, "hourly", KindHourly.String())
	assert.Equal(t, "fallback-hourly", KindFallback.String())
}
