package cronspec

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func at(hour, min int) time.Time {
	return time.Date(2026, 8, 26, hour, min, 0, 0, time.UTC)
}

func TestNext(t *testing.T) {
	tests := []struct {
		expr string
		from time.Time
		want time.Time
	}{
		{"* * * * *", at(12, 0), at(12, 1)},
		{"*/15 * * * *", at(12, 3), at(12, 15)},
		{"*/15 * * * *", at(12, 45), at(13, 0)},
		{"0 9 * * *", at(10, 30), time.Date(2026, 8, 27, 9, 0, 0, 0, time.UTC)},
		{"0 9 * * *", at(8, 59), at(9, 0)},
		{"30 3 1 * *", at(12, 0), time.Date(2026, 9, 1, 3, 30, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		got := Next(tt.expr, tt.from)
		require.NotNil(t, got, "expr %q", tt.expr)
		assert.True(t, got.Equal(tt.want), "expr %q from %s: got %s want %s", tt.expr, tt.from, got, tt.want)
	}
}

func TestNextIsStrictlyAfterFrom(t *testing.T) {
	// Feeding Next its own output must advance, never repeat.
	from := at(12, 0)
	first := Next("* * * * *", from)
	require.NotNil(t, first)
	second := Next("* * * * *", *first)
	require.NotNil(t, second)
	assert.True(t, second.After(*first))
}

func TestNextInvalid(t *testing.T) {
	assert.Nil(t, Next("not a cron", time.Now()))
	assert.Nil(t, Next("", time.Now()))
}

func TestIsValid(t *testing.T) {
	valid := []string{
		"* * * * *",
		"*/15 * * * *",
		"0 9 * * *",
		"30 3 * * 1-5",
		"0 9 * * 1-5",
		"0 0 1 * *",
		"0 0 1 1 *",
		"5,35 * * * *",
	}
	for _, expr := range valid {
		assert.True(t, IsValid(expr), "expected valid: %q", expr)
	}

	invalid := []string{
		"",
		"not a cron",
		"* * *",
		"* * * *",
		"* * * * * *",
		"60 * * * *",
		"61 * * * *",
		"* 25 * * *",
		"foo bar baz qux quux",
		"@daily",
	}
	for _, expr := range invalid {
		assert.False(t, IsValid(expr), "expected invalid: %q", expr)
	}
}

func TestDescribe(t *testing.T) {
	assert.Contains(t, Describe("* * * * *"), "every minute")
	assert.Contains(t, Describe("*/15 * * * *"), "every 15 minutes")
	assert.Contains(t, Describe("0 9 * * *"), "daily at 9:00")
	assert.Contains(t, Describe("30 8 * * 1-5"), "weekdays at 8:30")
	assert.Contains(t, Describe("15 * * * *"), "every hour at minute 15")
	assert.Contains(t, Describe("bogus"), "invalid cron expression")
}
