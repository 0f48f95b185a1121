// Package cronspec evaluates five-field cron expressions
// (minute hour day month weekday). Descriptors like @daily are rejected;
// registered jobs carry plain cron lines.
package cronspec

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Parse validates expr and returns its schedule.
func Parse(expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty cron expression")
	}
	return parser.Parse(expr)
}

// IsValid reports whether expr is a syntactically and semantically valid
// five-field cron expression.
func IsValid(expr string) bool {
	_, err := Parse(expr)
	return err == nil
}

// Next returns the next occurrence strictly after from, in UTC. Calling it
// repeatedly with its own output advances monotonically. It returns nil for
// an invalid or unsatisfiable expression.
func Next(expr string, from time.Time) *time.Time {
	sched, err := Parse(expr)
	if err != nil {
		return nil
	}
	next := sched.Next(from.UTC())
	if next.IsZero() {
		return nil
	}
	next = next.UTC()
	return &next
}

// Describe returns a human-readable summary of when expr fires, for
// diagnostics only. Unparsable input yields an explicit invalid message.
func Describe(expr string) string {
	next := Next(expr, time.Now())
	if next == nil {
		return fmt.Sprintf("invalid cron expression: %q", expr)
	}
	if summary := patternSummary(expr); summary != "" {
		return fmt.Sprintf("%s (next %s)", summary, next.Format("2006-01-02 15:04 UTC"))
	}
	return fmt.Sprintf("next %s", next.Format("2006-01-02 15:04 UTC"))
}

// patternSummary recognizes a handful of common shapes; anything else falls
// back to the raw expression via the caller.
func patternSummary(expr string) string {
	parts := strings.Fields(expr)
	if len(parts) != 5 {
		return ""
	}
	minute, hour, day, month, weekday := parts[0], parts[1], parts[2], parts[3], parts[4]

	switch {
	case expr == "* * * * *":
		return "every minute"
	case strings.HasPrefix(minute, "*/") && hour == "*" && day == "*" && month == "*" && weekday == "*":
		return fmt.Sprintf("every %s minutes", minute[2:])
	case hour == "*" && minute != "*":
		return fmt.Sprintf("every hour at minute %s", minute)
	case weekday == "1-5" && hour != "*" && minute != "*":
		return fmt.Sprintf("weekdays at %s:%s", hour, pad2(minute))
	case weekday == "*" && day == "*" && month == "*" && hour != "*" && minute != "*":
		return fmt.Sprintf("daily at %s:%s", hour, pad2(minute))
	}
	return ""
}

func pad2(s string) string {
	if len(s) == 1 {
		return "0" + s
	}
	return s
}
