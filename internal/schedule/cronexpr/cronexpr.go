// Package cronexpr parses standard 5-field cron expressions and computes
// occurrence times. All computation happens in UTC.
package cronexpr

import (
	"fmt"
	"strings"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// parser accepts the standard 5 fields (minute, hour, dom, month, dow).
var parser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Validate returns an error if expr is not a valid 5-field cron expression.
func Validate(expr string) error {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return fmt.Errorf("cron expression must have 5 fields, got %d", len(fields))
	}
	if _, err := parser.Parse(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}

// Next returns the first occurrence of expr strictly after the base time,
// in UTC. Naive callers may pass any location; the base is converted to UTC
// before evaluation.
func Next(expr string, base time.Time) (time.Time, error) {
	sched, err := parser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return sched.Next(base.UTC()), nil
}

// NextN returns the next n occurrences of expr after the base time.
func NextN(expr string, n int, base time.Time) ([]time.Time, error) {
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	out := make([]time.Time, 0, n)
	t := base.UTC()
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		out = append(out, t)
	}
	return out, nil
}

// EveryMinutes builds an interval expression. Intervals above an hour are
// rounded down to whole hours.
func EveryMinutes(interval int) (string, error) {
	if interval <= 0 {
		return "", fmt.Errorf("interval must be positive, got %d", interval)
	}
	if interval > 60 {
		return fmt.Sprintf("0 */%d * * *", interval/60), nil
	}
	return fmt.Sprintf("*/%d * * * *", interval), nil
}

// Daily builds an expression that fires once per day at hour:minute.
func Daily(hour, minute int) string {
	return fmt.Sprintf("%d %d * * *", minute, hour)
}

// Weekly builds an expression that fires once per week on dayOfWeek
// (0 = Sunday) at hour:minute.
func Weekly(dayOfWeek, hour, minute int) string {
	return fmt.Sprintf("%d %d * * %d", minute, hour, dayOfWeek)
}

// Monthly builds an expression that fires once per month on dayOfMonth at
// hour:minute.
func Monthly(dayOfMonth, hour, minute int) string {
	return fmt.Sprintf("%d %d %d * *", minute, hour, dayOfMonth)
}
