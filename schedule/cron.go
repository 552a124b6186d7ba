package schedule

import (
	"strings"
	"time"

	"github.com/hashicorp/cronexpr"

	"github.com/cronicorn/cronicorn/errors"
)

// Cron computes the next fire time for a cron expression. The planner treats
// this as a port so tests can substitute a fixed-delta fake.
type Cron interface {
	Next(expr string, from time.Time) (time.Time, error)
}

// CronParser evaluates standard 5-field expressions (minute hour day month
// weekday) in UTC.
type CronParser struct{}

func NewCronParser() *CronParser {
	return &CronParser{}
}

// Next returns the first fire time strictly after from.
func (p *CronParser) Next(expr string, from time.Time) (time.Time, error) {
	parsed, err := parseCron(expr)
	if err != nil {
		return time.Time{}, err
	}

	next := parsed.Next(from.UTC())
	if next.IsZero() {
		return time.Time{}, errors.Newf("cron expression %q has no future fire time after %s", expr, from.UTC().Format(time.RFC3339))
	}
	return next, nil
}

// ValidateCron rejects malformed or non-5-field expressions. Called at
// endpoint creation so bad expressions never reach the scheduler.
func ValidateCron(expr string) error {
	_, err := parseCron(expr)
	return err
}

func parseCron(expr string) (*cronexpr.Expression, error) {
	if fields := strings.Fields(expr); len(fields) != 5 {
		return nil, errors.Wrapf(errors.ErrInvalidInput,
			"cron expression %q must have 5 fields (minute hour day month weekday), got %d", expr, len(fields))
	}

	parsed, err := cronexpr.Parse(expr)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrInvalidInput, "invalid cron expression %q: %v", expr, err)
	}
	return parsed, nil
}
