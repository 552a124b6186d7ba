package schedule

import "time"

// Clock abstracts wall-clock access so the ticker and tests can share one
// time source. Production code uses SystemClock; tests substitute a fake.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock in UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }
