// Package schedule implements the adaptive scheduling engine: endpoint and
// run persistence, the pure next-run planner, and the polling ticker that
// claims due endpoints and dispatches them.
package schedule

import "time"

// Endpoint is the unit of scheduling: an HTTP call configuration plus the
// runtime state the scheduler and the AI planner mutate between runs.
type Endpoint struct {
	ID          string
	TenantID    string
	JobID       *string // optional organizational grouping, no behavior of its own
	Name        string
	Description *string

	URL         string
	Method      string
	HeadersJSON *string
	BodyJSON    *string
	BodySchema  *string

	// Baseline cadence. When both are set the cron expression wins; the seed
	// loader rejects that combination at validation time.
	BaselineCron       *string
	BaselineIntervalMs *int64

	// Guardrails clamp the planned next run relative to LastRunAt.
	MinIntervalMs *int64
	MaxIntervalMs *int64

	// AI hints, TTL-scoped via AIHintExpiresAt. Dead hints are ignored by the
	// planner and cleared by the post-run update.
	AIHintIntervalMs *int64
	AIHintNextRunAt  *time.Time
	AIHintReason     *string
	AIHintExpiresAt  *time.Time

	// Body override hint with its own TTL, honored by the dispatcher.
	AIHintBody          *string
	AIHintBodyExpiresAt *time.Time

	PausedUntil *time.Time
	ArchivedAt  *time.Time

	LastRunAt      *time.Time
	NextRunAt      time.Time
	FailureCount   int
	LockedBy       *string
	LockExpiresAt  *time.Time
	LastAnalyzedAt *time.Time

	TimeoutMs          int64
	MaxExecutionTimeMs int64
	MaxResponseSizeKb  int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Defaults applied when an endpoint omits execution config.
const (
	DefaultBaselineIntervalMs = int64(60000)
	DefaultTimeoutMs          = int64(30000)
	DefaultMaxExecutionTimeMs = int64(60000)
	DefaultMaxResponseSizeKb  = int64(100)
)

// HTTP methods an endpoint may use.
var AllowedMethods = map[string]bool{
	"GET":    true,
	"POST":   true,
	"PUT":    true,
	"PATCH":  true,
	"DELETE": true,
}

// HintFresh reports whether the TTL-scoped scheduling hints are alive at now.
func (e *Endpoint) HintFresh(now time.Time) bool {
	return e.AIHintExpiresAt != nil && e.AIHintExpiresAt.After(now)
}

// BodyHintFresh reports whether the body override hint is alive at now.
func (e *Endpoint) BodyHintFresh(now time.Time) bool {
	return e.AIHintBody != nil && e.AIHintBodyExpiresAt != nil && e.AIHintBodyExpiresAt.After(now)
}

// Paused reports whether the endpoint is paused at now.
func (e *Endpoint) Paused(now time.Time) bool {
	return e.PausedUntil != nil && e.PausedUntil.After(now)
}

// Timeout returns the dispatch timeout, falling back to the default.
func (e *Endpoint) Timeout() time.Duration {
	if e.TimeoutMs > 0 {
		return time.Duration(e.TimeoutMs) * time.Millisecond
	}
	return time.Duration(DefaultTimeoutMs) * time.Millisecond
}

// ExecutionBudget returns the longest a run may hold this endpoint: the
// larger of the dispatch timeout and max_execution_time_ms.
func (e *Endpoint) ExecutionBudget() time.Duration {
	budget := e.Timeout()
	if e.MaxExecutionTimeMs > 0 {
		if d := time.Duration(e.MaxExecutionTimeMs) * time.Millisecond; d > budget {
			budget = d
		}
	}
	return budget
}

// ResponseCap returns the response capture limit in bytes.
func (e *Endpoint) ResponseCap() int64 {
	kb := e.MaxResponseSizeKb
	if kb <= 0 {
		kb = DefaultMaxResponseSizeKb
	}
	return kb * 1024
}
