package schedule

import "time"

// Run is a single execution attempt of an endpoint.
type Run struct {
	ID           string
	EndpointID   string
	Status       string
	Attempt      int
	Source       string
	StartedAt    time.Time
	FinishedAt   *time.Time
	DurationMs   *int64
	StatusCode   *int
	ResponseBody *string
	ErrorMessage *string
}

// Run statuses. A run starts in running and moves to exactly one terminal
// status.
const (
	RunStatusRunning  = "running"
	RunStatusSuccess  = "success"
	RunStatusFailed   = "failed"
	RunStatusCanceled = "canceled"
)

// Run sources identify what triggered the execution.
const (
	RunSourceScheduler  = "scheduler"
	RunSourceManualTest = "manual-test"
	RunSourceAI         = "ai"
)

// ExecutionResult is what the dispatcher returns for one endpoint execution.
// Dispatch never fails with an error; every outcome is represented here and
// recorded on the run.
type ExecutionResult struct {
	Status       string // success or failed
	StatusCode   *int   // nil on network/timeout/policy failures
	DurationMs   int64
	ResponseBody string // already capped to the endpoint's response limit
	ErrorMessage string // empty on success
}

// FinishParams carries the terminal state for RunStore.Finish.
type FinishParams struct {
	Status       string
	DurationMs   int64
	StatusCode   *int
	ResponseBody string
	ErrorMessage string
	// MaxResponseSizeKb caps the stored body; zero falls back to the default.
	MaxResponseSizeKb int64
}
