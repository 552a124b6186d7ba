package schedule

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cronicorn/cronicorn/db"
)

// Dispatcher executes one endpoint and reports the outcome. Implemented by
// the dispatch package; tests substitute stubs.
type Dispatcher interface {
	Execute(ctx context.Context, ep *Endpoint) ExecutionResult
}

// RunBroadcaster receives finished-run events for the ops stream. Defined
// here so schedule does not depend on the server package.
type RunBroadcaster interface {
	BroadcastRunFinished(endpointID, runID, status string, statusCode *int, durationMs int64, source string)
}

// TickerConfig contains configuration for the scheduler loop.
type TickerConfig struct {
	TickInterval    time.Duration // how often to poll for due endpoints
	BatchSize       int           // max endpoints claimed per tick
	LockTTL         time.Duration // claim lease; controls the failover window
	MaxConcurrent   int           // bounded parallelism within one worker
	SweepInterval   time.Duration // cadence of the zombie and retention sweeps
	ZombieThreshold time.Duration // age at which running runs are canceled
	RunRetention    time.Duration // age at which terminal runs are deleted; 0 keeps forever
	WorkerID        string        // claim identity; generated when empty
}

// DefaultTickerConfig returns sensible defaults.
func DefaultTickerConfig() TickerConfig {
	return TickerConfig{
		TickInterval:    1 * time.Second,
		BatchSize:       10,
		LockTTL:         60 * time.Second,
		MaxConcurrent:   5,
		SweepInterval:   30 * time.Second,
		ZombieThreshold: 5 * time.Minute,
	}
}

// Ticker is the scheduler loop: it claims due endpoints, dispatches them,
// records runs, and reschedules via the planner. Multiple ticker processes
// can share one database; the lock-based claim keeps them from executing the
// same endpoint twice.
type Ticker struct {
	jobs        *JobsStore
	runs        *RunsStore
	dispatcher  Dispatcher
	cron        Cron
	clock       Clock
	broadcaster RunBroadcaster
	cfg         TickerConfig
	logger      *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu              sync.Mutex
	lastTickAt      time.Time
	ticksSinceStart int64
	runsDispatched  int64
}

// NewTicker creates a scheduler loop. broadcaster may be nil.
func NewTicker(ctx context.Context, jobs *JobsStore, runs *RunsStore, dispatcher Dispatcher, cron Cron, clock Clock, broadcaster RunBroadcaster, cfg TickerConfig, log *zap.SugaredLogger) *Ticker {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 1 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 5
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	if cfg.WorkerID == "" {
		host, _ := os.Hostname()
		cfg.WorkerID = fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
	}
	if clock == nil {
		clock = SystemClock{}
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	tickerCtx, cancel := context.WithCancel(ctx)
	return &Ticker{
		jobs:        jobs,
		runs:        runs,
		dispatcher:  dispatcher,
		cron:        cron,
		clock:       clock,
		broadcaster: broadcaster,
		cfg:         cfg,
		logger:      log,
		ctx:         tickerCtx,
		cancel:      cancel,
	}
}

// WorkerID returns the claim identity of this ticker.
func (t *Ticker) WorkerID() string { return t.cfg.WorkerID }

// Start begins the tick and sweep loops.
func (t *Ticker) Start() {
	t.wg.Add(2)
	go t.run()
	go t.sweep()
	t.logger.Infow("Scheduler started",
		"worker_id", t.cfg.WorkerID,
		"tick_interval", t.cfg.TickInterval,
		"batch_size", t.cfg.BatchSize,
		"lock_ttl", t.cfg.LockTTL,
		"max_concurrent", t.cfg.MaxConcurrent)
}

// Stop cancels the loops and waits for in-flight endpoint executions to
// finish.
func (t *Ticker) Stop() {
	t.cancel()
	t.wg.Wait()
	t.logger.Infow("Scheduler stopped", "worker_id", t.cfg.WorkerID)
}

func (t *Ticker) run() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			t.mu.Lock()
			t.lastTickAt = t.clock.Now()
			t.ticksSinceStart++
			tick := t.ticksSinceStart
			t.mu.Unlock()

			if err := t.Tick(t.ctx); err != nil {
				// Infrastructure failure: log and retry at the next tick.
				t.logger.Errorw("Tick failed", "tick", tick, "error", err)
			}
		}
	}
}

func (t *Ticker) sweep() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			now := t.clock.Now()

			if t.cfg.ZombieThreshold > 0 {
				count, err := t.runs.CleanupZombieRuns(t.ctx, now, t.cfg.ZombieThreshold)
				if err != nil {
					// The connection closes before the sweeper during shutdown.
					if db.IsDatabaseClosed(err) {
						return
					}
					t.logger.Errorw("Zombie sweep failed", "error", err)
				} else if count > 0 {
					t.logger.Warnw("Canceled zombie runs", "count", count, "threshold", t.cfg.ZombieThreshold)
				}
			}

			if t.cfg.RunRetention > 0 {
				count, err := t.runs.CleanupOldRuns(t.ctx, now, t.cfg.RunRetention)
				if err != nil {
					if db.IsDatabaseClosed(err) {
						return
					}
					t.logger.Errorw("Run retention sweep failed", "error", err)
				} else if count > 0 {
					t.logger.Debugw("Pruned old runs", "count", count, "retention", t.cfg.RunRetention)
				}
			}
		}
	}
}

// Tick claims one batch of due endpoints and executes them with bounded
// parallelism. Exported so the manual-test surface and tests can drive the
// scheduler without the timer loop.
func (t *Ticker) Tick(ctx context.Context) error {
	now := t.clock.Now()

	ids, err := t.jobs.ClaimDueEndpoints(ctx, now, t.cfg.WorkerID, t.cfg.BatchSize, t.cfg.LockTTL)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	t.logger.Debugw("Claimed endpoints", "count", len(ids), "worker_id", t.cfg.WorkerID)

	sem := make(chan struct{}, t.cfg.MaxConcurrent)
	var wg sync.WaitGroup
	for _, id := range ids {
		select {
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(endpointID string) {
			defer wg.Done()
			defer func() { <-sem }()
			t.handleEndpoint(ctx, endpointID)
		}(id)
	}
	wg.Wait()

	return nil
}

// handleEndpoint runs one claimed endpoint through the full cycle: record the
// run, dispatch, re-read the endpoint to observe hints written mid-execution,
// plan the next fire, and write everything back. Never returns an error; one
// endpoint failing must not stop the rest of the batch.
func (t *Ticker) handleEndpoint(ctx context.Context, id string) {
	log := t.logger.With("endpoint_id", id)

	ep, err := t.jobs.GetEndpoint(ctx, id)
	if err != nil {
		log.Errorw("Failed to read claimed endpoint", "error", err)
		return
	}

	nowBefore := t.clock.Now()

	// A run may legitimately outlive the claim lease; push the lock out to
	// cover the execution budget so no other worker claims the endpoint
	// mid-flight.
	if budget := ep.ExecutionBudget(); budget > t.cfg.LockTTL {
		if err := t.jobs.ExtendLock(ctx, id, t.cfg.WorkerID, nowBefore.Add(budget)); err != nil {
			log.Warnw("Failed to extend claim lease", "budget", budget, "error", err)
		}
	}

	runID, err := t.runs.Create(ctx, nowBefore, CreateParams{
		EndpointID: id,
		Attempt:    ep.FailureCount + 1,
		Source:     RunSourceScheduler,
	})
	if err != nil {
		log.Errorw("Failed to create run", "error", err)
		return
	}

	result := t.dispatcher.Execute(ctx, ep)

	nowAfter := t.clock.Now()
	if err := t.runs.Finish(ctx, runID, nowAfter, FinishParams{
		Status:            result.Status,
		DurationMs:        result.DurationMs,
		StatusCode:        result.StatusCode,
		ResponseBody:      result.ResponseBody,
		ErrorMessage:      result.ErrorMessage,
		MaxResponseSizeKb: ep.MaxResponseSizeKb,
	}); err != nil {
		log.Errorw("Failed to finish run", "run_id", runID, "error", err)
		// Fall through: the reschedule matters more than the run record.
	}

	t.mu.Lock()
	t.runsDispatched++
	t.mu.Unlock()

	// Re-read to pick up hints the AI planner wrote while we were executing.
	fresh, err := t.jobs.GetEndpoint(ctx, id)
	if err != nil {
		log.Errorw("Failed to re-read endpoint after run", "error", err)
		return
	}
	fresh.LastRunAt = &nowBefore

	// Plan from the pre-execution clock so a long run shows up as a past
	// plan, which the guard below shifts forward.
	plan, err := PlanNextRun(nowBefore, fresh, t.cron)
	if err != nil {
		log.Errorw("Failed to plan next run", "error", err)
		return
	}

	// Past-time guard: an execution that outran its interval would otherwise
	// be claimable again immediately. Shift forward by the intended interval,
	// floored at one second. Uses the computed interval as planned, even when
	// the plan was clamped.
	next := plan.NextRunAt
	if next.Before(nowAfter) {
		intended := plan.NextRunAt.Sub(nowBefore)
		if intended < time.Second {
			intended = time.Second
		}
		next = nowAfter.Add(intended)
		log.Debugw("Past-time guard shifted next run",
			"planned", plan.NextRunAt, "shifted", next, "source", plan.Source)
	}

	policy := FailurePolicyReset
	if result.Status != RunStatusSuccess {
		policy = FailurePolicyIncrement
	}

	if err := t.jobs.UpdateAfterRun(ctx, id, UpdateAfterRunParams{
		LastRunAt:          nowBefore,
		NextRunAt:          next,
		FailureCountPolicy: policy,
		ClearExpiredHints:  true,
	}); err != nil {
		log.Errorw("Failed to update endpoint after run", "run_id", runID, "error", err)
		return
	}

	if result.Status == RunStatusSuccess {
		log.Infow("Run OK",
			"run_id", runID,
			"attempt", ep.FailureCount+1,
			"duration_ms", result.DurationMs,
			"next_run_at", next.Format(time.RFC3339),
			"source", plan.Source)
	} else {
		log.Warnw("Run FAILED",
			"run_id", runID,
			"attempt", ep.FailureCount+1,
			"duration_ms", result.DurationMs,
			"error", result.ErrorMessage,
			"next_run_at", next.Format(time.RFC3339),
			"source", plan.Source)
	}

	if t.broadcaster != nil {
		t.broadcaster.BroadcastRunFinished(id, runID, result.Status, result.StatusCode, result.DurationMs, RunSourceScheduler)
	}
}

// Stats returns loop counters for the health payload.
func (t *Ticker) Stats() map[string]interface{} {
	t.mu.Lock()
	defer t.mu.Unlock()

	return map[string]interface{}{
		"worker_id":         t.cfg.WorkerID,
		"last_tick_at":      t.lastTickAt,
		"ticks_since_start": t.ticksSinceStart,
		"runs_dispatched":   t.runsDispatched,
		"tick_interval":     t.cfg.TickInterval.String(),
	}
}
