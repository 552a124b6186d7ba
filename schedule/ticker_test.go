package schedule

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	crontest "github.com/cronicorn/cronicorn/internal/testing"
)

// fakeClock is a settable time source shared between the ticker and the test.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(now time.Time) *fakeClock { return &fakeClock{now: now} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// stubDispatcher returns a canned result and can run a hook mid-execution to
// simulate time passing or hints arriving while the endpoint runs.
type stubDispatcher struct {
	mu      sync.Mutex
	result  ExecutionResult
	onExec  func(ep *Endpoint)
	execs   []string
}

func (d *stubDispatcher) Execute(ctx context.Context, ep *Endpoint) ExecutionResult {
	d.mu.Lock()
	d.execs = append(d.execs, ep.ID)
	hook := d.onExec
	result := d.result
	d.mu.Unlock()

	if hook != nil {
		hook(ep)
	}
	return result
}

func (d *stubDispatcher) executed() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.execs...)
}

type recordingBroadcaster struct {
	mu     sync.Mutex
	events []string
}

func (b *recordingBroadcaster) BroadcastRunFinished(endpointID, runID, status string, statusCode *int, durationMs int64, source string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, endpointID+":"+status)
}

func okResult() ExecutionResult {
	code := 200
	return ExecutionResult{Status: RunStatusSuccess, StatusCode: &code, DurationMs: 42, ResponseBody: "ok"}
}

func TestTickerTick(t *testing.T) {
	baseTime := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	setup := func(t *testing.T, dispatcher Dispatcher, clock Clock, broadcaster RunBroadcaster) (*Ticker, *JobsStore, *RunsStore) {
		conn := crontest.CreateTestDB(t)
		jobs := NewJobsStore(conn)
		runs := NewRunsStore(conn)
		ticker := NewTicker(ctx, jobs, runs, dispatcher, NewCronParser(), clock, broadcaster, TickerConfig{
			BatchSize: 10,
			LockTTL:   time.Minute,
			WorkerID:  "test-worker",
		}, nil)
		return ticker, jobs, runs
	}

	t.Run("successful run reschedules by baseline", func(t *testing.T) {
		clock := newFakeClock(baseTime)
		dispatcher := &stubDispatcher{result: okResult()}
		broadcaster := &recordingBroadcaster{}
		ticker, jobs, runs := setup(t, dispatcher, clock, broadcaster)

		ep := newTestEndpoint("ep-ok")
		ep.NextRunAt = baseTime.Add(-time.Second)
		ep.BaselineIntervalMs = msPtr(60000)
		require.NoError(t, jobs.CreateEndpoint(ctx, ep))

		require.NoError(t, ticker.Tick(ctx))

		assert.Equal(t, []string{"ep-ok"}, dispatcher.executed())

		got, err := jobs.GetEndpoint(ctx, "ep-ok")
		require.NoError(t, err)
		require.NotNil(t, got.LastRunAt)
		assert.Equal(t, baseTime, got.LastRunAt.UTC())
		assert.Equal(t, baseTime.Add(time.Minute), got.NextRunAt.UTC())
		assert.Zero(t, got.FailureCount)
		assert.Nil(t, got.LockedBy, "lock released")

		recent, err := runs.ListRecent(ctx, "ep-ok", 1)
		require.NoError(t, err)
		require.Len(t, recent, 1)
		assert.Equal(t, RunStatusSuccess, recent[0].Status)
		assert.Equal(t, 1, recent[0].Attempt)
		require.NotNil(t, recent[0].StatusCode)
		assert.Equal(t, 200, *recent[0].StatusCode)

		broadcaster.mu.Lock()
		defer broadcaster.mu.Unlock()
		assert.Equal(t, []string{"ep-ok:success"}, broadcaster.events)
	})

	t.Run("execution budget beyond the lease extends the lock", func(t *testing.T) {
		clock := newFakeClock(baseTime)
		dispatcher := &stubDispatcher{result: okResult()}
		ticker, jobs, _ := setup(t, dispatcher, clock, nil)

		ep := newTestEndpoint("ep-slow")
		ep.NextRunAt = baseTime.Add(-time.Second)
		ep.BaselineIntervalMs = msPtr(60000)
		ep.MaxExecutionTimeMs = 10 * 60 * 1000
		require.NoError(t, jobs.CreateEndpoint(ctx, ep))

		dispatcher.onExec = func(*Endpoint) {
			// Mid-execution the lock must cover the whole execution budget,
			// not just the one-minute claim lease.
			got, err := jobs.GetEndpoint(ctx, "ep-slow")
			if assert.NoError(t, err) && assert.NotNil(t, got.LockExpiresAt) {
				assert.Equal(t, baseTime.Add(10*time.Minute), got.LockExpiresAt.UTC())
			}

			// A second worker ticking after the original lease lapsed still
			// cannot claim the endpoint.
			claimed, err := jobs.ClaimDueEndpoints(ctx, baseTime.Add(2*time.Minute), "other-worker", 10, time.Minute)
			assert.NoError(t, err)
			assert.Empty(t, claimed)
		}

		require.NoError(t, ticker.Tick(ctx))

		got, err := jobs.GetEndpoint(ctx, "ep-slow")
		require.NoError(t, err)
		assert.Nil(t, got.LockedBy, "lock released after the run")
	})

	t.Run("failed run increments the streak", func(t *testing.T) {
		clock := newFakeClock(baseTime)
		dispatcher := &stubDispatcher{result: ExecutionResult{
			Status: RunStatusFailed, DurationMs: 10, ErrorMessage: "HTTP 503",
		}}
		ticker, jobs, runs := setup(t, dispatcher, clock, nil)

		ep := newTestEndpoint("ep-bad")
		ep.NextRunAt = baseTime.Add(-time.Second)
		require.NoError(t, jobs.CreateEndpoint(ctx, ep))

		require.NoError(t, ticker.Tick(ctx))

		got, err := jobs.GetEndpoint(ctx, "ep-bad")
		require.NoError(t, err)
		assert.Equal(t, 1, got.FailureCount)

		recent, err := runs.ListRecent(ctx, "ep-bad", 1)
		require.NoError(t, err)
		require.Len(t, recent, 1)
		assert.Equal(t, RunStatusFailed, recent[0].Status)
		require.NotNil(t, recent[0].ErrorMessage)
		assert.Equal(t, "HTTP 503", *recent[0].ErrorMessage)

		// Next failed run is attempt 2.
		clock.Advance(2 * time.Minute)
		require.NoError(t, ticker.Tick(ctx))
		recent, err = runs.ListRecent(ctx, "ep-bad", 1)
		require.NoError(t, err)
		assert.Equal(t, 2, recent[0].Attempt)
	})

	t.Run("past-time guard shifts slow executions forward", func(t *testing.T) {
		clock := newFakeClock(baseTime)
		dispatcher := &stubDispatcher{result: okResult()}
		// The execution itself takes 70s, longer than the 5s interval.
		dispatcher.onExec = func(*Endpoint) { clock.Advance(70 * time.Second) }
		ticker, jobs, _ := setup(t, dispatcher, clock, nil)

		ep := newTestEndpoint("ep-slow")
		ep.NextRunAt = baseTime.Add(-time.Second)
		ep.BaselineIntervalMs = msPtr(5000)
		require.NoError(t, jobs.CreateEndpoint(ctx, ep))

		require.NoError(t, ticker.Tick(ctx))

		got, err := jobs.GetEndpoint(ctx, "ep-slow")
		require.NoError(t, err)
		// Planned at start+5s, which is already past when the run ends; the
		// guard shifts it to end+5s instead of making it due immediately.
		assert.Equal(t, baseTime.Add(70*time.Second).Add(5*time.Second), got.NextRunAt.UTC())
	})

	t.Run("hint written during execution is honored", func(t *testing.T) {
		clock := newFakeClock(baseTime)
		conn := crontest.CreateTestDB(t)
		jobs := NewJobsStore(conn)
		runs := NewRunsStore(conn)

		dispatcher := &stubDispatcher{result: okResult()}
		dispatcher.onExec = func(ep *Endpoint) {
			// The AI planner proposes a faster cadence mid-run.
			assert.NoError(t, jobs.ApplyIntervalHint(ctx, ep.ID, 10000, "depth spike", baseTime.Add(time.Hour)))
		}
		ticker := NewTicker(ctx, jobs, runs, dispatcher, nil, clock, nil, TickerConfig{
			BatchSize: 10, LockTTL: time.Minute, WorkerID: "test-worker",
		}, nil)

		ep := newTestEndpoint("ep-hinted")
		ep.NextRunAt = baseTime.Add(-time.Second)
		ep.BaselineIntervalMs = msPtr(60000)
		require.NoError(t, jobs.CreateEndpoint(ctx, ep))

		require.NoError(t, ticker.Tick(ctx))

		got, err := jobs.GetEndpoint(ctx, "ep-hinted")
		require.NoError(t, err)
		assert.Equal(t, baseTime.Add(10*time.Second), got.NextRunAt.UTC())
	})

	t.Run("expired hint cleared after the run", func(t *testing.T) {
		clock := newFakeClock(baseTime)
		dispatcher := &stubDispatcher{result: okResult()}
		ticker, jobs, _ := setup(t, dispatcher, clock, nil)

		ep := newTestEndpoint("ep-dead-hint")
		ep.NextRunAt = baseTime.Add(-time.Second)
		ep.AIHintIntervalMs = msPtr(5000)
		ep.AIHintExpiresAt = tPtr(baseTime.Add(-time.Minute))
		require.NoError(t, jobs.CreateEndpoint(ctx, ep))

		require.NoError(t, ticker.Tick(ctx))

		got, err := jobs.GetEndpoint(ctx, "ep-dead-hint")
		require.NoError(t, err)
		assert.Nil(t, got.AIHintIntervalMs)
		assert.Nil(t, got.AIHintExpiresAt)
		// Planner fell back to the default baseline, not the dead hint.
		assert.Equal(t, baseTime.Add(time.Minute), got.NextRunAt.UTC())
	})

	t.Run("empty tick is a no-op", func(t *testing.T) {
		clock := newFakeClock(baseTime)
		dispatcher := &stubDispatcher{result: okResult()}
		ticker, _, _ := setup(t, dispatcher, clock, nil)

		require.NoError(t, ticker.Tick(ctx))
		assert.Empty(t, dispatcher.executed())
	})

	t.Run("batch executes every claimed endpoint", func(t *testing.T) {
		clock := newFakeClock(baseTime)
		dispatcher := &stubDispatcher{result: okResult()}
		ticker, jobs, _ := setup(t, dispatcher, clock, nil)

		for _, id := range []string{"b-1", "b-2", "b-3"} {
			ep := newTestEndpoint(id)
			ep.NextRunAt = baseTime.Add(-time.Second)
			require.NoError(t, jobs.CreateEndpoint(ctx, ep))
		}

		require.NoError(t, ticker.Tick(ctx))
		assert.ElementsMatch(t, []string{"b-1", "b-2", "b-3"}, dispatcher.executed())
	})
}

func TestTickerStartStop(t *testing.T) {
	conn := crontest.CreateTestDB(t)
	jobs := NewJobsStore(conn)
	runs := NewRunsStore(conn)
	dispatcher := &stubDispatcher{result: okResult()}

	ticker := NewTicker(context.Background(), jobs, runs, dispatcher, nil, nil, nil, TickerConfig{
		TickInterval:  10 * time.Millisecond,
		SweepInterval: 10 * time.Millisecond,
		WorkerID:      "loop-worker",
	}, nil)

	ticker.Start()
	time.Sleep(50 * time.Millisecond)
	ticker.Stop()

	stats := ticker.Stats()
	assert.Equal(t, "loop-worker", stats["worker_id"])
	ticks, ok := stats["ticks_since_start"].(int64)
	require.True(t, ok)
	assert.Greater(t, ticks, int64(0))
}
