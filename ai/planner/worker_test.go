package planner

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cronicorn/cronicorn/ai/openrouter"
	crontest "github.com/cronicorn/cronicorn/internal/testing"
	"github.com/cronicorn/cronicorn/schedule"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

// stubAI returns canned responses and records the prompts it was asked.
type stubAI struct {
	mu       sync.Mutex
	response *openrouter.ChatResponse
	err      error
	prompts  []string
}

func (s *stubAI) Chat(ctx context.Context, req openrouter.ChatRequest) (*openrouter.ChatResponse, error) {
	s.mu.Lock()
	s.prompts = append(s.prompts, req.UserPrompt)
	s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	if s.response != nil {
		return s.response, nil
	}
	return &openrouter.ChatResponse{Content: "cadence looks right"}, nil
}

func (s *stubAI) promptCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.prompts)
}

type denyGuard struct{}

func (denyGuard) CanProceed(ctx context.Context, tenantID string) (bool, error) { return false, nil }
func (denyGuard) RecordUsage(ctx context.Context, tenantID string, tokens int) error {
	return nil
}

func toolCall(name, args string) openrouter.ToolCall {
	return openrouter.ToolCall{
		ID:   "call-1",
		Type: "function",
		Function: openrouter.ToolCallFunction{
			Name:      name,
			Arguments: args,
		},
	}
}

func seedFailingEndpoint(t *testing.T, jobs *schedule.JobsStore, now time.Time) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, jobs.CreateEndpoint(ctx, &schedule.Endpoint{
		ID:       "ep-1",
		TenantID: "acme",
		Name:     "orders-poll",
		URL:      "https://api.example.com/orders/poll",
		Method:   "POST",
	}))
	for i := 0; i < 3; i++ {
		require.NoError(t, jobs.UpdateAfterRun(ctx, "ep-1", schedule.UpdateAfterRunParams{
			LastRunAt: now, NextRunAt: now.Add(time.Minute),
			FailureCountPolicy: schedule.FailurePolicyIncrement,
		}))
	}
}

func TestWorkerCycle(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	cfg := WorkerConfig{
		MinFailures:       2,
		StaleAfter:        time.Hour,
		MaxEndpoints:      10,
		RecentRuns:        5,
		AnalysesPerMinute: 600, // effectively unthrottled in tests
		MaxHintTTL:        time.Hour,
	}

	t.Run("applies tool calls from the model", func(t *testing.T) {
		conn := crontest.CreateTestDB(t)
		jobs := schedule.NewJobsStore(conn)
		runs := schedule.NewRunsStore(conn)
		seedFailingEndpoint(t, jobs, now)

		ai := &stubAI{response: &openrouter.ChatResponse{
			ToolCalls: []openrouter.ToolCall{
				toolCall(ToolProposeInterval, `{"ms": 120000, "reason": "backing off failing endpoint", "ttl_ms": 600000}`),
			},
			Usage: openrouter.Usage{TotalTokens: 321},
		}}

		w := NewWorker(ctx, jobs, runs, ai, nil, fixedClock{now}, cfg, nil)
		require.NoError(t, w.Cycle(ctx))

		ep, err := jobs.GetEndpoint(ctx, "ep-1")
		require.NoError(t, err)
		require.NotNil(t, ep.AIHintIntervalMs)
		assert.Equal(t, int64(120000), *ep.AIHintIntervalMs)
		require.NotNil(t, ep.LastAnalyzedAt)
		assert.Equal(t, now, ep.LastAnalyzedAt.UTC())
		assert.Equal(t, 1, ai.promptCount())
	})

	t.Run("no tool calls means no hint", func(t *testing.T) {
		conn := crontest.CreateTestDB(t)
		jobs := schedule.NewJobsStore(conn)
		runs := schedule.NewRunsStore(conn)
		seedFailingEndpoint(t, jobs, now)

		ai := &stubAI{}
		w := NewWorker(ctx, jobs, runs, ai, nil, fixedClock{now}, cfg, nil)
		require.NoError(t, w.Cycle(ctx))

		ep, err := jobs.GetEndpoint(ctx, "ep-1")
		require.NoError(t, err)
		assert.Nil(t, ep.AIHintIntervalMs)
		assert.NotNil(t, ep.LastAnalyzedAt, "analyzed even when nothing changed")
	})

	t.Run("rejected tool call does not abort the analysis", func(t *testing.T) {
		conn := crontest.CreateTestDB(t)
		jobs := schedule.NewJobsStore(conn)
		runs := schedule.NewRunsStore(conn)
		seedFailingEndpoint(t, jobs, now)

		ai := &stubAI{response: &openrouter.ChatResponse{
			ToolCalls: []openrouter.ToolCall{
				toolCall("unknown_tool", `{}`),
				toolCall(ToolResetFailures, ``),
			},
		}}

		w := NewWorker(ctx, jobs, runs, ai, nil, fixedClock{now}, cfg, nil)
		require.NoError(t, w.Cycle(ctx))

		ep, err := jobs.GetEndpoint(ctx, "ep-1")
		require.NoError(t, err)
		assert.Zero(t, ep.FailureCount, "valid call after a rejected one still applies")
	})

	t.Run("model error leaves the endpoint untouched", func(t *testing.T) {
		conn := crontest.CreateTestDB(t)
		jobs := schedule.NewJobsStore(conn)
		runs := schedule.NewRunsStore(conn)
		seedFailingEndpoint(t, jobs, now)

		ai := &stubAI{err: fmt.Errorf("model unavailable")}
		w := NewWorker(ctx, jobs, runs, ai, nil, fixedClock{now}, cfg, nil)
		require.NoError(t, w.Cycle(ctx), "per-endpoint failures are isolated")

		ep, err := jobs.GetEndpoint(ctx, "ep-1")
		require.NoError(t, err)
		assert.Nil(t, ep.LastAnalyzedAt, "failed analysis does not count")
	})

	t.Run("quota guard blocks the model call", func(t *testing.T) {
		conn := crontest.CreateTestDB(t)
		jobs := schedule.NewJobsStore(conn)
		runs := schedule.NewRunsStore(conn)
		seedFailingEndpoint(t, jobs, now)

		ai := &stubAI{}
		w := NewWorker(ctx, jobs, runs, ai, denyGuard{}, fixedClock{now}, cfg, nil)
		require.NoError(t, w.Cycle(ctx))

		assert.Zero(t, ai.promptCount(), "over-quota tenants never reach the model")
	})

	t.Run("healthy recently-analyzed endpoints are skipped", func(t *testing.T) {
		conn := crontest.CreateTestDB(t)
		jobs := schedule.NewJobsStore(conn)
		runs := schedule.NewRunsStore(conn)
		require.NoError(t, jobs.CreateEndpoint(ctx, &schedule.Endpoint{
			ID: "ep-ok", TenantID: "acme", Name: "healthy",
			URL: "https://api.example.com/ok", Method: "GET",
		}))
		require.NoError(t, jobs.MarkAnalyzed(ctx, "ep-ok", now.Add(-time.Minute)))

		ai := &stubAI{}
		w := NewWorker(ctx, jobs, runs, ai, nil, fixedClock{now}, cfg, nil)
		require.NoError(t, w.Cycle(ctx))
		assert.Zero(t, ai.promptCount())
	})
}

func TestBuildAnalysisPrompt(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	desc := "Polls pending orders; response includes queue depth."
	minMs, maxMs := int64(10000), int64(600000)
	ep := &schedule.Endpoint{
		ID: "ep-1", TenantID: "acme", Name: "orders-poll",
		URL: "https://api.example.com/orders/poll", Method: "POST",
		Description:        &desc,
		BaselineIntervalMs: &minMs,
		MinIntervalMs:      &minMs,
		MaxIntervalMs:      &maxMs,
		FailureCount:       3,
	}

	code := 503
	duration := int64(120)
	errMsg := "endpoint returned status 503"
	body := `{"queue_depth":9}`
	runs := []*schedule.Run{
		{
			ID: "run-2", EndpointID: "ep-1", Status: schedule.RunStatusFailed,
			Attempt: 2, StartedAt: now.Add(-time.Minute),
			StatusCode: &code, DurationMs: &duration, ErrorMessage: &errMsg,
		},
		{
			ID: "run-1", EndpointID: "ep-1", Status: schedule.RunStatusSuccess,
			Attempt: 1, StartedAt: now.Add(-2 * time.Minute),
			ResponseBody: &body,
		},
	}

	prompt := buildAnalysisPrompt(ep, runs, now)

	assert.Contains(t, prompt, `"orders-poll"`)
	assert.Contains(t, prompt, "POST https://api.example.com/orders/poll")
	assert.Contains(t, prompt, desc)
	assert.Contains(t, prompt, "Failure streak: 3")
	assert.Contains(t, prompt, "Min interval: 10000ms")
	assert.Contains(t, prompt, "Max interval: 600000ms")
	assert.Contains(t, prompt, `"status_code":503`)
	assert.Contains(t, prompt, `"queue_depth\":9`)

	empty := buildAnalysisPrompt(ep, nil, now)
	assert.Contains(t, empty, "(none)")
}

func TestChatTools(t *testing.T) {
	tools, err := chatTools()
	require.NoError(t, err)
	require.Len(t, tools, 5)

	names := map[string]bool{}
	for _, tool := range tools {
		assert.Equal(t, "function", tool.Type)
		assert.NotEmpty(t, tool.Function.Description)
		assert.NotEmpty(t, tool.Function.Parameters)
		names[tool.Function.Name] = true
	}
	for _, want := range []string{
		ToolProposeInterval, ToolProposeNextTime, ToolPauseUntil, ToolResetFailures, ToolClearHints,
	} {
		assert.True(t, names[want], "missing tool %s", want)
	}
}
