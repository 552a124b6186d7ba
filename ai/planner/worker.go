package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/cronicorn/cronicorn/ai/openrouter"
	"github.com/cronicorn/cronicorn/quota"
	"github.com/cronicorn/cronicorn/schedule"
)

// AIClient is the model port. Satisfied by *openrouter.Client; tests use a
// stub.
type AIClient interface {
	Chat(ctx context.Context, req openrouter.ChatRequest) (*openrouter.ChatResponse, error)
}

// WorkerConfig controls the analysis loop.
type WorkerConfig struct {
	Interval          time.Duration // how often to look for endpoints to analyze
	MinFailures       int           // failure streak that makes an endpoint eligible immediately
	StaleAfter        time.Duration // re-analyze endpoints not looked at for this long
	MaxEndpoints      int           // endpoints analyzed per cycle
	RecentRuns        int           // runs fed into the prompt
	AnalysesPerMinute int           // global rate limit across all tenants
	MaxHintTTL        time.Duration // upper bound on hint lifetimes the model may set
}

// DefaultWorkerConfig returns sensible defaults.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Interval:          5 * time.Minute,
		MinFailures:       2,
		StaleAfter:        time.Hour,
		MaxEndpoints:      20,
		RecentRuns:        10,
		AnalysesPerMinute: 10,
		MaxHintTTL:        24 * time.Hour,
	}
}

// Worker is the AI planner loop. Each cycle it selects eligible endpoints,
// asks the model to review their recent runs, and applies the model's tool
// calls through the scoped dispatcher. Endpoint analyses are isolated: one
// failure never stops the rest.
type Worker struct {
	jobs    *schedule.JobsStore
	runs    *schedule.RunsStore
	client  AIClient
	guard   quota.Guard
	limiter *rate.Limiter
	clock   schedule.Clock
	cfg     WorkerConfig
	logger  *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWorker creates an analysis worker. guard may be nil for unlimited use.
func NewWorker(ctx context.Context, jobs *schedule.JobsStore, runs *schedule.RunsStore, client AIClient, guard quota.Guard, clock schedule.Clock, cfg WorkerConfig, log *zap.SugaredLogger) *Worker {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.MaxEndpoints <= 0 {
		cfg.MaxEndpoints = 20
	}
	if cfg.RecentRuns <= 0 {
		cfg.RecentRuns = 10
	}
	if cfg.AnalysesPerMinute <= 0 {
		cfg.AnalysesPerMinute = 10
	}
	if cfg.MaxHintTTL <= 0 {
		cfg.MaxHintTTL = 24 * time.Hour
	}
	if guard == nil {
		guard = quota.Unlimited{}
	}
	if clock == nil {
		clock = schedule.SystemClock{}
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	workerCtx, cancel := context.WithCancel(ctx)
	return &Worker{
		jobs:    jobs,
		runs:    runs,
		client:  client,
		guard:   guard,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.AnalysesPerMinute)), 1),
		clock:   clock,
		cfg:     cfg,
		logger:  log,
		ctx:     workerCtx,
		cancel:  cancel,
	}
}

// Start begins the analysis loop.
func (w *Worker) Start() {
	w.wg.Add(1)
	go w.run()
	w.logger.Infow("AI planner started",
		"interval", w.cfg.Interval,
		"min_failures", w.cfg.MinFailures,
		"stale_after", w.cfg.StaleAfter,
		"analyses_per_minute", w.cfg.AnalysesPerMinute)
}

// Stop cancels the loop and waits for the current cycle to finish.
func (w *Worker) Stop() {
	w.cancel()
	w.wg.Wait()
	w.logger.Infow("AI planner stopped")
}

func (w *Worker) run() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			if err := w.Cycle(w.ctx); err != nil {
				w.logger.Errorw("Analysis cycle failed", "error", err)
			}
		}
	}
}

// Cycle analyzes one batch of eligible endpoints. Exported for tests and the
// CLI.
func (w *Worker) Cycle(ctx context.Context) error {
	now := w.clock.Now()

	endpoints, err := w.jobs.ListForAnalysis(ctx, now, w.cfg.MinFailures, w.cfg.StaleAfter, w.cfg.MaxEndpoints)
	if err != nil {
		return err
	}
	if len(endpoints) == 0 {
		return nil
	}

	w.logger.Debugw("Analyzing endpoints", "count", len(endpoints))

	for _, ep := range endpoints {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := w.limiter.Wait(ctx); err != nil {
			return err
		}

		// Isolation: one endpoint's analysis failing must not stop others.
		if err := w.analyzeEndpoint(ctx, ep); err != nil {
			w.logger.Warnw("Endpoint analysis failed",
				"endpoint_id", ep.ID, "error", err)
		}
	}

	return nil
}

func (w *Worker) analyzeEndpoint(ctx context.Context, ep *schedule.Endpoint) error {
	log := w.logger.With("endpoint_id", ep.ID, "tenant_id", ep.TenantID)

	ok, err := w.guard.CanProceed(ctx, ep.TenantID)
	if err != nil {
		return err
	}
	if !ok {
		log.Debugw("Skipping analysis, tenant over quota")
		return nil
	}

	runs, err := w.runs.ListRecent(ctx, ep.ID, w.cfg.RecentRuns)
	if err != nil {
		return err
	}

	tools, err := chatTools()
	if err != nil {
		return err
	}

	resp, err := w.client.Chat(ctx, openrouter.ChatRequest{
		SystemPrompt: systemPrompt,
		UserPrompt:   buildAnalysisPrompt(ep, runs, w.clock.Now()),
		Tools:        tools,
	})
	if err != nil {
		return err
	}

	if err := w.guard.RecordUsage(ctx, ep.TenantID, resp.Usage.TotalTokens); err != nil {
		log.Warnw("Failed to record AI usage", "error", err)
	}

	dispatcher := NewToolDispatcher(w.jobs, ep, w.cfg.MaxHintTTL, w.logger)
	applied := 0
	for _, call := range resp.ToolCalls {
		summary, err := dispatcher.Dispatch(ctx, call.Function.Name, call.Function.Arguments)
		if err != nil {
			log.Warnw("Rejected tool call",
				"tool", call.Function.Name, "error", err)
			continue
		}
		applied++
		log.Infow("Applied AI hint", "tool", call.Function.Name, "result", summary)
	}

	if err := w.jobs.MarkAnalyzed(ctx, ep.ID, w.clock.Now()); err != nil {
		log.Warnw("Failed to mark endpoint analyzed", "error", err)
	}

	log.Debugw("Analysis finished",
		"tool_calls", len(resp.ToolCalls),
		"applied", applied,
		"tokens", resp.Usage.TotalTokens)

	return nil
}

const systemPrompt = `You are the scheduling advisor for an HTTP job scheduler. ` +
	`You are shown one endpoint's configuration and its recent runs. ` +
	`Decide whether its polling cadence should change and express any change ` +
	`through the provided tools. Prefer backing off failing endpoints and ` +
	`tightening healthy ones that report frequent changes. If the current ` +
	`cadence looks right, call no tools.`

// buildAnalysisPrompt renders the endpoint state and run history the model
// reasons over. Response bodies arrive already truncated by the run store.
func buildAnalysisPrompt(ep *schedule.Endpoint, runs []*schedule.Run, now time.Time) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Endpoint %q (%s %s)\n", ep.Name, ep.Method, ep.URL)
	if ep.Description != nil && *ep.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", *ep.Description)
	}
	if ep.BodySchema != nil && *ep.BodySchema != "" {
		fmt.Fprintf(&b, "Response schema: %s\n", *ep.BodySchema)
	}

	fmt.Fprintf(&b, "Now: %s\n", now.UTC().Format(time.RFC3339))
	if ep.BaselineCron != nil && *ep.BaselineCron != "" {
		fmt.Fprintf(&b, "Baseline: cron %q\n", *ep.BaselineCron)
	} else {
		interval := schedule.DefaultBaselineIntervalMs
		if ep.BaselineIntervalMs != nil {
			interval = *ep.BaselineIntervalMs
		}
		fmt.Fprintf(&b, "Baseline: every %dms\n", interval)
	}
	if ep.MinIntervalMs != nil {
		fmt.Fprintf(&b, "Min interval: %dms\n", *ep.MinIntervalMs)
	}
	if ep.MaxIntervalMs != nil {
		fmt.Fprintf(&b, "Max interval: %dms\n", *ep.MaxIntervalMs)
	}
	fmt.Fprintf(&b, "Failure streak: %d\n", ep.FailureCount)
	if ep.AIHintReason != nil && ep.HintFresh(now) {
		fmt.Fprintf(&b, "Active hint: %s\n", *ep.AIHintReason)
	}

	fmt.Fprintf(&b, "\nRecent runs (newest first):\n")
	if len(runs) == 0 {
		b.WriteString("(none)\n")
	}
	for _, run := range runs {
		entry := map[string]interface{}{
			"started_at": run.StartedAt.UTC().Format(time.RFC3339),
			"status":     run.Status,
			"attempt":    run.Attempt,
		}
		if run.StatusCode != nil {
			entry["status_code"] = *run.StatusCode
		}
		if run.DurationMs != nil {
			entry["duration_ms"] = *run.DurationMs
		}
		if run.ErrorMessage != nil {
			entry["error"] = *run.ErrorMessage
		}
		if run.ResponseBody != nil && *run.ResponseBody != "" {
			entry["body"] = *run.ResponseBody
		}
		line, _ := json.Marshal(entry)
		b.Write(line)
		b.WriteString("\n")
	}

	return b.String()
}
