package planner

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/cronicorn/cronicorn/errors"
	"github.com/cronicorn/cronicorn/schedule"
)

// minHintTTL keeps hints alive at least long enough for one planning cycle
// to observe them.
const minHintTTL = 10 * time.Second

// ToolDispatcher validates and applies tool calls for exactly one endpoint.
// It is the boundary between the model and the repository: TTLs are bounded,
// intervals are soft-clamped into the endpoint's guardrails, and there is no
// way to address any other endpoint.
type ToolDispatcher struct {
	jobs    *schedule.JobsStore
	ep      *schedule.Endpoint
	maxTTL  time.Duration
	logger  *zap.SugaredLogger
	timeNow func() time.Time // Injectable for testing
}

// NewToolDispatcher scopes a dispatcher to one endpoint.
func NewToolDispatcher(jobs *schedule.JobsStore, ep *schedule.Endpoint, maxTTL time.Duration, logger *zap.SugaredLogger) *ToolDispatcher {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if maxTTL <= 0 {
		maxTTL = 24 * time.Hour
	}
	return &ToolDispatcher{
		jobs:    jobs,
		ep:      ep,
		maxTTL:  maxTTL,
		logger:  logger,
		timeNow: time.Now,
	}
}

// Dispatch applies one tool call. Returns a short human-readable summary of
// what was written, or an error when the call is malformed.
func (d *ToolDispatcher) Dispatch(ctx context.Context, name string, rawArgs string) (string, error) {
	args := map[string]interface{}{}
	if rawArgs != "" {
		if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
			return "", errors.Wrapf(err, "malformed arguments for tool %s", name)
		}
	}

	switch name {
	case ToolProposeInterval:
		return d.proposeInterval(ctx, args)
	case ToolProposeNextTime:
		return d.proposeNextTime(ctx, args)
	case ToolPauseUntil:
		return d.pauseUntil(ctx, args)
	case ToolResetFailures:
		if err := d.jobs.ResetFailures(ctx, d.ep.ID); err != nil {
			return "", err
		}
		return "failure streak reset", nil
	case ToolClearHints:
		if err := d.jobs.ClearHints(ctx, d.ep.ID); err != nil {
			return "", err
		}
		return "hints cleared", nil
	default:
		return "", errors.Newf("unknown tool %q", name)
	}
}

func (d *ToolDispatcher) proposeInterval(ctx context.Context, args map[string]interface{}) (string, error) {
	ms, err := intArg(args, "ms")
	if err != nil {
		return "", err
	}
	if ms <= 0 {
		return "", errors.Newf("interval must be positive, got %d", ms)
	}
	reason, err := stringArg(args, "reason")
	if err != nil {
		return "", err
	}

	// Soft-clamp into the guardrails at write time; the planner clamps again
	// at plan time, this just keeps the stored hint honest.
	clamped := ms
	if d.ep.MinIntervalMs != nil && clamped < *d.ep.MinIntervalMs {
		clamped = *d.ep.MinIntervalMs
	}
	if d.ep.MaxIntervalMs != nil && clamped > *d.ep.MaxIntervalMs {
		clamped = *d.ep.MaxIntervalMs
	}
	if clamped != ms {
		d.logger.Debugw("Clamped interval proposal into guardrails",
			"endpoint_id", d.ep.ID, "proposed_ms", ms, "clamped_ms", clamped)
	}

	expiresAt := d.timeNow().UTC().Add(d.boundTTL(args))
	if err := d.jobs.ApplyIntervalHint(ctx, d.ep.ID, clamped, reason, expiresAt); err != nil {
		return "", err
	}
	return "interval hint applied", nil
}

func (d *ToolDispatcher) proposeNextTime(ctx context.Context, args map[string]interface{}) (string, error) {
	at, err := timeArg(args, "at")
	if err != nil {
		return "", err
	}
	reason, err := stringArg(args, "reason")
	if err != nil {
		return "", err
	}

	now := d.timeNow().UTC()
	if at.Before(now) {
		return "", errors.Newf("proposed time %s is in the past", at.Format(time.RFC3339))
	}

	// The hint must outlive the proposed time or the planner would never see
	// it fire.
	ttl := d.boundTTL(args)
	expiresAt := now.Add(ttl)
	if expiresAt.Before(at) {
		expiresAt = at.Add(minHintTTL)
	}

	if err := d.jobs.ScheduleOneShot(ctx, d.ep.ID, at, reason, expiresAt); err != nil {
		return "", err
	}
	return "one-shot scheduled", nil
}

func (d *ToolDispatcher) pauseUntil(ctx context.Context, args map[string]interface{}) (string, error) {
	at, err := timeArg(args, "at")
	if err != nil {
		return "", err
	}
	reason, err := stringArg(args, "reason")
	if err != nil {
		return "", err
	}

	now := d.timeNow().UTC()
	if at.Before(now) {
		return "", errors.Newf("pause time %s is in the past", at.Format(time.RFC3339))
	}
	if max := now.Add(d.maxTTL); at.After(max) {
		d.logger.Debugw("Clamped pause to max TTL",
			"endpoint_id", d.ep.ID, "proposed", at, "clamped", max)
		at = max
	}

	if err := d.jobs.PauseUntil(ctx, d.ep.ID, at, reason); err != nil {
		return "", err
	}
	return "endpoint paused", nil
}

// boundTTL reads ttl_ms and clamps it into [minHintTTL, maxTTL]. A missing
// or malformed TTL gets the maximum; a hint that lives too long is less
// harmful than one that dies before the next planning cycle.
func (d *ToolDispatcher) boundTTL(args map[string]interface{}) time.Duration {
	ms, err := intArg(args, "ttl_ms")
	if err != nil || ms <= 0 {
		return d.maxTTL
	}
	ttl := time.Duration(ms) * time.Millisecond
	if ttl < minHintTTL {
		return minHintTTL
	}
	if ttl > d.maxTTL {
		return d.maxTTL
	}
	return ttl
}

func intArg(args map[string]interface{}, key string) (int64, error) {
	v, ok := args[key]
	if !ok {
		return 0, errors.Newf("missing required argument %q", key)
	}
	switch n := v.(type) {
	case float64:
		return int64(n), nil
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, errors.Wrapf(err, "argument %q is not an integer", key)
		}
		return i, nil
	default:
		return 0, errors.Newf("argument %q must be a number, got %T", key, v)
	}
}

func stringArg(args map[string]interface{}, key string) (string, error) {
	v, ok := args[key]
	if !ok {
		return "", errors.Newf("missing required argument %q", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", errors.Newf("argument %q must be a string, got %T", key, v)
	}
	return s, nil
}

func timeArg(args map[string]interface{}, key string) (time.Time, error) {
	s, err := stringArg(args, key)
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "argument %q is not an RFC3339 timestamp", key)
	}
	return t.UTC(), nil
}
