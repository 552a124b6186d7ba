package schedule

import (
	"time"

	"github.com/cronicorn/cronicorn/errors"
)

// Source tags identify which candidate the planner selected. Diagnostic
// only; equal-time candidates may carry either tag.
const (
	SourcePaused           = "paused"
	SourceAIOneShot        = "ai-oneshot"
	SourceAIInterval       = "ai-interval"
	SourceBaselineCron     = "baseline-cron"
	SourceBaselineInterval = "baseline-interval"
	SourceClampedMin       = "clamped-min"
	SourceClampedMax       = "clamped-max"
)

// Plan is the planner's decision: when the endpoint fires next and why.
type Plan struct {
	NextRunAt time.Time
	Source    string
}

// PlanNextRun chooses the endpoint's next fire time. Pure function: no I/O,
// no clock access beyond the now argument.
//
// Candidates are the baseline cadence (cron when set, else interval from the
// last run) and any fresh AI hints (relative interval or absolute one-shot).
// The earliest candidate wins, floored to now, then clamped into the
// [lastRunAt+min, lastRunAt+max] window when guardrails are set. A pause in
// the future overrides everything.
func PlanNextRun(now time.Time, ep *Endpoint, cron Cron) (Plan, error) {
	if ep.Paused(now) {
		return Plan{NextRunAt: *ep.PausedUntil, Source: SourcePaused}, nil
	}

	last := now
	if ep.LastRunAt != nil {
		last = *ep.LastRunAt
	}

	type candidate struct {
		at     time.Time
		source string
	}
	var cands []candidate

	// Baseline: cron takes precedence over the interval when both are set.
	if ep.BaselineCron != nil && *ep.BaselineCron != "" {
		if cron == nil {
			return Plan{}, errors.AssertionFailedf("endpoint %s has a cron schedule but no cron implementation was provided", ep.ID)
		}
		at, err := cron.Next(*ep.BaselineCron, now)
		if err != nil {
			return Plan{}, errors.Wrapf(err, "failed to evaluate cron for endpoint %s", ep.ID)
		}
		cands = append(cands, candidate{at, SourceBaselineCron})
	} else {
		interval := DefaultBaselineIntervalMs
		if ep.BaselineIntervalMs != nil {
			interval = *ep.BaselineIntervalMs
		}
		cands = append(cands, candidate{last.Add(msToDuration(interval)), SourceBaselineInterval})
	}

	if ep.HintFresh(now) {
		if ep.AIHintIntervalMs != nil {
			cands = append(cands, candidate{last.Add(msToDuration(*ep.AIHintIntervalMs)), SourceAIInterval})
		}
		if ep.AIHintNextRunAt != nil {
			cands = append(cands, candidate{*ep.AIHintNextRunAt, SourceAIOneShot})
		}
	}

	chosen := cands[0]
	for _, c := range cands[1:] {
		if c.at.Before(chosen.at) {
			chosen = c
		}
	}

	// Never schedule behind the wall clock.
	if chosen.at.Before(now) {
		chosen.at = now
	}

	if ep.MinIntervalMs != nil {
		if floor := last.Add(msToDuration(*ep.MinIntervalMs)); chosen.at.Before(floor) {
			chosen = candidate{floor, SourceClampedMin}
		}
	}
	if ep.MaxIntervalMs != nil {
		if ceil := last.Add(msToDuration(*ep.MaxIntervalMs)); chosen.at.After(ceil) {
			chosen = candidate{ceil, SourceClampedMax}
		}
	}

	// A stale lastRunAt can drag the max clamp into the past; the wall-clock
	// floor still wins over the guardrail window.
	if chosen.at.Before(now) {
		chosen.at = now
	}

	return Plan{NextRunAt: chosen.at, Source: chosen.source}, nil
}

func msToDuration(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
