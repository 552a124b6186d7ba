package quota

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/cronicorn/cronicorn/errors"
)

// DailyBudget is a Guard backed by the usage store: each tenant gets a token
// budget per UTC day. Check-then-record, so concurrent analyses can overshoot
// by up to one analysis each; the budget is a cost ceiling, not a lock.
type DailyBudget struct {
	store        *UsageStore
	tokensPerDay int
	logger       *zap.SugaredLogger
	timeNow      func() time.Time // Injectable for testing
}

// NewDailyBudget creates a budget guard. tokensPerDay <= 0 means unlimited.
func NewDailyBudget(store *UsageStore, tokensPerDay int, logger *zap.SugaredLogger) *DailyBudget {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &DailyBudget{
		store:        store,
		tokensPerDay: tokensPerDay,
		logger:       logger,
		timeNow:      time.Now,
	}
}

// CanProceed reports whether the tenant is under its daily token budget.
func (b *DailyBudget) CanProceed(ctx context.Context, tenantID string) (bool, error) {
	if b.tokensPerDay <= 0 {
		return true, nil
	}

	usage, err := b.store.Get(ctx, tenantID, b.timeNow())
	if err != nil {
		return false, errors.Wrapf(err, "failed to check budget for tenant %s", tenantID)
	}

	if usage.Tokens >= b.tokensPerDay {
		b.logger.Debugw("Tenant over daily AI budget",
			"tenant_id", tenantID,
			"tokens_used", usage.Tokens,
			"tokens_budget", b.tokensPerDay)
		return false, nil
	}
	return true, nil
}

// RecordUsage adds consumed tokens to today's bucket.
func (b *DailyBudget) RecordUsage(ctx context.Context, tenantID string, tokens int) error {
	return b.store.Add(ctx, tenantID, b.timeNow(), tokens)
}
