// Package quota gates AI planner usage per tenant. The check is soft:
// CanProceed reads, RecordUsage writes, and concurrent analyses may burst a
// little past the budget. That slack is deliberate; the budget protects
// spend, not invariants.
package quota

import "context"

// Guard is the gating port the AI planner consumes.
type Guard interface {
	// CanProceed reports whether the tenant has budget left for another
	// analysis.
	CanProceed(ctx context.Context, tenantID string) (bool, error)

	// RecordUsage adds consumed tokens to the tenant's running total.
	RecordUsage(ctx context.Context, tenantID string, tokens int) error
}

// Unlimited is a Guard that always allows. Used when no budget is configured.
type Unlimited struct{}

func (Unlimited) CanProceed(ctx context.Context, tenantID string) (bool, error) { return true, nil }
func (Unlimited) RecordUsage(ctx context.Context, tenantID string, tokens int) error {
	return nil
}
