package quota

import (
	"context"
	"database/sql"
	"time"

	"github.com/cronicorn/cronicorn/errors"
)

// dayLayout buckets usage per UTC calendar day.
const dayLayout = "2006-01-02"

// DayUsage is one tenant's AI consumption for one UTC day.
type DayUsage struct {
	TenantID string
	Day      string
	Tokens   int
	Analyses int
}

// UsageStore persists per-tenant daily AI usage.
type UsageStore struct {
	db *sql.DB
}

// NewUsageStore creates a new usage store
func NewUsageStore(db *sql.DB) *UsageStore {
	return &UsageStore{db: db}
}

// Add accumulates tokens and one analysis onto the tenant's bucket for the
// given day. Upsert, so the first write of a day creates the row.
func (s *UsageStore) Add(ctx context.Context, tenantID string, day time.Time, tokens int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ai_usage (tenant_id, day, tokens, analyses)
		VALUES (?, ?, ?, 1)
		ON CONFLICT(tenant_id, day) DO UPDATE SET
			tokens = tokens + excluded.tokens,
			analyses = analyses + 1
	`, tenantID, day.UTC().Format(dayLayout), tokens)
	if err != nil {
		return errors.Wrapf(err, "failed to record usage for tenant %s", tenantID)
	}
	return nil
}

// Get returns the tenant's usage for a day. A missing row reads as zero.
func (s *UsageStore) Get(ctx context.Context, tenantID string, day time.Time) (*DayUsage, error) {
	usage := &DayUsage{
		TenantID: tenantID,
		Day:      day.UTC().Format(dayLayout),
	}

	err := s.db.QueryRowContext(ctx, `
		SELECT tokens, analyses FROM ai_usage WHERE tenant_id = ? AND day = ?
	`, tenantID, usage.Day).Scan(&usage.Tokens, &usage.Analyses)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return usage, nil
		}
		return nil, errors.Wrapf(err, "failed to get usage for tenant %s", tenantID)
	}
	return usage, nil
}

// ListRecent returns usage rows for the last n days across all tenants,
// newest first. The status CLI renders these.
func (s *UsageStore) ListRecent(ctx context.Context, since time.Time) ([]*DayUsage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tenant_id, day, tokens, analyses
		FROM ai_usage
		WHERE day >= ?
		ORDER BY day DESC, tenant_id
	`, since.UTC().Format(dayLayout))
	if err != nil {
		return nil, errors.Wrap(err, "failed to list usage")
	}
	defer rows.Close()

	var usages []*DayUsage
	for rows.Next() {
		var u DayUsage
		if err := rows.Scan(&u.TenantID, &u.Day, &u.Tokens, &u.Analyses); err != nil {
			return nil, errors.Wrap(err, "failed to scan usage")
		}
		usages = append(usages, &u)
	}
	return usages, rows.Err()
}
