package schedule

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/cronicorn/cronicorn/errors"
)

// JobsStore handles endpoint persistence: atomic claims, post-run updates,
// and the hint fields the AI planner writes.
type JobsStore struct {
	db *sql.DB
}

// NewJobsStore creates a new endpoint store
func NewJobsStore(db *sql.DB) *JobsStore {
	return &JobsStore{db: db}
}

// FailureCountPolicy selects how UpdateAfterRun adjusts the failure streak.
type FailureCountPolicy string

const (
	FailurePolicyReset     FailureCountPolicy = "reset"
	FailurePolicyIncrement FailureCountPolicy = "increment"
)

// UpdateAfterRunParams is the post-run state written back in one transaction.
type UpdateAfterRunParams struct {
	LastRunAt          time.Time
	NextRunAt          time.Time
	FailureCountPolicy FailureCountPolicy
	// ClearExpiredHints nulls hint fields whose expiry is at or before
	// LastRunAt, so dead hints cannot influence later planning cycles.
	ClearExpiredHints bool
}

const endpointColumns = `
	id, tenant_id, job_id, name, description,
	url, method, headers_json, body_json, body_schema,
	baseline_cron, baseline_interval_ms, min_interval_ms, max_interval_ms,
	ai_hint_interval_ms, ai_hint_next_run_at, ai_hint_reason, ai_hint_expires_at,
	ai_hint_body, ai_hint_body_expires_at,
	paused_until, archived_at,
	last_run_at, next_run_at, failure_count, locked_by, lock_expires_at, last_analyzed_at,
	timeout_ms, max_execution_time_ms, max_response_size_kb,
	created_at, updated_at`

// CreateEndpoint inserts a new endpoint. Fresh endpoints are due immediately
// unless the caller sets NextRunAt.
func (s *JobsStore) CreateEndpoint(ctx context.Context, ep *Endpoint) error {
	now := time.Now().UTC()
	if ep.NextRunAt.IsZero() {
		ep.NextRunAt = now
	}
	if ep.Method == "" {
		ep.Method = "POST"
	}
	if ep.TimeoutMs == 0 {
		ep.TimeoutMs = DefaultTimeoutMs
	}
	if ep.MaxExecutionTimeMs == 0 {
		ep.MaxExecutionTimeMs = DefaultMaxExecutionTimeMs
	}
	if ep.MaxResponseSizeKb == 0 {
		ep.MaxResponseSizeKb = DefaultMaxResponseSizeKb
	}
	ep.CreatedAt = now
	ep.UpdatedAt = now

	query := `
		INSERT INTO endpoints (` + endpointColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		ep.ID,
		ep.TenantID,
		nullString(ep.JobID),
		ep.Name,
		nullString(ep.Description),
		ep.URL,
		ep.Method,
		nullString(ep.HeadersJSON),
		nullString(ep.BodyJSON),
		nullString(ep.BodySchema),
		nullString(ep.BaselineCron),
		nullInt64(ep.BaselineIntervalMs),
		nullInt64(ep.MinIntervalMs),
		nullInt64(ep.MaxIntervalMs),
		nullInt64(ep.AIHintIntervalMs),
		nullTime(ep.AIHintNextRunAt),
		nullString(ep.AIHintReason),
		nullTime(ep.AIHintExpiresAt),
		nullString(ep.AIHintBody),
		nullTime(ep.AIHintBodyExpiresAt),
		nullTime(ep.PausedUntil),
		nullTime(ep.ArchivedAt),
		nullTime(ep.LastRunAt),
		ep.NextRunAt.UTC().Format(time.RFC3339),
		ep.FailureCount,
		nullString(ep.LockedBy),
		nullTime(ep.LockExpiresAt),
		nullTime(ep.LastAnalyzedAt),
		ep.TimeoutMs,
		ep.MaxExecutionTimeMs,
		ep.MaxResponseSizeKb,
		now.Format(time.RFC3339),
		now.Format(time.RFC3339),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return errors.Wrapf(errors.ErrConflict, "endpoint %s/%s already exists", ep.TenantID, ep.Name)
		}
		return errors.Wrapf(err, "failed to create endpoint %s", ep.ID)
	}

	return nil
}

// GetEndpoint retrieves an endpoint by ID. The scheduler calls this twice per
// cycle: before dispatch, and after, to observe hints written mid-execution.
func (s *JobsStore) GetEndpoint(ctx context.Context, id string) (*Endpoint, error) {
	query := `SELECT ` + endpointColumns + ` FROM endpoints WHERE id = ?`

	ep, err := scanEndpoint(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.NewNotFoundError("endpoint %s", id)
		}
		return nil, errors.Wrapf(err, "failed to get endpoint %s", id)
	}
	return ep, nil
}

// GetEndpointByName retrieves an endpoint by its (tenant, name) pair, which
// is unique. Used by the seed loader for upserts.
func (s *JobsStore) GetEndpointByName(ctx context.Context, tenantID, name string) (*Endpoint, error) {
	query := `SELECT ` + endpointColumns + ` FROM endpoints WHERE tenant_id = ? AND name = ?`

	ep, err := scanEndpoint(s.db.QueryRowContext(ctx, query, tenantID, name))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.NewNotFoundError("endpoint %s/%s", tenantID, name)
		}
		return nil, errors.Wrapf(err, "failed to get endpoint %s/%s", tenantID, name)
	}
	return ep, nil
}

// UpdateEndpointConfig rewrites the user-editable configuration of an
// endpoint. Runtime state (schedule position, failure streak, locks, hints)
// is untouched.
func (s *JobsStore) UpdateEndpointConfig(ctx context.Context, ep *Endpoint) error {
	query := `
		UPDATE endpoints
		SET description = ?, url = ?, method = ?, headers_json = ?, body_json = ?, body_schema = ?,
		    baseline_cron = ?, baseline_interval_ms = ?, min_interval_ms = ?, max_interval_ms = ?,
		    timeout_ms = ?, max_execution_time_ms = ?, max_response_size_kb = ?,
		    updated_at = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		nullString(ep.Description),
		ep.URL,
		ep.Method,
		nullString(ep.HeadersJSON),
		nullString(ep.BodyJSON),
		nullString(ep.BodySchema),
		nullString(ep.BaselineCron),
		nullInt64(ep.BaselineIntervalMs),
		nullInt64(ep.MinIntervalMs),
		nullInt64(ep.MaxIntervalMs),
		ep.TimeoutMs,
		ep.MaxExecutionTimeMs,
		ep.MaxResponseSizeKb,
		time.Now().UTC().Format(time.RFC3339),
		ep.ID,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to update endpoint %s", ep.ID)
	}

	return requireRowAffected(result, ep.ID)
}

// ClaimDueEndpoints atomically claims up to batchSize due endpoints for the
// given worker and returns their ids. A row is due when it is not archived,
// its next_run_at has passed, and no live lock is held. The select and the
// conditional lock writes run in one transaction; SQLite serializes writers,
// so two workers never claim the same row. The per-row lock re-check keeps
// the claim correct on backends with weaker write isolation.
func (s *JobsStore) ClaimDueEndpoints(ctx context.Context, now time.Time, workerID string, batchSize int, lockTTL time.Duration) ([]string, error) {
	nowStr := now.UTC().Format(time.RFC3339)
	lockExpiry := now.UTC().Add(lockTTL).Format(time.RFC3339)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin claim transaction")
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM endpoints
		WHERE archived_at IS NULL
		  AND next_run_at <= ?
		  AND (lock_expires_at IS NULL OR lock_expires_at <= ?)
		ORDER BY next_run_at ASC
		LIMIT ?
	`, nowStr, nowStr, batchSize)
	if err != nil {
		return nil, errors.Wrap(err, "failed to select due endpoints")
	}

	var due []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "failed to scan due endpoint id")
		}
		due = append(due, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, errors.Wrap(err, "failed to iterate due endpoints")
	}
	rows.Close()

	var claimed []string
	for _, id := range due {
		result, err := tx.ExecContext(ctx, `
			UPDATE endpoints
			SET locked_by = ?, lock_expires_at = ?
			WHERE id = ?
			  AND archived_at IS NULL
			  AND (lock_expires_at IS NULL OR lock_expires_at <= ?)
		`, workerID, lockExpiry, id, nowStr)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to lock endpoint %s", id)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return nil, errors.Wrapf(err, "failed to get rows affected for endpoint %s", id)
		}
		if affected == 1 {
			claimed = append(claimed, id)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit claim transaction")
	}

	return claimed, nil
}

// ExtendLock pushes the lock expiry forward for a claim this worker holds.
// Used when an endpoint's execution budget exceeds the claim lease. No-op
// if the lock is no longer held by this worker.
func (s *JobsStore) ExtendLock(ctx context.Context, id, workerID string, until time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE endpoints
		SET lock_expires_at = ?
		WHERE id = ? AND locked_by = ?
	`, until.UTC().Format(time.RFC3339), id, workerID)
	if err != nil {
		return errors.Wrapf(err, "failed to extend lock for endpoint %s", id)
	}
	return nil
}

// UpdateAfterRun writes the post-run state: last/next run times, the failure
// streak per policy, and optionally clears hints that expired at or before
// this run. Releases the lock. Single statement, so the write is atomic.
func (s *JobsStore) UpdateAfterRun(ctx context.Context, id string, params UpdateAfterRunParams) error {
	lastRun := params.LastRunAt.UTC().Format(time.RFC3339)
	nextRun := params.NextRunAt.UTC().Format(time.RFC3339)

	clear := 0
	if params.ClearExpiredHints {
		clear = 1
	}
	increment := 0
	if params.FailureCountPolicy == FailurePolicyIncrement {
		increment = 1
	}

	query := `
		UPDATE endpoints
		SET last_run_at = ?1,
		    next_run_at = ?2,
		    failure_count = CASE WHEN ?3 = 1 THEN failure_count + 1 ELSE 0 END,
		    ai_hint_interval_ms = CASE WHEN ?4 = 1 AND ai_hint_expires_at IS NOT NULL AND ai_hint_expires_at <= ?1 THEN NULL ELSE ai_hint_interval_ms END,
		    ai_hint_next_run_at = CASE WHEN ?4 = 1 AND ai_hint_expires_at IS NOT NULL AND ai_hint_expires_at <= ?1 THEN NULL ELSE ai_hint_next_run_at END,
		    ai_hint_reason      = CASE WHEN ?4 = 1 AND ai_hint_expires_at IS NOT NULL AND ai_hint_expires_at <= ?1 THEN NULL ELSE ai_hint_reason END,
		    ai_hint_expires_at  = CASE WHEN ?4 = 1 AND ai_hint_expires_at IS NOT NULL AND ai_hint_expires_at <= ?1 THEN NULL ELSE ai_hint_expires_at END,
		    ai_hint_body            = CASE WHEN ?4 = 1 AND ai_hint_body_expires_at IS NOT NULL AND ai_hint_body_expires_at <= ?1 THEN NULL ELSE ai_hint_body END,
		    ai_hint_body_expires_at = CASE WHEN ?4 = 1 AND ai_hint_body_expires_at IS NOT NULL AND ai_hint_body_expires_at <= ?1 THEN NULL ELSE ai_hint_body_expires_at END,
		    locked_by = NULL,
		    lock_expires_at = NULL,
		    updated_at = ?5
		WHERE id = ?6
	`

	result, err := s.db.ExecContext(ctx, query,
		lastRun,
		nextRun,
		increment,
		clear,
		time.Now().UTC().Format(time.RFC3339),
		id,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to update endpoint %s after run", id)
	}

	return requireRowAffected(result, id)
}

// ApplyIntervalHint writes a TTL-scoped interval proposal. The next planning
// cycle computes the schedule; this never touches next_run_at.
func (s *JobsStore) ApplyIntervalHint(ctx context.Context, id string, intervalMs int64, reason string, expiresAt time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE endpoints
		SET ai_hint_interval_ms = ?, ai_hint_next_run_at = NULL, ai_hint_reason = ?, ai_hint_expires_at = ?, updated_at = ?
		WHERE id = ? AND archived_at IS NULL
	`, intervalMs, reason, expiresAt.UTC().Format(time.RFC3339), time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return errors.Wrapf(err, "failed to apply interval hint to endpoint %s", id)
	}
	return requireRowAffected(result, id)
}

// ScheduleOneShot writes a TTL-scoped absolute fire-time proposal.
func (s *JobsStore) ScheduleOneShot(ctx context.Context, id string, at time.Time, reason string, expiresAt time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE endpoints
		SET ai_hint_next_run_at = ?, ai_hint_interval_ms = NULL, ai_hint_reason = ?, ai_hint_expires_at = ?, updated_at = ?
		WHERE id = ? AND archived_at IS NULL
	`, at.UTC().Format(time.RFC3339), reason, expiresAt.UTC().Format(time.RFC3339), time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return errors.Wrapf(err, "failed to schedule one-shot for endpoint %s", id)
	}
	return requireRowAffected(result, id)
}

// PauseUntil pauses the endpoint until the given time. While paused_until is
// in the future the planner schedules exactly at it.
func (s *JobsStore) PauseUntil(ctx context.Context, id string, until time.Time, reason string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE endpoints
		SET paused_until = ?, ai_hint_reason = ?, updated_at = ?
		WHERE id = ? AND archived_at IS NULL
	`, until.UTC().Format(time.RFC3339), reason, time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return errors.Wrapf(err, "failed to pause endpoint %s", id)
	}
	return requireRowAffected(result, id)
}

// ApplyBodyHint writes a TTL-scoped request body override for the dispatcher.
func (s *JobsStore) ApplyBodyHint(ctx context.Context, id string, body string, expiresAt time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE endpoints
		SET ai_hint_body = ?, ai_hint_body_expires_at = ?, updated_at = ?
		WHERE id = ? AND archived_at IS NULL
	`, body, expiresAt.UTC().Format(time.RFC3339), time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return errors.Wrapf(err, "failed to apply body hint to endpoint %s", id)
	}
	return requireRowAffected(result, id)
}

// ClearHints nulls all AI hint fields. Does not touch paused_until.
func (s *JobsStore) ClearHints(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE endpoints
		SET ai_hint_interval_ms = NULL, ai_hint_next_run_at = NULL, ai_hint_reason = NULL, ai_hint_expires_at = NULL,
		    ai_hint_body = NULL, ai_hint_body_expires_at = NULL, updated_at = ?
		WHERE id = ?
	`, time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return errors.Wrapf(err, "failed to clear hints for endpoint %s", id)
	}
	return requireRowAffected(result, id)
}

// ResetFailures zeroes the failure streak.
func (s *JobsStore) ResetFailures(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE endpoints SET failure_count = 0, updated_at = ? WHERE id = ?
	`, time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return errors.Wrapf(err, "failed to reset failures for endpoint %s", id)
	}
	return requireRowAffected(result, id)
}

// MarkAnalyzed records when the AI planner last looked at this endpoint.
func (s *JobsStore) MarkAnalyzed(ctx context.Context, id string, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE endpoints SET last_analyzed_at = ?, updated_at = ? WHERE id = ?
	`, at.UTC().Format(time.RFC3339), time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return errors.Wrapf(err, "failed to mark endpoint %s analyzed", id)
	}
	return requireRowAffected(result, id)
}

// Archive soft-deletes the endpoint. Archived rows are excluded from claims
// and analysis.
func (s *JobsStore) Archive(ctx context.Context, id string, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE endpoints SET archived_at = ?, updated_at = ? WHERE id = ? AND archived_at IS NULL
	`, at.UTC().Format(time.RFC3339), time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return errors.Wrapf(err, "failed to archive endpoint %s", id)
	}
	return requireRowAffected(result, id)
}

// ListForAnalysis returns non-archived, non-paused endpoints the AI planner
// should look at: a live failure streak, never analyzed, or analyzed longer
// ago than staleAfter. Worst failure streaks first.
func (s *JobsStore) ListForAnalysis(ctx context.Context, now time.Time, minFailures int, staleAfter time.Duration, limit int) ([]*Endpoint, error) {
	nowStr := now.UTC().Format(time.RFC3339)
	staleBefore := now.UTC().Add(-staleAfter).Format(time.RFC3339)

	query := `SELECT ` + endpointColumns + `
		FROM endpoints
		WHERE archived_at IS NULL
		  AND (paused_until IS NULL OR paused_until <= ?)
		  AND (failure_count >= ? OR last_analyzed_at IS NULL OR last_analyzed_at <= ?)
		ORDER BY failure_count DESC, next_run_at ASC
		LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, nowStr, minFailures, staleBefore, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list endpoints for analysis")
	}
	defer rows.Close()

	return collectEndpoints(rows)
}

// ListUpcoming returns non-archived endpoints ordered by next fire time.
func (s *JobsStore) ListUpcoming(ctx context.Context, limit int) ([]*Endpoint, error) {
	query := `SELECT ` + endpointColumns + `
		FROM endpoints
		WHERE archived_at IS NULL
		ORDER BY next_run_at ASC
		LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list upcoming endpoints")
	}
	defer rows.Close()

	return collectEndpoints(rows)
}

// CountDue returns how many endpoints are claimable at now.
func (s *JobsStore) CountDue(ctx context.Context, now time.Time) (int, error) {
	nowStr := now.UTC().Format(time.RFC3339)

	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM endpoints
		WHERE archived_at IS NULL
		  AND next_run_at <= ?
		  AND (lock_expires_at IS NULL OR lock_expires_at <= ?)
	`, nowStr, nowStr).Scan(&count)
	if err != nil {
		return 0, errors.Wrap(err, "failed to count due endpoints")
	}
	return count, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEndpoint(row rowScanner) (*Endpoint, error) {
	var ep Endpoint
	var jobID, description, headersJSON, bodyJSON, bodySchema sql.NullString
	var baselineCron, aiHintReason, aiHintBody, lockedBy sql.NullString
	var baselineIntervalMs, minIntervalMs, maxIntervalMs, aiHintIntervalMs sql.NullInt64
	var aiHintNextRunAt, aiHintExpiresAt, aiHintBodyExpiresAt sql.NullString
	var pausedUntil, archivedAt, lastRunAt, lockExpiresAt, lastAnalyzedAt sql.NullString
	var nextRunAt, createdAt, updatedAt string

	err := row.Scan(
		&ep.ID,
		&ep.TenantID,
		&jobID,
		&ep.Name,
		&description,
		&ep.URL,
		&ep.Method,
		&headersJSON,
		&bodyJSON,
		&bodySchema,
		&baselineCron,
		&baselineIntervalMs,
		&minIntervalMs,
		&maxIntervalMs,
		&aiHintIntervalMs,
		&aiHintNextRunAt,
		&aiHintReason,
		&aiHintExpiresAt,
		&aiHintBody,
		&aiHintBodyExpiresAt,
		&pausedUntil,
		&archivedAt,
		&lastRunAt,
		&nextRunAt,
		&ep.FailureCount,
		&lockedBy,
		&lockExpiresAt,
		&lastAnalyzedAt,
		&ep.TimeoutMs,
		&ep.MaxExecutionTimeMs,
		&ep.MaxResponseSizeKb,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	ep.JobID = strPtr(jobID)
	ep.Description = strPtr(description)
	ep.HeadersJSON = strPtr(headersJSON)
	ep.BodyJSON = strPtr(bodyJSON)
	ep.BodySchema = strPtr(bodySchema)
	ep.BaselineCron = strPtr(baselineCron)
	ep.AIHintReason = strPtr(aiHintReason)
	ep.AIHintBody = strPtr(aiHintBody)
	ep.LockedBy = strPtr(lockedBy)
	ep.BaselineIntervalMs = int64Ptr(baselineIntervalMs)
	ep.MinIntervalMs = int64Ptr(minIntervalMs)
	ep.MaxIntervalMs = int64Ptr(maxIntervalMs)
	ep.AIHintIntervalMs = int64Ptr(aiHintIntervalMs)

	// Parse timestamps (errors here indicate data corruption or schema mismatch)
	if ep.NextRunAt, err = parseTime(nextRunAt, "next_run_at", ep.ID); err != nil {
		return nil, err
	}
	if ep.CreatedAt, err = parseTime(createdAt, "created_at", ep.ID); err != nil {
		return nil, err
	}
	if ep.UpdatedAt, err = parseTime(updatedAt, "updated_at", ep.ID); err != nil {
		return nil, err
	}
	for _, field := range []struct {
		src  sql.NullString
		dst  **time.Time
		name string
	}{
		{aiHintNextRunAt, &ep.AIHintNextRunAt, "ai_hint_next_run_at"},
		{aiHintExpiresAt, &ep.AIHintExpiresAt, "ai_hint_expires_at"},
		{aiHintBodyExpiresAt, &ep.AIHintBodyExpiresAt, "ai_hint_body_expires_at"},
		{pausedUntil, &ep.PausedUntil, "paused_until"},
		{archivedAt, &ep.ArchivedAt, "archived_at"},
		{lastRunAt, &ep.LastRunAt, "last_run_at"},
		{lockExpiresAt, &ep.LockExpiresAt, "lock_expires_at"},
		{lastAnalyzedAt, &ep.LastAnalyzedAt, "last_analyzed_at"},
	} {
		if *field.dst, err = parseNullableTime(field.src, field.name, ep.ID); err != nil {
			return nil, err
		}
	}

	return &ep, nil
}

func collectEndpoints(rows *sql.Rows) ([]*Endpoint, error) {
	var eps []*Endpoint
	for rows.Next() {
		ep, err := scanEndpoint(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan endpoint")
		}
		eps = append(eps, ep)
	}
	return eps, rows.Err()
}

func requireRowAffected(result sql.Result, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.NewNotFoundError("endpoint %s", id)
	}
	return nil
}

func parseTime(value, field, id string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "failed to parse %s for endpoint %s", field, id)
	}
	return t, nil
}

func parseNullableTime(ns sql.NullString, field, id string) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTime(ns.String, field, id)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}

func nullInt64(i *int64) interface{} {
	if i == nil {
		return nil
	}
	return *i
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func strPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func int64Ptr(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64
	return &v
}
