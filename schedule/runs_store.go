package schedule

import (
	"context"
	"database/sql"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/cronicorn/cronicorn/errors"
)

// RunsStore handles run persistence: one row per execution attempt, plus the
// sweeps that cancel zombies and prune old terminal runs.
type RunsStore struct {
	db *sql.DB
}

// NewRunsStore creates a new run store
func NewRunsStore(db *sql.DB) *RunsStore {
	return &RunsStore{db: db}
}

// CreateParams describes the run row inserted at claim time.
type CreateParams struct {
	EndpointID string
	Attempt    int
	Source     string
}

// Create inserts a run in running status and returns its id.
func (s *RunsStore) Create(ctx context.Context, now time.Time, params CreateParams) (string, error) {
	id := uuid.NewString()
	source := params.Source
	if source == "" {
		source = RunSourceScheduler
	}
	attempt := params.Attempt
	if attempt < 1 {
		attempt = 1
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, endpoint_id, status, attempt, source, started_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id, params.EndpointID, RunStatusRunning, attempt, source, now.UTC().Format(time.RFC3339))
	if err != nil {
		return "", errors.Wrapf(err, "failed to create run for endpoint %s", params.EndpointID)
	}

	return id, nil
}

// Finish transitions a run to a terminal status. Idempotent: a run that has
// already left running status is not touched, so a repeated finish (or a
// finish racing the zombie sweep) is a no-op.
func (s *RunsStore) Finish(ctx context.Context, runID string, now time.Time, params FinishParams) error {
	body := truncateBody(params.ResponseBody, params.MaxResponseSizeKb)

	var statusCode interface{}
	if params.StatusCode != nil {
		statusCode = *params.StatusCode
	}
	var errMsg interface{}
	if params.ErrorMessage != "" {
		errMsg = params.ErrorMessage
	}
	var respBody interface{}
	if body != "" {
		respBody = body
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE runs
		SET status = ?, finished_at = ?, duration_ms = ?, status_code = ?, response_body = ?, error_message = ?
		WHERE id = ? AND status = ?
	`, params.Status, now.UTC().Format(time.RFC3339), params.DurationMs, statusCode, respBody, errMsg,
		runID, RunStatusRunning)
	if err != nil {
		return errors.Wrapf(err, "failed to finish run %s", runID)
	}

	return nil
}

// GetRun retrieves a run by ID.
func (s *RunsStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, endpoint_id, status, attempt, source, started_at, finished_at,
		       duration_ms, status_code, response_body, error_message
		FROM runs WHERE id = ?
	`, id)

	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.NewNotFoundError("run %s", id)
		}
		return nil, errors.Wrapf(err, "failed to get run %s", id)
	}
	return run, nil
}

// ListRecent returns the newest runs for an endpoint, newest first. The AI
// planner and the status CLI read these.
func (s *RunsStore) ListRecent(ctx context.Context, endpointID string, limit int) ([]*Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, endpoint_id, status, attempt, source, started_at, finished_at,
		       duration_ms, status_code, response_body, error_message
		FROM runs
		WHERE endpoint_id = ?
		ORDER BY started_at DESC, id DESC
		LIMIT ?
	`, endpointID, limit)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list runs for endpoint %s", endpointID)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan run")
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// CleanupZombieRuns cancels runs stuck in running status longer than the
// threshold. Covers worker crashes: the endpoint lock expires on its own, but
// the orphaned run row needs this sweep to reach a terminal status.
func (s *RunsStore) CleanupZombieRuns(ctx context.Context, now time.Time, olderThan time.Duration) (int, error) {
	cutoff := now.UTC().Add(-olderThan).Format(time.RFC3339)

	result, err := s.db.ExecContext(ctx, `
		UPDATE runs
		SET status = ?, finished_at = ?, error_message = ?
		WHERE status = ? AND started_at <= ?
	`, RunStatusCanceled, now.UTC().Format(time.RFC3339),
		"canceled: run exceeded zombie threshold without finishing",
		RunStatusRunning, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "failed to cleanup zombie runs")
	}

	count, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get zombie cleanup count")
	}
	return int(count), nil
}

// CleanupOldRuns deletes terminal runs whose start time is past the retention
// window. Running rows are never deleted; the zombie sweep terminates them
// first.
func (s *RunsStore) CleanupOldRuns(ctx context.Context, now time.Time, retention time.Duration) (int, error) {
	cutoff := now.UTC().Add(-retention).Format(time.RFC3339)

	result, err := s.db.ExecContext(ctx, `
		DELETE FROM runs
		WHERE status != ? AND started_at <= ?
	`, RunStatusRunning, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "failed to cleanup old runs")
	}

	count, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get old run cleanup count")
	}
	return int(count), nil
}

// CountByStatus returns run counts grouped by status, for the health payload
// and the status CLI.
func (s *RunsStore) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM runs GROUP BY status`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count runs by status")
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, errors.Wrap(err, "failed to scan run count")
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

func scanRun(row rowScanner) (*Run, error) {
	var run Run
	var finishedAt, responseBody, errorMessage sql.NullString
	var durationMs sql.NullInt64
	var statusCode sql.NullInt64
	var startedAt string

	err := row.Scan(
		&run.ID,
		&run.EndpointID,
		&run.Status,
		&run.Attempt,
		&run.Source,
		&startedAt,
		&finishedAt,
		&durationMs,
		&statusCode,
		&responseBody,
		&errorMessage,
	)
	if err != nil {
		return nil, err
	}

	if run.StartedAt, err = parseTime(startedAt, "started_at", run.ID); err != nil {
		return nil, err
	}
	if run.FinishedAt, err = parseNullableTime(finishedAt, "finished_at", run.ID); err != nil {
		return nil, err
	}
	run.ResponseBody = strPtr(responseBody)
	run.ErrorMessage = strPtr(errorMessage)
	run.DurationMs = int64Ptr(durationMs)
	if statusCode.Valid {
		code := int(statusCode.Int64)
		run.StatusCode = &code
	}

	return &run, nil
}

// truncateBody caps the stored response body. The cap applies at byte
// granularity; a multi-byte rune split at the boundary is dropped whole.
func truncateBody(body string, maxKb int64) string {
	if maxKb <= 0 {
		maxKb = DefaultMaxResponseSizeKb
	}
	max := int(maxKb * 1024)
	if len(body) <= max {
		return body
	}
	truncated := body[:max]
	// Don't leave a split rune at the cut point. Bodies that were never valid
	// UTF-8 are stored as cut.
	for i := 0; i < utf8.UTFMax-1 && len(truncated) > 0; i++ {
		if r, _ := utf8.DecodeLastRuneInString(truncated); r != utf8.RuneError {
			break
		}
		truncated = truncated[:len(truncated)-1]
	}
	return truncated
}
