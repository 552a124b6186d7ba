// Package dispatch executes a single endpoint: validates the target URL,
// resolves the request body, signs, fires the HTTP request, and captures the
// outcome. Every failure mode becomes an ExecutionResult; the scheduler never
// sees an error from here.
package dispatch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cronicorn/cronicorn/errors"
	"github.com/cronicorn/cronicorn/internal/httpclient"
	"github.com/cronicorn/cronicorn/schedule"
	"github.com/cronicorn/cronicorn/signing"
)

// KeyProvider resolves raw signing key material per tenant.
type KeyProvider interface {
	GetKey(tenantID string) ([]byte, bool)
}

// Config controls dispatcher policy.
type Config struct {
	// SigningRequired fails dispatches for tenants with no signing key
	// instead of sending unsigned requests.
	SigningRequired bool

	// AllowPrivateNetworks disables the private/loopback IP guard. For
	// development against local targets only.
	AllowPrivateNetworks bool

	// DefaultTimeout is used when an endpoint omits timeout_ms.
	DefaultTimeout time.Duration
}

// Executor dispatches endpoints over HTTP.
type Executor struct {
	client  *httpclient.Client
	keys    KeyProvider
	cfg     Config
	logger  *zap.SugaredLogger
	timeNow func() time.Time // injectable for testing
}

// NewExecutor creates an executor. keys may be nil when signing is disabled
// and not required.
func NewExecutor(keys KeyProvider, cfg Config, logger *zap.SugaredLogger) *Executor {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = time.Duration(schedule.DefaultTimeoutMs) * time.Millisecond
	}

	// Per-request deadlines come from each endpoint's timeout; the client
	// itself carries none.
	client := httpclient.New(httpclient.Options{
		AllowPrivate: cfg.AllowPrivateNetworks,
	})

	return &Executor{
		client:  client,
		keys:    keys,
		cfg:     cfg,
		logger:  logger,
		timeNow: time.Now,
	}
}

// Execute fires one HTTP request for the endpoint and returns the captured
// outcome. Success means a 2xx status; everything else, including policy
// rejections and transport errors, is a failed result with a distinguishing
// error message.
func (e *Executor) Execute(ctx context.Context, ep *schedule.Endpoint) schedule.ExecutionResult {
	now := e.timeNow().UTC()

	if err := e.client.CheckURL(ep.URL); err != nil {
		e.logger.Warnw("Dispatch blocked by URL guard",
			"endpoint_id", ep.ID, "url", ep.URL, "error", err)
		return failure(errors.ErrURLNotAllowed.Error(), 0)
	}

	body := e.resolveBody(ep, now)

	var key []byte
	if e.keys != nil {
		var ok bool
		key, ok = e.keys.GetKey(ep.TenantID)
		if !ok {
			key = nil
			if e.cfg.SigningRequired {
				return failure("signing required: "+errors.ErrSigningKeyMissing.Error(), 0)
			}
		}
	} else if e.cfg.SigningRequired {
		return failure("signing required: "+errors.ErrSigningKeyMissing.Error(), 0)
	}

	timeout := ep.Timeout()
	if ep.TimeoutMs <= 0 {
		timeout = e.cfg.DefaultTimeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reqBody io.Reader
	if body != "" {
		reqBody = strings.NewReader(body)
	}

	req, err := http.NewRequestWithContext(reqCtx, ep.Method, ep.URL, reqBody)
	if err != nil {
		return failure("failed to build request: "+err.Error(), 0)
	}

	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	e.applyHeaders(req, ep)

	if key != nil {
		ts := now.Unix()
		req.Header.Set(signing.HeaderTimestamp, strconv.FormatInt(ts, 10))
		req.Header.Set(signing.HeaderSignature, signing.Sign(key, ts, body))
	}

	start := e.timeNow()
	resp, err := e.client.Do(req)
	duration := e.timeNow().Sub(start).Milliseconds()

	if err != nil {
		msg := err.Error()
		if reqCtx.Err() == context.DeadlineExceeded {
			msg = "request timed out after " + timeout.String()
		}
		e.logger.Debugw("Dispatch failed",
			"endpoint_id", ep.ID, "url", ep.URL, "duration_ms", duration, "error", err)
		return failure(msg, duration)
	}
	defer resp.Body.Close()

	captured := e.captureBody(ep, resp.Body)
	code := resp.StatusCode

	result := schedule.ExecutionResult{
		StatusCode:   &code,
		DurationMs:   duration,
		ResponseBody: captured,
	}
	if code >= 200 && code < 300 {
		result.Status = schedule.RunStatusSuccess
	} else {
		result.Status = schedule.RunStatusFailed
		result.ErrorMessage = "endpoint returned status " + strconv.Itoa(code)
	}

	e.logger.Debugw("Dispatch finished",
		"endpoint_id", ep.ID,
		"method", ep.Method,
		"status_code", code,
		"duration_ms", duration,
		"body_bytes", len(captured))

	return result
}

// resolveBody picks the request body: a fresh AI body hint wins over the
// static configured body; otherwise the request has no body.
func (e *Executor) resolveBody(ep *schedule.Endpoint, now time.Time) string {
	if ep.BodyHintFresh(now) {
		return *ep.AIHintBody
	}
	if ep.BodyJSON != nil {
		return *ep.BodyJSON
	}
	return ""
}

// applyHeaders merges the endpoint's configured headers onto the request.
// Malformed headers_json is ignored rather than failing the dispatch.
func (e *Executor) applyHeaders(req *http.Request, ep *schedule.Endpoint) {
	if ep.HeadersJSON == nil || *ep.HeadersJSON == "" {
		return
	}
	var headers map[string]string
	if err := json.Unmarshal([]byte(*ep.HeadersJSON), &headers); err != nil {
		e.logger.Warnw("Ignoring malformed headers_json",
			"endpoint_id", ep.ID, "error", err)
		return
	}
	for name, value := range headers {
		req.Header.Set(name, value)
	}
}

// captureBody reads at most the endpoint's response cap from the body. The
// remainder of the stream is discarded unread.
func (e *Executor) captureBody(ep *schedule.Endpoint, body io.Reader) string {
	limit := ep.ResponseCap()
	data, err := io.ReadAll(io.LimitReader(body, limit))
	if err != nil {
		e.logger.Debugw("Failed to read response body", "endpoint_id", ep.ID, "error", err)
		return string(data)
	}
	return string(data)
}

// SetHTTPClient overrides the HTTP client.
// ⚠️ WARNING: Only use this in tests that target httptest servers on
// localhost. Production code keeps the SSRF-safer client.
func (e *Executor) SetHTTPClient(client *http.Client) {
	e.client = httpclient.Unrestricted(client)
}

func failure(message string, durationMs int64) schedule.ExecutionResult {
	return schedule.ExecutionResult{
		Status:       schedule.RunStatusFailed,
		DurationMs:   durationMs,
		ErrorMessage: message,
	}
}
