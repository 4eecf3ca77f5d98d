// Package executor issues proxied generation calls with the session's
// routing state and credential, failing over to an alternate server exactly
// once on network-level failures.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"monoklix/relay/pkg/activity"
	"monoklix/relay/pkg/admission"
	"monoklix/relay/pkg/catalog"
	"monoklix/relay/pkg/config"
	"monoklix/relay/pkg/credential"
	"monoklix/relay/pkg/session"
	"monoklix/relay/pkg/telemetry/metrics"
)

// Service identifies a downstream generation service. The value is also the
// path segment the proxy routes on.
type Service string

const (
	// ServiceImage is the image generation service.
	ServiceImage Service = "imagen"

	// ServiceVideo is the video generation service.
	ServiceVideo Service = "veo"
)

// Class partitions calls for admission purposes.
type Class int

const (
	// ClassLightweight calls (health probes, uploads) skip slot admission.
	ClassLightweight Class = iota

	// ClassGeneration calls acquire a generation slot first.
	ClassGeneration
)

// Request describes one proxied call.
type Request struct {
	// Path is the service-relative path, e.g. "/generate".
	Path string

	// Service is the target generation service.
	Service Service

	// Operation is the logical operation name for the activity trail,
	// e.g. "IMAGEN GENERATE".
	Operation string

	// Class determines whether the call needs a generation slot.
	Class Class

	// Body is marshaled to JSON as the request payload.
	Body any

	// Override, when set, takes precedence over the session's personal
	// credential for this call only.
	Override *credential.Credential

	// OnStatus optionally receives human-readable progress updates.
	OnStatus admission.StatusFunc
}

// Response is a successful proxied call.
type Response struct {
	// Data is the raw JSON payload returned by the proxy.
	Data json.RawMessage

	// Credential is the credential that actually succeeded, so callers can
	// confirm which one worked.
	Credential credential.Credential
}

// Admitter acquires generation slots before generation-class calls.
type Admitter interface {
	AcquireSlot(ctx context.Context, server string, onStatus admission.StatusFunc) error
}

// AlternateSource supplies a different eligible server for failover.
type AlternateSource interface {
	Alternate(sess *session.Session, exclude string) (catalog.Server, error)
}

// CredentialFailureFunc is told when a personal credential failed in
// production use (not merely at probe time), so it can be silently replaced.
type CredentialFailureFunc func(userID string)

// Executor performs proxied HTTP calls.
type Executor struct {
	client     *http.Client
	admitter   Admitter
	alternates AlternateSource
	recorder   activity.Recorder
	metrics    *metrics.Collector
	logger     *slog.Logger

	// onCredentialFailure is invoked when a call fails with an
	// authorization error while using the personal credential.
	onCredentialFailure CredentialFailureFunc
}

// NewExecutor creates a request executor.
func NewExecutor(cfg config.ExecutorConfig, admitter Admitter, alternates AlternateSource, recorder activity.Recorder, collector *metrics.Collector) *Executor {
	transport := &http.Transport{
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		ForceAttemptHTTP2:   true,
	}
	if recorder == nil {
		recorder = activity.NopRecorder{}
	}
	return &Executor{
		client: &http.Client{
			Transport: transport,
			Timeout:   cfg.RequestTimeout,
		},
		admitter:   admitter,
		alternates: alternates,
		recorder:   recorder,
		metrics:    collector,
		logger:     slog.Default().With("component", "executor"),
	}
}

// SetCredentialFailureHook registers the silent re-assignment trigger.
func (e *Executor) SetCredentialFailureHook(fn CredentialFailureFunc) {
	e.onCredentialFailure = fn
}

// Execute performs a proxied call for the session.
//
// Generation-class calls first acquire a slot, which may block indefinitely
// (the context is the caller's escape hatch). The target server comes from
// the session's routing state; the credential is the explicit override if
// supplied, else the personal credential. A network-level failure on the
// first attempt switches the routing state to a random alternate eligible
// server and retries exactly once; on terminal failure the original routing
// state is restored. Application-level error responses never trigger
// failover.
func (e *Executor) Execute(ctx context.Context, sess *session.Session, req Request) (*Response, error) {
	requestID := uuid.NewString()
	start := time.Now()

	rs := sess.RoutingState()
	if rs == nil {
		return nil, ErrNoServerSelected
	}

	if req.Class == ClassGeneration {
		if err := e.admitter.AcquireSlot(ctx, rs.ServerURL, req.OnStatus); err != nil {
			e.record(ctx, req, rs.ServerURL, err)
			return nil, err
		}
	}

	cred, err := e.resolveCredential(sess, req)
	if err != nil {
		e.record(ctx, req, rs.ServerURL, err)
		return nil, err
	}

	original := rs
	username := sess.User().Username

	resp, err := e.attempt(ctx, requestID, rs.ServerURL, username, cred, req)
	if err == nil {
		e.metrics.RecordRequest(string(req.Service), "success", time.Since(start))
		return resp, nil
	}

	var netErr *NetworkError
	if errors.As(err, &netErr) {
		resp, err = e.failover(ctx, sess, requestID, original, cred, req)
		if err == nil {
			e.metrics.RecordRequest(string(req.Service), "success", time.Since(start))
			return resp, nil
		}
	}

	e.maybeReportCredentialFailure(sess, cred, err)
	e.metrics.RecordRequest(string(req.Service), "error", time.Since(start))
	e.record(ctx, req, sess.RoutingState().ServerURL, err)
	return nil, err
}

// failover switches to a random alternate server and retries exactly once.
// The original routing state is restored if the retry also fails or no
// alternate exists.
func (e *Executor) failover(ctx context.Context, sess *session.Session, requestID string, original *session.RoutingState, cred credential.Credential, req Request) (*Response, error) {
	alt, altErr := e.alternates.Alternate(sess, original.ServerURL)
	if altErr != nil {
		e.logger.Warn("network failure with no alternate server",
			"request_id", requestID, "server", original.ServerURL)
		sess.RestoreRoutingState(original)
		e.metrics.RecordFailover("no_alternate")
		return nil, &NetworkError{Service: req.Service, Server: original.ServerURL,
			Cause: fmt.Errorf("no alternate server after network failure")}
	}

	e.logger.Warn("network failure, failing over",
		"request_id", requestID, "from", original.ServerURL, "to", alt.URL)
	e.recorder.Record(ctx, activity.Entry{
		Service:   string(req.Service),
		Operation: req.Operation,
		Status:    "error",
		Server:    original.ServerURL,
		Detail:    fmt.Sprintf("network error, retrying on %s", alt.URL),
	})
	if req.OnStatus != nil {
		req.OnStatus("Network error, trying a backup server...")
	}

	sess.SetRoutingState(alt.URL)

	resp, err := e.attempt(ctx, requestID, alt.URL, sess.User().Username, cred, req)
	if err != nil {
		sess.RestoreRoutingState(original)
		e.metrics.RecordFailover("failure")
		return nil, err
	}

	// The alternate worked; it stays the session's server.
	e.metrics.RecordFailover("success")
	return resp, nil
}

// attempt performs a single HTTP exchange against one server.
func (e *Executor) attempt(ctx context.Context, requestID, serverURL, username string, cred credential.Credential, req Request) (*Response, error) {
	endpoint := fmt.Sprintf("%s/api/%s%s", serverURL, req.Service, req.Path)

	payload, err := json.Marshal(req.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+cred.Token)
	httpReq.Header.Set("X-User-Username", username)
	httpReq.Header.Set("X-Request-ID", requestID)

	e.logger.Debug("proxied request",
		"request_id", requestID,
		"operation", req.Operation,
		"server", serverURL,
		"credential", "..."+cred.Suffix(),
	)

	httpResp, err := e.client.Do(httpReq)
	if err != nil {
		if isNetworkFailure(err) {
			return nil, &NetworkError{Service: req.Service, Server: serverURL, Cause: err}
		}
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, &NetworkError{Service: req.Service, Server: serverURL, Cause: err}
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return nil, &RemoteError{
			Service:    req.Service,
			StatusCode: httpResp.StatusCode,
			Message:    remoteMessage(body, httpResp.StatusCode),
		}
	}

	if !json.Valid(body) {
		return nil, &RemoteError{
			Service:    req.Service,
			StatusCode: httpResp.StatusCode,
			Message:    fmt.Sprintf("proxy returned non-JSON response (%d)", httpResp.StatusCode),
		}
	}

	return &Response{Data: body, Credential: cred}, nil
}

// resolveCredential picks the credential for a call: explicit override
// first, then the session's personal credential.
func (e *Executor) resolveCredential(sess *session.Session, req Request) (credential.Credential, error) {
	if req.Override != nil {
		c := *req.Override
		c.Scope = credential.ScopeOverride
		return c, nil
	}
	if personal := sess.Personal(); personal != nil {
		return *personal, nil
	}
	return credential.Credential{}, fmt.Errorf("%w for %s", ErrNoCredential, req.Operation)
}

// maybeReportCredentialFailure triggers silent credential re-assignment when
// the personal credential was rejected by the proxy.
func (e *Executor) maybeReportCredentialFailure(sess *session.Session, cred credential.Credential, err error) {
	if e.onCredentialFailure == nil || cred.Scope != credential.ScopePersonal {
		return
	}
	var remote *RemoteError
	if errors.As(err, &remote) && (remote.StatusCode == http.StatusUnauthorized || remote.StatusCode == http.StatusForbidden) {
		e.logger.Warn("personal credential rejected, reporting for re-assignment",
			"user_id", sess.User().ID, "credential", "..."+cred.Suffix())
		e.onCredentialFailure(sess.User().ID)
	}
}

// record writes a terminal failure to the activity trail.
func (e *Executor) record(ctx context.Context, req Request, serverURL string, err error) {
	e.recorder.Record(ctx, activity.Entry{
		Service:   string(req.Service),
		Operation: req.Operation,
		Status:    "error",
		Server:    serverURL,
		Detail:    err.Error(),
	})
}

// remoteMessage extracts the server-provided error message from a JSON error
// body, falling back to a generic message with the status code.
func remoteMessage(body []byte, status int) string {
	var parsed struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil {
		if parsed.Error.Message != "" {
			return parsed.Error.Message
		}
		if parsed.Message != "" {
			return parsed.Message
		}
	}
	return fmt.Sprintf("API call failed (%d)", status)
}
