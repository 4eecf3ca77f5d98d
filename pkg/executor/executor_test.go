package executor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"monoklix/relay/pkg/activity"
	"monoklix/relay/pkg/admission"
	"monoklix/relay/pkg/catalog"
	"monoklix/relay/pkg/config"
	"monoklix/relay/pkg/credential"
	"monoklix/relay/pkg/identity"
	"monoklix/relay/pkg/session"
)

func testExecConfig() config.ExecutorConfig {
	return config.ExecutorConfig{
		RequestTimeout:      5 * time.Second,
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 2,
	}
}

// grantAll admits every call without touching a backend.
type grantAll struct{}

func (grantAll) AcquireSlot(ctx context.Context, server string, onStatus admission.StatusFunc) error {
	return nil
}

// denyAdmission fails every admission attempt.
type denyAdmission struct{ err error }

func (d denyAdmission) AcquireSlot(ctx context.Context, server string, onStatus admission.StatusFunc) error {
	return d.err
}

// fixedAlternate always proposes the same failover target.
type fixedAlternate struct {
	server catalog.Server
	err    error
}

func (f fixedAlternate) Alternate(sess *session.Session, exclude string) (catalog.Server, error) {
	if f.err != nil {
		return catalog.Server{}, f.err
	}
	return f.server, nil
}

func testSession(t *testing.T, serverURL string) *session.Session {
	t.Helper()
	user := identity.User{ID: "u1", Username: "tester", Role: identity.RoleStandard, Status: identity.StatusSubscription}
	sess := session.NewManager(nil).Open(user)
	if serverURL != "" {
		sess.SetRoutingState(serverURL)
	}
	sess.SetPersonal(credential.Credential{Token: "personal-token-123456", CreatedAt: time.Now()})
	return sess
}

func TestExecute_Success(t *testing.T) {
	var gotAuth, gotUsername, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotUsername = r.Header.Get("X-User-Username")
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"imagePanels": []any{}})
	}))
	defer srv.Close()

	e := NewExecutor(testExecConfig(), grantAll{}, fixedAlternate{}, activity.NopRecorder{}, nil)
	sess := testSession(t, srv.URL)

	resp, err := e.Execute(context.Background(), sess, Request{
		Path:      "/generate",
		Service:   ServiceImage,
		Operation: "IMAGEN GENERATE",
		Class:     ClassGeneration,
		Body:      map[string]any{"prompt": "a lighthouse"},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if gotPath != "/api/imagen/generate" {
		t.Errorf("unexpected path %q", gotPath)
	}
	if gotAuth != "Bearer personal-token-123456" {
		t.Errorf("unexpected auth header %q", gotAuth)
	}
	if gotUsername != "tester" {
		t.Errorf("unexpected username header %q", gotUsername)
	}
	if resp.Credential.Token != "personal-token-123456" {
		t.Errorf("response must carry the credential used, got %q", resp.Credential.Token)
	}
	if len(resp.Data) == 0 {
		t.Error("expected response data")
	}
}

func TestExecute_NoServerSelected(t *testing.T) {
	e := NewExecutor(testExecConfig(), grantAll{}, fixedAlternate{}, activity.NopRecorder{}, nil)
	sess := testSession(t, "")

	_, err := e.Execute(context.Background(), sess, Request{Path: "/generate", Service: ServiceImage})
	if !errors.Is(err, ErrNoServerSelected) {
		t.Fatalf("expected ErrNoServerSelected, got %v", err)
	}
}

func TestExecute_NoCredential(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request should reach the server without a credential")
	}))
	defer srv.Close()

	e := NewExecutor(testExecConfig(), grantAll{}, fixedAlternate{}, activity.NopRecorder{}, nil)
	user := identity.User{ID: "u1", Username: "tester"}
	sess := session.NewManager(nil).Open(user)
	sess.SetRoutingState(srv.URL)

	_, err := e.Execute(context.Background(), sess, Request{Path: "/generate", Service: ServiceImage, Operation: "IMAGEN GENERATE"})
	if !errors.Is(err, ErrNoCredential) {
		t.Fatalf("expected ErrNoCredential, got %v", err)
	}
}

func TestExecute_OverrideBeatsPersonal(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	e := NewExecutor(testExecConfig(), grantAll{}, fixedAlternate{}, activity.NopRecorder{}, nil)
	sess := testSession(t, srv.URL)

	override := credential.Credential{Token: "override-token-654321"}
	resp, err := e.Execute(context.Background(), sess, Request{
		Path: "/generate", Service: ServiceImage, Override: &override,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if gotAuth != "Bearer override-token-654321" {
		t.Errorf("override credential not used: %q", gotAuth)
	}
	if resp.Credential.Scope != credential.ScopeOverride {
		t.Errorf("expected override scope, got %q", resp.Credential.Scope)
	}
}

func TestExecute_FailoverOnNetworkError(t *testing.T) {
	backup := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer backup.Close()

	// A closed listener guarantees connection refused.
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	deadURL := dead.URL
	dead.Close()

	e := NewExecutor(testExecConfig(), grantAll{}, fixedAlternate{server: catalog.Server{URL: backup.URL}}, activity.NopRecorder{}, nil)
	sess := testSession(t, deadURL)

	resp, err := e.Execute(context.Background(), sess, Request{
		Path: "/generate", Service: ServiceVideo, Operation: "VEO GENERATE",
	})
	if err != nil {
		t.Fatalf("expected failover to succeed: %v", err)
	}
	if resp == nil || len(resp.Data) == 0 {
		t.Fatal("expected response data from backup server")
	}

	// The backup that worked stays selected.
	if rs := sess.RoutingState(); rs == nil || rs.ServerURL != backup.URL {
		t.Errorf("expected routing state pointing at backup, got %+v", rs)
	}
}

func TestExecute_FailoverFailureRestoresRouting(t *testing.T) {
	deadPrimary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	primaryURL := deadPrimary.URL
	deadPrimary.Close()

	deadBackup := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	backupURL := deadBackup.URL
	deadBackup.Close()

	e := NewExecutor(testExecConfig(), grantAll{}, fixedAlternate{server: catalog.Server{URL: backupURL}}, activity.NopRecorder{}, nil)
	sess := testSession(t, primaryURL)

	_, err := e.Execute(context.Background(), sess, Request{
		Path: "/generate", Service: ServiceImage, Operation: "IMAGEN GENERATE",
	})
	if !errors.Is(err, ErrNetworkFailure) {
		t.Fatalf("expected ErrNetworkFailure, got %v", err)
	}

	// Terminal failure restores the original selection.
	if rs := sess.RoutingState(); rs == nil || rs.ServerURL != primaryURL {
		t.Errorf("expected routing state restored to primary, got %+v", rs)
	}
}

func TestExecute_NoAlternateRestoresRouting(t *testing.T) {
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	deadURL := dead.URL
	dead.Close()

	e := NewExecutor(testExecConfig(), grantAll{}, fixedAlternate{err: errors.New("no alternate")}, activity.NopRecorder{}, nil)
	sess := testSession(t, deadURL)

	_, err := e.Execute(context.Background(), sess, Request{Path: "/generate", Service: ServiceImage})
	if !errors.Is(err, ErrNetworkFailure) {
		t.Fatalf("expected ErrNetworkFailure, got %v", err)
	}
	if rs := sess.RoutingState(); rs == nil || rs.ServerURL != deadURL {
		t.Errorf("expected routing state restored, got %+v", rs)
	}
}

func TestExecute_ApplicationErrorNoFailover(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"message": "Prompt was rejected by the safety filter."},
		})
	}))
	defer srv.Close()

	backup := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("application errors must never fail over")
	}))
	defer backup.Close()

	e := NewExecutor(testExecConfig(), grantAll{}, fixedAlternate{server: catalog.Server{URL: backup.URL}}, activity.NopRecorder{}, nil)
	sess := testSession(t, srv.URL)

	_, err := e.Execute(context.Background(), sess, Request{Path: "/generate", Service: ServiceImage})
	if !errors.Is(err, ErrRemoteCallFailed) {
		t.Fatalf("expected ErrRemoteCallFailed, got %v", err)
	}

	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("expected *RemoteError, got %T", err)
	}
	if remote.Message != "Prompt was rejected by the safety filter." {
		t.Errorf("server message not passed through: %q", remote.Message)
	}
	if remote.StatusCode != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", remote.StatusCode)
	}
	if hits != 1 {
		t.Errorf("expected exactly 1 attempt, got %d", hits)
	}
	// Routing unchanged.
	if rs := sess.RoutingState(); rs == nil || rs.ServerURL != srv.URL {
		t.Errorf("routing state must be unchanged, got %+v", rs)
	}
}

func TestExecute_TopLevelMessageFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]any{"message": "Rate limit exceeded."})
	}))
	defer srv.Close()

	e := NewExecutor(testExecConfig(), grantAll{}, fixedAlternate{}, activity.NopRecorder{}, nil)
	sess := testSession(t, srv.URL)

	_, err := e.Execute(context.Background(), sess, Request{Path: "/generate", Service: ServiceVideo})
	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("expected *RemoteError, got %v", err)
	}
	if remote.Message != "Rate limit exceeded." {
		t.Errorf("top-level message not extracted: %q", remote.Message)
	}
}

func TestExecute_GenericMessageForOpaqueBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream exploded"))
	}))
	defer srv.Close()

	e := NewExecutor(testExecConfig(), grantAll{}, fixedAlternate{}, activity.NopRecorder{}, nil)
	sess := testSession(t, srv.URL)

	_, err := e.Execute(context.Background(), sess, Request{Path: "/generate", Service: ServiceImage})
	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("expected *RemoteError, got %v", err)
	}
	if remote.Message != "API call failed (502)" {
		t.Errorf("expected generic message with status, got %q", remote.Message)
	}
}

func TestExecute_AdmissionFailureAbortsCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request should be sent when admission fails")
	}))
	defer srv.Close()

	admissionErr := &admission.SlotAcquisitionError{Server: srv.URL, Cause: errors.New("backend down")}
	e := NewExecutor(testExecConfig(), denyAdmission{err: admissionErr}, fixedAlternate{}, activity.NopRecorder{}, nil)
	sess := testSession(t, srv.URL)

	_, err := e.Execute(context.Background(), sess, Request{
		Path: "/generate", Service: ServiceImage, Class: ClassGeneration,
	})
	if !errors.Is(err, admission.ErrSlotAcquisition) {
		t.Fatalf("expected slot acquisition error, got %v", err)
	}
}

func TestExecute_LightweightSkipsAdmission(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	// Admission would fail; lightweight calls must never consult it.
	e := NewExecutor(testExecConfig(), denyAdmission{err: errors.New("must not be called")}, fixedAlternate{}, activity.NopRecorder{}, nil)
	sess := testSession(t, srv.URL)

	if _, err := e.Execute(context.Background(), sess, Request{
		Path: "/generate", Service: ServiceImage, Class: ClassLightweight,
	}); err != nil {
		t.Fatalf("lightweight call must skip admission: %v", err)
	}
}

func TestExecute_CredentialFailureHook(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]any{"message": "Invalid token."})
	}))
	defer srv.Close()

	e := NewExecutor(testExecConfig(), grantAll{}, fixedAlternate{}, activity.NopRecorder{}, nil)

	var reported string
	e.SetCredentialFailureHook(func(userID string) { reported = userID })

	sess := testSession(t, srv.URL)
	_, err := e.Execute(context.Background(), sess, Request{Path: "/generate", Service: ServiceImage})
	if err == nil {
		t.Fatal("expected error")
	}
	if reported != "u1" {
		t.Errorf("expected credential failure reported for u1, got %q", reported)
	}
}
