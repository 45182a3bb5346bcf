package server

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"

	"gatekeep/internal/audit"
	"gatekeep/internal/config"
	"gatekeep/internal/constants"
	"gatekeep/internal/logger"
)

const adminPassword = "correct-horse-battery"

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := &config.Config{WorkingDirectory: t.TempDir()}
	cfg.ApplyDefaults()

	app, err := NewApp(cfg, logger.New("ERROR"))
	if err != nil {
		t.Fatalf("failed to create app: %v", err)
	}
	t.Cleanup(app.Close)

	return NewServer(app, ":0")
}

func doJSON(t *testing.T, srv *Server, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode request body: %v", err)
		}
		rd = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, rd)
	req.RemoteAddr = "127.0.0.1:50000"
	if token != "" {
		req.Header.Set(constants.HeaderAuthorization, constants.AuthBearerPrefix+token)
	}
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("failed to decode response %q: %v", rec.Body.String(), err)
	}
}

func loginAs(t *testing.T, srv *Server, principal, credential string) string {
	t.Helper()
	rec := doJSON(t, srv, http.MethodPost, "/api/v1/login", "",
		map[string]string{"principal_id": principal, "credential": credential})
	if rec.Code != http.StatusOK {
		t.Fatalf("login failed with status %d: %s", rec.Code, rec.Body.String())
	}
	var resp loginResponse
	decodeBody(t, rec, &resp)
	return resp.SessionToken
}

// bootstrapAdmin registers the first principal and logs it in.
func bootstrapAdmin(t *testing.T, srv *Server) string {
	t.Helper()
	rec := doJSON(t, srv, http.MethodPost, "/api/v1/principals", "",
		map[string]string{"principal_id": "root", "credential": adminPassword})
	if rec.Code != http.StatusCreated {
		t.Fatalf("bootstrap failed with status %d: %s", rec.Code, rec.Body.String())
	}
	return loginAs(t, srv, "root", adminPassword)
}

// elevate enrolls the session's principal for TOTP and completes the step-up,
// returning the same token now at the sensitive tier.
func elevate(t *testing.T, srv *Server, token string) {
	t.Helper()
	rec := doJSON(t, srv, http.MethodPost, "/api/v1/stepup/enroll", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("enroll failed with status %d: %s", rec.Code, rec.Body.String())
	}
	var enrolled struct {
		TOTPSecret string `json:"totp_secret"`
	}
	decodeBody(t, rec, &enrolled)

	code, err := totp.GenerateCode(enrolled.TOTPSecret, time.Now())
	if err != nil {
		t.Fatalf("failed to generate code: %v", err)
	}
	rec = doJSON(t, srv, http.MethodPost, "/api/v1/stepup", token, map[string]string{"code": code})
	if rec.Code != http.StatusOK {
		t.Fatalf("step-up failed with status %d: %s", rec.Code, rec.Body.String())
	}
}

func TestBootstrapFirstPrincipal(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/principals", "",
		map[string]string{"principal_id": "root", "credential": adminPassword})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		PrincipalID string `json:"principal_id"`
		Bootstrap   bool   `json:"bootstrap"`
	}
	decodeBody(t, rec, &resp)
	if resp.PrincipalID != "root" || !resp.Bootstrap {
		t.Errorf("unexpected bootstrap response: %+v", resp)
	}

	// Once a principal exists, unauthenticated registration is denied.
	rec = doJSON(t, srv, http.MethodPost, "/api/v1/principals", "",
		map[string]string{"principal_id": "intruder", "credential": adminPassword})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for second unauthenticated create, got %d", rec.Code)
	}
	var apiErr APIError
	decodeBody(t, rec, &apiErr)
	if apiErr.Code != constants.ErrCodeAccessDenied {
		t.Errorf("expected %s, got %s", constants.ErrCodeAccessDenied, apiErr.Code)
	}
}

func TestLoginAndEvaluateAllow(t *testing.T) {
	srv := newTestServer(t)
	token := bootstrapAdmin(t, srv)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/evaluate", "", map[string]string{
		"principal_id":  "root",
		"session_token": token,
		"action":        "view",
		"resource_id":   adminResource,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp evaluateResponse
	decodeBody(t, rec, &resp)
	if resp.Decision != constants.DecisionAllow {
		t.Errorf("expected allow, got %s", resp.Decision)
	}
	if resp.AuditSeq == 0 {
		t.Error("expected a committed audit sequence number")
	}
}

func TestEvaluateUsesBearerTokenFallback(t *testing.T) {
	srv := newTestServer(t)
	token := bootstrapAdmin(t, srv)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/evaluate", token, map[string]string{
		"action":      "view",
		"resource_id": adminResource,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp evaluateResponse
	decodeBody(t, rec, &resp)
	if resp.Decision != constants.DecisionAllow {
		t.Errorf("expected allow via bearer token, got %s", resp.Decision)
	}
}

func TestEvaluateWithoutSessionDenies(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/evaluate", "", map[string]string{
		"principal_id": "alice",
		"action":       "read",
		"resource_id":  "doc-1",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 decision envelope, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp evaluateResponse
	decodeBody(t, rec, &resp)
	if resp.Decision != constants.DecisionDeny {
		t.Errorf("expected deny without session, got %s", resp.Decision)
	}
}

func TestEvaluateRequiresActionAndResource(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/evaluate", "",
		map[string]string{"action": "read"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	var apiErr APIError
	decodeBody(t, rec, &apiErr)
	if apiErr.Code != constants.ErrCodeMissingParam {
		t.Errorf("expected %s, got %s", constants.ErrCodeMissingParam, apiErr.Code)
	}
}

// Every deny-class failure must produce the identical response body: a caller
// probing the API cannot tell a bad password from a lockout.
func TestDenialResponsesAreUniform(t *testing.T) {
	srv := newTestServer(t)
	bootstrapAdmin(t, srv)

	badCreds := doJSON(t, srv, http.MethodPost, "/api/v1/login", "",
		map[string]string{"principal_id": "root", "credential": "wrong-password!"})
	if badCreds.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for bad credentials, got %d", badCreds.Code)
	}

	// Drive root over the lockout threshold, then present the correct
	// credential.
	for i := 0; i < constants.LockoutThreshold; i++ {
		doJSON(t, srv, http.MethodPost, "/api/v1/login", "",
			map[string]string{"principal_id": "root", "credential": "wrong-password!"})
	}
	locked := doJSON(t, srv, http.MethodPost, "/api/v1/login", "",
		map[string]string{"principal_id": "root", "credential": adminPassword})
	if locked.Code != http.StatusForbidden {
		t.Fatalf("expected 403 while locked, got %d", locked.Code)
	}

	if badCreds.Body.String() != locked.Body.String() {
		t.Errorf("denial bodies differ:\n  bad creds: %s\n  locked:    %s",
			badCreds.Body.String(), locked.Body.String())
	}
	var apiErr APIError
	decodeBody(t, locked, &apiErr)
	if apiErr.Code != constants.ErrCodeAccessDenied || apiErr.Message != "access denied" {
		t.Errorf("unexpected denial body: %+v", apiErr)
	}
}

func TestManagementWriteRequiresStepUp(t *testing.T) {
	srv := newTestServer(t)
	token := bootstrapAdmin(t, srv)

	// A normal-tier session gets the one distinguishable denial: the
	// challenge it must complete.
	rec := doJSON(t, srv, http.MethodPost, "/api/v1/grants", token, map[string]interface{}{
		"principal_id": "alice",
		"resource_id":  "doc-1",
		"rights":       []string{constants.RightDelegateRead},
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", rec.Code, rec.Body.String())
	}
	var apiErr APIError
	decodeBody(t, rec, &apiErr)
	if apiErr.Code != constants.ErrCodeChallengeRequired {
		t.Errorf("expected %s, got %s", constants.ErrCodeChallengeRequired, apiErr.Code)
	}
}

func TestStepUpWithoutEnrollment(t *testing.T) {
	srv := newTestServer(t)
	token := bootstrapAdmin(t, srv)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/stepup", token,
		map[string]string{"code": "000000"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
	var apiErr APIError
	decodeBody(t, rec, &apiErr)
	if apiErr.Code != constants.ErrCodeStepUpNotEnrolled {
		t.Errorf("expected %s, got %s", constants.ErrCodeStepUpNotEnrolled, apiErr.Code)
	}
}

func TestGrantLifecycle(t *testing.T) {
	srv := newTestServer(t)
	token := bootstrapAdmin(t, srv)
	elevate(t, srv, token)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/grants", token, map[string]interface{}{
		"principal_id": "alice",
		"resource_id":  "doc-1",
		"rights":       []string{constants.RightDelegateRead},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create grant failed with status %d: %s", rec.Code, rec.Body.String())
	}
	var grant struct {
		GrantID   string `json:"grant_id"`
		CreatedBy string `json:"created_by"`
	}
	decodeBody(t, rec, &grant)
	if grant.GrantID == "" || grant.CreatedBy != "root" {
		t.Fatalf("unexpected grant response: %+v", grant)
	}

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/principals/alice/grants", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list grants failed with status %d: %s", rec.Code, rec.Body.String())
	}
	var listed struct {
		Grants []struct {
			GrantID  string `json:"grant_id"`
			IsActive bool   `json:"is_active"`
		} `json:"grants"`
	}
	decodeBody(t, rec, &listed)
	if len(listed.Grants) != 1 || listed.Grants[0].GrantID != grant.GrantID || !listed.Grants[0].IsActive {
		t.Fatalf("unexpected grant list: %+v", listed.Grants)
	}

	rec = doJSON(t, srv, http.MethodDelete, "/api/v1/grants/"+grant.GrantID, token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("revoke failed with status %d: %s", rec.Code, rec.Body.String())
	}

	// Revoked grants stay listed but inactive.
	rec = doJSON(t, srv, http.MethodGet, "/api/v1/principals/alice/grants", token, nil)
	decodeBody(t, rec, &listed)
	if len(listed.Grants) != 1 || listed.Grants[0].IsActive {
		t.Errorf("expected one inactive grant after revoke, got %+v", listed.Grants)
	}
}

func TestRevokeUnknownGrantNotFound(t *testing.T) {
	srv := newTestServer(t)
	token := bootstrapAdmin(t, srv)
	elevate(t, srv, token)

	rec := doJSON(t, srv, http.MethodDelete, "/api/v1/grants/no-such-grant", token, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestAuditQueryAndVerify(t *testing.T) {
	srv := newTestServer(t)
	token := bootstrapAdmin(t, srv)

	rec := doJSON(t, srv, http.MethodGet, "/api/v1/audit", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("audit query failed with status %d: %s", rec.Code, rec.Body.String())
	}
	var queried struct {
		Entries []audit.Entry `json:"entries"`
		LastSeq uint64        `json:"last_seq"`
	}
	decodeBody(t, rec, &queried)
	if len(queried.Entries) == 0 || queried.LastSeq == 0 {
		t.Fatalf("expected committed entries from bootstrap and login, got %+v", queried)
	}

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/audit?limit=99999", token, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for out-of-range limit, got %d", rec.Code)
	}

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/audit/verify", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("verify failed with status %d: %s", rec.Code, rec.Body.String())
	}
	var verified verifyResponse
	decodeBody(t, rec, &verified)
	if !verified.Valid || verified.Verified != verified.LastSeq {
		t.Errorf("expected intact chain over all entries, got %+v", verified)
	}

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/audit/verify?from=5&to=2", token, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for inverted range, got %d", rec.Code)
	}
}

func TestAuditRequiresAuthorizedCaller(t *testing.T) {
	srv := newTestServer(t)
	token := bootstrapAdmin(t, srv)
	elevate(t, srv, token)

	// A principal without grants on the management resource is denied
	// generically.
	rec := doJSON(t, srv, http.MethodPost, "/api/v1/principals", token,
		map[string]string{"principal_id": "bob", "credential": adminPassword})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create principal failed with status %d: %s", rec.Code, rec.Body.String())
	}
	bobToken := loginAs(t, srv, "bob", adminPassword)

	for _, tt := range []struct {
		name  string
		token string
	}{
		{"no token", ""},
		{"unprivileged principal", bobToken},
	} {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, srv, http.MethodGet, "/api/v1/audit", tt.token, nil)
			if rec.Code != http.StatusForbidden {
				t.Fatalf("expected 403, got %d", rec.Code)
			}
			var apiErr APIError
			decodeBody(t, rec, &apiErr)
			if apiErr.Code != constants.ErrCodeAccessDenied {
				t.Errorf("expected %s, got %s", constants.ErrCodeAccessDenied, apiErr.Code)
			}
		})
	}
}

func TestWhoamiAndLogout(t *testing.T) {
	srv := newTestServer(t)
	token := bootstrapAdmin(t, srv)

	rec := doJSON(t, srv, http.MethodGet, "/api/v1/whoami", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("whoami failed with status %d: %s", rec.Code, rec.Body.String())
	}
	var who map[string]string
	decodeBody(t, rec, &who)
	if who["principal_id"] != "root" || who["tier"] != constants.TierNormal {
		t.Errorf("unexpected whoami response: %v", who)
	}

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/logout", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("logout failed with status %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/whoami", token, nil)
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403 after logout, got %d", rec.Code)
	}
}

func TestWeakPasswordRejected(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/principals", "",
		map[string]string{"principal_id": "root", "credential": "short"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
	var apiErr APIError
	decodeBody(t, rec, &apiErr)
	if apiErr.Code != constants.ErrCodePasswordTooWeak {
		t.Errorf("expected %s, got %s", constants.ErrCodePasswordTooWeak, apiErr.Code)
	}
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var health map[string]interface{}
	decodeBody(t, rec, &health)
	if health["status"] != "ok" {
		t.Errorf("unexpected health response: %v", health)
	}
}

func TestAuditStreamDeliversEntries(t *testing.T) {
	srv := newTestServer(t)
	token := bootstrapAdmin(t, srv)

	ts := httptest.NewServer(srv.httpServer.Handler)
	defer ts.Close()

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/api/v1/audit/stream", nil)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	req.Header.Set(constants.HeaderAuthorization, constants.AuthBearerPrefix+token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stream request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected text/event-stream, got %q", ct)
	}

	// The handler subscribes after flushing its headers, so keep appending
	// until an event comes through.
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case <-done:
				return
			case <-time.After(10 * time.Millisecond):
				srv.app.AuditLog.Append(audit.Record{
					PrincipalID: "alice",
					Action:      "read",
					ResourceID:  "stream-doc",
					Result:      constants.DecisionAllow,
					Reason:      constants.ReasonAuthorized,
				})
			}
		}
	}()

	timeout := time.AfterFunc(5*time.Second, func() { resp.Body.Close() })
	defer timeout.Stop()

	var sawEvent, sawEntry bool
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "event: audit" {
			sawEvent = true
		}
		if strings.HasPrefix(line, "data: ") && strings.Contains(line, `"stream-doc"`) {
			sawEntry = true
			break
		}
	}
	if !sawEvent || !sawEntry {
		t.Fatalf("stream never delivered the appended entry (event=%v entry=%v)", sawEvent, sawEntry)
	}
}
