package server

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"gatekeep/internal/audit"
	"gatekeep/internal/constants"
	"gatekeep/internal/credstore"
	"gatekeep/internal/policy"
	"gatekeep/internal/session"
)

// clientIP extracts the remote host for audit entries.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// bearerToken extracts the session token from the Authorization header.
func bearerToken(r *http.Request) string {
	h := r.Header.Get(constants.HeaderAuthorization)
	if strings.HasPrefix(h, constants.AuthBearerPrefix) {
		return strings.TrimPrefix(h, constants.AuthBearerPrefix)
	}
	return ""
}

// =============================================================================
// Evaluation
// =============================================================================

type evaluateRequest struct {
	PrincipalID  string `json:"principal_id"`
	SessionToken string `json:"session_token,omitempty"`
	Action       string `json:"action"`
	ResourceID   string `json:"resource_id"`
}

type evaluateResponse struct {
	Decision string `json:"decision"`
	AuditSeq uint64 `json:"audit_seq"`
}

// handleEvaluate is the inbound call contract: one policy decision per call.
// The response carries the decision and the audit sequence number only —
// denial reasons stay in the audit log.
func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req evaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body", constants.ErrCodeInvalidRequest)
		return
	}
	if req.Action == "" || req.ResourceID == "" {
		WriteError(w, http.StatusBadRequest, "action and resource_id are required", constants.ErrCodeMissingParam)
		return
	}

	token := req.SessionToken
	if token == "" {
		token = bearerToken(r)
	}

	result, err := s.app.Engine.Evaluate(r.Context(), policy.Request{
		PrincipalID:  req.PrincipalID,
		SessionToken: token,
		Action:       req.Action,
		ResourceID:   req.ResourceID,
		IPAddress:    clientIP(r),
	})
	if err != nil {
		// Denials still return the decision envelope; only the engine's
		// internal failures surface as errors.
		if _, isPolErr := policy.IsPolicyError(err); !isPolErr {
			WriteError(w, http.StatusInternalServerError, "internal server error", constants.ErrCodeInternalError)
			return
		}
	}

	WriteJSON(w, http.StatusOK, evaluateResponse{Decision: result.Decision, AuditSeq: result.AuditSeq})
}

// =============================================================================
// Authentication
// =============================================================================

type loginRequest struct {
	PrincipalID string `json:"principal_id"`
	Credential  string `json:"credential"`
	PriorToken  string `json:"prior_token,omitempty"`
}

type loginResponse struct {
	SessionToken string `json:"session_token"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body", constants.ErrCodeInvalidRequest)
		return
	}
	if req.PrincipalID == "" || req.Credential == "" {
		WriteError(w, http.StatusBadRequest, "principal_id and credential are required", constants.ErrCodeMissingParam)
		return
	}

	token, err := s.app.Engine.Login(r.Context(), req.PrincipalID, req.Credential, req.PriorToken, clientIP(r))
	if err != nil {
		s.handlePolicyError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, loginResponse{SessionToken: token})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		WriteError(w, http.StatusBadRequest, "missing bearer token", constants.ErrCodeMissingParam)
		return
	}

	if err := s.app.Engine.Logout(token); err != nil {
		WriteError(w, http.StatusInternalServerError, "internal server error", constants.ErrCodeInternalError)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type stepUpRequest struct {
	Code string `json:"code"`
}

func (s *Server) handleStepUp(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		writeDenied(w)
		return
	}

	var req stepUpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Code == "" {
		WriteError(w, http.StatusBadRequest, "code is required", constants.ErrCodeMissingParam)
		return
	}

	if err := s.app.Engine.StepUp(r.Context(), token, req.Code, clientIP(r)); err != nil {
		s.handlePolicyError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]string{"tier": constants.TierSensitive})
}

// =============================================================================
// Management (principals, grants)
// =============================================================================

// adminResource is the resource guarding the management surface. Management
// calls run through the same Evaluate path as everything else, so each one
// lands in the audit log.
const adminResource = "system"

// requireAdmin authorizes a management request. Returns the acting
// principal, or empty string after writing the denial.
func (s *Server) requireAdmin(w http.ResponseWriter, r *http.Request, action string) string {
	token := bearerToken(r)
	if token == "" {
		writeDenied(w)
		return ""
	}

	sess, err := s.app.Sessions.Check(token)
	if err != nil {
		writeDenied(w)
		return ""
	}

	result, err := s.app.Engine.Evaluate(r.Context(), policy.Request{
		PrincipalID:  sess.PrincipalID,
		SessionToken: token,
		Action:       action,
		ResourceID:   adminResource,
		IPAddress:    clientIP(r),
	})
	if err != nil && result == nil {
		WriteError(w, http.StatusInternalServerError, "internal server error", constants.ErrCodeInternalError)
		return ""
	}
	if result.Decision != constants.DecisionAllow {
		if result.Decision == constants.DecisionChallenge {
			WriteError(w, http.StatusForbidden, "step-up challenge required", constants.ErrCodeChallengeRequired)
		} else {
			writeDenied(w)
		}
		return ""
	}

	return sess.PrincipalID
}

type createPrincipalRequest struct {
	PrincipalID string `json:"principal_id"`
	Credential  string `json:"credential"`
}

// handleCreatePrincipal registers a principal with the bundled credential
// store. The very first principal bootstraps unauthenticated and receives an
// owner grant on the management resource.
func (s *Server) handleCreatePrincipal(w http.ResponseWriter, r *http.Request) {
	var req createPrincipalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body", constants.ErrCodeInvalidRequest)
		return
	}
	if req.PrincipalID == "" || req.Credential == "" {
		WriteError(w, http.StatusBadRequest, "principal_id and credential are required", constants.ErrCodeMissingParam)
		return
	}

	count, err := s.app.Creds.CountPrincipals()
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "internal server error", constants.ErrCodeInternalError)
		return
	}

	bootstrap := count == 0
	actor := constants.AnonymousPrincipal
	if !bootstrap {
		actor = s.requireAdmin(w, r, "manage")
		if actor == "" {
			return
		}
	}

	if err := s.app.Creds.CreatePrincipal(req.PrincipalID, req.Credential); err != nil {
		switch err {
		case credstore.ErrExists:
			WriteError(w, http.StatusConflict, "principal already exists", constants.ErrCodePrincipalExists)
		case credstore.ErrWeakPassword:
			WriteError(w, http.StatusBadRequest, "password does not meet requirements", constants.ErrCodePasswordTooWeak)
		default:
			WriteError(w, http.StatusInternalServerError, "internal server error", constants.ErrCodeInternalError)
		}
		return
	}

	if bootstrap {
		if _, err := s.app.Grants.Create(req.PrincipalID, adminResource,
			[]string{constants.RightOwner}, nil, constants.AnonymousPrincipal); err != nil {
			WriteError(w, http.StatusInternalServerError, "internal server error", constants.ErrCodeInternalError)
			return
		}
		s.app.Logger.Info("Bootstrap principal=%s created with owner grant on %s", req.PrincipalID, adminResource)
	}

	WriteJSON(w, http.StatusCreated, map[string]interface{}{
		"principal_id": req.PrincipalID,
		"bootstrap":    bootstrap,
	})
}

// handleEnrollStepUp enrolls the calling session's principal for TOTP
// step-up. Self-service: any valid session may enroll its own principal.
func (s *Server) handleEnrollStepUp(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		writeDenied(w)
		return
	}

	sess, err := s.app.Sessions.Validate(token)
	if err != nil {
		writeDenied(w)
		return
	}

	secret, err := s.app.Creds.EnrollTOTP(sess.PrincipalID)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "internal server error", constants.ErrCodeInternalError)
		return
	}

	// The secret is shown exactly once and never stored in readable form
	// anywhere else.
	WriteJSON(w, http.StatusOK, map[string]string{"totp_secret": secret})
}

type createGrantRequest struct {
	PrincipalID string   `json:"principal_id"`
	ResourceID  string   `json:"resource_id"`
	Rights      []string `json:"rights"`
	ExpiresAt   *int64   `json:"expires_at,omitempty"`
}

func (s *Server) handleCreateGrant(w http.ResponseWriter, r *http.Request) {
	actor := s.requireAdmin(w, r, "manage")
	if actor == "" {
		return
	}

	var req createGrantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body", constants.ErrCodeInvalidRequest)
		return
	}
	if req.PrincipalID == "" || req.ResourceID == "" || len(req.Rights) == 0 {
		WriteError(w, http.StatusBadRequest, "principal_id, resource_id and rights are required", constants.ErrCodeMissingParam)
		return
	}

	grant, err := s.app.Grants.Create(req.PrincipalID, req.ResourceID, req.Rights, req.ExpiresAt, actor)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid grant", constants.ErrCodeInvalidRight)
		return
	}

	s.auditGrantChange(actor, constants.AuditActionGrantCreated, grant.GrantID, grant.ResourceID, grant.Rights, clientIP(r))

	WriteJSON(w, http.StatusCreated, grant)
}

func (s *Server) handleRevokeGrant(w http.ResponseWriter, r *http.Request) {
	actor := s.requireAdmin(w, r, "manage")
	if actor == "" {
		return
	}

	grant, err := s.app.Grants.Revoke(mux.Vars(r)["id"], actor)
	if err != nil {
		WriteError(w, http.StatusNotFound, "grant not found", constants.ErrCodeGrantNotFound)
		return
	}

	s.auditGrantChange(actor, constants.AuditActionGrantRevoked, grant.GrantID, grant.ResourceID, nil, clientIP(r))

	WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleListGrants(w http.ResponseWriter, r *http.Request) {
	actor := s.requireAdmin(w, r, "view")
	if actor == "" {
		return
	}

	grants, err := s.app.Grants.ListForPrincipal(mux.Vars(r)["id"])
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "internal server error", constants.ErrCodeInternalError)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{"grants": grants})
}

func (s *Server) auditGrantChange(actor, action, grantID, resourceID string, rights []string, ip string) {
	if _, err := s.app.AuditLog.Append(audit.Record{
		PrincipalID: actor,
		Action:      action,
		ResourceID:  resourceID,
		Result:      constants.DecisionAllow,
		Reason:      constants.ReasonAuthorized,
		IPAddress:   ip,
		Details:     &audit.GrantDetails{GrantID: grantID, ResourceID: resourceID, Rights: rights},
	}); err != nil {
		s.app.Logger.Error("Failed to audit grant change: %v", err)
	}
}

// =============================================================================
// Service info
// =============================================================================

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.app.DB.Ping(); err != nil {
		WriteError(w, http.StatusServiceUnavailable, "database unavailable", constants.ErrCodeInternalError)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "ok",
		"uptime_sec": int64(time.Since(s.app.StartedAt).Seconds()),
	})
}

// sessionFromRequest resolves the calling session for informational
// endpoints. Unlike Check, this slides activity forward.
func (s *Server) sessionFromRequest(w http.ResponseWriter, r *http.Request) *session.Session {
	token := bearerToken(r)
	if token == "" {
		writeDenied(w)
		return nil
	}
	sess, err := s.app.Sessions.Validate(token)
	if err != nil {
		writeDenied(w)
		return nil
	}
	return sess
}

// handleWhoami returns the calling session's principal and tier.
func (s *Server) handleWhoami(w http.ResponseWriter, r *http.Request) {
	sess := s.sessionFromRequest(w, r)
	if sess == nil {
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{
		"principal_id": sess.PrincipalID,
		"tier":         sess.Tier,
	})
}
