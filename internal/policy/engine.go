// Package policy implements the request-time decision engine. It composes
// the session store, lockout tracker, authorization evaluator, and audit log
// into a single evaluate call producing allow, deny, or challenge. The
// engine is stateless across requests beyond the store mutations the
// components make themselves.
package policy

import (
	"context"
	"errors"

	"gatekeep/internal/audit"
	"gatekeep/internal/authz"
	"gatekeep/internal/config"
	"gatekeep/internal/constants"
	"gatekeep/internal/lockout"
	"gatekeep/internal/logger"
	"gatekeep/internal/session"
)

// Request is the inbound call contract for a policy evaluation.
type Request struct {
	PrincipalID  string `json:"principal_id"`
	SessionToken string `json:"session_token,omitempty"`
	Action       string `json:"action"`
	ResourceID   string `json:"resource_id"`
	IPAddress    string `json:"-"`
}

// Result is the outcome of a policy evaluation. AuditSeq is the sequence
// number of the entry recording this decision; zero only when the audit sink
// was unavailable and the engine was configured to fail open.
type Result struct {
	Decision string `json:"decision"` // allow | deny | challenge
	Reason   string `json:"reason"`
	AuditSeq uint64 `json:"audit_seq"`
}

// Engine orchestrates the per-request state machine:
// CheckLockout → CheckSession → Authorize → Audit → Decision.
type Engine struct {
	cfg       *config.PolicyConfig
	logger    *logger.Logger
	sessions  *session.Store
	lockouts  *lockout.Tracker
	evaluator *authz.Evaluator
	grants    GrantProvider
	creds     CredentialVerifier
	auditLog  *audit.Log
}

// NewEngine creates a policy engine over its components and collaborators.
func NewEngine(cfg *config.PolicyConfig, log *logger.Logger, sessions *session.Store,
	lockouts *lockout.Tracker, evaluator *authz.Evaluator,
	grants GrantProvider, creds CredentialVerifier, auditLog *audit.Log) *Engine {
	return &Engine{
		cfg:       cfg,
		logger:    log,
		sessions:  sessions,
		lockouts:  lockouts,
		evaluator: evaluator,
		grants:    grants,
		creds:     creds,
		auditLog:  auditLog,
	}
}

// Evaluate runs the full decision state machine for one request. Exactly one
// audit entry records the final decision, committed before control returns;
// when the audit sink is down the fail-closed rule decides whether the
// request survives.
func (e *Engine) Evaluate(ctx context.Context, req Request) (*Result, error) {
	decision, reason, decErr := e.decide(ctx, req)

	principalID := req.PrincipalID
	if principalID == "" {
		principalID = constants.AnonymousPrincipal
	}

	seq, auditErr := e.auditLog.Append(audit.Record{
		PrincipalID: principalID,
		Action:      req.Action,
		ResourceID:  req.ResourceID,
		Result:      decision,
		Reason:      reason,
		IPAddress:   req.IPAddress,
	})
	if auditErr != nil {
		if e.failClosedFor(req.Action) {
			e.logger.Error("Audit unavailable, failing closed for action=%s: %v", req.Action, auditErr)
			return &Result{Decision: constants.DecisionDeny, Reason: constants.ReasonAuditUnavailable},
				WrapPolicyError(constants.ErrCodeAuditUnavailable, "audit sink unavailable", auditErr)
		}
		// Fail-open is an explicit configuration choice, limited to
		// read-class actions, and always flagged.
		e.logger.Warn("AUDIT GAP: decision=%s for principal=%s action=%s resource=%s not recorded: %v",
			decision, principalID, req.Action, req.ResourceID, auditErr)
		return &Result{Decision: decision, Reason: reason, AuditSeq: 0}, decErr
	}

	return &Result{Decision: decision, Reason: reason, AuditSeq: seq}, decErr
}

// decide walks CheckLockout → CheckSession → Authorize and returns the
// decision, the audit reason, and the internal error for deny outcomes.
func (e *Engine) decide(ctx context.Context, req Request) (string, string, error) {
	// CheckLockout
	if req.PrincipalID != "" {
		locked, err := e.lockouts.CheckLocked(req.PrincipalID)
		if err != nil {
			e.logger.Error("Lockout check failed for principal=%s: %v", req.PrincipalID, err)
			return constants.DecisionDeny, constants.ReasonLocked, WrapPolicyError(constants.ErrCodeInternalError, "lockout check failed", err)
		}
		if locked {
			return constants.DecisionDeny, constants.ReasonLocked, ErrLocked
		}
	}

	// CheckSession. The evaluator is not reached without a valid session.
	if req.SessionToken == "" {
		return constants.DecisionDeny, constants.ReasonUnauthenticated, ErrUnauthenticated
	}
	sess, err := e.sessions.Check(req.SessionToken)
	if err != nil {
		return constants.DecisionDeny, constants.ReasonUnauthenticated, ErrUnauthenticated
	}
	if req.PrincipalID != "" && sess.PrincipalID != req.PrincipalID {
		// Identity claim does not match the session owner.
		return constants.DecisionDeny, constants.ReasonUnauthenticated, ErrUnauthenticated
	}

	// Lockout binds to the session's principal, not the caller's claim. An
	// omitted claim must not skip the check.
	if req.PrincipalID == "" {
		locked, err := e.lockouts.CheckLocked(sess.PrincipalID)
		if err != nil {
			e.logger.Error("Lockout check failed for principal=%s: %v", sess.PrincipalID, err)
			return constants.DecisionDeny, constants.ReasonLocked, WrapPolicyError(constants.ErrCodeInternalError, "lockout check failed", err)
		}
		if locked {
			return constants.DecisionDeny, constants.ReasonLocked, ErrLocked
		}
	}

	// Step-up: a sensitive action over a normal-tier session is challenged,
	// not denied. The caller completes the challenge via StepUp.
	if !constants.IsReadAction(req.Action) && sess.Tier != constants.TierSensitive {
		return constants.DecisionChallenge, constants.ReasonStepUpRequired, ErrChallengeRequired
	}

	// Authorize, with the grant lookup under the collaborator deadline.
	grantCtx, cancel := context.WithTimeout(ctx, e.cfg.CollaboratorTimeout())
	defer cancel()

	grants, err := e.grants.GrantsFor(grantCtx, sess.PrincipalID, req.ResourceID)
	if err != nil {
		if isTimeout(grantCtx, err) {
			e.logger.Warn("Grant lookup timed out for principal=%s resource=%s", sess.PrincipalID, req.ResourceID)
			return constants.DecisionDeny, constants.ReasonCollaboratorTimeout, ErrCollaboratorTimeout
		}
		e.logger.Error("Grant lookup failed for principal=%s resource=%s: %v", sess.PrincipalID, req.ResourceID, err)
		return constants.DecisionDeny, constants.ReasonForbidden, WrapPolicyError(constants.ErrCodeInternalError, "grant lookup failed", err)
	}

	res := e.evaluator.Authorize(sess.PrincipalID, req.ResourceID, req.Action, grants)
	if !res.Allowed {
		return constants.DecisionDeny, res.Reason, ErrForbidden
	}

	return constants.DecisionAllow, constants.ReasonAuthorized, nil
}

// Login verifies a credential with the external credential store and, on
// success, issues a fresh session. Any pre-authentication session supplied
// by the caller is revoked first — session-ID regeneration after login is
// mandatory.
func (e *Engine) Login(ctx context.Context, principalID, credential, priorToken, ipAddress string) (string, error) {
	locked, err := e.lockouts.CheckLocked(principalID)
	if err != nil {
		return "", WrapPolicyError(constants.ErrCodeInternalError, "lockout check failed", err)
	}
	if locked {
		// Locked means locked, regardless of credential correctness. The
		// credential is not even examined.
		e.auditLogin(principalID, constants.AuditActionLoginFailed, constants.ReasonLocked, ipAddress, nil)
		return "", ErrLocked
	}

	verifyCtx, cancel := context.WithTimeout(ctx, e.cfg.CollaboratorTimeout())
	defer cancel()

	if err := e.creds.Verify(verifyCtx, principalID, credential); err != nil {
		if isTimeout(verifyCtx, err) {
			e.auditLogin(principalID, constants.AuditActionLoginFailed, constants.ReasonCollaboratorTimeout, ipAddress, nil)
			return "", ErrCollaboratorTimeout
		}

		decision, lerr := e.lockouts.RecordFailure(principalID)
		if lerr != nil {
			e.logger.Error("Failed to record login failure for principal=%s: %v", principalID, lerr)
		}

		details := &audit.LoginFailedDetails{Locked: decision == lockout.Locked}
		if rec, rerr := e.lockouts.Get(principalID); rerr == nil && rec != nil {
			details.FailureCount = rec.FailureCount
		}
		e.auditLogin(principalID, constants.AuditActionLoginFailed, constants.ReasonInvalidCredentials, ipAddress, details)

		if decision == lockout.Locked {
			return "", ErrLocked
		}
		return "", ErrInvalidCredentials
	}

	if err := e.lockouts.RecordSuccess(principalID); err != nil {
		e.logger.Error("Failed to reset lockout for principal=%s: %v", principalID, err)
	}

	// Fixation defense: the pre-authentication session dies before the
	// authenticated one exists.
	if priorToken != "" {
		if err := e.sessions.Revoke(priorToken); err != nil {
			e.logger.Error("Failed to revoke prior session on login: %v", err)
		}
	}

	token, sess, err := e.sessions.Create(principalID, constants.TierNormal)
	if err != nil {
		return "", WrapPolicyError(constants.ErrCodeInternalError, "session creation failed", err)
	}

	e.auditLogin(principalID, constants.AuditActionLoginSuccess, constants.ReasonAuthorized, ipAddress,
		&audit.SessionDetails{TokenPrefix: sess.TokenPrefix, Tier: sess.Tier})

	e.logger.Info("Login: principal=%s session=%s", principalID, sess.TokenPrefix)
	return token, nil
}

// Logout revokes the session. Idempotent; the revocation is audited by the
// session store.
func (e *Engine) Logout(token string) error {
	return e.sessions.Revoke(token)
}

// StepUp completes a challenge: a valid TOTP code elevates the session to
// the sensitive tier, unlocking write-class actions under the stricter
// timeout.
func (e *Engine) StepUp(ctx context.Context, token, code, ipAddress string) error {
	sess, err := e.sessions.Check(token)
	if err != nil {
		return ErrUnauthenticated
	}

	verifyCtx, cancel := context.WithTimeout(ctx, e.cfg.CollaboratorTimeout())
	defer cancel()

	if err := e.creds.VerifyTOTP(verifyCtx, sess.PrincipalID, code); err != nil {
		if isTimeout(verifyCtx, err) {
			return ErrCollaboratorTimeout
		}
		reason := constants.ReasonInvalidCredentials
		retErr := ErrInvalidCredentials
		if isNotEnrolled(err) {
			reason = "stepup_not_enrolled"
			retErr = ErrStepUpNotEnrolled
		}
		e.auditLogin(sess.PrincipalID, constants.AuditActionStepUpFailed, reason, ipAddress,
			&audit.SessionDetails{TokenPrefix: sess.TokenPrefix})
		return retErr
	}

	if err := e.sessions.Elevate(token); err != nil {
		return WrapPolicyError(constants.ErrCodeInternalError, "session elevation failed", err)
	}

	e.auditLogin(sess.PrincipalID, constants.AuditActionStepUpSuccess, constants.ReasonAuthorized, ipAddress,
		&audit.SessionDetails{TokenPrefix: sess.TokenPrefix, Tier: constants.TierSensitive})

	e.logger.Info("StepUp: principal=%s session=%s elevated", sess.PrincipalID, sess.TokenPrefix)
	return nil
}

// failClosedFor reports whether audit unavailability must deny the request.
// Sensitive (write-class) actions always fail closed; read-class actions
// follow the configuration.
func (e *Engine) failClosedFor(action string) bool {
	if !constants.IsReadAction(action) {
		return true
	}
	return e.cfg.FailClosed()
}

// auditLogin records an authentication-path event. Authentication auditing
// is best-effort for allow outcomes; a failed append is logged loudly but
// does not undo an already-issued session.
func (e *Engine) auditLogin(principalID, action, reason, ipAddress string, details interface{}) {
	result := constants.DecisionDeny
	if reason == constants.ReasonAuthorized {
		result = constants.DecisionAllow
	}
	if _, err := e.auditLog.Append(audit.Record{
		PrincipalID: principalID,
		Action:      action,
		Result:      result,
		Reason:      reason,
		IPAddress:   ipAddress,
		Details:     details,
	}); err != nil {
		e.logger.Error("Failed to audit %s for principal=%s: %v", action, principalID, err)
	}
}

// isTimeout distinguishes a collaborator deadline expiry from other errors.
func isTimeout(ctx context.Context, err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded)
}

// isNotEnrolled matches the credential store's enrollment error without
// binding the engine to a concrete implementation.
func isNotEnrolled(err error) bool {
	type notEnroller interface{ NotEnrolled() bool }
	var ne notEnroller
	return errors.As(err, &ne) && ne.NotEnrolled()
}
