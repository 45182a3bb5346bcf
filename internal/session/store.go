// Package session holds active sessions and enforces single-use token
// rotation and sliding expiry. Session rows are never deleted or reused:
// expiry and revocation are state transitions, so a token can never come
// back to life.
package session

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"gatekeep/internal/audit"
	"gatekeep/internal/constants"
	"gatekeep/internal/logger"
)

var (
	// ErrNotFound is returned for unknown or revoked tokens.
	ErrNotFound = errors.New("session not found")
	// ErrExpired is returned when the sliding inactivity timeout has passed.
	ErrExpired = errors.New("session expired")
)

// Session represents an active login session (opaque token stored hashed).
type Session struct {
	TokenHash      string `json:"-"`
	TokenPrefix    string `json:"token_prefix"`
	PrincipalID    string `json:"principal_id"`
	Tier           string `json:"tier"`
	State          string `json:"state"`
	CreatedAt      int64  `json:"created_at"`
	LastActivityAt int64  `json:"last_activity_at"`
}

// Store provides database operations for sessions. Validation failures and
// revocations each emit one audit entry.
type Store struct {
	db       *sql.DB
	logger   *logger.Logger
	auditLog *audit.Log

	sensitiveTimeout time.Duration
	normalTimeout    time.Duration

	now       func() time.Time
	stopClean chan struct{}
}

// NewStore creates a session store with the given per-tier timeouts.
func NewStore(db *sql.DB, auditLog *audit.Log, log *logger.Logger, sensitiveTimeout, normalTimeout time.Duration) *Store {
	return &Store{
		db:               db,
		logger:           log,
		auditLog:         auditLog,
		sensitiveTimeout: sensitiveTimeout,
		normalTimeout:    normalTimeout,
		now:              time.Now,
		stopClean:        make(chan struct{}),
	}
}

// timeout returns the sliding inactivity timeout for a tier.
func (s *Store) timeout(tier string) time.Duration {
	if tier == constants.TierSensitive {
		return s.sensitiveTimeout
	}
	return s.normalTimeout
}

// Create generates a fresh token and stores the session. Must be called only
// after successful authentication; the caller revokes any pre-authentication
// session first (fixation defense is Login's responsibility).
// Returns the plaintext token and the stored session.
func (s *Store) Create(principalID, tier string) (string, *Session, error) {
	if tier != constants.TierSensitive {
		tier = constants.TierNormal
	}

	token, err := GenerateToken()
	if err != nil {
		return "", nil, err
	}

	now := s.now().Unix()
	sess := &Session{
		TokenHash:      HashToken(token),
		TokenPrefix:    TokenPrefix(token),
		PrincipalID:    principalID,
		Tier:           tier,
		State:          constants.SessionActive,
		CreatedAt:      now,
		LastActivityAt: now,
	}

	_, err = s.db.Exec(`
		INSERT INTO sessions (token_hash, token_prefix, principal_id, tier, state, created_at, last_activity_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, sess.TokenHash, sess.TokenPrefix, sess.PrincipalID, sess.Tier, sess.State, sess.CreatedAt, sess.LastActivityAt)
	if err != nil {
		return "", nil, fmt.Errorf("failed to create session: %w", err)
	}

	s.logger.Debug("Session created for principal=%s tier=%s prefix=%s", principalID, tier, sess.TokenPrefix)
	return token, sess, nil
}

// Validate resolves a token to its session. Fails with ErrExpired once
// now - lastActivityAt reaches the tier's timeout, ErrNotFound for unknown
// or revoked tokens. On success the activity timestamp slides forward.
// Every failure emits one audit entry.
func (s *Store) Validate(token string) (*Session, error) {
	return s.validate(token, true)
}

// Check is Validate without the audit side effect. The policy engine uses it
// so a request's session outcome folds into the engine's single per-request
// audit entry instead of producing a second one.
func (s *Store) Check(token string) (*Session, error) {
	return s.validate(token, false)
}

func (s *Store) validate(token string, emitAudit bool) (*Session, error) {
	tokenHash := HashToken(token)

	sess, err := s.getByHash(tokenHash)
	if err != nil {
		if emitAudit {
			s.auditFailure("", constants.AuditActionSessionInvalid, TokenPrefix(token))
		}
		return nil, ErrNotFound
	}

	if sess.State != constants.SessionActive {
		if emitAudit {
			s.auditFailure(sess.PrincipalID, constants.AuditActionSessionInvalid, sess.TokenPrefix)
		}
		return nil, ErrNotFound
	}

	now := s.now().Unix()
	if now-sess.LastActivityAt >= int64(s.timeout(sess.Tier).Seconds()) {
		s.expireSession(sess, emitAudit)
		return nil, ErrExpired
	}

	_, err = s.db.Exec(`UPDATE sessions SET last_activity_at = ? WHERE token_hash = ?`, now, tokenHash)
	if err != nil {
		return nil, fmt.Errorf("failed to touch session: %w", err)
	}
	sess.LastActivityAt = now

	return sess, nil
}

// Revoke is idempotent: state moves to revoked whether or not the token was
// known or already revoked. Used on logout and on detected anomalies.
func (s *Store) Revoke(token string) error {
	tokenHash := HashToken(token)

	res, err := s.db.Exec(`
		UPDATE sessions SET state = ? WHERE token_hash = ? AND state != ?
	`, constants.SessionRevoked, tokenHash, constants.SessionRevoked)
	if err != nil {
		return fmt.Errorf("failed to revoke session: %w", err)
	}

	principalID := ""
	if n, _ := res.RowsAffected(); n > 0 {
		if sess, err := s.getByHash(tokenHash); err == nil {
			principalID = sess.PrincipalID
		}
	}

	if _, err := s.auditLog.Append(audit.Record{
		PrincipalID: principalID,
		Action:      constants.AuditActionSessionRevoked,
		Result:      constants.DecisionAllow,
		Reason:      "revoked",
		Details:     &audit.SessionDetails{TokenPrefix: TokenPrefix(token)},
	}); err != nil {
		s.logger.Error("Failed to audit session revocation: %v", err)
	}

	return nil
}

// RevokeAllForPrincipal revokes every active session for a principal, used
// when credentials change or an anomaly is detected.
func (s *Store) RevokeAllForPrincipal(principalID string) error {
	_, err := s.db.Exec(`
		UPDATE sessions SET state = ? WHERE principal_id = ? AND state = ?
	`, constants.SessionRevoked, principalID, constants.SessionActive)
	if err != nil {
		return fmt.Errorf("failed to revoke sessions: %w", err)
	}
	return nil
}

// Elevate promotes an active session to the sensitive tier after a passed
// step-up challenge. The stricter timeout applies from here on.
func (s *Store) Elevate(token string) error {
	tokenHash := HashToken(token)
	res, err := s.db.Exec(`
		UPDATE sessions SET tier = ? WHERE token_hash = ? AND state = ?
	`, constants.TierSensitive, tokenHash, constants.SessionActive)
	if err != nil {
		return fmt.Errorf("failed to elevate session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// expireSession transitions a session to expired, optionally auditing it.
func (s *Store) expireSession(sess *Session, emitAudit bool) {
	_, err := s.db.Exec(`
		UPDATE sessions SET state = ? WHERE token_hash = ? AND state = ?
	`, constants.SessionExpired, sess.TokenHash, constants.SessionActive)
	if err != nil {
		s.logger.Error("Failed to mark session expired: %v", err)
	}
	if !emitAudit {
		return
	}

	if _, err := s.auditLog.Append(audit.Record{
		PrincipalID: sess.PrincipalID,
		Action:      constants.AuditActionSessionExpired,
		Result:      constants.DecisionDeny,
		Reason:      constants.ReasonUnauthenticated,
		Details:     &audit.SessionDetails{TokenPrefix: sess.TokenPrefix, Tier: sess.Tier},
	}); err != nil {
		s.logger.Error("Failed to audit session expiry: %v", err)
	}
}

// auditFailure records a validation failure against an unknown or dead token.
func (s *Store) auditFailure(principalID, action, tokenPrefix string) {
	if _, err := s.auditLog.Append(audit.Record{
		PrincipalID: principalID,
		Action:      action,
		Result:      constants.DecisionDeny,
		Reason:      constants.ReasonUnauthenticated,
		Details:     &audit.SessionDetails{TokenPrefix: tokenPrefix},
	}); err != nil {
		s.logger.Error("Failed to audit session failure: %v", err)
	}
}

func (s *Store) getByHash(tokenHash string) (*Session, error) {
	var sess Session
	err := s.db.QueryRow(`
		SELECT token_hash, token_prefix, principal_id, tier, state, created_at, last_activity_at
		FROM sessions WHERE token_hash = ?
	`, tokenHash).Scan(&sess.TokenHash, &sess.TokenPrefix, &sess.PrincipalID,
		&sess.Tier, &sess.State, &sess.CreatedAt, &sess.LastActivityAt)
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// StartCleanup launches the periodic sweep marking stale active sessions as
// expired. Rows stay in place — only the state changes.
func (s *Store) StartCleanup(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-s.stopClean:
				return
			case <-ticker.C:
				if n, err := s.sweepExpired(); err != nil {
					s.logger.Error("Session cleanup failed: %v", err)
				} else if n > 0 {
					s.logger.Debug("Session cleanup: %d sessions expired", n)
				}
			}
		}
	}()
}

// Stop halts the cleanup goroutine.
func (s *Store) Stop() {
	close(s.stopClean)
}

// sweepExpired marks active sessions past their tier timeout as expired.
func (s *Store) sweepExpired() (int64, error) {
	now := s.now().Unix()
	res, err := s.db.Exec(`
		UPDATE sessions SET state = ?
		WHERE state = ? AND (
			(tier = ? AND ? - last_activity_at >= ?) OR
			(tier = ? AND ? - last_activity_at >= ?)
		)
	`, constants.SessionExpired, constants.SessionActive,
		constants.TierSensitive, now, int64(s.sensitiveTimeout.Seconds()),
		constants.TierNormal, now, int64(s.normalTimeout.Seconds()))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
