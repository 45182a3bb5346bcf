package authz

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"gatekeep/internal/constants"
	"gatekeep/internal/logger"
)

// Store provides database operations for grants. It is the local
// implementation of the resource-owner collaborator: GrantsFor supplies the
// facts a decision runs on.
type Store struct {
	db     *sql.DB
	logger *logger.Logger
}

// NewStore creates a grant store backed by the given database.
func NewStore(db *sql.DB, log *logger.Logger) *Store {
	return &Store{db: db, logger: log}
}

// GrantsFor returns all active grants held by a principal on a resource.
// Expiry is not filtered here — the evaluator judges expiry per decision.
func (s *Store) GrantsFor(ctx context.Context, principalID, resourceID string) ([]Grant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT grant_id, principal_id, resource_id, rights, expires_at, is_active, created_at, created_by
		FROM grants WHERE principal_id = ? AND resource_id = ? AND is_active = 1
	`, principalID, resourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load grants: %w", err)
	}
	defer rows.Close()

	var grants []Grant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		grants = append(grants, *g)
	}
	return grants, rows.Err()
}

// Create inserts a new grant and logs it in the append-only changelog.
func (s *Store) Create(principalID, resourceID string, rights []string, expiresAt *int64, createdBy string) (*Grant, error) {
	for _, r := range rights {
		if !ValidRight(r) {
			return nil, fmt.Errorf("invalid right: %s", r)
		}
	}

	rightsJSON, err := json.Marshal(rights)
	if err != nil {
		return nil, fmt.Errorf("failed to encode rights: %w", err)
	}

	now := time.Now().Unix()
	grant := &Grant{
		GrantID:     uuid.NewString(),
		PrincipalID: principalID,
		ResourceID:  resourceID,
		Rights:      rights,
		ExpiresAt:   expiresAt,
		IsActive:    true,
		CreatedAt:   now,
		CreatedBy:   createdBy,
	}

	_, err = s.db.Exec(`
		INSERT INTO grants (grant_id, principal_id, resource_id, rights, expires_at, is_active, created_at, created_by)
		VALUES (?, ?, ?, ?, ?, 1, ?, ?)
	`, grant.GrantID, principalID, resourceID, string(rightsJSON), expiresAt, now, createdBy)
	if err != nil {
		return nil, fmt.Errorf("failed to create grant: %w", err)
	}

	s.logChange(grant, constants.GrantChangeCreated, createdBy)

	return grant, nil
}

// Get retrieves a grant by ID.
func (s *Store) Get(grantID string) (*Grant, error) {
	rows, err := s.db.Query(`
		SELECT grant_id, principal_id, resource_id, rights, expires_at, is_active, created_at, created_by
		FROM grants WHERE grant_id = ?
	`, grantID)
	if err != nil {
		return nil, fmt.Errorf("failed to get grant: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, sql.ErrNoRows
	}
	return scanGrant(rows)
}

// Revoke soft-deletes a grant by setting is_active=0 and logs the change.
func (s *Store) Revoke(grantID, changedBy string) (*Grant, error) {
	grant, err := s.Get(grantID)
	if err != nil {
		return nil, fmt.Errorf("grant not found: %w", err)
	}

	_, err = s.db.Exec(`UPDATE grants SET is_active = 0 WHERE grant_id = ?`, grantID)
	if err != nil {
		return nil, fmt.Errorf("failed to revoke grant: %w", err)
	}

	s.logChange(grant, constants.GrantChangeRevoked, changedBy)

	return grant, nil
}

// ListForPrincipal returns all grants (including revoked) for a principal.
func (s *Store) ListForPrincipal(principalID string) ([]Grant, error) {
	rows, err := s.db.Query(`
		SELECT grant_id, principal_id, resource_id, rights, expires_at, is_active, created_at, created_by
		FROM grants WHERE principal_id = ? ORDER BY created_at ASC
	`, principalID)
	if err != nil {
		return nil, fmt.Errorf("failed to list grants: %w", err)
	}
	defer rows.Close()

	var grants []Grant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		grants = append(grants, *g)
	}
	return grants, rows.Err()
}

// logChange inserts an entry into the append-only grant changelog. The
// changelog is advisory alongside the audit chain, so a failed insert does
// not fail the grant operation, but it must not pass silently either.
func (s *Store) logChange(g *Grant, changeType, changedBy string) {
	rightsJSON, _ := json.Marshal(g.Rights)
	_, err := s.db.Exec(`
		INSERT INTO grant_log (grant_id, principal_id, resource_id, change_type, rights, changed_by, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, g.GrantID, g.PrincipalID, g.ResourceID, changeType, string(rightsJSON), changedBy, time.Now().Unix())
	if err != nil {
		s.logger.Error("Failed to record grant changelog entry for grant=%s: %v", g.GrantID, err)
	}
}

func scanGrant(rows *sql.Rows) (*Grant, error) {
	var g Grant
	var rightsJSON string
	var expiresAt sql.NullInt64
	if err := rows.Scan(&g.GrantID, &g.PrincipalID, &g.ResourceID, &rightsJSON,
		&expiresAt, &g.IsActive, &g.CreatedAt, &g.CreatedBy); err != nil {
		return nil, fmt.Errorf("failed to scan grant: %w", err)
	}
	if err := json.Unmarshal([]byte(rightsJSON), &g.Rights); err != nil {
		return nil, fmt.Errorf("malformed rights for grant %s: %w", g.GrantID, err)
	}
	if expiresAt.Valid {
		g.ExpiresAt = &expiresAt.Int64
	}
	return &g, nil
}
