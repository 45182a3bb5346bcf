// Package authz decides whether a principal may perform an action on a
// resource, given ownership and delegation facts supplied by a
// resource-owning collaborator. Grants are read-only facts for the duration
// of a decision.
package authz

import "gatekeep/internal/constants"

// Grant is a fact asserting a principal's rights over a resource.
type Grant struct {
	GrantID     string   `json:"grant_id"`
	PrincipalID string   `json:"principal_id"`
	ResourceID  string   `json:"resource_id"`
	Rights      []string `json:"rights"`
	ExpiresAt   *int64   `json:"expires_at,omitempty"` // nil = no expiry
	IsActive    bool     `json:"is_active"`
	CreatedAt   int64    `json:"created_at"`
	CreatedBy   string   `json:"created_by"`
}

// HasRight reports whether the grant carries the given right.
func (g *Grant) HasRight(right string) bool {
	for _, r := range g.Rights {
		if r == right {
			return true
		}
	}
	return false
}

// ExpiredAt reports whether the grant is expired at the given time.
func (g *Grant) ExpiredAt(now int64) bool {
	return g.ExpiresAt != nil && now >= *g.ExpiresAt
}

// Result represents the outcome of an authorization decision.
type Result struct {
	Allowed      bool   `json:"allowed"`
	Reason       string `json:"reason,omitempty"`
	MatchedGrant *Grant `json:"matched_grant,omitempty"`
}

// ValidRight reports whether a right string is one of the defined rights.
func ValidRight(right string) bool {
	for _, r := range constants.AllRights {
		if r == right {
			return true
		}
	}
	return false
}
