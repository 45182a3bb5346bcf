package constants

import "time"

// Decisions — the terminal outcomes of a policy evaluation
const (
	DecisionAllow     = "allow"
	DecisionDeny      = "deny"
	DecisionChallenge = "challenge"
)

// Denial reasons. The full reason is preserved in the audit entry and the
// internal error channel only — the HTTP boundary collapses all denials to a
// generic response.
const (
	ReasonAuthorized          = "authorized"
	ReasonUnauthenticated     = "unauthenticated"
	ReasonLocked              = "locked"
	ReasonForbidden           = "forbidden"
	ReasonAuditUnavailable    = "audit_unavailable"
	ReasonCollaboratorTimeout = "collaborator_timeout"
	ReasonStepUpRequired      = "stepup_required"
	ReasonInvalidCredentials  = "invalid_credentials"
)

// Grant rights
const (
	RightOwner         = "owner"
	RightDelegateRead  = "delegate-read"
	RightDelegateWrite = "delegate-write"
)

// AllRights returns the defined grant rights.
var AllRights = []string{RightOwner, RightDelegateRead, RightDelegateWrite}

// Sensitivity tiers — classification controlling session timeout strictness
const (
	TierNormal    = "normal"
	TierSensitive = "sensitive"
)

// Grant Change Types (append-only grant changelog)
const (
	GrantChangeCreated = "created"
	GrantChangeRevoked = "revoked"
)

// Session Token Configuration
const (
	SessionTokenPrefix = "gks_"
	SessionTokenBytes  = 32 // 256 bits of entropy, double the 128-bit floor
	TokenPrefixLength  = 8  // visible prefix for identification in logs
)

// Session States
const (
	SessionActive  = "active"
	SessionExpired = "expired"
	SessionRevoked = "revoked"
)

// Session Timeouts (sliding, per tier)
const (
	SensitiveSessionTimeout = 15 * time.Minute
	NormalSessionTimeout    = 30 * time.Minute
	SessionCleanupInterval  = 5 * time.Minute
)

// Lockout Policy. The 5-attempt threshold is a hard contract; the durations
// are configurable.
const (
	LockoutThreshold = 5
	LockoutDuration  = 15 * time.Minute
	LockoutWindow    = 15 * time.Minute
)

// Credential Store
const (
	BcryptCost        = 12
	MinPasswordLength = 12
)

// Collaborator calls (credential verify, grant lookup) carry this deadline
// unless overridden by config. Expiry is a hard deny, never a retry.
const CollaboratorTimeout = 5 * time.Second

// Action classes. Write-class actions are the sensitive ones: they require a
// sensitive-tier session and always fail closed on audit unavailability.
var readClassActions = map[string]bool{
	"read": true,
	"list": true,
	"view": true,
}

// IsReadAction reports whether an action is low-risk read-class.
func IsReadAction(action string) bool {
	return readClassActions[action]
}

// AnonymousPrincipal is recorded in audit entries when no principal identity
// claim accompanies a request.
const AnonymousPrincipal = "anonymous"

// Auth HTTP surface
const (
	HeaderAuthorization = "Authorization"
	AuthBearerPrefix    = "Bearer "
)
