package constants

// Audit Log Action Types — Policy Decisions
const (
	AuditActionEvaluate = "evaluate"
)

// Audit Log Action Types — Authentication
const (
	AuditActionLoginSuccess  = "login_success"
	AuditActionLoginFailed   = "login_failed"
	AuditActionStepUpSuccess = "stepup_success"
	AuditActionStepUpFailed  = "stepup_failed"
)

// Audit Log Action Types — Sessions
const (
	AuditActionSessionExpired = "session_expired"
	AuditActionSessionRevoked = "session_revoked"
	AuditActionSessionInvalid = "session_invalid"
)

// Audit Log Action Types — Lockout
const (
	AuditActionLockoutStarted = "lockout_started"
)

// Audit Log Action Types — Grant Management
const (
	AuditActionGrantCreated = "grant_created"
	AuditActionGrantRevoked = "grant_revoked"
)

// Audit Log Configuration
const (
	AuditDefaultQueryLimit = 100
	AuditMaxQueryLimit     = 1000
	AuditSSEBufferSize     = 100
)

// Hash Chain Configuration
const (
	ChainKeyBytes     = 32
	ChainGenesisLabel = "GTKP_GENESIS"
)
