package constants

// API Error Codes
const (
	// Policy denial taxonomy
	ErrCodeUnauthenticated     = "UNAUTHENTICATED"
	ErrCodeLocked              = "LOCKED"
	ErrCodeForbidden           = "FORBIDDEN"
	ErrCodeAuditUnavailable    = "AUDIT_UNAVAILABLE"
	ErrCodeCollaboratorTimeout = "COLLABORATOR_TIMEOUT"
	ErrCodeChallengeRequired   = "CHALLENGE_REQUIRED"

	// Caller-visible generic denial. All deny-producing kinds collapse to
	// this code at the HTTP boundary so internal reasons never leak.
	ErrCodeAccessDenied = "ACCESS_DENIED"

	// Authentication
	ErrCodeInvalidCredentials = "INVALID_CREDENTIALS"
	ErrCodeStepUpNotEnrolled  = "STEPUP_NOT_ENROLLED"

	// Principals and grants
	ErrCodePrincipalNotFound = "PRINCIPAL_NOT_FOUND"
	ErrCodePrincipalExists   = "PRINCIPAL_ALREADY_EXISTS"
	ErrCodeGrantNotFound     = "GRANT_NOT_FOUND"
	ErrCodeInvalidRight      = "INVALID_RIGHT"
	ErrCodePasswordTooWeak   = "PASSWORD_TOO_WEAK"

	// Requests
	ErrCodeInvalidRequest = "INVALID_REQUEST"
	ErrCodeMissingParam   = "MISSING_PARAM"
	ErrCodeInternalError  = "INTERNAL_ERROR"

	// Audit queries
	ErrCodeAuditLogError     = "AUDIT_LOG_ERROR"
	ErrCodeChainVerifyFailed = "CHAIN_VERIFY_FAILED"
	ErrCodeInvalidRange      = "INVALID_RANGE"
)
