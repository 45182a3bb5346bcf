package policy

import (
	"errors"
	"fmt"

	"gatekeep/internal/constants"
)

// PolicyError represents a policy-level error with an error code. The code
// and message are internal: the HTTP boundary maps every deny-producing kind
// to a single generic denial so reasons never leak outward.
type PolicyError struct {
	Code    string
	Message string
	Err     error
}

func (e *PolicyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *PolicyError) Unwrap() error {
	return e.Err
}

// NewPolicyError creates a new policy error.
func NewPolicyError(code, message string) *PolicyError {
	return &PolicyError{Code: code, Message: message}
}

// WrapPolicyError wraps an existing error with a policy error.
func WrapPolicyError(code, message string, err error) *PolicyError {
	return &PolicyError{Code: code, Message: message, Err: err}
}

// IsPolicyError checks if an error is a PolicyError and returns its code.
func IsPolicyError(err error) (string, bool) {
	var polErr *PolicyError
	if errors.As(err, &polErr) {
		return polErr.Code, true
	}
	return "", false
}

// Pre-defined policy errors — the denial taxonomy.
var (
	ErrUnauthenticated     = NewPolicyError(constants.ErrCodeUnauthenticated, "no valid session")
	ErrLocked              = NewPolicyError(constants.ErrCodeLocked, "account is temporarily locked")
	ErrForbidden           = NewPolicyError(constants.ErrCodeForbidden, "action not authorized")
	ErrAuditUnavailable    = NewPolicyError(constants.ErrCodeAuditUnavailable, "audit sink unavailable")
	ErrCollaboratorTimeout = NewPolicyError(constants.ErrCodeCollaboratorTimeout, "collaborator lookup exceeded deadline")
	ErrChallengeRequired   = NewPolicyError(constants.ErrCodeChallengeRequired, "step-up challenge required")
	ErrInvalidCredentials  = NewPolicyError(constants.ErrCodeInvalidCredentials, "invalid credentials")
	ErrStepUpNotEnrolled   = NewPolicyError(constants.ErrCodeStepUpNotEnrolled, "step-up not enrolled")
	ErrInternal            = NewPolicyError(constants.ErrCodeInternalError, "internal error")
)
