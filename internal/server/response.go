package server

import (
	"encoding/json"
	"net/http"

	"gatekeep/internal/constants"
	"gatekeep/internal/policy"
)

// APIError represents a standard error response
type APIError struct {
	Error   bool   `json:"error"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// WriteJSON writes a JSON response with the given status code
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set(constants.HeaderContentType, constants.ContentTypeJSON)
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// WriteError writes a standard error response
func WriteError(w http.ResponseWriter, status int, message string, code string) {
	WriteJSON(w, status, APIError{
		Error:   true,
		Message: message,
		Code:    code,
	})
}

// writeDenied writes the single generic denial. Every deny-producing error
// kind collapses to this response — the full reason lives only in the audit
// entry and the server log.
func writeDenied(w http.ResponseWriter) {
	WriteError(w, http.StatusForbidden, "access denied", constants.ErrCodeAccessDenied)
}

// handlePolicyError maps engine errors to HTTP responses. Denial kinds are
// never distinguished to the caller.
func (s *Server) handlePolicyError(w http.ResponseWriter, err error) {
	code, isPolErr := policy.IsPolicyError(err)
	if !isPolErr {
		WriteError(w, http.StatusInternalServerError, "internal server error", constants.ErrCodeInternalError)
		return
	}

	switch code {
	case constants.ErrCodeUnauthenticated, constants.ErrCodeLocked,
		constants.ErrCodeForbidden, constants.ErrCodeAuditUnavailable,
		constants.ErrCodeCollaboratorTimeout, constants.ErrCodeInvalidCredentials:
		writeDenied(w)
	case constants.ErrCodeChallengeRequired:
		// The challenge decision is the one outcome the caller must be
		// able to distinguish to complete the step-up.
		WriteError(w, http.StatusForbidden, "step-up challenge required", constants.ErrCodeChallengeRequired)
	case constants.ErrCodeStepUpNotEnrolled:
		WriteError(w, http.StatusBadRequest, "step-up not enrolled", constants.ErrCodeStepUpNotEnrolled)
	default:
		WriteError(w, http.StatusInternalServerError, "internal server error", constants.ErrCodeInternalError)
	}
}
