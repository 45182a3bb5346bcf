package policy

import (
	"context"

	"gatekeep/internal/authz"
)

// CredentialVerifier is the external credential store boundary. Consumed
// only during the authentication step that precedes session creation, never
// on the per-request path.
type CredentialVerifier interface {
	// Verify checks a principal's primary credential.
	Verify(ctx context.Context, principalID, credential string) error
	// VerifyTOTP checks a step-up challenge code.
	VerifyTOTP(ctx context.Context, principalID, code string) error
}

// GrantProvider is the resource-owning collaborator supplying the
// ownership/delegation facts a decision runs on.
type GrantProvider interface {
	GrantsFor(ctx context.Context, principalID, resourceID string) ([]authz.Grant, error)
}
