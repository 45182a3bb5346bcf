// Package credstore is the bundled credential-store collaborator: bcrypt
// password verification plus optional TOTP enrollment for step-up
// challenges. The policy engine depends only on the collaborator interfaces,
// so a deployment can swap this for an external identity provider.
package credstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/bcrypt"

	"gatekeep/internal/constants"
	"gatekeep/internal/logger"
)

var (
	// ErrInvalid is returned for unknown principals, inactive principals,
	// and credential mismatches alike, to prevent principal enumeration.
	ErrInvalid = errors.New("invalid credentials")
	// ErrExists is returned when enrolling an already-known principal.
	ErrExists = errors.New("principal already exists")
	// ErrWeakPassword is returned when a password fails the length policy.
	ErrWeakPassword = errors.New("password does not meet requirements")
)

// notEnrolledError carries the NotEnrolled marker the policy engine matches
// on without importing this package.
type notEnrolledError struct{}

func (notEnrolledError) Error() string     { return "principal not enrolled for step-up" }
func (notEnrolledError) NotEnrolled() bool { return true }

// ErrNotEnrolled is returned when a step-up is attempted without a TOTP
// enrollment.
var ErrNotEnrolled error = notEnrolledError{}

// dummyHash is a valid bcrypt hash at the configured cost, compared against
// when the principal is unknown so lookups take constant time.
var dummyHash = []byte("$2a$12$R9h/cIPz0gi.URNNX3kh2OPST9/PgBkqquzi.Ss7KIUgO2t0jWMUW")

// Store verifies principal credentials against bcrypt hashes in the policy
// database. Plaintext passwords are never stored.
type Store struct {
	db     *sql.DB
	logger *logger.Logger
}

// NewStore creates a credential store backed by the given database.
func NewStore(db *sql.DB, log *logger.Logger) *Store {
	return &Store{db: db, logger: log}
}

// Verify checks a principal's password. Returns nil on success, ErrInvalid
// on any mismatch. Honors the context deadline on the lookup.
func (s *Store) Verify(ctx context.Context, principalID, password string) error {
	var hash string
	var isActive bool
	err := s.db.QueryRowContext(ctx, `
		SELECT password_hash, is_active FROM credentials WHERE principal_id = ?
	`, principalID).Scan(&hash, &isActive)
	if err == sql.ErrNoRows {
		// Burn a comparison anyway so unknown principals cost the same
		// as wrong passwords.
		bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return ErrInvalid
	}
	if err != nil {
		return fmt.Errorf("failed to load credentials: %w", err)
	}
	if !isActive {
		return ErrInvalid
	}

	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return ErrInvalid
	}
	return nil
}

// VerifyTOTP checks a step-up code against the principal's enrolled secret.
func (s *Store) VerifyTOTP(ctx context.Context, principalID, code string) error {
	var secret sql.NullString
	var isActive bool
	err := s.db.QueryRowContext(ctx, `
		SELECT totp_secret, is_active FROM credentials WHERE principal_id = ?
	`, principalID).Scan(&secret, &isActive)
	if err == sql.ErrNoRows {
		return ErrInvalid
	}
	if err != nil {
		return fmt.Errorf("failed to load credentials: %w", err)
	}
	if !isActive {
		return ErrInvalid
	}
	if !secret.Valid || secret.String == "" {
		return ErrNotEnrolled
	}

	if !totp.Validate(code, secret.String) {
		return ErrInvalid
	}
	return nil
}

// CreatePrincipal registers a principal with a bcrypt-hashed password.
func (s *Store) CreatePrincipal(principalID, password string) error {
	if len(password) < constants.MinPasswordLength {
		return ErrWeakPassword
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), constants.BcryptCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	now := time.Now().Unix()
	_, err = s.db.Exec(`
		INSERT INTO credentials (principal_id, password_hash, is_active, created_at, updated_at)
		VALUES (?, ?, 1, ?, ?)
	`, principalID, string(hash), now, now)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrExists
		}
		return fmt.Errorf("failed to create principal: %w", err)
	}

	s.logger.Info("Credstore: principal=%s registered", principalID)
	return nil
}

// EnrollTOTP generates and stores a TOTP secret for step-up challenges.
// Returns the secret, shown to the principal exactly once.
func (s *Store) EnrollTOTP(principalID string) (string, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      constants.AppDisplayName,
		AccountName: principalID,
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate TOTP secret: %w", err)
	}

	res, err := s.db.Exec(`
		UPDATE credentials SET totp_secret = ?, updated_at = ? WHERE principal_id = ? AND is_active = 1
	`, key.Secret(), time.Now().Unix(), principalID)
	if err != nil {
		return "", fmt.Errorf("failed to store TOTP secret: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", ErrInvalid
	}

	s.logger.Info("Credstore: principal=%s enrolled for step-up", principalID)
	return key.Secret(), nil
}

// Deactivate disables a principal's credentials.
func (s *Store) Deactivate(principalID string) error {
	_, err := s.db.Exec(`
		UPDATE credentials SET is_active = 0, updated_at = ? WHERE principal_id = ?
	`, time.Now().Unix(), principalID)
	if err != nil {
		return fmt.Errorf("failed to deactivate principal: %w", err)
	}
	return nil
}

// CountPrincipals reports the number of registered principals, active or not.
func (s *Store) CountPrincipals() (int64, error) {
	var count int64
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM credentials`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count principals: %w", err)
	}
	return count, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
