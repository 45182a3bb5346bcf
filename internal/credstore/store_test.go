package credstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"

	"gatekeep/internal/database"
	"gatekeep/internal/logger"
)

const testPassword = "correct-horse-battery"

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := database.Init(filepath.Join(t.TempDir(), "policy.db"))
	if err != nil {
		t.Fatalf("failed to init test DB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewStore(db, logger.New("ERROR"))
}

func TestCreateAndVerify(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.CreatePrincipal("alice", testPassword); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if err := store.Verify(ctx, "alice", testPassword); err != nil {
		t.Errorf("expected verify success, got %v", err)
	}
	if err := store.Verify(ctx, "alice", "wrong-password-here"); !errors.Is(err, ErrInvalid) {
		t.Errorf("expected ErrInvalid for wrong password, got %v", err)
	}
	if err := store.Verify(ctx, "nobody", testPassword); !errors.Is(err, ErrInvalid) {
		t.Errorf("expected ErrInvalid for unknown principal, got %v", err)
	}
}

func TestCreateRejectsDuplicates(t *testing.T) {
	store := newTestStore(t)

	if err := store.CreatePrincipal("alice", testPassword); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := store.CreatePrincipal("alice", testPassword); !errors.Is(err, ErrExists) {
		t.Errorf("expected ErrExists, got %v", err)
	}
}

func TestCreateRejectsShortPassword(t *testing.T) {
	store := newTestStore(t)

	if err := store.CreatePrincipal("alice", "short"); !errors.Is(err, ErrWeakPassword) {
		t.Errorf("expected ErrWeakPassword, got %v", err)
	}
}

func TestDeactivatedPrincipalCannotVerify(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.CreatePrincipal("alice", testPassword); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := store.Deactivate("alice"); err != nil {
		t.Fatalf("deactivate failed: %v", err)
	}

	if err := store.Verify(ctx, "alice", testPassword); !errors.Is(err, ErrInvalid) {
		t.Errorf("expected ErrInvalid after deactivation, got %v", err)
	}
}

func TestTOTPEnrollAndVerify(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.CreatePrincipal("alice", testPassword); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	// Not yet enrolled.
	err := store.VerifyTOTP(ctx, "alice", "123456")
	var ne interface{ NotEnrolled() bool }
	if !errors.As(err, &ne) {
		t.Fatalf("expected not-enrolled error, got %v", err)
	}

	secret, err := store.EnrollTOTP("alice")
	if err != nil {
		t.Fatalf("enroll failed: %v", err)
	}
	if secret == "" {
		t.Fatal("expected non-empty secret")
	}

	code, err := totp.GenerateCode(secret, time.Now())
	if err != nil {
		t.Fatalf("code generation failed: %v", err)
	}
	if err := store.VerifyTOTP(ctx, "alice", code); err != nil {
		t.Errorf("expected TOTP verify success, got %v", err)
	}
	if err := store.VerifyTOTP(ctx, "alice", "000000"); !errors.Is(err, ErrInvalid) {
		t.Errorf("expected ErrInvalid for wrong code, got %v", err)
	}
}

func TestPasswordNeverStoredPlaintext(t *testing.T) {
	store := newTestStore(t)

	if err := store.CreatePrincipal("alice", testPassword); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	var hash string
	err := store.db.QueryRow(`SELECT password_hash FROM credentials WHERE principal_id = ?`, "alice").Scan(&hash)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if hash == testPassword {
		t.Error("plaintext password stored")
	}
}

func TestCountPrincipals(t *testing.T) {
	store := newTestStore(t)

	count, err := store.CountPrincipals()
	if err != nil || count != 0 {
		t.Fatalf("expected empty store, got count=%d err=%v", count, err)
	}

	store.CreatePrincipal("alice", testPassword)
	store.CreatePrincipal("bob", testPassword)

	count, err = store.CountPrincipals()
	if err != nil || count != 2 {
		t.Errorf("expected 2 principals, got count=%d err=%v", count, err)
	}
}
