// Package lockout counts failed authentication attempts per principal and
// enforces temporary lockout. Records are keyed, independently-owned rows —
// concurrency reasoning stays local to one principal.
package lockout

import (
	"database/sql"
	"fmt"
	"time"

	"gatekeep/internal/audit"
	"gatekeep/internal/constants"
	"gatekeep/internal/logger"
)

// Decision is the outcome of recording a failure.
type Decision string

const (
	Permitted Decision = "permitted"
	Locked    Decision = "locked"
)

// Record tracks failures for one principal within a fixed window.
type Record struct {
	PrincipalID  string `json:"principal_id"`
	FailureCount int    `json:"failure_count"`
	WindowStart  int64  `json:"window_start"`
	LockedUntil  *int64 `json:"locked_until,omitempty"`
}

// Tracker enforces the lockout policy. The failure increment is a single
// atomic upsert: concurrent failures for the same principal must all count.
type Tracker struct {
	db       *sql.DB
	logger   *logger.Logger
	auditLog *audit.Log

	threshold int
	window    time.Duration
	duration  time.Duration

	now func() time.Time
}

// NewTracker creates a lockout tracker.
func NewTracker(db *sql.DB, auditLog *audit.Log, log *logger.Logger, threshold int, window, duration time.Duration) *Tracker {
	return &Tracker{
		db:        db,
		logger:    log,
		auditLog:  auditLog,
		threshold: threshold,
		window:    window,
		duration:  duration,
		now:       time.Now,
	}
}

// RecordFailure increments the failure count within the fixed window,
// restarting the window when it has aged out. Reaching the threshold sets
// locked_until and returns Locked.
func (t *Tracker) RecordFailure(principalID string) (Decision, error) {
	now := t.now().Unix()
	windowSecs := int64(t.window.Seconds())
	lockUntil := now + int64(t.duration.Seconds())

	tx, err := t.db.Begin()
	if err != nil {
		return Permitted, fmt.Errorf("failed to begin lockout tx: %w", err)
	}
	defer tx.Rollback()

	// Single upsert: restart the window when aged out, otherwise increment;
	// arm the lock the instant the threshold is reached.
	_, err = tx.Exec(`
		INSERT INTO lockouts (principal_id, failure_count, window_start, locked_until)
		VALUES (?, 1, ?, NULL)
		ON CONFLICT(principal_id) DO UPDATE SET
			failure_count = CASE WHEN ? - window_start >= ? THEN 1 ELSE failure_count + 1 END,
			locked_until = CASE
				WHEN (CASE WHEN ? - window_start >= ? THEN 1 ELSE failure_count + 1 END) >= ? THEN ?
				ELSE locked_until
			END,
			window_start = CASE WHEN ? - window_start >= ? THEN ? ELSE window_start END
	`, principalID, now,
		now, windowSecs,
		now, windowSecs, t.threshold, lockUntil,
		now, windowSecs, now)
	if err != nil {
		return Permitted, fmt.Errorf("failed to record failure: %w", err)
	}

	rec, err := scanRecord(tx.QueryRow(`
		SELECT principal_id, failure_count, window_start, locked_until
		FROM lockouts WHERE principal_id = ?
	`, principalID))
	if err != nil {
		return Permitted, fmt.Errorf("failed to read lockout record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Permitted, fmt.Errorf("failed to commit lockout tx: %w", err)
	}

	if rec.LockedUntil != nil && now < *rec.LockedUntil {
		// Audit only the transition into the locked state, not every
		// failure while already locked.
		if rec.FailureCount == t.threshold {
			t.logger.Warn("Lockout started for principal=%s until=%d", principalID, *rec.LockedUntil)
			if _, err := t.auditLog.Append(audit.Record{
				PrincipalID: principalID,
				Action:      constants.AuditActionLockoutStarted,
				Result:      constants.DecisionDeny,
				Reason:      constants.ReasonLocked,
				Details:     &audit.LockoutStartedDetails{LockedUntil: *rec.LockedUntil},
			}); err != nil {
				t.logger.Error("Failed to audit lockout start: %v", err)
			}
		}
		return Locked, nil
	}

	return Permitted, nil
}

// RecordSuccess resets the record. Records are created lazily on first
// failure, so deletion is the reset.
func (t *Tracker) RecordSuccess(principalID string) error {
	_, err := t.db.Exec(`DELETE FROM lockouts WHERE principal_id = ?`, principalID)
	if err != nil {
		return fmt.Errorf("failed to reset lockout: %w", err)
	}
	return nil
}

// CheckLocked is a pure query with no side effects, used before attempting
// authentication.
func (t *Tracker) CheckLocked(principalID string) (bool, error) {
	var lockedUntil sql.NullInt64
	err := t.db.QueryRow(`
		SELECT locked_until FROM lockouts WHERE principal_id = ?
	`, principalID).Scan(&lockedUntil)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check lockout: %w", err)
	}
	return lockedUntil.Valid && t.now().Unix() < lockedUntil.Int64, nil
}

// Get returns the current record for a principal, or nil when none exists.
func (t *Tracker) Get(principalID string) (*Record, error) {
	rec, err := scanRecord(t.db.QueryRow(`
		SELECT principal_id, failure_count, window_start, locked_until
		FROM lockouts WHERE principal_id = ?
	`, principalID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get lockout record: %w", err)
	}
	return rec, nil
}

func scanRecord(row *sql.Row) (*Record, error) {
	var rec Record
	var lockedUntil sql.NullInt64
	if err := row.Scan(&rec.PrincipalID, &rec.FailureCount, &rec.WindowStart, &lockedUntil); err != nil {
		return nil, err
	}
	if lockedUntil.Valid {
		rec.LockedUntil = &lockedUntil.Int64
	}
	return &rec, nil
}
