// Package audit provides the append-only, tamper-evident audit log. Every
// security-relevant event in the system commits exactly one entry here; the
// entries form a keyed hash chain so deletion or reordering of history is
// detectable without trusting the storage.
package audit

// Record is the caller-supplied portion of an audit entry. The log assigns
// the sequence number and integrity tag on append.
type Record struct {
	Timestamp   int64       `json:"timestamp"` // filled by the log when zero
	PrincipalID string      `json:"principal_id"`
	Action      string      `json:"action"`
	ResourceID  string      `json:"resource_id,omitempty"`
	Result      string      `json:"result"` // 'allow' | 'deny' | 'challenge'
	Reason      string      `json:"reason"`
	IPAddress   string      `json:"ip_address,omitempty"`
	Details     interface{} `json:"details,omitempty"`
}

// Entry is a committed audit log entry.
type Entry struct {
	Seq         uint64 `json:"seq"`
	Timestamp   int64  `json:"timestamp"`
	PrincipalID string `json:"principal_id"`
	Action      string `json:"action"`
	ResourceID  string `json:"resource_id,omitempty"`
	Result      string `json:"result"`
	Reason      string `json:"reason"`
	IPAddress   string `json:"ip_address,omitempty"`
	DetailsJSON string `json:"details_json,omitempty"`
	Tag         string `json:"tag"`
}

// Query filters for reading back entries.
type Query struct {
	PrincipalID string
	Action      string
	Limit       int
}

// =============================================================================
// Detail Structs
// =============================================================================

// LoginFailedDetails holds details for login_failed entries. The attempted
// credential itself is never recorded.
type LoginFailedDetails struct {
	FailureCount int  `json:"failure_count"`
	Locked       bool `json:"locked"`
}

// LockoutStartedDetails holds details for lockout_started entries.
type LockoutStartedDetails struct {
	LockedUntil int64 `json:"locked_until"`
}

// SessionDetails holds details for session lifecycle entries. Only the token
// prefix is recorded, never the token.
type SessionDetails struct {
	TokenPrefix string `json:"token_prefix"`
	Tier        string `json:"tier,omitempty"`
}

// GrantDetails holds details for grant_created and grant_revoked entries.
type GrantDetails struct {
	GrantID    string   `json:"grant_id"`
	ResourceID string   `json:"resource_id"`
	Rights     []string `json:"rights,omitempty"`
}
