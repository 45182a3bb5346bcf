package database

// Schema returns the full SQL schema for the policy database.
func Schema() string {
	return `
-- sessions table. Rows are never deleted or reused: revoked and expired
-- sessions keep their state so a token hash can never be issued twice.
CREATE TABLE IF NOT EXISTS sessions (
    token_hash TEXT PRIMARY KEY,       -- BLAKE3 hash of the opaque token
    token_prefix TEXT NOT NULL,        -- visible prefix for logs
    principal_id TEXT NOT NULL,
    tier TEXT NOT NULL,                -- 'normal' | 'sensitive'
    state TEXT NOT NULL,               -- 'active' | 'expired' | 'revoked'
    created_at INTEGER NOT NULL,       -- unix timestamp
    last_activity_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sessions_principal ON sessions(principal_id);
CREATE INDEX IF NOT EXISTS idx_sessions_state ON sessions(state);

-- lockouts table, one row per principal, created lazily on first failure
CREATE TABLE IF NOT EXISTS lockouts (
    principal_id TEXT PRIMARY KEY,
    failure_count INTEGER NOT NULL DEFAULT 0,
    window_start INTEGER NOT NULL,
    locked_until INTEGER               -- NULL when not locked
);

-- grants table
CREATE TABLE IF NOT EXISTS grants (
    grant_id TEXT PRIMARY KEY,         -- UUID
    principal_id TEXT NOT NULL,
    resource_id TEXT NOT NULL,
    rights TEXT NOT NULL,              -- JSON array of right strings
    expires_at INTEGER,                -- NULL = no expiry
    is_active INTEGER NOT NULL DEFAULT 1,
    created_at INTEGER NOT NULL,
    created_by TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_grants_principal_resource ON grants(principal_id, resource_id);

-- grant_log table (append-only changelog of grant mutations)
CREATE TABLE IF NOT EXISTS grant_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    grant_id TEXT NOT NULL,
    principal_id TEXT NOT NULL,
    resource_id TEXT NOT NULL,
    change_type TEXT NOT NULL,         -- 'created' | 'revoked'
    rights TEXT NOT NULL,
    changed_by TEXT NOT NULL,
    timestamp INTEGER NOT NULL
);

-- audit_log table. seq is the chain sequence number; tag is the keyed hash
-- chained over the previous entry's tag. Append-only by contract.
CREATE TABLE IF NOT EXISTS audit_log (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp INTEGER NOT NULL,
    principal_id TEXT NOT NULL,        -- 'anonymous' when unidentified
    action TEXT NOT NULL,
    resource_id TEXT NOT NULL DEFAULT '',
    result TEXT NOT NULL,              -- 'allow' | 'deny' | 'challenge'
    reason TEXT NOT NULL,
    ip_address TEXT NOT NULL DEFAULT '',
    details_json TEXT,
    tag TEXT NOT NULL                  -- 64 hex chars
);

CREATE INDEX IF NOT EXISTS idx_audit_principal ON audit_log(principal_id);
CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_log(timestamp);

-- credentials table for the local credential store collaborator.
-- Only hashes are stored; the TOTP secret enables step-up challenges.
CREATE TABLE IF NOT EXISTS credentials (
    principal_id TEXT PRIMARY KEY,
    password_hash TEXT NOT NULL,
    totp_secret TEXT,                  -- NULL = step-up not enrolled
    is_active INTEGER NOT NULL DEFAULT 1,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);
`
}
