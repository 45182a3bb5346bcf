package audit

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"gatekeep/internal/constants"
)

// ErrUnavailable is returned when the underlying storage cannot commit an
// entry. The policy engine treats this as fail-closed for sensitive actions.
var ErrUnavailable = errors.New("audit log unavailable")

// subscription wraps a channel with safe closure tracking to prevent
// "send on closed channel" panics during concurrent unsubscribe/notify
type subscription struct {
	ch       chan Entry
	closedMu sync.Mutex
	closed   bool
}

// trySend safely sends an entry, returning false if channel is closed or full
func (s *subscription) trySend(entry Entry) bool {
	s.closedMu.Lock()
	defer s.closedMu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- entry:
		return true
	default:
		return false // channel full, skip
	}
}

// close safely closes the channel once
func (s *subscription) close() {
	s.closedMu.Lock()
	defer s.closedMu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Log is the tamper-evident audit log. Appends are serialized under a single
// mutex: sequence assignment and chain computation must never interleave, or
// two writers could fork the chain.
type Log struct {
	db   *sql.DB
	key  []byte
	name string
	now  func() time.Time

	mu      sync.Mutex
	lastSeq uint64
	lastTag string

	subscribers map[chan Entry]*subscription
	subMu       sync.RWMutex
}

// NewLog opens the audit log over the given database. The key is the
// 32-byte chain signing key; name anchors the genesis tag so two logs with
// the same key still have distinct chains.
func NewLog(db *sql.DB, key []byte, name string) (*Log, error) {
	if len(key) != constants.ChainKeyBytes {
		return nil, fmt.Errorf("chain key must be %d bytes, got %d", constants.ChainKeyBytes, len(key))
	}

	l := &Log{
		db:          db,
		key:         key,
		name:        name,
		now:         time.Now,
		subscribers: make(map[chan Entry]*subscription),
	}

	// Resume the chain from the last committed entry, or start at genesis.
	var seq uint64
	var tag string
	err := db.QueryRow(`SELECT seq, tag FROM audit_log ORDER BY seq DESC LIMIT 1`).Scan(&seq, &tag)
	switch {
	case err == sql.ErrNoRows:
		genesis, gerr := GenesisTag(key, name)
		if gerr != nil {
			return nil, gerr
		}
		l.lastSeq = 0
		l.lastTag = genesis
	case err != nil:
		return nil, fmt.Errorf("failed to load audit chain head: %w", err)
	default:
		l.lastSeq = seq
		l.lastTag = tag
	}

	return l, nil
}

// Append commits a record, assigning the next sequence number and chain tag.
// Returns the committed sequence number. Storage failure yields an error
// wrapping ErrUnavailable and leaves the chain head untouched.
func (l *Log) Append(rec Record) (uint64, error) {
	var detailsJSON string
	if rec.Details != nil {
		data, err := json.Marshal(rec.Details)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal details: %w", err)
		}
		detailsJSON = string(data)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entry := Entry{
		Seq:         l.lastSeq + 1,
		Timestamp:   rec.Timestamp,
		PrincipalID: rec.PrincipalID,
		Action:      rec.Action,
		ResourceID:  rec.ResourceID,
		Result:      rec.Result,
		Reason:      rec.Reason,
		IPAddress:   rec.IPAddress,
		DetailsJSON: detailsJSON,
	}
	if entry.Timestamp == 0 {
		entry.Timestamp = l.now().Unix()
	}
	if entry.PrincipalID == "" {
		entry.PrincipalID = constants.AnonymousPrincipal
	}

	tag, err := NextTag(l.key, l.lastTag, &entry)
	if err != nil {
		return 0, err
	}
	entry.Tag = tag

	var details sql.NullString
	if detailsJSON != "" {
		details = sql.NullString{String: detailsJSON, Valid: true}
	}

	_, err = l.db.Exec(`
		INSERT INTO audit_log (seq, timestamp, principal_id, action, resource_id, result, reason, ip_address, details_json, tag)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.Seq, entry.Timestamp, entry.PrincipalID, entry.Action, entry.ResourceID,
		entry.Result, entry.Reason, entry.IPAddress, details, entry.Tag)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	l.lastSeq = entry.Seq
	l.lastTag = entry.Tag

	l.notifySubscribers(entry)

	return entry.Seq, nil
}

// LastSeq returns the sequence number of the most recent entry.
func (l *Log) LastSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastSeq
}

// VerifyChain recomputes the chain over [from, to] and compares tags.
// Detects mutation, deletion, and reordering anywhere in the range. Not on
// the request hot path — intended for external audit tooling.
func (l *Log) VerifyChain(from, to uint64) (bool, error) {
	if from < 1 || to < from {
		return false, fmt.Errorf("invalid range [%d, %d]", from, to)
	}

	prevTag := ""
	if from == 1 {
		genesis, err := GenesisTag(l.key, l.name)
		if err != nil {
			return false, err
		}
		prevTag = genesis
	} else {
		err := l.db.QueryRow(`SELECT tag FROM audit_log WHERE seq = ?`, from-1).Scan(&prevTag)
		if err != nil {
			return false, fmt.Errorf("failed to load anchor entry %d: %w", from-1, err)
		}
	}

	rows, err := l.db.Query(`
		SELECT seq, timestamp, principal_id, action, resource_id, result, reason, ip_address, details_json, tag
		FROM audit_log WHERE seq BETWEEN ? AND ? ORDER BY seq ASC
	`, from, to)
	if err != nil {
		return false, fmt.Errorf("failed to query audit range: %w", err)
	}
	defer rows.Close()

	expectedSeq := from
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return false, err
		}
		if entry.Seq != expectedSeq {
			return false, nil // gap: an entry was deleted
		}

		tag, err := NextTag(l.key, prevTag, entry)
		if err != nil {
			return false, err
		}
		if tag != entry.Tag {
			return false, nil
		}

		prevTag = entry.Tag
		expectedSeq++
	}
	if err := rows.Err(); err != nil {
		return false, err
	}

	// Short range means entries at the tail were deleted.
	return expectedSeq == to+1, nil
}

// Entries returns committed entries matching the query, newest first.
func (l *Log) Entries(q Query) ([]Entry, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = constants.AuditDefaultQueryLimit
	}
	if limit > constants.AuditMaxQueryLimit {
		limit = constants.AuditMaxQueryLimit
	}

	var conds []string
	var args []interface{}
	if q.PrincipalID != "" {
		conds = append(conds, "principal_id = ?")
		args = append(args, q.PrincipalID)
	}
	if q.Action != "" {
		conds = append(conds, "action = ?")
		args = append(args, q.Action)
	}

	query := `SELECT seq, timestamp, principal_id, action, resource_id, result, reason, ip_address, details_json, tag FROM audit_log`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY seq DESC LIMIT ?"
	args = append(args, limit)

	rows, err := l.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}

// Subscribe returns a channel that receives new audit entries
func (l *Log) Subscribe() chan Entry {
	ch := make(chan Entry, constants.AuditSSEBufferSize)
	sub := &subscription{ch: ch}
	l.subMu.Lock()
	l.subscribers[ch] = sub
	l.subMu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel
func (l *Log) Unsubscribe(ch chan Entry) {
	l.subMu.Lock()
	if sub, exists := l.subscribers[ch]; exists {
		delete(l.subscribers, ch)
		sub.close()
	}
	l.subMu.Unlock()
}

// notifySubscribers sends entry to all subscribers (non-blocking)
func (l *Log) notifySubscribers(entry Entry) {
	l.subMu.RLock()
	defer l.subMu.RUnlock()

	for _, sub := range l.subscribers {
		sub.trySend(entry)
	}
}

func scanEntry(rows *sql.Rows) (*Entry, error) {
	var e Entry
	var resourceID, ipAddress sql.NullString
	var details sql.NullString
	if err := rows.Scan(&e.Seq, &e.Timestamp, &e.PrincipalID, &e.Action, &resourceID,
		&e.Result, &e.Reason, &ipAddress, &details, &e.Tag); err != nil {
		return nil, fmt.Errorf("failed to scan audit entry: %w", err)
	}
	e.ResourceID = resourceID.String
	e.IPAddress = ipAddress.String
	e.DetailsJSON = details.String
	return &e, nil
}
