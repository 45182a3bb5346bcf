package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"gatekeep/internal/audit"
	"gatekeep/internal/constants"
)

// handleAuditQuery returns committed audit entries, newest first. Reading the
// audit log is itself an authorized, audited operation.
func (s *Server) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	if actor := s.requireAdmin(w, r, "view"); actor == "" {
		return
	}

	q := audit.Query{
		PrincipalID: r.URL.Query().Get("principal_id"),
		Action:      r.URL.Query().Get("action"),
		Limit:       constants.AuditDefaultQueryLimit,
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > constants.AuditMaxQueryLimit {
			WriteError(w, http.StatusBadRequest,
				fmt.Sprintf("limit must be between 1 and %d", constants.AuditMaxQueryLimit),
				constants.ErrCodeInvalidRange)
			return
		}
		q.Limit = limit
	}

	entries, err := s.app.AuditLog.Entries(q)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "failed to query audit log", constants.ErrCodeAuditLogError)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"entries":  entries,
		"last_seq": s.app.AuditLog.LastSeq(),
	})
}

// handleAuditStream streams committed audit entries over SSE as they land.
func (s *Server) handleAuditStream(w http.ResponseWriter, r *http.Request) {
	if actor := s.requireAdmin(w, r, "view"); actor == "" {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteError(w, http.StatusInternalServerError, "streaming not supported", constants.ErrCodeInternalError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := s.app.AuditLog.Subscribe()
	defer s.app.AuditLog.Unsubscribe(ch)

	for {
		select {
		case <-r.Context().Done():
			return
		case entry, open := <-ch:
			if !open {
				return
			}
			payload, err := json.Marshal(entry)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: audit\ndata: %s\n\n", payload)
			flusher.Flush()
		}
	}
}

type verifyResponse struct {
	Valid    bool   `json:"valid"`
	FromSeq  uint64 `json:"from_seq"`
	ToSeq    uint64 `json:"to_seq"`
	LastSeq  uint64 `json:"last_seq"`
	Verified uint64 `json:"verified"`
}

// handleAuditVerify recomputes the tag chain over a sequence range and
// reports whether it matches the stored tags.
func (s *Server) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	if actor := s.requireAdmin(w, r, "view"); actor == "" {
		return
	}

	last := s.app.AuditLog.LastSeq()
	from, to := uint64(1), last

	var err error
	if raw := r.URL.Query().Get("from"); raw != "" {
		if from, err = strconv.ParseUint(raw, 10, 64); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid from parameter", constants.ErrCodeInvalidRange)
			return
		}
	}
	if raw := r.URL.Query().Get("to"); raw != "" {
		if to, err = strconv.ParseUint(raw, 10, 64); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid to parameter", constants.ErrCodeInvalidRange)
			return
		}
	}
	if from < 1 || to < from || to > last {
		WriteError(w, http.StatusBadRequest, "invalid sequence range", constants.ErrCodeInvalidRange)
		return
	}

	valid, err := s.app.AuditLog.VerifyChain(from, to)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "chain verification failed", constants.ErrCodeAuditLogError)
		return
	}

	resp := verifyResponse{Valid: valid, FromSeq: from, ToSeq: to, LastSeq: last}
	if valid {
		resp.Verified = to - from + 1
	}

	status := http.StatusOK
	if !valid {
		s.app.Logger.Error("Audit chain verification FAILED for range [%d, %d]", from, to)
		status = http.StatusConflict
	}
	WriteJSON(w, status, resp)
}
