package authz

import (
	"fmt"
	"time"

	"gatekeep/internal/constants"
	"gatekeep/internal/logger"
)

// Evaluator evaluates authorization decisions. Deny by default: a principal
// is allowed only through a live grant whose rights cover the action.
type Evaluator struct {
	logger *logger.Logger
	now    func() time.Time
}

// NewEvaluator creates an authorization evaluator.
func NewEvaluator(log *logger.Logger) *Evaluator {
	return &Evaluator{logger: log, now: time.Now}
}

// Authorize decides whether principalID may perform action on resourceID
// given the supplied grants. Ownership is checked before delegation: an
// unexpired owner grant always wins, since owner rights cannot be delegated
// away. Each delegate grant is evaluated independently; an expired grant
// never grants access.
func (e *Evaluator) Authorize(principalID, resourceID, action string, grants []Grant) *Result {
	now := e.now().Unix()

	// Pass 1: ownership. Owner implies all rights.
	for i := range grants {
		g := &grants[i]
		if !e.applicable(g, principalID, resourceID, now) {
			continue
		}
		if g.HasRight(constants.RightOwner) {
			e.logger.Debug("Authz allowed: principal=%s resource=%s action=%s grant=%s (owner)",
				principalID, resourceID, action, g.GrantID)
			return &Result{Allowed: true, Reason: constants.ReasonAuthorized, MatchedGrant: g}
		}
	}

	// Pass 2: delegation. Delegate grants are action-scoped.
	for i := range grants {
		g := &grants[i]
		if !e.applicable(g, principalID, resourceID, now) {
			continue
		}
		if covers(g, action) {
			e.logger.Debug("Authz allowed: principal=%s resource=%s action=%s grant=%s (delegate)",
				principalID, resourceID, action, g.GrantID)
			return &Result{Allowed: true, Reason: constants.ReasonAuthorized, MatchedGrant: g}
		}
	}

	e.logger.Debug("Authz denied: principal=%s resource=%s action=%s (%d grants examined)",
		principalID, resourceID, action, len(grants))
	return &Result{
		Allowed: false,
		Reason:  fmt.Sprintf("%s: no grant covers action %q", constants.ReasonForbidden, action),
	}
}

// applicable filters out grants for other principals or resources, inactive
// grants, and expired grants.
func (e *Evaluator) applicable(g *Grant, principalID, resourceID string, now int64) bool {
	if g.PrincipalID != principalID || g.ResourceID != resourceID {
		return false
	}
	if !g.IsActive {
		return false
	}
	if g.ExpiredAt(now) {
		return false
	}
	return true
}

// covers reports whether a delegate grant's rights span the action.
// delegate-write covers both action classes; delegate-read covers only
// read-class actions.
func covers(g *Grant, action string) bool {
	if g.HasRight(constants.RightDelegateWrite) {
		return true
	}
	if g.HasRight(constants.RightDelegateRead) && constants.IsReadAction(action) {
		return true
	}
	return false
}
