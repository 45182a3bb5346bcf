package authz

import (
	"testing"
	"time"

	"gatekeep/internal/constants"
	"gatekeep/internal/logger"
)

func newTestEvaluator(at int64) *Evaluator {
	e := NewEvaluator(logger.New("ERROR"))
	e.now = func() time.Time { return time.Unix(at, 0) }
	return e
}

func grant(principal, resource string, rights []string, expiresAt *int64, active bool) Grant {
	return Grant{
		GrantID:     "g-" + principal + "-" + resource,
		PrincipalID: principal,
		ResourceID:  resource,
		Rights:      rights,
		ExpiresAt:   expiresAt,
		IsActive:    active,
	}
}

func int64p(v int64) *int64 { return &v }

func TestAuthorize(t *testing.T) {
	const now = int64(1_700_000_000)

	tests := []struct {
		name      string
		principal string
		resource  string
		action    string
		grants    []Grant
		want      bool
	}{
		{
			name:      "no grants denies",
			principal: "alice",
			resource:  "doc-1",
			action:    "read",
			grants:    nil,
			want:      false,
		},
		{
			name:      "owner allows any action",
			principal: "alice",
			resource:  "doc-1",
			action:    "delete",
			grants:    []Grant{grant("alice", "doc-1", []string{constants.RightOwner}, nil, true)},
			want:      true,
		},
		{
			name:      "delegate-read allows read",
			principal: "bob",
			resource:  "doc-1",
			action:    "read",
			grants:    []Grant{grant("bob", "doc-1", []string{constants.RightDelegateRead}, nil, true)},
			want:      true,
		},
		{
			name:      "delegate-read denies write",
			principal: "bob",
			resource:  "doc-1",
			action:    "write",
			grants:    []Grant{grant("bob", "doc-1", []string{constants.RightDelegateRead}, nil, true)},
			want:      false,
		},
		{
			name:      "delegate-write allows write",
			principal: "bob",
			resource:  "doc-1",
			action:    "write",
			grants:    []Grant{grant("bob", "doc-1", []string{constants.RightDelegateWrite}, nil, true)},
			want:      true,
		},
		{
			name:      "delegate-write allows read",
			principal: "bob",
			resource:  "doc-1",
			action:    "list",
			grants:    []Grant{grant("bob", "doc-1", []string{constants.RightDelegateWrite}, nil, true)},
			want:      true,
		},
		{
			name:      "expired grant denies",
			principal: "alice",
			resource:  "doc-1",
			action:    "read",
			grants:    []Grant{grant("alice", "doc-1", []string{constants.RightOwner}, int64p(now-1), true)},
			want:      false,
		},
		{
			name:      "expiry at exact instant denies",
			principal: "alice",
			resource:  "doc-1",
			action:    "read",
			grants:    []Grant{grant("alice", "doc-1", []string{constants.RightOwner}, int64p(now), true)},
			want:      false,
		},
		{
			name:      "unexpired grant allows",
			principal: "alice",
			resource:  "doc-1",
			action:    "read",
			grants:    []Grant{grant("alice", "doc-1", []string{constants.RightOwner}, int64p(now+1), true)},
			want:      true,
		},
		{
			name:      "inactive grant denies",
			principal: "alice",
			resource:  "doc-1",
			action:    "read",
			grants:    []Grant{grant("alice", "doc-1", []string{constants.RightOwner}, nil, false)},
			want:      false,
		},
		{
			name:      "grant for other resource denies",
			principal: "alice",
			resource:  "doc-2",
			action:    "read",
			grants:    []Grant{grant("alice", "doc-1", []string{constants.RightOwner}, nil, true)},
			want:      false,
		},
		{
			name:      "grant for other principal denies",
			principal: "mallory",
			resource:  "doc-1",
			action:    "read",
			grants:    []Grant{grant("alice", "doc-1", []string{constants.RightOwner}, nil, true)},
			want:      false,
		},
		{
			name:      "one live grant among expired suffices",
			principal: "bob",
			resource:  "doc-1",
			action:    "read",
			grants: []Grant{
				grant("bob", "doc-1", []string{constants.RightDelegateRead}, int64p(now-100), true),
				grant("bob", "doc-1", []string{constants.RightDelegateRead}, nil, true),
			},
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEvaluator(now)
			res := e.Authorize(tt.principal, tt.resource, tt.action, tt.grants)
			if res.Allowed != tt.want {
				t.Errorf("Authorize() allowed = %v, want %v (reason=%q)", res.Allowed, tt.want, res.Reason)
			}
			if res.Allowed && res.MatchedGrant == nil {
				t.Error("allowed result missing matched grant")
			}
		})
	}
}

func TestOwnerCheckedBeforeDelegation(t *testing.T) {
	const now = int64(1_700_000_000)
	e := newTestEvaluator(now)

	// Both an owner and a delegate grant apply; the owner grant must win.
	owner := grant("alice", "doc-1", []string{constants.RightOwner}, nil, true)
	owner.GrantID = "owner-grant"
	delegate := grant("alice", "doc-1", []string{constants.RightDelegateWrite}, nil, true)
	delegate.GrantID = "delegate-grant"

	res := e.Authorize("alice", "doc-1", "write", []Grant{delegate, owner})
	if !res.Allowed {
		t.Fatalf("expected allow, got %q", res.Reason)
	}
	if res.MatchedGrant.GrantID != "owner-grant" {
		t.Errorf("expected owner grant to match, got %q", res.MatchedGrant.GrantID)
	}
}

func TestValidRight(t *testing.T) {
	for _, r := range constants.AllRights {
		if !ValidRight(r) {
			t.Errorf("expected %q valid", r)
		}
	}
	if ValidRight("admin") {
		t.Error("expected unknown right invalid")
	}
}
