package authz

import (
	"time"

	"github.com/meterable/meterable/db"
	"github.com/meterable/meterable/normalize"
)

// ResolvePermission computes the allow/warn/deny verdict for a fully
// populated decision context and marks the writeback intents the decision
// implies. Dispatch is by the app's ownership class.
func ResolvePermission(dc *DecisionContext, gracePeriod time.Duration) Verdict {
	app := dc.App

	// Nothing bound: nothing to check.
	if app == nil {
		return Allowed()
	}

	if app.Sponsored {
		return Allowed()
	}

	if app.Owner == nil {
		return resolveUnowned(dc)
	}

	switch app.Owner.Kind {
	case db.OwnerUser:
		return resolvePersonal(dc)
	default:
		return resolveOrganization(dc, gracePeriod)
	}
}

// resolveUnowned applies the registration grace period. The boundary counts
// as expired: an app whose FreeUntil equals now is already out of grace.
func resolveUnowned(dc *DecisionContext) Verdict {
	remaining := dc.App.FreeUntil.Sub(dc.Now)
	if remaining <= 0 {
		return Deny(CodeGraceExpired, map[string]interface{}{
			"free_until": dc.App.FreeUntil,
		})
	}
	return Warn(CodeGracePeriod, map[string]interface{}{
		"remaining_ms": remaining.Milliseconds(),
	})
}

// resolvePersonal checks the caller against the authorized-email set of a
// user-owned app: the git email recorded on the app plus the owning user's
// primary and git emails.
func resolvePersonal(dc *DecisionContext) Verdict {
	caller := normalize.Email(dc.Email)
	if caller == "" {
		return Deny(CodeEmailRequired, nil)
	}

	authorized := authorizedEmails(dc)
	for _, e := range authorized {
		if e == caller {
			return Allowed()
		}
	}
	return Deny(CodeNotAuthorized, nil)
}

// authorizedEmails builds the normalized, deduplicated, order-preserving
// email set for a personally-owned app.
func authorizedEmails(dc *DecisionContext) []string {
	raw := []string{dc.App.OwnerGitEmail}
	if dc.User != nil {
		raw = append(raw, dc.User.Email, dc.User.GitEmail)
	}

	seen := make(map[string]struct{}, len(raw))
	var out []string
	for _, r := range raw {
		e := normalize.Email(r)
		if e == "" {
			continue
		}
		if _, dup := seen[e]; dup {
			continue
		}
		seen[e] = struct{}{}
		out = append(out, e)
	}
	return out
}

// resolveOrganization walks the layered organization policy: block status,
// tier bypass, explicit allow (which always beats explicit deny), explicit
// deny, domain auto-allow, pending domains, unknown-domain denial, and
// finally the per-user grace period.
func resolveOrganization(dc *DecisionContext, gracePeriod time.Duration) Verdict {
	if dc.Blocked != nil {
		return Deny(BlockCode(dc.Blocked.Reason), map[string]interface{}{
			"reason":  string(dc.Blocked.Reason),
			"blocked": dc.Blocked.BlockedAt,
		})
	}

	org := dc.Org
	if org == nil {
		// Owner reference survived bind without a matching organization;
		// treat like a deny rather than guessing.
		return Deny(CodeNotAuthorized, nil)
	}

	if org.Tier.Unlimited() {
		return Allowed()
	}

	caller := normalize.Email(dc.Email)
	if caller == "" {
		return Deny(CodeEmailRequired, nil)
	}

	// Explicit allow always wins, even when the same user is also on the
	// deny list. Tested invariant; do not reorder.
	if containsKey(org.Users, caller) {
		return Allowed()
	}
	if containsKey(org.DeniedUsers, caller) {
		return Deny(CodeNotAuthorized, nil)
	}

	domain := normalize.Domain(caller)
	if domain != "" && containsKey(org.Domains, domain) {
		// Auto-allowed by domain; enroll into the explicit list on the
		// writeback side.
		dc.Mark(Intent{Kind: IntentPromoteUser, OrgID: org.ID, Email: caller})
		return Allowed()
	}
	if domain != "" && containsKey(org.PendingDomains, domain) {
		// Allowed but never enrolled; each use is logged.
		dc.Mark(Intent{Kind: IntentLogUnknownAccess, OrgID: org.ID, Email: caller})
		return Warn(CodePendingDomain, map[string]interface{}{
			"domain": domain,
		})
	}

	if org.DenyUnknownDomains {
		dc.Mark(Intent{Kind: IntentAddDenied, OrgID: org.ID, Email: caller})
		return Deny(CodeNotAuthorized, nil)
	}

	// Truly unknown caller: run the per-user grace clock. Every occurrence
	// is logged, deliberately without deduplication, to surface abuse.
	seenAt, known := firstSeen(org.UserFirstSeen, caller)
	if !known {
		seenAt = dc.Now
		dc.Mark(Intent{Kind: IntentRecordFirstSeen, OrgID: org.ID, Email: caller, At: seenAt})
	}
	dc.Mark(Intent{Kind: IntentLogUnknownAccess, OrgID: org.ID, Email: caller})

	remaining := gracePeriod - dc.Now.Sub(seenAt)
	if remaining <= 0 {
		return Deny(CodeOrgGraceExpired, map[string]interface{}{
			"first_seen": seenAt,
		})
	}
	return Warn(CodeOrgGracePeriod, map[string]interface{}{
		"remaining_ms": remaining.Milliseconds(),
	})
}

// firstSeen looks up the grace clock for a normalized email.
func firstSeen(clock map[string]int64, email string) (time.Time, bool) {
	for k, ms := range clock {
		if normalize.Email(k) == email {
			return time.UnixMilli(ms), true
		}
	}
	return time.Time{}, false
}
