package authz

import (
	"time"

	"github.com/meterable/meterable/db"
)

// ============================================================================
// Capabilities
// ============================================================================

// Capability declares what a calling endpoint needs from the decision
// pipeline. The orchestrator only runs the stages whose outputs are needed.
type Capability uint8

const (
	// CapEnforce raises a denial as a client-facing authorization failure.
	CapEnforce Capability = 1 << iota
	// CapLogUsage appends billable usage activity during writeback.
	CapLogUsage
	// CapLogInvocation appends non-billable usage activity during writeback.
	CapLogInvocation
	// CapBilling requests any billing context at all; without it the
	// pipeline is a no-op.
	CapBilling
)

// Has reports whether all flags in want are set.
func (c Capability) Has(want Capability) bool {
	return c&want == want
}

// ============================================================================
// Verdict
// ============================================================================

// Outcome is the three-way result of permission resolution.
type Outcome int

const (
	OutcomeAllowed Outcome = iota
	OutcomeWarning
	OutcomeDenied
)

// Verdict is the permission resolver's decision plus client-facing detail.
type Verdict struct {
	Outcome Outcome
	Code    Code
	Details map[string]interface{}
}

func Allowed() Verdict {
	return Verdict{Outcome: OutcomeAllowed}
}

func Warn(code Code, details map[string]interface{}) Verdict {
	return Verdict{Outcome: OutcomeWarning, Code: code, Details: details}
}

func Deny(code Code, details map[string]interface{}) Verdict {
	return Verdict{Outcome: OutcomeDenied, Code: code, Details: details}
}

// Denied reports whether the verdict is an explicit denial.
func (v Verdict) Denied() bool {
	return v.Outcome == OutcomeDenied
}

// ============================================================================
// Writeback intents
// ============================================================================

// IntentKind enumerates the deferred side effects a decision can accumulate.
type IntentKind string

const (
	IntentRegisterApp      IntentKind = "register_app"
	IntentClaimApp         IntentKind = "claim_app"
	IntentForceUnowned     IntentKind = "force_unowned"
	IntentPromoteUser      IntentKind = "promote_user"
	IntentAddDenied        IntentKind = "add_denied"
	IntentRecordFirstSeen  IntentKind = "record_first_seen"
	IntentLogUnknownAccess IntentKind = "log_unknown_access"
	IntentLogUsage         IntentKind = "log_usage"
)

// Intent is one deferred writeback. App is a value snapshot taken at decision
// time so the writeback transform stays a pure function of its inputs.
type Intent struct {
	Kind  IntentKind
	App   db.App
	OrgID string
	Email string
	At    time.Time

	// Billable distinguishes metered usage (CapLogUsage) from plain
	// invocation logging (CapLogInvocation).
	Billable bool
}

// ============================================================================
// DecisionContext
// ============================================================================

// DecisionContext is the per-request state threaded through the pipeline
// stages and consumed by the writeback engine. It is never persisted.
type DecisionContext struct {
	Now time.Time

	// Request signals
	AppID     string
	Publisher string
	AppName   string
	Email     string

	// Resolved entities
	App     *db.App
	User    *db.User
	Org     *db.Organization
	Blocked *db.BlockedStatus
	Dunning *db.DunningStatus

	// Claim-resolution flags surfaced as response advisories
	ClaimConflict   bool // two or more eligible organizations
	ClaimUnresolved bool // publisher configured but nobody eligible

	Verdict Verdict

	Intents []Intent
}

// Mark appends a deferred writeback intent.
func (dc *DecisionContext) Mark(intent Intent) {
	if intent.At.IsZero() {
		intent.At = dc.Now
	}
	dc.Intents = append(dc.Intents, intent)
}

// HasIntent reports whether an intent of the given kind was marked.
func (dc *DecisionContext) HasIntent(kind IntentKind) bool {
	for _, in := range dc.Intents {
		if in.Kind == kind {
			return true
		}
	}
	return false
}
