package db

import "time"

// ===========================
// LICENSE MODELS
// ===========================

// OwnerKind discriminates the two ownership classes an app can carry.
type OwnerKind string

const (
	OwnerUser         OwnerKind = "user"
	OwnerOrganization OwnerKind = "organization"
)

// OwnerRef points at the user or organization that owns an app.
type OwnerRef struct {
	Kind OwnerKind `json:"kind"`
	ID   string    `json:"id"`
}

// App represents a registered application. Apps with no owner reference and
// Sponsored=false are "unowned" and run on the registration grace period;
// FreeUntil is only meaningful in that state.
type App struct {
	ID        string    `json:"id"` // canonical lowercase UUID
	Publisher string    `json:"publisher"`
	Name      string    `json:"name,omitempty"`
	Owner     *OwnerRef `json:"owner,omitempty"`
	Sponsored bool      `json:"sponsored,omitempty"` // bypasses all checks

	// Git email recorded when a user registered the app; part of the
	// authorized set for personally-owned apps.
	OwnerGitEmail string `json:"owner_git_email,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	FreeUntil time.Time `json:"free_until,omitempty"`
}

// Unowned reports whether the app is subject to the grace-period rules.
func (a *App) Unowned() bool {
	return !a.Sponsored && a.Owner == nil
}

// User is an account-service record; this subsystem never mutates it.
type User struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	GitEmail string `json:"git_email,omitempty"`
	OrgID    string `json:"organization_id,omitempty"`
}

// Tier is an organization's subscription tier.
type Tier string

const (
	TierTrial      Tier = "trial"
	TierTeam       Tier = "team"
	TierBusiness   Tier = "business"
	TierEnterprise Tier = "enterprise" // unlimited: skips all user checks
)

// Unlimited reports whether the tier bypasses per-user authorization.
func (t Tier) Unlimited() bool {
	return t == TierEnterprise
}

// Metered reports whether usage on this tier feeds the billing counters.
func (t Tier) Metered() bool {
	return t == TierTeam || t == TierBusiness
}

// Organization is the access-policy document for a tenant.
type Organization struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Tier Tier   `json:"tier"`

	Users          []string `json:"users,omitempty"`           // explicit allow list
	DeniedUsers    []string `json:"denied_users,omitempty"`    // explicit deny list; allow wins on conflict
	Domains        []string `json:"domains,omitempty"`         // auto-allow + enroll into Users on first use
	PendingDomains []string `json:"pending_domains,omitempty"` // auto-allow, never enrolled

	DenyUnknownDomains bool `json:"deny_unknown_domains,omitempty"`

	// Grace-period clock per unknown user: normalized email -> epoch ms.
	UserFirstSeen map[string]int64 `json:"user_first_seen,omitempty"`

	Publishers         []string `json:"publishers,omitempty"` // claim-eligibility key
	DoNotStoreAppNames bool     `json:"do_not_store_app_names,omitempty"`
}

// BlockReason enumerates why an organization is hard-blocked.
type BlockReason string

const (
	BlockTrialExpired    BlockReason = "trial_expired"
	BlockPaymentFailed   BlockReason = "payment_failed"
	BlockContractEnded   BlockReason = "contract_ended"
	BlockPolicyViolation BlockReason = "policy_violation"
)

// BlockedStatus is an unconditional deny for an organization; its presence
// overrides every other permission rule.
type BlockedStatus struct {
	OrgID     string      `json:"org_id"`
	Reason    BlockReason `json:"reason"`
	BlockedAt time.Time   `json:"blocked_at"`
}

// DunningStatus is a purely advisory payment-warning stage; it never blocks.
type DunningStatus struct {
	OrgID        string    `json:"org_id"`
	Stage        int       `json:"stage"` // 1..3
	StartedAt    time.Time `json:"started_at"`
	LastNoticeAt time.Time `json:"last_notice_at,omitempty"`
}

// ===========================
// LOG & BILLING MODELS
// ===========================

// AccessLogEntry is one line in a per-organization append-only log. Repeated
// unknown accesses are appended on every occurrence, no deduplication.
type AccessLogEntry struct {
	Email     string    `json:"email"`
	AppID     string    `json:"app_id"`
	AppName   string    `json:"app_name,omitempty"`
	Publisher string    `json:"publisher,omitempty"`
	At        time.Time `json:"at"`
}

// FaultEntry records an infrastructure fault swallowed by the fail-open
// policy. Best-effort: writing it must never affect the request.
type FaultEntry struct {
	Stage   string    `json:"stage"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// BillingCounter tracks first-seen and use count for one app or user within
// a billing period.
type BillingCounter struct {
	FirstSeen time.Time `json:"first_seen"`
	Count     int64     `json:"count"`
}

// BillingMonth is the monthly billing document, keyed by "YYYY-MM" (UTC).
type BillingMonth struct {
	Period string                     `json:"period"`
	Apps   map[string]*BillingCounter `json:"apps,omitempty"`  // app key -> counter
	Users  map[string]*BillingCounter `json:"users,omitempty"` // email -> counter
}
