package authz

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/meterable/meterable/cache"
	"github.com/meterable/meterable/db"
	"github.com/meterable/meterable/internal/obs"
	"github.com/meterable/meterable/normalize"
)

// DefaultGracePeriod is the registration / unknown-user grace window.
const DefaultGracePeriod = 15 * 24 * time.Hour

// FaultSink receives infrastructure faults absorbed by the fail-open policy.
// Recording is best-effort; implementations must never block the request.
type FaultSink interface {
	RecordFault(stage, message string)
}

// Request carries the authorization signals extracted by the transport layer.
type Request struct {
	AppID     string
	Publisher string
	AppName   string // requested display name, used when registering/claiming
	Email     string
}

// Pipeline drives the ordered decision sequence:
// bind -> claim -> block -> dunning -> permission -> enforce.
type Pipeline struct {
	Cache       *cache.EntityCache
	Faults      FaultSink
	GracePeriod time.Duration
	PrivateMode bool

	// Clock is overridable by tests.
	Clock func() time.Time
}

// NewPipeline creates a pipeline over the shared entity cache.
func NewPipeline(c *cache.EntityCache, faults FaultSink) *Pipeline {
	return &Pipeline{
		Cache:       c,
		Faults:      faults,
		GracePeriod: DefaultGracePeriod,
		Clock:       time.Now,
	}
}

// Run executes the pipeline for one request.
//
// The returned error is non-nil only for a deliberate authorization denial
// (*DeniedError) raised by the enforce stage. Any infrastructure fault in
// stages 1-4 discards the whole context: the request proceeds with no
// billing context at all, and the fault is logged best-effort. That
// asymmetry — denials propagate, faults fall through open — is the load-bearing
// property of this function.
func (p *Pipeline) Run(ctx context.Context, req Request, caps Capability) (*DecisionContext, error) {
	dc := &DecisionContext{
		Now:       p.Clock(),
		AppID:     req.AppID,
		Publisher: req.Publisher,
		AppName:   req.AppName,
		Email:     req.Email,
		Verdict:   Allowed(),
	}

	// Private/self-hosted installations have no billing backend; so does a
	// caller that declared it needs no billing data.
	if p.PrivateMode || !caps.Has(CapBilling) {
		return dc, nil
	}

	if stage, err := p.decide(ctx, dc, caps); err != nil {
		obs.Faults.WithLabelValues(stage).Inc()
		log.Printf("authz: %s stage fault, proceeding without billing context: %v", stage, err)
		if p.Faults != nil {
			p.Faults.RecordFault(stage, err.Error())
		}
		// Fail open: equivalent to "no app bound".
		return &DecisionContext{Now: dc.Now, Email: req.Email, Verdict: Allowed()}, nil
	}

	recordVerdict(dc.Verdict)

	if caps.Has(CapLogUsage) || caps.Has(CapLogInvocation) {
		p.markUsage(dc, caps)
	}

	// Enforce. A denial here is a typed outcome, never an infrastructure
	// fault, and is re-raised as-is.
	if caps.Has(CapEnforce) && dc.Verdict.Denied() {
		return dc, &DeniedError{Code: dc.Verdict.Code, Details: dc.Verdict.Details}
	}
	return dc, nil
}

// decide runs stages 1-5 and reports the failing stage name on fault.
func (p *Pipeline) decide(ctx context.Context, dc *DecisionContext, caps Capability) (string, error) {
	if err := p.bind(ctx, dc); err != nil {
		return "bind", err
	}
	if err := p.claim(ctx, dc); err != nil {
		return "claim", err
	}
	if err := p.blockCheck(ctx, dc); err != nil {
		return "block", err
	}
	if err := p.dunningCheck(ctx, dc); err != nil {
		return "dunning", err
	}
	dc.Verdict = ResolvePermission(dc, p.GracePeriod)
	return "", nil
}

// bind resolves the app and its owner. Unknown but well-formed identifiers
// synthesize a new unowned app; malformed ones are silently left unbound.
// Stale owner references self-heal back to unowned.
func (p *Pipeline) bind(ctx context.Context, dc *DecisionContext) error {
	if strings.TrimSpace(dc.AppID) == "" {
		return nil
	}

	app, err := p.Cache.AppByKey(ctx, dc.AppID, dc.Publisher)
	if err != nil {
		return err
	}

	if app == nil {
		if !wellFormedAppID(dc.AppID) {
			return nil
		}
		fresh := db.App{
			ID:        normalize.Key(dc.AppID),
			Publisher: dc.Publisher,
			Name:      dc.AppName,
			CreatedAt: dc.Now,
			FreeUntil: dc.Now.Add(p.GracePeriod),
		}
		dc.App = &fresh
		dc.Mark(Intent{Kind: IntentRegisterApp, App: fresh})
		return nil
	}
	dc.App = app

	if app.Owner == nil {
		return nil
	}

	switch app.Owner.Kind {
	case db.OwnerUser:
		user, err := p.Cache.UserByID(ctx, app.Owner.ID)
		if err != nil {
			return err
		}
		if user == nil {
			p.forceUnowned(dc)
			return nil
		}
		dc.User = user
	case db.OwnerOrganization:
		org, err := p.Cache.OrgByID(ctx, app.Owner.ID)
		if err != nil {
			return err
		}
		if org == nil {
			p.forceUnowned(dc)
			return nil
		}
		dc.Org = org
		dunning, err := p.Cache.DunningByOrg(ctx, org.ID)
		if err != nil {
			return err
		}
		dc.Dunning = dunning
	default:
		p.forceUnowned(dc)
	}
	return nil
}

// forceUnowned clears a stale owner reference and restarts the grace clock
// so the app is not instantly expired by a dangling pointer.
func (p *Pipeline) forceUnowned(dc *DecisionContext) {
	healed := *dc.App
	healed.Owner = nil
	healed.FreeUntil = dc.Now.Add(p.GracePeriod)
	dc.App = &healed
	dc.Mark(Intent{Kind: IntentForceUnowned, App: healed})
}

// claim opportunistically attaches an unowned app to an organization.
func (p *Pipeline) claim(ctx context.Context, dc *DecisionContext) error {
	if dc.App == nil || !dc.App.Unowned() || dc.Publisher == "" || dc.Email == "" {
		return nil
	}

	orgs, err := p.Cache.Orgs(ctx)
	if err != nil {
		return err
	}
	res := EvaluateClaim(dc.Publisher, dc.Email, orgs)
	if !res.PublisherMatched {
		// Unconfigured publisher: silent no-op, not an anomaly.
		return nil
	}

	switch len(res.Candidates) {
	case 0:
		dc.ClaimUnresolved = true
	case 1:
		winner := res.Candidates[0].Org
		claimed := ApplyClaim(*dc.App, winner, dc.AppName)
		dc.App = &claimed
		dc.Org = &winner
		dc.Mark(Intent{Kind: IntentClaimApp, App: claimed, OrgID: winner.ID})
	default:
		dc.ClaimConflict = true
	}
	return nil
}

// blockCheck loads the hard-block entry for organization-owned apps.
func (p *Pipeline) blockCheck(ctx context.Context, dc *DecisionContext) error {
	if dc.Org == nil {
		return nil
	}
	blocked, err := p.Cache.BlockedByOrg(ctx, dc.Org.ID)
	if err != nil {
		return err
	}
	dc.Blocked = blocked
	return nil
}

// dunningCheck loads the advisory dunning entry; it never blocks.
func (p *Pipeline) dunningCheck(ctx context.Context, dc *DecisionContext) error {
	if dc.Org == nil || dc.Dunning != nil {
		return nil
	}
	dunning, err := p.Cache.DunningByOrg(ctx, dc.Org.ID)
	if err != nil {
		return err
	}
	dc.Dunning = dunning
	return nil
}

// markUsage queues the usage-activity append. The writeback engine re-gates
// it against the verdict and the organization's deny list, so handlers that
// log usage without enforcing cannot meter denied callers.
func (p *Pipeline) markUsage(dc *DecisionContext, caps Capability) {
	if dc.Org == nil {
		return
	}
	dc.Mark(Intent{
		Kind:     IntentLogUsage,
		App:      *dc.App,
		OrgID:    dc.Org.ID,
		Email:    normalize.Email(dc.Email),
		Billable: caps.Has(CapLogUsage),
	})
}

// wellFormedAppID accepts only the canonical 8-4-4-4-12 hyphenated hex form,
// case-insensitive, no braces or URN prefix (uuid.Parse alone is laxer).
func wellFormedAppID(id string) bool {
	id = strings.TrimSpace(id)
	if len(id) != 36 {
		return false
	}
	_, err := uuid.Parse(id)
	return err == nil
}

func recordVerdict(v Verdict) {
	outcome := "allowed"
	switch v.Outcome {
	case OutcomeWarning:
		outcome = "warning"
	case OutcomeDenied:
		outcome = "denied"
	}
	obs.Decisions.WithLabelValues(outcome, string(v.Code)).Inc()
}
