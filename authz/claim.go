package authz

import (
	"github.com/meterable/meterable/db"
	"github.com/meterable/meterable/normalize"
)

// MatchKind says how a claimant qualified for a candidate organization.
type MatchKind string

const (
	MatchUser   MatchKind = "user"
	MatchDomain MatchKind = "domain"
)

// ClaimCandidate is one organization eligible to take ownership.
type ClaimCandidate struct {
	Org   db.Organization
	Match MatchKind
}

// ClaimResult reports claim eligibility for an unowned app.
//
// PublisherMatched=false means no organization has the publisher configured
// at all; that is a silent no-op for the caller, never a flagged conflict.
type ClaimResult struct {
	PublisherMatched bool
	Candidates       []ClaimCandidate
}

// EvaluateClaim is a pure function: given a publisher name, a claimant email
// and the full organization collection, it produces the organizations
// eligible to claim the app. At most one candidate per organization; a user
// match takes precedence over a domain match within the same organization.
func EvaluateClaim(publisher, email string, orgs []db.Organization) ClaimResult {
	var res ClaimResult
	pub := normalize.Key(publisher)
	if pub == "" {
		return res
	}
	e := normalize.Email(email)
	domain := normalize.Domain(email)

	for i := range orgs {
		org := orgs[i]
		if !containsKey(org.Publishers, pub) {
			continue
		}
		res.PublisherMatched = true

		switch {
		case e != "" && containsKey(org.Users, e):
			res.Candidates = append(res.Candidates, ClaimCandidate{Org: org, Match: MatchUser})
		case domain != "" && containsKey(org.Domains, domain):
			res.Candidates = append(res.Candidates, ClaimCandidate{Org: org, Match: MatchDomain})
		}
		// Publisher-matched organizations with neither match contribute no
		// candidate but keep PublisherMatched set.
	}
	return res
}

// containsKey reports whether the normalized needle is in the list.
func containsKey(list []string, needle string) bool {
	for _, item := range list {
		if normalize.Key(item) == needle {
			return true
		}
	}
	return false
}

// ApplyClaim assigns the app to the winning organization and resolves the
// stored name: an existing name is preserved, otherwise the requested name is
// adopted, and organizations that suppress name storage get none at all.
func ApplyClaim(app db.App, org db.Organization, requestedName string) db.App {
	app.Owner = &db.OwnerRef{Kind: db.OwnerOrganization, ID: org.ID}
	if org.DoNotStoreAppNames {
		app.Name = ""
	} else if app.Name == "" {
		app.Name = requestedName
	}
	return app
}
