package workers

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meterable/meterable/authz"
	"github.com/meterable/meterable/cache"
	"github.com/meterable/meterable/db"
	"github.com/meterable/meterable/services"
)

const appID = "0f8fad5b-d9cb-469f-a165-70867728950e"

var now = time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store    *db.MemoryStore
	cache    *cache.EntityCache
	pipeline *authz.Pipeline
	engine   *WritebackEngine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := db.NewMemoryStore()
	c := cache.NewEntityCache(store, time.Hour)
	metering := services.NewMeteringService(store, nil, "")
	engine := NewWritebackEngine(store, c, metering)
	p := authz.NewPipeline(c, engine)
	p.GracePeriod = 15 * 24 * time.Hour
	p.Clock = func() time.Time { return now }
	return &fixture{store: store, cache: c, pipeline: p, engine: engine}
}

func (f *fixture) seed(t *testing.T, name string, v interface{}) {
	t.Helper()
	seedJSON(t, f.store, name, v)
}

func seedJSON(t *testing.T, store db.DocumentStore, name string, v interface{}) {
	t.Helper()
	body, err := json.Marshal(v)
	require.NoError(t, err)
	_, err = store.Put(context.Background(), name, body, 0)
	require.NoError(t, err)
}

// run executes one request through pipeline and writeback, waiting for the
// writeback to complete via the cooperative drain handle.
func (f *fixture) run(t *testing.T, req authz.Request, caps authz.Capability) (*authz.DecisionContext, error) {
	t.Helper()
	dc, err := f.pipeline.Run(context.Background(), req, caps)
	f.engine.Enqueue(dc)
	f.engine.Drain()
	return dc, err
}

func loadOrgs(t *testing.T, store db.DocumentStore) []db.Organization {
	t.Helper()
	var orgs []db.Organization
	require.NoError(t, db.GetJSON(context.Background(), store, db.DocOrganizations, &orgs))
	return orgs
}

func TestScenarioA_ClaimPersistsAndSecondRequestIsClean(t *testing.T) {
	f := newFixture(t)
	f.seed(t, db.DocApps, []db.App{{ID: appID, Publisher: "pubco", FreeUntil: now.Add(24 * time.Hour)}})
	f.seed(t, db.DocOrganizations, []db.Organization{{
		ID:         "org-1",
		Tier:       db.TierTeam,
		Publishers: []string{"pubco"},
		Users:      []string{"alice@example.com"},
	}})

	req := authz.Request{AppID: appID, Publisher: "pubco", Email: "alice@example.com"}

	dc, err := f.run(t, req, authz.CapBilling)
	require.NoError(t, err)
	assert.True(t, dc.HasIntent(authz.IntentClaimApp))
	assert.Equal(t, authz.OutcomeAllowed, dc.Verdict.Outcome)

	// Ownership persisted to the apps document.
	var apps []db.App
	require.NoError(t, db.GetJSON(context.Background(), f.store, db.DocApps, &apps))
	require.Len(t, apps, 1)
	require.NotNil(t, apps[0].Owner)
	assert.Equal(t, db.OwnerOrganization, apps[0].Owner.Kind)
	assert.Equal(t, "org-1", apps[0].Owner.ID)

	// Second identical request: organization-owned, allow-listed, no warning,
	// no further claim.
	dc2, err := f.run(t, req, authz.CapBilling)
	require.NoError(t, err)
	assert.Equal(t, authz.OutcomeAllowed, dc2.Verdict.Outcome)
	assert.Empty(t, dc2.Verdict.Code)
	assert.False(t, dc2.HasIntent(authz.IntentClaimApp))
}

func TestScenarioB_UnlimitedTierBypassWritesNothing(t *testing.T) {
	f := newFixture(t)
	f.seed(t, db.DocApps, []db.App{{
		ID: appID, Publisher: "pubco",
		Owner: &db.OwnerRef{Kind: db.OwnerOrganization, ID: "org-1"},
	}})
	f.seed(t, db.DocOrganizations, []db.Organization{{ID: "org-1", Tier: db.TierEnterprise}})

	dc, err := f.run(t, authz.Request{AppID: appID, Publisher: "pubco", Email: "stranger@nowhere.io"}, authz.CapBilling)
	require.NoError(t, err)
	assert.Equal(t, authz.OutcomeAllowed, dc.Verdict.Outcome)

	orgs := loadOrgs(t, f.store)
	assert.Empty(t, orgs[0].Users, "tier bypass must not write allow-list changes")
	assert.Empty(t, orgs[0].UserFirstSeen)
}

func TestScenarioC_DenyUnknownDomainsRecordsExactlyOnce(t *testing.T) {
	f := newFixture(t)
	f.seed(t, db.DocApps, []db.App{{
		ID: appID, Publisher: "pubco",
		Owner: &db.OwnerRef{Kind: db.OwnerOrganization, ID: "org-1"},
	}})
	f.seed(t, db.DocOrganizations, []db.Organization{{
		ID: "org-1", Tier: db.TierTeam, DenyUnknownDomains: true,
	}})

	req := authz.Request{AppID: appID, Publisher: "pubco", Email: "eve@unknown.io"}

	for i := 0; i < 3; i++ {
		dc, err := f.run(t, req, authz.CapBilling)
		require.NoError(t, err)
		assert.Equal(t, authz.OutcomeDenied, dc.Verdict.Outcome)
		assert.Equal(t, authz.CodeNotAuthorized, dc.Verdict.Code)
	}

	orgs := loadOrgs(t, f.store)
	assert.Equal(t, []string{"eve@unknown.io"}, orgs[0].DeniedUsers,
		"repeated identical requests must record the denial exactly once")
}

func TestScenarioD_AmbiguousClaimRaisesSignalOnly(t *testing.T) {
	f := newFixture(t)
	f.seed(t, db.DocApps, []db.App{{ID: appID, Publisher: "pubco", FreeUntil: now.Add(24 * time.Hour)}})
	f.seed(t, db.DocOrganizations, []db.Organization{
		{ID: "org-1", Tier: db.TierTeam, Publishers: []string{"pubco"}, Domains: []string{"example.com"}},
		{ID: "org-2", Tier: db.TierTeam, Publishers: []string{"pubco"}, Domains: []string{"example.com"}},
	})

	dc, err := f.run(t, authz.Request{AppID: appID, Publisher: "pubco", Email: "alice@example.com"}, authz.CapBilling)
	require.NoError(t, err)
	assert.True(t, dc.ClaimConflict)

	var apps []db.App
	require.NoError(t, db.GetJSON(context.Background(), f.store, db.DocApps, &apps))
	assert.Nil(t, apps[0].Owner, "ambiguous claim must leave the app unowned")
}

func TestConcurrentRegistrationConvergesToOneEntry(t *testing.T) {
	store := db.NewMemoryStore()
	c := cache.NewEntityCache(store, time.Hour)
	engine := NewWritebackEngine(store, c, nil)

	app := db.App{ID: appID, Publisher: "pubco", CreatedAt: now, FreeUntil: now.Add(24 * time.Hour)}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			dc := &authz.DecisionContext{Now: now}
			dc.Mark(authz.Intent{Kind: authz.IntentRegisterApp, App: app})
			engine.Enqueue(dc)
		}()
	}
	wg.Wait()
	engine.Drain()

	var apps []db.App
	require.NoError(t, db.GetJSON(context.Background(), store, db.DocApps, &apps))
	assert.Len(t, apps, 1, "duplicate registrations must merge, not duplicate")
}

func TestUsageLogging_RegatedAtWriteback(t *testing.T) {
	f := newFixture(t)
	f.seed(t, db.DocApps, []db.App{{
		ID: appID, Publisher: "pubco", Name: "My App",
		Owner: &db.OwnerRef{Kind: db.OwnerOrganization, ID: "org-1"},
	}})
	f.seed(t, db.DocOrganizations, []db.Organization{{
		ID: "org-1", Tier: db.TierTeam,
		Users:       []string{"alice@example.com"},
		DeniedUsers: []string{"mallory@example.com"},
	}})

	t.Run("allowed caller is logged and metered", func(t *testing.T) {
		_, err := f.run(t, authz.Request{AppID: appID, Publisher: "pubco", Email: "alice@example.com"},
			authz.CapBilling|authz.CapLogUsage)
		require.NoError(t, err)

		var entries []db.AccessLogEntry
		require.NoError(t, db.GetJSON(context.Background(), f.store, db.UsageLogDoc("org-1"), &entries))
		require.Len(t, entries, 1)
		assert.Equal(t, "alice@example.com", entries[0].Email)
		assert.Equal(t, "My App", entries[0].AppName)

		var month db.BillingMonth
		require.NoError(t, db.GetJSON(context.Background(), f.store, db.BillingDoc(db.BillingPeriod(now)), &month))
		assert.Len(t, month.Apps, 1)
		assert.Contains(t, month.Users, "alice@example.com")
		assert.EqualValues(t, 1, month.Users["alice@example.com"].Count)
	})

	t.Run("denied caller logs no usage", func(t *testing.T) {
		// The handler requests usage logging but not enforcement; the
		// denial must still suppress the usage append.
		dc, err := f.run(t, authz.Request{AppID: appID, Publisher: "pubco", Email: "mallory@example.com"},
			authz.CapBilling|authz.CapLogUsage)
		require.NoError(t, err)
		assert.True(t, dc.Verdict.Denied())

		var entries []db.AccessLogEntry
		require.NoError(t, db.GetJSON(context.Background(), f.store, db.UsageLogDoc("org-1"), &entries))
		assert.Len(t, entries, 1, "denied caller must not add usage entries")
	})
}

func TestUnknownAccessLog_NoDeduplication(t *testing.T) {
	f := newFixture(t)
	f.seed(t, db.DocApps, []db.App{{
		ID: appID, Publisher: "pubco",
		Owner: &db.OwnerRef{Kind: db.OwnerOrganization, ID: "org-1"},
	}})
	f.seed(t, db.DocOrganizations, []db.Organization{{ID: "org-1", Tier: db.TierTeam}})

	const n = 4
	for i := 0; i < n; i++ {
		_, err := f.run(t, authz.Request{AppID: appID, Publisher: "pubco", Email: "unknown@startup.dev"}, authz.CapBilling)
		require.NoError(t, err)
	}

	var entries []db.AccessLogEntry
	require.NoError(t, db.GetJSON(context.Background(), f.store, db.UnknownAccessDoc("org-1"), &entries))
	assert.Len(t, entries, n, "every unknown access is logged, no deduplication")
}

func TestRecordFault_AppendsToFaultLog(t *testing.T) {
	store := db.NewMemoryStore()
	engine := NewWritebackEngine(store, cache.NewEntityCache(store, time.Hour), nil)

	engine.RecordFault("bind", "storage unavailable")
	engine.Drain()

	var entries []db.FaultEntry
	require.NoError(t, db.GetJSON(context.Background(), store, db.DocFaults, &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "bind", entries[0].Stage)
}

func TestMetering_FirstSightingPerPeriodIsIdempotent(t *testing.T) {
	store := db.NewMemoryStore()
	metering := services.NewMeteringService(store, nil, "")
	ctx := context.Background()
	app := db.App{ID: appID, Publisher: "pubco"}

	for i := 0; i < 3; i++ {
		require.NoError(t, metering.RecordUsage(ctx, "org-1", app, "alice@example.com", now))
	}

	var month db.BillingMonth
	require.NoError(t, db.GetJSON(ctx, store, db.BillingDoc("2026-08"), &month))
	require.Len(t, month.Apps, 1)
	for _, counter := range month.Apps {
		assert.True(t, counter.FirstSeen.Equal(now), "first-seen must not move")
		assert.EqualValues(t, 3, counter.Count)
	}
}
