package workers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/meterable/meterable/authz"
	"github.com/meterable/meterable/cache"
	"github.com/meterable/meterable/db"
	"github.com/meterable/meterable/internal/obs"
	"github.com/meterable/meterable/normalize"
	"github.com/meterable/meterable/services"
)

// WritebackEngine applies the deferred intents accumulated in a decision
// context after the response is finalized. Every intent maps to one
// optimistic-concurrency document update; individual failures are logged and
// dropped, never surfaced to a request.
type WritebackEngine struct {
	Store    db.DocumentStore
	Cache    *cache.EntityCache
	Metering *services.MeteringService // optional

	wg sync.WaitGroup
}

// NewWritebackEngine creates a new WritebackEngine
func NewWritebackEngine(store db.DocumentStore, c *cache.EntityCache, metering *services.MeteringService) *WritebackEngine {
	return &WritebackEngine{Store: store, Cache: c, Metering: metering}
}

// Ensure the engine can serve as the pipeline's fault sink
var _ authz.FaultSink = (*WritebackEngine)(nil)

// Enqueue schedules asynchronous application of the context's intents. The
// caller's response path never waits on it.
func (e *WritebackEngine) Enqueue(dc *authz.DecisionContext) {
	if dc == nil || len(dc.Intents) == 0 {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.apply(context.Background(), dc)
	}()
}

// Drain blocks until every queued writeback has finished. Tests and shutdown
// use this instead of sleeping.
func (e *WritebackEngine) Drain() {
	e.wg.Wait()
}

// RecordFault appends an infrastructure fault to the fault log, best-effort.
func (e *WritebackEngine) RecordFault(stage, message string) {
	at := time.Now()
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		err := db.Update(context.Background(), e.Store, db.DocFaults, func(current []byte) ([]byte, error) {
			var entries []db.FaultEntry
			if current != nil {
				if err := json.Unmarshal(current, &entries); err != nil {
					// A corrupt fault log must not lose new faults.
					entries = nil
				}
			}
			entries = append(entries, db.FaultEntry{Stage: stage, Message: message, At: at})
			return json.Marshal(entries)
		})
		if err != nil {
			log.Printf("writeback: fault log append failed: %v", err)
		}
	}()
}

// apply runs the intents in decision order, each individually caught.
func (e *WritebackEngine) apply(ctx context.Context, dc *authz.DecisionContext) {
	for _, intent := range dc.Intents {
		var err error
		switch intent.Kind {
		case authz.IntentRegisterApp:
			err = e.registerApp(ctx, intent.App)
		case authz.IntentClaimApp, authz.IntentForceUnowned:
			err = e.storeApp(ctx, intent.App)
		case authz.IntentPromoteUser:
			err = e.promoteUser(ctx, intent.OrgID, intent.Email)
		case authz.IntentAddDenied:
			err = e.addDenied(ctx, intent.OrgID, intent.Email)
		case authz.IntentRecordFirstSeen:
			err = e.recordFirstSeen(ctx, intent.OrgID, intent.Email, intent.At)
		case authz.IntentLogUnknownAccess:
			err = e.appendAccessLog(ctx, db.UnknownAccessDoc(intent.OrgID), dc, intent)
		case authz.IntentLogUsage:
			err = e.logUsage(ctx, dc, intent)
		default:
			err = fmt.Errorf("unknown intent kind %q", intent.Kind)
		}
		if err != nil {
			obs.WritebackRetries.Inc()
			log.Printf("writeback: %s failed: %v", intent.Kind, err)
		}
	}
}

// ============================================================================
// App document updates
// ============================================================================

// registerApp inserts a new unowned app; a concurrent registration of the
// same (id, publisher) key wins and this write becomes a no-op.
func (e *WritebackEngine) registerApp(ctx context.Context, app db.App) error {
	err := db.Update(ctx, e.Store, db.DocApps, func(current []byte) ([]byte, error) {
		apps, err := decodeApps(current)
		if err != nil {
			return nil, err
		}
		if findApp(apps, app.ID, app.Publisher) >= 0 {
			return nil, db.ErrNoChange
		}
		return json.Marshal(append(apps, app))
	})
	if err != nil {
		return err
	}
	e.Cache.PatchApp(app)
	return nil
}

// storeApp replaces (or inserts) the app entry with the decided snapshot.
// Used for claims and stale-reference healing.
func (e *WritebackEngine) storeApp(ctx context.Context, app db.App) error {
	err := db.Update(ctx, e.Store, db.DocApps, func(current []byte) ([]byte, error) {
		apps, err := decodeApps(current)
		if err != nil {
			return nil, err
		}
		if i := findApp(apps, app.ID, app.Publisher); i >= 0 {
			apps[i] = app
		} else {
			apps = append(apps, app)
		}
		return json.Marshal(apps)
	})
	if err != nil {
		return err
	}
	e.Cache.PatchApp(app)
	return nil
}

func decodeApps(current []byte) ([]db.App, error) {
	var apps []db.App
	if current != nil {
		if err := json.Unmarshal(current, &apps); err != nil {
			return nil, fmt.Errorf("decode apps: %w", err)
		}
	}
	return apps, nil
}

func findApp(apps []db.App, id, publisher string) int {
	for i := range apps {
		if normalize.Equal(apps[i].ID, id) && normalize.Equal(apps[i].Publisher, publisher) {
			return i
		}
	}
	return -1
}

// ============================================================================
// Organization document updates
// ============================================================================

// mutateOrg applies a pure transform to one organization inside the
// organizations document and patches the cache snapshot on success. The
// transform returns false to signal no change.
func (e *WritebackEngine) mutateOrg(ctx context.Context, orgID string, mutate func(*db.Organization) bool) error {
	var updated *db.Organization
	err := db.Update(ctx, e.Store, db.DocOrganizations, func(current []byte) ([]byte, error) {
		var orgs []db.Organization
		if current != nil {
			if err := json.Unmarshal(current, &orgs); err != nil {
				return nil, fmt.Errorf("decode organizations: %w", err)
			}
		}
		updated = nil
		for i := range orgs {
			if !normalize.Equal(orgs[i].ID, orgID) {
				continue
			}
			if !mutate(&orgs[i]) {
				return nil, db.ErrNoChange
			}
			updated = &orgs[i]
			return json.Marshal(orgs)
		}
		// Organization vanished between decision and writeback; nothing to do.
		return nil, db.ErrNoChange
	})
	if err != nil {
		return err
	}
	if updated != nil {
		e.Cache.PatchOrg(*updated)
	}
	return nil
}

// promoteUser enrolls a domain-matched caller into the explicit allow list.
func (e *WritebackEngine) promoteUser(ctx context.Context, orgID, email string) error {
	caller := normalize.Email(email)
	return e.mutateOrg(ctx, orgID, func(org *db.Organization) bool {
		if containsNormalized(org.Users, caller) {
			return false
		}
		org.Users = append(org.Users, caller)
		return true
	})
}

// addDenied records a permanently denied caller exactly once.
func (e *WritebackEngine) addDenied(ctx context.Context, orgID, email string) error {
	caller := normalize.Email(email)
	return e.mutateOrg(ctx, orgID, func(org *db.Organization) bool {
		if containsNormalized(org.DeniedUsers, caller) {
			return false
		}
		org.DeniedUsers = append(org.DeniedUsers, caller)
		return true
	})
}

// recordFirstSeen starts the grace clock for an unknown caller. First writer
// wins; a clock that already exists is never overwritten.
func (e *WritebackEngine) recordFirstSeen(ctx context.Context, orgID, email string, at time.Time) error {
	caller := normalize.Email(email)
	return e.mutateOrg(ctx, orgID, func(org *db.Organization) bool {
		for k := range org.UserFirstSeen {
			if normalize.Email(k) == caller {
				return false
			}
		}
		if org.UserFirstSeen == nil {
			org.UserFirstSeen = make(map[string]int64)
		}
		org.UserFirstSeen[caller] = at.UnixMilli()
		return true
	})
}

func containsNormalized(list []string, needle string) bool {
	for _, item := range list {
		if normalize.Email(item) == needle {
			return true
		}
	}
	return false
}

// ============================================================================
// Log appends and usage metering
// ============================================================================

// appendAccessLog appends one entry to a per-organization log document.
// Appends are never deduplicated; ordering is append time.
func (e *WritebackEngine) appendAccessLog(ctx context.Context, docName string, dc *authz.DecisionContext, intent authz.Intent) error {
	entry := db.AccessLogEntry{
		Email: normalize.Email(intent.Email),
		At:    intent.At,
	}
	if dc.App != nil {
		entry.AppID = dc.App.ID
		entry.Publisher = dc.App.Publisher
		if dc.Org == nil || !dc.Org.DoNotStoreAppNames {
			entry.AppName = dc.App.Name
		}
	}
	return db.Update(ctx, e.Store, docName, func(current []byte) ([]byte, error) {
		var entries []db.AccessLogEntry
		if current != nil {
			if err := json.Unmarshal(current, &entries); err != nil {
				return nil, fmt.Errorf("decode %s: %w", docName, err)
			}
		}
		entries = append(entries, entry)
		return json.Marshal(entries)
	})
}

// logUsage appends usage activity and feeds the billing counters. It is
// re-gated here: an explicit denial, or a caller independently found on the
// organization's deny list, logs nothing — this guards handlers that request
// usage logging without requesting enforcement.
func (e *WritebackEngine) logUsage(ctx context.Context, dc *authz.DecisionContext, intent authz.Intent) error {
	if dc.Verdict.Denied() {
		return nil
	}

	// Re-check the deny list against the current document, not the cached
	// decision-time snapshot.
	org, err := e.loadOrg(ctx, intent.OrgID)
	if err != nil {
		return err
	}
	if org == nil {
		return nil
	}
	caller := normalize.Email(intent.Email)
	if caller != "" && containsNormalized(org.DeniedUsers, caller) && !containsNormalized(org.Users, caller) {
		return nil
	}

	if err := e.appendAccessLog(ctx, db.UsageLogDoc(intent.OrgID), dc, intent); err != nil {
		return err
	}

	if intent.Billable && org.Tier.Metered() && e.Metering != nil {
		return e.Metering.RecordUsage(ctx, org.ID, intent.App, caller, intent.At)
	}
	return nil
}

// loadOrg reads one organization straight from the document store.
func (e *WritebackEngine) loadOrg(ctx context.Context, orgID string) (*db.Organization, error) {
	var orgs []db.Organization
	if err := db.GetJSON(ctx, e.Store, db.DocOrganizations, &orgs); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	for i := range orgs {
		if normalize.Equal(orgs[i].ID, orgID) {
			return &orgs[i], nil
		}
	}
	return nil, nil
}
