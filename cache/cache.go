// Package cache holds the read-through entity cache that backs every
// authorization decision. Each entity kind is loaded wholesale from its
// document, kept for a TTL, and refreshed by at most one in-flight load no
// matter how many requests hit the expiry at once.
package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/meterable/meterable/db"
	"github.com/meterable/meterable/internal/obs"
	"github.com/meterable/meterable/normalize"
)

// Kind identifies one of the five cached collections.
type Kind string

const (
	KindApps    Kind = "apps"
	KindUsers   Kind = "users"
	KindOrgs    Kind = "organizations"
	KindBlocked Kind = "blocked"
	KindDunning Kind = "dunning"
)

// DefaultTTL is how long a loaded snapshot is served before a reload.
const DefaultTTL = 15 * time.Minute

type slot struct {
	value    interface{}
	loadedAt time.Time
}

// EntityCache is the shared read-through cache. Safe for concurrent use.
type EntityCache struct {
	store db.DocumentStore
	ttl   time.Duration

	// Clock is overridable by tests to drive TTL expiry.
	Clock func() time.Time

	group singleflight.Group

	mu    sync.Mutex
	slots map[Kind]*slot
}

// NewEntityCache creates a cache over the given store. ttl <= 0 uses
// DefaultTTL.
func NewEntityCache(store db.DocumentStore, ttl time.Duration) *EntityCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &EntityCache{
		store: store,
		ttl:   ttl,
		Clock: time.Now,
		slots: make(map[Kind]*slot),
	}
	return c
}

// fresh returns the slot value if present and within TTL.
func (c *EntityCache) fresh(kind Kind) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.slots[kind]
	if !ok || c.Clock().Sub(s.loadedAt) >= c.ttl {
		return nil, false
	}
	return s.value, true
}

// get serves the cached snapshot or joins the single in-flight load for the
// kind. A failed load leaves the prior snapshot (possibly none) in place and
// surfaces the error to every waiter.
func (c *EntityCache) get(ctx context.Context, kind Kind, load func(context.Context) (interface{}, error)) (interface{}, error) {
	if v, ok := c.fresh(kind); ok {
		return v, nil
	}

	v, err, _ := c.group.Do(string(kind), func() (interface{}, error) {
		// A load that finished while we queued may have refreshed the slot.
		if v, ok := c.fresh(kind); ok {
			return v, nil
		}
		v, err := load(ctx)
		if err != nil {
			obs.CacheRefreshes.WithLabelValues(string(kind), "error").Inc()
			return nil, err
		}
		obs.CacheRefreshes.WithLabelValues(string(kind), "ok").Inc()
		c.mu.Lock()
		c.slots[kind] = &slot{value: v, loadedAt: c.Clock()}
		c.mu.Unlock()
		return v, nil
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

// Invalidate drops one kind's snapshot; the next read reloads it.
func (c *EntityCache) Invalidate(kind Kind) {
	c.mu.Lock()
	delete(c.slots, kind)
	c.mu.Unlock()
}

// InvalidateAll drops every snapshot.
func (c *EntityCache) InvalidateAll() {
	c.mu.Lock()
	c.slots = make(map[Kind]*slot)
	c.mu.Unlock()
}

// ============================================================================
// Typed accessors
// ============================================================================

// Apps returns the full app collection.
func (c *EntityCache) Apps(ctx context.Context) ([]db.App, error) {
	v, err := c.get(ctx, KindApps, func(ctx context.Context) (interface{}, error) {
		var apps []db.App
		if err := db.GetJSON(ctx, c.store, db.DocApps, &apps); err != nil && !errors.Is(err, db.ErrNotFound) {
			return nil, err
		}
		return apps, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]db.App), nil
}

// Users returns the full user collection.
func (c *EntityCache) Users(ctx context.Context) ([]db.User, error) {
	v, err := c.get(ctx, KindUsers, func(ctx context.Context) (interface{}, error) {
		var users []db.User
		if err := db.GetJSON(ctx, c.store, db.DocUsers, &users); err != nil && !errors.Is(err, db.ErrNotFound) {
			return nil, err
		}
		return users, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]db.User), nil
}

// Orgs returns the full organization collection.
func (c *EntityCache) Orgs(ctx context.Context) ([]db.Organization, error) {
	v, err := c.get(ctx, KindOrgs, func(ctx context.Context) (interface{}, error) {
		var orgs []db.Organization
		if err := db.GetJSON(ctx, c.store, db.DocOrganizations, &orgs); err != nil && !errors.Is(err, db.ErrNotFound) {
			return nil, err
		}
		return orgs, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]db.Organization), nil
}

// Blocked returns the blocked-status map keyed by normalized org id.
func (c *EntityCache) Blocked(ctx context.Context) (map[string]db.BlockedStatus, error) {
	v, err := c.get(ctx, KindBlocked, func(ctx context.Context) (interface{}, error) {
		blocked := make(map[string]db.BlockedStatus)
		if err := db.GetJSON(ctx, c.store, db.DocBlocked, &blocked); err != nil && !errors.Is(err, db.ErrNotFound) {
			return nil, err
		}
		return blocked, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string]db.BlockedStatus), nil
}

// Dunning returns the dunning collection.
func (c *EntityCache) Dunning(ctx context.Context) ([]db.DunningStatus, error) {
	v, err := c.get(ctx, KindDunning, func(ctx context.Context) (interface{}, error) {
		var dunning []db.DunningStatus
		if err := db.GetJSON(ctx, c.store, db.DocDunning, &dunning); err != nil && !errors.Is(err, db.ErrNotFound) {
			return nil, err
		}
		return dunning, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]db.DunningStatus), nil
}

// ============================================================================
// Keyed lookups
// ============================================================================

// AppByKey finds an app by its composite (id, publisher) key. Returns nil
// when no app matches.
func (c *EntityCache) AppByKey(ctx context.Context, id, publisher string) (*db.App, error) {
	apps, err := c.Apps(ctx)
	if err != nil {
		return nil, err
	}
	for i := range apps {
		if normalize.Equal(apps[i].ID, id) && normalize.Equal(apps[i].Publisher, publisher) {
			app := apps[i]
			return &app, nil
		}
	}
	return nil, nil
}

// UserByID finds a user by normalized id; nil when absent.
func (c *EntityCache) UserByID(ctx context.Context, id string) (*db.User, error) {
	users, err := c.Users(ctx)
	if err != nil {
		return nil, err
	}
	for i := range users {
		if normalize.Equal(users[i].ID, id) {
			u := users[i]
			return &u, nil
		}
	}
	return nil, nil
}

// OrgByID finds an organization by normalized id; nil when absent.
func (c *EntityCache) OrgByID(ctx context.Context, id string) (*db.Organization, error) {
	orgs, err := c.Orgs(ctx)
	if err != nil {
		return nil, err
	}
	for i := range orgs {
		if normalize.Equal(orgs[i].ID, id) {
			org := orgs[i]
			return &org, nil
		}
	}
	return nil, nil
}

// BlockedByOrg returns the block entry for an organization, nil when absent.
func (c *EntityCache) BlockedByOrg(ctx context.Context, orgID string) (*db.BlockedStatus, error) {
	blocked, err := c.Blocked(ctx)
	if err != nil {
		return nil, err
	}
	for id, entry := range blocked {
		if normalize.Equal(id, orgID) {
			e := entry
			return &e, nil
		}
	}
	return nil, nil
}

// DunningByOrg returns the dunning entry for an organization, nil when absent.
func (c *EntityCache) DunningByOrg(ctx context.Context, orgID string) (*db.DunningStatus, error) {
	dunning, err := c.Dunning(ctx)
	if err != nil {
		return nil, err
	}
	for i := range dunning {
		if normalize.Equal(dunning[i].OrgID, orgID) {
			d := dunning[i]
			return &d, nil
		}
	}
	return nil, nil
}

// ============================================================================
// Post-writeback snapshot patches
// ============================================================================
//
// A request that just committed a change must observe it immediately, without
// waiting for the TTL reload. Patches are key-matched against the loaded
// snapshot and are no-ops when the kind is not currently loaded.

// PatchApp replaces (or appends) one app in the loaded snapshot.
func (c *EntityCache) PatchApp(app db.App) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.slots[KindApps]
	if !ok {
		return
	}
	apps := append([]db.App(nil), s.value.([]db.App)...)
	replaced := false
	for i := range apps {
		if normalize.Equal(apps[i].ID, app.ID) && normalize.Equal(apps[i].Publisher, app.Publisher) {
			apps[i] = app
			replaced = true
			break
		}
	}
	if !replaced {
		apps = append(apps, app)
	}
	c.slots[KindApps] = &slot{value: apps, loadedAt: s.loadedAt}
}

// PatchOrg replaces (or appends) one organization in the loaded snapshot.
func (c *EntityCache) PatchOrg(org db.Organization) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.slots[KindOrgs]
	if !ok {
		return
	}
	orgs := append([]db.Organization(nil), s.value.([]db.Organization)...)
	replaced := false
	for i := range orgs {
		if normalize.Equal(orgs[i].ID, org.ID) {
			orgs[i] = org
			replaced = true
			break
		}
	}
	if !replaced {
		orgs = append(orgs, org)
	}
	c.slots[KindOrgs] = &slot{value: orgs, loadedAt: s.loadedAt}
}
