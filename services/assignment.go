package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/meterable/meterable/authz"
	"github.com/meterable/meterable/cache"
	"github.com/meterable/meterable/db"
	"github.com/meterable/meterable/normalize"
)

// AssignmentService force-assigns app ownership on behalf of the account
// service. Unlike the opportunistic claim path, assignments are explicit
// administrative writes and require strong consistency afterwards.
type AssignmentService struct {
	Store db.DocumentStore
	Cache *cache.EntityCache
}

// NewAssignmentService creates a new AssignmentService
func NewAssignmentService(store db.DocumentStore, c *cache.EntityCache) *AssignmentService {
	return &AssignmentService{Store: store, Cache: c}
}

// AssignmentInput is the store-assignment request payload.
type AssignmentInput struct {
	Publisher string `json:"publisher" binding:"required"`
	OwnerKind string `json:"owner_kind" binding:"required"`
	OwnerID   string `json:"owner_id" binding:"required"`
	Name      string `json:"name,omitempty"`
}

// StoreAssignment sets (or replaces) the owner of an app, creating the app
// entry when it does not exist yet. The apps cache is invalidated rather
// than patched: administrative writes demand that the next read observes
// storage truth.
func (s *AssignmentService) StoreAssignment(ctx context.Context, appID string, input AssignmentInput) (db.App, error) {
	kind := db.OwnerKind(strings.ToLower(strings.TrimSpace(input.OwnerKind)))
	if kind != db.OwnerUser && kind != db.OwnerOrganization {
		return db.App{}, fmt.Errorf("%w: owner_kind must be user or organization", authz.ErrInvalidInput)
	}
	if strings.TrimSpace(appID) == "" || strings.TrimSpace(input.OwnerID) == "" {
		return db.App{}, fmt.Errorf("%w: app id and owner id are required", authz.ErrInvalidInput)
	}

	var result db.App
	err := db.Update(ctx, s.Store, db.DocApps, func(current []byte) ([]byte, error) {
		var apps []db.App
		if current != nil {
			if err := json.Unmarshal(current, &apps); err != nil {
				return nil, fmt.Errorf("decode apps: %w", err)
			}
		}

		owner := &db.OwnerRef{Kind: kind, ID: input.OwnerID}
		for i := range apps {
			if normalize.Equal(apps[i].ID, appID) && normalize.Equal(apps[i].Publisher, input.Publisher) {
				apps[i].Owner = owner
				if apps[i].Name == "" {
					apps[i].Name = input.Name
				}
				result = apps[i]
				return json.Marshal(apps)
			}
		}

		result = db.App{
			ID:        normalize.Key(appID),
			Publisher: input.Publisher,
			Name:      input.Name,
			Owner:     owner,
			CreatedAt: time.Now(),
		}
		return json.Marshal(append(apps, result))
	})
	if err != nil {
		return db.App{}, err
	}

	s.Cache.Invalidate(cache.KindApps)
	return result, nil
}
