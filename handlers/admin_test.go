package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/meterable/meterable/cache"
	"github.com/meterable/meterable/db"
	"github.com/meterable/meterable/services"
)

func newAdminRouter(store db.DocumentStore) (*gin.Engine, *cache.EntityCache) {
	gin.SetMode(gin.TestMode)
	c := cache.NewEntityCache(store, time.Minute)
	h := NewAdminHandler(services.NewAssignmentService(store, c), c)
	r := gin.New()
	r.PUT("/v1/apps/:id/assignment", h.StoreAssignment)
	r.POST("/v1/admin/cache/invalidate", h.InvalidateCache)
	return r, c
}

func TestStoreAssignment_CreatesApp(t *testing.T) {
	store := db.NewMemoryStore()
	r, c := newAdminRouter(store)

	body, _ := json.Marshal(services.AssignmentInput{
		Publisher: "acme",
		OwnerKind: "organization",
		OwnerID:   "org-1",
		Name:      "Widget",
	})
	req := httptest.NewRequest(http.MethodPut, "/v1/apps/"+testAppID+"/assignment", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	app, err := c.AppByKey(context.Background(), testAppID, "acme")
	assert.NoError(t, err)
	if assert.NotNil(t, app) && assert.NotNil(t, app.Owner) {
		assert.Equal(t, db.OwnerOrganization, app.Owner.Kind)
		assert.Equal(t, "org-1", app.Owner.ID)
	}
}

func TestStoreAssignment_InvalidOwnerKind(t *testing.T) {
	store := db.NewMemoryStore()
	r, _ := newAdminRouter(store)

	body, _ := json.Marshal(services.AssignmentInput{
		Publisher: "acme",
		OwnerKind: "team",
		OwnerID:   "org-1",
	})
	req := httptest.NewRequest(http.MethodPut, "/v1/apps/"+testAppID+"/assignment", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStoreAssignment_MissingFields(t *testing.T) {
	store := db.NewMemoryStore()
	r, _ := newAdminRouter(store)

	req := httptest.NewRequest(http.MethodPut, "/v1/apps/"+testAppID+"/assignment", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestInvalidateCache(t *testing.T) {
	store := db.NewMemoryStore()
	r, c := newAdminRouter(store)

	// Warm the apps slot, then invalidate it over HTTP.
	_, err := c.Apps(context.Background())
	assert.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/v1/admin/cache/invalidate", bytes.NewReader([]byte(`{"kind":"apps"}`)))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ok")
}
